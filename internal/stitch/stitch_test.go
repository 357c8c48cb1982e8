package stitch

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriberr/internal/dubmodel"
	"scriberr/internal/media"
)

// TestCanvasDurationFallsBackToMaxEndTimePlusBuffer is spec §4.11 step 1:
// when no original audio is available, the canvas is sized to the
// maximum segment end_time plus a small buffer.
func TestCanvasDurationFallsBackToMaxEndTimePlusBuffer(t *testing.T) {
	s := New(nil, media.New())
	segments := []dubmodel.Segment{
		{SegmentID: "seg_000", StartTime: 0, EndTime: 1.5},
		{SegmentID: "seg_001", StartTime: 2.0, EndTime: 4.0},
	}

	d, err := s.canvasDuration(context.Background(), Options{}, segments)
	require.NoError(t, err)
	assert.Equal(t, 4.0+endBufferSec, d)
}

// TestCollectClipsSkipsFailedAndMissingFiles is spec §4.11 step 3: only
// successful aligned segments whose output file actually exists on disk
// are placed on the canvas.
func TestCollectClipsSkipsFailedAndMissingFiles(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "segment_seg_000_time_aligned.wav")
	require.NoError(t, os.WriteFile(existing, []byte("RIFF...fake wav bytes"), 0o644))

	alignments := &dubmodel.AlignmentMetadata{Segments: []dubmodel.SegmentAlignment{
		{SegmentID: "seg_000", Status: dubmodel.AlignmentSuccess, OutputFile: existing, StartTime: 0.5},
		{SegmentID: "seg_001", Status: dubmodel.AlignmentFailed, OutputFile: filepath.Join(dir, "missing.wav"), StartTime: 1.0},
		{SegmentID: "seg_002", Status: dubmodel.AlignmentSuccess, OutputFile: filepath.Join(dir, "never_written.wav"), StartTime: 2.0},
	}}

	clips := collectClips(dir, alignments)
	require.Len(t, clips, 1)
	assert.Equal(t, 0.5, clips[0].startTime)
	assert.Equal(t, existing, clips[0].path)
}

func TestCollectClipsNilAlignmentsReturnsEmpty(t *testing.T) {
	assert.Nil(t, collectClips(t.TempDir(), nil))
}
