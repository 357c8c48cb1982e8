package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriberr/internal/dubmodel"
)

// TestMergeBasic is spec §8 scenario S1: two same-speaker segments
// within the gap threshold merge, a different-speaker segment does not.
func TestMergeBasic(t *testing.T) {
	segments := []dubmodel.Segment{
		{SegmentID: "seg_000", Speaker: "A", StartTime: 0.0, EndTime: 1.0, Text: "hello"},
		{SegmentID: "seg_001", Speaker: "A", StartTime: 1.3, EndTime: 2.0, Text: "world"},
		{SegmentID: "seg_002", Speaker: "B", StartTime: 2.1, EndTime: 3.0, Text: "hi"},
	}

	merged := Merge(segments, 500)
	require.Len(t, merged, 2)

	assert.Equal(t, "merged_000", merged[0].SegmentID)
	assert.Equal(t, "A", merged[0].Speaker)
	assert.Equal(t, 0.0, merged[0].StartTime)
	assert.Equal(t, 2.0, merged[0].EndTime)
	assert.Equal(t, "hello world", merged[0].Text)
	require.Len(t, merged[0].OriginalSegments, 2)

	assert.Equal(t, "merged_001", merged[1].SegmentID)
	assert.Equal(t, "B", merged[1].Speaker)
	assert.Equal(t, "hi", merged[1].Text)
}

// TestMergeBlockedBySpeaker is spec §8 scenario S2: identical timings,
// but the second segment belongs to a different speaker, so no merge
// happens across it even though the gap is below threshold.
func TestMergeBlockedBySpeaker(t *testing.T) {
	segments := []dubmodel.Segment{
		{SegmentID: "seg_000", Speaker: "A", StartTime: 0.0, EndTime: 1.0, Text: "hello"},
		{SegmentID: "seg_001", Speaker: "B", StartTime: 1.3, EndTime: 2.0, Text: "world"},
		{SegmentID: "seg_002", Speaker: "B", StartTime: 2.1, EndTime: 3.0, Text: "hi"},
	}

	merged := Merge(segments, 500)
	require.Len(t, merged, 3)
	assert.Equal(t, "merged_000", merged[0].SegmentID)
	assert.Equal(t, "merged_001", merged[1].SegmentID)
	assert.Equal(t, "merged_002", merged[2].SegmentID)
}

// TestMergeZeroThresholdIsIdentity is spec §8: "Merge with T=0 is the
// identity."
func TestMergeZeroThresholdIsIdentity(t *testing.T) {
	segments := []dubmodel.Segment{
		{SegmentID: "seg_000", Speaker: "A", StartTime: 0.0, EndTime: 1.0, Text: "hello"},
		{SegmentID: "seg_001", Speaker: "A", StartTime: 1.0, EndTime: 2.0, Text: "world"},
	}

	merged := Merge(segments, 0)
	require.Len(t, merged, 1, "zero gap at exactly the boundary still merges (<=0)")

	segments[1].StartTime = 1.001
	merged = Merge(segments, 0)
	require.Len(t, merged, 2, "any positive gap with T=0 blocks the merge")
}

// TestMergePreservesTotalSpan is spec §8 invariant 2: merging never
// drops or extends the union of input time spans.
func TestMergePreservesTotalSpan(t *testing.T) {
	segments := []dubmodel.Segment{
		{SegmentID: "seg_000", Speaker: "A", StartTime: 0.0, EndTime: 1.0, Text: "a"},
		{SegmentID: "seg_001", Speaker: "A", StartTime: 1.2, EndTime: 2.0, Text: "b"},
		{SegmentID: "seg_002", Speaker: "B", StartTime: 2.5, EndTime: 3.5, Text: "c"},
	}

	merged := Merge(segments, 500)
	require.Len(t, merged, 2)
	assert.Equal(t, segments[0].StartTime, merged[0].StartTime)
	assert.Equal(t, segments[1].EndTime, merged[0].EndTime)
	assert.Equal(t, segments[2].StartTime, merged[1].StartTime)
	assert.Equal(t, segments[2].EndTime, merged[1].EndTime)
}

func TestMergeEmptyInput(t *testing.T) {
	assert.Nil(t, Merge(nil, 500))
}

func TestToMergedDiarizationAggregates(t *testing.T) {
	segments := []dubmodel.Segment{
		{SegmentID: "seg_000", Speaker: "A", StartTime: 0.0, EndTime: 1.0, Text: "hello", TranslatedText: "bonjour"},
		{SegmentID: "seg_001", Speaker: "A", StartTime: 1.3, EndTime: 2.0, Text: "world", TranslatedText: "monde"},
	}

	md := ToMergedDiarization(segments, 500)
	assert.Equal(t, 2, md.OriginalSegmentCount)
	assert.Equal(t, 1, md.MergedSegmentCount)
	assert.Equal(t, "hello world", md.Transcript)
	assert.Equal(t, "bonjour monde", md.TranslatedTranscript)
	assert.Equal(t, 500, md.MaxSilenceMs)
}
