package align

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"scriberr/internal/dubmodel"
	"scriberr/internal/media"
)

func TestClassifyQualityTiers(t *testing.T) {
	cases := []struct {
		factor  float64
		quality dubmodel.AlignmentQuality
	}{
		{1.0, dubmodel.QualityGood},
		{0.8, dubmodel.QualityGood},
		{1.25, dubmodel.QualityGood},
		{0.7, dubmodel.QualityAcceptable},
		{1.5, dubmodel.QualityAcceptable},
		{0.3, dubmodel.QualityPoor},
		{2.5, dubmodel.QualityPoor},
	}
	for _, c := range cases {
		quality, score := classifyQuality(c.factor)
		assert.Equalf(t, c.quality, quality, "factor %v", c.factor)
		assert.Greaterf(t, score, 0, "factor %v", c.factor)
	}
}

// TestSynthesisPathCandidatesChecksOwnIDFirst mirrors spec §4.10's
// align_all lookup order: the segment's own id, then each pre-merge
// original id.
func TestSynthesisPathCandidatesChecksOwnIDFirst(t *testing.T) {
	candidates := synthesisPathCandidates("merged_000", []string{"seg_000", "seg_001"})
	assert.Equal(t, []string{
		"synthesis/segment_merged_000.wav",
		"synthesis/segment_seg_000.wav",
		"synthesis/segment_seg_001.wav",
	}, candidates)
}

// TestAlignSegmentFailsOnInvalidDurations exercises AlignSegment's
// duration guard through a failed probe: the input file does not exist,
// so probing its duration fails and no time stretch is attempted.
func TestAlignSegmentFailsOnInvalidDurations(t *testing.T) {
	aligner := New(nil, media.New())
	_, err := aligner.AlignSegment(context.Background(), "seg_000", "/nonexistent/in.wav", "/nonexistent/out.wav", 2.0)
	assert.Error(t, err)
}
