package dubmodel

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentUnmarshalAcceptsLegacyStartEndFields(t *testing.T) {
	var s Segment
	err := json.Unmarshal([]byte(`{"segment_id":"seg_000","speaker":"spk_0","start":1.5,"end":3.0,"text":"hi"}`), &s)
	require.NoError(t, err)
	assert.Equal(t, 1.5, s.StartTime)
	assert.Equal(t, 3.0, s.EndTime)
}

func TestSegmentUnmarshalPrefersCanonicalFields(t *testing.T) {
	var s Segment
	err := json.Unmarshal([]byte(`{"segment_id":"seg_000","start_time":2.0,"end_time":4.0,"start":1.5,"end":3.0}`), &s)
	require.NoError(t, err)
	assert.Equal(t, 2.0, s.StartTime)
	assert.Equal(t, 4.0, s.EndTime)
}

func TestSegmentMarshalWritesCanonicalFields(t *testing.T) {
	s := Segment{SegmentID: "seg_000", StartTime: 1.5, EndTime: 3.0, Text: "hi"}
	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"start_time":1.5`)
	assert.Contains(t, string(data), `"end_time":3`)
	assert.NotContains(t, string(data), `"start":`)
}

func TestSegmentValidateRejectsBadTimes(t *testing.T) {
	assert.Error(t, Segment{StartTime: -1, EndTime: 1}.Validate())
	assert.Error(t, Segment{StartTime: 2, EndTime: 2}.Validate())
	assert.NoError(t, Segment{StartTime: 0, EndTime: 1}.Validate())
}

func TestDiarizationRebuildTranscriptJoinsNonEmptyText(t *testing.T) {
	d := Diarization{Segments: []Segment{
		{Text: "hello"},
		{Text: ""},
		{Text: "world"},
	}}
	d.RebuildTranscript()
	assert.Equal(t, "hello world", d.Transcript)
}

func TestDiarizationSortSegmentsOrdersByStartTime(t *testing.T) {
	d := Diarization{Segments: []Segment{
		{SegmentID: "b", StartTime: 2},
		{SegmentID: "a", StartTime: 1},
	}}
	d.SortSegments()
	assert.Equal(t, "a", d.Segments[0].SegmentID)
	assert.Equal(t, "b", d.Segments[1].SegmentID)
}

func TestDiarizationValidateRejectsOverlapForSameSpeaker(t *testing.T) {
	d := Diarization{Segments: []Segment{
		{SegmentID: "seg_000", Speaker: "spk_0", StartTime: 0, EndTime: 2},
		{SegmentID: "seg_001", Speaker: "spk_0", StartTime: 1, EndTime: 3},
	}}
	assert.Error(t, d.Validate())
}

func TestDiarizationValidateAllowsOverlapAcrossSpeakers(t *testing.T) {
	d := Diarization{Segments: []Segment{
		{SegmentID: "seg_000", Speaker: "spk_0", StartTime: 0, EndTime: 2},
		{SegmentID: "seg_001", Speaker: "spk_1", StartTime: 1, EndTime: 3},
	}}
	assert.NoError(t, d.Validate())
}

func TestAlignmentMetadataRecomputeAggregates(t *testing.T) {
	m := AlignmentMetadata{Segments: []SegmentAlignment{
		{Status: AlignmentSuccess, SpeedFactor: 1.0, QualityLevel: QualityGood},
		{Status: AlignmentSuccess, SpeedFactor: 0.9, QualityLevel: QualityAcceptable},
		{Status: AlignmentFailed, SpeedFactor: 0.5, QualityLevel: QualityPoor},
		{Status: AlignmentSkipped},
	}}
	m.Recompute()

	assert.Equal(t, 4, m.Total)
	assert.Equal(t, 3, m.Processed)
	assert.Equal(t, 2, m.Successful)
	assert.Equal(t, 1, m.Failed)
	assert.Equal(t, 1, m.GoodCount)
	assert.Equal(t, 1, m.AcceptableCount)
	assert.Equal(t, 1, m.PoorCount)
	assert.InDelta(t, 0.8, m.AvgSpeedFactor, 0.001)
	assert.Equal(t, 0.5, m.MinSpeedFactor)
	assert.Equal(t, 1.0, m.MaxSpeedFactor)
}
