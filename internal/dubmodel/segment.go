// Package dubmodel holds the shared data types that flow between pipeline
// stages: segments, diarizations, merged diarizations and the metadata
// records the Media Adapter and Time Aligner attach to each segment.
package dubmodel

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Segment is a contiguous span of a single speaker's speech with its
// transcribed (and, later, translated) text.
type Segment struct {
	SegmentID      string  `json:"segment_id"`
	Speaker        string  `json:"speaker"`
	StartTime      float64 `json:"start_time"`
	EndTime        float64 `json:"end_time"`
	Text           string  `json:"text"`
	TranslatedText string  `json:"translated_text,omitempty"`
	Language       string  `json:"language,omitempty"`
	Gender         string  `json:"gender,omitempty"`
	Pace           string  `json:"pace,omitempty"`
	Confidence     float64 `json:"confidence,omitempty"`

	// OriginalSegments is only populated on merged segments, carrying the
	// pre-merge records for traceability (spec §3 Merged Diarization).
	OriginalSegments []Segment `json:"original_segments,omitempty"`
}

// Duration returns end_time - start_time.
func (s Segment) Duration() float64 {
	return s.EndTime - s.StartTime
}

// Validate enforces the non-negative, end>start invariant from spec §3.
func (s Segment) Validate() error {
	if s.StartTime < 0 {
		return fmt.Errorf("segment %s: negative start_time %.3f", s.SegmentID, s.StartTime)
	}
	if s.EndTime <= s.StartTime {
		return fmt.Errorf("segment %s: end_time %.3f must be greater than start_time %.3f", s.SegmentID, s.EndTime, s.StartTime)
	}
	return nil
}

// segmentAlias avoids infinite recursion in UnmarshalJSON/MarshalJSON below
// while letting us accept the legacy start/end field names.
type segmentAlias Segment

// rawSegment additionally exposes the legacy "start"/"end" keys that the
// source system sometimes emitted instead of "start_time"/"end_time" (see
// spec §9 Open Questions: the spec fixes start_time/end_time but requires
// tolerance for older artifacts on read).
type rawSegment struct {
	segmentAlias
	Start *float64 `json:"start,omitempty"`
	End   *float64 `json:"end,omitempty"`
}

// UnmarshalJSON accepts both start_time/end_time and the legacy start/end
// field names, always normalizing to start_time/end_time internally.
func (s *Segment) UnmarshalJSON(data []byte) error {
	var raw rawSegment
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Segment(raw.segmentAlias)
	if s.StartTime == 0 && raw.Start != nil {
		s.StartTime = *raw.Start
	}
	if s.EndTime == 0 && raw.End != nil {
		s.EndTime = *raw.End
	}
	return nil
}

// MarshalJSON always writes the canonical start_time/end_time keys.
func (s Segment) MarshalJSON() ([]byte, error) {
	return json.Marshal(segmentAlias(s))
}

// Diarization is the ordered list of segments plus the joined transcript.
type Diarization struct {
	Transcript     string    `json:"transcript"`
	Segments       []Segment `json:"segments"`
	LanguageCode   string    `json:"language_code"`
	TargetLanguage string    `json:"target_language,omitempty"`
}

// RebuildTranscript regenerates Transcript as the whitespace join of each
// segment's Text, per spec §3's Diarization invariant.
func (d *Diarization) RebuildTranscript() {
	parts := make([]string, 0, len(d.Segments))
	for _, seg := range d.Segments {
		if seg.Text != "" {
			parts = append(parts, seg.Text)
		}
	}
	d.Transcript = strings.Join(parts, " ")
}

// SortSegments orders segments by start_time, the invariant required
// throughout §4.
func (d *Diarization) SortSegments() {
	sort.SliceStable(d.Segments, func(i, j int) bool {
		return d.Segments[i].StartTime < d.Segments[j].StartTime
	})
}

// Validate checks the segment-ordering and non-overlap invariants from
// spec §8 Invariant 1.
func (d *Diarization) Validate() error {
	bySpeaker := make(map[string]*Segment)
	for i := range d.Segments {
		seg := &d.Segments[i]
		if err := seg.Validate(); err != nil {
			return err
		}
		if prev, ok := bySpeaker[seg.Speaker]; ok && seg.StartTime < prev.EndTime {
			return fmt.Errorf("segment %s overlaps previous segment %s for speaker %s", seg.SegmentID, prev.SegmentID, seg.Speaker)
		}
		bySpeaker[seg.Speaker] = seg
	}
	for i := 1; i < len(d.Segments); i++ {
		if d.Segments[i].StartTime < d.Segments[i-1].StartTime {
			return fmt.Errorf("segments not sorted by start_time at index %d", i)
		}
	}
	return nil
}

// MergedDiarization is the output of the Segment Merger (C8).
type MergedDiarization struct {
	Transcript           string    `json:"transcript"`
	TranslatedTranscript string    `json:"translated_transcript"`
	MergedSegments       []Segment `json:"merged_segments"`
	OriginalSegmentCount int       `json:"original_segment_count"`
	MergedSegmentCount   int       `json:"merged_segment_count"`
	MaxSilenceMs         int       `json:"max_silence_ms"`
}

// SeparationStats are the loudness statistics the Stem Separator computes.
type SeparationStats struct {
	VocalsRMSDb        float64 `json:"vocals_rms_db"`
	BackgroundRMSDb    float64 `json:"background_rms_db"`
	VocalsPercentage   float64 `json:"vocals_percentage"`
	BackgroundPercentage float64 `json:"background_percentage"`
}

// SeparationMetadata is written to music/metadata.json by the Stem
// Separator and consumed by the Stitcher.
type SeparationMetadata struct {
	VocalsPath               string          `json:"vocals_path"`
	BackgroundPath           string          `json:"background_path"`
	HasSignificantBackground bool            `json:"has_significant_background"`
	Stats                    SeparationStats `json:"stats"`
}

// AlignmentQuality is the closed enum for per-segment alignment quality
// (spec §4.10).
type AlignmentQuality string

const (
	QualityGood       AlignmentQuality = "good"
	QualityAcceptable AlignmentQuality = "acceptable"
	QualityPoor       AlignmentQuality = "poor"
)

// AlignmentStatus is the closed enum of per-segment alignment outcomes.
type AlignmentStatus string

const (
	AlignmentSuccess AlignmentStatus = "success"
	AlignmentFailed  AlignmentStatus = "failed"
	AlignmentSkipped AlignmentStatus = "skipped"
)

// SegmentAlignment is the per-segment record produced by the Time Aligner.
type SegmentAlignment struct {
	SegmentID        string           `json:"segment_id"`
	Status           AlignmentStatus  `json:"status"`
	InputFile        string           `json:"input_file"`
	OutputFile       string           `json:"output_file,omitempty"`
	OriginalDuration float64          `json:"original_duration"`
	TargetDuration   float64          `json:"target_duration"`
	OutputDuration   float64          `json:"output_duration"`
	DurationDiff     float64          `json:"duration_difference"`
	SpeedFactor      float64          `json:"speed_factor"`
	QualityLevel     AlignmentQuality `json:"quality_level"`
	QualityScore     int              `json:"quality_score"`
	StartTime        float64          `json:"start_time"`
	Error            string           `json:"error,omitempty"`
}

// AlignmentMetadata aggregates per-segment alignment results plus summary
// statistics (spec §3 Alignment Metadata).
type AlignmentMetadata struct {
	Segments        []SegmentAlignment `json:"segments"`
	Total           int                 `json:"total"`
	Processed       int                 `json:"processed"`
	Successful      int                 `json:"successful"`
	Failed          int                 `json:"failed"`
	AvgSpeedFactor  float64             `json:"avg_speed_factor"`
	MinSpeedFactor  float64             `json:"min_speed_factor"`
	MaxSpeedFactor  float64             `json:"max_speed_factor"`
	GoodCount       int                 `json:"good_count"`
	AcceptableCount int                 `json:"acceptable_count"`
	PoorCount       int                 `json:"poor_count"`
}

// Recompute fills in the aggregate fields from Segments.
func (m *AlignmentMetadata) Recompute() {
	m.Total = len(m.Segments)
	m.Processed, m.Successful, m.Failed = 0, 0, 0
	m.GoodCount, m.AcceptableCount, m.PoorCount = 0, 0, 0
	var sum float64
	m.MinSpeedFactor, m.MaxSpeedFactor = 0, 0
	first := true
	for _, s := range m.Segments {
		if s.Status == AlignmentSkipped {
			continue
		}
		m.Processed++
		if s.Status == AlignmentSuccess {
			m.Successful++
		} else {
			m.Failed++
		}
		sum += s.SpeedFactor
		if first || s.SpeedFactor < m.MinSpeedFactor {
			m.MinSpeedFactor = s.SpeedFactor
		}
		if first || s.SpeedFactor > m.MaxSpeedFactor {
			m.MaxSpeedFactor = s.SpeedFactor
		}
		first = false
		switch s.QualityLevel {
		case QualityGood:
			m.GoodCount++
		case QualityAcceptable:
			m.AcceptableCount++
		case QualityPoor:
			m.PoorCount++
		}
	}
	if m.Processed > 0 {
		m.AvgSpeedFactor = sum / float64(m.Processed)
	}
}
