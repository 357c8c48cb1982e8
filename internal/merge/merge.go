// Package merge is the Segment Merger (spec §4.8): merges adjacent
// same-speaker segments whose inter-gap is below a threshold, concatenating
// text and translation. Ported verbatim from
// original_source/modules/segment_merger.py.
package merge

import (
	"fmt"
	"strings"

	"scriberr/internal/dubmodel"
)

// DefaultMaxSilenceMs is the spec §4.8 default merge threshold.
const DefaultMaxSilenceMs = 500

// Merge iterates sorted segments, merging consecutive segments with the
// same speaker whose gap (next.start - prev.end)*1000 <= maxSilenceMs.
// Merged ids are reassigned merged_000, merged_001, ... in order.
func Merge(segments []dubmodel.Segment, maxSilenceMs int) []dubmodel.Segment {
	if len(segments) == 0 {
		return nil
	}

	sorted := make([]dubmodel.Segment, len(segments))
	copy(sorted, segments)
	sortByStart(sorted)

	merged := make([]dubmodel.Segment, 0, len(sorted))

	current := sorted[0]
	current.OriginalSegments = []dubmodel.Segment{withoutOriginals(sorted[0])}

	for _, seg := range sorted[1:] {
		silenceMs := (seg.StartTime - current.EndTime) * 1000

		if seg.Speaker == current.Speaker && silenceMs <= float64(maxSilenceMs) {
			current.EndTime = seg.EndTime
			current.Text = joinNonEmpty(current.Text, seg.Text)
			if seg.TranslatedText != "" || current.TranslatedText != "" {
				current.TranslatedText = joinNonEmpty(current.TranslatedText, seg.TranslatedText)
			}
			current.OriginalSegments = append(current.OriginalSegments, withoutOriginals(seg))
			continue
		}

		merged = append(merged, current)
		current = seg
		current.OriginalSegments = []dubmodel.Segment{withoutOriginals(seg)}
	}
	merged = append(merged, current)

	for i := range merged {
		merged[i].SegmentID = fmt.Sprintf("merged_%03d", i)
	}

	return merged
}

// ToMergedDiarization builds the spec §3 Merged Diarization document from
// a flat segment list and the merge threshold maxSilenceMs.
func ToMergedDiarization(segments []dubmodel.Segment, maxSilenceMs int) dubmodel.MergedDiarization {
	mergedSegments := Merge(segments, maxSilenceMs)

	var transcript, translated []string
	for _, s := range mergedSegments {
		if s.Text != "" {
			transcript = append(transcript, s.Text)
		}
		if s.TranslatedText != "" {
			translated = append(translated, s.TranslatedText)
		}
	}

	return dubmodel.MergedDiarization{
		Transcript:           strings.Join(transcript, " "),
		TranslatedTranscript: strings.Join(translated, " "),
		MergedSegments:       mergedSegments,
		OriginalSegmentCount: len(segments),
		MergedSegmentCount:   len(mergedSegments),
		MaxSilenceMs:         maxSilenceMs,
	}
}

func sortByStart(segments []dubmodel.Segment) {
	for i := 1; i < len(segments); i++ {
		for j := i; j > 0 && segments[j].StartTime < segments[j-1].StartTime; j-- {
			segments[j], segments[j-1] = segments[j-1], segments[j]
		}
	}
}

func joinNonEmpty(a, b string) string {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return a + " " + b
}

// withoutOriginals returns a copy of seg with OriginalSegments cleared, so
// the pre-merge records stored in original_segments don't themselves carry
// nested original_segments.
func withoutOriginals(seg dubmodel.Segment) dubmodel.Segment {
	seg.OriginalSegments = nil
	return seg
}
