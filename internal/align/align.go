// Package align is the Time Aligner (spec §4.10): stretches a
// synthesized clip to its original segment's duration via bounded
// ffmpeg atempo chaining, then classifies the result into a quality
// tier. Ported verbatim from
// original_source/modules/time_aligned_tts.py's adjust_segment_duration,
// riding on internal/media's BuildAtempoFilters/TimeStretch.
package align

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"scriberr/internal/apperr"
	"scriberr/internal/dubmodel"
	"scriberr/internal/media"
	"scriberr/internal/session"
)

const stageName = "alignment"

// MinSpeedFactor is the floor spec §4.1/§4.10 impose on the computed
// speed factor to prevent excessive slowdown.
const MinSpeedFactor = 0.9

// durationDifferenceWarnThreshold triggers the quality-score penalty
// (spec §4.10 step 4).
const durationDifferenceWarnThreshold = 0.5

// Aligner drives per-segment time-stretching and the aggregated
// alignment pass over a session's synthesized segments.
type Aligner struct {
	store *session.Store
	media *media.Adapter
}

// New constructs an Aligner.
func New(store *session.Store, mediaAdapter *media.Adapter) *Aligner {
	return &Aligner{store: store, media: mediaAdapter}
}

// AlignSegment stretches inPath to targetDuration, writing outPath, and
// returns the per-segment alignment record (spec §4.10 steps 1-4).
func (a *Aligner) AlignSegment(ctx context.Context, segmentID, inPath, outPath string, targetDuration float64) (*dubmodel.SegmentAlignment, error) {
	orig, err := a.media.ProbeDuration(ctx, inPath)
	if err != nil || orig <= 0 || targetDuration <= 0 {
		return &dubmodel.SegmentAlignment{
			SegmentID:      segmentID,
			Status:         dubmodel.AlignmentFailed,
			InputFile:      inPath,
			TargetDuration: targetDuration,
			Error:          "invalid original or target duration",
		}, apperr.Partial(stageName, "invalid durations for segment %s: orig=%v target=%v", segmentID, orig, targetDuration)
	}

	speedFactor := orig / targetDuration
	if speedFactor < MinSpeedFactor {
		speedFactor = MinSpeedFactor
	}

	appliedFactor, err := a.media.TimeStretch(ctx, inPath, outPath, speedFactor, MinSpeedFactor)
	if err != nil {
		return &dubmodel.SegmentAlignment{
			SegmentID:        segmentID,
			InputFile:        inPath,
			OriginalDuration: orig,
			TargetDuration:   targetDuration,
			SpeedFactor:      speedFactor,
			Status:           dubmodel.AlignmentFailed,
			Error:            err.Error(),
		}, apperr.Partial(stageName, "time stretch failed for segment %s: %v", segmentID, err)
	}
	speedFactor = appliedFactor

	outputDuration, err := a.media.ProbeDuration(ctx, outPath)
	if err != nil {
		outputDuration = 0
	}

	durationDiff := math.Abs(outputDuration - targetDuration)
	quality, score := classifyQuality(speedFactor)
	if durationDiff > durationDifferenceWarnThreshold {
		score -= 10
	}

	return &dubmodel.SegmentAlignment{
		SegmentID:        segmentID,
		InputFile:        inPath,
		OutputFile:       outPath,
		OriginalDuration: orig,
		TargetDuration:   targetDuration,
		OutputDuration:   outputDuration,
		DurationDiff:     durationDiff,
		SpeedFactor:      speedFactor,
		QualityLevel:     quality,
		QualityScore:     score,
		Status:           dubmodel.AlignmentSuccess,
	}, nil
}

// classifyQuality implements the spec §4.10 step 4 tiers exactly as
// time_aligned_tts.py's adjust_segment_duration does.
func classifyQuality(speedFactor float64) (dubmodel.AlignmentQuality, int) {
	switch {
	case speedFactor >= 0.8 && speedFactor <= 1.25:
		return dubmodel.QualityGood, 90
	case (speedFactor >= 0.6 && speedFactor < 0.8) || (speedFactor > 1.25 && speedFactor <= 1.75):
		return dubmodel.QualityAcceptable, 70
	default:
		return dubmodel.QualityPoor, 50
	}
}

// synthesisPathCandidates returns the lookup order spec §4.10's
// align_all uses to find a segment's synthesis artifact: the segment's
// own id, then each pre-merge original id ("segment_<id>",
// "segment_merged_<id>", or "segment_<orig_id>" patterns).
func synthesisPathCandidates(segmentID string, originalSegmentIDs []string) []string {
	candidates := []string{fmt.Sprintf("synthesis/segment_%s.wav", segmentID)}
	for _, origID := range originalSegmentIDs {
		candidates = append(candidates, fmt.Sprintf("synthesis/segment_%s.wav", origID))
	}
	return candidates
}

// AlignAll iterates the merged-or-unmerged segment list (merged
// preferred when present), aligning each segment whose synthesis
// artifact exists, and aggregates the result into AlignmentMetadata
// (spec §4.10: align_all).
func (a *Aligner) AlignAll(ctx context.Context, sessionID string, segments []dubmodel.Segment) (*dubmodel.AlignmentMetadata, error) {
	meta := &dubmodel.AlignmentMetadata{}
	sessionDir := a.store.Dir(sessionID)

	for _, seg := range segments {
		originalIDs := make([]string, 0, len(seg.OriginalSegments))
		for _, orig := range seg.OriginalSegments {
			originalIDs = append(originalIDs, orig.SegmentID)
		}

		inRel := firstExisting(sessionDir, synthesisPathCandidates(seg.SegmentID, originalIDs))
		if inRel == "" {
			meta.Segments = append(meta.Segments, dubmodel.SegmentAlignment{
				SegmentID: seg.SegmentID,
				Status:    dubmodel.AlignmentSkipped,
			})
			continue
		}

		inPath := filepath.Join(sessionDir, inRel)
		outRel := fmt.Sprintf("synthesis/segment_%s_time_aligned.wav", seg.SegmentID)
		outPath := filepath.Join(sessionDir, outRel)

		alignment, err := a.AlignSegment(ctx, seg.SegmentID, inPath, outPath, seg.Duration())
		if err != nil {
			if ae, ok := apperr.As(err); ok && ae.Halts() {
				return meta, err
			}
		}
		alignment.StartTime = seg.StartTime
		meta.Segments = append(meta.Segments, *alignment)
	}

	meta.Recompute()
	return meta, nil
}

func firstExisting(sessionDir string, candidates []string) string {
	for _, c := range candidates {
		if info, err := os.Stat(filepath.Join(sessionDir, c)); err == nil && !info.IsDir() && info.Size() > 0 {
			return c
		}
	}
	return ""
}
