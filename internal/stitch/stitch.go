// Package stitch is the Stitcher (spec §4.11): allocates a silence
// canvas sized to the original audio, overlays every successfully
// aligned segment at its original start_time, and optionally remixes in
// an attenuated background stem. Grounded on the teacher's audio
// overlay shape in internal/media and original_source/modules/
// tts_processor.py's stitch_audio for the silence-padding/final-duration
// rules, adapted from sequential concatenation to absolute-position
// overlay per the spec's redesigned canvas model.
package stitch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"scriberr/internal/dubmodel"
	"scriberr/internal/media"
	"scriberr/internal/session"
)

// fallbackBackgroundAttenuationDb is the spec §4.11 fallback when no
// stored original background dB is available.
const fallbackBackgroundAttenuationDb = -12.0

// endBufferSec pads the canvas when no original audio duration is known
// (spec §4.11 step 1: "maximum end_time across segments plus a small
// buffer").
const endBufferSec = 1.0

const sampleRate = 44100

// Options configures one stitch pass.
type Options struct {
	SessionID               string
	OriginalAudioPath       string // optional; "" if unavailable
	PreserveBackgroundMusic bool
	Separation              *dubmodel.SeparationMetadata // nil if stem separation wasn't run or found nothing significant
}

// Stitcher combines aligned segments (and, optionally, a background
// stem) into the final dubbed track.
type Stitcher struct {
	store *session.Store
	media *media.Adapter
}

// New constructs a Stitcher.
func New(store *session.Store, mediaAdapter *media.Adapter) *Stitcher {
	return &Stitcher{store: store, media: mediaAdapter}
}

// alignedClip is one segment's placement on the canvas.
type alignedClip struct {
	startTime float64
	path      string
}

// Stitch builds the final output WAV and returns its absolute path.
// alignments and segments must correspond by SegmentID; only segments
// with a successful, existing time-aligned clip are placed.
func (s *Stitcher) Stitch(ctx context.Context, opts Options, alignments *dubmodel.AlignmentMetadata, segments []dubmodel.Segment) (string, error) {
	sessionDir := s.store.Dir(opts.SessionID)

	canvasDuration, err := s.canvasDuration(ctx, opts, segments)
	if err != nil {
		return "", err
	}

	canvasPath := filepath.Join(sessionDir, "synthesis", "canvas.wav")
	if err := s.media.Silence(ctx, canvasPath, canvasDuration, sampleRate); err != nil {
		return "", fmt.Errorf("stitch: allocate canvas: %w", err)
	}

	clips := collectClips(sessionDir, alignments)
	sort.Slice(clips, func(i, j int) bool { return clips[i].startTime < clips[j].startTime })

	current := canvasPath
	for i, clip := range clips {
		positionMs := int(clip.startTime * 1000)
		if positionMs < 0 {
			positionMs = 0
		}
		if clip.startTime > canvasDuration {
			// Spec §4.11 invariant: no aligned segment starts after
			// canvas end; drop it rather than extend the canvas.
			continue
		}
		next := filepath.Join(sessionDir, "synthesis", fmt.Sprintf("mix_%03d.wav", i))
		if err := s.media.Overlay(ctx, current, clip.path, positionMs, next); err != nil {
			return "", fmt.Errorf("stitch: overlay segment at %.3fs: %w", clip.startTime, err)
		}
		current = next
	}

	if opts.PreserveBackgroundMusic && opts.Separation != nil && opts.Separation.HasSignificantBackground {
		mixed, err := s.overlayBackground(ctx, sessionDir, current, opts.Separation, canvasDuration)
		if err != nil {
			return "", err
		}
		current = mixed
	}

	finalRel := "synthesis/final_output.wav"
	finalPath := filepath.Join(sessionDir, finalRel)
	if err := copyFile(current, finalPath); err != nil {
		return "", fmt.Errorf("stitch: write final output: %w", err)
	}
	return finalPath, nil
}

// canvasDuration determines the final canvas length (spec §4.11 step
// 1): the original audio's duration when available, else the maximum
// segment end_time plus a small buffer.
func (s *Stitcher) canvasDuration(ctx context.Context, opts Options, segments []dubmodel.Segment) (float64, error) {
	if opts.OriginalAudioPath != "" {
		d, err := s.media.ProbeDuration(ctx, opts.OriginalAudioPath)
		if err == nil && d > 0 {
			return d, nil
		}
	}

	maxEnd := 0.0
	for _, seg := range segments {
		if seg.EndTime > maxEnd {
			maxEnd = seg.EndTime
		}
	}
	return maxEnd + endBufferSec, nil
}

// collectClips returns the placement of every successfully aligned
// segment whose time-aligned clip exists on disk.
func collectClips(sessionDir string, alignments *dubmodel.AlignmentMetadata) []alignedClip {
	if alignments == nil {
		return nil
	}
	var clips []alignedClip
	for _, a := range alignments.Segments {
		if a.Status != dubmodel.AlignmentSuccess || a.OutputFile == "" {
			continue
		}
		if info, err := os.Stat(a.OutputFile); err != nil || info.Size() == 0 {
			continue
		}
		clips = append(clips, alignedClip{startTime: a.StartTime, path: a.OutputFile})
	}
	return clips
}

// overlayBackground applies the stored background RMS dB (or the -12 dB
// fallback when none is stored) as a gain to the background stem,
// loops/truncates it to the canvas length, and overlays it across the
// whole track (spec §4.11 step 4).
func (s *Stitcher) overlayBackground(ctx context.Context, sessionDir, vocalsPath string, sep *dubmodel.SeparationMetadata, canvasDuration float64) (string, error) {
	gainDb := fallbackBackgroundAttenuationDb
	if sep.Stats.BackgroundRMSDb != 0 {
		gainDb = sep.Stats.BackgroundRMSDb
	}

	attenuated := filepath.Join(sessionDir, "synthesis", "background_attenuated.wav")
	if err := s.media.Attenuate(ctx, sep.BackgroundPath, attenuated, gainDb); err != nil {
		return "", fmt.Errorf("stitch: attenuate background: %w", err)
	}

	looped := filepath.Join(sessionDir, "synthesis", "background_looped.wav")
	if err := s.media.LoopOrTrim(ctx, attenuated, looped, canvasDuration); err != nil {
		return "", fmt.Errorf("stitch: loop/trim background: %w", err)
	}

	mixed := filepath.Join(sessionDir, "synthesis", "mixed_with_background.wav")
	if err := s.media.Overlay(ctx, vocalsPath, looped, 0, mixed); err != nil {
		return "", fmt.Errorf("stitch: overlay background: %w", err)
	}
	return mixed, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}
