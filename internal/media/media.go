// Package media is the Media Adapter (spec §4.1): a thin ffmpeg/ffprobe
// subprocess wrapper providing probe/decode/encode/silence/concatenate/
// overlay/time_stretch/rms_dbfs. It is the sole audio codec boundary; no
// component links a Go audio-DSP library, matching the teacher's own
// internal/audio/merger.go approach of shelling out to ffmpeg.
package media

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"scriberr/pkg/binaries"
)

// Error wraps a codec/IO failure from an external ffmpeg/ffprobe call,
// matching spec §4.1's "fail with MediaError on codec/IO issues".
type Error struct {
	Op      string
	Path    string
	Cause   error
	Stderr  string
}

func (e *Error) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("media: %s %s: %v (%s)", e.Op, e.Path, e.Cause, strings.TrimSpace(e.Stderr))
	}
	return fmt.Sprintf("media: %s %s: %v", e.Op, e.Path, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Adapter runs ffmpeg/ffprobe subprocesses resolved via pkg/binaries.
type Adapter struct {
	ffmpegPath  string
	ffprobePath string
}

// New constructs a Media Adapter using the configured ffmpeg/ffprobe paths.
func New() *Adapter {
	return &Adapter{ffmpegPath: binaries.FFmpeg(), ffprobePath: binaries.FFprobe()}
}

// ValidateFFmpeg checks that ffmpeg is available and working.
func (a *Adapter) ValidateFFmpeg() error {
	cmd := exec.Command(a.ffmpegPath, "-version")
	if err := cmd.Run(); err != nil {
		return &Error{Op: "validate", Cause: err}
	}
	return nil
}

// ProbeDuration returns the duration of an audio file in seconds.
func (a *Adapter) ProbeDuration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, a.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, &Error{Op: "probe_duration", Path: path, Cause: err, Stderr: stderr.String()}
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(out.String()), 64)
	if err != nil {
		return 0, &Error{Op: "probe_duration", Path: path, Cause: err}
	}
	return d, nil
}

// Encode transcodes an input file (any ffmpeg-readable format) to a WAV
// (mono, 16-bit PCM) or MP3 file at the given sample rate. Spec §4.1:
// "wav lossless; mp3 via external transcoder".
func (a *Adapter) Encode(ctx context.Context, inPath, outPath string, sampleRate int) error {
	args := []string{"-y", "-i", inPath, "-ac", "1"}
	if sampleRate > 0 {
		args = append(args, "-ar", strconv.Itoa(sampleRate))
	}
	if strings.HasSuffix(strings.ToLower(outPath), ".mp3") {
		args = append(args, "-c:a", "libmp3lame", "-b:a", "192k")
	} else {
		args = append(args, "-c:a", "pcm_s16le")
	}
	args = append(args, outPath)
	return a.run(ctx, "encode", outPath, args)
}

// Silence writes a mono silent WAV file of the given duration.
func (a *Adapter) Silence(ctx context.Context, outPath string, durationSec float64, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = 44100
	}
	args := []string{
		"-y",
		"-f", "lavfi",
		"-i", fmt.Sprintf("anullsrc=channel_layout=mono:sample_rate=%d", sampleRate),
		"-t", fmt.Sprintf("%.6f", durationSec),
		"-c:a", "pcm_s16le",
		outPath,
	}
	return a.run(ctx, "silence", outPath, args)
}

// Concatenate joins two audio files (in order) into outPath.
func (a *Adapter) Concatenate(ctx context.Context, aPath, bPath, outPath string) error {
	filter := "[0:a][1:a]concat=n=2:v=0:a=1[aout]"
	args := []string{
		"-y",
		"-i", aPath,
		"-i", bPath,
		"-filter_complex", filter,
		"-map", "[aout]",
		"-c:a", "pcm_s16le",
		outPath,
	}
	return a.run(ctx, "concatenate", outPath, args)
}

// Overlay mixes overlayPath onto basePath starting at positionMs,
// producing outPath. The output keeps the base's length (amix
// duration=first): any part of the overlay that runs past the end of the
// base is dropped, which is how internal/stitch truncates clips at the
// canvas end.
func (a *Adapter) Overlay(ctx context.Context, basePath, overlayPath string, positionMs int, outPath string) error {
	filter := fmt.Sprintf("[1:a]adelay=%d|%d[delayed];[0:a][delayed]amix=inputs=2:duration=first:normalize=0[aout]", positionMs, positionMs)
	args := []string{
		"-y",
		"-i", basePath,
		"-i", overlayPath,
		"-filter_complex", filter,
		"-map", "[aout]",
		"-c:a", "pcm_s16le",
		outPath,
	}
	return a.run(ctx, "overlay", outPath, args)
}

// Attenuate applies a gain of gainDb decibels (negative to quieten) to
// inPath, writing outPath. Used by internal/stitch, which passes the
// background stem's stored RMS dB (or a fallback) as the gain before
// overlaying the stem onto the vocal canvas (spec §4.11).
func (a *Adapter) Attenuate(ctx context.Context, inPath, outPath string, gainDb float64) error {
	args := []string{
		"-y",
		"-i", inPath,
		"-af", fmt.Sprintf("volume=%.3fdB", gainDb),
		"-c:a", "pcm_s16le",
		outPath,
	}
	return a.run(ctx, "attenuate", outPath, args)
}

// LoopOrTrim produces exactly targetDurationSec of inPath at outPath,
// looping inPath if it is shorter than the target and truncating it if
// longer (spec §4.11: "loop/truncate to canvas length").
func (a *Adapter) LoopOrTrim(ctx context.Context, inPath, outPath string, targetDurationSec float64) error {
	args := []string{
		"-y",
		"-stream_loop", "-1",
		"-i", inPath,
		"-t", fmt.Sprintf("%.6f", targetDurationSec),
		"-c:a", "pcm_s16le",
		outPath,
	}
	return a.run(ctx, "loop_or_trim", outPath, args)
}

// RMSDbfs returns the mean RMS loudness in dBFS for the given file, parsed
// from ffmpeg's volumedetect filter (the teacher has no equivalent; this
// mirrors original_source/modules/audio_separator.py's RMS-via-ffmpeg
// approach).
var meanVolumeRe = regexp.MustCompile(`mean_volume:\s*(-?[0-9.]+)\s*dB`)

func (a *Adapter) RMSDbfs(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, a.ffmpegPath, "-i", path, "-af", "volumedetect", "-f", "null", "/dev/null")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	_ = cmd.Run() // ffmpeg with -f null exits non-zero on some builds; parse stderr regardless

	m := meanVolumeRe.FindStringSubmatch(stderr.String())
	if m == nil {
		return 0, &Error{Op: "rms_dbfs", Path: path, Cause: fmt.Errorf("mean_volume not found in ffmpeg output"), Stderr: stderr.String()}
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, &Error{Op: "rms_dbfs", Path: path, Cause: err}
	}
	return v, nil
}

func (a *Adapter) run(ctx context.Context, op, path string, args []string) error {
	cmd := exec.CommandContext(ctx, a.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &Error{Op: op, Path: path, Cause: err, Stderr: stderr.String()}
	}
	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		return &Error{Op: op, Path: path, Cause: fmt.Errorf("output file missing or empty")}
	}
	return nil
}

// BuildAtempoFilters chains ffmpeg atempo filters so their product equals
// speedFactor, since a single atempo filter only accepts [0.5, 2.0]. Ported
// verbatim from original_source/modules/time_aligned_tts.py:
// build_atempo_filters (spec §4.1, SPEC_FULL.md §C supplemented feature 6).
func BuildAtempoFilters(speedFactor float64) string {
	var filters []string
	remaining := speedFactor

	for remaining > 2.0 {
		filters = append(filters, "atempo=2.0")
		remaining /= 2.0
	}
	for remaining < 0.5 {
		filters = append(filters, "atempo=0.5")
		remaining /= 0.5
	}
	filters = append(filters, fmt.Sprintf("atempo=%.6f", remaining))
	return strings.Join(filters, ",")
}

// TimeStretch re-encodes inPath to outPath at speedFactor using the chained
// atempo filter, clamping factors below minFactor (spec §4.1: "speed
// factors below 0.9 are clamped to 0.9 to prevent artifacts").
func (a *Adapter) TimeStretch(ctx context.Context, inPath, outPath string, speedFactor, minFactor float64) (float64, error) {
	if minFactor <= 0 {
		minFactor = 0.9
	}
	applied := math.Max(speedFactor, minFactor)
	filter := BuildAtempoFilters(applied)

	args := []string{
		"-y",
		"-i", inPath,
		"-filter:a", filter,
		"-acodec", "pcm_s16le",
		"-ar", "44100",
		outPath,
	}
	if err := a.run(ctx, "time_stretch", outPath, args); err != nil {
		return applied, err
	}
	return applied, nil
}
