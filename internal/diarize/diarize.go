// Package diarize is the Diarized Transcriber (spec §4.5): VAD-guided
// segmentation plus a speaker-labelled ASR provider call, producing the
// canonical segment list. Grounded on the teacher's
// internal/transcription/whisperx.go for provider-call shape and
// internal/extern for the subprocess/provider boundary.
package diarize

import (
	"context"
	"fmt"
	"time"

	"scriberr/internal/apperr"
	"scriberr/internal/dubmodel"
	"scriberr/internal/extern"
)

const stageName = "diarization"

// defaultLanguageCode is used when the provider returns none (spec §4.5).
const defaultLanguageCode = "hi-IN"

// VADConfig bounds how the input is sliced into speech regions before
// each is sent to the ASR+diarization provider.
type VADConfig struct {
	MinSegmentDuration float64 // default 1.0s
	CombineDuration    float64 // default 8.0s ceiling
	CombineGap         float64 // default 1.0s
}

// DefaultVADConfig returns the spec §4.5 defaults.
func DefaultVADConfig() VADConfig {
	return VADConfig{MinSegmentDuration: 1.0, CombineDuration: 8.0, CombineGap: 1.0}
}

// providerSegment is the wire shape of a single ASR+diarization result
// (spec §6: "{speaker,start,end,text}").
type providerSegment struct {
	Speaker string  `json:"speaker"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Gender  string  `json:"gender,omitempty"`
}

type providerResponse struct {
	LanguageCode string            `json:"language_code"`
	Transcript   string            `json:"transcript"`
	Segments     []providerSegment `json:"segments"`
}

// Transcriber drives the VAD-sliced ASR+diarization call.
type Transcriber struct {
	providerCommand string
	probeCommand    string
	timeout         time.Duration
	vad             VADConfig
}

// New constructs a Transcriber. providerCommand is a shell command
// invoking the external ASR+diarization provider (spec §6's "narrow
// contract"), fed the audio path via internal/extern's JSON-over-subprocess
// call. probeCommand, when non-empty, is a cheap readiness check run
// through internal/extern's singleflight-guarded CheckReady (a success is
// cached for the process; a failure is cleared so the next call probes
// again); leave it empty to skip probing and call the provider
// directly.
func New(providerCommand, probeCommand string, timeout time.Duration, vad VADConfig) *Transcriber {
	return &Transcriber{providerCommand: providerCommand, probeCommand: probeCommand, timeout: timeout, vad: vad}
}

// Transcribe runs VAD segmentation (delegated to the external provider,
// which is expected to apply min_segment_duration/combine_duration/
// combine_gap itself) and an ASR-with-diarization call, producing the
// canonical Diarization for audioPath.
func (t *Transcriber) Transcribe(ctx context.Context, audioPath string) (*dubmodel.Diarization, error) {
	if t.probeCommand != "" && !extern.CheckReady(ctx, "diarize", t.probeCommand) {
		extern.InvalidateReady("diarize")
		return nil, apperr.External(stageName, fmt.Errorf("ASR provider not ready"), "")
	}

	req := map[string]any{
		"audio_path":           audioPath,
		"min_segment_duration": t.vad.MinSegmentDuration,
		"combine_duration":     t.vad.CombineDuration,
		"combine_gap":          t.vad.CombineGap,
	}

	var resp providerResponse
	if err := extern.Call(ctx, fmt.Sprintf(t.providerCommand, audioPath), t.timeout, req, &resp); err != nil {
		return nil, apperr.External(stageName, err, "")
	}

	if len(resp.Segments) == 0 {
		return nil, apperr.FatalErr(stageName, fmt.Errorf("provider returned zero segments"), "NoSpeech")
	}

	languageCode := resp.LanguageCode
	if languageCode == "" {
		languageCode = defaultLanguageCode
	}

	segments := make([]dubmodel.Segment, 0, len(resp.Segments))
	for i, ps := range resp.Segments {
		gender := ps.Gender
		if gender == "" {
			gender = "neutral"
		}
		segments = append(segments, dubmodel.Segment{
			SegmentID: fmt.Sprintf("seg_%03d", i),
			Speaker:   ps.Speaker,
			StartTime: ps.Start,
			EndTime:   ps.End,
			Text:      ps.Text,
			Language:  languageCode,
			Gender:    gender,
		})
	}

	d := &dubmodel.Diarization{Segments: segments, LanguageCode: languageCode}
	d.SortSegments()
	d.RebuildTranscript()
	if err := d.Validate(); err != nil {
		return nil, apperr.FatalErr(stageName, err, "invalid segment set from provider")
	}
	return d, nil
}
