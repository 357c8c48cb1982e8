// Package stemsep is the Stem Separator (spec §4.4): invokes an external
// two-stem source-separation model, copies vocals/background stems to the
// session's canonical locations, computes loudness stats via the Media
// Adapter, and decides has_significant_background. The -40dB RMS floor is
// taken verbatim from original_source/modules/audio_separator.py.
package stemsep

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"scriberr/internal/apperr"
	"scriberr/internal/dubmodel"
	"scriberr/internal/extern"
	"scriberr/internal/media"
	"scriberr/internal/session"
	"scriberr/pkg/logger"
)

const stageName = "stem_separation"

// BackgroundSignificanceDb is the fixed RMS threshold above which a
// background stem is considered significant (spec §4.4; original's
// threshold_db = -40.0).
const BackgroundSignificanceDb = -40.0

// Separator invokes the external two-stem model through a shell-style
// command template whose %s placeholders are the input path then the
// output directory, matching internal/extern.Call's shlex-split contract.
type Separator struct {
	store           *session.Store
	media           *media.Adapter
	commandTemplate string
	probeCommand    string
	timeout         time.Duration
}

// New constructs a Separator. commandTemplate is a shell command string
// with two fmt verbs: input audio path, output directory. probeCommand,
// when non-empty, is a cheap readiness check (e.g. the separation
// model's `--version` invocation) run through internal/extern's
// singleflight-guarded CheckReady (a success is cached for the process; a
// failure is cleared so the next call probes again), the same
// environment-readiness gate adapters/base_adapter.go runs before its
// heavier calls; leave it empty to skip probing and call the model
// directly.
func New(store *session.Store, mediaAdapter *media.Adapter, commandTemplate, probeCommand string, timeout time.Duration) *Separator {
	return &Separator{store: store, media: mediaAdapter, commandTemplate: commandTemplate, probeCommand: probeCommand, timeout: timeout}
}

// Separate runs the external separation model and writes
// music/background.wav, music/metadata.json, plus an audio/<id>_vocals.wav
// copy, returning the resulting metadata.
func (sp *Separator) Separate(ctx context.Context, sessionID, inputPath string) (*dubmodel.SeparationMetadata, error) {
	outDir := filepath.Join(sp.store.Dir(sessionID), "tool_outputs", "separation")
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, apperr.FatalErr(stageName, err, "create separation output dir")
	}

	if sp.probeCommand != "" && !extern.CheckReady(ctx, "stemsep", sp.probeCommand) {
		extern.InvalidateReady("stemsep")
		return nil, apperr.External(stageName, fmt.Errorf("separation model not ready"), "")
	}

	command := fmt.Sprintf(sp.commandTemplate, inputPath, outDir)
	var raw struct {
		VocalsPath     string `json:"vocals_path"`
		BackgroundPath string `json:"background_path"`
	}
	if err := extern.Call(ctx, command, sp.timeout, nil, &raw); err != nil {
		return nil, apperr.FatalErr(stageName, err, "external separator invocation failed")
	}
	if raw.VocalsPath == "" || raw.BackgroundPath == "" {
		return nil, apperr.FatalErr(stageName, fmt.Errorf("separator returned no stem paths"), "separator output malformed")
	}

	vocalsDest := filepath.Join(sp.store.Dir(sessionID), "audio", sessionID+"_vocals.wav")
	backgroundDest := filepath.Join(sp.store.Dir(sessionID), "music", "background.wav")
	if err := copyFile(raw.VocalsPath, vocalsDest); err != nil {
		return nil, apperr.FatalErr(stageName, err, "copy vocals stem")
	}
	if err := copyFile(raw.BackgroundPath, backgroundDest); err != nil {
		return nil, apperr.FatalErr(stageName, err, "copy background stem")
	}

	vocalsDb, err := sp.media.RMSDbfs(ctx, vocalsDest)
	if err != nil {
		logger.Warn("Failed to measure vocals RMS", "session_id", sessionID, "error", err)
	}
	backgroundDb, err := sp.media.RMSDbfs(ctx, backgroundDest)
	if err != nil {
		logger.Warn("Failed to measure background RMS", "session_id", sessionID, "error", err)
	}

	hasSignificantBackground := backgroundDb > BackgroundSignificanceDb

	total := math.Pow(10, vocalsDb/10) + math.Pow(10, backgroundDb/10)
	vocalsPct, backgroundPct := 0.0, 0.0
	if total > 0 {
		vocalsPct = 100 * math.Pow(10, vocalsDb/10) / total
		backgroundPct = 100 * math.Pow(10, backgroundDb/10) / total
	}

	meta := &dubmodel.SeparationMetadata{
		VocalsPath:               vocalsDest,
		BackgroundPath:           backgroundDest,
		HasSignificantBackground: hasSignificantBackground,
		Stats: dubmodel.SeparationStats{
			VocalsRMSDb:          vocalsDb,
			BackgroundRMSDb:      backgroundDb,
			VocalsPercentage:     vocalsPct,
			BackgroundPercentage: backgroundPct,
		},
	}

	if err := sp.store.WriteJSON(sessionID, "music/metadata.json", meta); err != nil {
		return nil, apperr.FatalErr(stageName, err, "write separation metadata")
	}
	if err := sp.store.UpdateSection(sessionID, "audio_separation", map[string]any{
		"has_significant_background": hasSignificantBackground,
		"vocals_rms_db":              vocalsDb,
		"background_rms_db":          backgroundDb,
	}); err != nil {
		return nil, apperr.FatalErr(stageName, err, "update audio_separation metadata")
	}

	return meta, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}
