// Package pipeline is the Pipeline Orchestrator (spec §4.12): drives the
// dubbing stages strictly in order, updates per-session processing status
// after every stage, writes provenance copies of each stage's raw output,
// and decides continue-vs-halt from the apperr.Kind a stage returns.
// Grounded on internal/queue/queue.go's worker-pool/cancellation shape and
// internal/transcription/unified_service.go's stage-by-stage status
// updates, generalized from a single transcription job to the full
// ingest->stitch dubbing chain.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"scriberr/internal/align"
	"scriberr/internal/apperr"
	"scriberr/internal/dubmodel"
	"scriberr/internal/editor"
	"scriberr/internal/ingest"
	"scriberr/internal/media"
	"scriberr/internal/merge"
	"scriberr/internal/progress"
	"scriberr/internal/session"
	"scriberr/internal/stemsep"
	"scriberr/internal/stitch"
	"scriberr/internal/translate"
	"scriberr/internal/tts"
	"scriberr/pkg/logger"
)

// Stage is one step of the spec §4.12 state machine.
type Stage string

const (
	StageCreated     Stage = "created"
	StageIngesting   Stage = "ingesting"
	StageSeparated   Stage = "separated"
	StageDiarized    Stage = "diarized"
	StageEditing     Stage = "editing"
	StageTranslated  Stage = "translated"
	StageMerged      Stage = "merged"
	StageSynthesized Stage = "synthesized"
	StageAligned     Stage = "aligned"
	StageStitched    Stage = "stitched"
	StageCompleted   Stage = "completed"
	StageError       Stage = "error"
)

// Transcriber is the narrow interface the orchestrator needs from C5.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (*dubmodel.Diarization, error)
}

// Options configures one run of the pipeline for a single session.
type Options struct {
	SessionID               string
	VideoURL                string // "" if audio was uploaded directly instead
	UploadedAudioPath       string // "" if VideoURL is set instead
	SourceLanguage          string
	TargetLanguage          string
	PreserveBackgroundMusic bool
	SpeakerVoiceMap         map[string]string
	MaxSilenceMs            int
}

// Orchestrator wires every stage together and drives them in the fixed
// order spec §2 prescribes, persisting status/provenance via the Session
// Store and internal/progress after each stage.
type Orchestrator struct {
	store       *session.Store
	media       *media.Adapter
	ingester    *ingest.Ingester
	separator   *stemsep.Separator
	transcriber Transcriber
	translator  *translate.Translator
	ttsRouter   *tts.Router
	aligner     *align.Aligner
	stitcher    *stitch.Stitcher
	broadcaster *progress.Broadcaster
	poolSize    int
}

// New constructs an Orchestrator from its stage collaborators.
func New(
	store *session.Store,
	mediaAdapter *media.Adapter,
	ingester *ingest.Ingester,
	separator *stemsep.Separator,
	transcriber Transcriber,
	translator *translate.Translator,
	ttsRouter *tts.Router,
	aligner *align.Aligner,
	stitcher *stitch.Stitcher,
	broadcaster *progress.Broadcaster,
	poolSize int,
) *Orchestrator {
	if poolSize <= 0 {
		poolSize = 4
	}
	return &Orchestrator{
		store: store, media: mediaAdapter, ingester: ingester, separator: separator,
		transcriber: transcriber, translator: translator, ttsRouter: ttsRouter,
		aligner: aligner, stitcher: stitcher, broadcaster: broadcaster, poolSize: poolSize,
	}
}

// Result is what Run returns: the final stage reached and, on success,
// the path to the stitched output.
type Result struct {
	Stage      Stage
	OutputPath string
}

// Run drives C3 through C11 in order for one session. Any error from
// ingest, diarization or stitching halts the pipeline and marks the
// session StageError. For stem separation, translation, synthesis and
// alignment, only an error whose apperr kind halts (or an error that is
// not an *apperr.Error) stops the run; other errors are logged or dropped
// and the run continues.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Result, error) {
	sid := opts.SessionID

	audioPath, err := o.runIngest(ctx, opts)
	if err != nil {
		return o.halt(sid, StageIngesting, err)
	}

	sepMeta, err := o.runSeparation(ctx, sid, audioPath)
	if err != nil {
		if halted := o.isFatal(err); halted {
			return o.halt(sid, StageSeparated, err)
		}
		logger.Warn("Stem separation degraded", "session_id", sid, "error", err)
	}

	diarization, err := o.runDiarization(ctx, sid, audioPath, opts.SourceLanguage)
	if err != nil {
		return o.halt(sid, StageDiarized, err)
	}

	translated, err := o.runTranslation(ctx, sid, diarization, opts.SourceLanguage, opts.TargetLanguage)
	if err != nil && o.isFatal(err) {
		return o.halt(sid, StageTranslated, err)
	}

	maxSilence := opts.MaxSilenceMs
	if maxSilence <= 0 {
		maxSilence = merge.DefaultMaxSilenceMs
	}
	mergedDoc := o.runMerge(sid, translated, maxSilence)

	if err := o.runSynthesis(ctx, sid, opts.TargetLanguage, mergedDoc.MergedSegments, opts.SpeakerVoiceMap); err != nil && o.isFatal(err) {
		return o.halt(sid, StageSynthesized, err)
	}

	alignment, err := o.runAlignment(ctx, sid, mergedDoc.MergedSegments)
	if err != nil && o.isFatal(err) {
		return o.halt(sid, StageAligned, err)
	}

	outputPath, err := o.runStitch(ctx, sid, opts, audioPath, sepMeta, alignment, mergedDoc.MergedSegments)
	if err != nil {
		return o.halt(sid, StageStitched, err)
	}

	o.advance(sid, StageCompleted, 100, "dubbing complete")
	return &Result{Stage: StageCompleted, OutputPath: outputPath}, nil
}

func (o *Orchestrator) isFatal(err error) bool {
	if ae, ok := apperr.As(err); ok {
		return ae.Halts()
	}
	return true
}

func (o *Orchestrator) halt(sid string, stage Stage, err error) (*Result, error) {
	_ = o.store.UpdateSection(sid, "processing_status", map[string]any{
		"stage":   string(StageError),
		"message": err.Error(),
		"ts":      nowRFC3339(),
	})
	o.broadcast(sid, "error", map[string]any{"stage": string(stage), "message": err.Error()})
	logger.StageFailed(sid, string(stage), 0, err)
	return &Result{Stage: StageError}, err
}

// advance writes the processing_status section and broadcasts progress,
// per spec §4.12: "Calls update_section(session, 'processing_status', ...)".
func (o *Orchestrator) advance(sid string, stage Stage, progressPct int, message string) {
	_ = o.store.UpdateSection(sid, "processing_status", map[string]any{
		"stage":    string(stage),
		"progress": progressPct,
		"message":  message,
		"ts":       nowRFC3339(),
	})
	o.broadcast(sid, "progress", map[string]any{"stage": string(stage), "progress": progressPct, "message": message})
}

func (o *Orchestrator) broadcast(sid, eventType string, payload any) {
	if o.broadcaster != nil {
		o.broadcaster.Broadcast(sid, eventType, payload)
	}
}

// provenance writes a stage's raw output under tool_outputs/<stage>.json
// (spec §4.12: "On success, writes provenance to tool_outputs/<stage>.json").
func (o *Orchestrator) provenance(sid, stage string, v any) {
	if err := o.store.WriteJSON(sid, fmt.Sprintf("tool_outputs/%s.json", stage), v); err != nil {
		logger.Warn("Failed to write stage provenance", "session_id", sid, "stage", stage, "error", err)
	}
}

func (o *Orchestrator) runIngest(ctx context.Context, opts Options) (string, error) {
	start := time.Now()
	o.advance(opts.SessionID, StageIngesting, 5, "fetching source audio")
	logger.StageStarted(opts.SessionID, "ingest")

	var audioPath string
	var err error
	if opts.VideoURL != "" {
		var fellBack bool
		audioPath, fellBack, err = o.ingester.Ingest(ctx, opts.SessionID, opts.VideoURL)
		if err == nil && fellBack {
			// Spec §7: "a silent placeholder is a deliberate outcome rather
			// than an error", recorded explicitly rather than swallowed.
			_ = o.store.UpdateField(opts.SessionID, "ingest", map[string]any{"fallback": true})
		}
	} else if opts.UploadedAudioPath != "" {
		audioPath = opts.UploadedAudioPath
	} else {
		err = apperr.Invalid("ingest", "neither video_url nor uploaded audio provided")
	}
	if err != nil {
		logger.StageFailed(opts.SessionID, "ingest", time.Since(start), err)
		return "", err
	}
	logger.StageCompleted(opts.SessionID, "ingest", time.Since(start))
	o.provenance(opts.SessionID, "ingest", map[string]any{"audio_path": audioPath})
	return audioPath, nil
}

func (o *Orchestrator) runSeparation(ctx context.Context, sid, audioPath string) (*dubmodel.SeparationMetadata, error) {
	if o.separator == nil {
		return nil, nil
	}
	start := time.Now()
	o.advance(sid, StageSeparated, 20, "separating vocals and background")
	logger.StageStarted(sid, "stem_separation")
	meta, err := o.separator.Separate(ctx, sid, audioPath)
	if err != nil {
		logger.StageFailed(sid, "stem_separation", time.Since(start), err)
		return nil, err
	}
	logger.StageCompleted(sid, "stem_separation", time.Since(start))
	o.provenance(sid, "stem_separation", meta)
	return meta, nil
}

func (o *Orchestrator) runDiarization(ctx context.Context, sid, audioPath, sourceLanguage string) (*dubmodel.Diarization, error) {
	start := time.Now()
	o.advance(sid, StageDiarized, 35, "transcribing and diarizing speakers")
	logger.StageStarted(sid, "diarization")
	d, err := o.transcriber.Transcribe(ctx, audioPath)
	if err != nil {
		logger.StageFailed(sid, "diarization", time.Since(start), err)
		return nil, err
	}
	if sourceLanguage != "" {
		d.LanguageCode = sourceLanguage
	}
	if err := o.store.WriteJSON(sid, "diarization.json", d); err != nil {
		return nil, apperr.FatalErr("diarization", err, "persist diarization")
	}
	logger.StageCompleted(sid, "diarization", time.Since(start))
	o.provenance(sid, "diarization", d)
	return d, nil
}

// runTranslation is called after any pending C6 user-edit loop has been
// applied by the caller via internal/editor (spec §2: "(C6 optional user
// edits loop)" sits between diarization and translation).
func (o *Orchestrator) runTranslation(ctx context.Context, sid string, d *dubmodel.Diarization, sourceLang, targetLang string) (*dubmodel.Diarization, error) {
	start := time.Now()
	o.advance(sid, StageTranslated, 50, "translating segments")
	logger.StageStarted(sid, "translation")
	translated, err := o.translator.Translate(ctx, d, sourceLang, targetLang)
	if translated != nil {
		if writeErr := o.store.WriteJSON(sid, "diarization_translated.json", translated); writeErr != nil {
			logger.Warn("Failed to persist translated diarization", "session_id", sid, "error", writeErr)
		}
		if writeErr := o.store.WriteArtifact(sid, fmt.Sprintf("translation/%s.txt", targetLang), []byte(translated.Transcript), true); writeErr != nil {
			logger.Warn("Failed to persist translation text", "session_id", sid, "error", writeErr)
		}
	}
	if err != nil {
		logger.StageFailed(sid, "translation", time.Since(start), err)
		if ae, ok := apperr.As(err); ok && !ae.Halts() {
			// Partial failure: spec §4.7 "the stage succeeds if >=1 segment
			// translated" — continue with what we have.
			o.provenance(sid, "translation", translated)
			return translated, err
		}
		return nil, err
	}
	logger.StageCompleted(sid, "translation", time.Since(start))
	o.provenance(sid, "translation", translated)
	return translated, nil
}

func (o *Orchestrator) runMerge(sid string, d *dubmodel.Diarization, maxSilenceMs int) *dubmodel.MergedDiarization {
	o.advance(sid, StageMerged, 60, "merging adjacent segments")
	logger.StageStarted(sid, "merge")
	var segments []dubmodel.Segment
	if d != nil {
		segments = d.Segments
	}
	merged := merge.ToMergedDiarization(segments, maxSilenceMs)
	if err := o.store.WriteJSON(sid, "diarization_translated_merged.json", &merged); err != nil {
		logger.Warn("Failed to persist merged diarization", "session_id", sid, "error", err)
	}
	logger.StageCompleted(sid, "merge", 0)
	o.provenance(sid, "merge", &merged)
	return &merged
}

func (o *Orchestrator) runSynthesis(ctx context.Context, sid, targetLanguage string, segments []dubmodel.Segment, speakerVoiceMap map[string]string) error {
	start := time.Now()
	o.advance(sid, StageSynthesized, 75, "synthesizing speech")
	logger.StageStarted(sid, "synthesis")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.poolSize)
	results := make([]*tts.Result, len(segments))
	for i, seg := range segments {
		i, seg := i, seg
		g.Go(func() error {
			res, err := o.ttsRouter.Synthesize(gctx, sid, targetLanguage, seg, speakerVoiceMap)
			if err != nil {
				// Synthesis errors are non-fatal per segment (spec §4.9);
				// record nothing and move on.
				return nil
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.StageFailed(sid, "synthesis", time.Since(start), err)
		return apperr.FatalErr("synthesis", err, "segment worker pool failed")
	}
	logger.StageCompleted(sid, "synthesis", time.Since(start))
	o.provenance(sid, "synthesis", results)
	return nil
}

func (o *Orchestrator) runAlignment(ctx context.Context, sid string, segments []dubmodel.Segment) (*dubmodel.AlignmentMetadata, error) {
	start := time.Now()
	o.advance(sid, StageAligned, 88, "time-aligning synthesized segments")
	logger.StageStarted(sid, "alignment")
	meta, err := o.aligner.AlignAll(ctx, sid, segments)
	if err != nil {
		logger.StageFailed(sid, "alignment", time.Since(start), err)
		return meta, err
	}
	if err := o.store.UpdateSection(sid, "time_alignment", map[string]any{
		"total": meta.Total, "successful": meta.Successful, "failed": meta.Failed,
		"avg_speed_factor": meta.AvgSpeedFactor,
	}); err != nil {
		logger.Warn("Failed to persist alignment summary", "session_id", sid, "error", err)
	}
	logger.StageCompleted(sid, "alignment", time.Since(start))
	o.provenance(sid, "alignment", meta)
	return meta, nil
}

func (o *Orchestrator) runStitch(ctx context.Context, sid string, opts Options, audioPath string, sepMeta *dubmodel.SeparationMetadata, alignment *dubmodel.AlignmentMetadata, segments []dubmodel.Segment) (string, error) {
	start := time.Now()
	o.advance(sid, StageStitched, 95, "stitching final output")
	logger.StageStarted(sid, "stitch")
	outPath, err := o.stitcher.Stitch(ctx, stitch.Options{
		SessionID:               sid,
		OriginalAudioPath:       audioPath,
		PreserveBackgroundMusic: opts.PreserveBackgroundMusic,
		Separation:              sepMeta,
	}, alignment, segments)
	if err != nil {
		logger.StageFailed(sid, "stitch", time.Since(start), err)
		return "", apperr.FatalErr("stitch", err, "final stitch failed")
	}
	logger.StageCompleted(sid, "stitch", time.Since(start))
	o.provenance(sid, "stitch", map[string]any{"output_path": outPath})
	return outPath, nil
}

// ApplyEdits runs the C6 diarization editor protocol against a session's
// current diarization, for use between the Diarized and Translated
// stages in the HTTP-driven flow (spec §2's "(C6 optional user edits
// loop)").
func ApplyEdits(store *session.Store, sid string, updates map[string]editor.FieldEdit) (*dubmodel.Diarization, error) {
	return editor.ApplyEdits(store, sid, updates)
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
