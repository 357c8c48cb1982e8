// Package api implements the HTTP surface spec §6 describes as "consumed
// by the front end; specified by contract only": upload/process_video_url/
// transcribe/translate/synthesize-time-aligned/save_diarization/
// get_diarization/get_translation/processing_status, plus static serving
// under <session>/. Grounded on the teacher's internal/api/handlers.go for
// the gin.Context request/response idiom and error-to-status mapping, but
// the route set itself is the spec's fixed contract rather than the
// teacher's own transcription API.
package api

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"scriberr/internal/align"
	"scriberr/internal/apperr"
	"scriberr/internal/config"
	"scriberr/internal/dubmodel"
	"scriberr/internal/editor"
	"scriberr/internal/ingest"
	"scriberr/internal/media"
	"scriberr/internal/merge"
	"scriberr/internal/pipeline"
	"scriberr/internal/progress"
	"scriberr/internal/session"
	"scriberr/internal/sessionindex"
	"scriberr/internal/stemsep"
	"scriberr/internal/stitch"
	"scriberr/internal/translate"
	"scriberr/internal/tts"
	"scriberr/pkg/logger"
)

// Handler holds every collaborator a request handler needs. It is a thin
// pass-through to the pipeline/session packages (spec §1: this layer is
// "out of scope" beyond its §6 contract), not a full web application
// stack.
type Handler struct {
	cfg         *config.Config
	store       *session.Store
	index       *sessionindex.Index
	media       *media.Adapter
	ingester    *ingest.Ingester
	separator   *stemsep.Separator
	transcriber pipeline.Transcriber
	translator  *translate.Translator
	ttsRouter   *tts.Router
	aligner     *align.Aligner
	stitcher    *stitch.Stitcher
	broadcaster *progress.Broadcaster
	orchestrator *pipeline.Orchestrator
}

// NewHandler wires a Handler from its constructed collaborators. Callers
// (cmd/server, tests) build each collaborator explicitly rather than the
// Handler reaching into global state.
func NewHandler(
	cfg *config.Config,
	store *session.Store,
	index *sessionindex.Index,
	mediaAdapter *media.Adapter,
	ingester *ingest.Ingester,
	separator *stemsep.Separator,
	transcriber pipeline.Transcriber,
	translator *translate.Translator,
	ttsRouter *tts.Router,
	aligner *align.Aligner,
	stitcher *stitch.Stitcher,
	broadcaster *progress.Broadcaster,
) *Handler {
	h := &Handler{
		cfg: cfg, store: store, index: index, media: mediaAdapter,
		ingester: ingester, separator: separator, transcriber: transcriber,
		translator: translator, ttsRouter: ttsRouter, aligner: aligner,
		stitcher: stitcher, broadcaster: broadcaster,
	}
	h.orchestrator = pipeline.New(store, mediaAdapter, ingester, separator, transcriber, translator, ttsRouter, aligner, stitcher, broadcaster, cfg.WorkerPoolSize)
	return h
}

// errorResponse renders an apperr.Error (or a generic error) with the
// spec §7 status mapping.
func (h *Handler) errorResponse(c *gin.Context, err error) {
	if ae, ok := apperr.As(err); ok {
		c.JSON(ae.HTTPStatus(), gin.H{"error": ae.Message, "kind": string(ae.Kind), "stage": ae.Stage})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// HealthCheck is a liveness probe, unguarded by any contract in §6 but
// standard operational ambient surface.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// uploadResponse is POST /upload's response shape (spec §6).
type uploadResponse struct {
	SessionID  string `json:"session_id"`
	UploadPath string `json:"upload_path"`
}

// Upload handles POST /upload: a multipart file upload becomes a new
// session's canonical audio artifact.
func (h *Handler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		h.errorResponse(c, apperr.Invalid("upload", "missing multipart file field: %v", err))
		return
	}

	sessionID, err := h.store.CreateSession("")
	if err != nil {
		h.errorResponse(c, apperr.FatalErr("upload", err, "create session"))
		return
	}

	ext := filepath.Ext(fileHeader.Filename)
	if ext == "" {
		ext = ".wav"
	}
	destRel := filepath.Join("audio", sessionID+ext)
	destAbs := filepath.Join(h.store.Dir(sessionID), destRel)

	if err := saveUploadedFile(fileHeader, destAbs); err != nil {
		h.errorResponse(c, apperr.FatalErr("upload", err, "save uploaded file"))
		return
	}

	if err := h.store.UpdateField(sessionID, "upload_path", destRel); err != nil {
		logger.Warn("Failed to record upload_path", "session_id", sessionID, "error", err)
	}
	if h.index != nil {
		_ = h.index.Upsert(c.Request.Context(), sessionID, string(pipeline.StageCreated), "")
	}

	c.JSON(http.StatusOK, uploadResponse{SessionID: sessionID, UploadPath: destAbs})
}

// saveUploadedFile streams a multipart upload to dest, creating parent
// directories as needed.
func saveUploadedFile(fh *multipart.FileHeader, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// processVideoURLRequest / Response implement POST /process_video_url
// (spec §6).
type processVideoURLRequest struct {
	VideoURL string `json:"video_url" binding:"required"`
}

type processVideoURLResponse struct {
	SessionID string `json:"session_id"`
	AudioPath string `json:"audio_path"`
}

// ProcessVideoURL handles POST /process_video_url: validates and ingests
// a remote video URL into a new session (spec §4.3's Source Ingest,
// invoked directly rather than through the full Run so a caller can
// inspect the ingested audio before committing to the rest of the
// pipeline).
func (h *Handler) ProcessVideoURL(c *gin.Context) {
	var req processVideoURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.errorResponse(c, apperr.Invalid("ingest", "invalid request body: %v", err))
		return
	}

	if _, err := ingest.ValidateURL(req.VideoURL); err != nil {
		// Spec §6: "429 if source blocks automated fetches" covers a
		// platform actively refusing; a malformed/unsupported URL is a
		// plain 400 via errorResponse's InvalidInput mapping.
		h.errorResponse(c, err)
		return
	}

	sessionID, err := h.store.CreateSession("")
	if err != nil {
		h.errorResponse(c, apperr.FatalErr("ingest", err, "create session"))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Duration(h.cfg.ProviderTimeoutSec)*time.Second)
	defer cancel()

	audioPath, fellBack, err := h.ingester.Ingest(ctx, sessionID, req.VideoURL)
	if err != nil {
		if ae, ok := apperr.As(err); ok && ae.Kind == apperr.ExternalUnavailable {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "source blocked automated fetch", "session_id": sessionID})
			return
		}
		h.errorResponse(c, err)
		return
	}
	if fellBack {
		_ = h.store.UpdateField(sessionID, "ingest", map[string]any{"fallback": true})
	}
	if h.index != nil {
		_ = h.index.Upsert(c.Request.Context(), sessionID, string(pipeline.StageIngesting), "")
	}

	c.JSON(http.StatusOK, processVideoURLResponse{SessionID: sessionID, AudioPath: audioPath})
}

// transcribeRequest/Response implement POST /transcribe (spec §6).
type transcribeRequest struct {
	SessionID               string `json:"session_id" binding:"required"`
	TargetLanguage          string `json:"target_language"`
	PreserveBackgroundMusic bool   `json:"preserve_background_music"`
}

type transcribeResponse struct {
	Transcription string             `json:"transcription"`
	Segments      []dubmodel.Segment `json:"segments"`
	Language      string             `json:"language"`
}

// Transcribe handles POST /transcribe: runs stem separation then
// diarized transcription for an existing session (spec §2: C3 has
// already run via /process_video_url or /upload).
func (h *Handler) Transcribe(c *gin.Context) {
	var req transcribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.errorResponse(c, apperr.Invalid("transcribe", "invalid request body: %v", err))
		return
	}
	if !h.store.Exists(req.SessionID) {
		h.errorResponse(c, apperr.NotFoundf("transcribe", "unknown session %s", req.SessionID))
		return
	}

	if err := h.store.Update(req.SessionID, map[string]any{
		"target_language":            req.TargetLanguage,
		"preserve_background_music":  req.PreserveBackgroundMusic,
	}); err != nil {
		h.errorResponse(c, apperr.FatalErr("transcribe", err, "persist session options"))
		return
	}

	audioPath := filepath.Join(h.store.Dir(req.SessionID), "audio", req.SessionID+".wav")
	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Duration(h.cfg.ProviderTimeoutSec)*time.Second)
	defer cancel()

	if h.separator != nil {
		if _, err := h.separator.Separate(ctx, req.SessionID, audioPath); err != nil {
			if ae, ok := apperr.As(err); ok && ae.Halts() {
				h.errorResponse(c, err)
				return
			}
			logger.Warn("Stem separation degraded", "session_id", req.SessionID, "error", err)
		}
	}

	d, err := h.transcriber.Transcribe(ctx, audioPath)
	if err != nil {
		h.errorResponse(c, err)
		return
	}
	if err := h.store.WriteJSON(req.SessionID, "diarization.json", d); err != nil {
		h.errorResponse(c, apperr.FatalErr("transcribe", err, "persist diarization"))
		return
	}
	if h.index != nil {
		_ = h.index.Upsert(c.Request.Context(), req.SessionID, string(pipeline.StageDiarized), req.TargetLanguage)
	}

	c.JSON(http.StatusOK, transcribeResponse{Transcription: d.Transcript, Segments: d.Segments, Language: d.LanguageCode})
}

// translateRequest/Response implement POST /translate (spec §6).
type translateRequest struct {
	SessionID               string `json:"session_id" binding:"required"`
	TargetLanguage          string `json:"target_language" binding:"required"`
	PreserveBackgroundMusic bool   `json:"preserve_background_music"`
}

type translateResponse struct {
	Translation      string            `json:"translation"`
	DiarizationPaths map[string]string `json:"diarization_paths"`
}

// Translate handles POST /translate: translates the session's current
// diarization (after any C6 edits) and persists the result.
func (h *Handler) Translate(c *gin.Context) {
	var req translateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.errorResponse(c, apperr.Invalid("translate", "invalid request body: %v", err))
		return
	}
	if !h.store.Exists(req.SessionID) {
		h.errorResponse(c, apperr.NotFoundf("translate", "unknown session %s", req.SessionID))
		return
	}

	var d dubmodel.Diarization
	if err := h.store.ReadJSON(req.SessionID, "diarization.json", &d); err != nil {
		h.errorResponse(c, apperr.NotFoundf("translate", "no diarization for session %s: %v", req.SessionID, err))
		return
	}

	if err := h.store.Update(req.SessionID, map[string]any{
		"target_language":           req.TargetLanguage,
		"preserve_background_music": req.PreserveBackgroundMusic,
	}); err != nil {
		h.errorResponse(c, apperr.FatalErr("translate", err, "persist session options"))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Duration(h.cfg.ProviderTimeoutSec)*time.Second)
	defer cancel()

	translated, err := h.translator.Translate(ctx, &d, d.LanguageCode, req.TargetLanguage)
	if translated != nil {
		if werr := h.store.WriteJSON(req.SessionID, "diarization_translated.json", translated); werr != nil {
			h.errorResponse(c, apperr.FatalErr("translate", werr, "persist translated diarization"))
			return
		}
		_ = h.store.WriteArtifact(req.SessionID, fmt.Sprintf("translation/%s.txt", req.TargetLanguage), []byte(translated.Transcript), true)
	}
	if err != nil {
		if ae, ok := apperr.As(err); ok && ae.Kind == apperr.Fatal {
			h.errorResponse(c, err)
			return
		}
		// Partial failure still returns 200 with the partially translated
		// result (spec §7: PartialFailure -> stage succeeds).
	}
	if h.index != nil {
		_ = h.index.Upsert(c.Request.Context(), req.SessionID, string(pipeline.StageTranslated), req.TargetLanguage)
	}

	c.JSON(http.StatusOK, translateResponse{
		Translation: translated.Transcript,
		DiarizationPaths: map[string]string{
			"translated": "diarization_translated.json",
		},
	})
}

// speakerDetail is one entry of synthesizeRequest.SpeakerDetails (spec §6).
type speakerDetail struct {
	SpeakerID string `json:"speaker_id"`
	VoiceID   string `json:"voice_id"`
}

// synthesizeRequest/Response implement POST /synthesize-time-aligned
// (spec §6).
type synthesizeRequest struct {
	SessionID               string          `json:"session_id" binding:"required"`
	TargetLanguage          string          `json:"target_language" binding:"required"`
	PreserveBackgroundMusic bool            `json:"preserve_background_music"`
	SpeakerDetails          []speakerDetail `json:"speaker_details"`
}

type synthesizeResponse struct {
	AudioURL string `json:"audio_url"`
}

// SynthesizeTimeAligned handles POST /synthesize-time-aligned: merges the
// translated diarization, synthesizes and time-aligns every segment, and
// stitches the final dubbed track (spec C8-C11).
func (h *Handler) SynthesizeTimeAligned(c *gin.Context) {
	var req synthesizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.errorResponse(c, apperr.Invalid("synthesize", "invalid request body: %v", err))
		return
	}
	if !h.store.Exists(req.SessionID) {
		h.errorResponse(c, apperr.NotFoundf("synthesize", "unknown session %s", req.SessionID))
		return
	}

	var d dubmodel.Diarization
	if err := h.store.ReadJSON(req.SessionID, "diarization_translated.json", &d); err != nil {
		h.errorResponse(c, apperr.NotFoundf("synthesize", "no translated diarization for session %s: %v", req.SessionID, err))
		return
	}

	speakerVoiceMap := make(map[string]string, len(req.SpeakerDetails))
	for _, sd := range req.SpeakerDetails {
		if sd.VoiceID != "" {
			speakerVoiceMap[sd.SpeakerID] = sd.VoiceID
		}
	}

	maxSilenceMs := h.cfg.MaxSilenceMs
	if maxSilenceMs <= 0 {
		maxSilenceMs = merge.DefaultMaxSilenceMs
	}
	mergedDoc := merge.ToMergedDiarization(d.Segments, maxSilenceMs)
	if err := h.store.WriteJSON(req.SessionID, "diarization_translated_merged.json", &mergedDoc); err != nil {
		h.errorResponse(c, apperr.FatalErr("synthesize", err, "persist merged diarization"))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Duration(h.cfg.ProviderTimeoutSec)*time.Second)
	defer cancel()

	for _, seg := range mergedDoc.MergedSegments {
		if _, err := h.ttsRouter.Synthesize(ctx, req.SessionID, req.TargetLanguage, seg, speakerVoiceMap); err != nil {
			logger.Warn("Segment synthesis failed", "session_id", req.SessionID, "segment_id", seg.SegmentID, "error", err)
		}
	}

	alignment, err := h.aligner.AlignAll(ctx, req.SessionID, mergedDoc.MergedSegments)
	if err != nil {
		h.errorResponse(c, err)
		return
	}

	var sepMeta *dubmodel.SeparationMetadata
	var m dubmodel.SeparationMetadata
	if err := h.store.ReadJSON(req.SessionID, "music/metadata.json", &m); err == nil {
		sepMeta = &m
	}

	audioPath := filepath.Join(h.store.Dir(req.SessionID), "audio", req.SessionID+".wav")
	outputPath, err := h.stitcher.Stitch(ctx, stitch.Options{
		SessionID:               req.SessionID,
		OriginalAudioPath:       audioPath,
		PreserveBackgroundMusic: req.PreserveBackgroundMusic,
		Separation:              sepMeta,
	}, alignment, mergedDoc.MergedSegments)
	if err != nil {
		h.errorResponse(c, apperr.FatalErr("stitch", err, "final stitch failed"))
		return
	}

	if h.index != nil {
		_ = h.index.Upsert(c.Request.Context(), req.SessionID, string(pipeline.StageCompleted), req.TargetLanguage)
	}

	c.JSON(http.StatusOK, synthesizeResponse{AudioURL: "/files/" + req.SessionID + "/" + filepath.Base(outputPath)})
}

// saveDiarizationRequest implements POST /save_diarization (spec §6).
type saveDiarizationRequest struct {
	SessionID string                       `json:"session_id" binding:"required"`
	Updates   map[string]editor.FieldEdit `json:"updates" binding:"required"`
}

// SaveDiarization handles POST /save_diarization: the C6 Diarization
// Editor Protocol endpoint.
func (h *Handler) SaveDiarization(c *gin.Context) {
	var req saveDiarizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.errorResponse(c, apperr.Invalid("save_diarization", "invalid request body: %v", err))
		return
	}

	if _, err := editor.ApplyEdits(h.store, req.SessionID, req.Updates); err != nil {
		h.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// GetDiarization handles GET /get_diarization?session_id=... (spec §6).
func (h *Handler) GetDiarization(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		h.errorResponse(c, apperr.Invalid("get_diarization", "session_id is required"))
		return
	}
	var d dubmodel.Diarization
	if err := h.store.ReadJSON(sessionID, "diarization.json", &d); err != nil {
		h.errorResponse(c, apperr.NotFoundf("get_diarization", "no diarization for session %s: %v", sessionID, err))
		return
	}
	c.JSON(http.StatusOK, d)
}

// GetTranslation handles GET /get_translation?session_id=... (spec §6).
func (h *Handler) GetTranslation(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		h.errorResponse(c, apperr.Invalid("get_translation", "session_id is required"))
		return
	}
	var d dubmodel.Diarization
	if err := h.store.ReadJSON(sessionID, "diarization_translated.json", &d); err != nil {
		h.errorResponse(c, apperr.NotFoundf("get_translation", "no translation for session %s: %v", sessionID, err))
		return
	}
	c.JSON(http.StatusOK, d)
}

// GetVoices handles GET /voices?target_language=... (SPEC_FULL.md §C.1's
// C9a voice-catalog endpoint): lists TTS provider voices grouped by
// provider (each voice carries its gender), optionally scoped to the provider Route would select for
// target_language, for the front end's speaker->voice mapping UI.
func (h *Handler) GetVoices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"voices": tts.AvailableVoices(c.Query("target_language"))})
}

// ProcessingStatus handles GET /processing_status/<session_id> (spec §6).
func (h *Handler) ProcessingStatus(c *gin.Context) {
	sessionID := c.Param("session_id")
	if ev, ok := h.broadcaster.Snapshot(sessionID); ok {
		c.JSON(http.StatusOK, ev.Payload)
		return
	}
	status, err := h.store.GetField(sessionID, "processing_status", map[string]any{
		"stage":   string(pipeline.StageCreated),
		"message": "",
	})
	if err != nil {
		h.errorResponse(c, apperr.NotFoundf("processing_status", "unknown session %s", sessionID))
		return
	}
	c.JSON(http.StatusOK, status)
}

// ProcessingEvents handles the SSE counterpart of ProcessingStatus for
// clients that want push updates instead of polling.
func (h *Handler) ProcessingEvents(c *gin.Context) {
	h.broadcaster.ServeHTTP(c.Writer, c.Request)
}

// RunPipeline drives the full C3-C11 chain end to end for a session that
// already has audio (uploaded or ingested). This is the synchronous
// equivalent of calling /transcribe, /translate and
// /synthesize-time-aligned in sequence, exposed for the CLI and CSV batch
// callers (spec's csvbatch "reusing C3-C12 per row").
func (h *Handler) RunPipeline(ctx context.Context, opts pipeline.Options) (*pipeline.Result, error) {
	return h.orchestrator.Run(ctx, opts)
}

// NewSessionID is a small helper for callers (CLI, batch) that need a
// fresh opaque id without an HTTP round trip.
func NewSessionID() string {
	return uuid.NewString()
}
