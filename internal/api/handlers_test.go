package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriberr/internal/align"
	"scriberr/internal/config"
	"scriberr/internal/dubmodel"
	"scriberr/internal/media"
	"scriberr/internal/progress"
	"scriberr/internal/session"
	"scriberr/internal/stitch"
	"scriberr/internal/translate"
	"scriberr/internal/tts"
)

// stubTranscriber satisfies pipeline.Transcriber without shelling out to an
// external ASR provider, so these tests never invoke a subprocess.
type stubTranscriber struct {
	diarization *dubmodel.Diarization
	err         error
}

func (s *stubTranscriber) Transcribe(ctx context.Context, audioPath string) (*dubmodel.Diarization, error) {
	return s.diarization, s.err
}

func newTestHandler(t *testing.T) (*Handler, *session.Store) {
	t.Helper()
	store, err := session.New(t.TempDir())
	require.NoError(t, err)

	mediaAdapter := media.New()
	cfg := &config.Config{WorkerPoolSize: 2, ProviderTimeoutSec: 5, MaxSilenceMs: 500}

	h := NewHandler(
		cfg,
		store,
		nil,
		mediaAdapter,
		nil,
		nil,
		&stubTranscriber{diarization: &dubmodel.Diarization{
			Transcript:   "hello there",
			LanguageCode: "hi-IN",
			Segments: []dubmodel.Segment{
				{SegmentID: "seg_000", Speaker: "spk_0", StartTime: 0, EndTime: 1.5, Text: "hello there"},
			},
		}},
		translate.New(nil, "gpt-4o-mini", 2),
		tts.New(store, mediaAdapter, nil, time.Second),
		align.New(store, mediaAdapter),
		stitch.New(store, mediaAdapter),
		progress.NewBroadcaster(),
	)
	return h, store
}

func newTestRouter(h *Handler, store *session.Store) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	SetupRoutes(router, h, store)
	return router
}

func TestHealthCheck(t *testing.T) {
	h, store := newTestHandler(t)
	router := newTestRouter(h, store)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetDiarizationUnknownSessionIs404(t *testing.T) {
	h, store := newTestHandler(t)
	router := newTestRouter(h, store)

	req := httptest.NewRequest(http.MethodGet, "/get_diarization?session_id=session_doesnotexist", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUploadCreatesSessionAndArtifact(t *testing.T) {
	h, store := newTestHandler(t)
	router := newTestRouter(h, store)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "clip.wav")
	require.NoError(t, err)
	_, err = part.Write([]byte("RIFF....WAVEfmt "))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp uploadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.SessionID)
	assert.True(t, store.Exists(resp.SessionID))

	_, statErr := os.Stat(resp.UploadPath)
	assert.NoError(t, statErr)
}

func TestProcessVideoURLRejectsUnsupportedURL(t *testing.T) {
	h, store := newTestHandler(t)
	router := newTestRouter(h, store)

	payload := `{"video_url":"https://example.com/not-a-video"}`
	req := httptest.NewRequest(http.MethodPost, "/process_video_url", bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSaveDiarizationRejectsUnknownSegmentIDs(t *testing.T) {
	h, store := newTestHandler(t)
	router := newTestRouter(h, store)

	sessionID, err := store.CreateSession("")
	require.NoError(t, err)
	require.NoError(t, store.WriteJSON(sessionID, "diarization.json", &dubmodel.Diarization{
		Segments: []dubmodel.Segment{{SegmentID: "seg_000", Speaker: "spk_0", StartTime: 0, EndTime: 1, Text: "hi"}},
	}))

	payload := `{"session_id":"` + sessionID + `","updates":{"seg_999":{"text":"nope"}}}`
	req := httptest.NewRequest(http.MethodPost, "/save_diarization", bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSaveDiarizationAppliesKnownSegmentEdits(t *testing.T) {
	h, store := newTestHandler(t)
	router := newTestRouter(h, store)

	sessionID, err := store.CreateSession("")
	require.NoError(t, err)
	require.NoError(t, store.WriteJSON(sessionID, "diarization.json", &dubmodel.Diarization{
		Segments: []dubmodel.Segment{{SegmentID: "seg_000", Speaker: "spk_0", StartTime: 0, EndTime: 1, Text: "hi"}},
	}))

	payload := `{"session_id":"` + sessionID + `","updates":{"seg_000":{"text":"hello"}}}`
	req := httptest.NewRequest(http.MethodPost, "/save_diarization", bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var d dubmodel.Diarization
	require.NoError(t, store.ReadJSON(sessionID, "diarization.json", &d))
	assert.Equal(t, "hello", d.Segments[0].Text)
}

func TestProcessingStatusFallsBackToCreatedStage(t *testing.T) {
	h, store := newTestHandler(t)
	router := newTestRouter(h, store)

	sessionID, err := store.CreateSession("")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/processing_status/"+sessionID, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "created", body["stage"])
}
