package api

import (
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"scriberr/internal/session"
	"scriberr/pkg/middleware"
)

// SetupRoutes wires the spec §6 HTTP contract onto router, grounded on the
// teacher's internal/api/router.go grouping (ungrouped top-level routes,
// gzip compression middleware, a health check) but carrying the dub
// endpoints instead of the transcription ones.
func SetupRoutes(router *gin.Engine, h *Handler, store *session.Store) {
	router.Use(middleware.CompressionMiddleware())

	router.GET("/health", h.HealthCheck)

	router.POST("/upload", h.Upload)
	router.POST("/process_video_url", h.ProcessVideoURL)
	router.POST("/transcribe", h.Transcribe)
	router.POST("/translate", h.Translate)
	router.POST("/synthesize-time-aligned", h.SynthesizeTimeAligned)
	router.POST("/save_diarization", h.SaveDiarization)
	router.GET("/get_diarization", h.GetDiarization)
	router.GET("/get_translation", h.GetTranslation)
	router.GET("/voices", h.GetVoices)
	router.GET("/processing_status/:session_id", h.ProcessingStatus)
	router.GET("/events", h.ProcessingEvents)

	// Static serving for files under <session>/ (spec §6), not an
	// embedded SPA: every session artifact (audio, synthesis, translation
	// text, the final stitched track) is reachable by relative path under
	// its session directory.
	router.GET("/files/:session_id/*filepath", sessionFileHandler(store))
}

// sessionFileHandler serves a single artifact from within a session's
// directory, refusing to serve outside it.
func sessionFileHandler(store *session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("session_id")
		if !store.Exists(sessionID) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown session " + sessionID})
			return
		}
		rel := filepath.Clean(c.Param("filepath"))
		if rel == "." || filepath.IsAbs(rel) || rel == ".." || hasParentTraversal(rel) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid file path"})
			return
		}
		c.File(filepath.Join(store.Dir(sessionID), rel))
	}
}

// hasParentTraversal reports whether a cleaned relative path still climbs
// above its root via a leading "..".
func hasParentTraversal(rel string) bool {
	return rel == ".." || len(rel) >= 3 && rel[:3] == "../"
}
