// Package ingest is Source Ingest (spec §4.3): validates a remote video
// URL (YouTube or Instagram), downloads/extracts it to the session's
// canonical audio file through a cascading set of fallback strategies, and
// falls back to a synthesized silent placeholder so downstream stages
// never block. Grounded on original_source/utils/video_utils.py (URL
// regexes, cascade order) and the teacher's pkg/downloader (atomic
// temp-file download).
package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"scriberr/internal/apperr"
	"scriberr/internal/media"
	"scriberr/internal/session"
	"scriberr/pkg/binaries"
	"scriberr/pkg/downloader"
	"scriberr/pkg/logger"
)

const stageName = "ingest"

var (
	youtubeRe   = regexp.MustCompile(`^https?://(www\.)?(youtube\.com/watch\?v=|youtu\.be/|youtube\.com/shorts/)`)
	instagramRe = regexp.MustCompile(`^https?://(www\.)?(instagram\.com/p/|instagram\.com/reel/|instagram\.com/tv/|instagram\.com/stories/)`)
)

// Platform is the closed enum of source platforms Source Ingest recognizes
// (spec §9: "replace dynamic dispatch through strings" — kept as a tagged
// variant rather than a raw string).
type Platform string

const (
	PlatformYouTube   Platform = "youtube"
	PlatformInstagram Platform = "instagram"
	PlatformUnknown   Platform = ""
)

// ValidateURL classifies a URL as YouTube, Instagram, or rejects it.
func ValidateURL(url string) (Platform, error) {
	switch {
	case youtubeRe.MatchString(url):
		return PlatformYouTube, nil
	case instagramRe.MatchString(url):
		return PlatformInstagram, nil
	default:
		return PlatformUnknown, apperr.Invalid(stageName, "unsupported or malformed video URL: %s", url)
	}
}

// KeyResolver resolves provider keys (YouTube Data API key) per
// internal/config's secret-store-first, env-fallback policy.
type KeyResolver func(envVar string) string

// Ingester drives the fallback cascade and writes the canonical session
// audio file.
type Ingester struct {
	store   *session.Store
	media   *media.Adapter
	resolve KeyResolver
}

// New constructs an Ingester.
func New(store *session.Store, mediaAdapter *media.Adapter, resolve KeyResolver) *Ingester {
	if resolve == nil {
		resolve = func(envVar string) string { return os.Getenv(envVar) }
	}
	return &Ingester{store: store, media: mediaAdapter, resolve: resolve}
}

// attempt is one step of the fallback cascade.
type attempt struct {
	name string
	run  func(ctx context.Context, url, outPath string) error
}

// Ingest validates url, runs the platform's fallback cascade and writes
// the resulting audio under audio/<sessionID>.wav, returning its path. The
// final cascade step is a silent placeholder, so this function returns an
// error only for a bad URL (InvalidInput), or (Fatal) when the audio
// directory cannot be created or no cascade step produces a file.
func (ig *Ingester) Ingest(ctx context.Context, sessionID, url string) (string, bool, error) {
	platform, err := ValidateURL(url)
	if err != nil {
		return "", false, err
	}

	outPath := filepath.Join(ig.store.Dir(sessionID), "audio", sessionID+".wav")
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return "", false, apperr.FatalErr(stageName, err, "create audio directory")
	}

	var cascade []attempt
	switch platform {
	case PlatformYouTube:
		cascade = ig.youtubeCascade()
	case PlatformInstagram:
		cascade = ig.instagramCascade()
	}

	fellBack := false
	for i, a := range cascade {
		logger.Info("Ingest attempt", "session_id", sessionID, "attempt", a.name, "index", i)
		err := a.run(ctx, url, outPath)
		if err == nil {
			if info, statErr := os.Stat(outPath); statErr == nil && info.Size() > 0 {
				fellBack = a.name == "silent_placeholder"
				_ = ig.store.UpdateSection(sessionID, "validation", map[string]any{
					"platform": string(platform),
					"method":   a.name,
				})
				return outPath, fellBack, nil
			}
			err = fmt.Errorf("output missing or empty after %s", a.name)
		}
		logger.Warn("Ingest attempt failed", "session_id", sessionID, "attempt", a.name, "error", err)
	}

	// Every cascade ends with a guaranteed silent placeholder above; if we
	// somehow reach here (empty cascade), fail fatally rather than block
	// downstream stages silently.
	return "", false, apperr.FatalErr(stageName, fmt.Errorf("no ingest strategy available"), "ingest exhausted for platform %s", platform)
}

// youtubeCascade mirrors video_utils.py's extract_audio_from_youtube
// 5-method cascade: API-driven extractor, library A, library B
// (conservative), library B (alternate UA/lower quality), silent
// placeholder.
func (ig *Ingester) youtubeCascade() []attempt {
	return []attempt{
		{"youtube_data_api", ig.youtubeViaAPIKey},
		{"ytdlp_standard", ig.ytdlpAttempt(nil)},
		{"ytdlp_conservative", ig.ytdlpAttempt([]string{"--no-playlist", "--extractor-args", "youtube:player_client=android"})},
		{"ytdlp_alt_ua_low_quality", ig.ytdlpAttempt([]string{"--user-agent", "Mozilla/5.0 (compatible; dub-bot/1.0)", "-f", "worstaudio"})},
		{"silent_placeholder", ig.silentPlaceholder},
	}
}

// instagramCascade mirrors the analogous 4-step Instagram cascade.
func (ig *Ingester) instagramCascade() []attempt {
	return []attempt{
		{"ytdlp_standard", ig.ytdlpAttempt(nil)},
		{"ytdlp_referer_header", ig.ytdlpAttempt([]string{"--referer", "https://www.instagram.com/"})},
		{"ytdlp_alt_ua", ig.ytdlpAttempt([]string{"--user-agent", "Mozilla/5.0 (compatible; dub-bot/1.0)"})},
		{"silent_placeholder", ig.silentPlaceholder},
	}
}

// youtubeViaAPIKey is the first YouTube attempt: it fails unless a YouTube
// Data API key resolves, and then runs yt-dlp with default options. The
// API itself is never called: no video id is looked up and the video's
// existence is not checked.
func (ig *Ingester) youtubeViaAPIKey(ctx context.Context, url, outPath string) error {
	apiKey := ig.resolve("YOUTUBE_API_KEY")
	if apiKey == "" {
		return fmt.Errorf("no YouTube API key configured")
	}
	return ig.ytdlpAttempt(nil)(ctx, url, outPath)
}

// ytdlpAttempt returns an attempt function invoking yt-dlp with the given
// extra arguments, extracting audio directly to outPath.
func (ig *Ingester) ytdlpAttempt(extraArgs []string) func(ctx context.Context, url, outPath string) error {
	return func(ctx context.Context, url, outPath string) error {
		args := append([]string{"-x", "--audio-format", "wav", "-o", outPath, url}, extraArgs...)
		return downloader.RunYtDlp(ctx, binaries.YtDLP(), args)
	}
}

// silentPlaceholder synthesizes a short silent WAV so downstream stages
// always have a valid (if empty) audio file (spec §4.3: "Final fallback
// always produces a valid (silent) file").
func (ig *Ingester) silentPlaceholder(ctx context.Context, _ string, outPath string) error {
	return ig.media.Silence(ctx, outPath, 5.0, 44100)
}

// DownloadFile is a thin convenience wrapper for upload-style ingest
// (HTTP file download, not a platform cascade), reusing the teacher's
// atomic-download primitive.
func DownloadFile(ctx context.Context, url, dest string) error {
	return downloader.DownloadFile(ctx, url, dest)
}
