// Package tts is the TTS Router & Synthesizer (spec §4.9): maps
// (target language, speaker) to a (provider, voice), chunks long text on
// sentence boundaries under each provider's payload cap, and synthesizes
// one WAV clip per segment, substituting silence on empty text or
// provider failure. Grounded on original_source/modules/tts_router.py's
// routing rule and sarvam_tts.py's 500-character sentence-aware
// chunking, invoked through internal/extern the way internal/stemsep
// calls its external model.
package tts

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"scriberr/internal/dubmodel"
	"scriberr/internal/extern"
	"scriberr/internal/media"
	"scriberr/internal/session"
)

const stageName = "synthesis"

// Provider names (spec §4.9: "provider H" for Hindi, "provider S"
// otherwise). Named after original_source's two TTS backends.
const (
	ProviderSarvam   = "sarvam"
	ProviderCartesia = "cartesia"
)

// DefaultVoice returns each provider's fallback voice when the session's
// speaker_voice_map has no entry for a speaker (original_source/modules/
// tts_router.py uses "anushka" for Sarvam; cartesia_tts.py defaults to
// its "dhwani" voice id).
func DefaultVoice(provider string) string {
	if provider == ProviderCartesia {
		return "1982e98c-ab43-4f2c-914f-9741a30a1215" // dhwani
	}
	return "anushka"
}

// maxChunkChars is Sarvam's documented per-request text limit (spec
// §4.9: "≤500-character chunks").
const maxChunkChars = 500

// Voice describes one selectable provider voice, the shape the C9a
// voice-catalog endpoint returns (spec SPEC_FULL.md §C.1, grounded on
// original_source/modules/tts_router.py:get_available_voices).
type Voice struct {
	Provider string `json:"provider"`
	ID       string `json:"id"`
	Name     string `json:"name"`
	Gender   string `json:"gender"`
}

// sarvamVoices is original_source/modules/sarvam_tts.py's
// AVAILABLE_SPEAKERS['bulbul:v2'] table, ported verbatim.
var sarvamVoices = []Voice{
	{Provider: ProviderSarvam, ID: "anushka", Name: "Anushka", Gender: "Female"},
	{Provider: ProviderSarvam, ID: "abhilash", Name: "Abhilash", Gender: "Male"},
	{Provider: ProviderSarvam, ID: "manisha", Name: "Manisha", Gender: "Female"},
	{Provider: ProviderSarvam, ID: "vidya", Name: "Vidya", Gender: "Female"},
	{Provider: ProviderSarvam, ID: "arya", Name: "Arya", Gender: "Female"},
	{Provider: ProviderSarvam, ID: "karun", Name: "Karun", Gender: "Male"},
	{Provider: ProviderSarvam, ID: "hitesh", Name: "Hitesh", Gender: "Male"},
}

// cartesiaVoices is a representative slice of original_source/modules/
// cartesia_tts.py's AVAILABLE_VOICES table (the original lists dozens;
// this keeps the id for the wired DefaultVoice plus a handful more across
// both genders).
var cartesiaVoices = []Voice{
	{Provider: ProviderCartesia, ID: "1982e98c-ab43-4f2c-914f-9741a30a1215", Name: "Nanna", Gender: "Male"},
	{Provider: ProviderCartesia, ID: "2bd002c1-209e-48f7-ba51-33901ba577d8", Name: "Madhu", Gender: "Male"},
	{Provider: ProviderCartesia, ID: "d44a6428-287f-494b-864a-cf818d5fa315", Name: "Budatha", Gender: "Male"},
	{Provider: ProviderCartesia, ID: "6452a836-cd72-45bc-ab0d-b47b999594dd", Name: "Vaishnavi", Gender: "Female"},
}

// AvailableVoices implements the C9a voice-catalog endpoint (spec
// SPEC_FULL.md §C.1, grounded on tts_router.py:get_available_voices):
// with no targetLanguage it lists every provider's catalog; with one
// given, it lists only the provider Route would actually pick for it,
// so the front end's speaker->voice picker only ever offers voices the
// synthesis stage could use for that target language.
func AvailableVoices(targetLanguage string) map[string][]Voice {
	if strings.TrimSpace(targetLanguage) == "" {
		return map[string][]Voice{
			ProviderSarvam:   append([]Voice(nil), sarvamVoices...),
			ProviderCartesia: append([]Voice(nil), cartesiaVoices...),
		}
	}

	switch Route(targetLanguage) {
	case ProviderSarvam:
		return map[string][]Voice{ProviderSarvam: append([]Voice(nil), sarvamVoices...)}
	default:
		return map[string][]Voice{ProviderCartesia: append([]Voice(nil), cartesiaVoices...)}
	}
}

// providerResponse is the wire shape internal/extern.Call expects back
// from a provider invocation: base64-encoded audio plus its container
// format, since providers may return WAV or MP3 (spec §4.9).
type providerResponse struct {
	AudioBase64 string `json:"audio_base64"`
	Format      string `json:"format"`
}

// Router drives provider selection, voice resolution, chunked
// synthesis and silence-on-failure substitution.
type Router struct {
	store            *session.Store
	media            *media.Adapter
	providerCommands map[string]string // provider -> command template; the request JSON goes on stdin
	timeout          time.Duration
}

// New constructs a Router. providerCommands maps ProviderSarvam/
// ProviderCartesia to a shell command template invoked via
// internal/extern.Call (the request JSON is piped on stdin, so the
// template itself takes no placeholder).
func New(store *session.Store, mediaAdapter *media.Adapter, providerCommands map[string]string, timeout time.Duration) *Router {
	return &Router{store: store, media: mediaAdapter, providerCommands: providerCommands, timeout: timeout}
}

// Route implements the spec §4.9 default routing rule: Hindi targets
// go to Sarvam, everything else to Cartesia.
func Route(targetLanguage string) string {
	lang := strings.ToLower(strings.TrimSpace(targetLanguage))
	if lang == "hindi" || lang == "hi" || lang == "hi-in" {
		return ProviderSarvam
	}
	return ProviderCartesia
}

// VoiceFor resolves the voice id for speaker under provider, preferring
// the session's speaker_voice_map override and falling back to the
// provider default.
func VoiceFor(provider, speaker string, speakerVoiceMap map[string]string) string {
	if speakerVoiceMap != nil {
		if v, ok := speakerVoiceMap[speaker]; ok && v != "" {
			return v
		}
	}
	return DefaultVoice(provider)
}

// Result records the outcome of synthesizing one segment (spec §4.9:
// "status=failed" recorded on substitution).
type Result struct {
	SegmentID string
	WavPath   string
	Provider  string
	VoiceID   string
	Status    string // "success" | "failed" | "silence"
}

// Synthesize produces segment_<id>.wav under the session's synthesis/
// directory for one segment. Empty translated_text always yields a
// silence clip (no provider call); provider failures fall back to
// silence with status=failed, which is non-fatal for the stage (spec
// §4.9).
func (r *Router) Synthesize(ctx context.Context, sessionID, targetLanguage string, seg dubmodel.Segment, speakerVoiceMap map[string]string) (*Result, error) {
	provider := Route(targetLanguage)
	voiceID := VoiceFor(provider, seg.Speaker, speakerVoiceMap)

	wavRelPath := fmt.Sprintf("synthesis/segment_%s.wav", seg.SegmentID)
	wavAbsPath := filepath.Join(r.store.Dir(sessionID), wavRelPath)

	text := strings.TrimSpace(seg.TranslatedText)
	if strings.HasPrefix(text, "[Translation error") {
		text = ""
	}

	duration := seg.Duration()
	if duration < 1.0 {
		duration = 1.0
	}

	if text == "" {
		if err := r.media.Silence(ctx, wavAbsPath, duration, 44100); err != nil {
			return nil, err
		}
		return &Result{SegmentID: seg.SegmentID, WavPath: wavRelPath, Provider: provider, VoiceID: voiceID, Status: "silence"}, nil
	}

	audio, format, synthErr := r.synthesizeChunked(ctx, provider, text, targetLanguage, voiceID)
	if synthErr != nil {
		if fallbackErr := r.media.Silence(ctx, wavAbsPath, duration, 44100); fallbackErr != nil {
			return nil, fallbackErr
		}
		return &Result{SegmentID: seg.SegmentID, WavPath: wavRelPath, Provider: provider, VoiceID: voiceID, Status: "failed"}, nil
	}

	rawPath := filepath.Join(r.store.Dir(sessionID), fmt.Sprintf("synthesis/segment_%s.raw.%s", seg.SegmentID, format))
	if err := os.WriteFile(rawPath, audio, 0o644); err != nil {
		return nil, fmt.Errorf("tts: write raw audio: %w", err)
	}

	if format == "wav" {
		if err := os.Rename(rawPath, wavAbsPath); err != nil {
			return nil, fmt.Errorf("tts: move synthesized wav: %w", err)
		}
	} else {
		// Output format is WAV mono; transcode via the Media Adapter when
		// the provider returned a compressed format (spec §4.9).
		if err := r.media.Encode(ctx, rawPath, wavAbsPath, 44100); err != nil {
			return nil, err
		}
		_ = os.Remove(rawPath)
	}

	return &Result{SegmentID: seg.SegmentID, WavPath: wavRelPath, Provider: provider, VoiceID: voiceID, Status: "success"}, nil
}

// synthesizeChunked splits text into ≤500-character, sentence-boundary
// aligned chunks, invokes the provider once per chunk, and
// byte-concatenates the results (spec §4.9; chunking algorithm ported
// from original_source/modules/sarvam_tts.py's synthesize_speech).
func (r *Router) synthesizeChunked(ctx context.Context, provider, text, targetLanguage, voiceID string) ([]byte, string, error) {
	commandTemplate, ok := r.providerCommands[provider]
	if !ok {
		return nil, "", fmt.Errorf("tts: no command configured for provider %s", provider)
	}

	chunks := chunkText(text, maxChunkChars)

	var combined []byte
	format := "wav"
	for _, chunk := range chunks {
		req := map[string]any{
			"text":     chunk,
			"language": targetLanguage,
			"voice_id": voiceID,
		}
		var resp providerResponse
		if err := extern.Call(ctx, commandTemplate, r.timeout, req, &resp); err != nil {
			return nil, "", fmt.Errorf("tts: %s synthesis failed: %w", provider, err)
		}
		audio, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
		if err != nil {
			return nil, "", fmt.Errorf("tts: decode %s audio: %w", provider, err)
		}
		if resp.Format != "" {
			format = resp.Format
		}
		combined = append(combined, audio...)
	}
	return combined, format, nil
}

// chunkText splits text into chunks of at most maxChars bytes, preferring
// to break on ". " sentence boundaries (original_source/modules/
// sarvam_tts.py's chunking loop); a single sentence longer than maxChars
// is cut further at UTF-8 rune boundaries.
func chunkText(text string, maxChars int) []string {
	if len(text) <= maxChars {
		return []string{text}
	}

	sentences := strings.Split(text, ". ")
	var chunks []string
	current := ""

	for i, sentence := range sentences {
		if i < len(sentences)-1 && !strings.HasSuffix(sentence, ".") {
			sentence += "."
		}
		if len(current)+len(sentence)+1 > maxChars {
			if current != "" {
				chunks = append(chunks, current)
			}
			current = sentence
		} else if current != "" {
			current = current + " " + sentence
		} else {
			current = sentence
		}
	}
	if current != "" {
		chunks = append(chunks, current)
	}

	var bounded []string
	for _, c := range chunks {
		for len(c) > maxChars {
			cut := maxChars
			for cut > 1 && !utf8.RuneStart(c[cut]) {
				cut--
			}
			bounded = append(bounded, c[:cut])
			c = c[cut:]
		}
		bounded = append(bounded, c)
	}
	return bounded
}
