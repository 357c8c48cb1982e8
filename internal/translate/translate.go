// Package translate is the Context-Aware Translator (spec §4.7):
// per-segment translation with a windowed dialogue context, structured
// JSON-output validation with bounded retries, chunking for large inputs,
// and per-segment fallback markers on failure. Grounded on the teacher's
// internal/llm.Service interface (provider-agnostic chat completion) and
// original_source/modules/claude_translation.py / google_translation.py
// for the windowed-context/validate-with-feedback design.
package translate

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"scriberr/internal/apperr"
	"scriberr/internal/dubmodel"
	"scriberr/internal/llm"
)

const stageName = "translation"

// Temperature is the low temperature spec §4.7 mandates for translation
// calls.
const Temperature = 0.2

// chunkSize is the max group size once a diarization exceeds chunkThreshold
// segments (spec §4.7).
const (
	chunkThreshold = 30
	chunkSize      = 10
	maxRetries     = 2
)

// errorMarkerPrefix is the literal prefix spec §4.7 requires for a failed
// segment's translated_text.
const errorMarkerPrefix = "[Translation error"

// Translator drives context-window construction, LLM calls and chunking.
type Translator struct {
	service        llm.Service
	model          string
	workerPoolSize int
	cache          *lru.Cache[string, string]
}

// New constructs a Translator. workerPoolSize bounds concurrent chunk
// translations (spec §5's segment-level bounded pool).
func New(service llm.Service, model string, workerPoolSize int) *Translator {
	cache, _ := lru.New[string, string](512)
	if workerPoolSize <= 0 {
		workerPoolSize = 4
	}
	return &Translator{service: service, model: model, workerPoolSize: workerPoolSize, cache: cache}
}

// chunkResponse is the structured-output JSON shape the LLM is instructed
// to return for a chunk (spec §4.7: "object contains transcript (string)
// and segments (array), every segment has text").
type chunkResponse struct {
	Transcript string               `json:"transcript"`
	Segments   []chunkRespSegment   `json:"segments"`
}

type chunkRespSegment struct {
	SegmentID      string `json:"segment_id"`
	TranslatedText string `json:"text"`
}

// Translate translates every segment of d, returning a new Diarization
// with translated_text populated. The stage succeeds as long as at least
// one segment translated; segments that fail retain their source text and
// get an explicit error marker (spec §4.7, invariant S6).
func (t *Translator) Translate(ctx context.Context, d *dubmodel.Diarization, sourceLang, targetLang string) (*dubmodel.Diarization, error) {
	out := *d
	out.Segments = append([]dubmodel.Segment(nil), d.Segments...)
	out.TargetLanguage = targetLang

	chunks := chunkIndices(len(out.Segments))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.workerPoolSize)

	for _, ch := range chunks {
		ch := ch
		g.Go(func() error {
			t.translateChunk(gctx, &out, ch.start, ch.end, sourceLang, targetLang)
			return nil
		})
	}
	// Chunk failures are recorded per-segment, not propagated, so the
	// errgroup itself never returns an error here; Wait just joins.
	_ = g.Wait()

	successCount := 0
	for _, s := range out.Segments {
		if s.TranslatedText != "" && !strings.HasPrefix(s.TranslatedText, errorMarkerPrefix) {
			successCount++
		}
	}

	var parts []string
	for _, s := range out.Segments {
		if s.TranslatedText != "" && !strings.HasPrefix(s.TranslatedText, errorMarkerPrefix) {
			parts = append(parts, s.TranslatedText)
		}
	}
	out.Transcript = strings.Join(parts, " ")

	if successCount == 0 {
		return &out, apperr.Partial(stageName, "all segments failed translation")
	}
	if successCount < len(out.Segments) {
		return &out, apperr.Partial(stageName, "%d/%d segments failed translation", len(out.Segments)-successCount, len(out.Segments))
	}
	return &out, nil
}

type chunkRange struct{ start, end int }

// chunkIndices splits [0,n) into chunks of at most chunkSize when n exceeds
// chunkThreshold, otherwise returns a single chunk covering everything
// (spec §4.7: "more than ~30 segments ... chunks into groups of ≤10").
func chunkIndices(n int) []chunkRange {
	if n == 0 {
		return nil
	}
	if n <= chunkThreshold {
		return []chunkRange{{0, n}}
	}
	var chunks []chunkRange
	for start := 0; start < n; start += chunkSize {
		end := start + chunkSize
		if end > n {
			end = n
		}
		chunks = append(chunks, chunkRange{start, end})
	}
	return chunks
}

// translateChunk translates segments[start:end] in place on d, using a
// windowed-context prompt per segment but a single structured LLM call per
// chunk, with up to maxRetries feedback-carrying retries on malformed
// JSON.
func (t *Translator) translateChunk(ctx context.Context, d *dubmodel.Diarization, start, end int, sourceLang, targetLang string) {
	prompt := t.buildChunkPrompt(d.Segments, start, end, sourceLang, targetLang)

	cacheKey := cacheKeyFor(prompt)
	if cached, ok := t.cache.Get(cacheKey); ok {
		t.applyChunkJSON(d, start, end, cached)
		return
	}

	feedback := ""
	for attempt := 0; attempt <= maxRetries; attempt++ {
		fullPrompt := prompt
		if feedback != "" {
			fullPrompt += "\n\nYour previous response was invalid: " + feedback + "\nReturn ONLY valid JSON matching the schema."
		}

		resp, err := t.service.ChatCompletion(ctx, t.model, []llm.ChatMessage{
			{Role: "system", Content: "You are a precise dialogue translator. Always respond with a single JSON object: {\"transcript\": string, \"segments\": [{\"segment_id\": string, \"text\": string}]}. Never include commentary."},
			{Role: "user", Content: fullPrompt},
		}, Temperature)
		if err != nil {
			feedback = err.Error()
			continue
		}
		if len(resp.Choices) == 0 {
			feedback = "empty response"
			continue
		}

		raw := resp.Choices[0].Message.Content
		var parsed chunkResponse
		if jsonErr := json.Unmarshal([]byte(extractJSON(raw)), &parsed); jsonErr != nil {
			feedback = fmt.Sprintf("response was not valid JSON: %v", jsonErr)
			continue
		}
		if validationErr := validateChunkResponse(parsed); validationErr != nil {
			feedback = validationErr.Error()
			continue
		}

		t.cache.Add(cacheKey, raw)
		t.applyChunkJSON(d, start, end, raw)
		return
	}

	// Total chunk failure: mark every segment in range with the error
	// marker, retaining source text (spec §4.7).
	for i := start; i < end; i++ {
		d.Segments[i].TranslatedText = fmt.Sprintf("%s: %s]", errorMarkerPrefix, feedback)
	}
}

func (t *Translator) applyChunkJSON(d *dubmodel.Diarization, start, end int, raw string) {
	var parsed chunkResponse
	if err := json.Unmarshal([]byte(extractJSON(raw)), &parsed); err != nil {
		for i := start; i < end; i++ {
			d.Segments[i].TranslatedText = fmt.Sprintf("%s: cached response unparsable]", errorMarkerPrefix)
		}
		return
	}
	bySegID := make(map[string]string, len(parsed.Segments))
	for _, s := range parsed.Segments {
		bySegID[s.SegmentID] = s.TranslatedText
	}
	for i := start; i < end; i++ {
		seg := &d.Segments[i]
		if txt, ok := bySegID[seg.SegmentID]; ok && txt != "" {
			seg.TranslatedText = txt
		} else {
			seg.TranslatedText = fmt.Sprintf("%s: missing translation for %s]", errorMarkerPrefix, seg.SegmentID)
		}
	}
}

func validateChunkResponse(r chunkResponse) error {
	if r.Segments == nil {
		return fmt.Errorf("missing segments array")
	}
	for _, s := range r.Segments {
		if s.TranslatedText == "" {
			return fmt.Errorf("segment %s missing text", s.SegmentID)
		}
	}
	return nil
}

// buildChunkPrompt constructs the prompt for one chunk: for each segment in
// range it states the windowed context (up to 3 previous segments of any
// speaker, plus up to 3 prior segments from the same speaker), the speaker
// id, and the current text (spec §4.7 steps 1-2).
func (t *Translator) buildChunkPrompt(segments []dubmodel.Segment, start, end int, sourceLang, targetLang string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Translate the following %s dialogue segments to %s. Preserve each segment_id exactly.\n\n", sourceLang, targetLang)

	for i := start; i < end; i++ {
		seg := segments[i]
		window := contextWindow(segments, i)
		if len(window) > 0 {
			b.WriteString("Context:\n")
			for _, w := range window {
				fmt.Fprintf(&b, "  [%s] %s\n", w.Speaker, w.Text)
			}
		}
		fmt.Fprintf(&b, "Segment %s (speaker %s): %s\n\n", seg.SegmentID, seg.Speaker, seg.Text)
	}
	return b.String()
}

// contextWindow returns up to 3 previous segments (any speaker) plus up to
// 3 prior segments from the same speaker as idx, deduplicated, in original
// order (spec §4.7 step 1). Only segments < idx of the frozen input
// diarization are used, never prior translation outputs (spec §5).
func contextWindow(segments []dubmodel.Segment, idx int) []dubmodel.Segment {
	if idx == 0 {
		return nil
	}
	seen := make(map[int]bool)
	var indices []int

	for i := idx - 1; i >= 0 && len(indices) < 3; i-- {
		if !seen[i] {
			seen[i] = true
			indices = append(indices, i)
		}
	}
	speakerCount := 0
	for i := idx - 1; i >= 0 && speakerCount < 3; i-- {
		if segments[i].Speaker == segments[idx].Speaker {
			speakerCount++
			if !seen[i] {
				seen[i] = true
				indices = append(indices, i)
			}
		}
	}

	sortInts(indices)
	out := make([]dubmodel.Segment, 0, len(indices))
	for _, i := range indices {
		out = append(out, segments[i])
	}
	return out
}

func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// extractJSON trims any leading/trailing prose a model might add around
// the JSON object (models are instructed not to, but defensively strip
// fencing anyway).
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}

func cacheKeyFor(prompt string) string {
	sum := sha1.Sum([]byte(prompt))
	return hex.EncodeToString(sum[:])
}
