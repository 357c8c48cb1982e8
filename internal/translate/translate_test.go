package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriberr/internal/dubmodel"
	"scriberr/internal/llm"
)

// fakeService is a minimal llm.Service whose ChatCompletion response is
// driven by a per-call function, letting tests simulate partial failure
// without any network access.
type fakeService struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, messages []llm.ChatMessage) (string, error)
}

func (f *fakeService) GetModels(ctx context.Context) ([]string, error) { return nil, nil }

func (f *fakeService) ChatCompletion(ctx context.Context, model string, messages []llm.ChatMessage, temperature float64) (*llm.ChatResponse, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()

	content, err := f.fn(call, messages)
	if err != nil {
		return nil, err
	}
	resp := &llm.ChatResponse{}
	resp.Choices = append(resp.Choices, struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	}{})
	resp.Choices[0].Message.Content = content
	return resp, nil
}

func (f *fakeService) ChatCompletionStream(ctx context.Context, model string, messages []llm.ChatMessage, temperature float64) (<-chan string, <-chan error) {
	return nil, nil
}

func (f *fakeService) GetContextWindow(ctx context.Context, model string) (int, error) { return 0, nil }

func segmentsFixture(n int) []dubmodel.Segment {
	segs := make([]dubmodel.Segment, n)
	for i := range segs {
		segs[i] = dubmodel.Segment{
			SegmentID: fmt.Sprintf("seg_%03d", i),
			Speaker:   "SPEAKER_00",
			StartTime: float64(i),
			EndTime:   float64(i) + 0.9,
			Text:      fmt.Sprintf("line %d", i),
		}
	}
	return segs
}

func chunkJSON(segs []dubmodel.Segment, translate func(dubmodel.Segment) string) string {
	type respSeg struct {
		SegmentID string `json:"segment_id"`
		Text      string `json:"text"`
	}
	out := struct {
		Transcript string    `json:"transcript"`
		Segments   []respSeg `json:"segments"`
	}{}
	var parts []string
	for _, s := range segs {
		t := translate(s)
		out.Segments = append(out.Segments, respSeg{SegmentID: s.SegmentID, Text: t})
		parts = append(parts, t)
	}
	out.Transcript = strings.Join(parts, " ")
	b, _ := json.Marshal(out)
	return string(b)
}

// TestTranslatePartialFailure is spec §8 scenario S6: 5 segments, the
// LLM fails outright (never returns valid JSON) for one chunk; translate
// still succeeds, the failed segment gets the error marker, and the
// transcript only contains the successful translations. Since all 5
// segments fit in a single chunk (<=30), we instead simulate a later
// per-response missing-segment to exercise the partial-success path at
// the per-segment granularity documented in §4.7's fallback.
func TestTranslatePartialFailure(t *testing.T) {
	segs := segmentsFixture(5)

	svc := &fakeService{fn: func(call int, messages []llm.ChatMessage) (string, error) {
		type respSeg struct {
			SegmentID string `json:"segment_id"`
			Text      string `json:"text"`
		}
		resp := struct {
			Transcript string    `json:"transcript"`
			Segments   []respSeg `json:"segments"`
		}{}
		for _, s := range segs {
			if s.SegmentID == "seg_002" {
				continue // omit segment 3's translation entirely
			}
			resp.Segments = append(resp.Segments, respSeg{SegmentID: s.SegmentID, Text: "tr:" + s.Text})
		}
		b, _ := json.Marshal(resp)
		return string(b), nil
	}}

	tr := New(svc, "test-model", 1)
	d := &dubmodel.Diarization{Segments: segs}
	out, err := tr.Translate(context.Background(), d, "hi", "en")

	require.Error(t, err, "stage reports PartialFailure when not all segments translated")
	require.Len(t, out.Segments, 5)
	assert.True(t, strings.HasPrefix(out.Segments[2].TranslatedText, errorMarkerPrefix))
	assert.Equal(t, "line 2", out.Segments[2].Text, "source text is retained on failure")
	assert.NotContains(t, out.Transcript, errorMarkerPrefix)
	assert.Contains(t, out.Transcript, "tr:line 0")
	assert.Contains(t, out.Transcript, "tr:line 4")
}

func TestTranslateAllSegmentsSucceed(t *testing.T) {
	segs := segmentsFixture(3)
	svc := &fakeService{fn: func(call int, messages []llm.ChatMessage) (string, error) {
		return chunkJSON(segs, func(s dubmodel.Segment) string { return "tr:" + s.Text }), nil
	}}

	tr := New(svc, "test-model", 2)
	d := &dubmodel.Diarization{Segments: segs}
	out, err := tr.Translate(context.Background(), d, "hi", "en")
	require.NoError(t, err)
	assert.Equal(t, "tr:line 0 tr:line 1 tr:line 2", out.Transcript)
}

func TestTranslateTotalFailureMarksEverySegment(t *testing.T) {
	segs := segmentsFixture(2)
	svc := &fakeService{fn: func(call int, messages []llm.ChatMessage) (string, error) {
		return "not json", nil
	}}

	tr := New(svc, "test-model", 1)
	d := &dubmodel.Diarization{Segments: segs}
	out, err := tr.Translate(context.Background(), d, "hi", "en")
	require.Error(t, err)
	for _, s := range out.Segments {
		assert.True(t, strings.HasPrefix(s.TranslatedText, errorMarkerPrefix))
	}
	assert.Equal(t, "", out.Transcript)
}

func TestChunkIndicesSplitsLargeDiarizations(t *testing.T) {
	chunks := chunkIndices(35)
	require.Len(t, chunks, 4)
	assert.Equal(t, chunkRange{0, 10}, chunks[0])
	assert.Equal(t, chunkRange{30, 35}, chunks[3])
}

func TestChunkIndicesSingleChunkUnderThreshold(t *testing.T) {
	chunks := chunkIndices(30)
	assert.Equal(t, []chunkRange{{0, 30}}, chunks)
}

// TestContextWindowOnlyLooksBackward is spec §4.7 step 1 / §5: the
// window for segment i never includes segments >= i.
func TestContextWindowOnlyLooksBackward(t *testing.T) {
	segs := segmentsFixture(6)
	segs[4].Speaker = "SPEAKER_01"

	window := contextWindow(segs, 5)
	for _, w := range window {
		assert.NotEqual(t, segs[5].SegmentID, w.SegmentID)
	}
	ids := make([]string, len(window))
	for i, w := range window {
		ids[i] = w.SegmentID
	}
	// up to 3 previous (any speaker): seg_002, seg_003, seg_004
	// plus up to 3 same-speaker (SPEAKER_00) prior: seg_003, seg_002, seg_001, seg_000 (first 3: seg_003,002,001)
	assert.Contains(t, ids, "seg_004")
	assert.Contains(t, ids, "seg_001")
}

func TestContextWindowEmptyForFirstSegment(t *testing.T) {
	segs := segmentsFixture(3)
	assert.Empty(t, contextWindow(segs, 0))
}
