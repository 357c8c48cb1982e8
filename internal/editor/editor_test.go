package editor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriberr/internal/dubmodel"
	"scriberr/internal/session"
)

func newTestSession(t *testing.T) (*session.Store, string) {
	t.Helper()
	store, err := session.New(t.TempDir())
	require.NoError(t, err)
	id, err := store.CreateSession("")
	require.NoError(t, err)
	return store, id
}

func strPtr(s string) *string { return &s }

// TestApplyEditsRebuildsTranscript is spec §8 invariant 4: after
// apply_edits, transcript == join(map(s.text, segments), " ").
func TestApplyEditsRebuildsTranscript(t *testing.T) {
	store, id := newTestSession(t)

	d := dubmodel.Diarization{
		Transcript: "hello world",
		Segments: []dubmodel.Segment{
			{SegmentID: "seg_000", Speaker: "SPEAKER_00", StartTime: 0, EndTime: 1, Text: "hello", Gender: "neutral"},
			{SegmentID: "seg_001", Speaker: "SPEAKER_00", StartTime: 1, EndTime: 2, Text: "world", TranslatedText: "mundo"},
		},
	}
	require.NoError(t, store.WriteJSON(id, "diarization.json", &d))

	updated, err := ApplyEdits(store, id, map[string]FieldEdit{
		"seg_000": {Text: strPtr("hi there")},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi there world", updated.Transcript)

	// Non-edited fields (timing, translated_text) are preserved.
	assert.Equal(t, 0.0, updated.Segments[0].StartTime)
	assert.Equal(t, "mundo", updated.Segments[1].TranslatedText)
	assert.Equal(t, "neutral", updated.Segments[0].Gender)
}

func TestApplyEditsChangesOnlySpeaker(t *testing.T) {
	store, id := newTestSession(t)

	d := dubmodel.Diarization{
		Segments: []dubmodel.Segment{
			{SegmentID: "seg_000", Speaker: "SPEAKER_00", StartTime: 0, EndTime: 1, Text: "hello"},
		},
	}
	require.NoError(t, store.WriteJSON(id, "diarization.json", &d))

	updated, err := ApplyEdits(store, id, map[string]FieldEdit{
		"seg_000": {Speaker: strPtr("SPEAKER_01")},
	})
	require.NoError(t, err)
	assert.Equal(t, "SPEAKER_01", updated.Segments[0].Speaker)
	assert.Equal(t, "hello", updated.Segments[0].Text)
}

func TestApplyEditsPreservesGlobalPreferences(t *testing.T) {
	store, id := newTestSession(t)
	require.NoError(t, store.Update(id, map[string]any{
		"target_language":            "hindi",
		"preserve_background_music": true,
	}))

	d := dubmodel.Diarization{
		Segments: []dubmodel.Segment{
			{SegmentID: "seg_000", Speaker: "SPEAKER_00", StartTime: 0, EndTime: 1, Text: "hello"},
		},
	}
	require.NoError(t, store.WriteJSON(id, "diarization.json", &d))

	_, err := ApplyEdits(store, id, map[string]FieldEdit{"seg_000": {Text: strPtr("hi")}})
	require.NoError(t, err)

	meta, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "hindi", meta["target_language"])
	assert.Equal(t, true, meta["preserve_background_music"])
}

func TestApplyEditsRejectsUnknownSegmentIDs(t *testing.T) {
	store, id := newTestSession(t)
	d := dubmodel.Diarization{
		Segments: []dubmodel.Segment{
			{SegmentID: "seg_000", Speaker: "SPEAKER_00", StartTime: 0, EndTime: 1, Text: "hello"},
		},
	}
	require.NoError(t, store.WriteJSON(id, "diarization.json", &d))

	_, err := ApplyEdits(store, id, map[string]FieldEdit{"seg_999": {Text: strPtr("hi")}})
	assert.Error(t, err)
}
