package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	require.NoError(t, err)
	return store
}

// TestAppendOnlyMetadataPreservesAllKeys is spec §8 scenario S3: a
// sequence of update_field/update_section/update_field calls must leave
// every key present with its latest value.
func TestAppendOnlyMetadataPreservesAllKeys(t *testing.T) {
	store := newTestStore(t)
	id, err := store.CreateSession("")
	require.NoError(t, err)

	require.NoError(t, store.UpdateField(id, "target_language", "hindi"))
	require.NoError(t, store.UpdateSection(id, "audio_separation", map[string]any{"has_significant_background": true}))
	require.NoError(t, store.UpdateField(id, "preserve_background_music", false))

	meta, err := store.Get(id)
	require.NoError(t, err)

	assert.Equal(t, "hindi", meta["target_language"])
	assert.Equal(t, false, meta["preserve_background_music"])
	section, ok := meta["audio_separation"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, section["has_significant_background"])
	// session_id was written at CreateSession time and must survive.
	assert.Equal(t, id, meta["session_id"])
}

func TestUpdateSectionPreservesSiblingFields(t *testing.T) {
	store := newTestStore(t)
	id, err := store.CreateSession("")
	require.NoError(t, err)

	require.NoError(t, store.UpdateSection(id, "audio_separation", map[string]any{"vocals_path": "music/vocals.wav"}))
	require.NoError(t, store.UpdateSection(id, "audio_separation", map[string]any{"has_significant_background": true}))

	meta, err := store.Get(id)
	require.NoError(t, err)
	section := meta["audio_separation"].(map[string]any)
	assert.Equal(t, "music/vocals.wav", section["vocals_path"])
	assert.Equal(t, true, section["has_significant_background"])
}

func TestUpdateNeverDropsUnrelatedTopLevelKeys(t *testing.T) {
	store := newTestStore(t)
	id, err := store.CreateSession("")
	require.NoError(t, err)

	require.NoError(t, store.Update(id, map[string]any{"a": 1, "b": 2}))
	require.NoError(t, store.Update(id, map[string]any{"c": 3}))

	meta, err := store.Get(id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, meta["a"])
	assert.EqualValues(t, 2, meta["b"])
	assert.EqualValues(t, 3, meta["c"])
}

func TestGetFieldReturnsDefaultWhenAbsent(t *testing.T) {
	store := newTestStore(t)
	id, err := store.CreateSession("")
	require.NoError(t, err)

	v, err := store.GetField(id, "nonexistent", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)
}

func TestCreateSessionGeneratesOpaqueID(t *testing.T) {
	store := newTestStore(t)
	id, err := store.CreateSession("")
	require.NoError(t, err)
	assert.Regexp(t, `^session_[a-z0-9]{10}$`, id)
	assert.True(t, store.Exists(id))
}

func TestWriteArtifactIsAtomicAndReadable(t *testing.T) {
	store := newTestStore(t)
	id, err := store.CreateSession("")
	require.NoError(t, err)

	require.NoError(t, store.WriteArtifact(id, "diarization.json", []byte(`{"transcript":"hi"}`), true))
	data, err := store.ReadArtifact(id, "diarization.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"transcript":"hi"}`, string(data))
}

func TestDeleteRemovesSessionTree(t *testing.T) {
	store := newTestStore(t)
	id, err := store.CreateSession("")
	require.NoError(t, err)
	require.True(t, store.Exists(id))

	require.NoError(t, store.Delete(id))
	assert.False(t, store.Exists(id))
}
