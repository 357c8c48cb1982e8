package diarize

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriberr/internal/apperr"
)

// echoStdinScript writes a tiny shell script that ignores its arguments
// and its stdin and runs body (in these tests, printing a fixed JSON
// response), standing in for the external
// ASR+diarization provider (spec §6's narrow JSON contract) without
// depending on any real provider binary.
func echoStdinScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake_provider.sh")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestTranscribeAssignsSequentialIDsAndDefaultLanguage(t *testing.T) {
	script := echoStdinScript(t, `cat <<'JSON'
{"segments":[{"speaker":"SPEAKER_00","start":0,"end":1,"text":"hello"},{"speaker":"SPEAKER_01","start":1.2,"end":2,"text":"hi"}]}
JSON`)

	tr := New(script+" %s", "", 5*time.Second, DefaultVADConfig())
	d, err := tr.Transcribe(context.Background(), "/tmp/in.wav")
	require.NoError(t, err)

	require.Len(t, d.Segments, 2)
	assert.Equal(t, "seg_000", d.Segments[0].SegmentID)
	assert.Equal(t, "seg_001", d.Segments[1].SegmentID)
	assert.Equal(t, "hi-IN", d.LanguageCode, "defaults to hi-IN when provider omits language_code")
	assert.Equal(t, "neutral", d.Segments[0].Gender, "defaults gender to neutral per speaker")
	assert.Equal(t, "hello hi", d.Transcript, "transcript rebuilt from segment text")
}

func TestTranscribeFailsFatalOnZeroSegments(t *testing.T) {
	script := echoStdinScript(t, `echo '{"segments":[]}'`)

	tr := New(script+" %s", "", 5*time.Second, DefaultVADConfig())
	_, err := tr.Transcribe(context.Background(), "/tmp/in.wav")
	require.Error(t, err)

	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Fatal, ae.Kind)
}

func TestTranscribeUsesProviderLanguageCodeWhenPresent(t *testing.T) {
	script := echoStdinScript(t, `echo '{"language_code":"ta-IN","segments":[{"speaker":"SPEAKER_00","start":0,"end":1,"text":"vanakkam"}]}'`)

	tr := New(script+" %s", "", 5*time.Second, DefaultVADConfig())
	d, err := tr.Transcribe(context.Background(), "/tmp/in.wav")
	require.NoError(t, err)
	assert.Equal(t, "ta-IN", d.LanguageCode)
}
