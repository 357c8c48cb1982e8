package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// apiClient talks to the dubbing pipeline server's HTTP contract (spec
// §6), grounded on internal/cli/client.go's multipart upload shape but
// extended to the rest of the dub endpoints.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{baseURL: baseURL, http: &http.Client{Timeout: 5 * time.Minute}}
}

type uploadResult struct {
	SessionID  string `json:"session_id"`
	UploadPath string `json:"upload_path"`
}

func (c *apiClient) upload(path string) (*uploadResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/upload", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var out uploadResult
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type processVideoURLResult struct {
	SessionID string `json:"session_id"`
	AudioPath string `json:"audio_path"`
}

func (c *apiClient) processVideoURL(videoURL string) (*processVideoURLResult, error) {
	var out processVideoURLResult
	if err := c.postJSON("/process_video_url", map[string]any{"video_url": videoURL}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type transcribeResult struct {
	Transcription string `json:"transcription"`
	Language      string `json:"language"`
}

func (c *apiClient) transcribe(sessionID, targetLanguage string, preserveMusic bool) (*transcribeResult, error) {
	var out transcribeResult
	err := c.postJSON("/transcribe", map[string]any{
		"session_id":                sessionID,
		"target_language":           targetLanguage,
		"preserve_background_music": preserveMusic,
	}, &out)
	return &out, err
}

type translateResult struct {
	Translation      string            `json:"translation"`
	DiarizationPaths map[string]string `json:"diarization_paths"`
}

func (c *apiClient) translate(sessionID, targetLanguage string, preserveMusic bool) (*translateResult, error) {
	var out translateResult
	err := c.postJSON("/translate", map[string]any{
		"session_id":                sessionID,
		"target_language":           targetLanguage,
		"preserve_background_music": preserveMusic,
	}, &out)
	return &out, err
}

type speakerVoice struct {
	SpeakerID string `json:"speaker_id"`
	VoiceID   string `json:"voice_id"`
}

type synthesizeResult struct {
	AudioURL string `json:"audio_url"`
}

func (c *apiClient) synthesize(sessionID, targetLanguage string, preserveMusic bool, voices []speakerVoice) (*synthesizeResult, error) {
	var out synthesizeResult
	err := c.postJSON("/synthesize-time-aligned", map[string]any{
		"session_id":                sessionID,
		"target_language":           targetLanguage,
		"preserve_background_music": preserveMusic,
		"speaker_details":           voices,
	}, &out)
	return &out, err
}

func (c *apiClient) status(sessionID string) (map[string]any, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/processing_status/"+sessionID, nil)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *apiClient) postJSON(path string, payload any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *apiClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("request to %s failed with status %d: %s", req.URL.Path, resp.StatusCode, string(body))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}
