package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const assemblyAIBaseURL = "https://api.assemblyai.com/v2"

// AssemblyAIBatchClient transcribes whole files with AssemblyAI's upload and
// poll API.
type AssemblyAIBatchClient struct {
	apiKey       string
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
}

// NewAssemblyAIBatchClient creates a file transcription client. An empty
// baseURL selects the public API.
func NewAssemblyAIBatchClient(apiKey, baseURL string, httpClient *http.Client) *AssemblyAIBatchClient {
	if baseURL == "" {
		baseURL = assemblyAIBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &AssemblyAIBatchClient{
		apiKey:       apiKey,
		baseURL:      baseURL,
		httpClient:   httpClient,
		pollInterval: time.Second,
	}
}

type assemblyAIUploadResponse struct {
	UploadURL string `json:"upload_url"`
}

type assemblyAITranscript struct {
	ID            string  `json:"id"`
	Status        string  `json:"status"`
	Text          string  `json:"text"`
	Confidence    float64 `json:"confidence"`
	AudioDuration float64 `json:"audio_duration"`
	Error         string  `json:"error"`
}

// TranscribeFile uploads audio, requests a transcript and polls until it
// completes, fails, or ctx is done.
func (c *AssemblyAIBatchClient) TranscribeFile(ctx context.Context, audio []byte) (Transcript, error) {
	if c.apiKey == "" {
		return Transcript{}, ErrNotConfigured
	}
	if len(audio) == 0 {
		return Transcript{}, fmt.Errorf("empty audio")
	}

	var up assemblyAIUploadResponse
	if err := c.do(ctx, http.MethodPost, "/upload", "application/octet-stream", bytes.NewReader(audio), &up); err != nil {
		return Transcript{}, fmt.Errorf("upload: %w", err)
	}
	if up.UploadURL == "" {
		return Transcript{}, fmt.Errorf("upload: no upload_url in response")
	}

	body, err := json.Marshal(map[string]string{"audio_url": up.UploadURL})
	if err != nil {
		return Transcript{}, fmt.Errorf("failed to marshal request: %w", err)
	}
	var tr assemblyAITranscript
	if err := c.do(ctx, http.MethodPost, "/transcript", "application/json", bytes.NewReader(body), &tr); err != nil {
		return Transcript{}, fmt.Errorf("create transcript: %w", err)
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		switch tr.Status {
		case "completed":
			return Transcript{
				ID:           tr.ID,
				Text:         tr.Text,
				Confidence:   tr.Confidence,
				AudioSeconds: tr.AudioDuration,
			}, nil
		case "error":
			return Transcript{}, fmt.Errorf("transcription failed: %s", tr.Error)
		}

		select {
		case <-ctx.Done():
			return Transcript{}, ctx.Err()
		case <-ticker.C:
		}

		if err := c.do(ctx, http.MethodGet, "/transcript/"+tr.ID, "", nil, &tr); err != nil {
			return Transcript{}, fmt.Errorf("poll transcript: %w", err)
		}
	}
}

func (c *AssemblyAIBatchClient) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", c.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(msg))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
