package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const murfGenerateURL = "https://api.murf.ai/v1/speech/generate"

// MurfClient implements the Client interface using Murf's generate API.
type MurfClient struct {
	apiKey     string
	voice      Voice
	url        string
	httpClient *http.Client
}

// MurfConfig holds configuration for the Murf clients.
type MurfConfig struct {
	APIKey      string
	VoiceID     string // e.g., "en-US-natalie"
	Style       string // e.g., "Conversational"
	SampleRate  int    // streaming output rate, e.g. 44100
	GenerateURL string
	StreamURL   string
}

func (cfg MurfConfig) voice() Voice {
	v := Voice{VoiceID: cfg.VoiceID, Style: cfg.Style}
	if v.VoiceID == "" {
		v.VoiceID = "en-US-natalie"
	}
	if v.Style == "" {
		v.Style = "Conversational"
	}
	return v
}

// NewMurfClient creates a new Murf HTTP client.
func NewMurfClient(cfg MurfConfig, httpClient *http.Client) *MurfClient {
	url := cfg.GenerateURL
	if url == "" {
		url = murfGenerateURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &MurfClient{
		apiKey:     cfg.APIKey,
		voice:      cfg.voice(),
		url:        url,
		httpClient: httpClient,
	}
}

type murfGenerateRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voiceId"`
	Style   string `json:"style,omitempty"`
	Format  string `json:"format"`
}

type murfGenerateResponse struct {
	AudioFile          string  `json:"audioFile"`
	AudioLengthSeconds float64 `json:"audioLengthInSeconds"`
}

// Synthesize renders text to an MP3 and returns its URL.
func (c *MurfClient) Synthesize(ctx context.Context, text string) (string, error) {
	if c.apiKey == "" {
		return "", ErrNotConfigured
	}

	body, err := json.Marshal(murfGenerateRequest{
		Text:    text,
		VoiceID: c.voice.VoiceID,
		Style:   c.voice.Style,
		Format:  "MP3",
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("Murf API error: %s - %s", resp.Status, string(respBody))
	}

	var out murfGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if out.AudioFile == "" {
		return "", fmt.Errorf("Murf API did not return audio URL")
	}
	return out.AudioFile, nil
}
