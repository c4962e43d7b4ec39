package llm

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

// GeminiConfig holds configuration for the Gemini client.
type GeminiConfig struct {
	APIKey       string
	Model        string // e.g., "gemini-2.5-flash"
	SystemPrompt string // Optional custom persona
	BaseURL      string // Optional API endpoint override
	HTTPClient   *http.Client
}

type generateStreamFunc func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]

// GeminiClient implements the Client interface with the Gen AI SDK.
type GeminiClient struct {
	model    string
	config   *genai.GenerateContentConfig
	generate generateStreamFunc
}

// NewGeminiClient creates a Gemini client. Without an API key it returns a
// client whose replies fail with ErrNotConfigured.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}
	c := &GeminiClient{
		model:  model,
		config: generateConfig(BuildSystemPrompt(cfg.SystemPrompt)),
	}
	if cfg.APIKey == "" {
		return c, nil
	}

	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	c.generate = client.Models.GenerateContentStream
	return c, nil
}

func generateConfig(systemPrompt string) *genai.GenerateContentConfig {
	temperature := float32(0.8)
	return &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{genai.NewPartFromText(systemPrompt)},
		},
		Temperature:     &temperature,
		MaxOutputTokens: 256,
	}
}

// StreamReply streams the model's reply to the conversation.
func (c *GeminiClient) StreamReply(ctx context.Context, messages []Message) iter.Seq2[string, error] {
	if c.generate == nil {
		return failed(ErrNotConfigured)
	}
	contents := toContents(messages)
	if len(contents) == 0 {
		return failed(fmt.Errorf("gemini: no user message"))
	}

	return func(yield func(string, error) bool) {
		for resp, err := range c.generate(ctx, c.model, contents, c.config) {
			if err != nil {
				yield("", fmt.Errorf("gemini: %w", err))
				return
			}
			text := responseText(resp)
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
	}
}

// toContents maps history to Gemini roles. Consecutive messages from the
// same role are merged, and leading assistant messages are dropped, since the
// API expects alternating turns that start with the user.
func toContents(messages []Message) []*genai.Content {
	var out []*genai.Content
	for _, m := range messages {
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		if len(out) == 0 && role != "user" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, genai.NewPartFromText(text))
			continue
		}
		out = append(out, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{genai.NewPartFromText(text)},
		})
	}
	return out
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}
