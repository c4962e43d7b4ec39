// Package costs provides cost calculation for API usage.
package costs

import (
	"math"
	"os"
	"strconv"
)

// Pricing constants in cents per unit. They can be overridden via environment variables.
var (
	// AssemblyAICentsPerMinute is the cost per minute of streamed audio.
	// Default: $0.15/hour = 0.25 cents/min
	AssemblyAICentsPerMinute = getEnvFloat("COST_ASSEMBLYAI_CENTS_PER_MIN", 0.25)

	// LLMCentsPerThousandInputTokens is the cost per 1K prompt tokens.
	// Default: $0.30/1M = 0.03 cents/1K tokens
	LLMCentsPerThousandInputTokens = getEnvFloat("COST_LLM_INPUT_CENTS_PER_1K", 0.03)

	// LLMCentsPerThousandOutputTokens is the cost per 1K generated tokens.
	// Default: $2.50/1M = 0.25 cents/1K tokens
	LLMCentsPerThousandOutputTokens = getEnvFloat("COST_LLM_OUTPUT_CENTS_PER_1K", 0.25)

	// MurfCentsPerThousandChars is the cost per 1K characters sent for synthesis.
	MurfCentsPerThousandChars = getEnvFloat("COST_MURF_CENTS_PER_1K_CHARS", 3.0)
)

// charsPerToken is the rough ratio used to estimate tokens from text length.
const charsPerToken = 4

// Usage contains the raw metrics of one connection or request.
type Usage struct {
	AudioSeconds          float64 `json:"audio_seconds"`
	PromptCharacters      int     `json:"prompt_characters"`
	ReplyCharacters       int     `json:"reply_characters"`
	SynthesizedCharacters int     `json:"synthesized_characters"`
}

// Add returns the sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		AudioSeconds:          u.AudioSeconds + o.AudioSeconds,
		PromptCharacters:      u.PromptCharacters + o.PromptCharacters,
		ReplyCharacters:       u.ReplyCharacters + o.ReplyCharacters,
		SynthesizedCharacters: u.SynthesizedCharacters + o.SynthesizedCharacters,
	}
}

// Costs contains the calculated costs in cents.
type Costs struct {
	STTCents   float64 `json:"stt_cents"`
	LLMCents   float64 `json:"llm_cents"`
	TTSCents   float64 `json:"tts_cents"`
	TotalCents float64 `json:"total_cents"`
}

// Calculate prices a Usage. Token counts are estimated from character counts.
func Calculate(u Usage) Costs {
	sttCents := (u.AudioSeconds / 60.0) * AssemblyAICentsPerMinute

	inputTokens := EstimateTokens(u.PromptCharacters)
	outputTokens := EstimateTokens(u.ReplyCharacters)
	llmCents := (float64(inputTokens)/1000.0)*LLMCentsPerThousandInputTokens +
		(float64(outputTokens)/1000.0)*LLMCentsPerThousandOutputTokens

	ttsCents := (float64(u.SynthesizedCharacters) / 1000.0) * MurfCentsPerThousandChars

	c := Costs{
		STTCents: round(sttCents),
		LLMCents: round(llmCents),
		TTSCents: round(ttsCents),
	}
	c.TotalCents = round(c.STTCents + c.LLMCents + c.TTSCents)
	return c
}

// EstimateTokens approximates the token count of n characters, rounding up.
func EstimateTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	return (chars + charsPerToken - 1) / charsPerToken
}

// round rounds to four decimal places; single turns cost fractions of a cent.
func round(f float64) float64 {
	return math.Round(f*10000) / 10000
}

// getEnvFloat returns an environment variable as float64, or the default if not set.
func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
