package app

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr      string
	PublicBaseURL string
	DatabaseURL   string
	SentryDSN     string
	Environment   string

	// Speech-to-text
	AssemblyAIAPIKey string
	STTSampleRate    int
	STTFrameMs       int
	STTFormatTurns   bool
	STTMaxReconnects int
	AudioQueueSize   int

	// Replies
	LLMProvider  string // "gemini" or "openai"
	GeminiAPIKey string
	GeminiModel  string
	OpenAIAPIKey string
	OpenAIModel  string
	SystemPrompt string

	// Text-to-speech
	MurfAPIKey  string
	MurfVoiceID string
	MurfStyle   string

	FallbackAudioPath string

	// JWT Authentication (optional)
	JWTSecret string

	ShutdownDrainTimeout time.Duration
}

// LoadDotEnv reads .env into the process environment. Variables that are
// already set win. A missing file is not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func LoadConfigFromEnv() Config {
	return Config{
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		PublicBaseURL: getenv("PUBLIC_BASE_URL", "http://localhost:8080"),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		SentryDSN:     getenv("SENTRY_DSN", ""),
		Environment:   getenv("ENVIRONMENT", "development"),

		// Speech-to-text
		AssemblyAIAPIKey: getenv("ASSEMBLYAI_API_KEY", ""),
		STTSampleRate:    getenvIntClamped("STT_SAMPLE_RATE", 16000, 8000, 48000),
		STTFrameMs:       getenvIntClamped("STT_FRAME_MS", 100, 50, 1000),
		STTFormatTurns:   getenvBool("STT_FORMAT_TURNS", true),
		STTMaxReconnects: getenvIntClamped("STT_MAX_RECONNECTS", 2, 0, 10),
		AudioQueueSize:   getenvIntClamped("AUDIO_QUEUE_SIZE", 100, 10, 1000),

		// Replies
		LLMProvider:  strings.ToLower(getenv("LLM_PROVIDER", "gemini")),
		GeminiAPIKey: getenv("GEMINI_API_KEY", ""),
		GeminiModel:  getenv("GEMINI_MODEL", "gemini-2.5-flash"),
		OpenAIAPIKey: getenv("OPENAI_API_KEY", ""),
		OpenAIModel:  getenv("OPENAI_MODEL", "gpt-4o-mini"),
		SystemPrompt: getenv("SYSTEM_PROMPT", ""),

		// Text-to-speech
		MurfAPIKey:  getenv("MURF_API_KEY", ""),
		MurfVoiceID: getenv("MURF_VOICE_ID", "en-US-natalie"),
		MurfStyle:   getenv("MURF_STYLE", "Conversational"),

		FallbackAudioPath: getenv("FALLBACK_AUDIO_PATH", "static/fallback.mp3"),

		JWTSecret: os.Getenv("AUTH_JWT_SECRET"),

		ShutdownDrainTimeout: getenvDuration("SHUTDOWN_DRAIN_TIMEOUT", 20*time.Second),
	}
}

// LLMConfigured reports whether the selected reply provider has a key.
func (c Config) LLMConfigured() bool {
	if c.LLMProvider == "openai" {
		return c.OpenAIAPIKey != ""
	}
	return c.GeminiAPIKey != ""
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntClamped(k string, def, min, max int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func getenvBool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}
