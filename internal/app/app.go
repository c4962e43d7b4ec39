package app

import (
	"context"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lukasbauer/meyme/internal/audio"
	"github.com/lukasbauer/meyme/internal/eventlog"
	"github.com/lukasbauer/meyme/internal/httpapi"
	"github.com/lukasbauer/meyme/internal/llm"
	"github.com/lukasbauer/meyme/internal/pipeline"
	"github.com/lukasbauer/meyme/internal/session"
	"github.com/lukasbauer/meyme/internal/stt"
	"github.com/lukasbauer/meyme/internal/tts"
)

type App struct {
	cfg        Config
	logger     *log.Logger
	db         *pgxpool.Pool
	eventLog   *eventlog.Logger
	sessions   *session.Store
	services   httpapi.Services
	httpClient *http.Client // Shared HTTP client with connection pooling for provider calls
}

func New(cfg Config, logger *log.Logger) (*App, error) {
	a := &App{
		cfg:      cfg,
		logger:   logger,
		sessions: session.New(),
	}

	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		db, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, err
		}
		a.db = db
		// Migrations are applied externally (migrations/*.sql).
	} else {
		logger.Printf("warning: DATABASE_URL not set, pipeline event log disabled")
	}
	a.eventLog = eventlog.New(a.db)

	// Keeps TCP connections alive to reduce latency for repeated provider calls.
	a.httpClient = &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	svc, err := a.buildServices()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.services = svc
	return a, nil
}

// buildServices creates provider clients for every configured key. Interfaces
// stay nil for providers without credentials so handlers can tell.
func (a *App) buildServices() (httpapi.Services, error) {
	cfg := a.cfg
	svc := httpapi.Services{
		Sessions: a.sessions,
		EventLog: a.eventLog,
	}

	if cfg.AssemblyAIAPIKey != "" {
		svc.Streamer = stt.NewAssemblyAIStreamer(stt.AssemblyAIConfig{
			APIKey:      cfg.AssemblyAIAPIKey,
			SampleRate:  cfg.STTSampleRate,
			FormatTurns: cfg.STTFormatTurns,
		}, a.logger)
		svc.Transcriber = stt.NewAssemblyAIBatchClient(cfg.AssemblyAIAPIKey, "", a.httpClient)
	} else {
		a.logger.Printf("warning: ASSEMBLYAI_API_KEY not set, streaming connections will be refused")
	}

	if cfg.LLMConfigured() {
		switch cfg.LLMProvider {
		case "openai":
			svc.LLM = llm.NewOpenAIClient(llm.OpenAIConfig{
				APIKey:       cfg.OpenAIAPIKey,
				Model:        cfg.OpenAIModel,
				SystemPrompt: cfg.SystemPrompt,
			}, a.httpClient)
		default:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			gemini, err := llm.NewGeminiClient(ctx, llm.GeminiConfig{
				APIKey:       cfg.GeminiAPIKey,
				Model:        cfg.GeminiModel,
				SystemPrompt: cfg.SystemPrompt,
				HTTPClient:   a.httpClient,
			})
			if err != nil {
				return svc, err
			}
			svc.LLM = gemini
		}
	} else {
		a.logger.Printf("warning: no API key for LLM provider %q, replies disabled", cfg.LLMProvider)
	}

	if cfg.MurfAPIKey != "" {
		murfCfg := tts.MurfConfig{
			APIKey:  cfg.MurfAPIKey,
			VoiceID: cfg.MurfVoiceID,
			Style:   cfg.MurfStyle,
		}
		svc.Synthesizer = tts.NewMurfStreamer(murfCfg)
		svc.Speech = tts.NewMurfClient(murfCfg, a.httpClient)
	} else {
		a.logger.Printf("warning: MURF_API_KEY not set, replies will not be spoken")
	}

	return svc, nil
}

func (a *App) pipelineConfig() pipeline.Config {
	return pipeline.Config{
		Format:        audio.Format{SampleRate: a.cfg.STTSampleRate, Channels: 1, Depth: 16},
		FrameDuration: time.Duration(a.cfg.STTFrameMs) * time.Millisecond,
		QueueSize:     a.cfg.AudioQueueSize,
		FormatTurns:   a.cfg.STTFormatTurns,
		MaxReconnects: a.cfg.STTMaxReconnects,
	}
}

func (a *App) Router(conns *httpapi.ConnRegistry) http.Handler {
	routerCfg := httpapi.RouterConfig{
		PublicBaseURL:        a.cfg.PublicBaseURL,
		AssemblyAIConfigured: a.cfg.AssemblyAIAPIKey != "",
		LLMConfigured:        a.cfg.LLMConfigured(),
		MurfConfigured:       a.cfg.MurfAPIKey != "",
		Pipeline:             a.pipelineConfig(),
		FallbackAudioPath:    a.cfg.FallbackAudioPath,
		JWTSecret:            a.cfg.JWTSecret,
	}
	return httpapi.NewRouter(routerCfg, a.logger, a.services, conns)
}

func (a *App) Close() error {
	if a.db != nil {
		a.db.Close()
	}
	return nil
}
