package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/lukasbauer/meyme/internal/eventlog"
	"github.com/lukasbauer/meyme/internal/llm"
	"github.com/lukasbauer/meyme/internal/pipeline"
	"github.com/lukasbauer/meyme/internal/session"
	"github.com/lukasbauer/meyme/internal/stt"
	"github.com/lukasbauer/meyme/internal/tts"
)

type RouterConfig struct {
	PublicBaseURL string

	// Provider availability as reported by /health
	AssemblyAIConfigured bool
	LLMConfigured        bool
	MurfConfigured       bool

	// Per-connection pipeline settings
	Pipeline pipeline.Config

	// Clip returned by /agent/chat when anything goes wrong
	FallbackAudioPath string

	// JWT Authentication (optional; empty disables the gate)
	JWTSecret string
}

// Services are the provider clients shared by all requests. Any of them may
// be nil when the provider is not configured.
type Services struct {
	Streamer    stt.Dialer
	Transcriber stt.FileTranscriber
	LLM         llm.Client
	Synthesizer tts.StreamDialer
	Speech      tts.Client
	Sessions    *session.Store
	EventLog    *eventlog.Logger
}

type Router struct {
	cfg    RouterConfig
	logger *log.Logger
	svc    Services
	conns  *ConnRegistry
	mux    *http.ServeMux
}

func NewRouter(cfg RouterConfig, logger *log.Logger, svc Services, conns *ConnRegistry) http.Handler {
	if svc.Sessions == nil {
		svc.Sessions = session.New()
	}
	if conns == nil {
		conns = NewConnRegistry()
	}
	r := &Router{
		cfg:    cfg,
		logger: logger,
		svc:    svc,
		conns:  conns,
		mux:    http.NewServeMux(),
	}

	r.routes()
	return withSentryRecovery(withCORS(r.mux))
}

func (r *Router) routes() {
	// Health checks
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.HandleFunc("GET /readyz", r.handleReadyz)
	r.mux.HandleFunc("GET /health", r.handleHealth)

	// Streaming voice conversation
	r.mux.HandleFunc("GET /ws", r.withAuth(r.handleStreamWS))

	// Request/response voice conversation
	r.mux.HandleFunc("POST /agent/chat/{session_id}", r.withAuth(r.handleAgentChat))
	r.mux.HandleFunc("GET /agent/history/{session_id}", r.withAuth(r.handleHistory))
	r.mux.HandleFunc("GET /agent/history/{session_id}/events", r.withAuth(r.handleHistoryEvents))
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Router) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if r.conns.IsDraining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("draining"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type healthResponse struct {
	Status            string          `json:"status"`
	Service           string          `json:"service"`
	APIs              map[string]bool `json:"apis"`
	ActiveConnections int64           `json:"active_connections"`
	StreamURL         string          `json:"stream_url,omitempty"`
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "healthy",
		Service: "Meyme Voice Agent",
		APIs: map[string]bool{
			"assembly_ai": r.cfg.AssemblyAIConfigured,
			"gemini":      r.cfg.LLMConfigured,
			"murf":        r.cfg.MurfConfigured,
		},
		ActiveConnections: r.conns.ActiveCount(),
		StreamURL:         streamURL(r.cfg.PublicBaseURL),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		w.Header().Set("Access-Control-Expose-Headers", "X-Error")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}

// streamURL derives the client WebSocket endpoint from the public base URL.
func streamURL(publicBase string) string {
	if publicBase == "" {
		return ""
	}
	base := strings.TrimSuffix(publicBase, "/")
	// http://x -> ws://x
	// https://x -> wss://x
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	default:
		// assume already host[:port]
		base = "wss://" + base
	}
	return base + "/ws"
}
