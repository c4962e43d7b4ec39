package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lukasbauer/meyme/internal/eventlog"
	"github.com/lukasbauer/meyme/internal/llm"
	"github.com/lukasbauer/meyme/internal/session"
)

const (
	maxChatUpload  = 25 << 20
	chatTimeout    = 2 * time.Minute
	historyTimeout = 5 * time.Second
)

var errNoSpeech = errors.New("no speech detected")

type chatResponse struct {
	AudioURL   string `json:"audio_url"`
	Text       string `json:"text"`
	Transcript string `json:"transcript"`
}

// handleAgentChat runs one request/response turn: transcribe the uploaded
// clip, reply, synthesize. Any failure answers with the fallback clip.
func (r *Router) handleAgentChat(w http.ResponseWriter, req *http.Request) {
	sessionID := req.PathValue("session_id")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session_id is required"})
		return
	}

	if r.svc.Transcriber == nil || r.svc.LLM == nil || r.svc.Speech == nil {
		r.logger.Printf("agent_chat: providers not configured, serving fallback")
		r.serveFallback(w, req)
		return
	}

	req.Body = http.MaxBytesReader(w, req.Body, maxChatUpload)
	file, _, err := req.FormFile("audio_file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "audio_file is required"})
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		r.logger.Printf("agent_chat: read upload: %v", err)
		r.serveFallback(w, req)
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), chatTimeout)
	defer cancel()

	resp, err := r.runChat(ctx, sessionID, audio)
	if err != nil {
		r.logger.Printf("agent_chat: pipeline failed for session %s: %v", sessionID, err)
		if !errors.Is(err, errNoSpeech) {
			captureError(req, err, "agent_chat: pipeline failed")
		}
		r.serveFallback(w, req)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (r *Router) runChat(ctx context.Context, sessionID string, audio []byte) (chatResponse, error) {
	tr, err := r.svc.Transcriber.TranscribeFile(ctx, audio)
	if err != nil {
		return chatResponse{}, fmt.Errorf("transcribe: %w", err)
	}
	userText := strings.TrimSpace(tr.Text)
	if userText == "" {
		return chatResponse{}, errNoSpeech
	}
	r.logger.Printf("agent_chat: user said: %s", userText)

	history := r.svc.Sessions.History(sessionID)
	messages := make([]llm.Message, 0, len(history)+1)
	for _, t := range history {
		role := llm.RoleUser
		if t.Role == session.RoleAssistant {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: t.Text})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: userText})

	reply, err := llm.Collect(r.svc.LLM.StreamReply(ctx, messages))
	if err != nil {
		return chatResponse{}, fmt.Errorf("reply: %w", err)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return chatResponse{}, errors.New("reply: empty response")
	}

	// History only grows once the exchange is complete.
	r.svc.Sessions.Append(sessionID, session.Turn{Role: session.RoleUser, Text: userText, Confidence: tr.Confidence})
	r.svc.Sessions.Append(sessionID, session.Turn{Role: session.RoleAssistant, Text: reply})
	r.logger.Printf("agent_chat: reply: %s", truncate(reply, 100))

	audioURL, err := r.svc.Speech.Synthesize(ctx, reply)
	if err != nil {
		return chatResponse{}, fmt.Errorf("synthesize: %w", err)
	}

	return chatResponse{
		AudioURL:   audioURL,
		Text:       reply,
		Transcript: userText,
	}, nil
}

func (r *Router) serveFallback(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("X-Error", "true")
	w.Header().Set("Content-Type", "audio/mpeg")
	http.ServeFile(w, req, r.cfg.FallbackAudioPath)
}

func (r *Router) handleHistory(w http.ResponseWriter, req *http.Request) {
	sess, ok := r.svc.Sessions.Get(req.PathValue("session_id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type eventsResponse struct {
	SessionID string           `json:"session_id"`
	Events    []eventlog.Event `json:"events"`
}

func (r *Router) handleHistoryEvents(w http.ResponseWriter, req *http.Request) {
	sessionID := req.PathValue("session_id")
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))

	ctx, cancel := context.WithTimeout(req.Context(), historyTimeout)
	defer cancel()

	events, err := r.svc.EventLog.ListBySession(ctx, sessionID, limit)
	if err != nil {
		r.logger.Printf("history_events: %v", err)
		captureError(req, err, "history_events: query failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load events"})
		return
	}
	if events == nil {
		events = []eventlog.Event{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{SessionID: sessionID, Events: events})
}
