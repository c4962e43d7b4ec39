package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lukasbauer/meyme/internal/pipeline"
	"github.com/lukasbauer/meyme/internal/stt"
)

// closeTranscriptionNotConfigured is sent when the server has no speech-to-text
// credentials. Clients should not reconnect.
const closeTranscriptionNotConfigured = 4001

const wsWriteTimeout = 5 * time.Second

// maxAudioMessage caps a single client message. Larger messages close the
// connection with 1009 (message too big).
const maxAudioMessage = 1 << 20

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsSink serializes writes to the client socket. gorilla/websocket allows
// one concurrent writer.
type wsSink struct {
	conn   *websocket.Conn
	connMu sync.Mutex
}

func (s *wsSink) Send(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(v)
}

func (s *wsSink) close(code int, reason string) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = s.conn.Close()
}

func (r *Router) handleStreamWS(w http.ResponseWriter, req *http.Request) {
	connectionID := uuid.NewString()
	if !r.conns.Add(connectionID) {
		http.Error(w, "server is draining", http.StatusServiceUnavailable)
		return
	}
	defer r.conns.Done(connectionID)

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("stream_ws: upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(maxAudioMessage)
	sink := &wsSink{conn: conn}

	sessionID := "ws-" + connectionID
	if caller := getCaller(req.Context()); caller != nil && caller.ID != "" {
		r.logger.Printf("stream_ws: connection %s for caller %s", connectionID, caller.ID)
	}

	coord, err := pipeline.New(r.cfg.Pipeline, pipeline.Deps{
		STT:    r.svc.Streamer,
		LLM:    r.svc.LLM,
		TTS:    r.svc.Synthesizer,
		Store:  r.svc.Sessions,
		Events: r.svc.EventLog,
		Logger: r.logger,
	}, connectionID, sessionID, sink)
	if err != nil {
		if errors.Is(err, stt.ErrNotConfigured) {
			r.logger.Printf("stream_ws: closing %s: transcription not configured", connectionID)
			sink.close(closeTranscriptionNotConfigured, "transcription not configured")
			return
		}
		r.logger.Printf("stream_ws: pipeline setup failed: %v", err)
		captureError(req, err, "stream_ws: pipeline setup failed")
		sink.close(websocket.CloseInternalServerErr, "pipeline setup failed")
		return
	}

	coord.Start(req.Context())
	defer func() {
		coord.Teardown()
		sink.close(websocket.CloseNormalClosure, "")
	}()

	if err := sink.Send(pipeline.SessionMessage{
		Type:         pipeline.TypeSession,
		SessionID:    sessionID,
		ConnectionID: connectionID,
	}); err != nil {
		r.logger.Printf("stream_ws: write session message: %v", err)
		return
	}

	// A transcription worker that gave up ends the connection.
	go func() {
		<-coord.Done()
		if coord.Running() {
			r.logger.Printf("stream_ws: transcription unavailable for %s, closing", connectionID)
			sink.close(websocket.CloseInternalServerErr, "transcription unavailable")
		}
	}()

	r.receive(conn, coord, connectionID)
}

// receive feeds client audio into the pipeline until the socket closes.
func (r *Router) receive(conn *websocket.Conn, coord *pipeline.Coordinator, connectionID string) {
	var frames, dropped int64
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Printf("stream_ws: connection %s closed by client (frames=%d dropped=%d)", connectionID, frames, dropped)
			} else {
				r.logger.Printf("stream_ws: read error on %s: %v", connectionID, err)
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			frames++
			if !coord.PushAudio(data) {
				dropped++
			}
		case websocket.TextMessage:
			r.logger.Printf("stream_ws: ignoring text message on %s: %s", connectionID, truncate(string(data), 80))
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
