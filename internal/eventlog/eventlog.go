package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventType represents the type of pipeline event
type EventType string

const (
	EventConnectionStarted  EventType = "connection_started"
	EventConnectionEnded    EventType = "connection_ended"
	EventTurnClosed         EventType = "turn_closed"
	EventReplyStarted       EventType = "reply_started"
	EventReplyCompleted     EventType = "reply_completed"
	EventReplyFailed        EventType = "reply_failed"
	EventSynthesisStarted   EventType = "synthesis_started"
	EventSynthesisCompleted EventType = "synthesis_completed"
	EventSynthesisFailed    EventType = "synthesis_failed"
	EventTranscriptionError EventType = "transcription_error"
	EventFramesDropped      EventType = "frames_dropped"
)

// Logger provides async event logging to the database
type Logger struct {
	db *pgxpool.Pool
}

// New creates a new event logger. A nil pool makes every call a no-op.
func New(db *pgxpool.Pool) *Logger {
	return &Logger{db: db}
}

// Log writes an event to the database synchronously
func (l *Logger) Log(ctx context.Context, connectionID, sessionID string, eventType EventType, data map[string]any) error {
	if l == nil || l.db == nil || connectionID == "" {
		return nil // Silently skip if no DB or connection ID
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		dataJSON = []byte("{}")
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO pipeline_events (connection_id, session_id, event_type, event_data)
		VALUES ($1, $2, $3, $4)
	`, connectionID, sessionID, string(eventType), dataJSON)

	return err
}

// LogAsync logs an event without blocking the caller
func (l *Logger) LogAsync(connectionID, sessionID string, eventType EventType, data map[string]any) {
	if l == nil || l.db == nil || connectionID == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Log(ctx, connectionID, sessionID, eventType, data)
	}()
}

// Event is a stored pipeline event.
type Event struct {
	ID           int64           `json:"id"`
	ConnectionID string          `json:"connection_id"`
	SessionID    string          `json:"session_id"`
	EventType    EventType       `json:"event_type"`
	Data         json.RawMessage `json:"event_data"`
	CreatedAt    time.Time       `json:"created_at"`
}

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// clampLimit maps a non-positive limit to the default and caps the rest.
func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	}
	return limit
}

// ListBySession returns the most recent events for a session, oldest first.
func (l *Logger) ListBySession(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if l == nil || l.db == nil {
		return nil, nil
	}
	limit = clampLimit(limit)

	rows, err := l.db.Query(ctx, `
		SELECT id, connection_id, session_id, event_type, event_data, created_at
		FROM (
			SELECT id, connection_id, session_id, event_type, event_data, created_at
			FROM pipeline_events
			WHERE session_id = $1
			ORDER BY id DESC
			LIMIT $2
		) recent
		ORDER BY id ASC
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var eventType string
		if err := rows.Scan(&e.ID, &e.ConnectionID, &e.SessionID, &eventType, &e.Data, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EventType = EventType(eventType)
		out = append(out, e)
	}
	return out, rows.Err()
}
