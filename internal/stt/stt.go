package stt

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotConfigured is returned when the transcription provider has no credentials.
var ErrNotConfigured = errors.New("stt: transcription provider not configured")

// Kind tags an Event so the consumer can tell transcript data from terminal conditions.
type Kind int

const (
	KindBegin Kind = iota
	KindPartial
	KindFinal
	KindTermination
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindBegin:
		return "begin"
	case KindPartial:
		return "partial"
	case KindFinal:
		return "final"
	case KindTermination:
		return "termination"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one provider notification carried from the transcription worker
// to the turn segmenter.
type Event struct {
	Kind Kind

	Transcript string
	EndOfTurn  bool
	TurnOrder  int
	Confidence float64
	Formatted  bool

	// Epoch numbers the provider session the event came from. Turn order
	// restarts at zero in every session.
	Epoch int

	// Begin
	SessionID string

	// Termination
	AudioSeconds float64

	// Error
	Err error
}

// FrameSource is the pull side of the audio path. Next blocks until a frame
// is ready and returns io.EOF when the stream should end.
type FrameSource interface {
	Next() ([]byte, error)
}

// Conn is one live streaming transcription session.
type Conn interface {
	// Run sends frames from src until it returns io.EOF, calling emit for
	// every provider message in the order received. It blocks for the life
	// of the session and returns nil on an orderly end.
	Run(src FrameSource, emit func(Event)) error

	// Close terminates the session immediately. Safe to call concurrently
	// with Run and more than once.
	Close() error
}

// Dialer opens streaming transcription sessions.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// FileTranscriber transcribes a complete audio file.
type FileTranscriber interface {
	TranscribeFile(ctx context.Context, audio []byte) (Transcript, error)
}

// Transcript is the result of a file transcription.
type Transcript struct {
	ID           string
	Text         string
	Confidence   float64
	AudioSeconds float64
}
