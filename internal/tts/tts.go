package tts

import (
	"context"
	"errors"
)

var (
	// ErrNotConfigured is returned when the synthesis provider has no credentials.
	ErrNotConfigured = errors.New("tts: synthesis provider not configured")
	// ErrMalformed is reported when the provider sends something that cannot be parsed.
	ErrMalformed = errors.New("tts: malformed provider response")
)

// Voice selects the speaker and delivery style.
type Voice struct {
	VoiceID string
	Style   string
}

// Chunk is one piece of synthesized audio, or the final marker of a context.
type Chunk struct {
	ContextID string
	Audio     []byte
	// Base64 is the audio exactly as the provider encoded it.
	Base64 string
	Final  bool
}

// Stream is one streaming synthesis connection.
type Stream interface {
	// Configure sends the voice configuration for contextID. It must be
	// called once before any text for that context.
	Configure(ctx context.Context, contextID string) error

	// SendText sends text under contextID. end marks the last text of the context.
	SendText(ctx context.Context, contextID, text string, end bool) error

	// Chunks delivers audio in receipt order. It is closed when the
	// connection ends for any reason.
	Chunks() <-chan Chunk

	// Err reports why Chunks was closed, or nil for an orderly close.
	Err() error

	Close() error
}

// StreamDialer opens streaming synthesis connections.
type StreamDialer interface {
	DialStream(ctx context.Context) (Stream, error)
}

// Client defines the interface for request/response text-to-speech.
type Client interface {
	// Synthesize converts text to speech and returns a URL to the rendered audio.
	Synthesize(ctx context.Context, text string) (string, error)
}
