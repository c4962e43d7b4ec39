package pipeline

import (
	"context"
	"errors"
	"io"
	"iter"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/lukasbauer/meyme/internal/llm"
	"github.com/lukasbauer/meyme/internal/stt"
	"github.com/lukasbauer/meyme/internal/tts"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// recordingSink stores every message sent to the client.
type recordingSink struct {
	mu   sync.Mutex
	msgs []any
	err  error
}

func (s *recordingSink) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, v)
	return nil
}

func (s *recordingSink) snapshot() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.msgs...)
}

func messagesOf[T any](s *recordingSink) []T {
	var out []T
	for _, m := range s.snapshot() {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// fakeLLM yields its reply in the given pieces, optionally failing after
// failAfter pieces.
type fakeLLM struct {
	pieces    []string
	err       error
	failAfter int

	mu    sync.Mutex
	calls [][]llm.Message
}

func (f *fakeLLM) StreamReply(ctx context.Context, messages []llm.Message) iter.Seq2[string, error] {
	f.mu.Lock()
	f.calls = append(f.calls, append([]llm.Message(nil), messages...))
	f.mu.Unlock()

	return func(yield func(string, error) bool) {
		for i, p := range f.pieces {
			if f.err != nil && i == f.failAfter {
				break
			}
			if !yield(p, nil) {
				return
			}
		}
		if f.err != nil {
			yield("", f.err)
		}
	}
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeLLM) lastCall() []llm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

type sentText struct {
	contextID string
	text      string
	end       bool
}

// fakeSynth produces total chunks and a final marker once the end of the
// text arrives. With dropAfter > 0 the connection fails after that many
// chunks instead.
type fakeSynth struct {
	total     int
	dropAfter int
	dialErr   error

	mu      sync.Mutex
	streams []*fakeStream
}

func (f *fakeSynth) DialStream(ctx context.Context) (tts.Stream, error) {
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	s := &fakeStream{
		synth:  f,
		chunks: make(chan tts.Chunk, 16),
		endCh:  make(chan struct{}),
		closed: make(chan struct{}),
	}
	f.mu.Lock()
	f.streams = append(f.streams, s)
	f.mu.Unlock()
	go s.loop()
	return s, nil
}

func (f *fakeSynth) allStreams() []*fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeStream(nil), f.streams...)
}

type fakeStream struct {
	synth  *fakeSynth
	chunks chan tts.Chunk
	endCh  chan struct{}
	closed chan struct{}

	mu         sync.Mutex
	configured []string
	texts      []sentText
	err        error
	endOnce    sync.Once
	closeOnce  sync.Once
}

func (s *fakeStream) Configure(ctx context.Context, contextID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configured = append(s.configured, contextID)
	return nil
}

func (s *fakeStream) SendText(ctx context.Context, contextID, text string, end bool) error {
	select {
	case <-s.closed:
		return errors.New("stream closed")
	default:
	}
	s.mu.Lock()
	s.texts = append(s.texts, sentText{contextID: contextID, text: text, end: end})
	s.mu.Unlock()
	if end {
		s.endOnce.Do(func() { close(s.endCh) })
	}
	return nil
}

func (s *fakeStream) Chunks() <-chan tts.Chunk { return s.chunks }

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) sent() []sentText {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentText(nil), s.texts...)
}

func (s *fakeStream) contextID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.configured) == 0 {
		return ""
	}
	return s.configured[0]
}

func (s *fakeStream) loop() {
	defer close(s.chunks)
	select {
	case <-s.endCh:
	case <-s.closed:
		return
	}
	ctxID := s.contextID()
	for i := 0; i < s.synth.total; i++ {
		if s.synth.dropAfter > 0 && i == s.synth.dropAfter {
			s.mu.Lock()
			s.err = io.ErrUnexpectedEOF
			s.mu.Unlock()
			return
		}
		select {
		case s.chunks <- tts.Chunk{ContextID: ctxID, Audio: []byte{1, 2, 3}, Base64: "AQID"}:
		case <-s.closed:
			return
		}
	}
	select {
	case s.chunks <- tts.Chunk{ContextID: ctxID, Final: true}:
	case <-s.closed:
		return
	}
	<-s.closed
}

// speechDialer hands out connections that detect speech by looking at frame
// content: the first voiced frame yields a partial, the first silent frame
// after speech yields an unformatted and then a formatted end of turn.
type speechDialer struct {
	mu    sync.Mutex
	dials int
}

func (d *speechDialer) Dial(ctx context.Context) (stt.Conn, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	return &speechConn{}, nil
}

type speechConn struct{}

func (c *speechConn) Run(src stt.FrameSource, emit func(stt.Event)) error {
	inSpeech := false
	turn := 0
	for {
		frame, err := src.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		voiced := false
		for _, b := range frame {
			if b != 0 {
				voiced = true
				break
			}
		}
		switch {
		case voiced && !inSpeech:
			inSpeech = true
			emit(stt.Event{Kind: stt.KindPartial, Transcript: "hello", TurnOrder: turn})
		case !voiced && inSpeech:
			inSpeech = false
			emit(stt.Event{Kind: stt.KindFinal, Transcript: "hello there", EndOfTurn: true, TurnOrder: turn, Confidence: 0.9})
			emit(stt.Event{Kind: stt.KindFinal, Transcript: "Hello there.", EndOfTurn: true, TurnOrder: turn, Confidence: 0.9, Formatted: true})
			turn++
		}
	}
}

func (c *speechConn) Close() error { return nil }
