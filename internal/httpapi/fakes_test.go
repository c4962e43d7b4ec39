package httpapi

import (
	"context"
	"io"
	"iter"
	"log"
	"sync"

	"github.com/lukasbauer/meyme/internal/llm"
	"github.com/lukasbauer/meyme/internal/stt"
	"github.com/lukasbauer/meyme/internal/tts"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type fakeLLM struct {
	reply string
	err   error

	mu    sync.Mutex
	calls [][]llm.Message
}

func (f *fakeLLM) StreamReply(ctx context.Context, messages []llm.Message) iter.Seq2[string, error] {
	f.mu.Lock()
	f.calls = append(f.calls, append([]llm.Message(nil), messages...))
	f.mu.Unlock()
	return func(yield func(string, error) bool) {
		if f.err != nil {
			yield("", f.err)
			return
		}
		yield(f.reply, nil)
	}
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) TranscribeFile(ctx context.Context, audio []byte) (stt.Transcript, error) {
	if f.err != nil {
		return stt.Transcript{}, f.err
	}
	return stt.Transcript{ID: "tr-1", Text: f.text, Confidence: 0.93}, nil
}

type fakeSpeech struct {
	url string
	err error
}

func (f *fakeSpeech) Synthesize(ctx context.Context, text string) (string, error) {
	return f.url, f.err
}

// voiceDialer emits a partial on the first voiced frame and a formatted end
// of turn on the first silent frame after speech.
type voiceDialer struct{}

func (voiceDialer) Dial(ctx context.Context) (stt.Conn, error) {
	return &voiceConn{}, nil
}

type voiceConn struct{}

func (c *voiceConn) Run(src stt.FrameSource, emit func(stt.Event)) error {
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
			emit(stt.Event{Kind: stt.KindPartial, Transcript: "hi", TurnOrder: turn})
		case !voiced && inSpeech:
			inSpeech = false
			emit(stt.Event{Kind: stt.KindFinal, Transcript: "Hi there.", EndOfTurn: true, TurnOrder: turn, Confidence: 0.8, Formatted: true})
			turn++
		}
	}
}

func (c *voiceConn) Close() error { return nil }

// oneChunkSynth answers every context with a single chunk and a final marker.
type oneChunkSynth struct{}

func (oneChunkSynth) DialStream(ctx context.Context) (tts.Stream, error) {
	return &oneChunkStream{
		chunks: make(chan tts.Chunk, 4),
		closed: make(chan struct{}),
	}, nil
}

type oneChunkStream struct {
	chunks    chan tts.Chunk
	closed    chan struct{}
	closeOnce sync.Once
	endOnce   sync.Once
}

func (s *oneChunkStream) Configure(ctx context.Context, contextID string) error { return nil }

func (s *oneChunkStream) SendText(ctx context.Context, contextID, text string, end bool) error {
	if end {
		s.endOnce.Do(func() {
			s.chunks <- tts.Chunk{ContextID: contextID, Audio: []byte{1, 2, 3}, Base64: "AQID"}
			s.chunks <- tts.Chunk{ContextID: contextID, Final: true}
		})
	}
	return nil
}

func (s *oneChunkStream) Chunks() <-chan tts.Chunk { return s.chunks }

func (s *oneChunkStream) Err() error { return nil }

func (s *oneChunkStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
