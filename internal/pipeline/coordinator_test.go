package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lukasbauer/meyme/internal/audio"
	"github.com/lukasbauer/meyme/internal/llm"
	"github.com/lukasbauer/meyme/internal/session"
	"github.com/lukasbauer/meyme/internal/stt"
)

func testConfig() Config {
	return Config{
		Format:        audio.PCM16Mono16K,
		FrameDuration: 100 * time.Millisecond,
		QueueSize:     100,
		PopTimeout:    5 * time.Millisecond,
		JoinTimeout:   time.Second,
		FormatTurns:   true,
	}
}

func voicedFrame(size int) []byte {
	f := make([]byte, size)
	for i := range f {
		f[i] = 0x10
	}
	return f
}

// streamSpeech pushes silence, speech, silence in 100ms frames.
func streamSpeech(c *Coordinator, silence1, speech, silence2 int) {
	size := audio.PCM16Mono16K.FrameSize(100 * time.Millisecond)
	for i := 0; i < silence1; i++ {
		c.PushAudio(audio.Silence(size))
	}
	for i := 0; i < speech; i++ {
		c.PushAudio(voicedFrame(size))
	}
	for i := 0; i < silence2; i++ {
		c.PushAudio(audio.Silence(size))
	}
}

func TestCoordinator_SilenceSpeechSilenceClosesOneTurn(t *testing.T) {
	sink := &recordingSink{}
	store := session.New()
	client := &fakeLLM{pieces: []string{"Meow! ", "Nice to meet you."}}
	synth := &fakeSynth{total: 3}

	c, err := New(testConfig(), Deps{
		STT:    &speechDialer{},
		LLM:    client,
		TTS:    synth,
		Store:  store,
		Logger: quietLogger(),
	}, "conn-1", "ws-conn-1", sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Start(context.Background())
	defer c.Teardown()

	// 2s silence, 1s speech, 1s silence.
	streamSpeech(c, 20, 10, 10)

	waitFor(t, "audio_complete", func() bool {
		return len(messagesOf[AudioCompleteMessage](sink)) == 1
	})
	c.Teardown()

	ends := messagesOf[TurnEndMessage](sink)
	if len(ends) != 1 {
		t.Fatalf("turn_end messages = %d, want 1", len(ends))
	}
	if ends[0].Transcript != "Hello there." || !ends[0].IsFormatted {
		t.Errorf("turn_end = %+v", ends[0])
	}
	if got := client.callCount(); got != 1 {
		t.Fatalf("reply invocations = %d, want 1", got)
	}
	msgs := client.lastCall()
	if len(msgs) != 1 || msgs[0].Role != llm.RoleUser || msgs[0].Content != "Hello there." {
		t.Errorf("reply context = %+v", msgs)
	}

	h := store.History("ws-conn-1")
	if len(h) != 2 {
		t.Fatalf("history = %+v", h)
	}
	if h[0].Role != session.RoleUser || h[1].Role != session.RoleAssistant || h[1].Text != "Meow! Nice to meet you." {
		t.Errorf("history = %+v", h)
	}
	if got := len(messagesOf[AudioChunkMessage](sink)); got != 3 {
		t.Errorf("audio_chunk messages = %d, want 3", got)
	}

	u := c.Usage()
	if u.AudioSeconds <= 0 || u.ReplyCharacters == 0 {
		t.Errorf("usage = %+v", u)
	}
}

func TestCoordinator_SynthesisDropLeavesConnectionUp(t *testing.T) {
	sink := &recordingSink{}
	c, err := New(testConfig(), Deps{
		STT:    &speechDialer{},
		LLM:    &fakeLLM{pieces: []string{"This reply will be cut short."}},
		TTS:    &fakeSynth{total: 5, dropAfter: 2},
		Logger: quietLogger(),
	}, "conn-2", "ws-conn-2", sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Start(context.Background())
	defer c.Teardown()

	streamSpeech(c, 2, 3, 2)

	waitFor(t, "synthesis error", func() bool {
		return len(messagesOf[ErrorMessage](sink)) == 1
	})

	if got := len(messagesOf[AudioChunkMessage](sink)); got != 2 {
		t.Errorf("audio_chunk messages = %d, want 2", got)
	}
	if got := len(messagesOf[AudioCompleteMessage](sink)); got != 0 {
		t.Errorf("audio_complete messages = %d, want 0", got)
	}
	if !c.Running() {
		t.Error("synthesis failure tore down the connection")
	}
	select {
	case <-c.Done():
		t.Error("transcription worker exited after synthesis failure")
	default:
	}
}

func TestCoordinator_MissingTranscriptionIsFatal(t *testing.T) {
	c, err := New(testConfig(), Deps{LLM: &fakeLLM{}}, "conn-3", "ws-conn-3", &recordingSink{})
	if !errors.Is(err, stt.ErrNotConfigured) {
		t.Fatalf("err = %v, want stt.ErrNotConfigured", err)
	}
	if c != nil {
		t.Error("coordinator built without transcription")
	}
}

func TestCoordinator_TeardownIsIdempotent(t *testing.T) {
	c, err := New(testConfig(), Deps{
		STT:    &speechDialer{},
		LLM:    &fakeLLM{pieces: []string{"ok."}},
		Logger: quietLogger(),
	}, "conn-4", "ws-conn-4", &recordingSink{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Start(context.Background())

	done := make(chan struct{})
	go func() {
		c.Teardown()
		c.Teardown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("teardown blocked")
	}

	if c.Running() {
		t.Error("still running after teardown")
	}
	select {
	case <-c.Done():
	default:
		t.Error("transcription worker still alive")
	}
	if c.PushAudio(make([]byte, 3200)) {
		t.Error("audio accepted after teardown")
	}
}

func TestCoordinator_TeardownWithoutStart(t *testing.T) {
	c, err := New(testConfig(), Deps{STT: &speechDialer{}, Logger: quietLogger()}, "conn-5", "ws-conn-5", &recordingSink{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Teardown()
	c.Teardown()
}

func TestCoordinator_HistoryAlternatesAcrossTurns(t *testing.T) {
	sink := &recordingSink{}
	store := session.New()
	client := &fakeLLM{pieces: []string{"Purr."}}
	c, err := New(testConfig(), Deps{
		STT:    &speechDialer{},
		LLM:    client,
		Store:  store,
		Logger: quietLogger(),
	}, "conn-6", "ws-conn-6", sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Start(context.Background())
	defer c.Teardown()

	streamSpeech(c, 2, 3, 2)
	waitFor(t, "first reply", func() bool { return len(store.History("ws-conn-6")) == 2 })
	streamSpeech(c, 0, 3, 2)
	waitFor(t, "second reply", func() bool { return len(store.History("ws-conn-6")) == 4 })

	h := store.History("ws-conn-6")
	for i, turn := range h {
		want := session.RoleUser
		if i%2 == 1 {
			want = session.RoleAssistant
		}
		if turn.Role != want {
			t.Errorf("turn %d role = %s, want %s", i, turn.Role, want)
		}
	}
	if got := len(client.lastCall()); got != 3 {
		t.Errorf("second reply saw %d messages, want 3", got)
	}
}

func TestCoordinator_DropsAreCountedNotBlocking(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 2
	// A source that never drains the queue.
	c, err := New(cfg, Deps{STT: &blockingDialer{}, Logger: quietLogger()}, "conn-7", "ws-conn-7", &recordingSink{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Start(context.Background())
	defer c.Teardown()

	size := audio.PCM16Mono16K.FrameSize(100 * time.Millisecond)
	accepted := 0
	for i := 0; i < 10; i++ {
		if c.PushAudio(voicedFrame(size)) {
			accepted++
		}
	}
	if accepted != 2 {
		t.Errorf("accepted %d frames, want 2", accepted)
	}
	if _, dropped, _ := c.queue.Stats(); dropped != 8 {
		t.Errorf("dropped = %d, want 8", dropped)
	}
}

// blockingDialer returns connections that never read audio.
type blockingDialer struct{}

func (blockingDialer) Dial(ctx context.Context) (stt.Conn, error) {
	return &blockingConn{closed: make(chan struct{})}, nil
}

type blockingConn struct {
	closed chan struct{}
	once   sync.Once
}

func (c *blockingConn) Run(src stt.FrameSource, emit func(stt.Event)) error {
	<-c.closed
	return nil
}

func (c *blockingConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func TestCoordinator_OversizedMessageCountsPerFrame(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 2
	c, err := New(cfg, Deps{STT: &blockingDialer{}, Logger: quietLogger()}, "conn-8", "ws-conn-8", &recordingSink{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Start(context.Background())
	defer c.Teardown()

	// One client message carrying three times the queue capacity in frames.
	size := audio.PCM16Mono16K.FrameSize(100 * time.Millisecond)
	if c.PushAudio(voicedFrame(6 * size)) {
		t.Error("PushAudio() = true, want false when frames were dropped")
	}
	pushed, dropped, _ := c.queue.Stats()
	if pushed != 2 || dropped != 4 {
		t.Errorf("pushed=%d dropped=%d, want 2 and 4", pushed, dropped)
	}
	if c.queue.Len() != 2 {
		t.Errorf("queue holds %d frames, want 2", c.queue.Len())
	}
}
