package pipeline

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/lukasbauer/meyme/internal/audio"
	"github.com/lukasbauer/meyme/internal/costs"
	"github.com/lukasbauer/meyme/internal/eventlog"
	"github.com/lukasbauer/meyme/internal/llm"
	"github.com/lukasbauer/meyme/internal/session"
	"github.com/lukasbauer/meyme/internal/stt"
	"github.com/lukasbauer/meyme/internal/tts"
)

// Config tunes one connection's pipeline.
type Config struct {
	Format        audio.Format
	FrameDuration time.Duration
	QueueSize     int
	// PopTimeout is how long the transcription worker waits for audio
	// before sending silence.
	PopTimeout    time.Duration
	JoinTimeout   time.Duration
	FormatTurns   bool
	MaxReconnects int
	// ReconnectDelay is the base pause between transcription redials.
	ReconnectDelay time.Duration
	JobBuffer      int
	ChunkTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Format == (audio.Format{}) {
		c.Format = audio.PCM16Mono16K
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = 100 * time.Millisecond
	}
	if c.QueueSize <= 0 {
		c.QueueSize = audio.DefaultQueueCapacity
	}
	if c.PopTimeout <= 0 {
		c.PopTimeout = c.FrameDuration
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 2 * time.Second
	}
	if c.JobBuffer <= 0 {
		c.JobBuffer = 16
	}
	return c
}

// Deps are the collaborators shared across connections.
type Deps struct {
	STT    stt.Dialer
	LLM    llm.Client
	TTS    tts.StreamDialer // optional
	Store  *session.Store
	Events *eventlog.Logger // optional
	Logger *log.Logger
}

// Coordinator owns the pipeline of one client connection from setup to
// teardown.
type Coordinator struct {
	cfg          Config
	deps         Deps
	logger       *log.Logger
	connectionID string
	sessionID    string
	sink         Sink

	frameSize int
	queue     *audio.FrameQueue
	bridge    *stt.Bridge
	segmenter *Segmenter
	replies   *ReplyStreamer
	jobs      chan TurnJob

	running  atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	teardown sync.Once

	usageMu sync.Mutex
	usage   costs.Usage
	turns   atomic.Int64
	started time.Time
}

// New builds the pipeline for one connection. It fails with
// stt.ErrNotConfigured when no transcription provider is available, before
// any queue or worker exists.
func New(cfg Config, deps Deps, connectionID, sessionID string, sink Sink) (*Coordinator, error) {
	if deps.STT == nil {
		return nil, stt.ErrNotConfigured
	}
	cfg = cfg.withDefaults()
	if err := cfg.Format.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	if deps.Store == nil {
		deps.Store = session.New()
	}

	c := &Coordinator{
		cfg:          cfg,
		deps:         deps,
		logger:       logger,
		connectionID: connectionID,
		sessionID:    sessionID,
		sink:         sink,
		frameSize:    cfg.Format.FrameSize(cfg.FrameDuration),
		jobs:         make(chan TurnJob, cfg.JobBuffer),
	}
	return c, nil
}

// SessionID returns the conversation this connection writes to.
func (c *Coordinator) SessionID() string { return c.sessionID }

// Start constructs the queue, starts the transcription worker, the turn
// segmenter and the reply worker.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.started = time.Now()

	c.queue = audio.NewFrameQueue(c.cfg.QueueSize, c.frameSize)
	c.queue.OnDrop = c.onDrop

	c.bridge = stt.NewBridge(c.deps.STT, func(stop <-chan struct{}) stt.FrameSource {
		return audio.NewIterator(c.queue, c.frameSize, c.cfg.PopTimeout, stop)
	}, stt.BridgeConfig{
		MaxReconnects:  c.cfg.MaxReconnects,
		ReconnectDelay: c.cfg.ReconnectDelay,
	}, c.logger)

	var relay *SynthesisRelay
	if c.deps.TTS != nil {
		relay = NewSynthesisRelay(c.deps.TTS, c.sink, c.logger)
		if c.cfg.ChunkTimeout > 0 {
			relay.ChunkTimeout = c.cfg.ChunkTimeout
		}
	}
	if c.deps.LLM != nil {
		c.replies = NewReplyStreamer(c.deps.LLM, c.deps.Store, relay, c.sink, c.deps.Events, c.logger, c.connectionID, c.sessionID)
	}

	c.segmenter = NewSegmenter(c.sessionID, c.deps.Store, c.sink, c.cfg.FormatTurns, c.logger)
	c.segmenter.OnClose = c.onTurnClosed
	c.segmenter.OnError = c.onTranscriptionError

	c.running.Store(true)
	c.bridge.Start(ctx)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.segmenter.Run(ctx, c.bridge.Events())
	}()
	go func() {
		defer c.wg.Done()
		c.replyWorker(ctx)
	}()

	c.deps.Events.LogAsync(c.connectionID, c.sessionID, eventlog.EventConnectionStarted, map[string]any{
		"sample_rate":  c.cfg.Format.SampleRate,
		"frame_bytes":  c.frameSize,
		"format_turns": c.cfg.FormatTurns,
	})
	c.logger.Printf("pipeline: connection %s started session=%s frame=%dB", c.connectionID, c.sessionID, c.frameSize)
}

// PushAudio cuts received bytes into frames and hands them to the
// transcription worker without blocking. Queue capacity and drop counts are
// per frame. It reports false when any frame was dropped.
func (c *Coordinator) PushAudio(b []byte) bool {
	if !c.running.Load() {
		return false
	}
	ok := true
	for _, frame := range audio.Split(b, c.frameSize) {
		if !c.queue.Push(frame) {
			ok = false
		}
	}
	return ok
}

// Running reports whether the pipeline has not been torn down.
func (c *Coordinator) Running() bool { return c.running.Load() }

// Done is closed when the transcription worker has exited, either after
// teardown or because the provider could not be recovered.
func (c *Coordinator) Done() <-chan struct{} { return c.bridge.Done() }

// Usage returns the metered usage so far.
func (c *Coordinator) Usage() costs.Usage {
	c.usageMu.Lock()
	u := c.usage
	c.usageMu.Unlock()
	if c.bridge != nil {
		u.AudioSeconds = (time.Duration(c.bridge.Frames()) * c.cfg.FrameDuration).Seconds()
	}
	return u
}

// Teardown stops the pipeline. It is safe to call more than once and from
// any goroutine; only the first call does work.
func (c *Coordinator) Teardown() {
	c.teardown.Do(func() {
		c.running.Store(false)
		if c.cancel != nil {
			c.cancel()
		}
		if c.bridge != nil {
			c.bridge.Stop()
			if !c.bridge.Wait(c.cfg.JoinTimeout) {
				c.logger.Printf("pipeline: transcription worker did not stop in %s, terminating", c.cfg.JoinTimeout)
				c.bridge.Terminate()
				if !c.bridge.Wait(c.cfg.JoinTimeout) {
					c.logger.Printf("pipeline: transcription worker still running after terminate")
				}
			}
		}
		if c.queue != nil {
			c.queue.Close()
		}
		c.wg.Wait()
		c.finish()
	})
}

func (c *Coordinator) finish() {
	if c.queue == nil {
		return
	}
	usage := c.Usage()
	total := costs.Calculate(usage)
	pushed, dropped, silence := c.queue.Stats()
	c.logger.Printf("pipeline: connection %s ended turns=%d frames=%d dropped=%d silence=%d cost=%.4fc",
		c.connectionID, c.turns.Load(), pushed, dropped, silence, total.TotalCents)
	c.deps.Events.LogAsync(c.connectionID, c.sessionID, eventlog.EventConnectionEnded, map[string]any{
		"duration_seconds": time.Since(c.started).Seconds(),
		"turns":            c.turns.Load(),
		"frames_pushed":    pushed,
		"frames_dropped":   dropped,
		"usage":            usage,
		"costs":            total,
	})
}

func (c *Coordinator) onDrop(total int64) {
	if total != 1 && total%50 != 0 {
		return
	}
	c.logger.Printf("pipeline: audio queue full, dropped %d frame(s) on %s", total, c.connectionID)
	c.deps.Events.LogAsync(c.connectionID, c.sessionID, eventlog.EventFramesDropped, map[string]any{
		"dropped": total,
	})
}

func (c *Coordinator) onTurnClosed(job TurnJob) {
	c.turns.Add(1)
	c.deps.Events.LogAsync(c.connectionID, c.sessionID, eventlog.EventTurnClosed, map[string]any{
		"turn_order": job.TurnOrder,
		"confidence": job.Confidence,
		"formatted":  job.Formatted,
		"empty":      job.Text == "",
	})
	if job.Text == "" || c.replies == nil {
		return
	}
	select {
	case c.jobs <- job:
	default:
		c.logger.Printf("pipeline: reply backlog full, skipping reply for turn %d", job.TurnOrder)
	}
}

func (c *Coordinator) onTranscriptionError(err error) {
	if err == nil {
		return
	}
	captureError(err, StageTranscription, c.connectionID)
	c.deps.Events.LogAsync(c.connectionID, c.sessionID, eventlog.EventTranscriptionError, map[string]any{
		"error": err.Error(),
	})
}

// replyWorker answers closed turns one at a time so replies and their audio
// never interleave.
func (c *Coordinator) replyWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-c.jobs:
			res := c.replies.Reply(ctx, job)
			c.usageMu.Lock()
			c.usage = c.usage.Add(res.Usage)
			c.usageMu.Unlock()
		}
	}
}

func captureError(err error, stage, connectionID string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("stage", stage)
		scope.SetTag("connection_id", connectionID)
		sentry.CaptureException(err)
	})
}
