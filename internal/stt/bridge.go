package stt

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// BridgeConfig holds configuration for a Bridge.
type BridgeConfig struct {
	// MaxReconnects is how many times the worker redials after a provider
	// error before giving up.
	MaxReconnects int
	// Buffer is the capacity of the event channel.
	Buffer int
	// ReconnectDelay is the base pause before redialing; it grows linearly.
	ReconnectDelay time.Duration
}

// Bridge runs a blocking transcription session on its own goroutine and
// forwards provider events, in provider order, into a channel consumed by a
// single reader.
type Bridge struct {
	dialer    Dialer
	newSource func(stop <-chan struct{}) FrameSource
	cfg       BridgeConfig
	logger    *log.Logger

	events chan Event
	stop   chan struct{}
	done   chan struct{}

	stopOnce  sync.Once
	startOnce sync.Once

	mu   sync.Mutex
	conn Conn

	frames    atomic.Int64
	epoch     atomic.Int64
	sessionID atomic.Value
}

// NewBridge returns a bridge that dials d and feeds each session from a
// fresh source built by newSource. A source must end with io.EOF once stop
// is closed.
func NewBridge(d Dialer, newSource func(stop <-chan struct{}) FrameSource, cfg BridgeConfig, logger *log.Logger) *Bridge {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 500 * time.Millisecond
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Bridge{
		dialer:    d,
		newSource: newSource,
		cfg:       cfg,
		logger:    logger,
		events:    make(chan Event, cfg.Buffer),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Events returns the transcript channel. It is closed when the worker exits.
func (b *Bridge) Events() <-chan Event { return b.events }

// Done is closed when the worker goroutine has exited.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Frames returns how many audio frames were handed to the provider.
func (b *Bridge) Frames() int64 { return b.frames.Load() }

// SessionID returns the provider session id of the current or last session.
func (b *Bridge) SessionID() string {
	id, _ := b.sessionID.Load().(string)
	return id
}

// Start launches the worker. Calling it more than once has no effect.
func (b *Bridge) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		go b.run(ctx)
	})
}

// Stop signals the frame source to end the current session and prevents
// reconnects. It does not wait.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.stop)
	})
}

// Wait blocks until the worker has exited or timeout elapses and reports
// whether it exited.
func (b *Bridge) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		<-b.done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-b.done:
		return true
	case <-timer.C:
		return false
	}
}

// Terminate force-closes the live provider connection, if any.
func (b *Bridge) Terminate() {
	b.Stop()
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (b *Bridge) stopped() bool {
	select {
	case <-b.stop:
		return true
	default:
		return false
	}
}

func (b *Bridge) run(ctx context.Context) {
	defer close(b.done)
	defer close(b.events)

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * b.cfg.ReconnectDelay
			b.logger.Printf("stt: reconnecting in %s (attempt %d/%d)", delay, attempt, b.cfg.MaxReconnects)
			select {
			case <-time.After(delay):
			case <-b.stop:
				return
			case <-ctx.Done():
				return
			}
		}

		err := b.session(ctx)
		if err == nil || b.stopped() || ctx.Err() != nil {
			return
		}

		b.forward(Event{Kind: KindError, Err: err})
		if errors.Is(err, ErrNotConfigured) || attempt >= b.cfg.MaxReconnects {
			b.logger.Printf("stt: giving up after %d attempt(s): %v", attempt+1, err)
			return
		}
	}
}

func (b *Bridge) session(ctx context.Context) error {
	conn, err := b.dialer.Dial(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.stopped() {
		b.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	b.conn = conn
	b.mu.Unlock()
	b.epoch.Add(1)

	defer func() {
		b.mu.Lock()
		b.conn = nil
		b.mu.Unlock()
		_ = conn.Close()
	}()

	src := &countingSource{FrameSource: b.newSource(b.stop), n: &b.frames}
	return conn.Run(src, b.forward)
}

// forward is called on the provider's read goroutine. Begin and Termination
// are only logged; everything else goes to the consumer in order.
func (b *Bridge) forward(ev Event) {
	ev.Epoch = int(b.epoch.Load())
	switch ev.Kind {
	case KindBegin:
		b.sessionID.Store(ev.SessionID)
		b.logger.Printf("stt: session began id=%s", ev.SessionID)
		return
	case KindTermination:
		b.logger.Printf("stt: session terminated audio=%.1fs", ev.AudioSeconds)
		return
	case KindError:
		b.logger.Printf("stt: error: %v", ev.Err)
	}

	select {
	case b.events <- ev:
	case <-b.stop:
	}
}

type countingSource struct {
	FrameSource
	n *atomic.Int64
}

func (s *countingSource) Next() ([]byte, error) {
	f, err := s.FrameSource.Next()
	if err == nil {
		s.n.Add(1)
	}
	return f, err
}
