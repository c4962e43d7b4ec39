package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lukasbauer/meyme/internal/tts"
)

var (
	// ErrSynthesisIncomplete is reported when the synthesis connection closed
	// before the final marker arrived.
	ErrSynthesisIncomplete = errors.New("pipeline: synthesis ended before final chunk")
	// ErrSynthesisTimeout is reported when no chunk arrived for too long.
	ErrSynthesisTimeout = errors.New("pipeline: synthesis stalled")
)

const defaultChunkTimeout = 20 * time.Second

// SynthesisRelay opens one streaming synthesis connection per reply and
// relays its audio to the client as it arrives.
type SynthesisRelay struct {
	dialer tts.StreamDialer
	sink   Sink
	logger *log.Logger

	// ChunkTimeout bounds the wait for the next chunk once text was sent.
	ChunkTimeout time.Duration
	newContextID func() string
}

func NewSynthesisRelay(d tts.StreamDialer, sink Sink, logger *log.Logger) *SynthesisRelay {
	if logger == nil {
		logger = log.Default()
	}
	return &SynthesisRelay{
		dialer:       d,
		sink:         sink,
		logger:       logger,
		ChunkTimeout: defaultChunkTimeout,
		newContextID: uuid.NewString,
	}
}

// DeliveryResult summarises what reached the client for one reply.
type DeliveryResult struct {
	ContextID   string
	Chunks      int
	Base64Chars int
	Complete    bool
	Err         error
}

// Delivery is the synthesis of a single reply. All text of the reply is sent
// under one context id.
type Delivery struct {
	relay     *SynthesisRelay
	stream    tts.Stream
	contextID string

	sendMu    sync.Mutex
	sendErr   error
	ended     bool
	started   chan struct{}
	startOnce sync.Once

	done      chan struct{}
	result    DeliveryResult
	closeOnce sync.Once
}

// Open dials the provider, configures a fresh context and starts relaying.
func (r *SynthesisRelay) Open(ctx context.Context) (*Delivery, error) {
	stream, err := r.dialer.DialStream(ctx)
	if err != nil {
		return nil, err
	}
	contextID := r.newContextID()
	if err := stream.Configure(ctx, contextID); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("configure synthesis: %w", err)
	}

	d := &Delivery{
		relay:     r,
		stream:    stream,
		contextID: contextID,
		started:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	d.result.ContextID = contextID
	go d.run(ctx)
	return d, nil
}

// ContextID returns the synthesis context bound to this reply.
func (d *Delivery) ContextID() string { return d.contextID }

// Send pushes text to the provider. end marks the last text of the reply.
// After the first failure every call returns that failure.
func (d *Delivery) Send(ctx context.Context, text string, end bool) error {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	if d.sendErr != nil {
		return d.sendErr
	}
	if d.ended {
		return fmt.Errorf("pipeline: text after end of reply")
	}
	if err := d.stream.SendText(ctx, d.contextID, text, end); err != nil {
		d.sendErr = err
		_ = d.Close()
		return err
	}
	d.startOnce.Do(func() { close(d.started) })
	if end {
		d.ended = true
	}
	return nil
}

// Wait blocks until the relay loop has finished.
func (d *Delivery) Wait() DeliveryResult {
	<-d.done
	return d.result
}

// Close ends the synthesis connection. The relay loop exits soon after.
func (d *Delivery) Close() error {
	d.closeOnce.Do(func() {
		_ = d.stream.Close()
	})
	return nil
}

func (d *Delivery) run(ctx context.Context) {
	defer close(d.done)
	defer d.Close()

	timeout := d.relay.ChunkTimeout
	if timeout <= 0 {
		timeout = defaultChunkTimeout
	}
	// The stall timer only runs once text has been sent.
	var timer *time.Timer
	var timerC <-chan time.Time
	started := d.started
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	chunks := d.stream.Chunks()
	for {
		select {
		case <-ctx.Done():
			d.result.Err = ctx.Err()
			return
		case <-started:
			started = nil
			timer = time.NewTimer(timeout)
			timerC = timer.C
		case <-timerC:
			d.result.Err = ErrSynthesisTimeout
			return
		case c, ok := <-chunks:
			if !ok {
				if err := d.stream.Err(); err != nil {
					d.result.Err = err
				} else {
					d.result.Err = ErrSynthesisIncomplete
				}
				return
			}
			if c.ContextID != "" && c.ContextID != d.contextID {
				continue
			}
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(timeout)
			}

			if len(c.Audio) > 0 {
				d.result.Chunks++
				d.result.Base64Chars += len(c.Base64)
				err := d.relay.sink.Send(AudioChunkMessage{
					Type:                TypeAudioChunk,
					ChunkIndex:          d.result.Chunks,
					Base64Audio:         c.Base64,
					ChunkSize:           len(c.Audio),
					TotalChunksReceived: d.result.Chunks,
				})
				if err != nil {
					d.result.Err = fmt.Errorf("relay audio to client: %w", err)
					return
				}
			}
			if c.Final {
				d.result.Complete = true
				err := d.relay.sink.Send(AudioCompleteMessage{
					Type:              TypeAudioComplete,
					TotalChunks:       d.result.Chunks,
					TotalBase64Chars:  d.result.Base64Chars,
					AccumulatedChunks: d.result.Chunks,
				})
				if err != nil {
					d.result.Err = fmt.Errorf("relay completion to client: %w", err)
				}
				return
			}
		}
	}
}
