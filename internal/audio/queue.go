package audio

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrQueueClosed is returned by Pop once the queue has been released.
var ErrQueueClosed = errors.New("audio: frame queue closed")

// DefaultQueueCapacity bounds how many frames may wait for the transcription worker.
const DefaultQueueCapacity = 100

// FrameQueue is a bounded, goroutine-safe queue of audio frames. The receive
// loop pushes without ever blocking; the transcription worker pops with a
// timeout and gets silence when nothing arrived in time.
type FrameQueue struct {
	frames    chan []byte
	frameSize int

	done      chan struct{}
	closeOnce sync.Once

	pushed  atomic.Int64
	dropped atomic.Int64
	silence atomic.Int64

	// OnDrop, when set, is called with the running drop count each time a
	// frame is rejected because the queue is full. It must not block.
	OnDrop func(total int64)
}

// NewFrameQueue creates a queue holding at most capacity frames. frameSize is
// the length of the silence frame returned by Pop on timeout.
func NewFrameQueue(capacity, frameSize int) *FrameQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &FrameQueue{
		frames:    make(chan []byte, capacity),
		frameSize: frameSize,
		done:      make(chan struct{}),
	}
}

// Push enqueues frame without blocking. It returns false when the frame was
// dropped, either because the queue is full (newest frame loses) or because
// the queue is closed.
func (q *FrameQueue) Push(frame []byte) bool {
	if len(frame) == 0 {
		return false
	}
	select {
	case <-q.done:
		return false
	default:
	}

	select {
	case q.frames <- frame:
		q.pushed.Add(1)
		return true
	default:
		n := q.dropped.Add(1)
		if q.OnDrop != nil {
			q.OnDrop(n)
		}
		return false
	}
}

// Pop waits up to timeout for the next frame. On timeout it returns a silence
// frame of the queue's frame size and a nil error. After Close it returns
// ErrQueueClosed.
func (q *FrameQueue) Pop(timeout time.Duration) ([]byte, error) {
	select {
	case <-q.done:
		return nil, ErrQueueClosed
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-q.frames:
		return f, nil
	case <-q.done:
		return nil, ErrQueueClosed
	case <-timer.C:
		q.silence.Add(1)
		return Silence(q.frameSize), nil
	}
}

// Close releases the queue. Pending frames are discarded. Safe to call more than once.
func (q *FrameQueue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}

// Len returns the number of frames currently waiting.
func (q *FrameQueue) Len() int { return len(q.frames) }

// Cap returns the queue capacity.
func (q *FrameQueue) Cap() int { return cap(q.frames) }

// FrameSize returns the size of silence frames produced on timeout.
func (q *FrameQueue) FrameSize() int { return q.frameSize }

// Stats returns counters for accepted, dropped and silence frames.
func (q *FrameQueue) Stats() (pushed, dropped, silence int64) {
	return q.pushed.Load(), q.dropped.Load(), q.silence.Load()
}
