package audio

import (
	"errors"
	"io"
	"time"
)

// Iterator turns a FrameQueue into the pull-based sequence of fixed-size
// frames that a blocking transcription client consumes. It is not
// restartable: once it has returned io.EOF a new Iterator must be built.
//
// Next is meant to be called from a single worker goroutine.
type Iterator struct {
	queue     *FrameQueue
	frameSize int
	timeout   time.Duration
	stop      <-chan struct{}

	pending [][]byte
	done    bool
	emitted int64
}

// NewIterator returns an iterator over q that yields frames of exactly
// frameSize bytes. timeout is how long Next waits before yielding silence.
// Closing stop ends the sequence.
func NewIterator(q *FrameQueue, frameSize int, timeout time.Duration, stop <-chan struct{}) *Iterator {
	return &Iterator{
		queue:     q,
		frameSize: frameSize,
		timeout:   timeout,
		stop:      stop,
	}
}

// Next returns the next frame. Short frames are zero-padded at the tail,
// longer ones are split and the last piece padded; nothing is truncated.
// It returns io.EOF once stop is closed or the queue is released.
func (it *Iterator) Next() ([]byte, error) {
	if it.done || it.stopped() {
		it.done = true
		return nil, io.EOF
	}

	if len(it.pending) > 0 {
		f := it.pending[0]
		it.pending = it.pending[1:]
		it.emitted++
		return f, nil
	}

	raw, err := it.queue.Pop(it.timeout)
	if err != nil {
		if errors.Is(err, ErrQueueClosed) {
			it.done = true
			return nil, io.EOF
		}
		return nil, err
	}
	if it.stopped() {
		it.done = true
		return nil, io.EOF
	}

	frames := it.split(raw)
	it.pending = frames[1:]
	it.emitted++
	return frames[0], nil
}

// Emitted returns how many frames have been handed out so far.
func (it *Iterator) Emitted() int64 { return it.emitted }

func (it *Iterator) split(raw []byte) [][]byte {
	if len(raw) == it.frameSize {
		return [][]byte{raw}
	}
	return Split(raw, it.frameSize)
}

func (it *Iterator) stopped() bool {
	if it.stop == nil {
		return false
	}
	select {
	case <-it.stop:
		return true
	default:
		return false
	}
}
