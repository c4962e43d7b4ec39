package audio

import (
	"bytes"
	"io"
	"sync/atomic"
	"testing"
	"time"
)

func TestFormatFrameSize(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		dur    time.Duration
		want   int
	}{
		{"100ms 16k mono 16bit", PCM16Mono16K, 100 * time.Millisecond, 3200},
		{"50ms 16k mono 16bit", PCM16Mono16K, 50 * time.Millisecond, 1600},
		{"20ms 48k mono 16bit", Format{SampleRate: 48000, Channels: 1, Depth: 16}, 20 * time.Millisecond, 1920},
		{"100ms 8k stereo 8bit", Format{SampleRate: 8000, Channels: 2, Depth: 8}, 100 * time.Millisecond, 1600},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.format.FrameSize(tt.dur); got != tt.want {
				t.Errorf("FrameSize(%v) = %d, want %d", tt.dur, got, tt.want)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	if got := PCM16Mono16K.Duration(32000); got != time.Second {
		t.Errorf("Duration(32000) = %v, want 1s", got)
	}
	if got := (Format{}).Duration(100); got != 0 {
		t.Errorf("zero format Duration = %v, want 0", got)
	}
}

func TestFormatValidate(t *testing.T) {
	if err := PCM16Mono16K.Validate(); err != nil {
		t.Errorf("PCM16Mono16K.Validate() = %v", err)
	}
	if err := (Format{SampleRate: 16000, Channels: 1, Depth: 12}).Validate(); err == nil {
		t.Error("expected error for 12-bit depth")
	}
}

func TestQueue_OverflowNeverBlocksAndDropsNewest(t *testing.T) {
	const capacity = 4
	q := NewFrameQueue(capacity, 8)

	var drops atomic.Int64
	q.OnDrop = func(total int64) { drops.Store(total) }

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < capacity; i++ {
			if !q.Push([]byte{byte(i + 1)}) {
				t.Errorf("Push(%d) rejected below capacity", i)
			}
		}
		if q.Push([]byte{0xFF}) {
			t.Error("Push beyond capacity should be dropped")
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Push blocked on a full queue")
	}

	if drops.Load() != 1 {
		t.Errorf("OnDrop total = %d, want 1", drops.Load())
	}
	if q.Len() != capacity {
		t.Errorf("Len() = %d, want %d", q.Len(), capacity)
	}

	// The queued frames are the first N, in order; the extra frame never entered.
	for i := 0; i < capacity; i++ {
		f, err := q.Pop(10 * time.Millisecond)
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if f[0] != byte(i+1) {
			t.Errorf("Pop #%d = %v, want first byte %d", i, f, i+1)
		}
	}

	pushed, dropped, _ := q.Stats()
	if pushed != capacity || dropped != 1 {
		t.Errorf("Stats() pushed=%d dropped=%d, want %d/1", pushed, dropped, capacity)
	}
}

func TestQueue_PopTimeoutReturnsSilence(t *testing.T) {
	q := NewFrameQueue(2, 16)
	start := time.Now()
	f, err := q.Pop(20 * time.Millisecond)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Error("Pop returned before timeout")
	}
	if !bytes.Equal(f, make([]byte, 16)) {
		t.Errorf("expected 16 bytes of silence, got %v", f)
	}
	if _, _, silence := q.Stats(); silence != 1 {
		t.Errorf("silence count = %d, want 1", silence)
	}
}

func TestQueue_CloseIsIdempotentAndUnblocksPop(t *testing.T) {
	q := NewFrameQueue(2, 16)

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Pop(5 * time.Second)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()
	q.Close()

	select {
	case err := <-errCh:
		if err != ErrQueueClosed {
			t.Errorf("Pop after Close = %v, want ErrQueueClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock on Close")
	}

	if q.Push([]byte{1}) {
		t.Error("Push after Close should be rejected")
	}
}

func TestQueue_RejectsEmptyFrame(t *testing.T) {
	q := NewFrameQueue(2, 16)
	if q.Push(nil) {
		t.Error("empty frame should be rejected")
	}
	if _, dropped, _ := q.Stats(); dropped != 0 {
		t.Errorf("empty frame counted as drop: %d", dropped)
	}
}

func TestIterator_PadsShortFrames(t *testing.T) {
	const size = 3200
	for _, n := range []int{1, 2, 160, 1000, 3199} {
		q := NewFrameQueue(4, size)
		in := bytes.Repeat([]byte{0x7F}, n)
		q.Push(in)

		it := NewIterator(q, size, 50*time.Millisecond, nil)
		f, err := it.Next()
		if err != nil {
			t.Fatalf("n=%d: Next: %v", n, err)
		}
		if len(f) != size {
			t.Fatalf("n=%d: len = %d, want %d", n, len(f), size)
		}
		if !bytes.Equal(f[:n], in) {
			t.Errorf("n=%d: captured bytes altered", n)
		}
		if !bytes.Equal(f[n:], make([]byte, size-n)) {
			t.Errorf("n=%d: tail not zero-padded", n)
		}
	}
}

func TestIterator_SplitsLongFramesWithoutTruncation(t *testing.T) {
	const size = 4
	q := NewFrameQueue(4, size)
	q.Push([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})

	it := NewIterator(q, size, 50*time.Millisecond, nil)
	want := [][]byte{{1, 2, 3, 4}, {5, 6, 7, 8}, {9, 10, 0, 0}}
	for i, w := range want {
		f, err := it.Next()
		if err != nil {
			t.Fatalf("Next #%d: %v", i, err)
		}
		if !bytes.Equal(f, w) {
			t.Errorf("frame #%d = %v, want %v", i, f, w)
		}
	}
	if it.Emitted() != 3 {
		t.Errorf("Emitted() = %d, want 3", it.Emitted())
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want [][]byte
	}{
		{"empty", nil, nil},
		{"exact", []byte{1, 2, 3, 4}, [][]byte{{1, 2, 3, 4}}},
		{"short", []byte{1}, [][]byte{{1, 0, 0, 0}}},
		{"long", []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}, [][]byte{{1, 2, 3, 4}, {5, 6, 7, 8}, {9, 0, 0, 0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Split(tt.in, 4)
			if len(got) != len(tt.want) {
				t.Fatalf("Split() returned %d frames, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if !bytes.Equal(got[i], tt.want[i]) {
					t.Errorf("frame #%d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}

	in := []byte{1, 2, 3, 4}
	out := Split(in, 4)
	in[0] = 9
	if out[0][0] != 1 {
		t.Error("Split() aliases its input")
	}
}

func TestIterator_YieldsSilenceOnGap(t *testing.T) {
	q := NewFrameQueue(4, 8)
	it := NewIterator(q, 8, 10*time.Millisecond, nil)
	f, err := it.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !bytes.Equal(f, make([]byte, 8)) {
		t.Errorf("expected silence frame, got %v", f)
	}
}

func TestIterator_StopEndsSequence(t *testing.T) {
	q := NewFrameQueue(4, 8)
	stop := make(chan struct{})
	it := NewIterator(q, 8, 10*time.Millisecond, stop)

	q.Push([]byte{1})
	if _, err := it.Next(); err != nil {
		t.Fatalf("Next before stop: %v", err)
	}

	close(stop)
	q.Push([]byte{2})
	if _, err := it.Next(); err != io.EOF {
		t.Fatalf("Next after stop = %v, want io.EOF", err)
	}
	// Not restartable.
	if _, err := it.Next(); err != io.EOF {
		t.Fatalf("Next after EOF = %v, want io.EOF", err)
	}
}

func TestIterator_QueueCloseEndsSequence(t *testing.T) {
	q := NewFrameQueue(4, 8)
	it := NewIterator(q, 8, time.Second, nil)
	q.Close()
	if _, err := it.Next(); err != io.EOF {
		t.Fatalf("Next after queue close = %v, want io.EOF", err)
	}
}
