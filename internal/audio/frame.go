// Package audio holds the inbound audio plumbing between the client socket
// and the transcription worker: fixed-size frames, a bounded frame queue and
// a pull-based iterator that the blocking transcription client drives.
package audio

import (
	"fmt"
	"time"
)

// Format describes little-endian linear PCM audio.
type Format struct {
	SampleRate int // Hz, e.g. 16000
	Channels   int // 1 for mono
	Depth      int // bits per sample, e.g. 16
}

// PCM16Mono16K is the format the transcription provider expects.
var PCM16Mono16K = Format{SampleRate: 16000, Channels: 1, Depth: 16}

// Validate reports whether the format can produce whole frames.
func (f Format) Validate() error {
	if f.SampleRate <= 0 || f.Channels <= 0 || f.Depth <= 0 || f.Depth%8 != 0 {
		return fmt.Errorf("audio: invalid format %+v", f)
	}
	return nil
}

// BytesInDuration returns the number of bytes in d of audio.
func (f Format) BytesInDuration(d time.Duration) int {
	samples := int64(time.Duration(f.SampleRate) * d / time.Second)
	return int(samples) * f.Channels * f.Depth / 8
}

// Duration returns the playback duration of n bytes.
func (f Format) Duration(n int) time.Duration {
	bytesPerSecond := f.SampleRate * f.Channels * f.Depth / 8
	if bytesPerSecond == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bytesPerSecond)
}

// FrameSize returns the fixed byte length of a frame of duration d.
// 100ms at 16kHz/16-bit mono is 3200 bytes.
func (f Format) FrameSize(d time.Duration) int {
	return f.BytesInDuration(d)
}

// Silence returns a zeroed frame of the given size.
func Silence(size int) []byte {
	return make([]byte, size)
}

// Pad returns a copy of b zero-padded at the tail to exactly size bytes.
// Inputs longer than size are not handled here; see Split.
func Pad(b []byte, size int) []byte {
	out := make([]byte, size)
	copy(out, b)
	return out
}

// Split cuts b into frames of exactly size bytes. The last piece is
// zero-padded; nothing is truncated. Every returned frame is a copy.
func Split(b []byte, size int) [][]byte {
	if len(b) == 0 || size <= 0 {
		return nil
	}
	out := make([][]byte, 0, (len(b)+size-1)/size)
	for len(b) > size {
		out = append(out, Pad(b[:size], size))
		b = b[size:]
	}
	return append(out, Pad(b, size))
}
