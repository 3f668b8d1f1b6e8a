// Package audio provides the PCM plumbing for coaching sessions: a bounded
// ring buffer of mono int16 samples, sample-rate and channel conversion, and
// container decoding for uploaded files.
package audio

import (
	"sync"

	"github.com/prestance-ai/prestance/internal/fault"
)

// Buffer is a bounded circular buffer of mono int16 PCM samples at a fixed
// sample rate. One producer (the connection intake) appends while one consumer
// (the session pipeline) drains; all methods are safe for concurrent use.
//
// When an append does not fit, the oldest samples are discarded to make room
// and the overflow counter is incremented. Real-time coaching prefers fresh
// audio over complete audio.
type Buffer struct {
	mu       sync.Mutex
	data     []int16
	head     int // index of the oldest sample
	size     int // number of valid samples
	rate     int
	overflow uint64
}

// NewBuffer creates a buffer holding up to maxSeconds of audio at rate.
func NewBuffer(rate, maxSeconds int) (*Buffer, error) {
	if rate <= 0 || maxSeconds <= 0 {
		return nil, fault.Newf(fault.AudioBufferError,
			"invalid buffer dimensions: rate=%d seconds=%d", rate, maxSeconds)
	}
	return &Buffer{
		data: make([]int16, rate*maxSeconds),
		rate: rate,
	}, nil
}

// SampleRate returns the buffer's fixed sample rate.
func (b *Buffer) SampleRate() int { return b.rate }

// Capacity returns the maximum number of samples the buffer can hold.
func (b *Buffer) Capacity() int { return len(b.data) }

// Available returns the number of buffered samples.
func (b *Buffer) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Overflows returns how many samples have been discarded to make room.
func (b *Buffer) Overflows() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflow
}

// Append copies samples into the buffer, evicting the oldest data when the
// buffer is full. Appends larger than the whole capacity keep only the tail.
func (b *Buffer) Append(samples []int16) {
	if len(samples) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	cap := len(b.data)
	if len(samples) > cap {
		b.overflow += uint64(len(samples) - cap)
		samples = samples[len(samples)-cap:]
	}

	// Evict from the front if the new samples do not fit.
	if over := b.size + len(samples) - cap; over > 0 {
		b.head = (b.head + over) % cap
		b.size -= over
		b.overflow += uint64(over)
	}

	tail := (b.head + b.size) % cap
	n := copy(b.data[tail:], samples)
	copy(b.data, samples[n:])
	b.size += len(samples)
}

// ReadChunk removes and returns exactly n samples, or nil when fewer than n
// are buffered. It never returns a partial chunk.
func (b *Buffer) ReadChunk(n int) []int16 {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.peekLocked(n)
	if out != nil {
		b.head = (b.head + n) % len(b.data)
		b.size -= n
	}
	return out
}

// PeekChunk returns a copy of the next n samples without consuming them, or
// nil when fewer than n are buffered.
func (b *Buffer) PeekChunk(n int) []int16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peekLocked(n)
}

func (b *Buffer) peekLocked(n int) []int16 {
	if n <= 0 || n > b.size {
		return nil
	}
	out := make([]int16, n)
	m := copy(out, b.data[b.head:min(b.head+n, len(b.data))])
	copy(out[m:], b.data)
	return out
}

// Clear discards all buffered samples. The overflow counter is preserved.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.size = 0
}
