package audio

import (
	"sync"
	"testing"
)

func TestBufferAppendRead(t *testing.T) {
	t.Parallel()

	b, err := NewBuffer(10, 1) // capacity 10 samples
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}

	b.Append([]int16{1, 2, 3, 4, 5})
	if got := b.Available(); got != 5 {
		t.Fatalf("Available = %d, want 5", got)
	}

	chunk := b.ReadChunk(3)
	if len(chunk) != 3 || chunk[0] != 1 || chunk[2] != 3 {
		t.Fatalf("ReadChunk(3) = %v, want [1 2 3]", chunk)
	}
	if got := b.Available(); got != 2 {
		t.Fatalf("Available after read = %d, want 2", got)
	}
}

func TestBufferNeverPartialChunk(t *testing.T) {
	t.Parallel()

	b, _ := NewBuffer(10, 1)
	b.Append([]int16{1, 2})

	if chunk := b.ReadChunk(3); chunk != nil {
		t.Fatalf("ReadChunk(3) with 2 buffered = %v, want nil", chunk)
	}
	if got := b.Available(); got != 2 {
		t.Fatalf("failed read consumed samples: available = %d", got)
	}
}

func TestBufferOverflowEvictsOldest(t *testing.T) {
	t.Parallel()

	b, _ := NewBuffer(4, 1) // capacity 4
	b.Append([]int16{1, 2, 3, 4})
	b.Append([]int16{5, 6})

	if got := b.Available(); got != 4 {
		t.Fatalf("Available = %d, want capacity 4", got)
	}
	if got := b.Overflows(); got != 2 {
		t.Fatalf("Overflows = %d, want 2", got)
	}
	chunk := b.ReadChunk(4)
	want := []int16{3, 4, 5, 6}
	for i := range want {
		if chunk[i] != want[i] {
			t.Fatalf("chunk = %v, want %v", chunk, want)
		}
	}
}

func TestBufferAppendLargerThanCapacity(t *testing.T) {
	t.Parallel()

	b, _ := NewBuffer(3, 1)
	b.Append([]int16{1, 2, 3, 4, 5})

	chunk := b.ReadChunk(3)
	want := []int16{3, 4, 5}
	for i := range want {
		if chunk[i] != want[i] {
			t.Fatalf("chunk = %v, want %v", chunk, want)
		}
	}
}

func TestBufferWrapAround(t *testing.T) {
	t.Parallel()

	b, _ := NewBuffer(4, 1)
	b.Append([]int16{1, 2, 3})
	b.ReadChunk(2)
	b.Append([]int16{4, 5, 6}) // wraps

	chunk := b.ReadChunk(4)
	want := []int16{3, 4, 5, 6}
	for i := range want {
		if chunk[i] != want[i] {
			t.Fatalf("chunk = %v, want %v", chunk, want)
		}
	}
}

func TestBufferPeekDoesNotConsume(t *testing.T) {
	t.Parallel()

	b, _ := NewBuffer(8, 1)
	b.Append([]int16{7, 8, 9})

	p1 := b.PeekChunk(2)
	p2 := b.PeekChunk(2)
	if p1[0] != p2[0] || p1[1] != p2[1] {
		t.Fatal("consecutive peeks differ")
	}
	if got := b.Available(); got != 3 {
		t.Fatalf("peek consumed samples: available = %d", got)
	}
}

func TestBufferClear(t *testing.T) {
	t.Parallel()

	b, _ := NewBuffer(8, 1)
	b.Append([]int16{1, 2, 3})
	b.Clear()
	if got := b.Available(); got != 0 {
		t.Fatalf("Available after Clear = %d, want 0", got)
	}
	b.Append([]int16{4})
	if chunk := b.ReadChunk(1); chunk[0] != 4 {
		t.Fatalf("chunk = %v, want [4]", chunk)
	}
}

// Invariant check under a producer/consumer interleaving: available never
// exceeds capacity and reads are all-or-nothing.
func TestBufferConcurrentSoundness(t *testing.T) {
	t.Parallel()

	b, _ := NewBuffer(160, 1)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		chunk := make([]int16, 31)
		for range 500 {
			b.Append(chunk)
		}
	}()
	go func() {
		defer wg.Done()
		for range 500 {
			if got := b.ReadChunk(17); got != nil && len(got) != 17 {
				t.Errorf("partial chunk of %d samples", len(got))
				return
			}
			if avail := b.Available(); avail < 0 || avail > b.Capacity() {
				t.Errorf("available %d outside [0, %d]", avail, b.Capacity())
				return
			}
		}
	}()
	wg.Wait()
}

func TestNewBufferRejectsBadDimensions(t *testing.T) {
	t.Parallel()

	if _, err := NewBuffer(0, 10); err == nil {
		t.Error("expected error for zero rate")
	}
	if _, err := NewBuffer(16000, 0); err == nil {
		t.Error("expected error for zero seconds")
	}
}
