// Package window provides the bounded chunk buffer and the sliding window
// scheduler that decides when a transcription attempt should run.
package window

import "time"

// Chunk is one unit of compressed audio as it arrived from the producer.
// Chunks are immutable once enqueued.
type Chunk struct {
	Seq        uint64 // arrival order, starts at 1
	Data       []byte
	ReceivedAt time.Time
}

// Size returns the payload size in bytes.
func (c Chunk) Size() int {
	return len(c.Data)
}

// Buffer is a fixed-capacity ring of the most recent chunks.
// Pushing into a full buffer evicts the oldest chunk. Chunks stay in
// arrival order. Not safe for concurrent use: a buffer is owned by a
// single session worker.
type Buffer struct {
	slots []Chunk
	head  int // index of the oldest chunk
	size  int
}

// NewBuffer creates a buffer holding at most capacity chunks.
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{slots: make([]Chunk, capacity)}
}

// Len returns the number of buffered chunks.
func (b *Buffer) Len() int {
	return b.size
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int {
	return len(b.slots)
}

// Push appends a chunk. It reports whether the oldest chunk was evicted
// to make room.
func (b *Buffer) Push(c Chunk) bool {
	if b.size < len(b.slots) {
		b.slots[(b.head+b.size)%len(b.slots)] = c
		b.size++
		return false
	}
	// Full: overwrite the oldest slot and move head forward.
	b.slots[b.head] = c
	b.head = (b.head + 1) % len(b.slots)
	return true
}

// At returns the chunk at position i, where 0 is the oldest.
func (b *Buffer) At(i int) Chunk {
	return b.slots[(b.head+i)%len(b.slots)]
}

// Slice copies the chunks in positions [from, to) in arrival order.
// Out of range bounds are clamped.
func (b *Buffer) Slice(from, to int) []Chunk {
	if from < 0 {
		from = 0
	}
	if to > b.size {
		to = b.size
	}
	if from >= to {
		return nil
	}
	out := make([]Chunk, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, b.At(i))
	}
	return out
}

// All copies every buffered chunk in arrival order.
func (b *Buffer) All() []Chunk {
	return b.Slice(0, b.size)
}

// DropOldest removes up to n chunks from the front of the buffer and
// returns how many were removed. Removed slots are zeroed so their
// payloads can be collected.
func (b *Buffer) DropOldest(n int) int {
	if n > b.size {
		n = b.size
	}
	for i := 0; i < n; i++ {
		b.slots[b.head] = Chunk{}
		b.head = (b.head + 1) % len(b.slots)
	}
	b.size -= n
	return n
}

// Reset empties the buffer.
func (b *Buffer) Reset() {
	b.DropOldest(b.size)
	b.head = 0
}

// Concat joins chunk payloads in order into one byte slice.
func Concat(chunks []Chunk) []byte {
	n := 0
	for _, c := range chunks {
		n += len(c.Data)
	}
	out := make([]byte, 0, n)
	for _, c := range chunks {
		out = append(out, c.Data...)
	}
	return out
}
