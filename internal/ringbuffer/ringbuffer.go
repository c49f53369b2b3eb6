// Package ringbuffer stores the elements of a JSON array.
//
// A RingBuffer is a growable circular array of owning references to
// reference-counted values. Appending and prepending are O(1); inserting or
// deleting at logical index k moves min(k, n-k) elements. Storage comes from an
// injectable Allocator so callers can substitute instrumented or constrained
// allocators per buffer.
//
// Ownership follows one rule: Insert, Append and Set take over the share held
// by the Owned handle they are given, and the buffer drops exactly one share of
// every element it overwrites, deletes or clears.
//
// A RingBuffer is not safe for concurrent use.
package ringbuffer

import (
	"errors"
	"fmt"
	"iter"
	"log/slog"
)

// MinCapacity is the smallest non-zero capacity a buffer will allocate.
const MinCapacity = 8

var (
	// ErrOutOfRange reports an index or size outside the buffer's bounds.
	ErrOutOfRange = errors.New("index out of range")
	// ErrOutOfMemory reports that the allocator refused a request.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrNilValue reports an Owned handle that wraps nothing.
	ErrNilValue = errors.New("nil value")
)

// Shared is a reference-counted value. Decref drops one share and destroys
// the value once no shares remain.
type Shared interface {
	Incref()
	Decref()
}

// Owned is one share of a value whose ownership is being handed over.
type Owned struct {
	v Shared
}

// Own wraps a share the caller holds on v. The caller must not drop that
// share itself once the handle has been consumed.
func Own(v Shared) Owned {
	return Owned{v: v}
}

// Value returns the wrapped value without affecting its shares.
func (o Owned) Value() Shared {
	return o.v
}

// RingBuffer holds one share of each of its elements. The zero value is an
// empty buffer with no storage.
type RingBuffer struct {
	slots  []Shared
	start  int
	length int

	alloc  Allocator
	logger *slog.Logger
}

// Option configures a RingBuffer built by New.
type Option func(*RingBuffer)

// WithAllocator makes the buffer take its storage from a.
func WithAllocator(a Allocator) Option {
	return func(r *RingBuffer) { r.alloc = a }
}

// WithLogger receives debug messages about failed shrinks.
func WithLogger(l *slog.Logger) Option {
	return func(r *RingBuffer) { r.logger = l }
}

// New returns an empty buffer. Nothing is allocated until the first insert.
func New(opts ...Option) *RingBuffer {
	r := &RingBuffer{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Init resets r to the empty, unallocated state. It does not release
// anything; use Close on a buffer that may hold elements.
func (r *RingBuffer) Init() {
	r.slots = nil
	r.start = 0
	r.length = 0
}

// Close releases every element and the storage block.
func (r *RingBuffer) Close() {
	r.Clear()
}

func (r *RingBuffer) allocator() Allocator {
	if r.alloc == nil {
		return HeapAllocator{}
	}
	return r.alloc
}

// Len returns the number of elements.
func (r *RingBuffer) Len() int {
	return r.length
}

// Cap returns the number of slots currently allocated.
func (r *RingBuffer) Cap() int {
	return len(r.slots)
}

// Get returns the element at index without transferring a share.
func (r *RingBuffer) Get(index int) (Shared, bool) {
	if index < 0 || index >= r.length {
		return nil, false
	}
	return r.slots[r.phys(index)], true
}

// Set replaces the element at index, dropping one share of the old element.
func (r *RingBuffer) Set(index int, value Owned) error {
	if index < 0 || index >= r.length {
		return fmt.Errorf("set %d of %d: %w", index, r.length, ErrOutOfRange)
	}
	if value.v == nil {
		return ErrNilValue
	}

	p := r.phys(index)
	old := r.slots[p]
	r.slots[p] = value.v
	old.Decref()
	return nil
}

// Append adds value after the last element.
func (r *RingBuffer) Append(value Owned) error {
	return r.Insert(r.length, value)
}

// Insert places value at logical index, shifting whichever side of the
// insertion point is shorter. index may equal Len.
//
// On error the share held by value is not consumed.
func (r *RingBuffer) Insert(index int, value Owned) error {
	if index < 0 || index > r.length {
		return fmt.Errorf("insert %d of %d: %w", index, r.length, ErrOutOfRange)
	}
	if value.v == nil {
		return ErrNilValue
	}

	if r.length == len(r.slots) {
		if err := r.resize(2 * len(r.slots)); err != nil {
			return err
		}
	}

	switch {
	case index == r.length:
	case index == 0:
		r.start = r.phys(len(r.slots) - 1)
	case index <= r.length/2:
		r.start = r.phys(len(r.slots) - 1)
		r.move(0, 1, index)
	default:
		r.move(index+1, index, r.length-index)
	}
	r.slots[r.phys(index)] = value.v
	r.length++
	return nil
}

// AppendRange appends every element of other, in order, taking one new share
// of each. Either all elements are appended or, on error, none are and every
// share taken has been dropped again.
//
// Appending a buffer to itself appends its original contents once.
func (r *RingBuffer) AppendRange(other *RingBuffer) error {
	n := other.length
	for i := 0; i < n; i++ {
		v, _ := other.Get(i)
		v.Incref()
		if err := r.Append(Own(v)); err != nil {
			v.Decref()
			for ; i > 0; i-- {
				r.Delete(r.length - 1)
			}
			return err
		}
	}
	return nil
}

// Delete removes the element at index, dropping one share of it, and closes
// the gap from whichever side is shorter. Storage is halved once fewer than an
// eighth of the slots are in use.
func (r *RingBuffer) Delete(index int) error {
	if index < 0 || index >= r.length {
		return fmt.Errorf("delete %d of %d: %w", index, r.length, ErrOutOfRange)
	}

	removed := r.slots[r.phys(index)]
	switch {
	case index == r.length-1:
		r.slots[r.phys(index)] = nil
	case index < r.length/2:
		r.move(1, 0, index)
		r.slots[r.start] = nil
		r.start = r.phys(1)
	default:
		r.move(index, index+1, r.length-index-1)
		r.slots[r.phys(r.length-1)] = nil
	}
	r.length--
	removed.Decref()

	if r.length < len(r.slots)/8 {
		if err := r.resize(len(r.slots) / 2); err != nil && r.logger != nil {
			r.logger.Debug("ring buffer shrink failed", "capacity", len(r.slots), "length", r.length, "error", err)
		}
	}
	return nil
}

// Clear drops one share of every element in logical order and releases the
// storage block.
func (r *RingBuffer) Clear() {
	slots, start, n := r.slots, r.start, r.length
	r.Init()
	if slots == nil {
		return
	}
	for i := 0; i < n; i++ {
		slots[(start+i)%len(slots)].Decref()
	}
	r.allocator().Free(slots)
}

// Slices returns the elements in logical order as two views into storage.
// The views are only valid until the next mutation.
func (r *RingBuffer) Slices() (a, b []Shared) {
	if r.length == 0 {
		return nil, nil
	}
	if end := r.start + r.length; end <= len(r.slots) {
		return r.slots[r.start:end], nil
	}
	return r.slots[r.start:], r.slots[:r.phys(r.length)]
}

// All iterates over the elements in logical order.
func (r *RingBuffer) All() iter.Seq2[int, Shared] {
	return func(yield func(int, Shared) bool) {
		for i := 0; i < r.length; i++ {
			if !yield(i, r.slots[r.phys(i)]) {
				return
			}
		}
	}
}
