package ringbuffer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// SlotSize is the size in bytes of one storage slot.
const SlotSize = int(unsafe.Sizeof(Shared(nil)))

// Allocator hands out slot blocks for ring buffer storage.
//
// Realloc returns a block of n slots whose first min(len(slots), n) slots hold
// the contents of slots. On failure the original block is left untouched and
// still owned by the caller.
type Allocator interface {
	Alloc(n int) ([]Shared, error)
	Realloc(slots []Shared, n int) ([]Shared, error)
	Free(slots []Shared)
}

// HeapAllocator allocates from the Go heap and never fails.
type HeapAllocator struct{}

// Alloc returns n empty slots.
func (HeapAllocator) Alloc(n int) ([]Shared, error) {
	return make([]Shared, n), nil
}

// Realloc truncates slots in place when shrinking and copies into a new
// block when growing.
func (HeapAllocator) Realloc(slots []Shared, n int) ([]Shared, error) {
	if n <= len(slots) {
		clear(slots[n:])
		return slots[:n], nil
	}
	out := make([]Shared, n)
	copy(out, slots)
	return out, nil
}

// Free clears slots so the garbage collector can reclaim their values.
func (HeapAllocator) Free(slots []Shared) {
	clear(slots)
}

// BudgetAllocator fails every request that would push the bytes it has
// handed out past Budget. It is safe for concurrent use.
type BudgetAllocator struct {
	Budget int
	Next   Allocator

	mu    sync.Mutex
	inUse int
}

// NewBudgetAllocator limits next (the heap when nil) to budget bytes.
func NewBudgetAllocator(budget int, next Allocator) *BudgetAllocator {
	return &BudgetAllocator{Budget: budget, Next: next}
}

func (b *BudgetAllocator) next() Allocator {
	if b.Next == nil {
		return HeapAllocator{}
	}
	return b.Next
}

func (b *BudgetAllocator) Alloc(n int) ([]Shared, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := n * SlotSize
	if b.inUse+size > b.Budget {
		return nil, fmt.Errorf("alloc %d bytes with %d of %d in use: %w", size, b.inUse, b.Budget, ErrOutOfMemory)
	}
	slots, err := b.next().Alloc(n)
	if err != nil {
		return nil, err
	}
	b.inUse += size
	return slots, nil
}

func (b *BudgetAllocator) Realloc(slots []Shared, n int) ([]Shared, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldSize, size := len(slots)*SlotSize, n*SlotSize
	if b.inUse-oldSize+size > b.Budget {
		return nil, fmt.Errorf("realloc %d to %d bytes with %d of %d in use: %w", oldSize, size, b.inUse, b.Budget, ErrOutOfMemory)
	}
	out, err := b.next().Realloc(slots, n)
	if err != nil {
		return nil, err
	}
	b.inUse += size - oldSize
	return out, nil
}

func (b *BudgetAllocator) Free(slots []Shared) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.inUse -= len(slots) * SlotSize
	b.next().Free(slots)
}

// InUse reports the bytes currently handed out.
func (b *BudgetAllocator) InUse() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inUse
}

// AllocatorStats counts calls made through a CountingAllocator.
type AllocatorStats struct {
	Allocs   int64
	Reallocs int64
	Frees    int64
	Failures int64
}

// CountingAllocator records every call it forwards to Next.
type CountingAllocator struct {
	Next Allocator

	allocs   atomic.Int64
	reallocs atomic.Int64
	frees    atomic.Int64
	failures atomic.Int64
}

func (c *CountingAllocator) next() Allocator {
	if c.Next == nil {
		return HeapAllocator{}
	}
	return c.Next
}

func (c *CountingAllocator) Alloc(n int) ([]Shared, error) {
	c.allocs.Add(1)
	slots, err := c.next().Alloc(n)
	if err != nil {
		c.failures.Add(1)
	}
	return slots, err
}

func (c *CountingAllocator) Realloc(slots []Shared, n int) ([]Shared, error) {
	c.reallocs.Add(1)
	out, err := c.next().Realloc(slots, n)
	if err != nil {
		c.failures.Add(1)
	}
	return out, err
}

func (c *CountingAllocator) Free(slots []Shared) {
	c.frees.Add(1)
	c.next().Free(slots)
}

// Stats returns a snapshot of the counters.
func (c *CountingAllocator) Stats() AllocatorStats {
	return AllocatorStats{
		Allocs:   c.allocs.Load(),
		Reallocs: c.reallocs.Load(),
		Frees:    c.frees.Load(),
		Failures: c.failures.Load(),
	}
}
