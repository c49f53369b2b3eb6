package ringbuffer

import "fmt"

// phys maps logical index i to its slot. i may run up to one full lap past
// the last element.
func (r *RingBuffer) phys(i int) int {
	return (r.start + i) % len(r.slots)
}

// move copies count elements from logical index src to logical index dst.
// Overlapping ranges are handled, as is either range crossing the physical
// end of storage: each pass copies the longest run that wraps in neither.
func (r *RingBuffer) move(dst, src, count int) {
	size := len(r.slots)
	if dst < src {
		for count > 0 {
			from, to := r.phys(src), r.phys(dst)
			n := min(count, size-from, size-to)
			copy(r.slots[to:to+n], r.slots[from:from+n])
			src += n
			dst += n
			count -= n
		}
		return
	}

	// Copy from the top down so overlapping sources are read before they are
	// overwritten.
	for count > 0 {
		from, to := r.phys(src+count-1)+1, r.phys(dst+count-1)+1
		n := min(count, from, to)
		copy(r.slots[to-n:to], r.slots[from-n:from])
		count -= n
	}
}

// resize changes the storage to hold size slots, keeping logical order.
// Shares are never touched. On error r is unchanged.
func (r *RingBuffer) resize(size int) error {
	size = max(size, MinCapacity)

	if r.slots == nil {
		slots, err := r.allocator().Alloc(size)
		if err != nil {
			return err
		}
		r.slots = slots
		return nil
	}

	switch {
	case size < r.length:
		return fmt.Errorf("resize to %d below length %d: %w", size, r.length, ErrOutOfRange)
	case size == len(r.slots):
		return nil
	case size < len(r.slots):
		return r.shrink(size)
	default:
		return r.grow(size)
	}
}

// grow extends storage in place and, when the elements wrap past the old end,
// relocates whichever of the two wrapped blocks is shorter.
func (r *RingBuffer) grow(size int) error {
	old := len(r.slots)
	slots, err := r.allocator().Realloc(r.slots, size)
	if err != nil {
		return err
	}
	r.slots = slots

	if r.start <= old-r.length {
		return nil
	}

	upper := old - r.start
	lower := r.start + r.length - old
	if upper < lower {
		// Slide the upper block to the new end.
		copy(r.slots[size-upper:], r.slots[r.start:old])
		clear(r.slots[r.start:min(old, size-upper)])
		r.start = size - upper
		return nil
	}

	// Continue the lower block past the old end.
	growth := size - old
	if lower <= growth {
		copy(r.slots[old:], r.slots[:lower])
		clear(r.slots[:lower])
		return nil
	}
	copy(r.slots[old:], r.slots[:growth])
	copy(r.slots, r.slots[growth:lower])
	clear(r.slots[lower-growth : lower])
	return nil
}

// shrink moves the elements into a fresh, smaller block starting at slot 0.
func (r *RingBuffer) shrink(size int) error {
	slots, err := r.allocator().Alloc(size)
	if err != nil {
		return err
	}
	a, b := r.Slices()
	n := copy(slots, a)
	copy(slots[n:], b)

	r.allocator().Free(r.slots)
	r.slots = slots
	r.start = 0
	return nil
}
