package jsonval

import (
	"fmt"
	"iter"

	"github.com/DeterminateSystems/jsonringd/internal/ringbuffer"
)

// NewArray returns an empty array. The options configure the ring buffer
// that stores its elements, and are inherited by copies of the array.
func NewArray(opts ...ringbuffer.Option) *Value {
	v := newValue(KindArray)
	v.opts = opts
	v.array = ringbuffer.New(opts...)
	return v
}

func (v *Value) arrayOptions() []ringbuffer.Option {
	return v.opts
}

func (v *Value) checkArray() error {
	if v == nil || v.kind != KindArray {
		return ErrNotArray
	}
	return nil
}

func (v *Value) checkItem(item *Value) error {
	if err := v.checkArray(); err != nil {
		return err
	}
	if item == nil {
		return ringbuffer.ErrNilValue
	}
	if item == v {
		return ErrCycle
	}
	return nil
}

// Len returns the number of elements, or 0 for non-arrays.
func (v *Value) Len() int {
	if v.checkArray() != nil {
		return 0
	}
	return v.array.Len()
}

// At returns the element at index, borrowed: no share is taken.
func (v *Value) At(index int) *Value {
	if v.checkArray() != nil {
		return nil
	}
	item, ok := v.array.Get(index)
	if !ok {
		return nil
	}
	return item.(*Value)
}

// SetNew replaces the element at index with item, stealing the caller's
// share of item. The share is dropped if the replacement fails.
func (v *Value) SetNew(index int, item *Value) error {
	if err := v.checkItem(item); err != nil {
		item.Decref()
		return err
	}
	if err := v.array.Set(index, ringbuffer.Own(item)); err != nil {
		item.Decref()
		return err
	}
	return nil
}

// Set replaces the element at index with a new share of item.
func (v *Value) Set(index int, item *Value) error {
	item.Incref()
	return v.SetNew(index, item)
}

// InsertNew inserts item at index, stealing the caller's share of it.
func (v *Value) InsertNew(index int, item *Value) error {
	if err := v.checkItem(item); err != nil {
		item.Decref()
		return err
	}
	if err := v.array.Insert(index, ringbuffer.Own(item)); err != nil {
		item.Decref()
		return err
	}
	return nil
}

func (v *Value) Insert(index int, item *Value) error {
	item.Incref()
	return v.InsertNew(index, item)
}

// AppendNew appends item, stealing the caller's share of it.
func (v *Value) AppendNew(item *Value) error {
	return v.InsertNew(v.Len(), item)
}

func (v *Value) Append(item *Value) error {
	item.Incref()
	return v.AppendNew(item)
}

// Remove deletes the element at index, dropping the array's share of it.
func (v *Value) Remove(index int) error {
	if err := v.checkArray(); err != nil {
		return err
	}
	return v.array.Delete(index)
}

// Clear removes every element.
func (v *Value) Clear() error {
	if err := v.checkArray(); err != nil {
		return err
	}
	v.array.Clear()
	return nil
}

// Extend appends every element of other to v. On error v is unchanged.
func (v *Value) Extend(other *Value) error {
	if err := v.checkArray(); err != nil {
		return err
	}
	if err := other.checkArray(); err != nil {
		return fmt.Errorf("extend with %s: %w", other.Kind(), err)
	}
	return v.array.AppendRange(other.array)
}

// Items iterates over the elements in order. The yielded values are borrowed.
func (v *Value) Items() iter.Seq2[int, *Value] {
	return func(yield func(int, *Value) bool) {
		if v.checkArray() != nil {
			return
		}
		for i, item := range v.array.All() {
			if !yield(i, item.(*Value)) {
				return
			}
		}
	}
}

// Capacity reports the slots allocated for elements.
func (v *Value) Capacity() int {
	if v.checkArray() != nil {
		return 0
	}
	return v.array.Cap()
}
