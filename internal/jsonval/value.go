// Package jsonval implements reference-counted JSON values.
//
// Every constructor returns a value holding one share. Incref takes another
// share, Decref drops one and destroys the value when none remain. Arrays keep
// their elements in a ring buffer and hold one share of each.
package jsonval

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync/atomic"

	"github.com/DeterminateSystems/jsonringd/internal/ringbuffer"
)

type Kind int

const (
	KindNull Kind = iota
	KindTrue
	KindFalse
	KindInteger
	KindReal
	KindString
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindTrue:
		return "true"
	case KindFalse:
		return "false"
	case KindInteger:
		return "integer"
	case KindReal:
		return "real"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	}
	return "unknown"
}

var (
	ErrInvalid     = errors.New("invalid JSON")
	ErrNotArray    = errors.New("not an array")
	ErrCycle       = errors.New("array cannot contain itself")
	ErrUnsupported = errors.New("unsupported JSON value")
)

type Value struct {
	kind Kind
	refs atomic.Int64

	integer int64
	real    float64
	str     string
	array   *ringbuffer.RingBuffer
	opts    []ringbuffer.Option
}

func newValue(kind Kind) *Value {
	v := &Value{kind: kind}
	v.refs.Store(1)
	return v
}

func Null() *Value {
	return newValue(KindNull)
}

func Bool(b bool) *Value {
	if b {
		return newValue(KindTrue)
	}
	return newValue(KindFalse)
}

func Integer(i int64) *Value {
	v := newValue(KindInteger)
	v.integer = i
	return v
}

// Real returns a real number value. NaN and infinities have no JSON form and
// are rejected.
func Real(f float64) (*Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("real %v: %w", f, ErrUnsupported)
	}
	v := newValue(KindReal)
	v.real = f
	return v, nil
}

func String(s string) *Value {
	v := newValue(KindString)
	v.str = s
	return v
}

func (v *Value) Kind() Kind {
	return v.kind
}

// Incref takes one more share of v. Taking a share of a destroyed value
// panics.
func (v *Value) Incref() {
	if v == nil {
		return
	}
	for {
		n := v.refs.Load()
		if n <= 0 {
			panic(fmt.Sprintf("jsonval: incref of destroyed %s", v.kind))
		}
		if v.refs.CompareAndSwap(n, n+1) {
			return
		}
	}
}

// Decref drops one share of v and destroys it if that was the last one.
// Dropping a share of a destroyed value panics.
func (v *Value) Decref() {
	if v == nil {
		return
	}
	for {
		n := v.refs.Load()
		if n <= 0 {
			panic(fmt.Sprintf("jsonval: decref of destroyed %s", v.kind))
		}
		if v.refs.CompareAndSwap(n, n-1) {
			if n == 1 {
				v.destroy()
			}
			return
		}
	}
}

// Refcount reports the shares currently held on v.
func (v *Value) Refcount() int64 {
	return v.refs.Load()
}

// Share takes a new share of v and hands it over as an owned handle.
func (v *Value) Share() ringbuffer.Owned {
	v.Incref()
	return ringbuffer.Own(v)
}

func (v *Value) destroy() {
	if v.kind == KindArray {
		v.array.Close()
	}
}

func (v *Value) IntegerValue() int64 {
	return v.integer
}

func (v *Value) RealValue() float64 {
	return v.real
}

func (v *Value) StringValue() string {
	return v.str
}

// Number returns v as a float64 for integers and reals.
func (v *Value) Number() (float64, bool) {
	switch v.kind {
	case KindInteger:
		return float64(v.integer), true
	case KindReal:
		return v.real, true
	}
	return 0, false
}

// Equal reports whether v and other hold the same JSON content.
func (v *Value) Equal(other *Value) bool {
	if v == other {
		return true
	}
	if v == nil || other == nil || v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindInteger:
		return v.integer == other.integer
	case KindReal:
		return v.real == other.real
	case KindString:
		return v.str == other.str
	case KindArray:
		if v.array.Len() != other.array.Len() {
			return false
		}
		for i, item := range v.Items() {
			if !item.Equal(other.At(i)) {
				return false
			}
		}
	}
	return true
}

// DeepCopy returns a new value with one share and no structure shared with v.
func (v *Value) DeepCopy() (*Value, error) {
	if v.kind != KindArray {
		c := newValue(v.kind)
		c.integer, c.real, c.str = v.integer, v.real, v.str
		return c, nil
	}

	c := NewArray(v.arrayOptions()...)
	for _, item := range v.Items() {
		dup, err := item.DeepCopy()
		if err != nil {
			c.Decref()
			return nil, err
		}
		if err := c.AppendNew(dup); err != nil {
			c.Decref()
			return nil, err
		}
	}
	return c, nil
}

func (v *Value) String() string {
	switch v.kind {
	case KindInteger:
		return strconv.FormatInt(v.integer, 10)
	case KindReal:
		return strconv.FormatFloat(v.real, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.str)
	case KindArray:
		b, err := v.MarshalJSON()
		if err != nil {
			return "<" + err.Error() + ">"
		}
		return string(b)
	}
	return v.kind.String()
}
