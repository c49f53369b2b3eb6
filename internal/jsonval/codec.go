package jsonval

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/buger/jsonparser"

	"github.com/DeterminateSystems/jsonringd/internal/ringbuffer"
)

func (v *Value) MarshalJSON() ([]byte, error) {
	return v.appendJSON(nil)
}

func (v *Value) appendJSON(buf []byte) ([]byte, error) {
	if v == nil {
		return append(buf, "null"...), nil
	}
	switch v.kind {
	case KindNull:
		return append(buf, "null"...), nil
	case KindTrue:
		return append(buf, "true"...), nil
	case KindFalse:
		return append(buf, "false"...), nil
	case KindInteger:
		return strconv.AppendInt(buf, v.integer, 10), nil
	case KindReal:
		n := len(buf)
		buf = strconv.AppendFloat(buf, v.real, 'g', -1, 64)
		// Keep reals recognisable as reals when read back.
		if !bytes.ContainsAny(buf[n:], ".eE") {
			buf = append(buf, ".0"...)
		}
		return buf, nil
	case KindString:
		s, err := json.Marshal(v.str)
		if err != nil {
			return nil, err
		}
		return append(buf, s...), nil
	case KindArray:
		buf = append(buf, '[')
		var err error
		for i, item := range v.Items() {
			if i > 0 {
				buf = append(buf, ',')
			}
			if buf, err = item.appendJSON(buf); err != nil {
				return nil, err
			}
		}
		return append(buf, ']'), nil
	}
	return nil, fmt.Errorf("marshal %s: %w", v.kind, ErrUnsupported)
}

// Decode parses one JSON value. Arrays are built with the given ring buffer
// options. Objects are not supported. Input that is not valid UTF-8 JSON
// fails with ErrInvalid.
func Decode(data []byte, opts ...ringbuffer.Option) (*Value, error) {
	// jsonparser does not check number syntax or UTF-8.
	if !json.Valid(data) || !utf8.Valid(data) {
		return nil, fmt.Errorf("decode %q: %w", truncate(data), ErrInvalid)
	}
	raw, typ, end, err := jsonparser.Get(data)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if rest := bytes.TrimSpace(data[end:]); len(rest) > 0 {
		return nil, fmt.Errorf("decode: trailing data %q", truncate(rest))
	}
	return decodeValue(raw, typ, opts)
}

func decodeValue(raw []byte, typ jsonparser.ValueType, opts []ringbuffer.Option) (*Value, error) {
	switch typ {
	case jsonparser.Null:
		return Null(), nil
	case jsonparser.Boolean:
		b, err := jsonparser.ParseBoolean(raw)
		if err != nil {
			return nil, fmt.Errorf("decode boolean: %w", err)
		}
		return Bool(b), nil
	case jsonparser.Number:
		if bytes.ContainsAny(raw, ".eE") {
			f, err := jsonparser.ParseFloat(raw)
			if err != nil {
				return nil, fmt.Errorf("decode real %q: %w", truncate(raw), err)
			}
			return Real(f)
		}
		i, err := jsonparser.ParseInt(raw)
		if err != nil {
			return nil, fmt.Errorf("decode integer %q: %w", truncate(raw), err)
		}
		return Integer(i), nil
	case jsonparser.String:
		s, err := jsonparser.ParseString(raw)
		if err != nil {
			return nil, fmt.Errorf("decode string: %w", err)
		}
		return String(s), nil
	case jsonparser.Array:
		return decodeArray(raw, opts)
	}
	return nil, fmt.Errorf("decode %s: %w", typ, ErrUnsupported)
}

func decodeArray(raw []byte, opts []ringbuffer.Option) (*Value, error) {
	arr := NewArray(opts...)
	var failed error
	_, err := jsonparser.ArrayEach(raw, func(item []byte, typ jsonparser.ValueType, _ int, err error) {
		if failed != nil {
			return
		}
		if err != nil {
			failed = err
			return
		}
		v, err := decodeValue(item, typ, opts)
		if err != nil {
			failed = err
			return
		}
		failed = arr.AppendNew(v)
	})
	if err == nil {
		err = failed
	}
	if err != nil {
		arr.Decref()
		return nil, fmt.Errorf("decode array: %w", err)
	}
	return arr, nil
}

func truncate(b []byte) []byte {
	if len(b) > 32 {
		return b[:32]
	}
	return b
}
