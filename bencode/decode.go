package bencode

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
)

type DecodeError struct {
	msg string
}

func newDecodeError(msg string, vars ...interface{}) *DecodeError {
	return &DecodeError{fmt.Sprintf(msg, vars...)}
}

func (e *DecodeError) Error() string {
	return e.msg
}

// Given the target interface, decode the following byte slice to it.
func Deserialize(buf []byte, t interface{}) error {
	val := reflect.ValueOf(t)
	if val.Kind() != reflect.Pointer || val.IsNil() {
		return newDecodeError("expected a non-nil pointer, got %T", t)
	}
	r := newReader(buf)
	out, err := r.readValue(val.Type().Elem())
	if err != nil {
		return err
	}
	if !r.isAtEnd() {
		return newDecodeError("expected to be at end of buffer, %d bytes left", int64(len(r.buf))-r.pos)
	}
	val.Elem().Set(out)
	return nil
}

type reader struct {
	buf []byte
	pos int64
}

func newReader(buf []byte) reader {
	return reader{
		buf: buf,
		pos: 0,
	}
}

func (r *reader) remaining() int64 {
	return int64(len(r.buf)) - r.pos
}

func (r *reader) peek() (byte, error) {
	if r.remaining() <= 0 {
		return 0, newDecodeError("unexpected end of buffer at pos %d", r.pos)
	}
	return r.buf[r.pos], nil
}

func (r *reader) isAtEnd() bool {
	return r.pos >= int64(len(r.buf))
}

func (r *reader) expectByte(b byte) error {
	c, err := r.peek()
	if err != nil {
		return newDecodeError("expected 0x%x at pos %d, but no more bytes left", b, r.pos)
	}
	if c != b {
		return newDecodeError("expected 0x%x got 0x%x at pos %d", b, c, r.pos)
	}
	r.pos++
	return nil
}

// digits returns the run of ascii digits starting at the current position.
func (r *reader) digits() []byte {
	l := r.pos
	for l < int64(len(r.buf)) && r.buf[l] >= 0x30 && r.buf[l] <= 0x39 {
		l++
	}
	return r.buf[r.pos:l]
}

func (r *reader) readNumber() (neg bool, digits []byte, err error) {
	if err := r.expectByte(numberStart); err != nil {
		return false, nil, err
	}
	if c, err := r.peek(); err == nil && c == 0x2d {
		neg = true
		r.pos++
	}
	digits = r.digits()
	if len(digits) == 0 {
		return false, nil, newDecodeError("expected numbers at pos %d", r.pos)
	}
	r.pos += int64(len(digits))
	if err := r.expectByte(bencodeEnd); err != nil {
		return false, nil, err
	}
	return neg, digits, nil
}

func (r *reader) readInt() (int64, error) {
	neg, digits, err := r.readNumber()
	if err != nil {
		return 0, err
	}
	val, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil {
		return 0, err
	}
	if neg {
		if val == 0 {
			return 0, newDecodeError("negative 0 not allowed")
		}
		val = -val
	}
	return val, nil
}

func (r *reader) readUint() (uint64, error) {
	neg, digits, err := r.readNumber()
	if err != nil {
		return 0, err
	}
	if neg {
		return 0, newDecodeError("expected unsigned number")
	}
	return strconv.ParseUint(string(digits), 10, 64)
}

func (r *reader) readBytes() ([]byte, error) {
	numSlice := r.digits()
	if len(numSlice) == 0 {
		return nil, newDecodeError("expected 1 or more numbers %d", r.pos)
	}
	r.pos += int64(len(numSlice))
	if err := r.expectByte(bytesLengthSep); err != nil {
		return nil, err
	}
	l, err := strconv.ParseInt(string(numSlice), 10, 64)
	if err != nil {
		return nil, err
	}
	if l > r.remaining() {
		return nil, newDecodeError("byte string of length %d exceeds remaining %d", l, r.remaining())
	}
	b := r.buf[r.pos : r.pos+l]
	r.pos += l
	return b, nil
}

func (r *reader) atEndOfContainer() (bool, error) {
	c, err := r.peek()
	if err != nil {
		return false, err
	}
	return c == bencodeEnd, nil
}

func checkedUint(t reflect.Type, num uint64) (reflect.Value, error) {
	var max uint64
	switch t.Kind() {
	case reflect.Uint8:
		max = math.MaxUint8
	case reflect.Uint16:
		max = math.MaxUint16
	case reflect.Uint32:
		max = math.MaxUint32
	default:
		max = math.MaxUint64
	}
	if num > max {
		return reflect.Value{}, fmt.Errorf("expected number to be less than %d, got %d", max, num)
	}
	v := reflect.New(t).Elem()
	v.SetUint(num)
	return v, nil
}

func checkedInt(t reflect.Type, num int64) (reflect.Value, error) {
	var min, max int64
	switch t.Kind() {
	case reflect.Int8:
		min, max = math.MinInt8, math.MaxInt8
	case reflect.Int16:
		min, max = math.MinInt16, math.MaxInt16
	case reflect.Int32:
		min, max = math.MinInt32, math.MaxInt32
	default:
		min, max = math.MinInt64, math.MaxInt64
	}
	if num < min || num > max {
		return reflect.Value{}, fmt.Errorf("expected number to be within %d and %d, got %d", min, max, num)
	}
	v := reflect.New(t).Elem()
	v.SetInt(num)
	return v, nil
}

func (r *reader) readValue(t reflect.Type) (reflect.Value, error) {
	switch t.Kind() {
	case reflect.Bool:
		num, err := r.readUint()
		if err != nil {
			return reflect.Value{}, err
		}
		if num > 1 {
			return reflect.Value{}, fmt.Errorf("expected number to be 0 or 1, got %d", num)
		}
		v := reflect.New(t).Elem()
		v.SetBool(num == 1)
		return v, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		num, err := r.readInt()
		if err != nil {
			return reflect.Value{}, err
		}
		return checkedInt(t, num)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		num, err := r.readUint()
		if err != nil {
			return reflect.Value{}, err
		}
		return checkedUint(t, num)
	case reflect.String:
		b, err := r.readBytes()
		if err != nil {
			return reflect.Value{}, err
		}
		v := reflect.New(t).Elem()
		v.SetString(string(b))
		return v, nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			b, err := r.readBytes()
			if err != nil {
				return reflect.Value{}, err
			}
			v := reflect.New(t).Elem()
			v.SetBytes(append([]byte(nil), b...))
			return v, nil
		}
		a := reflect.MakeSlice(t, 0, 0)
		if err := r.readList(t.Elem(), func(v reflect.Value) error {
			a = reflect.Append(a, v)
			return nil
		}); err != nil {
			return reflect.Value{}, err
		}
		return a, nil
	case reflect.Array:
		a := reflect.New(t).Elem()
		if t.Elem().Kind() == reflect.Uint8 {
			b, err := r.readBytes()
			if err != nil {
				return reflect.Value{}, err
			}
			if len(b) != t.Len() {
				return reflect.Value{}, newDecodeError("expected %d bytes for %s, got %d", t.Len(), t, len(b))
			}
			reflect.Copy(a, reflect.ValueOf(b))
			return a, nil
		}
		i := 0
		if err := r.readList(t.Elem(), func(v reflect.Value) error {
			if i >= t.Len() {
				return newDecodeError("too many elements for %s", t)
			}
			a.Index(i).Set(v)
			i++
			return nil
		}); err != nil {
			return reflect.Value{}, err
		}
		return a, nil
	case reflect.Struct:
		return r.readStruct(t)
	case reflect.Map:
		if err := r.expectByte(dictStart); err != nil {
			return reflect.Value{}, err
		}
		m := reflect.MakeMap(t)
		for {
			end, err := r.atEndOfContainer()
			if err != nil {
				return reflect.Value{}, err
			}
			if end {
				break
			}
			keyValue, err := r.readValue(t.Key())
			if err != nil {
				return reflect.Value{}, err
			}
			valValue, err := r.readValue(t.Elem())
			if err != nil {
				return reflect.Value{}, err
			}
			m.SetMapIndex(keyValue, valValue)
		}
		if err := r.expectByte(bencodeEnd); err != nil {
			return reflect.Value{}, err
		}
		return m, nil
	case reflect.Pointer:
		out, err := r.readValue(t.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		v := reflect.New(t.Elem())
		v.Elem().Set(out)
		return v, nil
	default:
		return reflect.Value{}, fmt.Errorf("unhandled kind %v", t.Kind())
	}
}

func (r *reader) readList(elem reflect.Type, add func(reflect.Value) error) error {
	if err := r.expectByte(listStart); err != nil {
		return err
	}
	for {
		end, err := r.atEndOfContainer()
		if err != nil {
			return err
		}
		if end {
			break
		}
		val, err := r.readValue(elem)
		if err != nil {
			return err
		}
		if err := add(val); err != nil {
			return err
		}
	}
	return r.expectByte(bencodeEnd)
}

// readStruct expects keys in sorted order. Optional fields may be missing, unknown keys are rejected.
func (r *reader) readStruct(t reflect.Type) (reflect.Value, error) {
	fields, err := structFields(t)
	if err != nil {
		return reflect.Value{}, newDecodeError(err.Error())
	}
	if err := r.expectByte(dictStart); err != nil {
		return reflect.Value{}, err
	}
	structValue := reflect.New(t).Elem()
	next := 0
	for {
		end, err := r.atEndOfContainer()
		if err != nil {
			return reflect.Value{}, err
		}
		if end {
			break
		}
		keyBytes, err := r.readBytes()
		if err != nil {
			return reflect.Value{}, err
		}
		key := string(keyBytes)
		for next < len(fields) && fields[next].name != key {
			if !fields[next].omitEmpty {
				return reflect.Value{}, newDecodeError("missing key for %s got %s instead", fields[next].name, key)
			}
			next++
		}
		if next == len(fields) {
			return reflect.Value{}, newDecodeError("unexpected key %s", key)
		}
		val, err := r.readValue(structValue.Field(fields[next].index).Type())
		if err != nil {
			return reflect.Value{}, err
		}
		structValue.Field(fields[next].index).Set(val)
		next++
	}
	for ; next < len(fields); next++ {
		if !fields[next].omitEmpty {
			return reflect.Value{}, newDecodeError("missing key for %s", fields[next].name)
		}
	}
	if err := r.expectByte(bencodeEnd); err != nil {
		return reflect.Value{}, err
	}
	return structValue, nil
}
