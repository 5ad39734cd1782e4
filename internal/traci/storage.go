package traci

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// TraCI data type identifiers.
const (
	typePosition2D   = 0x01
	typePositionRoad = 0x04
	typeUByte        = 0x07
	typeByte         = 0x08
	typeInteger      = 0x09
	typeDouble       = 0x0B
	typeString       = 0x0C
	typeStringList   = 0x0E
	typeCompound     = 0x0F
)

var errShortBuffer = errors.New("traci: short buffer")

// writer builds big-endian TraCI storage.
type writer struct {
	buf bytes.Buffer
}

func (w *writer) ubyte(v uint8) { w.buf.WriteByte(v) }

func (w *writer) int32(v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	w.buf.Write(b[:])
}

func (w *writer) double(v float64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
	w.buf.Write(b[:])
}

func (w *writer) string(s string) {
	w.int32(int32(len(s)))
	w.buf.WriteString(s)
}

func (w *writer) typedString(s string) {
	w.ubyte(typeString)
	w.string(s)
}

func (w *writer) typedInt(v int32) {
	w.ubyte(typeInteger)
	w.int32(v)
}

func (w *writer) typedDouble(v float64) {
	w.ubyte(typeDouble)
	w.double(v)
}

func (w *writer) typedByte(v int8) {
	w.ubyte(typeByte)
	w.ubyte(uint8(v))
}

func (w *writer) typedUByte(v uint8) {
	w.ubyte(typeUByte)
	w.ubyte(v)
}

func (w *writer) compound(items int32) {
	w.ubyte(typeCompound)
	w.int32(items)
}

func (w *writer) bytes() []byte { return w.buf.Bytes() }

// reader consumes big-endian TraCI storage.
type reader struct {
	data []byte
	pos  int
}

func newReader(b []byte) *reader { return &reader{data: b} }

func (r *reader) remaining() int { return len(r.data) - r.pos }

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, errShortBuffer
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) ubyte() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) int32() (int32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

func (r *reader) double() (float64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

func (r *reader) string() (string, error) {
	n, err := r.int32()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) expectType(want uint8) error {
	got, err := r.ubyte()
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("traci: expected type 0x%02x, got 0x%02x", want, got)
	}
	return nil
}

func (r *reader) typedString() (string, error) {
	if err := r.expectType(typeString); err != nil {
		return "", err
	}
	return r.string()
}

func (r *reader) typedDouble() (float64, error) {
	if err := r.expectType(typeDouble); err != nil {
		return 0, err
	}
	return r.double()
}

func (r *reader) typedInt() (int32, error) {
	if err := r.expectType(typeInteger); err != nil {
		return 0, err
	}
	return r.int32()
}

// skipTyped consumes one typed value of a simple type.
func (r *reader) skipTyped() error {
	t, err := r.ubyte()
	if err != nil {
		return err
	}
	switch t {
	case typeUByte, typeByte:
		_, err = r.take(1)
	case typeInteger:
		_, err = r.take(4)
	case typeDouble:
		_, err = r.take(8)
	case typeString:
		_, err = r.string()
	case typeStringList:
		var n int32
		if n, err = r.int32(); err == nil {
			for i := int32(0); i < n && err == nil; i++ {
				_, err = r.string()
			}
		}
	default:
		err = fmt.Errorf("traci: cannot skip value of type 0x%02x", t)
	}
	return err
}

// command frames one command: a one-byte length when it fits, otherwise a
// zero byte followed by a four-byte length.
func command(id uint8, content []byte) []byte {
	var w writer
	if n := len(content) + 2; n <= 255 {
		w.ubyte(uint8(n))
	} else {
		w.ubyte(0)
		w.int32(int32(len(content) + 6))
	}
	w.ubyte(id)
	w.buf.Write(content)
	return w.bytes()
}

// readCommandHeader reads a command's length prefix and id and returns the
// content length that follows.
func (r *reader) readCommandHeader() (id uint8, contentLen int, err error) {
	l, err := r.ubyte()
	if err != nil {
		return 0, 0, err
	}
	header := 2
	length := int(l)
	if l == 0 {
		n, err := r.int32()
		if err != nil {
			return 0, 0, err
		}
		length = int(n)
		header = 6
	}
	id, err = r.ubyte()
	if err != nil {
		return 0, 0, err
	}
	if length < header {
		return 0, 0, fmt.Errorf("traci: invalid command length %d", length)
	}
	return id, length - header, nil
}
