package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortBuffer is returned when a record claims more bytes than the frame contains.
var ErrShortBuffer = errors.New("proto: buffer too short for record")

// Encodable is implemented by records that can be written to the wire.
type Encodable interface {
	Encode(e *Encoder)
}

// Decodable is implemented by records that can be read off the wire.
type Decodable interface {
	Decode(d *Decoder) error
}

// Encoder serializes jute primitives into a growing buffer. All integers
// are big-endian, strings and buffers are length-prefixed with an int32,
// and a nil buffer is encoded as length -1.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder {
	return &Encoder{}
}

// Bytes returns the encoded contents. The returned slice aliases the
// encoder's internal buffer.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

func (e *Encoder) Int32(v int32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(v))
}

func (e *Encoder) Int64(v int64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, uint64(v))
}

func (e *Encoder) Bool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

func (e *Encoder) Buffer(b []byte) {
	if b == nil {
		e.Int32(-1)
		return
	}
	e.Int32(int32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *Encoder) String(s string) {
	e.Int32(int32(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *Encoder) Strings(ss []string) {
	e.Int32(int32(len(ss)))
	for _, s := range ss {
		e.String(s)
	}
}

// Marshal encodes the given records back to back and returns the combined
// bytes, without any frame length prefix.
func Marshal(recs ...Encodable) []byte {
	e := NewEncoder()
	for _, rec := range recs {
		rec.Encode(e)
	}
	return e.Bytes()
}

// Decoder reads jute primitives out of a single frame. Errors are sticky:
// after the first failure every read returns a zero value and Err reports
// the original error.
type Decoder struct {
	buf []byte
	off int
	err error
}

func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

func (d *Decoder) Err() error {
	return d.err
}

// Offset returns the number of bytes consumed so far.
func (d *Decoder) Offset() int {
	return d.off
}

// Remaining returns the bytes not yet consumed.
func (d *Decoder) Remaining() []byte {
	return d.buf[d.off:]
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.off+n > len(d.buf) {
		d.err = fmt.Errorf("%w: need %d bytes at offset %d of %d", ErrShortBuffer, n, d.off, len(d.buf))
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *Decoder) Int32() int32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func (d *Decoder) Int64() int64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (d *Decoder) Bool() bool {
	b := d.take(1)
	if b == nil {
		return false
	}
	return b[0] != 0
}

func (d *Decoder) Buffer() []byte {
	n := d.Int32()
	if d.err != nil || n < 0 {
		return nil
	}
	b := d.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (d *Decoder) String() string {
	n := d.Int32()
	if d.err != nil || n < 0 {
		return ""
	}
	b := d.take(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}

func (d *Decoder) Strings() []string {
	n := d.Int32()
	if d.err != nil || n <= 0 {
		return nil
	}
	ss := make([]string, 0, n)
	for i := int32(0); i < n; i++ {
		ss = append(ss, d.String())
		if d.err != nil {
			return nil
		}
	}
	return ss
}

// Unmarshal decodes the given records one after another from a single frame.
func Unmarshal(buf []byte, recs ...Decodable) error {
	d := NewDecoder(buf)
	for _, rec := range recs {
		if err := rec.Decode(d); err != nil {
			return err
		}
	}
	return nil
}
