// Package wire defines the SSH2 message types and the primitive encodings
// they are built from.
//
// SSH messages are the payload of a binary packet (see the packet package).
// The first payload byte is the message type code; the rest is a sequence of
// primitive values encoded per RFC 4251 Section 5.
//
// # Primitive Encodings
//
//	byte       - single octet
//	boolean    - single octet, 0 = false, anything else = true
//	uint32     - 4 bytes, big-endian
//	string     - uint32 length followed by that many bytes
//	name-list  - string containing comma-separated names
//	mpint      - string containing a signed big-endian integer, minimal
//	             length, leading 0x00 added when the high bit is set
//
// # Byte Order (Endianness)
//
// ALL multi-byte integer fields use BIG-ENDIAN (network byte order), per
// RFC 4251 Section 5. There is no mixed-endian layer in SSH.
//
// # Message Categories
//
// Message type codes are partitioned by RFC 4250 Section 4.1.2:
//
//   - 1..19: transport layer generic (disconnect, ignore, debug, service)
//   - 20..29: algorithm negotiation (kexinit, newkeys)
//   - 30..49: key exchange method specific
//   - 50..59: user authentication generic
//   - 60..79: user authentication method specific
//   - 80..89: connection layer generic (global requests)
//   - 90..127: channel messages
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	// ErrShortBuffer is returned when a decoder runs out of input bytes.
	ErrShortBuffer = errors.New("wire: short buffer")
	// ErrUnknownMessage is returned by Decode for an unrecognized type code.
	ErrUnknownMessage = errors.New("wire: unknown message type")
	// ErrTrailingBytes is returned when a message leaves undecoded bytes.
	ErrTrailingBytes = errors.New("wire: trailing bytes after message")
)

// Reader decodes SSH primitive values from a byte slice.
// Each method consumes from the front of the remaining input.
type Reader struct {
	buf []byte
}

// NewReader returns a Reader over buf. The slice is not copied.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Len returns the number of unconsumed bytes.
func (r *Reader) Len() int {
	return len(r.buf)
}

// Byte consumes a single octet.
func (r *Reader) Byte() (byte, error) {
	if len(r.buf) < 1 {
		return 0, ErrShortBuffer
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b, nil
}

// Bool consumes a boolean octet.
func (r *Reader) Bool() (bool, error) {
	b, err := r.Byte()
	return b != 0, err
}

// Uint32 consumes a big-endian uint32.
func (r *Reader) Uint32() (uint32, error) {
	if len(r.buf) < 4 {
		return 0, ErrShortBuffer
	}
	v := binary.BigEndian.Uint32(r.buf[:4])
	r.buf = r.buf[4:]
	return v, nil
}

// Bytes consumes a length-prefixed string as raw bytes.
// The returned slice aliases the input.
func (r *Reader) Bytes() ([]byte, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	if uint64(len(r.buf)) < uint64(n) {
		return nil, ErrShortBuffer
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b, nil
}

// String consumes a length-prefixed string.
func (r *Reader) String() (string, error) {
	b, err := r.Bytes()
	return string(b), err
}

// NameList consumes a comma-separated name-list.
func (r *Reader) NameList() ([]string, error) {
	s, err := r.String()
	if err != nil {
		return nil, err
	}
	if s == "" {
		return nil, nil
	}
	return strings.Split(s, ","), nil
}

// Mpint consumes a multiple-precision integer.
func (r *Reader) Mpint() (*big.Int, error) {
	b, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	if len(b) > 0 && b[0]&0x80 != 0 {
		return nil, fmt.Errorf("wire: negative mpint not supported")
	}
	return new(big.Int).SetBytes(b), nil
}

// Rest consumes and returns all remaining bytes.
func (r *Reader) Rest() []byte {
	b := r.buf
	r.buf = nil
	return b
}

// Writer encodes SSH primitive values into a growing byte slice.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Byte appends a single octet.
func (w *Writer) Byte(b byte) *Writer {
	w.buf = append(w.buf, b)
	return w
}

// Bool appends a boolean octet.
func (w *Writer) Bool(v bool) *Writer {
	if v {
		return w.Byte(1)
	}
	return w.Byte(0)
}

// Uint32 appends a big-endian uint32.
func (w *Writer) Uint32(v uint32) *Writer {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
	return w
}

// Bytes appends a length-prefixed string from raw bytes.
func (w *Writer) Bytes(b []byte) *Writer {
	w.Uint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
	return w
}

// String appends a length-prefixed string.
func (w *Writer) String(s string) *Writer {
	w.Uint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
	return w
}

// NameList appends a comma-separated name-list.
func (w *Writer) NameList(names []string) *Writer {
	return w.String(strings.Join(names, ","))
}

// Mpint appends a multiple-precision integer.
func (w *Writer) Mpint(v *big.Int) *Writer {
	return w.Bytes(MpintBytes(v))
}

// Raw appends bytes without a length prefix.
func (w *Writer) Raw(b []byte) *Writer {
	w.buf = append(w.buf, b...)
	return w
}

// Out returns the accumulated encoding.
func (w *Writer) Out() []byte {
	return w.buf
}

// MpintBytes returns the mpint body for a non-negative integer: minimal
// big-endian bytes, with a leading zero octet when the high bit is set.
func MpintBytes(v *big.Int) []byte {
	b := v.Bytes()
	if len(b) > 0 && b[0]&0x80 != 0 {
		return append([]byte{0}, b...)
	}
	return b
}
