// Package packet frames and deframes SSH binary packets over a raw byte
// stream, RFC 4253 Section 6.
//
// # Packet Structure
//
//	┌─────────────────────────────────────────────────────────┐
//	│  packet_length (4 bytes) - length of the rest, no MAC   │
//	├─────────────────────────────────────────────────────────┤
//	│  padding_length (1 byte)                                │
//	├─────────────────────────────────────────────────────────┤
//	│  payload (variable) - compressed when negotiated        │
//	├─────────────────────────────────────────────────────────┤
//	│  random padding (4..255 bytes)                          │
//	├─────────────────────────────────────────────────────────┤
//	│  MAC (variable) - absent before the first key exchange  │
//	└─────────────────────────────────────────────────────────┘
//
// The total length excluding the MAC must be a multiple of the cipher block
// size, or 8 when no cipher is in effect. All multi-byte integers are
// big-endian.
//
// Each direction owns an independent cipher/MAC/compression state and a
// wrapping 32-bit sequence number that starts at zero and increments once
// per packet, MAC'd or not. The key exchange engine installs new states at
// the NEWKEYS boundary: the write state right after NEWKEYS is sent, the
// read state right after the peer's NEWKEYS is received. The codec itself
// only sequences crypto correctly (compress before encrypt on send, decrypt
// before decompress on receive); the primitives come from the ciphersuite
// package.
//
// The codec is not safe for concurrent use; the session serializes access
// per direction. Traffic is the exception: its counters are read by the
// re-key policy while packets move.
package packet

import (
	"bufio"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/smnsjas/go-sshcore/ciphersuite"
)

const (
	// DefaultMaxPacket bounds the declared packet length. Anything larger
	// is a protocol violation, fatal to the session.
	DefaultMaxPacket = 256 * 1024

	lengthSize  = 4
	padLenSize  = 1
	minPadding  = 4
	minBlock    = 8
	maxPadding  = 255
)

var (
	// ErrPacketTooLarge is returned when the declared length exceeds the
	// configured maximum. Fatal; no retry.
	ErrPacketTooLarge = errors.New("packet: declared length exceeds maximum")
	// ErrMACMismatch is returned when the integrity tag does not verify.
	// Fatal; no retry.
	ErrMACMismatch = errors.New("packet: MAC verification failed")
	// ErrBadPadding is returned for an impossible padding length. Fatal.
	ErrBadPadding = errors.New("packet: invalid padding length")
)

// CipherState is the per-direction crypto state installed at a
// kex-complete boundary.
type CipherState struct {
	Cipher     ciphersuite.Stream
	MAC        ciphersuite.MAC
	Compressor ciphersuite.Compressor
	BlockSize  int
}

func (s *CipherState) blockSize() int {
	if s == nil || s.BlockSize < minBlock {
		return minBlock
	}
	return s.BlockSize
}

// halfConn is one direction of the codec. The crypto state and sequence
// number are single-writer, serialized by the session's per-direction
// locks; the traffic counters are atomic so the re-key policy can read
// them from another goroutine.
type halfConn struct {
	state   *CipherState
	seqNum  uint32
	packets atomic.Uint64
	bytes   atomic.Uint64
}

// Codec frames packets onto a writer and deframes them from a reader.
type Codec struct {
	br   *bufio.Reader
	bw   *bufio.Writer
	rand io.Reader

	maxPacket uint32
	read      halfConn
	write     halfConn
}

// Config carries optional codec settings.
type Config struct {
	// MaxPacket bounds inbound declared packet lengths.
	// Zero means DefaultMaxPacket.
	MaxPacket uint32
	// Rand supplies padding bytes. Nil means crypto/rand.
	Rand io.Reader
}

// NewCodec wraps a bidirectional byte stream. Both directions start with
// no cipher, no MAC and no compression, as required before the first kex.
func NewCodec(rw io.ReadWriter, cfg Config) *Codec {
	if cfg.MaxPacket == 0 {
		cfg.MaxPacket = DefaultMaxPacket
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	return &Codec{
		br:        bufio.NewReader(rw),
		bw:        bufio.NewWriter(rw),
		rand:      cfg.Rand,
		maxPacket: cfg.MaxPacket,
	}
}

// InstallWriteState switches the outbound crypto state. Called immediately
// after NEWKEYS is sent, never mid-packet.
func (c *Codec) InstallWriteState(s *CipherState) {
	c.write.state = s
}

// InstallReadState switches the inbound crypto state. Called immediately
// after the peer's NEWKEYS is received.
func (c *Codec) InstallReadState(s *CipherState) {
	c.read.state = s
}

// ReadSeq returns the sequence number of the next inbound packet.
func (c *Codec) ReadSeq() uint32 { return c.read.seqNum }

// WriteSeq returns the sequence number of the next outbound packet.
func (c *Codec) WriteSeq() uint32 { return c.write.seqNum }

// Traffic returns total packets and payload bytes moved in both
// directions, feeding the re-key policy. Safe to call concurrently with
// ReadPacket and WritePacket.
func (c *Codec) Traffic() (packets, bytes uint64) {
	return c.read.packets.Load() + c.write.packets.Load(),
		c.read.bytes.Load() + c.write.bytes.Load()
}

// WritePacket frames, compresses, pads, MACs and encrypts one payload.
func (c *Codec) WritePacket(payload []byte) error {
	st := c.write.state

	if st != nil && st.Compressor != nil {
		var err error
		payload, err = st.Compressor.Compress(payload)
		if err != nil {
			return fmt.Errorf("packet: compress: %w", err)
		}
	}

	block := st.blockSize()
	// length||padlen||payload||padding must be a multiple of the block
	// size, with at least 4 bytes of padding.
	padding := block - (lengthSize+padLenSize+len(payload))%block
	if padding < minPadding {
		padding += block
	}
	if padding > maxPadding {
		return fmt.Errorf("packet: computed padding %d out of range", padding)
	}

	packetLen := padLenSize + len(payload) + padding
	buf := make([]byte, lengthSize+packetLen)
	binary.BigEndian.PutUint32(buf[0:lengthSize], uint32(packetLen))
	buf[lengthSize] = byte(padding)
	copy(buf[lengthSize+padLenSize:], payload)
	if _, err := io.ReadFull(c.rand, buf[lengthSize+padLenSize+len(payload):]); err != nil {
		return fmt.Errorf("packet: padding: %w", err)
	}

	var tag []byte
	if st != nil && st.MAC != nil {
		tag = st.MAC.Sum(c.write.seqNum, buf)
	}
	if st != nil && st.Cipher != nil {
		st.Cipher.XORKeyStream(buf, buf)
	}

	if _, err := c.bw.Write(buf); err != nil {
		return err
	}
	if len(tag) > 0 {
		if _, err := c.bw.Write(tag); err != nil {
			return err
		}
	}
	if err := c.bw.Flush(); err != nil {
		return err
	}

	c.write.seqNum++ // wraps at 2^32
	c.write.packets.Add(1)
	c.write.bytes.Add(uint64(len(payload)))
	return nil
}

// ReadPacket deframes one packet and returns its payload. The returned
// slice is freshly allocated. Any framing, MAC or length failure is fatal
// to the session; the caller must not retry.
func (c *Codec) ReadPacket() ([]byte, error) {
	st := c.read.state
	block := st.blockSize()

	first := make([]byte, block)
	if _, err := io.ReadFull(c.br, first); err != nil {
		return nil, err
	}
	if st != nil && st.Cipher != nil {
		st.Cipher.XORKeyStream(first, first)
	}

	packetLen := binary.BigEndian.Uint32(first[0:lengthSize])
	if packetLen > c.maxPacket {
		return nil, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, packetLen, c.maxPacket)
	}
	if packetLen < padLenSize+minPadding {
		return nil, fmt.Errorf("%w: declared length %d", ErrBadPadding, packetLen)
	}
	if (lengthSize+int(packetLen))%block != 0 {
		return nil, fmt.Errorf("%w: length %d not aligned to block %d", ErrBadPadding, packetLen, block)
	}

	full := make([]byte, lengthSize+packetLen)
	copy(full, first)
	rest := full[block:]
	if _, err := io.ReadFull(c.br, rest); err != nil {
		return nil, err
	}
	if st != nil && st.Cipher != nil {
		st.Cipher.XORKeyStream(rest, rest)
	}

	if st != nil && st.MAC != nil {
		tag := make([]byte, st.MAC.Size())
		if _, err := io.ReadFull(c.br, tag); err != nil {
			return nil, err
		}
		want := st.MAC.Sum(c.read.seqNum, full)
		if subtle.ConstantTimeCompare(tag, want) != 1 {
			return nil, ErrMACMismatch
		}
	}

	padding := int(full[lengthSize])
	if padding < minPadding || padding >= int(packetLen) {
		return nil, fmt.Errorf("%w: %d of packet length %d", ErrBadPadding, padding, packetLen)
	}

	payload := full[lengthSize+padLenSize : lengthSize+int(packetLen)-padding]
	if st != nil && st.Compressor != nil {
		var err error
		payload, err = st.Compressor.Decompress(payload)
		if err != nil {
			return nil, fmt.Errorf("packet: decompress: %w", err)
		}
	}

	out := make([]byte, len(payload))
	copy(out, payload)

	c.read.seqNum++
	c.read.packets.Add(1)
	c.read.bytes.Add(uint64(len(out)))
	return out, nil
}
