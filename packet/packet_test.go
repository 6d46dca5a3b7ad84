package packet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/smnsjas/go-sshcore/ciphersuite"
)

// rw joins a read side and a write side into one stream for the codec.
type rw struct {
	io.Reader
	io.Writer
}

// suite builds matching write/read cipher states, as the kex engine would
// install them after NEWKEYS.
func suite(t *testing.T, cipherName, macName string) (*CipherState, *CipherState) {
	t.Helper()
	reg := ciphersuite.Default()

	newState := func() *CipherState {
		cs, err := reg.Cipher(cipherName)
		if err != nil {
			t.Fatal(err)
		}
		ms, err := reg.MAC(macName)
		if err != nil {
			t.Fatal(err)
		}
		key := make([]byte, cs.KeySize)
		iv := make([]byte, cs.IVSize)
		mkey := make([]byte, ms.KeySize)
		for i := range key {
			key[i] = byte(i)
		}
		for i := range iv {
			iv[i] = byte(i * 3)
		}
		for i := range mkey {
			mkey[i] = byte(i * 7)
		}
		stream, err := cs.New(key, iv)
		if err != nil {
			t.Fatal(err)
		}
		return &CipherState{
			Cipher:    stream,
			MAC:       ms.New(mkey),
			BlockSize: cs.BlockSize,
		}
	}
	return newState(), newState()
}

func TestRoundTripPlaintext(t *testing.T) {
	var buf bytes.Buffer
	enc := NewCodec(&buf, Config{})
	dec := NewCodec(&buf, Config{})

	payloads := [][]byte{
		{1},
		[]byte("hello"),
		make([]byte, 255),
		make([]byte, 4096),
		make([]byte, 32768),
	}
	for i, p := range payloads {
		for j := range p {
			p[j] = byte(i + j)
		}
		if err := enc.WritePacket(p); err != nil {
			t.Fatalf("WritePacket(len %d): %v", len(p), err)
		}
		got, err := dec.ReadPacket()
		if err != nil {
			t.Fatalf("ReadPacket(len %d): %v", len(p), err)
		}
		if !bytes.Equal(got, p) {
			t.Fatalf("payload %d mismatch: got %d bytes", i, len(got))
		}
	}
}

func TestRoundTripCiphers(t *testing.T) {
	tests := []struct {
		cipher string
		mac    string
	}{
		{"aes128-ctr", "hmac-sha2-256"},
		{"aes128-ctr", "hmac-sha1"},
		{"aes256-ctr", "hmac-sha2-256"},
		{"aes256-ctr", "hmac-sha1"},
	}

	for _, tt := range tests {
		t.Run(tt.cipher+"/"+tt.mac, func(t *testing.T) {
			var buf bytes.Buffer
			enc := NewCodec(&buf, Config{})
			dec := NewCodec(&buf, Config{})
			ws, rs := suite(t, tt.cipher, tt.mac)
			enc.InstallWriteState(ws)
			dec.InstallReadState(rs)

			for _, n := range []int{1, 5, 16, 17, 1000, 65536} {
				p := make([]byte, n)
				for i := range p {
					p[i] = byte(i)
				}
				if err := enc.WritePacket(p); err != nil {
					t.Fatalf("WritePacket(%d): %v", n, err)
				}
				got, err := dec.ReadPacket()
				if err != nil {
					t.Fatalf("ReadPacket(%d): %v", n, err)
				}
				if !bytes.Equal(got, p) {
					t.Fatalf("payload length %d mismatch", n)
				}
			}
		})
	}
}

func TestSequenceNumbers(t *testing.T) {
	var buf bytes.Buffer
	enc := NewCodec(&buf, Config{})
	dec := NewCodec(&buf, Config{})

	if enc.WriteSeq() != 0 || dec.ReadSeq() != 0 {
		t.Fatal("sequence numbers must start at zero")
	}
	for i := 1; i <= 5; i++ {
		if err := enc.WritePacket([]byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
		if _, err := dec.ReadPacket(); err != nil {
			t.Fatal(err)
		}
		if enc.WriteSeq() != uint32(i) {
			t.Fatalf("write seq after %d packets: %d", i, enc.WriteSeq())
		}
		if dec.ReadSeq() != uint32(i) {
			t.Fatalf("read seq after %d packets: %d", i, dec.ReadSeq())
		}
	}
}

func TestMACMismatchFatal(t *testing.T) {
	var buf bytes.Buffer
	enc := NewCodec(&buf, Config{})
	ws, rs := suite(t, "aes128-ctr", "hmac-sha2-256")
	enc.InstallWriteState(ws)

	if err := enc.WritePacket([]byte("payload")); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xFF // corrupt the MAC

	dec := NewCodec(rw{Reader: bytes.NewReader(raw)}, Config{})
	dec.InstallReadState(rs)
	if _, err := dec.ReadPacket(); !errors.Is(err, ErrMACMismatch) {
		t.Fatalf("expected ErrMACMismatch, got %v", err)
	}
}

func TestOversizeLengthRejected(t *testing.T) {
	// A declared 10 MiB length against the default 256 KiB limit must be
	// rejected before any further bytes are processed.
	raw := make([]byte, 64)
	binary.BigEndian.PutUint32(raw[0:4], 10*1024*1024)

	dec := NewCodec(rw{Reader: bytes.NewReader(raw)}, Config{})
	if _, err := dec.ReadPacket(); !errors.Is(err, ErrPacketTooLarge) {
		t.Fatalf("expected ErrPacketTooLarge, got %v", err)
	}
}

func TestCustomMaxPacket(t *testing.T) {
	var buf bytes.Buffer
	enc := NewCodec(&buf, Config{})
	if err := enc.WritePacket(make([]byte, 2048)); err != nil {
		t.Fatal(err)
	}

	dec := NewCodec(rw{Reader: bytes.NewReader(buf.Bytes())}, Config{MaxPacket: 1024})
	if _, err := dec.ReadPacket(); !errors.Is(err, ErrPacketTooLarge) {
		t.Fatalf("expected ErrPacketTooLarge, got %v", err)
	}
}

func TestPaddingAlignment(t *testing.T) {
	// Without a cipher the total framed length must be a multiple of 8.
	for n := 1; n < 70; n++ {
		var buf bytes.Buffer
		enc := NewCodec(&buf, Config{})
		if err := enc.WritePacket(make([]byte, n)); err != nil {
			t.Fatal(err)
		}
		if buf.Len()%8 != 0 {
			t.Fatalf("payload %d framed to %d bytes, not 8-aligned", n, buf.Len())
		}
	}
}

func TestTrafficCounters(t *testing.T) {
	var buf bytes.Buffer
	enc := NewCodec(&buf, Config{})
	if err := enc.WritePacket(make([]byte, 100)); err != nil {
		t.Fatal(err)
	}
	if err := enc.WritePacket(make([]byte, 50)); err != nil {
		t.Fatal(err)
	}
	packets, bytesMoved := enc.Traffic()
	if packets != 2 || bytesMoved != 150 {
		t.Fatalf("Traffic() = %d packets, %d bytes; want 2, 150", packets, bytesMoved)
	}
}

func TestTrafficConcurrentWithWrites(t *testing.T) {
	enc := NewCodec(rw{Reader: new(bytes.Buffer), Writer: io.Discard}, Config{})

	const n = 500
	done := make(chan error, 1)
	go func() {
		payload := make([]byte, 100)
		for i := 0; i < n; i++ {
			if err := enc.WritePacket(payload); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	// Poll while the writer runs; the counters must be readable without
	// the writer's lock and settle on the exact totals.
	deadline := time.Now().Add(5 * time.Second)
	for {
		packets, bytesMoved := enc.Traffic()
		if packets == n && bytesMoved == n*100 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Traffic() = %d packets, %d bytes; want %d, %d",
				packets, bytesMoved, n, n*100)
		}
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func BenchmarkWritePacket(b *testing.B) {
	payload := make([]byte, 32*1024)
	var buf bytes.Buffer
	enc := NewCodec(&buf, Config{})

	b.SetBytes(int64(len(payload)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		if err := enc.WritePacket(payload); err != nil {
			b.Fatal(err)
		}
	}
}
