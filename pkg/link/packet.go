package link

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/pkg/errors"
)

// Kind is the first body byte of a packet.
type Kind uint8

const (
	// gateway -> leaf
	KindKeyImage    Kind = 0x01
	KindKeyImageLZ4 Kind = 0x02
	KindLCDImage    Kind = 0x03
	KindBrightness  Kind = 0x04
	KindReset       Kind = 0x05

	// leaf -> gateway
	KindHello     Kind = 0x10
	KindHelloDone Kind = 0x11
	KindKey       Kind = 0x12
	KindEncoder   Kind = 0x13
	KindRemoved   Kind = 0x14

	// either direction
	KindPing Kind = 0x20
	KindPong Kind = 0x21
)

var kindNames = map[Kind]string{
	KindKeyImage:    "key-image",
	KindKeyImageLZ4: "key-image-lz4",
	KindLCDImage:    "lcd-image",
	KindBrightness:  "brightness",
	KindReset:       "reset",
	KindHello:       "hello",
	KindHelloDone:   "hello-done",
	KindKey:         "key",
	KindEncoder:     "encoder",
	KindRemoved:     "removed",
	KindPing:        "ping",
	KindPong:        "pong",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(0x%02x)", uint8(k))
}

func (k Kind) Known() bool {
	_, ok := kindNames[k]
	return ok
}

const (
	lengthLen   = 4
	checksumLen = 4
	// kind + slot
	bodyHeaderLen = 2

	DefaultMaxPacket = 256 * 1024
)

var ErrChecksum = errors.New("checksum mismatch")

// Packet is one framed unit on a gateway-leaf link:
//
//	[u32 BE length][u8 kind][u8 slot][payload][u32 BE CRC-32 IEEE]
//
// length counts kind, slot and payload; the checksum covers the same bytes.
type Packet struct {
	Kind    Kind
	Slot    uint8
	Payload []byte
}

func (p Packet) String() string {
	return fmt.Sprintf("%s[slot=%d %dB]", p.Kind, p.Slot, len(p.Payload))
}

// AppendBinary appends the wire form of p to dst.
func (p Packet) AppendBinary(dst []byte) []byte {
	n := bodyHeaderLen + len(p.Payload)
	dst = binary.BigEndian.AppendUint32(dst, uint32(n))
	start := len(dst)
	dst = append(dst, byte(p.Kind), p.Slot)
	dst = append(dst, p.Payload...)
	return binary.BigEndian.AppendUint32(dst, crc32.ChecksumIEEE(dst[start:]))
}

func (p Packet) MarshalBinary() ([]byte, error) {
	return p.AppendBinary(make([]byte, 0, lengthLen+bodyHeaderLen+len(p.Payload)+checksumLen)), nil
}

// UnmarshalBinary decodes exactly one packet. The payload is copied.
func (p *Packet) UnmarshalBinary(data []byte) error {
	if len(data) < lengthLen+bodyHeaderLen+checksumLen {
		return errors.Errorf("packet of %d bytes is too short", len(data))
	}
	n := int(binary.BigEndian.Uint32(data))
	if lengthLen+n+checksumLen != len(data) || n < bodyHeaderLen {
		return errors.Errorf("length field %d does not match %d bytes", n, len(data))
	}
	if !checksumValid(data) {
		return errors.WithStack(ErrChecksum)
	}
	body := data[lengthLen : lengthLen+n]

	p.Kind = Kind(body[0])
	p.Slot = body[1]
	p.Payload = append([]byte(nil), body[bodyHeaderLen:]...)
	return nil
}

// checksumValid reports whether frame, a whole packet with a consistent length field, carries
// the CRC of its body.
func checksumValid(frame []byte) bool {
	end := len(frame) - checksumLen
	return crc32.ChecksumIEEE(frame[lengthLen:end]) == binary.BigEndian.Uint32(frame[end:])
}

// WritePacket writes p with a single Write call.
func WritePacket(w io.Writer, p Packet) error {
	buf, _ := p.MarshalBinary()
	if _, err := w.Write(buf); err != nil {
		return errors.Wrapf(err, "write %s", p.Kind)
	}
	return nil
}
