package link

import (
	"encoding/binary"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"

	"deckbridge/pkg/proto"
)

const (
	edgeUp   = 0
	edgeDown = 1
)

// EncodeFrame builds the downstream packet for f on slot. With compress set, key images are
// sent LZ4 compressed when that makes them smaller.
func EncodeFrame(f proto.Frame, slot uint8, compress bool) (Packet, error) {
	switch f.Kind {
	case proto.FrameKeyImage:
		if f.Key < 0 || f.Key > 0xFF {
			return Packet{}, errors.Errorf("key %d does not fit a packet", f.Key)
		}
		if compress {
			if p, ok := compressKeyImage(f, slot); ok {
				return p, nil
			}
		}
		payload := make([]byte, 0, 1+len(f.Data))
		payload = append(payload, byte(f.Key))
		return Packet{Kind: KindKeyImage, Slot: slot, Payload: append(payload, f.Data...)}, nil

	case proto.FrameLCDImage:
		payload := make([]byte, 0, 6+len(f.Data))
		payload = binary.BigEndian.AppendUint16(payload, uint16(f.X))
		payload = binary.BigEndian.AppendUint16(payload, uint16(f.Width))
		payload = binary.BigEndian.AppendUint16(payload, uint16(f.Height))
		return Packet{Kind: KindLCDImage, Slot: slot, Payload: append(payload, f.Data...)}, nil

	case proto.FrameBrightness:
		level := f.Level
		if level < 0 {
			level = 0
		} else if level > 0xFF {
			level = 0xFF
		}
		return Packet{Kind: KindBrightness, Slot: slot, Payload: []byte{byte(level)}}, nil

	case proto.FrameReset:
		return Packet{Kind: KindReset, Slot: slot}, nil
	}
	return Packet{}, errors.Errorf("frame %s has no packet form", f.Kind)
}

func compressKeyImage(f proto.Frame, slot uint8) (Packet, bool) {
	dst := make([]byte, 5+lz4.CompressBlockBound(len(f.Data)))
	n, err := lz4.CompressBlock(f.Data, dst[5:], nil)
	if err != nil || n == 0 || n >= len(f.Data) {
		return Packet{}, false
	}
	dst[0] = byte(f.Key)
	binary.BigEndian.PutUint32(dst[1:5], uint32(len(f.Data)))
	return Packet{Kind: KindKeyImageLZ4, Slot: slot, Payload: dst[:5+n]}, true
}

// DecodeFrame turns a downstream packet back into a frame. The device id is left for the
// caller, which knows the slot mapping.
func DecodeFrame(p Packet, maxImage int) (proto.Frame, error) {
	switch p.Kind {
	case KindKeyImage:
		if len(p.Payload) < 1 {
			return proto.Frame{}, errors.New("short key image")
		}
		return proto.Frame{Kind: proto.FrameKeyImage, Key: int(p.Payload[0]), Data: p.Payload[1:]}, nil

	case KindKeyImageLZ4:
		if len(p.Payload) < 5 {
			return proto.Frame{}, errors.New("short compressed key image")
		}
		size := int(binary.BigEndian.Uint32(p.Payload[1:5]))
		if maxImage > 0 && size > maxImage {
			return proto.Frame{}, errors.Errorf("compressed key image claims %d bytes", size)
		}
		data := make([]byte, size)
		n, err := lz4.UncompressBlock(p.Payload[5:], data)
		if err != nil {
			return proto.Frame{}, errors.Wrap(err, "lz4")
		}
		if n != size {
			return proto.Frame{}, errors.Errorf("lz4: got %d bytes, want %d", n, size)
		}
		return proto.Frame{Kind: proto.FrameKeyImage, Key: int(p.Payload[0]), Data: data}, nil

	case KindLCDImage:
		if len(p.Payload) < 6 {
			return proto.Frame{}, errors.New("short lcd image")
		}
		return proto.Frame{
			Kind:   proto.FrameLCDImage,
			X:      int(binary.BigEndian.Uint16(p.Payload[0:])),
			Width:  int(binary.BigEndian.Uint16(p.Payload[2:])),
			Height: int(binary.BigEndian.Uint16(p.Payload[4:])),
			Data:   p.Payload[6:],
		}, nil

	case KindBrightness:
		if len(p.Payload) != 1 {
			return proto.Frame{}, errors.New("bad brightness payload")
		}
		return proto.Frame{Kind: proto.FrameBrightness, Level: int(p.Payload[0])}, nil

	case KindReset:
		return proto.Frame{Kind: proto.FrameReset}, nil
	}
	return proto.Frame{}, errors.Errorf("%s is not a frame packet", p.Kind)
}

// EncodeEvent builds the fixed size upstream packet for a key or encoder event.
func EncodeEvent(ev proto.InputEvent, slot uint8) (Packet, error) {
	if ev.Key < 0 || ev.Key > 0xFF {
		return Packet{}, errors.Errorf("key %d does not fit a packet", ev.Key)
	}

	switch ev.Kind {
	case proto.KeyDown:
		return Packet{Kind: KindKey, Slot: slot, Payload: []byte{byte(ev.Key), edgeDown}}, nil
	case proto.KeyUp:
		return Packet{Kind: KindKey, Slot: slot, Payload: []byte{byte(ev.Key), edgeUp}}, nil
	case proto.EncoderTurn:
		delta := ev.Delta
		if delta < -128 {
			delta = -128
		} else if delta > 127 {
			delta = 127
		}
		return Packet{Kind: KindEncoder, Slot: slot, Payload: []byte{byte(ev.Key), byte(int8(delta))}}, nil
	case proto.DeviceRemoved:
		return Packet{Kind: KindRemoved, Slot: slot}, nil
	}
	return Packet{}, errors.Errorf("event %s has no packet form", ev.Kind)
}

func DecodeEvent(p Packet) (proto.InputEvent, error) {
	switch p.Kind {
	case KindKey:
		if len(p.Payload) != 2 {
			return proto.InputEvent{}, errors.New("bad key payload")
		}
		kind := proto.KeyUp
		if p.Payload[1] == edgeDown {
			kind = proto.KeyDown
		}
		return proto.InputEvent{Kind: kind, Key: int(p.Payload[0])}, nil

	case KindEncoder:
		if len(p.Payload) != 2 {
			return proto.InputEvent{}, errors.New("bad encoder payload")
		}
		return proto.InputEvent{Kind: proto.EncoderTurn, Key: int(p.Payload[0]), Delta: int(int8(p.Payload[1]))}, nil

	case KindRemoved:
		return proto.InputEvent{Kind: proto.DeviceRemoved}, nil
	}
	return proto.InputEvent{}, errors.Errorf("%s is not an event packet", p.Kind)
}
