package link

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"deckbridge/pkg/proto"
)

// Hello announces one leaf device on a slot. It is the only variable length upstream packet
// and is sent once per device before any other traffic.
type Hello struct {
	Serial proto.DeviceID     `cbor:"1,keyasint"`
	Caps   proto.Capabilities `cbor:"2,keyasint"`
	// LZ4 is set when the leaf accepts compressed key images.
	LZ4 bool `cbor:"3,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encoder mode: %v", err))
	}

	// unknown fields from newer leaves are ignored
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decoder mode: %v", err))
	}
}

func EncodeHello(h Hello, slot uint8) (Packet, error) {
	payload, err := encMode.Marshal(h)
	if err != nil {
		return Packet{}, errors.Wrap(err, "encode hello")
	}
	return Packet{Kind: KindHello, Slot: slot, Payload: payload}, nil
}

func DecodeHello(p Packet) (Hello, error) {
	if p.Kind != KindHello {
		return Hello{}, errors.Errorf("%s is not a hello", p.Kind)
	}
	var h Hello
	if err := decMode.Unmarshal(p.Payload, &h); err != nil {
		return Hello{}, errors.Wrap(err, "decode hello")
	}
	if h.Serial == "" {
		return Hello{}, errors.New("hello without serial")
	}
	return h, nil
}
