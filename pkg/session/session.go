package session

import (
	"context"
	"image/color"
	"sort"

	"github.com/zeebo/blake3"

	"deckbridge/pkg/proto"
)

// Sink accepts frames for one device. Send may block; that is how a slow writer pushes back
// on the host connection.
type Sink interface {
	Send(ctx context.Context, f proto.Frame) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, f proto.Frame) error

func (fn SinkFunc) Send(ctx context.Context, f proto.Frame) error {
	return fn(ctx, f)
}

// Info describes a device being attached.
type Info struct {
	ID   proto.DeviceID
	Caps proto.Capabilities
	// Origin names the transport that owns the device, e.g. "local" or a leaf address.
	Origin string
}

// Attachment is the result of Attach. Resync holds the frames that bring the device up to
// date with what the host last drew.
type Attachment struct {
	Index  int
	Reused bool
	Resync []proto.Frame
}

// Snapshot is a read-only copy of a session.
type Snapshot struct {
	ID         proto.DeviceID
	Index      int
	Origin     string
	Status     proto.Status
	Caps       proto.Capabilities
	Brightness int
	Registered bool
	Keys       []int
}

type digest [32]byte

type cached struct {
	sum   digest
	frame proto.Frame
}

type session struct {
	id         proto.DeviceID
	index      int
	origin     string
	status     proto.Status
	caps       proto.Capabilities
	brightness int
	registered bool
	sink       Sink
	cache      map[int]cached
}

func newSession(info Info, index, brightness int, sink Sink) *session {
	return &session{
		id:         info.ID,
		index:      index,
		origin:     info.Origin,
		status:     proto.Ready,
		caps:       info.Caps,
		brightness: brightness,
		sink:       sink,
		cache:      make(map[int]cached),
	}
}

func (s *session) tombstoned() bool {
	return s.status == proto.Removed
}

func (s *session) snapshot() Snapshot {
	keys := make([]int, 0, len(s.cache))
	for k := range s.cache {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	return Snapshot{
		ID:         s.id,
		Index:      s.index,
		Origin:     s.origin,
		Status:     s.status,
		Caps:       s.caps,
		Brightness: s.brightness,
		Registered: s.registered,
		Keys:       keys,
	}
}

func bitmapDigest(format proto.SourceFormat, data []byte) digest {
	h := blake3.New()
	_, _ = h.Write([]byte{'b', byte(format)})
	_, _ = h.Write(data)

	var d digest
	copy(d[:], h.Sum(nil))
	return d
}

func colorDigest(c color.RGBA) digest {
	return blake3.Sum256([]byte{'c', c.R, c.G, c.B, c.A})
}
