package remote

import (
	"context"
	"time"

	"deckbridge/pkg/link"
	"deckbridge/pkg/proto"
	"deckbridge/pkg/session"
)

const (
	DefaultPingInterval = 2 * time.Second
	DefaultDialTimeout  = 5 * time.Second

	// missed pings before a link is considered dead
	pingTolerance = 3
)

// LinkState is the lifecycle of one gateway-leaf link.
type LinkState uint32

const (
	Disconnected LinkState = iota
	Handshaking
	Streaming
	Draining
)

func (s LinkState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Handshaking:
		return "handshaking"
	case Streaming:
		return "streaming"
	case Draining:
		return "draining"
	}
	return "unknown"
}

type GatewayConfig struct {
	Leaves       []string           `yaml:"leaves"`
	QueueDepth   int                `yaml:"queue_depth"`
	PingInterval time.Duration      `yaml:"ping_interval"`
	DialTimeout  time.Duration      `yaml:"dial_timeout"`
	MaxPacket    int                `yaml:"-"`
	Backoff      link.BackoffConfig `yaml:"backoff"`
}

type LeafConfig struct {
	Listen string `yaml:"listen"`
	// Compress advertises LZ4 support for key images.
	Compress     bool          `yaml:"compress"`
	PollInterval time.Duration `yaml:"poll_interval"`
	PortDepth    int           `yaml:"port_depth"`
	MaxPacket    int           `yaml:"-"`
}

// Registry is the part of the session registry a leaf link drives.
type Registry interface {
	Attach(ctx context.Context, info session.Info, sink session.Sink) (session.Attachment, error)
	Remove(ctx context.Context, id proto.DeviceID) error
	MarkStale(ctx context.Context, id proto.DeviceID) error
	MarkConnecting(ctx context.Context, id proto.DeviceID) error
	Input(ctx context.Context, ev proto.InputEvent) error
	Forget(ctx context.Context, id proto.DeviceID, key int) error
	Deliver(ctx context.Context, frames []proto.Frame) error
}
