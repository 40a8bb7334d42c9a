package config

import (
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"deckbridge/pkg/companion"
	"deckbridge/pkg/device/inch35"
	"deckbridge/pkg/device/remote"
	"deckbridge/pkg/device/virtual"
	"deckbridge/pkg/link"
	"deckbridge/pkg/transcode"
)

const (
	RoleStandalone = "standalone"
	RoleGateway    = "gateway"
	RoleLeaf       = "leaf"
)

type Config struct {
	Role      string               `yaml:"role"`
	Log       LogConfig            `yaml:"log"`
	Host      HostConfig           `yaml:"host"`
	Registry  RegistryConfig       `yaml:"registry"`
	Transcode TranscodeConfig      `yaml:"transcode"`
	Link      LinkConfig           `yaml:"link"`
	Gateway   remote.GatewayConfig `yaml:"gateway"`
	Leaf      remote.LeafConfig    `yaml:"leaf"`
	Devices   DevicesConfig        `yaml:"devices"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// HostConfig is the Companion satellite connection.
type HostConfig struct {
	Addr         string             `yaml:"addr"`
	MaxLine      Size               `yaml:"max_line"`
	PingInterval time.Duration      `yaml:"ping_interval"`
	AckSuccess   bool               `yaml:"ack_success"`
	Backoff      link.BackoffConfig `yaml:"backoff"`
}

type RegistryConfig struct {
	Brightness   int `yaml:"brightness"`
	NoticeBuffer int `yaml:"notice_buffer"`
}

type TranscodeConfig struct {
	JPEGQuality int    `yaml:"jpeg_quality"`
	Filter      string `yaml:"filter"`
	MaxSource   Size   `yaml:"max_source"`
	// MaxPixels bounds the declared dimensions of an encoded host bitmap.
	MaxPixels int `yaml:"max_pixels"`
}

type LinkConfig struct {
	MaxPacket Size `yaml:"max_packet"`
}

type DevicesConfig struct {
	PollInterval time.Duration  `yaml:"poll_interval"`
	PortDepth    int            `yaml:"port_depth"`
	Virtual      virtual.Config `yaml:"virtual"`
	Inch35       inch35.Config  `yaml:"inch35"`
}

func Default() *Config {
	return &Config{
		Role: RoleStandalone,
		Log:  LogConfig{Level: "info"},
		Host: HostConfig{
			Addr:         companion.DefaultAddr,
			MaxLine:      Size(companion.DefaultMaxLine),
			PingInterval: companion.DefaultPingInterval,
		},
		Registry: RegistryConfig{
			Brightness:   100,
			NoticeBuffer: 256,
		},
		Transcode: TranscodeConfig{
			JPEGQuality: 90,
			Filter:      "lanczos",
			MaxSource:   1 << 20,
			MaxPixels:   1 << 20,
		},
		Link: LinkConfig{MaxPacket: link.DefaultMaxPacket},
		Gateway: remote.GatewayConfig{
			QueueDepth:   link.DefaultQueueDepth,
			PingInterval: remote.DefaultPingInterval,
			DialTimeout:  remote.DefaultDialTimeout,
		},
		Leaf: remote.LeafConfig{
			Listen:   ":7420",
			Compress: true,
		},
		Devices: DevicesConfig{
			PollInterval: time.Second,
		},
	}
}

// Load reads path from fs over the defaults. An empty path yields the defaults.
func Load(fs afero.Fs, path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Role {
	case RoleStandalone, RoleGateway:
		if c.Host.Addr == "" {
			return errors.New("host.addr is required")
		}
	case RoleLeaf:
		if c.Leaf.Listen == "" {
			return errors.New("leaf.listen is required")
		}
		if _, err := link.ParseEndpoint(c.Leaf.Listen); err != nil {
			return errors.Wrap(err, "leaf.listen")
		}
	default:
		return errors.Errorf("unknown role %q, want one of %s", c.Role, strings.Join([]string{RoleStandalone, RoleGateway, RoleLeaf}, ", "))
	}

	if c.Role == RoleGateway {
		if len(c.Gateway.Leaves) == 0 {
			return errors.New("gateway.leaves needs at least one leaf")
		}
		for _, l := range c.Gateway.Leaves {
			if _, err := link.ParseEndpoint(l); err != nil {
				return errors.Wrap(err, "gateway.leaves")
			}
		}
	}

	if c.Host.MaxLine <= 0 {
		return errors.New("host.max_line must be positive")
	}
	if c.Registry.Brightness < 0 || c.Registry.Brightness > 100 {
		return errors.Errorf("registry.brightness %d is outside 0-100", c.Registry.Brightness)
	}
	if c.Transcode.JPEGQuality < 1 || c.Transcode.JPEGQuality > 100 {
		return errors.Errorf("transcode.jpeg_quality %d is outside 1-100", c.Transcode.JPEGQuality)
	}
	if _, ok := transcode.FilterByName(c.Transcode.Filter); !ok {
		return errors.Errorf("unknown transcode.filter %q", c.Transcode.Filter)
	}
	if c.Link.MaxPacket < 64 {
		return errors.Errorf("link.max_packet %s is too small", c.Link.MaxPacket)
	}
	return nil
}
