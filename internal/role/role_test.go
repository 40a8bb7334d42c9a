package role

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap/zaptest"

	"deckbridge/internal/config"
	"deckbridge/pkg/device/virtual"
	"deckbridge/pkg/proto"
)

func TestNewLogger(t *testing.T) {
	l, err := NewLogger(config.LogConfig{Level: "debug"})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(-1))

	l, err = NewLogger(config.LogConfig{Development: true})
	require.NoError(t, err)
	assert.NotNil(t, l)

	_, err = NewLogger(config.LogConfig{Level: "chatty"})
	assert.Error(t, err)
}

func TestOptionsValidate(t *testing.T) {
	for _, r := range []string{config.RoleStandalone, config.RoleGateway, config.RoleLeaf} {
		t.Run(r, func(t *testing.T) {
			cfg := config.Default()
			cfg.Role = r
			cfg.Gateway.Leaves = []string{"127.0.0.1:7420"}
			cfg.Devices.Virtual.Devices = []virtual.Spec{{Serial: "V1", Model: "mk2"}}

			opts, err := Options(cfg, afero.NewMemMapFs(), zaptest.NewLogger(t))
			require.NoError(t, err)
			assert.NoError(t, fx.ValidateApp(opts))
		})
	}

	cfg := config.Default()
	cfg.Role = "relay"
	_, err := Options(cfg, afero.NewMemMapFs(), zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestStandaloneServesHost(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := config.Default()
	cfg.Host.Addr = ln.Addr().String()
	cfg.Host.PingInterval = time.Hour
	cfg.Devices.PollInterval = 10 * time.Millisecond
	cfg.Devices.Virtual.Devices = []virtual.Spec{{Serial: "V1", Model: "mk2"}}

	opts, err := Options(cfg, afero.NewMemMapFs(), zaptest.NewLogger(t))
	require.NoError(t, err)

	var drivers Drivers
	app := fxtest.New(t, opts, fx.Populate(&drivers))
	app.RequireStart()
	defer app.RequireStop()

	deck, ok := drivers["virtual"].(*virtual.Deck)
	require.True(t, ok)

	require.NoError(t, ln.(*net.TCPListener).SetDeadline(time.Now().Add(2*time.Second)))
	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))

	r := bufio.NewReader(conn)
	_, err = conn.Write([]byte("BEGIN CompanionVersion=3.4.0 ApiVersion=1.7.0\n"))
	require.NoError(t, err)
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "ADD-DEVICE DEVICEID=V1 ") {
			break
		}
	}

	_, err = conn.Write([]byte("KEY-STATE DEVICEID=V1 KEY=2 COLOR=#ff0000\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		f, ok := deck.Key("V1", 2)
		return ok && f.Kind == proto.FrameKeyImage
	}, 2*time.Second, 5*time.Millisecond)
}
