package inch35

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"deckbridge/pkg/proto"
)

const DefaultBaudRate = 115200

var ErrClosed = errors.New("panel closed")

type Config struct {
	// Ports are substrings of serial port names, one panel each.
	Ports  []string `yaml:"ports"`
	Invert bool     `yaml:"invert"`
	Mirror bool     `yaml:"mirror"`
}

// Driver exposes 3.5" panels as 4x6 grids of 80px keys. The panel has no input, so
// ReadEvent only returns when the handle closes.
type Driver struct {
	logger *zap.Logger
	cfg    Config
	caps   proto.Capabilities

	list func() ([]string, error)
	open func(name string) (io.ReadWriteCloser, error)

	mu     sync.Mutex
	panels map[proto.DeviceID]*opened
}

type opened struct {
	panel  *Panel
	closed chan struct{}
}

func New(logger *zap.Logger, cfg Config) *Driver {
	return newDriver(logger, cfg, func() ([]string, error) {
		return proto.NewSerial("").Ports()
	}, openSerial)
}

func newDriver(logger *zap.Logger, cfg Config, list func() ([]string, error), open func(string) (io.ReadWriteCloser, error)) *Driver {
	caps, _ := proto.CapabilitiesFor(proto.ModelInch35)
	return &Driver{
		logger: logger,
		cfg:    cfg,
		caps:   caps,
		list:   list,
		open:   open,
		panels: make(map[proto.DeviceID]*opened),
	}
}

func openSerial(name string) (io.ReadWriteCloser, error) {
	serial := proto.NewSerial(name)
	return serial, serial.Open(&proto.Options{
		DTR:         true,
		RTS:         true,
		BaudRate:    DefaultBaudRate,
		ReadTimeout: time.Millisecond,
	})
}

func (d *Driver) ListAttached() ([]proto.Handle, error) {
	if len(d.cfg.Ports) == 0 {
		return nil, nil
	}
	names, err := d.list()
	if err != nil {
		return nil, errors.Wrap(err, "list serial ports")
	}

	var out []proto.Handle
	for _, want := range d.cfg.Ports {
		if _, ok := lo.Find(names, func(n string) bool { return strings.Contains(n, want) }); ok {
			out = append(out, proto.Handle{ID: proto.DeviceID("inch35-" + want), Path: want})
		}
	}
	return out, nil
}

func (d *Driver) Open(h proto.Handle) (proto.Capabilities, error) {
	port, err := d.open(h.Path)
	if err != nil {
		return proto.Capabilities{}, err
	}

	panel := NewPanel(port, d.logger.With(zap.String("panel", h.Path)))
	setup := []func() error{
		panel.Startup,
		func() error { return panel.SetMirror(d.cfg.Mirror) },
		func() error { return panel.SetRotate(false, d.cfg.Invert) },
	}
	for _, step := range setup {
		if err := step(); err != nil {
			_ = panel.Close()
			return proto.Capabilities{}, err
		}
	}

	d.mu.Lock()
	d.panels[h.ID] = &opened{panel: panel, closed: make(chan struct{})}
	d.mu.Unlock()
	return d.caps, nil
}

func (d *Driver) get(id proto.DeviceID) (*opened, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.panels[id]
	if !ok {
		return nil, errors.Wrap(ErrClosed, string(id))
	}
	return o, nil
}

func (d *Driver) WriteFrame(h proto.Handle, f proto.Frame) error {
	o, err := d.get(h.ID)
	if err != nil {
		return err
	}

	switch f.Kind {
	case proto.FrameKeyImage:
		if f.Key < 0 || f.Key >= d.caps.KeyCount() {
			return errors.Errorf("key %d outside the panel grid", f.Key)
		}
		size := d.caps.KeySize
		x := (f.Key % d.caps.Columns) * size
		y := (f.Key / d.caps.Columns) * size
		return o.panel.DrawRaw(x, y, size, size, f.Data)
	case proto.FrameBrightness:
		return o.panel.SetLight(uint8(lo.Clamp(f.Level, 0, 255)))
	case proto.FrameReset:
		return o.panel.Clear()
	}
	return errors.Errorf("panel cannot show %s", f.Kind)
}

func (d *Driver) ReadEvent(ctx context.Context, h proto.Handle) (proto.InputEvent, error) {
	o, err := d.get(h.ID)
	if err != nil {
		return proto.InputEvent{}, err
	}
	select {
	case <-ctx.Done():
		return proto.InputEvent{}, ctx.Err()
	case <-o.closed:
		return proto.InputEvent{}, errors.Wrap(ErrClosed, string(h.ID))
	}
}

func (d *Driver) Close(h proto.Handle) error {
	d.mu.Lock()
	o, ok := d.panels[h.ID]
	delete(d.panels, h.ID)
	d.mu.Unlock()
	if !ok {
		return nil
	}

	close(o.closed)
	if err := o.panel.Shutdown(); err != nil {
		d.logger.Warn("shutdown failed", zap.String("panel", h.Path), zap.Error(err))
	}
	return o.panel.Close()
}
