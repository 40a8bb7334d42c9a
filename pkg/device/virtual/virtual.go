package virtual

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"deckbridge/pkg/proto"
)

var (
	ErrNoDevice  = errors.New("no such virtual device")
	ErrNotOpened = errors.New("virtual device not opened")
)

// Spec declares one simulated deck.
type Spec struct {
	Serial string `yaml:"serial"`
	Model  string `yaml:"model"`
}

type Config struct {
	Devices []Spec `yaml:"devices"`
	// SnapshotDir, when set, receives the last image drawn on every key.
	SnapshotDir string `yaml:"snapshot_dir"`
}

// Deck is a simulated driver. Tests and demos plug, unplug and press keys on it; what the
// bridge draws is kept in memory and optionally dumped to a filesystem.
type Deck struct {
	l   *zap.Logger
	fs  afero.Fs
	dir string

	mu    sync.Mutex
	units map[proto.DeviceID]*unit
}

type unit struct {
	caps       proto.Capabilities
	events     chan proto.InputEvent
	closed     chan struct{}
	gone       chan struct{}
	brightness int
	resets     int
	writes     int
	keys       map[int]proto.Frame
}

func New(logger *zap.Logger, fs afero.Fs, cfg Config) (*Deck, error) {
	d := &Deck{
		l:     logger,
		fs:    fs,
		dir:   cfg.SnapshotDir,
		units: make(map[proto.DeviceID]*unit),
	}
	for _, s := range cfg.Devices {
		m, err := proto.ParseModel(s.Model)
		if err != nil {
			return nil, err
		}
		if err := d.Plug(proto.DeviceID(s.Serial), m); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Plug makes a device visible to ListAttached.
func (d *Deck) Plug(id proto.DeviceID, m proto.Model) error {
	caps, ok := proto.CapabilitiesFor(m)
	if !ok {
		return errors.Errorf("model %s has no capabilities", m)
	}
	if id == "" {
		return errors.New("virtual device needs a serial")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.units[id]; ok {
		return errors.Errorf("virtual device %s already plugged", id)
	}
	d.units[id] = &unit{
		caps:   caps,
		events: make(chan proto.InputEvent, 16),
		gone:   make(chan struct{}),
		keys:   make(map[int]proto.Frame),
	}
	d.l.With(zap.String("serial", string(id)), zap.Stringer("model", m)).Info("plug")
	return nil
}

// Unplug removes a device; a pending ReadEvent reports DeviceRemoved.
func (d *Deck) Unplug(id proto.DeviceID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.units[id]; ok {
		close(u.gone)
		delete(d.units, id)
		d.l.With(zap.String("serial", string(id))).Info("unplug")
	}
}

// Press injects a full key press, down then up.
func (d *Deck) Press(id proto.DeviceID, key int) error {
	if err := d.inject(id, proto.InputEvent{Kind: proto.KeyDown, Key: key}); err != nil {
		return err
	}
	return d.inject(id, proto.InputEvent{Kind: proto.KeyUp, Key: key})
}

func (d *Deck) Turn(id proto.DeviceID, encoder, delta int) error {
	return d.inject(id, proto.InputEvent{Kind: proto.EncoderTurn, Key: encoder, Delta: delta})
}

func (d *Deck) inject(id proto.DeviceID, ev proto.InputEvent) error {
	d.mu.Lock()
	u, ok := d.units[id]
	d.mu.Unlock()
	if !ok {
		return errors.Wrap(ErrNoDevice, string(id))
	}

	ev.DeviceID = id
	select {
	case u.events <- ev:
		return nil
	default:
		return errors.Errorf("virtual device %s event buffer full", id)
	}
}

// Key returns the last frame written to a key.
func (d *Deck) Key(id proto.DeviceID, key int) (proto.Frame, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.units[id]
	if !ok {
		return proto.Frame{}, false
	}
	f, ok := u.keys[key]
	return f, ok
}

// Brightness returns the last level written and the number of frames written so far.
func (d *Deck) Brightness(id proto.DeviceID) (level, writes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.units[id]; ok {
		return u.brightness, u.writes
	}
	return 0, 0
}

func (d *Deck) ListAttached() ([]proto.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]proto.Handle, 0, len(d.units))
	for id, u := range d.units {
		out = append(out, proto.Handle{ID: id, Path: "virtual:" + string(id), PID: u.caps.PID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *Deck) Open(h proto.Handle) (proto.Capabilities, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.units[h.ID]
	if !ok {
		return proto.Capabilities{}, errors.Wrap(ErrNoDevice, string(h.ID))
	}
	u.closed = make(chan struct{})
	d.l.With(zap.String("serial", string(h.ID))).Info("startup")
	return u.caps, nil
}

func (d *Deck) Close(h proto.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.units[h.ID]; ok && u.closed != nil {
		close(u.closed)
		u.closed = nil
		d.l.With(zap.String("serial", string(h.ID))).Info("shutdown")
	}
	return nil
}

func (d *Deck) ReadEvent(ctx context.Context, h proto.Handle) (proto.InputEvent, error) {
	d.mu.Lock()
	u, ok := d.units[h.ID]
	var closed chan struct{}
	if ok {
		closed = u.closed
	}
	d.mu.Unlock()

	if !ok {
		return proto.InputEvent{Kind: proto.DeviceRemoved, DeviceID: h.ID}, nil
	}
	if closed == nil {
		return proto.InputEvent{}, errors.Wrap(ErrNotOpened, string(h.ID))
	}

	select {
	case ev := <-u.events:
		return ev, nil
	case <-u.gone:
		return proto.InputEvent{Kind: proto.DeviceRemoved, DeviceID: h.ID}, nil
	case <-closed:
		return proto.InputEvent{}, errors.Wrap(ErrNotOpened, string(h.ID))
	case <-ctx.Done():
		return proto.InputEvent{}, ctx.Err()
	}
}

func (d *Deck) WriteFrame(h proto.Handle, f proto.Frame) error {
	d.mu.Lock()
	u, ok := d.units[h.ID]
	if !ok {
		d.mu.Unlock()
		return errors.Wrap(ErrNoDevice, string(h.ID))
	}
	if u.closed == nil {
		d.mu.Unlock()
		return errors.Wrap(ErrNotOpened, string(h.ID))
	}

	u.writes++
	switch f.Kind {
	case proto.FrameBrightness:
		u.brightness = f.Level
	case proto.FrameReset:
		u.resets++
		u.keys = make(map[int]proto.Frame)
	case proto.FrameKeyImage, proto.FrameLCDImage:
		u.keys[f.Key] = f
	}
	caps := u.caps
	d.mu.Unlock()

	logger := d.l.With(zap.String("serial", string(h.ID)), zap.Stringer("frame", f))
	switch f.Kind {
	case proto.FrameKeyImage:
		logger.Debug("draw-key")
	case proto.FrameLCDImage:
		logger.Debug("draw-lcd", zap.Int("x", f.X), zap.Int("w", f.Width), zap.Int("h", f.Height))
	case proto.FrameBrightness:
		logger.Debug("set-light", zap.Int("light", f.Level))
	case proto.FrameReset:
		logger.Debug("reset")
	}

	if d.dir != "" && (f.Kind == proto.FrameKeyImage || f.Kind == proto.FrameLCDImage) {
		if err := d.snapshot(h.ID, caps, f); err != nil {
			logger.Warn("snapshot failed", zap.Error(err))
		}
	}
	return nil
}

func (d *Deck) snapshot(id proto.DeviceID, caps proto.Capabilities, f proto.Frame) error {
	dir := path.Join(d.dir, string(id))
	if err := d.fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	name := fmt.Sprintf("key-%02d", f.Key)
	if f.Kind == proto.FrameLCDImage {
		name = fmt.Sprintf("lcd-%03d", f.X)
	}
	data, ext, err := Viewable(caps, f)
	if err != nil {
		return err
	}
	return afero.WriteFile(d.fs, path.Join(dir, name+ext), data, 0o644)
}
