package session

import (
	"context"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"deckbridge/pkg/proto"
	"deckbridge/pkg/transcode"
)

const (
	defaultBrightness   = 100
	defaultNoticeBuffer = 256
)

type Option func(r *Registry)

func WithDefaultBrightness(level int) Option {
	return func(r *Registry) {
		r.brightness = level
	}
}

// WithNoticeBuffer sets the depth of the upstream notice channel.
func WithNoticeBuffer(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.noticeBuffer = n
		}
	}
}

func New(logger *zap.Logger, pipeline *transcode.Pipeline, opts ...Option) *Registry {
	r := &Registry{
		logger:       logger,
		pipeline:     pipeline,
		brightness:   defaultBrightness,
		noticeBuffer: defaultNoticeBuffer,
		ops:          make(chan op),
		done:         make(chan struct{}),
		sessions:     make(map[proto.DeviceID]*session),
	}

	for _, opt := range opts {
		opt(r)
	}

	r.notices = make(chan proto.InputEvent, r.noticeBuffer)
	return r
}

// Registry owns every device session. All state lives in the goroutine started by Run;
// the exported methods are requests to it and are safe to call from any goroutine.
type Registry struct {
	logger       *zap.Logger
	pipeline     *transcode.Pipeline
	brightness   int
	noticeBuffer int

	ops     chan op
	done    chan struct{}
	notices chan proto.InputEvent

	dropped atomic.Int64

	// owned by the loop
	sessions  map[proto.DeviceID]*session
	hostReady bool
}

type op struct {
	fn   func()
	done chan struct{}
}

// Run processes requests until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	defer close(r.done)

	r.logger.Info("session registry started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("session registry stopped")
			return nil
		case o := <-r.ops:
			o.fn()
			close(o.done)
		}
	}
}

func (r *Registry) call(ctx context.Context, fn func()) error {
	o := op{fn: fn, done: make(chan struct{})}
	select {
	case r.ops <- o:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrClosed
	}

	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notices carries events for the host: attach and removal announcements plus key input
// from Ready devices.
func (r *Registry) Notices() <-chan proto.InputEvent {
	return r.notices
}

// Dropped counts frames discarded because their session was no longer Ready.
func (r *Registry) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Registry) Attach(ctx context.Context, info Info, sink Sink) (Attachment, error) {
	var (
		att Attachment
		err error
	)
	cerr := r.call(ctx, func() {
		att, err = r.attach(info, sink)
	})
	if cerr != nil {
		return Attachment{}, cerr
	}
	return att, err
}

func (r *Registry) attach(info Info, sink Sink) (Attachment, error) {
	logger := r.logger.With(zap.String("device", string(info.ID)), zap.Stringer("model", info.Caps.Model))

	if s, ok := r.sessions[info.ID]; ok && !s.tombstoned() {
		s.status = proto.Ready
		s.sink = sink
		s.caps = info.Caps
		s.origin = info.Origin
		logger.Info("device reattached", zap.Int("index", s.index))
		return Attachment{Index: s.index, Reused: true, Resync: r.resync(s)}, nil
	}

	s := newSession(info, r.freeIndex(), r.brightness, sink)
	r.sessions[info.ID] = s
	logger.Info("device attached", zap.Int("index", s.index), zap.String("origin", info.Origin))

	r.notify(proto.InputEvent{Kind: proto.DeviceAttached, DeviceID: s.id, Caps: s.caps})

	var frames []proto.Frame
	if s.caps.Visual() {
		frames = []proto.Frame{r.stamp(s, r.pipeline.RenderReset(s.caps)), r.stamp(s, r.pipeline.RenderBrightness(s.brightness, s.caps))}
	}
	return Attachment{Index: s.index, Resync: frames}, nil
}

func (r *Registry) freeIndex() int {
	used := make(map[int]bool, len(r.sessions))
	for _, s := range r.sessions {
		if !s.tombstoned() {
			used[s.index] = true
		}
	}
	for i := 0; ; i++ {
		if !used[i] {
			return i
		}
	}
}

// Remove tombstones the session of id. Late frames for it are dropped.
func (r *Registry) Remove(ctx context.Context, id proto.DeviceID) error {
	return r.call(ctx, func() {
		s, ok := r.sessions[id]
		if !ok || s.tombstoned() {
			return
		}
		s.status = proto.Removed
		s.sink = nil
		s.cache = make(map[int]cached)
		s.registered = false
		r.logger.Info("device removed", zap.String("device", string(id)), zap.Int("index", s.index))
		r.notify(proto.InputEvent{Kind: proto.DeviceRemoved, DeviceID: id})
	})
}

// MarkStale records that the transport owning id went away. The session and its cache
// survive so a later Attach can resync.
func (r *Registry) MarkStale(ctx context.Context, id proto.DeviceID) error {
	return r.setStatus(ctx, id, proto.Disconnected)
}

func (r *Registry) MarkConnecting(ctx context.Context, id proto.DeviceID) error {
	return r.setStatus(ctx, id, proto.Connecting)
}

func (r *Registry) setStatus(ctx context.Context, id proto.DeviceID, status proto.Status) error {
	return r.call(ctx, func() {
		s, ok := r.sessions[id]
		if !ok || s.tombstoned() {
			return
		}
		s.status = status
		r.logger.With(zap.String("device", string(id))).Debug("status changed", zap.Stringer("status", status))
	})
}

// HostConnected is called once a host connection is established; notices flow after the
// host handshake.
func (r *Registry) HostConnected(ctx context.Context) error {
	return r.call(ctx, func() {
		r.hostReady = false
		r.logger.Debug("host connected")
	})
}

// HostDisconnected orphans every session without destroying it.
func (r *Registry) HostDisconnected(ctx context.Context) error {
	return r.call(ctx, func() {
		r.hostReady = false
		for _, s := range r.sessions {
			s.registered = false
		}
		r.logger.Info("host disconnected, sessions orphaned", zap.Int("sessions", len(r.sessions)))
	})
}

// Apply executes a host command and returns the frames it produces. A repeated draw of
// identical content yields no frame.
func (r *Registry) Apply(ctx context.Context, cmd proto.Command) ([]proto.Frame, error) {
	var (
		frames []proto.Frame
		err    error
	)
	cerr := r.call(ctx, func() {
		frames, err = r.apply(cmd)
	})
	if cerr != nil {
		return nil, cerr
	}
	return frames, err
}

func (r *Registry) apply(cmd proto.Command) ([]proto.Frame, error) {
	switch cmd.Kind {
	case proto.CmdPing, proto.CmdPong, proto.CmdQuit:
		return nil, nil
	case proto.CmdBegin:
		r.hostReady = true
		var frames []proto.Frame
		for _, s := range r.live() {
			if s.status == proto.Ready {
				frames = append(frames, r.resync(s)...)
			}
		}
		r.logger.Info("host handshake", zap.String("host_version", cmd.HostVersion), zap.String("api_version", cmd.APIVersion), zap.Int("frames", len(frames)))
		return frames, nil
	}

	s, err := r.lookup(cmd.DeviceID)
	if err != nil {
		return nil, err
	}

	switch cmd.Kind {
	case proto.CmdAddDevice:
		// the host may register a device before it is Ready; the ack is bookkeeping only
		s.registered = cmd.OK
		if !cmd.OK {
			r.logger.Warn("host rejected device", zap.String("device", string(s.id)), zap.String("message", cmd.Message))
		}
		return nil, nil
	case proto.CmdRemoveDevice:
		s.registered = false
		return nil, nil
	}

	if s.status != proto.Ready {
		return nil, errors.Wrapf(ErrNotReady, "%s is %s", s.id, s.status)
	}

	switch cmd.Kind {
	case proto.CmdSetBrightness:
		f := r.pipeline.RenderBrightness(cmd.Level, s.caps)
		s.brightness = f.Level
		return []proto.Frame{r.stamp(s, f)}, nil

	case proto.CmdDrawKeyBitmap:
		return r.draw(s, cmd.Key, bitmapDigest(cmd.Format, cmd.Image), func() (proto.Frame, error) {
			return r.pipeline.RenderKey(cmd.Image, cmd.Format, s.caps, cmd.Key)
		})

	case proto.CmdSetKeyColor:
		return r.draw(s, cmd.Key, colorDigest(cmd.Color), func() (proto.Frame, error) {
			return r.pipeline.RenderColor(cmd.Color, s.caps, cmd.Key)
		})

	case proto.CmdClearKeys:
		s.cache = make(map[int]cached)
		if !s.caps.Visual() {
			return nil, nil
		}
		frames := make([]proto.Frame, 0, s.caps.KeyCount()+s.caps.LCDKeys())
		for key := 0; key < s.caps.KeyCount()+s.caps.LCDKeys(); key++ {
			f, err := r.pipeline.RenderBlank(s.caps, key)
			if err != nil {
				return nil, err
			}
			frames = append(frames, r.stamp(s, f))
		}
		return frames, nil
	}

	return nil, errors.Errorf("unhandled command %s", cmd.Kind)
}

func (r *Registry) draw(s *session, key int, sum digest, render func() (proto.Frame, error)) ([]proto.Frame, error) {
	if c, ok := s.cache[key]; ok && c.sum == sum {
		r.logger.With(zap.String("device", string(s.id)), zap.Int("key", key)).Debug("duplicate key image suppressed")
		return nil, nil
	}

	f, err := render()
	if err != nil {
		return nil, err
	}
	f = r.stamp(s, f)
	s.cache[key] = cached{sum: sum, frame: f}
	return []proto.Frame{f}, nil
}

// lookup resolves a device id, falling back to the session index the host may use instead.
func (r *Registry) lookup(id proto.DeviceID) (*session, error) {
	if s, ok := r.sessions[id]; ok {
		if s.tombstoned() {
			return nil, errors.Wrapf(ErrUnknownDevice, "%s was removed", id)
		}
		return s, nil
	}

	if index, err := strconv.Atoi(string(id)); err == nil {
		if s, ok := lo.Find(r.live(), func(s *session) bool { return s.index == index }); ok {
			return s, nil
		}
	}
	return nil, errors.Wrapf(ErrUnknownDevice, "%q", id)
}

// live returns the non tombstoned sessions ordered by index.
func (r *Registry) live() []*session {
	out := lo.Filter(lo.Values(r.sessions), func(s *session, _ int) bool {
		return !s.tombstoned()
	})
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}

// resync rebuilds the full visual state of s: brightness, then every key from the cache or
// blank.
func (r *Registry) resync(s *session) []proto.Frame {
	if !s.caps.Visual() {
		return nil
	}

	keys := s.caps.KeyCount() + s.caps.LCDKeys()
	frames := make([]proto.Frame, 0, keys+1)
	frames = append(frames, r.stamp(s, r.pipeline.RenderBrightness(s.brightness, s.caps)))
	for key := 0; key < keys; key++ {
		if c, ok := s.cache[key]; ok {
			frames = append(frames, c.frame)
			continue
		}
		f, err := r.pipeline.RenderBlank(s.caps, key)
		if err != nil {
			r.logger.Warn("cannot render blank key", zap.String("device", string(s.id)), zap.Int("key", key), zap.Error(err))
			continue
		}
		frames = append(frames, r.stamp(s, f))
	}
	return frames
}

func (r *Registry) stamp(s *session, f proto.Frame) proto.Frame {
	f.DeviceID = s.id
	return f
}

func (r *Registry) notify(ev proto.InputEvent) {
	if !r.hostReady {
		return
	}
	select {
	case r.notices <- ev:
	default:
		r.logger.Warn("notice channel full, event dropped", zap.Stringer("event", ev))
	}
}

// Deliver hands frames to their device sinks. Frames for sessions that are not Ready are
// dropped. Sends happen on the caller's goroutine, so a full sink blocks the caller rather
// than the registry.
func (r *Registry) Deliver(ctx context.Context, frames []proto.Frame) error {
	if len(frames) == 0 {
		return nil
	}

	sinks := make([]Sink, len(frames))
	err := r.call(ctx, func() {
		for i, f := range frames {
			if s, ok := r.sessions[f.DeviceID]; ok && s.status == proto.Ready {
				sinks[i] = s.sink
			}
		}
	})
	if err != nil {
		return err
	}

	for i, f := range frames {
		if sinks[i] == nil {
			r.dropped.Add(1)
			r.logger.Debug("frame dropped, device not ready", zap.Stringer("frame", f))
			continue
		}
		if err := sinks[i].Send(ctx, f); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.dropped.Add(1)
			r.logger.Warn("frame delivery failed", zap.Stringer("frame", f), zap.Error(err))
		}
	}
	return nil
}

// Input forwards a device event to the host if its session is Ready.
func (r *Registry) Input(ctx context.Context, ev proto.InputEvent) error {
	return r.call(ctx, func() {
		s, ok := r.sessions[ev.DeviceID]
		if !ok || s.status != proto.Ready {
			r.logger.Debug("input from inactive device ignored", zap.Stringer("event", ev))
			return
		}
		r.notify(ev)
	})
}

// Forget drops the cached image of one key, so the next draw of the same content is not
// suppressed. Used when a queued frame never reached the device.
func (r *Registry) Forget(ctx context.Context, id proto.DeviceID, key int) error {
	return r.call(ctx, func() {
		if s, ok := r.sessions[id]; ok {
			delete(s.cache, key)
		}
	})
}

func (r *Registry) Snapshot(ctx context.Context, id proto.DeviceID) (Snapshot, bool, error) {
	var (
		snap  Snapshot
		found bool
	)
	err := r.call(ctx, func() {
		if s, ok := r.sessions[id]; ok {
			snap, found = s.snapshot(), true
		}
	})
	return snap, found, err
}

// Sessions lists the live sessions ordered by index.
func (r *Registry) Sessions(ctx context.Context) ([]Snapshot, error) {
	var out []Snapshot
	err := r.call(ctx, func() {
		out = lo.Map(r.live(), func(s *session, _ int) Snapshot { return s.snapshot() })
	})
	return out, err
}
