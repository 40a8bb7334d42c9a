package device

import (
	"context"

	"github.com/inhies/go-bytesize"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"deckbridge/pkg/proto"
	"deckbridge/pkg/session"
)

const (
	DefaultPortDepth = 32

	// consecutive write failures before the device is given up on
	maxWriteFailures = 3
)

var (
	ErrPortClosed  = errors.New("device port closed")
	errUnplugged   = errors.New("device reported removal")
	errWriteFailed = errors.New("device keeps failing writes")
)

// Host is what a device port reports to: the session registry when running standalone, the
// gateway link when running as a leaf.
type Host interface {
	Attach(ctx context.Context, info session.Info, sink session.Sink) (session.Attachment, error)
	Remove(ctx context.Context, id proto.DeviceID) error
	Input(ctx context.Context, ev proto.InputEvent) error
	Deliver(ctx context.Context, frames []proto.Frame) error
}

// Port owns the I/O of one opened device: a writer draining a bounded frame channel in order
// and a reader forwarding input events.
type Port struct {
	logger *zap.Logger
	driver proto.Driver
	handle proto.Handle
	caps   proto.Capabilities
	frames chan proto.Frame
	done   chan struct{}
}

func NewPort(logger *zap.Logger, driver proto.Driver, h proto.Handle, caps proto.Capabilities, depth int) *Port {
	if depth <= 0 {
		depth = DefaultPortDepth
	}
	return &Port{
		logger: logger.With(zap.String("device", string(h.ID))),
		driver: driver,
		handle: h,
		caps:   caps,
		frames: make(chan proto.Frame, depth),
		done:   make(chan struct{}),
	}
}

func (p *Port) ID() proto.DeviceID {
	return p.handle.ID
}

func (p *Port) Caps() proto.Capabilities {
	return p.caps
}

// Send queues f for the device, blocking while the queue is full.
func (p *Port) Send(ctx context.Context, f proto.Frame) error {
	select {
	case <-p.done:
		return ErrPortClosed
	default:
	}

	select {
	case p.frames <- f:
		return nil
	case <-p.done:
		return ErrPortClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the device until ctx is done, the device goes away or writes keep failing.
// The handle is closed on return. A nil error means ctx ended the port.
func (p *Port) Run(ctx context.Context, host Host) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer close(p.done)

	readErr := make(chan error, 1)
	go func() {
		readErr <- p.readLoop(ctx, host)
		cancel()
	}()

	err := p.writeLoop(ctx)
	cancel()
	if rerr := <-readErr; err == nil {
		err = rerr
	}

	if cerr := p.driver.Close(p.handle); cerr != nil {
		p.logger.Warn("close failed", zap.Error(cerr))
	}
	return err
}

func (p *Port) writeLoop(ctx context.Context) error {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-p.frames:
			if err := p.driver.WriteFrame(p.handle, f); err != nil {
				failures++
				p.logger.Warn("write failed", zap.Stringer("frame", f), zap.Int("failures", failures), zap.Error(err))
				if failures >= maxWriteFailures {
					return errors.Wrap(errWriteFailed, err.Error())
				}
				continue
			}
			failures = 0
			p.logger.Debug("frame written", zap.Stringer("frame", f), zap.Stringer("size", bytesize.New(float64(f.Len()))))
		}
	}
}

func (p *Port) readLoop(ctx context.Context, host Host) error {
	for {
		ev, err := p.driver.ReadEvent(ctx, p.handle)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "read event")
		}
		ev.DeviceID = p.handle.ID
		if ev.Kind == proto.DeviceRemoved {
			return errUnplugged
		}
		if err := host.Input(ctx, ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Warn("input not forwarded", zap.Stringer("event", ev), zap.Error(err))
		}
	}
}
