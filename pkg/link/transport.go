package link

import (
	"context"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"deckbridge/pkg/proto"
)

const (
	DefaultBaudRate = 921600

	serialReadTimeout = 200 * time.Millisecond
)

// TransportError is a failure of the byte stream under a link. The owning task reacts with a
// state change and a reconnect, never by exiting.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return e.Op + " " + e.Addr + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Endpoint is a parsed link address: tcp://host:port, host:port or serial://name?baud=n.
type Endpoint struct {
	Scheme string
	Addr   string
	Baud   int
}

func (e Endpoint) String() string {
	if e.Scheme == "serial" {
		return "serial://" + e.Addr + "?baud=" + strconv.Itoa(e.Baud)
	}
	return e.Scheme + "://" + e.Addr
}

func ParseEndpoint(raw string) (Endpoint, error) {
	if !strings.Contains(raw, "://") {
		raw = "tcp://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, errors.Wrapf(err, "parse endpoint %q", raw)
	}

	switch u.Scheme {
	case "tcp":
		if u.Host == "" {
			return Endpoint{}, errors.Errorf("endpoint %q has no host", raw)
		}
		return Endpoint{Scheme: "tcp", Addr: u.Host}, nil

	case "serial":
		name := u.Host + u.Path
		if name == "" {
			return Endpoint{}, errors.Errorf("endpoint %q has no port name", raw)
		}
		baud := DefaultBaudRate
		if b := u.Query().Get("baud"); b != "" {
			baud, err = strconv.Atoi(b)
			if err != nil || baud <= 0 {
				return Endpoint{}, errors.Errorf("bad baud rate %q", b)
			}
		}
		return Endpoint{Scheme: "serial", Addr: name, Baud: baud}, nil
	}
	return Endpoint{}, errors.Errorf("unsupported link scheme %q", u.Scheme)
}

// Open connects to an endpoint: a TCP dial, or opening the named serial port.
func Open(ctx context.Context, ep Endpoint, timeout time.Duration) (io.ReadWriteCloser, error) {
	switch ep.Scheme {
	case "tcp":
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", ep.Addr)
		if err != nil {
			return nil, &TransportError{Op: "dial", Addr: ep.String(), Err: err}
		}
		return conn, nil

	case "serial":
		port := proto.NewSerial(ep.Addr)
		err := port.Open(&proto.Options{BaudRate: ep.Baud, DTR: true, ReadTimeout: serialReadTimeout})
		if err != nil {
			return nil, &TransportError{Op: "open", Addr: ep.String(), Err: err}
		}
		return port, nil
	}
	return nil, errors.Errorf("unsupported link scheme %q", ep.Scheme)
}

// Acceptor yields gateway connections on the leaf side.
type Acceptor interface {
	Accept(ctx context.Context) (io.ReadWriteCloser, error)
	Close() error
}

// Listen prepares the leaf side of an endpoint. A TCP endpoint listens; a serial endpoint
// hands out the opened port, once per Accept, as the gateway is on the other end of the wire.
func Listen(ep Endpoint) (Acceptor, error) {
	switch ep.Scheme {
	case "tcp":
		ln, err := net.Listen("tcp", ep.Addr)
		if err != nil {
			return nil, &TransportError{Op: "listen", Addr: ep.String(), Err: err}
		}
		return &tcpAcceptor{ln: ln}, nil
	case "serial":
		return &serialAcceptor{ep: ep}, nil
	}
	return nil, errors.Errorf("unsupported link scheme %q", ep.Scheme)
}

type tcpAcceptor struct {
	ln net.Listener
}

func (a *tcpAcceptor) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = a.ln.Close()
		case <-stop:
		}
	}()

	conn, err := a.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Op: "accept", Addr: a.ln.Addr().String(), Err: err}
	}
	return conn, nil
}

func (a *tcpAcceptor) Close() error {
	return a.ln.Close()
}

func (a *tcpAcceptor) Addr() net.Addr {
	return a.ln.Addr()
}

type serialAcceptor struct {
	ep Endpoint
}

func (a *serialAcceptor) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	return Open(ctx, a.ep, 0)
}

func (a *serialAcceptor) Close() error {
	return nil
}
