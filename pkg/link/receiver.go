package link

import (
	"encoding/binary"
	"io"
	"sync/atomic"
)

type State uint8

const (
	AwaitingLength State = iota
	AwaitingBody
	Ready
)

func (s State) String() string {
	switch s {
	case AwaitingLength:
		return "awaiting-length"
	case AwaitingBody:
		return "awaiting-body"
	case Ready:
		return "ready"
	}
	return "unknown"
}

type Stats struct {
	Delivered   uint64
	Dropped     uint64
	ResyncBytes uint64
}

// Receiver reassembles packets from an arbitrary byte stream.
//
// A header is only trusted once the checksum of the packet it announces verifies. When a
// checksum fails, or a header cannot start a packet (length out of bounds, unknown kind), the
// receiver rescans one byte past the start of the rejected candidate. A plausible header whose
// body has not arrived yet is abandoned as soon as a verified packet is buffered further on,
// so a corrupted length never holds back the packets behind it. Dropped counts the
// corrupted stretches skipped this way.
type Receiver struct {
	max   int
	buf   []byte
	off   int
	state State
	// body is the length field of the header being assembled
	body      int
	rescan    bool
	delivered atomic.Uint64
	dropped   atomic.Uint64
	resync    atomic.Uint64
}

func NewReceiver(maxPacket int) *Receiver {
	if maxPacket <= 0 {
		maxPacket = DefaultMaxPacket
	}
	return &Receiver{max: maxPacket}
}

// Write buffers stream bytes. It never fails.
func (r *Receiver) Write(p []byte) (int, error) {
	if r.off > 0 && r.off == len(r.buf) {
		r.buf, r.off = r.buf[:0], 0
	} else if r.off > 4096 && r.off > len(r.buf)/2 {
		r.buf = append(r.buf[:0], r.buf[r.off:]...)
		r.off = 0
	}
	r.buf = append(r.buf, p...)
	return len(p), nil
}

func (r *Receiver) State() State {
	return r.state
}

func (r *Receiver) Stats() Stats {
	return Stats{
		Delivered:   r.delivered.Load(),
		Dropped:     r.dropped.Load(),
		ResyncBytes: r.resync.Load(),
	}
}

// Next returns the next complete packet from the buffered bytes, or false if more input
// is needed.
func (r *Receiver) Next() (Packet, bool) {
	for {
		data := r.buf[r.off:]

		switch r.state {
		case AwaitingLength:
			if len(data) < lengthLen+1 {
				return Packet{}, false
			}
			n, ok := r.header(data)
			if !ok {
				r.slide(1)
				continue
			}
			r.body = n
			r.state = AwaitingBody

		case AwaitingBody:
			total := lengthLen + r.body + checksumLen
			if len(data) < total {
				if skip := r.lookahead(data); skip > 0 {
					r.slide(skip)
					continue
				}
				return Packet{}, false
			}
			var p Packet
			if err := p.UnmarshalBinary(data[:total]); err != nil {
				r.slide(1)
				continue
			}

			// stays Ready until the caller asks for the next packet
			r.state = Ready
			r.off += total
			r.rescan = false
			r.delivered.Add(1)
			return p, true

		default:
			r.state = AwaitingLength
		}
	}
}

// header returns the length field of a header at the start of data and whether it can
// start a packet. data holds at least the length and kind bytes.
func (r *Receiver) header(data []byte) (int, bool) {
	n := int(binary.BigEndian.Uint32(data))
	return n, n >= bodyHeaderLen && n <= r.max && Kind(data[lengthLen]).Known()
}

// lookahead returns the offset of the first fully buffered packet with a valid checksum
// after the start of data, or 0 if there is none.
func (r *Receiver) lookahead(data []byte) int {
	for i := 1; i+lengthLen+bodyHeaderLen+checksumLen <= len(data); i++ {
		n, ok := r.header(data[i:])
		if !ok {
			continue
		}
		end := i + lengthLen + n + checksumLen
		if end <= len(data) && checksumValid(data[i:end]) {
			return i
		}
	}
	return 0
}

// slide skips n bytes of an untrusted candidate. Entering a rescan costs the packet that was
// being read.
func (r *Receiver) slide(n int) {
	if !r.rescan {
		r.rescan = true
		r.dropped.Add(1)
	}
	r.off += n
	r.resync.Add(uint64(n))
	r.state = AwaitingLength
}

// Reader pulls packets from an io.Reader through a Receiver.
type Reader struct {
	src io.Reader
	rx  *Receiver
	buf []byte
}

func NewReader(src io.Reader, maxPacket int) *Reader {
	return &Reader{src: src, rx: NewReceiver(maxPacket), buf: make([]byte, 32*1024)}
}

func (r *Reader) Receiver() *Receiver {
	return r.rx
}

// ReadPacket blocks until a packet is complete or the source fails.
func (r *Reader) ReadPacket() (Packet, error) {
	for {
		if p, ok := r.rx.Next(); ok {
			return p, nil
		}
		n, err := r.src.Read(r.buf)
		if n > 0 {
			_, _ = r.rx.Write(r.buf[:n])
		}
		if err != nil {
			if p, ok := r.rx.Next(); ok {
				return p, nil
			}
			return Packet{}, err
		}
	}
}
