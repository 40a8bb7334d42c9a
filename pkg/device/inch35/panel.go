package inch35

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	Shutdown   = 108
	Startup    = 109
	SetLight   = 110
	SetRotate  = 121
	SetMirror  = 122
	DrawBitmap = 197
)

const (
	Width  = 320
	Height = 480
)

// Panel speaks the command set of the 3.5" USB panel over an already opened port.
type Panel struct {
	port   io.ReadWriteCloser
	logger *zap.Logger
	width  int
	height int
}

func NewPanel(port io.ReadWriteCloser, logger *zap.Logger) *Panel {
	return &Panel{
		port:   port,
		logger: logger,
		width:  Width,
		height: Height,
	}
}

func (p *Panel) Startup() error {
	return p.sendCMD(Startup)
}

func (p *Panel) Shutdown() error {
	return p.sendCMD(Shutdown)
}

func (p *Panel) SetLight(light uint8) error {
	return p.sendCMD(SetLight, int(light))
}

// SetRotate switches orientation. Key grid drivers keep the panel in portrait.
func (p *Panel) SetRotate(landscape bool, invert bool) error {
	w, h := Width, Height
	ov := 100
	if landscape {
		ov++
		w, h = h, w
	}
	if invert {
		ov++
	}
	p.width, p.height = w, h

	var bs bytes.Buffer
	bs.WriteByte(uint8(ov))
	_ = binary.Write(&bs, binary.BigEndian, uint16(p.width))
	_ = binary.Write(&bs, binary.BigEndian, uint16(p.height))

	return p.sendOpt(SetRotate, 16, bs.Bytes())
}

func (p *Panel) SetMirror(mirror bool) error {
	var b byte
	if mirror {
		b = 1
	}

	return p.sendOpt(SetMirror, 16, []byte{b})
}

// DrawRaw blits a w*h RGB565 buffer at x,y.
func (p *Panel) DrawRaw(x, y, w, h int, pix []byte) error {
	if x < 0 || y < 0 || w <= 0 || h <= 0 {
		return errors.Errorf("bad region %d,%d %dx%d", x, y, w, h)
	}
	if w+x > p.width {
		return errors.New("width overflow")
	} else if h+y > p.height {
		return errors.New("height overflow")
	}
	if len(pix) != w*h*2 {
		return errors.Errorf("got %d bytes for %dx%d", len(pix), w, h)
	}

	if err := p.sendCMD(DrawBitmap, x, y, x+w-1, y+h-1); err != nil {
		return err
	}
	return p.sendBytes(pix)
}

// Clear paints the whole screen black.
func (p *Panel) Clear() error {
	return p.DrawRaw(0, 0, p.width, p.height, make([]byte, p.width*p.height*2))
}

func (p *Panel) Close() error {
	return p.port.Close()
}

func (p *Panel) sendCMD(code uint8, vars ...int) error {
	if len(vars) > 4 {
		return errors.New("too many vars")
	}

	var v [4]int
	copy(v[:], vars)

	return p.sendRaw(code, v[0], v[1], v[2], v[3], nil)
}

func (p *Panel) sendOpt(code uint8, fixed int, opt []byte) error {
	if len(opt) > fixed {
		return errors.New("too many bytes")
	}

	opt = append(make([]byte, 6), opt...)
	if len(opt) < fixed {
		opt = append(opt, make([]byte, fixed-len(opt))...)
	}

	return p.sendRaw(code, 0, 0, 0, 0, opt)
}

// sendRaw packs four 10 bit operands and the opcode into the first six bytes.
func (p *Panel) sendRaw(code uint8, var1, var2, var3, var4 int, buf []byte) error {
	if len(buf) == 0 {
		buf = make([]byte, 6)
	}

	buf[0] = byte(var1 >> 2)
	buf[1] = byte(((var1 & 3) << 6) + (var2 >> 4))
	buf[2] = byte(((var2 & 0xF) << 4) + (var3 >> 6))
	buf[3] = byte(((var3 & 0x3F) << 2) + (var4 >> 8))
	buf[4] = byte(var4 & 0xFF)
	buf[5] = code

	return p.sendBytes(buf)
}

func (p *Panel) sendBytes(buf []byte) error {
	start := time.Now()
	n, err := p.port.Write(buf)
	if err != nil {
		return errors.Wrap(err, "panel write")
	}

	logger := p.logger.With(zap.Int("sent", n), zap.Duration("cost", time.Since(start)))
	if len(buf) <= 16 {
		logger = logger.With(zap.Binary("data", buf))
	}
	logger.Debug("transfer")
	return nil
}
