package companion

import (
	"encoding/base64"
	"fmt"
	"image/color"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"deckbridge/pkg/proto"
)

// Decode parses one host line (without its terminator) into a command. Both the satellite
// KEY=value grammar and the short positional forms are accepted:
//
//	BRIGHTNESS DEVICEID=CL01 VALUE=80
//	BRIGHTNESS 0 150
//	DRAW 0 KEY 3 <base64>
func Decode(line string) (proto.Command, error) {
	line = strings.TrimRight(line, "\r\n")
	verb, rest := bare(strings.TrimLeft(line, " \t"))
	if verb == "" {
		return proto.Command{}, malformed(line, "empty line")
	}

	if verb == "DRAW" {
		return decodeDraw(line, rest)
	}

	p, err := parseParams(rest)
	if err != nil {
		return proto.Command{}, malformed(line, "%s", err)
	}

	switch verb {
	case "PING":
		return proto.Command{Kind: proto.CmdPing, Message: strings.TrimSpace(rest)}, nil
	case "PONG":
		return proto.Command{Kind: proto.CmdPong}, nil
	case "QUIT":
		return proto.Command{Kind: proto.CmdQuit}, nil

	case "BEGIN":
		cmd := proto.Command{Kind: proto.CmdBegin}
		cmd.HostVersion, _ = p.get("CompanionVersion")
		cmd.APIVersion, _ = p.get("ApiVersion")
		return cmd, nil

	case "ADD-DEVICE", "REMOVE-DEVICE":
		kind := proto.CmdAddDevice
		if verb == "REMOVE-DEVICE" {
			kind = proto.CmdRemoveDevice
		}
		cmd := proto.Command{Kind: kind, OK: true}
		args := p.positional
		// a leading bare token is the verdict unless it is the only way the device is named
		if _, keyed := p.get("DEVICEID"); len(args) > 1 || (keyed && len(args) > 0) {
			cmd.OK = args[0] == "OK"
			args = args[1:]
		}
		cmd.Message, _ = p.get("MESSAGE")
		id, err := deviceID(line, p, args)
		if err != nil {
			return proto.Command{}, err
		}
		cmd.DeviceID = id
		return cmd, nil

	case "BRIGHTNESS":
		id, err := deviceID(line, p, p.positional)
		if err != nil {
			return proto.Command{}, err
		}
		raw, ok := p.get("VALUE")
		if !ok && len(p.positional) > 1 {
			raw, ok = p.positional[1], true
		}
		if !ok {
			return proto.Command{}, malformed(line, "missing VALUE")
		}
		level, err := strconv.Atoi(raw)
		if err != nil {
			return proto.Command{}, malformed(line, "bad brightness %q", raw)
		}
		return proto.Command{Kind: proto.CmdSetBrightness, DeviceID: id, Level: level}, nil

	case "KEY-STATE":
		return decodeKeyState(line, p)

	case "KEYS-CLEAR":
		id, err := deviceID(line, p, p.positional)
		if err != nil {
			return proto.Command{}, err
		}
		return proto.Command{Kind: proto.CmdClearKeys, DeviceID: id}, nil
	}

	return proto.Command{}, malformed(line, "unknown command %q", verb)
}

func deviceID(line string, p params, positional []string) (proto.DeviceID, error) {
	if id, ok := p.get("DEVICEID"); ok && id != "" {
		return proto.DeviceID(id), nil
	}
	if len(positional) > 0 && positional[0] != "" {
		return proto.DeviceID(positional[0]), nil
	}
	return "", malformed(line, "missing DEVICEID")
}

func decodeKeyState(line string, p params) (proto.Command, error) {
	id, err := deviceID(line, p, nil)
	if err != nil {
		return proto.Command{}, err
	}
	key, err := keyIndex(line, p)
	if err != nil {
		return proto.Command{}, err
	}

	if raw, ok := p.get("BITMAP"); ok && raw != "" {
		data, err := decodeBitmap(raw)
		if err != nil {
			return proto.Command{}, malformed(line, "bad BITMAP: %s", err)
		}
		return proto.Command{Kind: proto.CmdDrawKeyBitmap, DeviceID: id, Key: key, Image: data}, nil
	}

	if raw, ok := p.get("COLOR"); ok {
		c, err := parseColor(raw)
		if err != nil {
			return proto.Command{}, malformed(line, "bad COLOR: %s", err)
		}
		return proto.Command{Kind: proto.CmdSetKeyColor, DeviceID: id, Key: key, Color: c}, nil
	}

	return proto.Command{}, malformed(line, "KEY-STATE without BITMAP or COLOR")
}

func keyIndex(line string, p params) (int, error) {
	raw, ok := p.get("KEY")
	if !ok {
		return 0, malformed(line, "missing KEY")
	}
	key, err := strconv.Atoi(raw)
	if err != nil || key < 0 {
		return 0, malformed(line, "bad KEY %q", raw)
	}
	return key, nil
}

// decodeDraw handles DRAW <device> KEY <key> <base64>. Fields are split on whitespace
// only, since base64 padding would read as KEY=value.
func decodeDraw(line, rest string) (proto.Command, error) {
	fields := strings.Fields(rest)
	if len(fields) != 4 || fields[1] != "KEY" {
		return proto.Command{}, malformed(line, "expected DRAW <device> KEY <key> <bitmap>")
	}
	key, err := strconv.Atoi(fields[2])
	if err != nil || key < 0 {
		return proto.Command{}, malformed(line, "bad key %q", fields[2])
	}
	data, err := decodeBitmap(fields[3])
	if err != nil {
		return proto.Command{}, malformed(line, "bad bitmap: %s", err)
	}
	return proto.Command{Kind: proto.CmdDrawKeyBitmap, DeviceID: proto.DeviceID(fields[0]), Key: key, Image: data}, nil
}

// decodeBitmap accepts padded and unpadded standard base64.
func decodeBitmap(raw string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(raw, "="))
}

// parseColor reads "#rrggbb", "rgb(r,g,b)" or a bare decimal 0xRRGGBB.
func parseColor(raw string) (color.RGBA, error) {
	switch {
	case strings.HasPrefix(raw, "#") && len(raw) == 7:
		v, err := strconv.ParseUint(raw[1:], 16, 32)
		if err != nil {
			return color.RGBA{}, err
		}
		return rgbaFromUint(v), nil

	case strings.HasPrefix(raw, "rgb(") && strings.HasSuffix(raw, ")"):
		parts := strings.Split(raw[4:len(raw)-1], ",")
		if len(parts) != 3 {
			return color.RGBA{}, errors.Errorf("want 3 components, got %d", len(parts))
		}
		var c [3]uint8
		for i, part := range parts {
			v, err := strconv.ParseUint(strings.TrimSpace(part), 10, 8)
			if err != nil {
				return color.RGBA{}, err
			}
			c[i] = uint8(v)
		}
		return color.RGBA{R: c[0], G: c[1], B: c[2], A: 0xFF}, nil
	}

	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return color.RGBA{}, err
	}
	return rgbaFromUint(v), nil
}

func rgbaFromUint(v uint64) color.RGBA {
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xFF}
}

// Ack is the bridge's answer to a host command. A nil Err is a success.
type Ack struct {
	Kind     proto.CommandKind
	DeviceID proto.DeviceID
	// Message is echoed back in the PONG answering a PING.
	Message string
	Err     error
}

func EncodeAck(a Ack) string {
	if a.Kind == proto.CmdPing {
		if a.Message != "" {
			return "PONG " + a.Message + "\n"
		}
		return "PONG\n"
	}

	var sb strings.Builder
	sb.WriteString(a.Kind.Verb())
	if a.Err == nil {
		sb.WriteString(" OK")
	} else {
		sb.WriteString(" ERROR")
	}
	if a.DeviceID != "" {
		sb.WriteString(" DEVICEID=")
		sb.WriteString(value(string(a.DeviceID)))
	}
	if a.Err != nil {
		sb.WriteString(" MESSAGE=")
		sb.WriteString(quote(a.Err.Error()))
	}
	sb.WriteByte('\n')
	return sb.String()
}

// EncodeError answers a line that could not be decoded, so there is no command to name.
func EncodeError(err error) string {
	return "ERROR MESSAGE=" + quote(err.Error()) + "\n"
}

// EncodeEvent renders a device event for the host. Encoder turns expand to one
// KEY-ROTATE line per detent.
func EncodeEvent(ev proto.InputEvent) string {
	id := value(string(ev.DeviceID))

	switch ev.Kind {
	case proto.KeyDown, proto.KeyUp:
		return fmt.Sprintf("KEY-PRESS DEVICEID=%s KEY=%d PRESSED=%t\n", id, ev.Key, ev.Kind == proto.KeyDown)

	case proto.EncoderTurn:
		direction := lo.Ternary(ev.Delta < 0, 0, 1)
		steps := lo.Ternary(ev.Delta < 0, -ev.Delta, ev.Delta)
		line := fmt.Sprintf("KEY-ROTATE DEVICEID=%s KEY=%d DIRECTION=%d\n", id, ev.Key, direction)
		return strings.Repeat(line, steps)

	case proto.DeviceAttached:
		return "ADD-DEVICE " + describe(ev.DeviceID, ev.Caps) + "\n"

	case proto.DeviceRemoved:
		return fmt.Sprintf("REMOVE-DEVICE DEVICEID=%s\n", id)
	}
	return ""
}

func describe(id proto.DeviceID, caps proto.Capabilities) string {
	bitmaps := "false"
	if caps.Visual() {
		bitmaps = strconv.Itoa(caps.KeySize)
	}
	return fmt.Sprintf("DEVICEID=%s PRODUCT_NAME=%s KEYS_TOTAL=%d KEYS_PER_ROW=%d BITMAPS=%s COLORS=%t TEXT=false",
		value(string(id)), quote(caps.ProductName), caps.KeyCount()+caps.LCDKeys(), caps.Columns, bitmaps, caps.Visual())
}

func EncodePing() string {
	return "PING\n"
}

func EncodeQuit() string {
	return "QUIT\n"
}
