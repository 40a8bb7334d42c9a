package companion

import (
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// params is the parsed argument list of one host line: KEY=value pairs plus any bare
// positional tokens, in order.
type params struct {
	values     map[string]string
	positional []string
}

func (p params) get(key string) (string, bool) {
	v, ok := p.values[key]
	return v, ok
}

// parseParams tokenizes the argument part of a line. Values may be quoted; inside quotes
// a backslash escapes the next character.
func parseParams(data string) (params, error) {
	p := params{values: make(map[string]string)}

	for {
		data = strings.TrimLeftFunc(data, unicode.IsSpace)
		if data == "" {
			return p, nil
		}

		if data[0] == '"' {
			value, rest, err := quoted(data)
			if err != nil {
				return p, err
			}
			p.positional = append(p.positional, value)
			data = rest
			continue
		}

		end := strings.IndexFunc(data, func(r rune) bool { return !isKeyRune(r) })
		if end < 0 {
			end = len(data)
		}
		key := data[:end]
		rest := strings.TrimLeftFunc(data[end:], unicode.IsSpace)

		if key == "" || !strings.HasPrefix(rest, "=") {
			token, tail := bare(data)
			p.positional = append(p.positional, token)
			data = tail
			continue
		}

		rest = strings.TrimLeftFunc(rest[1:], unicode.IsSpace)
		var value string
		if strings.HasPrefix(rest, `"`) {
			v, tail, err := quoted(rest)
			if err != nil {
				return p, errors.Wrapf(err, "value of %s", key)
			}
			value, data = v, tail
		} else {
			value, data = bare(rest)
		}
		p.values[key] = value
	}
}

func isKeyRune(r rune) bool {
	return r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-')
}

func bare(data string) (string, string) {
	end := strings.IndexFunc(data, unicode.IsSpace)
	if end < 0 {
		return data, ""
	}
	return data[:end], data[end:]
}

func quoted(data string) (string, string, error) {
	var sb strings.Builder
	for i := 1; i < len(data); i++ {
		switch c := data[i]; c {
		case '"':
			return sb.String(), data[i+1:], nil
		case '\\':
			if i+1 == len(data) {
				return "", "", errors.New("dangling escape")
			}
			i++
			sb.WriteByte(data[i])
		default:
			sb.WriteByte(c)
		}
	}
	return "", "", errors.New("missing closing quote")
}

// quote renders a value so that parseParams reads it back unchanged.
func quote(v string) string {
	var sb strings.Builder
	sb.Grow(len(v) + 2)
	sb.WriteByte('"')
	for i := 0; i < len(v); i++ {
		if v[i] == '"' || v[i] == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteByte(v[i])
	}
	sb.WriteByte('"')
	return sb.String()
}

// value quotes v only when it would not survive as a bare token.
func value(v string) string {
	if v == "" || strings.ContainsAny(v, " \t\"\\") {
		return quote(v)
	}
	return v
}
