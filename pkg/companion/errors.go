package companion

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrMalformed = errors.New("malformed line")
	ErrOversized = errors.New("line too long")
)

// ProtocolError reports a host line that could not be decoded. The connection survives it;
// the offending line is skipped.
type ProtocolError struct {
	Kind   error
	Line   string
	Reason string
}

func (e *ProtocolError) Error() string {
	line := e.Line
	if len(line) > 64 {
		line = line[:64] + "..."
	}
	if e.Reason == "" {
		return fmt.Sprintf("%s: %q", e.Kind, line)
	}
	return fmt.Sprintf("%s: %s: %q", e.Kind, e.Reason, line)
}

func (e *ProtocolError) Unwrap() error {
	return e.Kind
}

func malformed(line, format string, args ...interface{}) error {
	return &ProtocolError{Kind: ErrMalformed, Line: line, Reason: fmt.Sprintf(format, args...)}
}
