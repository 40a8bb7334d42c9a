package session

import (
	"github.com/pkg/errors"
)

var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrNotReady      = errors.New("device not ready")
	ErrClosed        = errors.New("registry closed")
)
