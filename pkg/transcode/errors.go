package transcode

import (
	"github.com/pkg/errors"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrPayloadTooLarge   = errors.New("payload too large")
	ErrKeyOutOfRange     = errors.New("key out of range")
)
