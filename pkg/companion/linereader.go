package companion

import (
	"bufio"
	"bytes"
	"io"

	"github.com/pkg/errors"
)

const DefaultMaxLine = 256 * 1024

// LineReader splits a host stream into lines, keeping partial lines across reads.
type LineReader struct {
	r   *bufio.Reader
	max int
}

func NewLineReader(r io.Reader, max int) *LineReader {
	if max <= 0 {
		max = DefaultMaxLine
	}
	// one extra byte for the terminator
	return &LineReader{r: bufio.NewReaderSize(r, max+1), max: max}
}

// ReadLine returns the next line without its terminator. A line longer than the limit is
// consumed and reported as a ProtocolError matching ErrOversized; the next call continues
// with the following line. At end of stream a trailing unterminated line is returned first.
func (l *LineReader) ReadLine() (string, error) {
	line, err := l.r.ReadSlice('\n')
	switch {
	case err == nil:
		return string(bytes.TrimRight(line, "\r\n")), nil

	case errors.Is(err, bufio.ErrBufferFull):
		head := string(line[:min(len(line), 64)])
		if err := l.discard(); err != nil {
			return "", err
		}
		return "", &ProtocolError{Kind: ErrOversized, Line: head}

	case errors.Is(err, io.EOF) && len(line) > 0:
		return string(bytes.TrimRight(line, "\r")), nil
	}
	return "", err
}

func (l *LineReader) discard() error {
	for {
		_, err := l.r.ReadSlice('\n')
		if err == nil {
			return nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
}
