package feed

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

const maxLineSize = 4 << 20

type line struct {
	data    []byte
	tooLong bool
	err     error
}

// JSONLSource reads one JSON frame per line, as written by the detector sidecar.
type JSONLSource struct {
	r     io.Reader
	lines chan line
	done  chan struct{}
}

// NewJSONLSource starts reading frames from r.
func NewJSONLSource(r io.Reader) *JSONLSource {
	s := &JSONLSource{
		r:     r,
		lines: make(chan line),
		done:  make(chan struct{}),
	}
	go s.scan()
	return s
}

// OpenFile opens a JSONL file, or stdin when path is "-".
func OpenFile(path string) (*JSONLSource, error) {
	if path == "-" {
		return NewJSONLSource(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return NewJSONLSource(f), nil
}

func (s *JSONLSource) scan() {
	defer close(s.lines)

	r := bufio.NewReaderSize(s.r, 64*1024)
	for {
		data, tooLong, err := readLine(r)
		if tooLong {
			if !s.send(line{tooLong: true}) {
				return
			}
		} else if data = bytes.TrimSpace(data); len(data) > 0 {
			if !s.send(line{data: data}) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.send(line{err: err})
			}
			return
		}
	}
}

func (s *JSONLSource) send(l line) bool {
	select {
	case s.lines <- l:
		return true
	case <-s.done:
		return false
	}
}

// readLine returns the next line. A line longer than maxLineSize is discarded
// up to its newline and reported as too long.
func readLine(r *bufio.Reader) ([]byte, bool, error) {
	var buf []byte
	tooLong := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(chunk) > maxLineSize {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return buf, tooLong, err
	}
}

// Next returns the next frame.
func (s *JSONLSource) Next(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case l, ok := <-s.lines:
		if !ok {
			return Frame{}, io.EOF
		}
		if l.err != nil {
			return Frame{}, l.err
		}
		if l.tooLong {
			return Frame{Err: fmt.Errorf("frame line exceeds %d bytes", maxLineSize)}, nil
		}
		return Decode(l.data), nil
	}
}

// Close stops the reader and closes the underlying stream when it is closable.
func (s *JSONLSource) Close() error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}
	if c, ok := s.r.(io.Closer); ok && s.r != os.Stdin {
		return c.Close()
	}
	return nil
}
