package gateway

import (
	"bytes"
	"errors"
	"io"
	"strings"

	"github.com/tatsuworks/czlib"
)

const decompBufferSize = 512 * 1024

// zlibSuffix terminates each logical payload within the continuous deflate
// stream (the Z_SYNC_FLUSH marker).
var zlibSuffix = []byte{0x00, 0x00, 0xff, 0xff}

// streamSource feeds the compressed bytes of the current logical payload to
// the inflate reader. Every segment belongs to the same deflate stream, so
// swapping segments leaves the inflate dictionary intact.
type streamSource struct {
	data []byte
	pos  int
}

func (s *streamSource) load(data []byte) {
	s.data = data
	s.pos = 0
}

func (s *streamSource) Len() int {
	return len(s.data) - s.pos
}

func (s *streamSource) Read(p []byte) (int, error) {
	if s.pos >= len(s.data) {
		return 0, io.EOF
	}
	n := copy(p, s.data[s.pos:])
	s.pos += n
	return n, nil
}

// inflateContext is the per-connection zlib-stream decoder. It must be torn
// down and recreated on every reconnect: the gateway starts a fresh deflate
// stream per connection and a stale dictionary corrupts it.
type inflateContext struct {
	src        *streamSource
	reader     io.ReadCloser
	scratch    []byte
	compressed []byte
}

func newInflateContext() (*inflateContext, error) {
	src := &streamSource{}
	reader, err := czlib.NewReader(src)
	if err != nil {
		return nil, err
	}

	return &inflateContext{
		src:     src,
		reader:  reader,
		scratch: make([]byte, decompBufferSize),
	}, nil
}

// HandleCompressed ingests one transport frame. It returns the complete
// decompressed payload once the stream marker arrives, or nil while the
// logical payload is still incomplete.
func (d *inflateContext) HandleCompressed(frame []byte) ([]byte, error) {
	d.compressed = append(d.compressed, frame...)
	if !bytes.HasSuffix(d.compressed, zlibSuffix) {
		return nil, nil
	}

	d.src.load(d.compressed)

	var decompressed []byte
	for {
		n, err := d.reader.Read(d.scratch)
		if n > 0 {
			decompressed = append(decompressed, d.scratch[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			d.compressed = d.compressed[:0]
			return nil, classifyInflateError(err)
		}
		if d.src.Len() == 0 && n < len(d.scratch) {
			break
		}
	}

	d.compressed = d.compressed[:0]
	return decompressed, nil
}

func (d *inflateContext) Close() error {
	return d.reader.Close()
}

// classifyInflateError maps inflate failures onto the operator-facing zlib
// error categories (6000-6002).
func classifyInflateError(err error) error {
	message := strings.ToLower(err.Error())
	switch {
	case strings.Contains(message, "memory"):
		return ErrZlibMemory
	case strings.Contains(message, "data"), strings.Contains(message, "checksum"), strings.Contains(message, "invalid"):
		return ErrZlibData
	default:
		return ErrZlibStream
	}
}
