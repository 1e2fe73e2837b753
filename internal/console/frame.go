// Package console implements the daemon's external control protocol:
// framed request/response over TCP or UNIX sockets, connection handshake,
// permission enforcement, streaming install, and notification fanout.
package console

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// defaultMaxRequestSize bounds any single non-install frame when no
// MaxRequestSize is configured.
const defaultMaxRequestSize = 1 << 20 // 1 MiB

var mh codec.MsgpackHandle

// FrameReader reads length-prefixed msgpack frames from a connection,
// exposing whatever bytes it has already buffered past the frame
// boundary so Install streaming can claim them first.
type FrameReader struct {
	br      *bufio.Reader
	maxSize uint32
}

// NewFrameReader wraps r with frame-length enforcement of maxSize.
func NewFrameReader(r io.Reader, maxSize uint32) *FrameReader {
	return &FrameReader{br: bufio.NewReaderSize(r, 64*1024), maxSize: maxSize}
}

// ReadFrame reads one length-prefixed frame and decodes it into v.
func (f *FrameReader) ReadFrame(v interface{}) error {
	var length uint32
	if err := binary.Read(f.br, binary.BigEndian, &length); err != nil {
		return err
	}
	if length > f.maxSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds limit %d", ErrFrameTooLarge, length, f.maxSize)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(f.br, buf); err != nil {
		return err
	}
	dec := codec.NewDecoderBytes(buf, &mh)
	return dec.Decode(v)
}

// DrainBuffered removes and returns up to max bytes the underlying
// bufio.Reader has already pulled off the wire past the last frame
// boundary. Install streaming must claim these first to preserve
// framing; anything beyond max is the next frame's prefix and stays
// queued in the reader.
func (f *FrameReader) DrainBuffered(max int64) []byte {
	n := int64(f.br.Buffered())
	if n == 0 || max <= 0 {
		return nil
	}
	if n > max {
		n = max
	}
	buf := make([]byte, n)
	_, _ = io.ReadFull(f.br, buf)
	return buf
}

// Raw exposes the underlying reader for bulk (non-framed) reads, used
// once Buffered() bytes are exhausted during Install streaming.
func (f *FrameReader) Raw() io.Reader { return f.br }

// FrameWriter writes length-prefixed msgpack frames to a connection.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter wraps w.
func NewFrameWriter(w io.Writer) *FrameWriter { return &FrameWriter{w: w} }

// WriteFrame encodes v and writes it as one length-prefixed frame.
func (f *FrameWriter) WriteFrame(v interface{}) error {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &mh)
	if err := enc.Encode(v); err != nil {
		return err
	}
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(buf)))
	if _, err := f.w.Write(length[:]); err != nil {
		return err
	}
	_, err := f.w.Write(buf)
	return err
}
