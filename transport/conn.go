package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/epeer1/axon-vision-ha/errors"
)

const (
	frameHeaderSize = 5

	// MaxFrameSize bounds the body of a single frame.
	MaxFrameSize = 64 << 20

	readBufferSize = 64 << 10
)

// Conn is a framed, bidirectional stream. Every frame is
//
//	length u32 (little endian, body bytes) | kind u8 | body
//
// Writes are serialized and vectored, so a frame body given in several parts
// goes to the socket without being copied into one buffer. Reads must come
// from a single goroutine.
type Conn struct {
	conn net.Conn
	ep   Endpoint
	r    *bufio.Reader

	wmu          sync.Mutex
	hdr          [frameHeaderSize]byte
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// NewConn frames an established stream. Listen and Dial call it for you.
func NewConn(c net.Conn, ep Endpoint) *Conn {
	return &Conn{
		conn: c,
		ep:   ep,
		r:    bufio.NewReaderSize(c, readBufferSize),
	}
}

// SetWriteTimeout bounds each WriteFrame; zero disables the bound.
func (c *Conn) SetWriteTimeout(d time.Duration) {
	c.wmu.Lock()
	c.writeTimeout = d
	c.wmu.Unlock()
}

// Endpoint returns the endpoint the connection belongs to.
func (c *Conn) Endpoint() Endpoint {
	return c.ep
}

// WriteFrame writes one frame whose body is the concatenation of parts.
func (c *Conn) WriteFrame(kind byte, parts ...[]byte) error {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	if n > MaxFrameSize {
		return errors.WrapInvalid(
			fmt.Errorf("%w: frame body of %d bytes exceeds %d", errors.ErrInvalidData, n, MaxFrameSize),
			"Conn", "WriteFrame", "frame size check")
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	binary.LittleEndian.PutUint32(c.hdr[:4], uint32(n))
	c.hdr[4] = kind

	bufs := make(net.Buffers, 0, 1+len(parts))
	bufs = append(bufs, c.hdr[:])
	for _, p := range parts {
		if len(p) > 0 {
			bufs = append(bufs, p)
		}
	}

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := bufs.WriteTo(c.conn); err != nil {
		return errors.Transport(err, "Conn", "WriteFrame", c.ep.String())
	}
	return nil
}

// ReadFrame reads the next frame. The body is freshly allocated and owned by
// the caller. A peer that closed cleanly yields an error matching io.EOF.
func (c *Conn) ReadFrame() (kind byte, body []byte, err error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return 0, nil, errors.Transport(err, "Conn", "ReadFrame", c.ep.String())
	}

	n := binary.LittleEndian.Uint32(hdr[:4])
	if n > MaxFrameSize {
		// the stream cannot be resynchronized after a bad length
		return 0, nil, errors.Transport(
			fmt.Errorf("frame length %d exceeds %d", n, MaxFrameSize),
			"Conn", "ReadFrame", c.ep.String())
	}

	body = make([]byte, n)
	if _, err := io.ReadFull(c.r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, errors.Transport(err, "Conn", "ReadFrame", c.ep.String())
	}
	return hdr[4], body, nil
}

// Close closes the underlying stream. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
