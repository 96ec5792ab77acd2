// Package conn owns a single TCP connection to one ensemble member: dialing,
// the session handshake, and length-prefixed frame IO.
package conn

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/mikekulinski/zkclient/pkg/proto"
)

const (
	// DefaultMaxFrameSize bounds how large a single record the client will
	// accept or send.
	DefaultMaxFrameSize = 1536 * 1024

	// writeTimeout bounds any single frame write. A peer that cannot drain
	// a frame this long is as good as dead.
	writeTimeout = 10 * time.Second
)

// Conn is one live TCP connection. It is safe for one reader and one
// writer goroutine to use it concurrently; Close may be called from any
// goroutine to force both out of their blocking calls.
type Conn struct {
	nc       net.Conn
	sizeBuf  [4]byte
	maxFrame int
	log      *zap.Logger
}

// Dial opens a TCP connection to addr within connectTimeout.
func Dial(ctx context.Context, addr string, connectTimeout time.Duration, maxFrame int, log *zap.Logger) (*Conn, error) {
	d := net.Dialer{Timeout: connectTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Conn{
		nc:       nc,
		maxFrame: maxFrame,
		log:      log,
	}, nil
}

// Handshake sends the connect record and reads the server's reply. It does
// not interpret the reply; deciding between a fresh session, a continued
// one, and a refusal is the session engine's job.
func (c *Conn) Handshake(req *proto.ConnectRequest, timeout time.Duration) (*proto.ConnectResponse, error) {
	if err := c.WriteFrame(req); err != nil {
		return nil, fmt.Errorf("writing handshake: %w", err)
	}
	frame, err := c.ReadFrame(timeout)
	if err != nil {
		return nil, fmt.Errorf("reading handshake reply: %w", err)
	}
	resp := &proto.ConnectResponse{}
	if err := proto.Unmarshal(frame, resp); err != nil {
		return nil, fmt.Errorf("decoding handshake reply: %w", err)
	}
	return resp, nil
}

// WriteFrame encodes the records back to back and writes them as one
// length-prefixed frame.
func (c *Conn) WriteFrame(recs ...proto.Encodable) error {
	body := proto.Marshal(recs...)
	if len(body) > c.maxFrame {
		return fmt.Errorf("frame of %d bytes exceeds limit %d", len(body), c.maxFrame)
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)

	if err := c.nc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := c.nc.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame and returns its body. A zero
// timeout means no deadline.
func (c *Conn) ReadFrame(timeout time.Duration) ([]byte, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.nc.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(c.nc, c.sizeBuf[:]); err != nil {
		return nil, err
	}
	size := int(int32(binary.BigEndian.Uint32(c.sizeBuf[:])))
	if size < 0 || size > c.maxFrame {
		return nil, fmt.Errorf("invalid frame size %d (limit %d)", size, c.maxFrame)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(c.nc, body); err != nil {
		return nil, err
	}
	return body, nil
}

// Close tears the connection down, unblocking any in-progress read or
// write.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// RemoteAddr returns the peer address, for logging.
func (c *Conn) RemoteAddr() string {
	return c.nc.RemoteAddr().String()
}
