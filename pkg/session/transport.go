package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mikekulinski/zkclient/pkg/conn"
	"github.com/mikekulinski/zkclient/pkg/proto"
)

// Transport is one live connection to an ensemble member. *conn.Conn is
// the production implementation; tests substitute their own.
//
//go:generate mockgen -source=transport.go -destination=mocks/transport.go -package=mocks
type Transport interface {
	// Handshake sends the connect record and returns the server's reply.
	Handshake(req *proto.ConnectRequest, timeout time.Duration) (*proto.ConnectResponse, error)
	// WriteFrame writes the records as a single length-prefixed frame.
	WriteFrame(recs ...proto.Encodable) error
	// ReadFrame reads one frame body. A zero timeout means no deadline.
	ReadFrame(timeout time.Duration) ([]byte, error)
	// Close tears the connection down, unblocking concurrent reads and
	// writes. It must tolerate being called more than once.
	Close() error
	// RemoteAddr identifies the peer, for logging.
	RemoteAddr() string
}

// Dialer opens a Transport to the given endpoint.
type Dialer func(ctx context.Context, addr string, connectTimeout time.Duration, maxFrame int, log *zap.Logger) (Transport, error)

func tcpDialer(ctx context.Context, addr string, connectTimeout time.Duration, maxFrame int, log *zap.Logger) (Transport, error) {
	return conn.Dial(ctx, addr, connectTimeout, maxFrame, log)
}
