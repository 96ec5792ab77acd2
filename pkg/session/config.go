package session

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mikekulinski/zkclient/pkg/conn"
	"github.com/mikekulinski/zkclient/pkg/proto"
	"github.com/mikekulinski/zkclient/pkg/zookeeper"
)

const (
	// DefaultSessionTimeout is requested when the config leaves the session
	// timeout unset. Shorter timeouts detect failures faster but cost more
	// heartbeat traffic; the server clamps the value to its own bounds
	// during the handshake.
	DefaultSessionTimeout = 10 * time.Second

	// DefaultConnectTimeout bounds a single TCP connect plus handshake
	// against one endpoint.
	DefaultConnectTimeout = 2 * time.Second

	// MinSessionTimeout is the smallest timeout the client will request.
	MinSessionTimeout = time.Second
)

// AuthInfo is one credential replayed to the server on every handshake.
type AuthInfo struct {
	Scheme string
	Auth   []byte
}

// Config holds the engine's construction parameters. The zero value of
// every optional field means "use the documented default".
type Config struct {
	// Servers is the ensemble address list. Required, non-empty. Addresses
	// without a port get the standard client port appended.
	Servers []string

	// SessionTimeout is the requested session timeout. The negotiated
	// value returned by the server governs heartbeats and expiry.
	SessionTimeout time.Duration

	// ConnectTimeout bounds each connection attempt.
	ConnectTimeout time.Duration

	// SessionID and Password continue a previously established session
	// instead of asking for a fresh one.
	SessionID int64
	Password  []byte

	// AuthInfos are credentials added to the session after every handshake.
	AuthInfos []AuthInfo

	// MaxFrameSize bounds individual wire records in both directions.
	MaxFrameSize int

	// Logger receives the engine's structured logs. Defaults to a no-op
	// logger.
	Logger *zap.Logger

	// Dialer is the transport factory. Leave nil for TCP; tests inject
	// their own.
	Dialer Dialer
}

// Validate checks the construction parameters. It never touches the
// network.
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return zookeeper.ErrNoServers
	}
	if c.SessionTimeout != 0 && c.SessionTimeout < MinSessionTimeout {
		return fmt.Errorf("session timeout %v is below the minimum %v", c.SessionTimeout, MinSessionTimeout)
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("connect timeout cannot be negative, got %v", c.ConnectTimeout)
	}
	if c.SessionID != 0 && len(c.Password) != proto.SessionPasswordSize {
		return fmt.Errorf("session continuation requires a %d byte password, got %d bytes", proto.SessionPasswordSize, len(c.Password))
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.SessionTimeout == 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = conn.DefaultMaxFrameSize
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Dialer == nil {
		c.Dialer = tcpDialer
	}
	return c
}
