// Package client is the public API: typed znode operations layered on the
// session engine, with path prefixing and default ACLs applied in one
// place.
package client

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mikekulinski/zkclient/pkg/proto"
	"github.com/mikekulinski/zkclient/pkg/session"
	"github.com/mikekulinski/zkclient/pkg/zookeeper"
)

// Config holds the client's construction parameters.
type Config struct {
	// Session configures the underlying connection engine.
	Session session.Config

	// PathPrefix, when set, is prepended to every path the client is
	// given, chrooting the application into a subtree. Must be absolute
	// and is never created implicitly.
	PathPrefix string

	// DefaultACL is applied to created nodes when the caller passes no
	// ACL. Defaults to world-readable-writable.
	DefaultACL []proto.ACL

	// RetryReads resubmits read operations transparently after a
	// connection loss instead of failing them. Writes always fail on
	// connection loss; the server may have applied them.
	RetryReads bool
}

// Client is a ZooKeeper client. All methods are safe for concurrent use.
type Client struct {
	s          *session.Session
	log        *zap.Logger
	prefix     string
	defaultACL []proto.ACL
	retryReads bool
}

// New builds a client without touching the network; call Start to
// connect.
func New(cfg Config) (*Client, error) {
	prefix := strings.TrimSuffix(cfg.PathPrefix, "/")
	if prefix != "" {
		if err := validatePath(prefix); err != nil {
			return nil, fmt.Errorf("invalid path prefix: %w", err)
		}
	}
	s, err := session.New(cfg.Session)
	if err != nil {
		return nil, err
	}
	defaultACL := cfg.DefaultACL
	if len(defaultACL) == 0 {
		defaultACL = proto.WorldACL(proto.PermAll)
	}
	log := cfg.Session.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		s:          s,
		log:        log,
		prefix:     prefix,
		defaultACL: defaultACL,
		retryReads: cfg.RetryReads,
	}, nil
}

// Start launches the connection engine. Operations may be submitted
// before Start; they are queued and written once the session connects.
func (c *Client) Start(ctx context.Context) error {
	return c.s.Start(ctx)
}

// Stop shuts the client down, failing all pending operations and firing
// all live watchers with an error event. It returns once teardown is
// complete.
func (c *Client) Stop() {
	c.s.Stop()
}

// WaitForStopped blocks until the session has fully stopped or ctx is
// cancelled.
func (c *Client) WaitForStopped(ctx context.Context) error {
	return c.s.WaitForStopped(ctx)
}

// State returns the current session state.
func (c *Client) State() zookeeper.SessionState {
	return c.s.State()
}

// SessionID returns the server-assigned session id, or zero before the
// first connect.
func (c *Client) SessionID() int64 {
	return c.s.SessionID()
}

// AddListener subscribes to session state transitions.
func (c *Client) AddListener() *session.Listener {
	return c.s.AddListener()
}

// RemoveListener unsubscribes a listener and closes its channel.
func (c *Client) RemoveListener(l *session.Listener) {
	c.s.RemoveListener(l)
}

// fullPath applies the configured prefix. Paths returned from create come
// back through strippedPath, and watchers translate their own paths, so
// callers only ever see their own namespace.
func (c *Client) fullPath(path string) string {
	if c.prefix == "" {
		return path
	}
	if path == "/" {
		return c.prefix
	}
	return c.prefix + path
}

func (c *Client) strippedPath(path string) string {
	if c.prefix == "" {
		return path
	}
	if path == c.prefix {
		return "/"
	}
	return strings.TrimPrefix(path, c.prefix)
}

func (c *Client) readOpts(opts ...session.OpOption) []session.OpOption {
	if c.retryReads {
		opts = append(opts, session.WithRetry())
	}
	return opts
}
