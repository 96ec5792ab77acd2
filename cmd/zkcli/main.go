// Command zkcli runs a short scripted session against a live ensemble:
// connect, create a scratch subtree, read it back, watch it, mutate it,
// and clean up. Useful for smoke-testing connectivity and watching the
// engine's state transitions in the logs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikekulinski/zkclient/pkg/client"
	"github.com/mikekulinski/zkclient/pkg/proto"
	"github.com/mikekulinski/zkclient/pkg/session"
)

func main() {
	servers := flag.String("servers", "localhost:2181", "comma separated ensemble addresses")
	timeout := flag.Duration("timeout", 10*time.Second, "requested session timeout")
	prefix := flag.String("prefix", "", "chroot every path under this prefix")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	logger, err := newLogger(*verbose)
	if err != nil {
		log.Fatal("building logger:", err)
	}
	defer logger.Sync()

	c, err := client.New(client.Config{
		Session: session.Config{
			Servers:        strings.Split(*servers, ","),
			SessionTimeout: *timeout,
			Logger:         logger,
		},
		PathPrefix: *prefix,
		RetryReads: true,
	})
	if err != nil {
		log.Fatal("building client:", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	l := c.AddListener()
	go func() {
		for change := range l.C() {
			logger.Info("session transition",
				zap.Stringer("state", change.State),
				zap.Stringer("event", change.Event))
		}
	}()

	if err := c.Start(ctx); err != nil {
		log.Fatal("starting session:", err)
	}
	defer c.Stop()

	if err := run(ctx, c, logger); err != nil {
		log.Fatal("scripted session failed:", err)
	}
	logger.Info("scripted session finished", zap.Int64("sessionID", c.SessionID()))
}

func run(ctx context.Context, c *client.Client, logger *zap.Logger) error {
	root := fmt.Sprintf("/zkcli-%s", uuid.New().String())
	defer func() {
		if err := c.DeleteRecursive(ctx, root); err != nil {
			logger.Warn("cleanup failed", zap.String("path", root), zap.Error(err))
		}
	}()

	if _, err := c.Create(ctx, root, []byte("scratch"), 0, nil); err != nil {
		return fmt.Errorf("creating %s: %w", root, err)
	}
	logger.Info("created scratch root", zap.String("path", root))

	data, stat, err := c.GetData(ctx, root)
	if err != nil {
		return fmt.Errorf("reading %s: %w", root, err)
	}
	logger.Info("read back", zap.ByteString("data", data), zap.Int32("version", stat.Version))

	_, _, w, err := c.GetChildrenW(ctx, root)
	if err != nil {
		return fmt.Errorf("watching children of %s: %w", root, err)
	}

	child := root + "/members"
	if _, err := c.Create(ctx, child, nil, proto.FlagEphemeral, nil); err != nil {
		return fmt.Errorf("creating %s: %w", child, err)
	}

	select {
	case ev := <-w.C():
		if ev.Err != nil {
			return fmt.Errorf("watch failed: %w", ev.Err)
		}
		logger.Info("watch fired", zap.Stringer("type", ev.Type), zap.String("path", ev.Path))
	case <-time.After(5 * time.Second):
		return fmt.Errorf("watch on %s never fired", root)
	}

	if _, err := c.SetData(ctx, root, []byte("updated"), stat.Version); err != nil {
		return fmt.Errorf("updating %s: %w", root, err)
	}

	children, _, err := c.GetChildren(ctx, root)
	if err != nil {
		return fmt.Errorf("listing %s: %w", root, err)
	}
	logger.Info("children", zap.Strings("names", children))
	return nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}
