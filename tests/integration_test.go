package tests

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"

	"github.com/mikekulinski/zkclient/pkg/client"
	"github.com/mikekulinski/zkclient/pkg/proto"
	"github.com/mikekulinski/zkclient/pkg/session"
	"github.com/mikekulinski/zkclient/pkg/zookeeper"
)

type integrationTestSuite struct {
	suite.Suite
	server *Server
}

func (i *integrationTestSuite) SetupTest() {
	server, err := StartServer()
	i.Require().NoError(err)
	i.server = server
}

func (i *integrationTestSuite) TearDownTest() {
	i.server.Stop()
}

func (i *integrationTestSuite) newClient(cfg client.Config) *client.Client {
	cfg.Session.Servers = []string{i.server.Addr()}
	if cfg.Session.SessionTimeout == 0 {
		cfg.Session.SessionTimeout = 5 * time.Second
	}
	cfg.Session.Logger = zaptest.NewLogger(i.T())
	c, err := client.New(cfg)
	i.Require().NoError(err)
	return c
}

func (i *integrationTestSuite) startClient(cfg client.Config) *client.Client {
	c := i.newClient(cfg)
	i.Require().NoError(c.Start(context.Background()))
	i.T().Cleanup(c.Stop)
	return c
}

func (i *integrationTestSuite) TestCreateThenGetData() {
	ctx := context.Background()
	c := i.startClient(client.Config{})

	path, err := c.Create(ctx, "/zoo", []byte("first"), 0, nil)
	i.Require().NoError(err)
	i.Equal("/zoo", path)

	path, err = c.Create(ctx, "/zoo/giraffe", []byte("tall"), 0, nil)
	i.Require().NoError(err)
	i.Equal("/zoo/giraffe", path)

	data, stat, err := c.GetData(ctx, "/zoo")
	i.Require().NoError(err)
	i.Equal([]byte("first"), data)
	i.Equal(int32(0), stat.Version)

	data, _, err = c.GetData(ctx, "/zoo/giraffe")
	i.Require().NoError(err)
	i.Equal([]byte("tall"), data)

	_, err = c.SetData(ctx, "/zoo", []byte("second"), 0)
	i.Require().NoError(err)

	data, stat, err = c.GetData(ctx, "/zoo")
	i.Require().NoError(err)
	i.Equal([]byte("second"), data)
	i.Equal(int32(1), stat.Version)

	children, _, err := c.GetChildren(ctx, "/zoo")
	i.Require().NoError(err)
	i.Equal([]string{"giraffe"}, children)
}

func (i *integrationTestSuite) TestVersionConflicts() {
	ctx := context.Background()
	c := i.startClient(client.Config{})

	_, err := c.Create(ctx, "/node", nil, 0, nil)
	i.Require().NoError(err)

	_, err = c.Create(ctx, "/node", nil, 0, nil)
	i.ErrorIs(err, zookeeper.ErrNodeExists)

	_, err = c.SetData(ctx, "/node", []byte("x"), 7)
	i.ErrorIs(err, zookeeper.ErrBadVersion)

	i.ErrorIs(c.Delete(ctx, "/node", 7), zookeeper.ErrBadVersion)
	i.NoError(c.Delete(ctx, "/node", -1))

	_, _, err = c.GetData(ctx, "/node")
	i.ErrorIs(err, zookeeper.ErrNoNode)
}

func (i *integrationTestSuite) TestSequentialCreate() {
	ctx := context.Background()
	c := i.startClient(client.Config{})

	_, err := c.Create(ctx, "/queue", nil, 0, nil)
	i.Require().NoError(err)

	first, err := c.Create(ctx, "/queue/item-", nil, proto.FlagSequence, nil)
	i.Require().NoError(err)
	second, err := c.Create(ctx, "/queue/item-", nil, proto.FlagSequence, nil)
	i.Require().NoError(err)

	i.Equal("/queue/item-0000000000", first)
	i.Equal("/queue/item-0000000001", second)
}

func (i *integrationTestSuite) TestQueuedBeforeStart() {
	ctx := context.Background()
	c := i.newClient(client.Config{})

	done := make(chan error, 1)
	go func() {
		_, err := c.Create(ctx, "/early", []byte("queued"), 0, nil)
		done <- err
	}()

	// The operation has nowhere to go yet; give it time to queue, then
	// connect and watch it drain.
	time.Sleep(50 * time.Millisecond)
	i.Require().NoError(c.Start(context.Background()))
	defer c.Stop()

	select {
	case err := <-done:
		i.Require().NoError(err)
	case <-time.After(5 * time.Second):
		i.FailNow("queued operation never completed")
	}

	data, _, err := c.GetData(ctx, "/early")
	i.Require().NoError(err)
	i.Equal([]byte("queued"), data)
}

func (i *integrationTestSuite) TestWatchDataChange() {
	ctx := context.Background()
	c := i.startClient(client.Config{})

	_, err := c.Create(ctx, "/watched", []byte("v0"), 0, nil)
	i.Require().NoError(err)

	data, _, w, err := c.GetDataW(ctx, "/watched")
	i.Require().NoError(err)
	i.Equal([]byte("v0"), data)

	_, err = c.SetData(ctx, "/watched", []byte("v1"), -1)
	i.Require().NoError(err)

	select {
	case ev := <-w.C():
		i.Equal(zookeeper.EventNodeDataChanged, ev.Type)
		i.Equal("/watched", ev.Path)
		i.NoError(ev.Err)
	case <-time.After(5 * time.Second):
		i.FailNow("watch never fired")
	}

	// One-shot: a second change must not reach the same watcher.
	_, err = c.SetData(ctx, "/watched", []byte("v2"), -1)
	i.Require().NoError(err)
	_, ok := <-w.C()
	i.False(ok, "watcher channel should be closed after its single event")
}

func (i *integrationTestSuite) TestWatchSamePathTwoWatchers() {
	ctx := context.Background()
	c := i.startClient(client.Config{})

	_, err := c.Create(ctx, "/shared", nil, 0, nil)
	i.Require().NoError(err)

	_, _, w1, err := c.GetDataW(ctx, "/shared")
	i.Require().NoError(err)
	_, _, w2, err := c.GetDataW(ctx, "/shared")
	i.Require().NoError(err)

	_, err = c.SetData(ctx, "/shared", []byte("x"), -1)
	i.Require().NoError(err)

	for _, w := range []*session.Watcher{w1, w2} {
		select {
		case ev := <-w.C():
			i.Equal(zookeeper.EventNodeDataChanged, ev.Type)
		case <-time.After(5 * time.Second):
			i.FailNow("watcher never fired")
		}
	}
}

func (i *integrationTestSuite) TestExistsWatchOnMissingNode() {
	ctx := context.Background()
	c := i.startClient(client.Config{})

	stat, w, err := c.ExistsW(ctx, "/later")
	i.Require().NoError(err)
	i.Nil(stat)

	_, err = c.Create(ctx, "/later", nil, 0, nil)
	i.Require().NoError(err)

	select {
	case ev := <-w.C():
		i.Equal(zookeeper.EventNodeCreated, ev.Type)
		i.Equal("/later", ev.Path)
	case <-time.After(5 * time.Second):
		i.FailNow("exist watch never fired")
	}
}

func (i *integrationTestSuite) TestChildWatch() {
	ctx := context.Background()
	c := i.startClient(client.Config{})

	_, err := c.Create(ctx, "/group", nil, 0, nil)
	i.Require().NoError(err)

	children, _, w, err := c.GetChildrenW(ctx, "/group")
	i.Require().NoError(err)
	i.Empty(children)

	_, err = c.Create(ctx, "/group/member", nil, proto.FlagEphemeral, nil)
	i.Require().NoError(err)

	select {
	case ev := <-w.C():
		i.Equal(zookeeper.EventNodeChildrenChanged, ev.Type)
		i.Equal("/group", ev.Path)
	case <-time.After(5 * time.Second):
		i.FailNow("child watch never fired")
	}
}

func (i *integrationTestSuite) TestWriteFailsOnConnectionLoss() {
	ctx := context.Background()
	c := i.startClient(client.Config{})

	_, err := c.Create(ctx, "/unlucky", nil, 0, nil)
	i.Require().NoError(err)

	// Swallow the write so it is in flight when the connection dies.
	i.server.HoldReplies(true)
	done := make(chan error, 1)
	go func() {
		_, err := c.SetData(ctx, "/unlucky", []byte("lost"), -1)
		done <- err
	}()
	time.Sleep(100 * time.Millisecond)
	i.server.HoldReplies(false)
	i.server.KillConnections()

	select {
	case err := <-done:
		i.ErrorIs(err, zookeeper.ErrConnectionLost)
	case <-time.After(5 * time.Second):
		i.FailNow("in-flight write never resolved")
	}

	// The session survives; later operations go through the reconnected
	// session.
	i.Require().Eventually(func() bool {
		_, _, err := c.GetData(ctx, "/unlucky")
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
}

func (i *integrationTestSuite) TestRetryableReadSurvivesConnectionLoss() {
	ctx := context.Background()
	c := i.startClient(client.Config{RetryReads: true})

	_, err := c.Create(ctx, "/steady", []byte("still here"), 0, nil)
	i.Require().NoError(err)

	i.server.HoldReplies(true)
	done := make(chan error, 1)
	var data []byte
	go func() {
		var err error
		data, _, err = c.GetData(ctx, "/steady")
		done <- err
	}()
	time.Sleep(100 * time.Millisecond)
	i.server.HoldReplies(false)
	i.server.KillConnections()

	select {
	case err := <-done:
		i.Require().NoError(err)
		i.Equal([]byte("still here"), data)
	case <-time.After(5 * time.Second):
		i.FailNow("retried read never resolved")
	}
}

func (i *integrationTestSuite) TestSessionContinuityAcrossReconnect() {
	ctx := context.Background()
	c := i.startClient(client.Config{})

	_, err := c.Create(ctx, "/anchor", nil, 0, nil)
	i.Require().NoError(err)
	firstID := c.SessionID()
	i.Require().NotZero(firstID)

	l := c.AddListener()
	defer c.RemoveListener(l)

	i.server.KillConnections()

	var events []zookeeper.SessionEvent
	deadline := time.After(5 * time.Second)
	for len(events) < 2 {
		select {
		case change := <-l.C():
			events = append(events, change.Event)
		case <-deadline:
			i.FailNowf("missing transitions", "saw %v", events)
		}
	}
	i.Equal(zookeeper.EventSessionDisconnected, events[0])
	i.Equal(zookeeper.EventSessionReconnected, events[1])
	i.Equal(firstID, c.SessionID())

	_, _, err = c.GetData(ctx, "/anchor")
	i.NoError(err)
}

func (i *integrationTestSuite) TestWatchSurvivesReconnect() {
	ctx := context.Background()
	c := i.startClient(client.Config{})

	_, err := c.Create(ctx, "/durable", []byte("v0"), 0, nil)
	i.Require().NoError(err)
	_, _, w, err := c.GetDataW(ctx, "/durable")
	i.Require().NoError(err)

	i.server.KillConnections()
	i.Require().Eventually(func() bool {
		return c.State() == zookeeper.StateConnected
	}, 5*time.Second, 20*time.Millisecond)

	// The watch was re-registered during the reconnect; a change now must
	// still reach it.
	_, err = c.SetData(ctx, "/durable", []byte("v1"), -1)
	i.Require().NoError(err)

	select {
	case ev := <-w.C():
		i.Equal(zookeeper.EventNodeDataChanged, ev.Type)
	case <-time.After(5 * time.Second):
		i.FailNow("re-registered watch never fired")
	}
}

func (i *integrationTestSuite) TestEphemeralRemovedOnStop() {
	ctx := context.Background()
	c1 := i.newClient(client.Config{})
	i.Require().NoError(c1.Start(context.Background()))

	_, err := c1.Create(ctx, "/presence", nil, proto.FlagEphemeral, nil)
	i.Require().NoError(err)

	c2 := i.startClient(client.Config{})
	stat, err := c2.Exists(ctx, "/presence")
	i.Require().NoError(err)
	i.Require().NotNil(stat)

	c1.Stop()

	i.Require().Eventually(func() bool {
		stat, err := c2.Exists(ctx, "/presence")
		return err == nil && stat == nil
	}, 5*time.Second, 50*time.Millisecond)
}

func (i *integrationTestSuite) TestSessionExpiry() {
	ctx := context.Background()
	c := i.startClient(client.Config{})

	_, err := c.Create(ctx, "/doomed", nil, 0, nil)
	i.Require().NoError(err)

	i.server.ExpireSession(c.SessionID())

	i.Require().NoError(c.WaitForStopped(contextWithTimeout(i.T(), 5*time.Second)))
	i.Equal(zookeeper.StateExpired, c.State())

	_, _, err = c.GetData(ctx, "/doomed")
	i.ErrorIs(err, zookeeper.ErrSessionExpired)
}

func (i *integrationTestSuite) TestStopFiresPendingWatchers() {
	ctx := context.Background()
	c := i.startClient(client.Config{})

	_, err := c.Create(ctx, "/quiet", nil, 0, nil)
	i.Require().NoError(err)
	_, _, w, err := c.GetDataW(ctx, "/quiet")
	i.Require().NoError(err)

	c.Stop()

	select {
	case ev := <-w.C():
		i.Equal(zookeeper.EventNotWatching, ev.Type)
		i.ErrorIs(ev.Err, zookeeper.ErrSessionClosed)
	case <-time.After(5 * time.Second):
		i.FailNow("pending watcher never resolved on stop")
	}
}

func (i *integrationTestSuite) TestPathPrefix() {
	ctx := context.Background()
	plain := i.startClient(client.Config{})
	_, err := plain.Create(ctx, "/apps", nil, 0, nil)
	i.Require().NoError(err)
	_, err = plain.Create(ctx, "/apps/web", nil, 0, nil)
	i.Require().NoError(err)

	chrooted := i.startClient(client.Config{PathPrefix: "/apps/web"})
	path, err := chrooted.Create(ctx, "/config", []byte("inner"), 0, nil)
	i.Require().NoError(err)
	i.Equal("/config", path)

	data, _, err := plain.GetData(ctx, "/apps/web/config")
	i.Require().NoError(err)
	i.Equal([]byte("inner"), data)
}

func (i *integrationTestSuite) TestPathPrefixWatch() {
	ctx := context.Background()
	plain := i.startClient(client.Config{})
	for _, path := range []string{"/apps", "/apps/web", "/apps/web/config"} {
		_, err := plain.Create(ctx, path, nil, 0, nil)
		i.Require().NoError(err)
	}

	chrooted := i.startClient(client.Config{PathPrefix: "/apps/web"})
	_, _, w, err := chrooted.GetDataW(ctx, "/config")
	i.Require().NoError(err)
	i.Equal("/config", w.Path())

	// Change the node from outside the chroot; the chrooted watcher must
	// report the path in its own namespace.
	_, err = plain.SetData(ctx, "/apps/web/config", []byte("changed"), -1)
	i.Require().NoError(err)

	select {
	case ev := <-w.C():
		i.Equal(zookeeper.EventNodeDataChanged, ev.Type)
		i.Equal("/config", ev.Path)
		i.NoError(ev.Err)
	case <-time.After(5 * time.Second):
		i.FailNow("chrooted watch never fired")
	}
}

func contextWithTimeout(t *testing.T, d time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func TestIntegrationTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip()
	}
	suite.Run(t, new(integrationTestSuite))
}
