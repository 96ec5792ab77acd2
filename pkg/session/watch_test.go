package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikekulinski/zkclient/pkg/zookeeper"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := New(Config{Servers: []string{"zk1:2181"}})
	require.NoError(t, err)
	return s
}

func TestWatchFiresOnceThenCloses(t *testing.T) {
	s := newTestSession(t)

	w := NewWatcher("/config")
	s.addWatch(w, zookeeper.WatchData)

	s.fireWatchEvent(zookeeper.EventNodeDataChanged, "/config")
	ev, ok := <-w.C()
	require.True(t, ok)
	assert.Equal(t, zookeeper.EventNodeDataChanged, ev.Type)
	assert.Equal(t, "/config", ev.Path)
	assert.NoError(t, ev.Err)

	_, ok = <-w.C()
	assert.False(t, ok, "channel should be closed after the event")

	// The registration is gone; a second event is a no-op.
	s.fireWatchEvent(zookeeper.EventNodeDataChanged, "/config")
}

func TestWatchSamePathIndependent(t *testing.T) {
	s := newTestSession(t)

	w1 := NewWatcher("/config")
	w2 := NewWatcher("/config")
	s.addWatch(w1, zookeeper.WatchData)
	s.addWatch(w2, zookeeper.WatchData)

	s.fireWatchEvent(zookeeper.EventNodeDataChanged, "/config")
	for _, w := range []*Watcher{w1, w2} {
		ev, ok := <-w.C()
		require.True(t, ok)
		assert.Equal(t, zookeeper.EventNodeDataChanged, ev.Type)
	}
}

func TestWatchDeletionFiresDataAndChild(t *testing.T) {
	s := newTestSession(t)

	data := NewWatcher("/node")
	child := NewWatcher("/node")
	exist := NewWatcher("/node")
	s.addWatch(data, zookeeper.WatchData)
	s.addWatch(child, zookeeper.WatchChild)
	s.addWatch(exist, zookeeper.WatchExist)

	s.fireWatchEvent(zookeeper.EventNodeDeleted, "/node")

	ev := <-data.C()
	assert.Equal(t, zookeeper.EventNodeDeleted, ev.Type)
	ev = <-child.C()
	assert.Equal(t, zookeeper.EventNodeDeleted, ev.Type)

	select {
	case ev := <-exist.C():
		t.Fatalf("exist watch should not fire on deletion, got %v", ev)
	default:
	}
}

func TestWatchUnrelatedPathUntouched(t *testing.T) {
	s := newTestSession(t)

	w := NewWatcher("/a")
	s.addWatch(w, zookeeper.WatchData)

	s.fireWatchEvent(zookeeper.EventNodeDataChanged, "/b")
	select {
	case ev := <-w.C():
		t.Fatalf("watch on /a should not fire for /b, got %v", ev)
	default:
	}
}

func TestChrootedWatcherReportsCallerPath(t *testing.T) {
	s := newTestSession(t)

	w := NewChrootedWatcher("/apps/web/config", "/config")
	s.addWatch(w, zookeeper.WatchData)

	// Notifications arrive under the server-side path; the caller sees
	// only the path it asked for.
	s.fireWatchEvent(zookeeper.EventNodeDataChanged, "/apps/web/config")
	ev, ok := <-w.C()
	require.True(t, ok)
	assert.Equal(t, zookeeper.EventNodeDataChanged, ev.Type)
	assert.Equal(t, "/config", ev.Path)
	assert.Equal(t, "/config", w.Path())
}

func TestRewatchRequestsChunked(t *testing.T) {
	s := newTestSession(t)

	// Each path is well over a hundred bytes, so a few thousand
	// registrations exceed a single record's size limit.
	path := "/services/discovery/some-deeply/nested/component/instance-%06d" +
		"/xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"
	const n = 2000
	for i := 0; i < n; i++ {
		w := NewWatcher(fmt.Sprintf(path, i))
		s.addWatch(w, zookeeper.WatchData)
	}

	reqs := s.rewatchRequests()
	require.Greater(t, len(reqs), 1)
	total := 0
	for _, req := range reqs {
		assert.Empty(t, req.ExistWatches)
		assert.Empty(t, req.ChildWatches)
		total += len(req.DataWatches)
	}
	assert.Equal(t, n, total)
}

func TestRewatchRequestsEmpty(t *testing.T) {
	s := newTestSession(t)
	assert.Empty(t, s.rewatchRequests())
}
