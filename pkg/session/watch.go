package session

import (
	"go.uber.org/zap"

	"github.com/mikekulinski/zkclient/pkg/proto"
	"github.com/mikekulinski/zkclient/pkg/zookeeper"
)

// setWatchesLimit caps the encoded size of a single watch re-registration
// record; live watches beyond it are split across multiple records.
const setWatchesLimit = 1 << 17

// Watcher is a one-shot subscription to a change on a single path. Its
// channel delivers exactly one event and is then closed: either the node
// change the watch was set for, or a synthetic event with Err set when the
// session reaches a terminal state first.
type Watcher struct {
	// serverPath keys the registry and matches incoming notifications;
	// path is what events report to the caller. They differ only for
	// clients that prepend a chroot prefix.
	serverPath string
	path       string
	c          chan zookeeper.Event
}

// NewWatcher creates an unregistered watcher for path. The session
// registers it once the operation that set the watch completes.
func NewWatcher(path string) *Watcher {
	return NewChrootedWatcher(path, path)
}

// NewChrootedWatcher creates an unregistered watcher that matches
// notifications for serverPath but reports events under path, so a client
// chrooted below a prefix never leaks server-side paths to its caller.
func NewChrootedWatcher(serverPath, path string) *Watcher {
	return &Watcher{
		serverPath: serverPath,
		path:       path,
		c:          make(chan zookeeper.Event, 1),
	}
}

// C returns the event channel. It delivers one event, then closes.
func (w *Watcher) C() <-chan zookeeper.Event {
	return w.c
}

// Path returns the path the watcher was set on, as the caller named it.
func (w *Watcher) Path() string {
	return w.path
}

// fire delivers the event. The registry removes a watcher before firing
// it, so this runs at most once per watcher.
func (w *Watcher) fire(ev zookeeper.Event) {
	w.c <- ev
	close(w.c)
}

type watchKey struct {
	wtype zookeeper.WatchType
	path  string
}

// eventWatchTypes maps a server event to the kinds of watch it fires.
// A deletion fires both data and child watches on the deleted node.
var eventWatchTypes = map[zookeeper.EventType][]zookeeper.WatchType{
	zookeeper.EventNodeCreated:         {zookeeper.WatchExist},
	zookeeper.EventNodeDeleted:         {zookeeper.WatchData, zookeeper.WatchChild},
	zookeeper.EventNodeDataChanged:     {zookeeper.WatchData},
	zookeeper.EventNodeChildrenChanged: {zookeeper.WatchChild},
}

// addWatch records a registration. Callers hold no lock.
func (s *Session) addWatch(w *Watcher, wtype zookeeper.WatchType) {
	key := watchKey{wtype: wtype, path: w.serverPath}
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.watches[key]
	if !ok {
		ws = make(map[*Watcher]struct{})
		s.watches[key] = ws
	}
	ws[w] = struct{}{}
}

// fireWatchEvent routes an incoming notification to every matching
// registration and removes them. Each watcher fires independently, even
// when several target the same path and kind.
func (s *Session) fireWatchEvent(evType zookeeper.EventType, path string) {
	var fired []*Watcher
	s.mu.Lock()
	for _, wtype := range eventWatchTypes[evType] {
		key := watchKey{wtype: wtype, path: path}
		for w := range s.watches[key] {
			fired = append(fired, w)
		}
		delete(s.watches, key)
	}
	s.mu.Unlock()

	if len(fired) == 0 {
		s.log.Debug("watch event with no registered watcher",
			zap.Stringer("type", evType), zap.String("path", path))
		return
	}
	for _, w := range fired {
		w.fire(zookeeper.Event{Type: evType, Path: w.path})
	}
}

// drainWatchesLocked removes and returns every live registration. The
// caller holds s.mu.
func (s *Session) drainWatchesLocked() []*Watcher {
	var ws []*Watcher
	for _, set := range s.watches {
		for w := range set {
			ws = append(ws, w)
		}
	}
	s.watches = make(map[watchKey]map[*Watcher]struct{})
	return ws
}

// rewatchRequests builds the records that re-register every live watch on
// a fresh connection, chunked so no single record exceeds the frame limit.
func (s *Session) rewatchRequests() []*proto.SetWatches {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reqs []*proto.SetWatches
	cur := &proto.SetWatches{RelativeZxid: int64(s.lastZxid)}
	size := 0
	for key, set := range s.watches {
		if len(set) == 0 {
			continue
		}
		pathSize := 4 + len(key.path)
		if size+pathSize > setWatchesLimit {
			reqs = append(reqs, cur)
			cur = &proto.SetWatches{RelativeZxid: int64(s.lastZxid)}
			size = 0
		}
		switch key.wtype {
		case zookeeper.WatchData:
			cur.DataWatches = append(cur.DataWatches, key.path)
		case zookeeper.WatchExist:
			cur.ExistWatches = append(cur.ExistWatches, key.path)
		case zookeeper.WatchChild:
			cur.ChildWatches = append(cur.ChildWatches, key.path)
		}
		size += pathSize
	}
	if size > 0 {
		reqs = append(reqs, cur)
	}
	return reqs
}
