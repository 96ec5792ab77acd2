package zookeeper

// EventType identifies the change a watch fired for. The positive values
// match the type field of the server's watcher event records.
type EventType int32

const (
	EventNodeCreated         EventType = 1
	EventNodeDeleted         EventType = 2
	EventNodeDataChanged     EventType = 3
	EventNodeChildrenChanged EventType = 4

	// EventNotWatching is synthetic: delivered to every still-pending
	// watcher when the session reaches a terminal state, so no caller is
	// left waiting on a watch that can never fire.
	EventNotWatching EventType = -2
)

func (t EventType) String() string {
	switch t {
	case EventNodeCreated:
		return "NodeCreated"
	case EventNodeDeleted:
		return "NodeDeleted"
	case EventNodeDataChanged:
		return "NodeDataChanged"
	case EventNodeChildrenChanged:
		return "NodeChildrenChanged"
	case EventNotWatching:
		return "NotWatching"
	default:
		return "Unknown"
	}
}

// WatchType is the kind of server-side watch a registration sets.
type WatchType int

const (
	// WatchData watches a node's content and existence (set by get-data,
	// or by exists on a node that was present).
	WatchData WatchType = iota
	// WatchExist watches for the creation of an absent node (set by exists
	// on a node that was missing).
	WatchExist
	// WatchChild watches a node's child list (set by get-children).
	WatchChild
)

func (t WatchType) String() string {
	switch t {
	case WatchData:
		return "Data"
	case WatchExist:
		return "Exist"
	case WatchChild:
		return "Child"
	default:
		return "Unknown"
	}
}

// Event is what a watcher delivers: either a node change, or a synthetic
// notification with Err set when the session reached a terminal state
// before the watch fired.
type Event struct {
	Type EventType
	Path string
	Err  error
}
