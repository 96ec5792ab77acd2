package proto

// Operation codes as defined by the ZooKeeper protocol.
const (
	OpNotification int32 = 0
	OpCreate       int32 = 1
	OpDelete       int32 = 2
	OpExists       int32 = 3
	OpGetData      int32 = 4
	OpSetData      int32 = 5
	OpGetACL       int32 = 6
	OpSetACL       int32 = 7
	OpGetChildren  int32 = 8
	OpSync         int32 = 9
	OpPing         int32 = 11
	OpGetChildren2 int32 = 12
	OpCheck        int32 = 13
	OpMulti        int32 = 14
	OpAuth         int32 = 100
	OpSetWatches   int32 = 101
	OpClose        int32 = -11
	OpError        int32 = -1
)

// Reserved correlation ids. Replies carrying one of these are not matched
// against pending operations.
const (
	// XidWatcherEvent marks an asynchronous watch notification.
	XidWatcherEvent int32 = -1
	// XidPing marks a heartbeat reply.
	XidPing int32 = -2
	// XidAuth marks the reply to an auth packet sent during connection setup.
	XidAuth int32 = -4
	// XidSetWatches marks the reply to a watch re-registration record.
	XidSetWatches int32 = -8
)

var opNames = map[int32]string{
	OpNotification: "notification",
	OpCreate:       "create",
	OpDelete:       "delete",
	OpExists:       "exists",
	OpGetData:      "getData",
	OpSetData:      "setData",
	OpGetACL:       "getACL",
	OpSetACL:       "setACL",
	OpGetChildren:  "getChildren",
	OpSync:         "sync",
	OpPing:         "ping",
	OpGetChildren2: "getChildren2",
	OpCheck:        "check",
	OpMulti:        "multi",
	OpAuth:         "auth",
	OpSetWatches:   "setWatches",
	OpClose:        "closeSession",
	OpError:        "error",
}

// OpName returns a human readable name for an opcode, for logging.
func OpName(op int32) string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return "unknown"
}

// Create flags. Ephemeral and sequential combine by bitwise OR, matching
// the wire encoding of ZooKeeper's create modes.
const (
	FlagEphemeral int32 = 1
	FlagSequence  int32 = 2
)

// ZNode permission bits.
const (
	PermRead int32 = 1 << iota
	PermWrite
	PermCreate
	PermDelete
	PermAdmin
	PermAll = PermRead | PermWrite | PermCreate | PermDelete | PermAdmin
)
