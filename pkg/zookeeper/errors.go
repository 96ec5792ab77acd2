package zookeeper

import (
	"errors"
	"fmt"
)

// Engine-level errors. These are produced by the client itself, never by
// the server.
var (
	// ErrConnectionLost means the connection died while the operation was in
	// flight. The server may or may not have applied the operation; the
	// caller has to decide whether retrying is safe.
	ErrConnectionLost = errors.New("zookeeper: connection lost")
	// ErrHandshakeRejected means the server refused the connection handshake.
	ErrHandshakeRejected = errors.New("zookeeper: server rejected the connection handshake")
	// ErrSessionExpired means the session is gone, either declared expired
	// by the server or given up on by the client after being disconnected
	// for longer than the session timeout.
	ErrSessionExpired = errors.New("zookeeper: session expired")
	// ErrSessionClosed means the caller stopped the engine.
	ErrSessionClosed = errors.New("zookeeper: session closed")
	// ErrAuthFailed means the server rejected the configured credentials.
	ErrAuthFailed = errors.New("zookeeper: authentication failed")
	// ErrInvalidPath indicates an operation on a malformed path.
	ErrInvalidPath = errors.New("zookeeper: invalid path")
	// ErrNoServers indicates an empty ensemble address list.
	ErrNoServers = errors.New("zookeeper: no server addresses configured")
)

// Server error codes as they appear in reply headers.
const (
	CodeOK                      int32 = 0
	CodeSystemError             int32 = -1
	CodeRuntimeInconsistency    int32 = -2
	CodeDataInconsistency       int32 = -3
	CodeConnectionLoss          int32 = -4
	CodeMarshallingError        int32 = -5
	CodeUnimplemented           int32 = -6
	CodeOperationTimeout        int32 = -7
	CodeBadArguments            int32 = -8
	CodeInvalidState            int32 = -9
	CodeNoNode                  int32 = -101
	CodeNoAuth                  int32 = -102
	CodeBadVersion              int32 = -103
	CodeNoChildrenForEphemerals int32 = -108
	CodeNodeExists              int32 = -110
	CodeNotEmpty                int32 = -111
	CodeSessionExpired          int32 = -112
	CodeInvalidCallback         int32 = -113
	CodeInvalidACL              int32 = -114
	CodeAuthFailed              int32 = -115
	CodeClosing                 int32 = -116
	CodeNothing                 int32 = -117
	CodeSessionMoved            int32 = -118
)

// Server-reported application errors, surfaced to the caller verbatim.
var (
	ErrSystemError             = errors.New("zookeeper: system error")
	ErrRuntimeInconsistency    = errors.New("zookeeper: runtime inconsistency")
	ErrDataInconsistency       = errors.New("zookeeper: data inconsistency")
	ErrMarshallingError        = errors.New("zookeeper: error while marshalling or unmarshalling data")
	ErrUnimplemented           = errors.New("zookeeper: operation is not implemented")
	ErrOperationTimeout        = errors.New("zookeeper: operation timed out")
	ErrBadArguments            = errors.New("zookeeper: invalid arguments")
	ErrInvalidState            = errors.New("zookeeper: invalid state")
	ErrNoNode                  = errors.New("zookeeper: node does not exist")
	ErrNoAuth                  = errors.New("zookeeper: not authenticated")
	ErrBadVersion              = errors.New("zookeeper: version conflict")
	ErrNoChildrenForEphemerals = errors.New("zookeeper: ephemeral nodes cannot have children")
	ErrNodeExists              = errors.New("zookeeper: node already exists")
	ErrNotEmpty                = errors.New("zookeeper: node has children")
	ErrInvalidCallback         = errors.New("zookeeper: invalid callback")
	ErrInvalidACL              = errors.New("zookeeper: invalid ACL")
	ErrClosing                 = errors.New("zookeeper: server is closing")
	ErrNothing                 = errors.New("zookeeper: no server responses to process")
	ErrSessionMoved            = errors.New("zookeeper: session moved to another server")
)

var codeToError = map[int32]error{
	CodeSystemError:             ErrSystemError,
	CodeRuntimeInconsistency:    ErrRuntimeInconsistency,
	CodeDataInconsistency:       ErrDataInconsistency,
	CodeConnectionLoss:          ErrConnectionLost,
	CodeMarshallingError:        ErrMarshallingError,
	CodeUnimplemented:           ErrUnimplemented,
	CodeOperationTimeout:        ErrOperationTimeout,
	CodeBadArguments:            ErrBadArguments,
	CodeInvalidState:            ErrInvalidState,
	CodeNoNode:                  ErrNoNode,
	CodeNoAuth:                  ErrNoAuth,
	CodeBadVersion:              ErrBadVersion,
	CodeNoChildrenForEphemerals: ErrNoChildrenForEphemerals,
	CodeNodeExists:              ErrNodeExists,
	CodeNotEmpty:                ErrNotEmpty,
	CodeSessionExpired:          ErrSessionExpired,
	CodeInvalidCallback:         ErrInvalidCallback,
	CodeInvalidACL:              ErrInvalidACL,
	CodeAuthFailed:              ErrAuthFailed,
	CodeClosing:                 ErrClosing,
	CodeNothing:                 ErrNothing,
	CodeSessionMoved:            ErrSessionMoved,
}

// ErrorForCode maps a reply header error code to a typed error. Code 0
// maps to nil.
func ErrorForCode(code int32) error {
	if code == CodeOK {
		return nil
	}
	if err, ok := codeToError[code]; ok {
		return err
	}
	return fmt.Errorf("zookeeper: unknown server error code %d", code)
}
