package tests

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/mikekulinski/zkclient/pkg/proto"
	"github.com/mikekulinski/zkclient/pkg/zookeeper"
)

// Server is an in-process ZooKeeper lookalike speaking the real wire
// protocol over TCP: handshake, length-prefixed jute frames, sessions,
// one-shot watches, ephemeral nodes. It exists so the integration suite
// can exercise the whole client stack without an external ensemble, and
// it exposes failure levers (killing connections, expiring sessions,
// withholding replies) that a real server would not.
type Server struct {
	lis net.Listener

	mu            sync.Mutex
	nodes         map[string]*node
	sessions      map[int64]*serverSession
	conns         map[*serverConn]struct{}
	nextSessionID int64
	zxid          int64
	hold          bool
	failAuth      bool
	stopped       bool
}

type node struct {
	data           []byte
	acl            []proto.ACL
	version        int32
	cversion       int32
	aversion       int32
	czxid          int64
	mzxid          int64
	pzxid          int64
	ctime          int64
	mtime          int64
	ephemeralOwner int64
	nextSequence   int32
}

type serverSession struct {
	id       int64
	password []byte
	timeout  time.Duration
	conn     *serverConn
	watches  map[serverWatchKey]struct{}
}

type serverWatchKey struct {
	wtype zookeeper.WatchType
	path  string
}

// serverConn serializes frame writes, since watch events triggered by
// other sessions interleave with this connection's own replies.
type serverConn struct {
	nc      net.Conn
	writeMu sync.Mutex
}

func (c *serverConn) writeFrame(recs ...proto.Encodable) error {
	body := proto.Marshal(recs...)
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.nc.Write(buf)
	return err
}

func (c *serverConn) readFrame() ([]byte, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(c.nc, sizeBuf[:]); err != nil {
		return nil, err
	}
	size := int(int32(binary.BigEndian.Uint32(sizeBuf[:])))
	if size < 0 || size > 64*1024*1024 {
		return nil, fmt.Errorf("invalid frame size %d", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(c.nc, body); err != nil {
		return nil, err
	}
	return body, nil
}

// StartServer listens on an ephemeral localhost port and serves until
// Stop.
func StartServer() (*Server, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		lis:      lis,
		nodes:    map[string]*node{"/": {}},
		sessions: map[int64]*serverSession{},
		conns:    map[*serverConn]struct{}{},
	}
	go s.acceptLoop()
	return s, nil
}

// Addr returns the address clients should dial.
func (s *Server) Addr() string {
	return s.lis.Addr().String()
}

// Stop closes the listener and every live connection.
func (s *Server) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.lis.Close()
	s.KillConnections()
}

// KillConnections drops every live connection without touching session
// state, simulating a network partition or server crash.
func (s *Server) KillConnections() {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.nc.Close()
	}
}

// ExpireSession forgets a session, so its next handshake is refused and
// its ephemeral nodes disappear.
func (s *Server) ExpireSession(id int64) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
		s.removeEphemeralsLocked(id)
	}
	s.mu.Unlock()
	if ok && sess.conn != nil {
		sess.conn.nc.Close()
	}
}

// HoldReplies makes the server read and silently drop data operations
// instead of answering them, leaving them in flight on the client side.
// Pings and handshakes still work.
func (s *Server) HoldReplies(hold bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = hold
}

// FailAuth makes every auth packet come back with an auth failure.
func (s *Server) FailAuth(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAuth = fail
}

func (s *Server) acceptLoop() {
	for {
		nc, err := s.lis.Accept()
		if err != nil {
			return
		}
		go s.handleConn(&serverConn{nc: nc})
	}
}

func (s *Server) handleConn(c *serverConn) {
	defer c.nc.Close()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		for _, sess := range s.sessions {
			if sess.conn == c {
				sess.conn = nil
			}
		}
		s.mu.Unlock()
	}()

	sess, err := s.handshake(c)
	if err != nil || sess == nil {
		return
	}

	for {
		frame, err := c.readFrame()
		if err != nil {
			return
		}
		d := proto.NewDecoder(frame)
		hdr := &proto.RequestHeader{}
		if err := hdr.Decode(d); err != nil {
			return
		}
		if closed := s.handleRequest(c, sess, hdr, d); closed {
			return
		}
	}
}

func (s *Server) handshake(c *serverConn) (*serverSession, error) {
	frame, err := c.readFrame()
	if err != nil {
		return nil, err
	}
	req := &proto.ConnectRequest{}
	if err := proto.Unmarshal(frame, req); err != nil {
		return nil, err
	}

	s.mu.Lock()
	var sess *serverSession
	if req.SessionID != 0 {
		existing, ok := s.sessions[req.SessionID]
		if !ok || !bytes.Equal(existing.password, req.Passwd) {
			s.mu.Unlock()
			// Refusal: a zeroed reply with a non-positive timeout.
			_ = c.writeFrame(&proto.ConnectResponse{
				Timeout: 0,
				Passwd:  make([]byte, proto.SessionPasswordSize),
			})
			return nil, nil
		}
		sess = existing
	} else {
		s.nextSessionID++
		id := 0x10000000 + s.nextSessionID
		password := make([]byte, proto.SessionPasswordSize)
		binary.BigEndian.PutUint64(password, uint64(id))
		sess = &serverSession{
			id:       id,
			password: password,
			timeout:  time.Duration(req.Timeout) * time.Millisecond,
			watches:  map[serverWatchKey]struct{}{},
		}
		if sess.timeout <= 0 {
			sess.timeout = 10 * time.Second
		}
		s.sessions[id] = sess
	}
	if sess.conn != nil {
		sess.conn.nc.Close()
	}
	sess.conn = c
	resp := &proto.ConnectResponse{
		Timeout:   int32(sess.timeout / time.Millisecond),
		SessionID: sess.id,
		Passwd:    sess.password,
	}
	s.mu.Unlock()

	return sess, c.writeFrame(resp)
}

// handleRequest processes one decoded request. It returns true when the
// connection should be torn down.
func (s *Server) handleRequest(c *serverConn, sess *serverSession, hdr *proto.RequestHeader, d *proto.Decoder) bool {
	switch hdr.Opcode {
	case proto.OpPing:
		s.mu.Lock()
		zxid := s.zxid
		s.mu.Unlock()
		_ = c.writeFrame(&proto.ReplyHeader{Xid: proto.XidPing, Zxid: proto.Zxid(zxid)})
		return false

	case proto.OpAuth:
		s.mu.Lock()
		code := zookeeper.CodeOK
		if s.failAuth {
			code = zookeeper.CodeAuthFailed
		}
		zxid := s.zxid
		s.mu.Unlock()
		_ = c.writeFrame(&proto.ReplyHeader{Xid: hdr.Xid, Zxid: proto.Zxid(zxid), Err: code})
		return false

	case proto.OpSetWatches:
		req := &proto.SetWatches{}
		if err := req.Decode(d); err != nil {
			return true
		}
		s.mu.Lock()
		for _, p := range req.DataWatches {
			sess.watches[serverWatchKey{zookeeper.WatchData, p}] = struct{}{}
		}
		for _, p := range req.ExistWatches {
			sess.watches[serverWatchKey{zookeeper.WatchExist, p}] = struct{}{}
		}
		for _, p := range req.ChildWatches {
			sess.watches[serverWatchKey{zookeeper.WatchChild, p}] = struct{}{}
		}
		zxid := s.zxid
		s.mu.Unlock()
		_ = c.writeFrame(&proto.ReplyHeader{Xid: hdr.Xid, Zxid: proto.Zxid(zxid)})
		return false

	case proto.OpClose:
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.removeEphemeralsLocked(sess.id)
		zxid := s.zxid
		s.mu.Unlock()
		_ = c.writeFrame(&proto.ReplyHeader{Xid: hdr.Xid, Zxid: proto.Zxid(zxid)})
		return true
	}

	s.mu.Lock()
	if s.hold {
		s.mu.Unlock()
		// Swallow the request; the client is left waiting on this xid.
		return false
	}

	reply, body := s.applyLocked(sess, hdr, d)
	s.mu.Unlock()

	if body != nil {
		_ = c.writeFrame(reply, body)
	} else {
		_ = c.writeFrame(reply)
	}
	return false
}

// applyLocked executes a data operation against the tree. The caller
// holds s.mu.
func (s *Server) applyLocked(sess *serverSession, hdr *proto.RequestHeader, d *proto.Decoder) (*proto.ReplyHeader, proto.Encodable) {
	var (
		body proto.Encodable
		err  error
	)
	switch hdr.Opcode {
	case proto.OpCreate:
		req := &proto.CreateRequest{}
		if err = req.Decode(d); err == nil {
			body, err = s.createLocked(sess, req)
		}
	case proto.OpDelete:
		req := &proto.DeleteRequest{}
		if err = req.Decode(d); err == nil {
			body, err = s.deleteLocked(req)
		}
	case proto.OpExists:
		req := &proto.ExistsRequest{}
		if err = req.Decode(d); err == nil {
			body, err = s.existsLocked(sess, req)
		}
	case proto.OpGetData:
		req := &proto.GetDataRequest{}
		if err = req.Decode(d); err == nil {
			body, err = s.getDataLocked(sess, req)
		}
	case proto.OpSetData:
		req := &proto.SetDataRequest{}
		if err = req.Decode(d); err == nil {
			body, err = s.setDataLocked(req)
		}
	case proto.OpGetChildren, proto.OpGetChildren2:
		req := &proto.GetChildrenRequest{}
		if err = req.Decode(d); err == nil {
			body, err = s.getChildrenLocked(sess, req, hdr.Opcode == proto.OpGetChildren2)
		}
	case proto.OpGetACL:
		req := &proto.GetACLRequest{}
		if err = req.Decode(d); err == nil {
			body, err = s.getACLLocked(req)
		}
	case proto.OpSetACL:
		req := &proto.SetACLRequest{}
		if err = req.Decode(d); err == nil {
			body, err = s.setACLLocked(req)
		}
	case proto.OpSync:
		req := &proto.SyncRequest{}
		if err = req.Decode(d); err == nil {
			body = &proto.SyncResponse{Path: req.Path}
		}
	default:
		err = errUnimplemented
	}

	reply := &proto.ReplyHeader{Xid: hdr.Xid, Zxid: proto.Zxid(s.zxid), Err: codeFor(err)}
	if err != nil {
		body = nil
	}
	return reply, body
}

var (
	errNoNode        = errors.New("no node")
	errNodeExists    = errors.New("node exists")
	errBadVersion    = errors.New("bad version")
	errNotEmpty      = errors.New("not empty")
	errNoChildren    = errors.New("no children for ephemerals")
	errUnimplemented = errors.New("unimplemented")
)

func codeFor(err error) int32 {
	switch {
	case err == nil:
		return zookeeper.CodeOK
	case errors.Is(err, errNoNode):
		return zookeeper.CodeNoNode
	case errors.Is(err, errNodeExists):
		return zookeeper.CodeNodeExists
	case errors.Is(err, errBadVersion):
		return zookeeper.CodeBadVersion
	case errors.Is(err, errNotEmpty):
		return zookeeper.CodeNotEmpty
	case errors.Is(err, errNoChildren):
		return zookeeper.CodeNoChildrenForEphemerals
	case errors.Is(err, errUnimplemented):
		return zookeeper.CodeUnimplemented
	default:
		return zookeeper.CodeSystemError
	}
}

func parentPath(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

func (s *Server) createLocked(sess *serverSession, req *proto.CreateRequest) (proto.Encodable, error) {
	parent, ok := s.nodes[parentPath(req.Path)]
	if !ok {
		return nil, errNoNode
	}
	if parent.ephemeralOwner != 0 {
		return nil, errNoChildren
	}

	path := req.Path
	if req.Flags&proto.FlagSequence != 0 {
		path = fmt.Sprintf("%s%010d", req.Path, parent.nextSequence)
		parent.nextSequence++
	}
	if _, exists := s.nodes[path]; exists {
		return nil, errNodeExists
	}

	s.zxid++
	now := time.Now().UnixMilli()
	n := &node{
		data:  req.Data,
		acl:   req.ACL,
		czxid: s.zxid,
		mzxid: s.zxid,
		ctime: now,
		mtime: now,
	}
	if req.Flags&proto.FlagEphemeral != 0 {
		n.ephemeralOwner = sess.id
	}
	s.nodes[path] = n
	parent.cversion++
	parent.pzxid = s.zxid

	s.fireWatchesLocked(zookeeper.EventNodeCreated, path)
	s.fireWatchesLocked(zookeeper.EventNodeChildrenChanged, parentPath(path))
	return &proto.CreateResponse{Path: path}, nil
}

func (s *Server) deleteLocked(req *proto.DeleteRequest) (proto.Encodable, error) {
	n, ok := s.nodes[req.Path]
	if !ok {
		return nil, errNoNode
	}
	if req.Version != -1 && req.Version != n.version {
		return nil, errBadVersion
	}
	if len(s.childrenLocked(req.Path)) > 0 {
		return nil, errNotEmpty
	}

	s.zxid++
	delete(s.nodes, req.Path)
	if parent, ok := s.nodes[parentPath(req.Path)]; ok {
		parent.cversion++
		parent.pzxid = s.zxid
	}

	s.fireWatchesLocked(zookeeper.EventNodeDeleted, req.Path)
	s.fireWatchesLocked(zookeeper.EventNodeChildrenChanged, parentPath(req.Path))
	return &proto.DeleteResponse{}, nil
}

func (s *Server) existsLocked(sess *serverSession, req *proto.ExistsRequest) (proto.Encodable, error) {
	n, ok := s.nodes[req.Path]
	if !ok {
		if req.Watch {
			sess.watches[serverWatchKey{zookeeper.WatchExist, req.Path}] = struct{}{}
		}
		return nil, errNoNode
	}
	if req.Watch {
		sess.watches[serverWatchKey{zookeeper.WatchData, req.Path}] = struct{}{}
	}
	return &proto.ExistsResponse{Stat: s.statLocked(req.Path, n)}, nil
}

func (s *Server) getDataLocked(sess *serverSession, req *proto.GetDataRequest) (proto.Encodable, error) {
	n, ok := s.nodes[req.Path]
	if !ok {
		return nil, errNoNode
	}
	if req.Watch {
		sess.watches[serverWatchKey{zookeeper.WatchData, req.Path}] = struct{}{}
	}
	return &proto.GetDataResponse{Data: n.data, Stat: s.statLocked(req.Path, n)}, nil
}

func (s *Server) setDataLocked(req *proto.SetDataRequest) (proto.Encodable, error) {
	n, ok := s.nodes[req.Path]
	if !ok {
		return nil, errNoNode
	}
	if req.Version != -1 && req.Version != n.version {
		return nil, errBadVersion
	}
	s.zxid++
	n.data = req.Data
	n.version++
	n.mzxid = s.zxid
	n.mtime = time.Now().UnixMilli()

	s.fireWatchesLocked(zookeeper.EventNodeDataChanged, req.Path)
	return &proto.SetDataResponse{Stat: s.statLocked(req.Path, n)}, nil
}

func (s *Server) getChildrenLocked(sess *serverSession, req *proto.GetChildrenRequest, withStat bool) (proto.Encodable, error) {
	n, ok := s.nodes[req.Path]
	if !ok {
		return nil, errNoNode
	}
	if req.Watch {
		sess.watches[serverWatchKey{zookeeper.WatchChild, req.Path}] = struct{}{}
	}
	children := s.childrenLocked(req.Path)
	if withStat {
		return &proto.GetChildren2Response{Children: children, Stat: s.statLocked(req.Path, n)}, nil
	}
	return &proto.GetChildrenResponse{Children: children}, nil
}

func (s *Server) getACLLocked(req *proto.GetACLRequest) (proto.Encodable, error) {
	n, ok := s.nodes[req.Path]
	if !ok {
		return nil, errNoNode
	}
	return &proto.GetACLResponse{ACL: n.acl, Stat: s.statLocked(req.Path, n)}, nil
}

func (s *Server) setACLLocked(req *proto.SetACLRequest) (proto.Encodable, error) {
	n, ok := s.nodes[req.Path]
	if !ok {
		return nil, errNoNode
	}
	if req.Version != -1 && req.Version != n.aversion {
		return nil, errBadVersion
	}
	s.zxid++
	n.acl = req.ACL
	n.aversion++
	return &proto.SetACLResponse{Stat: s.statLocked(req.Path, n)}, nil
}

func (s *Server) childrenLocked(path string) []string {
	prefix := path + "/"
	if path == "/" {
		prefix = "/"
	}
	var names []string
	for p := range s.nodes {
		if p == "/" || !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := p[len(prefix):]
		if !strings.Contains(rest, "/") {
			names = append(names, rest)
		}
	}
	return names
}

func (s *Server) statLocked(path string, n *node) proto.Stat {
	return proto.Stat{
		Czxid:          proto.Zxid(n.czxid),
		Mzxid:          proto.Zxid(n.mzxid),
		Ctime:          n.ctime,
		Mtime:          n.mtime,
		Version:        n.version,
		Cversion:       n.cversion,
		Aversion:       n.aversion,
		EphemeralOwner: n.ephemeralOwner,
		DataLength:     int32(len(n.data)),
		NumChildren:    int32(len(s.childrenLocked(path))),
		Pzxid:          proto.Zxid(n.pzxid),
	}
}

// removeEphemeralsLocked deletes every node the session owned, firing
// watches as a client-initiated delete would.
func (s *Server) removeEphemeralsLocked(sessionID int64) {
	for path, n := range s.nodes {
		if n.ephemeralOwner != sessionID {
			continue
		}
		s.zxid++
		delete(s.nodes, path)
		if parent, ok := s.nodes[parentPath(path)]; ok {
			parent.cversion++
			parent.pzxid = s.zxid
		}
		s.fireWatchesLocked(zookeeper.EventNodeDeleted, path)
		s.fireWatchesLocked(zookeeper.EventNodeChildrenChanged, parentPath(path))
	}
}

// serverEventWatches maps a change to the kinds of watch it consumes.
var serverEventWatches = map[zookeeper.EventType][]zookeeper.WatchType{
	zookeeper.EventNodeCreated:         {zookeeper.WatchExist},
	zookeeper.EventNodeDeleted:         {zookeeper.WatchData, zookeeper.WatchChild},
	zookeeper.EventNodeDataChanged:     {zookeeper.WatchData},
	zookeeper.EventNodeChildrenChanged: {zookeeper.WatchChild},
}

func (s *Server) fireWatchesLocked(evType zookeeper.EventType, path string) {
	for _, sess := range s.sessions {
		fired := false
		for _, wtype := range serverEventWatches[evType] {
			key := serverWatchKey{wtype, path}
			if _, ok := sess.watches[key]; ok {
				delete(sess.watches, key)
				fired = true
			}
		}
		if !fired || sess.conn == nil {
			continue
		}
		hdr := &proto.ReplyHeader{Xid: proto.XidWatcherEvent, Zxid: proto.Zxid(s.zxid)}
		ev := &proto.WatcherEvent{Type: int32(evType), State: 3, Path: path}
		conn := sess.conn
		go func() {
			_ = conn.writeFrame(hdr, ev)
		}()
	}
}
