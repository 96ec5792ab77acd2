package proto

import (
	"go.uber.org/zap/zapcore"
)

// SessionPasswordSize is the fixed size of the session password assigned
// by the server.
const SessionPasswordSize = 16

// ConnectRequest is the handshake record sent on every fresh connection.
// A zero SessionID asks the server for a brand new session; a non-zero
// SessionID together with the matching password continues an existing one.
type ConnectRequest struct {
	ProtocolVersion int32
	LastZxidSeen    int64
	Timeout         int32
	SessionID       int64
	Passwd          []byte
}

func (r *ConnectRequest) Encode(e *Encoder) {
	e.Int32(r.ProtocolVersion)
	e.Int64(r.LastZxidSeen)
	e.Int32(r.Timeout)
	e.Int64(r.SessionID)
	e.Buffer(r.Passwd)
}

func (r *ConnectRequest) Decode(d *Decoder) error {
	r.ProtocolVersion = d.Int32()
	r.LastZxidSeen = d.Int64()
	r.Timeout = d.Int32()
	r.SessionID = d.Int64()
	r.Passwd = d.Buffer()
	return d.Err()
}

// ConnectResponse is the handshake reply. A non-positive Timeout means the
// server refused to continue the presented session.
type ConnectResponse struct {
	ProtocolVersion int32
	Timeout         int32
	SessionID       int64
	Passwd          []byte
}

func (r *ConnectResponse) Encode(e *Encoder) {
	e.Int32(r.ProtocolVersion)
	e.Int32(r.Timeout)
	e.Int64(r.SessionID)
	e.Buffer(r.Passwd)
}

func (r *ConnectResponse) Decode(d *Decoder) error {
	r.ProtocolVersion = d.Int32()
	r.Timeout = d.Int32()
	r.SessionID = d.Int64()
	r.Passwd = d.Buffer()
	return d.Err()
}

// RequestHeader precedes every post-handshake request record.
type RequestHeader struct {
	Xid    int32
	Opcode int32
}

func (r *RequestHeader) Encode(e *Encoder) {
	e.Int32(r.Xid)
	e.Int32(r.Opcode)
}

func (r *RequestHeader) Decode(d *Decoder) error {
	r.Xid = d.Int32()
	r.Opcode = d.Int32()
	return d.Err()
}

// MarshalLogObject renders the header for structured logging.
func (r *RequestHeader) MarshalLogObject(kv zapcore.ObjectEncoder) error {
	kv.AddInt32("xid", r.Xid)
	kv.AddString("op", OpName(r.Opcode))
	return nil
}

// ReplyHeader precedes every post-handshake reply record.
type ReplyHeader struct {
	Xid  int32
	Zxid Zxid
	Err  int32
}

func (r *ReplyHeader) Encode(e *Encoder) {
	e.Int32(r.Xid)
	e.Int64(int64(r.Zxid))
	e.Int32(r.Err)
}

func (r *ReplyHeader) Decode(d *Decoder) error {
	r.Xid = d.Int32()
	r.Zxid = Zxid(d.Int64())
	r.Err = d.Int32()
	return d.Err()
}

// MarshalLogObject renders the header for structured logging.
func (r *ReplyHeader) MarshalLogObject(kv zapcore.ObjectEncoder) error {
	kv.AddInt32("xid", r.Xid)
	kv.AddInt64("zxid", int64(r.Zxid))
	kv.AddInt32("err", r.Err)
	return nil
}

// ACL grants the identity (Scheme, ID) the permission bits in Perms.
type ACL struct {
	Perms  int32
	Scheme string
	ID     string
}

func (a *ACL) Encode(e *Encoder) {
	e.Int32(a.Perms)
	e.String(a.Scheme)
	e.String(a.ID)
}

func (a *ACL) Decode(d *Decoder) error {
	a.Perms = d.Int32()
	a.Scheme = d.String()
	a.ID = d.String()
	return d.Err()
}

// WorldACL returns an ACL list granting perms to everyone.
func WorldACL(perms int32) []ACL {
	return []ACL{{Perms: perms, Scheme: "world", ID: "anyone"}}
}

// AuthACL returns an ACL list granting perms to the authenticated user.
func AuthACL(perms int32) []ACL {
	return []ACL{{Perms: perms, Scheme: "auth"}}
}

func encodeACLs(e *Encoder, acls []ACL) {
	e.Int32(int32(len(acls)))
	for i := range acls {
		acls[i].Encode(e)
	}
}

func decodeACLs(d *Decoder) []ACL {
	n := d.Int32()
	if d.Err() != nil || n <= 0 {
		return nil
	}
	acls := make([]ACL, n)
	for i := range acls {
		if err := acls[i].Decode(d); err != nil {
			return nil
		}
	}
	return acls
}

// Stat holds the metadata the server tracks for every znode.
type Stat struct {
	Czxid          Zxid
	Mzxid          Zxid
	Ctime          int64
	Mtime          int64
	Version        int32
	Cversion       int32
	Aversion       int32
	EphemeralOwner int64
	DataLength     int32
	NumChildren    int32
	Pzxid          Zxid
}

func (s *Stat) Encode(e *Encoder) {
	e.Int64(int64(s.Czxid))
	e.Int64(int64(s.Mzxid))
	e.Int64(s.Ctime)
	e.Int64(s.Mtime)
	e.Int32(s.Version)
	e.Int32(s.Cversion)
	e.Int32(s.Aversion)
	e.Int64(s.EphemeralOwner)
	e.Int32(s.DataLength)
	e.Int32(s.NumChildren)
	e.Int64(int64(s.Pzxid))
}

func (s *Stat) Decode(d *Decoder) error {
	s.Czxid = Zxid(d.Int64())
	s.Mzxid = Zxid(d.Int64())
	s.Ctime = d.Int64()
	s.Mtime = d.Int64()
	s.Version = d.Int32()
	s.Cversion = d.Int32()
	s.Aversion = d.Int32()
	s.EphemeralOwner = d.Int64()
	s.DataLength = d.Int32()
	s.NumChildren = d.Int32()
	s.Pzxid = Zxid(d.Int64())
	return d.Err()
}

type CreateRequest struct {
	Path  string
	Data  []byte
	ACL   []ACL
	Flags int32
}

func (r *CreateRequest) Encode(e *Encoder) {
	e.String(r.Path)
	e.Buffer(r.Data)
	encodeACLs(e, r.ACL)
	e.Int32(r.Flags)
}

func (r *CreateRequest) Decode(d *Decoder) error {
	r.Path = d.String()
	r.Data = d.Buffer()
	r.ACL = decodeACLs(d)
	r.Flags = d.Int32()
	return d.Err()
}

type CreateResponse struct {
	Path string
}

func (r *CreateResponse) Encode(e *Encoder) {
	e.String(r.Path)
}

func (r *CreateResponse) Decode(d *Decoder) error {
	r.Path = d.String()
	return d.Err()
}

type DeleteRequest struct {
	Path    string
	Version int32
}

func (r *DeleteRequest) Encode(e *Encoder) {
	e.String(r.Path)
	e.Int32(r.Version)
}

func (r *DeleteRequest) Decode(d *Decoder) error {
	r.Path = d.String()
	r.Version = d.Int32()
	return d.Err()
}

// DeleteResponse has no body.
type DeleteResponse struct{}

func (r *DeleteResponse) Encode(*Encoder) {}

func (r *DeleteResponse) Decode(*Decoder) error { return nil }

type ExistsRequest struct {
	Path  string
	Watch bool
}

func (r *ExistsRequest) Encode(e *Encoder) {
	e.String(r.Path)
	e.Bool(r.Watch)
}

func (r *ExistsRequest) Decode(d *Decoder) error {
	r.Path = d.String()
	r.Watch = d.Bool()
	return d.Err()
}

type ExistsResponse struct {
	Stat Stat
}

func (r *ExistsResponse) Encode(e *Encoder) {
	r.Stat.Encode(e)
}

func (r *ExistsResponse) Decode(d *Decoder) error {
	return r.Stat.Decode(d)
}

type GetDataRequest struct {
	Path  string
	Watch bool
}

func (r *GetDataRequest) Encode(e *Encoder) {
	e.String(r.Path)
	e.Bool(r.Watch)
}

func (r *GetDataRequest) Decode(d *Decoder) error {
	r.Path = d.String()
	r.Watch = d.Bool()
	return d.Err()
}

type GetDataResponse struct {
	Data []byte
	Stat Stat
}

func (r *GetDataResponse) Encode(e *Encoder) {
	e.Buffer(r.Data)
	r.Stat.Encode(e)
}

func (r *GetDataResponse) Decode(d *Decoder) error {
	r.Data = d.Buffer()
	return r.Stat.Decode(d)
}

type SetDataRequest struct {
	Path    string
	Data    []byte
	Version int32
}

func (r *SetDataRequest) Encode(e *Encoder) {
	e.String(r.Path)
	e.Buffer(r.Data)
	e.Int32(r.Version)
}

func (r *SetDataRequest) Decode(d *Decoder) error {
	r.Path = d.String()
	r.Data = d.Buffer()
	r.Version = d.Int32()
	return d.Err()
}

type SetDataResponse struct {
	Stat Stat
}

func (r *SetDataResponse) Encode(e *Encoder) {
	r.Stat.Encode(e)
}

func (r *SetDataResponse) Decode(d *Decoder) error {
	return r.Stat.Decode(d)
}

type GetChildrenRequest struct {
	Path  string
	Watch bool
}

func (r *GetChildrenRequest) Encode(e *Encoder) {
	e.String(r.Path)
	e.Bool(r.Watch)
}

func (r *GetChildrenRequest) Decode(d *Decoder) error {
	r.Path = d.String()
	r.Watch = d.Bool()
	return d.Err()
}

type GetChildrenResponse struct {
	Children []string
}

func (r *GetChildrenResponse) Encode(e *Encoder) {
	e.Strings(r.Children)
}

func (r *GetChildrenResponse) Decode(d *Decoder) error {
	r.Children = d.Strings()
	return d.Err()
}

// GetChildren2Response is the reply to OpGetChildren2, which also carries
// the parent's stat.
type GetChildren2Response struct {
	Children []string
	Stat     Stat
}

func (r *GetChildren2Response) Encode(e *Encoder) {
	e.Strings(r.Children)
	r.Stat.Encode(e)
}

func (r *GetChildren2Response) Decode(d *Decoder) error {
	r.Children = d.Strings()
	return r.Stat.Decode(d)
}

type GetACLRequest struct {
	Path string
}

func (r *GetACLRequest) Encode(e *Encoder) {
	e.String(r.Path)
}

func (r *GetACLRequest) Decode(d *Decoder) error {
	r.Path = d.String()
	return d.Err()
}

type GetACLResponse struct {
	ACL  []ACL
	Stat Stat
}

func (r *GetACLResponse) Encode(e *Encoder) {
	encodeACLs(e, r.ACL)
	r.Stat.Encode(e)
}

func (r *GetACLResponse) Decode(d *Decoder) error {
	r.ACL = decodeACLs(d)
	return r.Stat.Decode(d)
}

type SetACLRequest struct {
	Path    string
	ACL     []ACL
	Version int32
}

func (r *SetACLRequest) Encode(e *Encoder) {
	e.String(r.Path)
	encodeACLs(e, r.ACL)
	e.Int32(r.Version)
}

func (r *SetACLRequest) Decode(d *Decoder) error {
	r.Path = d.String()
	r.ACL = decodeACLs(d)
	r.Version = d.Int32()
	return d.Err()
}

type SetACLResponse struct {
	Stat Stat
}

func (r *SetACLResponse) Encode(e *Encoder) {
	r.Stat.Encode(e)
}

func (r *SetACLResponse) Decode(d *Decoder) error {
	return r.Stat.Decode(d)
}

type SyncRequest struct {
	Path string
}

func (r *SyncRequest) Encode(e *Encoder) {
	e.String(r.Path)
}

func (r *SyncRequest) Decode(d *Decoder) error {
	r.Path = d.String()
	return d.Err()
}

type SyncResponse struct {
	Path string
}

func (r *SyncResponse) Encode(e *Encoder) {
	e.String(r.Path)
}

func (r *SyncResponse) Decode(d *Decoder) error {
	r.Path = d.String()
	return d.Err()
}

// AuthPacket carries one credential, sent with XidAuth during connection
// setup.
type AuthPacket struct {
	Type   int32
	Scheme string
	Auth   []byte
}

func (r *AuthPacket) Encode(e *Encoder) {
	e.Int32(r.Type)
	e.String(r.Scheme)
	e.Buffer(r.Auth)
}

func (r *AuthPacket) Decode(d *Decoder) error {
	r.Type = d.Int32()
	r.Scheme = d.String()
	r.Auth = d.Buffer()
	return d.Err()
}

// SetWatches re-registers live watches after a reconnect, sent with
// XidSetWatches before the session is declared connected again.
type SetWatches struct {
	RelativeZxid int64
	DataWatches  []string
	ExistWatches []string
	ChildWatches []string
}

func (r *SetWatches) Encode(e *Encoder) {
	e.Int64(r.RelativeZxid)
	e.Strings(r.DataWatches)
	e.Strings(r.ExistWatches)
	e.Strings(r.ChildWatches)
}

func (r *SetWatches) Decode(d *Decoder) error {
	r.RelativeZxid = d.Int64()
	r.DataWatches = d.Strings()
	r.ExistWatches = d.Strings()
	r.ChildWatches = d.Strings()
	return d.Err()
}

// WatcherEvent is the asynchronous notification record delivered with
// XidWatcherEvent.
type WatcherEvent struct {
	Type  int32
	State int32
	Path  string
}

func (r *WatcherEvent) Encode(e *Encoder) {
	e.Int32(r.Type)
	e.Int32(r.State)
	e.String(r.Path)
}

func (r *WatcherEvent) Decode(d *Decoder) error {
	r.Type = d.Int32()
	r.State = d.Int32()
	r.Path = d.String()
	return d.Err()
}
