package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeConnectRequest(t *testing.T) {
	req := &ConnectRequest{
		ProtocolVersion: 0,
		LastZxidSeen:    0x0000000200000005,
		Timeout:         10000,
		SessionID:       0x1122334455667788,
		Passwd:          make([]byte, SessionPasswordSize),
	}
	b := Marshal(req)
	// 4 + 8 + 4 + 8 + (4 + 16) bytes.
	require.Len(t, b, 44)

	decoded := &ConnectRequest{}
	require.NoError(t, Unmarshal(b, decoded))
	assert.Equal(t, req, decoded)
}

func TestReplyHeaderDecode(t *testing.T) {
	hdr := &ReplyHeader{Xid: 7, Zxid: MakeZxid(3, 9), Err: -101}
	b := Marshal(hdr)
	require.Len(t, b, 16)

	decoded := &ReplyHeader{}
	require.NoError(t, Unmarshal(b, decoded))
	assert.Equal(t, hdr, decoded)
	assert.Equal(t, int32(3), decoded.Zxid.Epoch())
	assert.Equal(t, int32(9), decoded.Zxid.Counter())
}

func TestDecoderShortBuffer(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		rec  Decodable
	}{
		{
			name: "empty frame for header",
			buf:  nil,
			rec:  &ReplyHeader{},
		},
		{
			name: "truncated string length",
			buf:  []byte{0, 0},
			rec:  &CreateResponse{},
		},
		{
			name: "string length past end of frame",
			buf:  []byte{0, 0, 0, 10, 'a', 'b'},
			rec:  &CreateResponse{},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := Unmarshal(test.buf, test.rec)
			assert.ErrorIs(t, err, ErrShortBuffer)
		})
	}
}

func TestNilBufferRoundTrip(t *testing.T) {
	b := Marshal(&GetDataResponse{Data: nil})
	decoded := &GetDataResponse{}
	require.NoError(t, Unmarshal(b, decoded))
	assert.Nil(t, decoded.Data)
}

func TestRequestRoundTrips(t *testing.T) {
	tests := []struct {
		name string
		in   interface {
			Encodable
			Decodable
		}
		out interface {
			Encodable
			Decodable
		}
	}{
		{
			name: "create",
			in: &CreateRequest{
				Path:  "/zoo/giraffe",
				Data:  []byte("spots"),
				ACL:   WorldACL(PermAll),
				Flags: FlagEphemeral | FlagSequence,
			},
			out: &CreateRequest{},
		},
		{
			name: "set watches",
			in: &SetWatches{
				RelativeZxid: 42,
				DataWatches:  []string{"/a", "/b"},
				ChildWatches: []string{"/c"},
			},
			out: &SetWatches{},
		},
		{
			name: "watcher event",
			in:   &WatcherEvent{Type: 1, State: 3, Path: "/zoo"},
			out:  &WatcherEvent{},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.NoError(t, Unmarshal(Marshal(test.in), test.out))
			assert.Equal(t, test.in, test.out)
		})
	}
}
