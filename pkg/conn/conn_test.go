package conn

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikekulinski/zkclient/pkg/proto"
)

func pipeConns(t *testing.T, maxFrame int) (*Conn, *Conn) {
	t.Helper()
	p1, p2 := net.Pipe()
	t.Cleanup(func() {
		p1.Close()
		p2.Close()
	})
	c1 := &Conn{nc: p1, maxFrame: maxFrame, log: zap.NewNop()}
	c2 := &Conn{nc: p2, maxFrame: maxFrame, log: zap.NewNop()}
	return c1, c2
}

func TestWriteReadFrame(t *testing.T) {
	client, server := pipeConns(t, DefaultMaxFrameSize)

	go func() {
		hdr := &proto.RequestHeader{Xid: 7, Opcode: proto.OpGetData}
		req := &proto.GetDataRequest{Path: "/config", Watch: true}
		_ = client.WriteFrame(hdr, req)
	}()

	frame, err := server.ReadFrame(time.Second)
	require.NoError(t, err)

	hdr := &proto.RequestHeader{}
	req := &proto.GetDataRequest{}
	require.NoError(t, proto.Unmarshal(frame, hdr, req))
	assert.Equal(t, int32(7), hdr.Xid)
	assert.Equal(t, proto.OpGetData, hdr.Opcode)
	assert.Equal(t, "/config", req.Path)
	assert.True(t, req.Watch)
}

func TestWriteFrameTooLarge(t *testing.T) {
	client, _ := pipeConns(t, 16)

	req := &proto.SetDataRequest{Path: "/a", Data: make([]byte, 64)}
	err := client.WriteFrame(&proto.RequestHeader{Xid: 1, Opcode: proto.OpSetData}, req)
	assert.ErrorContains(t, err, "exceeds limit")
}

func TestReadFrameOversized(t *testing.T) {
	client, server := pipeConns(t, 16)

	go func() {
		// Bypass the client's own limit by writing the raw prefix.
		_ = client.nc.SetWriteDeadline(time.Now().Add(time.Second))
		_, _ = client.nc.Write([]byte{0x00, 0x10, 0x00, 0x00})
	}()

	_, err := server.ReadFrame(time.Second)
	assert.ErrorContains(t, err, "invalid frame size")
}

func TestReadFrameTimeout(t *testing.T) {
	_, server := pipeConns(t, DefaultMaxFrameSize)

	start := time.Now()
	_, err := server.ReadFrame(20 * time.Millisecond)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestHandshake(t *testing.T) {
	client, server := pipeConns(t, DefaultMaxFrameSize)

	go func() {
		frame, err := server.ReadFrame(time.Second)
		if err != nil {
			return
		}
		req := &proto.ConnectRequest{}
		if err := proto.Unmarshal(frame, req); err != nil {
			return
		}
		resp := &proto.ConnectResponse{
			Timeout:   req.Timeout,
			SessionID: 0x100077,
			Passwd:    make([]byte, proto.SessionPasswordSize),
		}
		_ = server.WriteFrame(resp)
	}()

	req := &proto.ConnectRequest{
		Timeout: 10_000,
		Passwd:  make([]byte, proto.SessionPasswordSize),
	}
	resp, err := client.Handshake(req, time.Second)
	require.NoError(t, err)
	assert.Equal(t, int32(10_000), resp.Timeout)
	assert.Equal(t, int64(0x100077), resp.SessionID)
	assert.Len(t, resp.Passwd, proto.SessionPasswordSize)
}

func TestCloseUnblocksRead(t *testing.T) {
	_, server := pipeConns(t, DefaultMaxFrameSize)

	done := make(chan error, 1)
	go func() {
		_, err := server.ReadFrame(0)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, server.Close())

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("read did not unblock after close")
	}
}
