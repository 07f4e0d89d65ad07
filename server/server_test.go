package server

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/parkcheolu/mini-redis/db"
	"github.com/parkcheolu/mini-redis/frame"
	"github.com/parkcheolu/mini-redis/metrics"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	database := db.New()
	l, err := Listen("127.0.0.1:0", database, zerolog.Nop(), metrics.NewUnregistered())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Serve(ctx)
	}()

	return l.Addr().String(), func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("server did not shut down in time")
		}
		database.Close()
	}
}

func dial(t *testing.T, addr string) *frame.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return frame.NewConn(conn)
}

func TestGetSetEndToEnd(t *testing.T) {
	addr, stop := startServer(t)
	defer stop()
	c := dial(t, addr)

	require.NoError(t, c.WriteFrame(frame.Arr(frame.BulkString("SET"), frame.BulkString("foo"), frame.BulkString("bar"))))
	reply, err := c.ReadFrame()
	require.NoError(t, err)
	assert.True(t, frame.Equal(frame.SimpleString("OK"), reply))

	require.NoError(t, c.WriteFrame(frame.Arr(frame.BulkString("GET"), frame.BulkString("foo"))))
	reply, err = c.ReadFrame()
	require.NoError(t, err)
	assert.True(t, frame.Equal(frame.BulkString("bar"), reply))

	require.NoError(t, c.WriteFrame(frame.Arr(frame.BulkString("GET"), frame.BulkString("baz"))))
	reply, err = c.ReadFrame()
	require.NoError(t, err)
	assert.True(t, frame.Equal(frame.NullFrame(), reply))
}

func TestSetWithPXExpires(t *testing.T) {
	addr, stop := startServer(t)
	defer stop()
	c := dial(t, addr)

	require.NoError(t, c.WriteFrame(frame.Arr(
		frame.BulkString("SET"), frame.BulkString("tmp"), frame.BulkString("x"),
		frame.BulkString("PX"), frame.Int(30),
	)))
	_, err := c.ReadFrame()
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)

	require.NoError(t, c.WriteFrame(frame.Arr(frame.BulkString("GET"), frame.BulkString("tmp"))))
	reply, err := c.ReadFrame()
	require.NoError(t, err)
	assert.True(t, frame.Equal(frame.NullFrame(), reply))
}

func TestUnknownCommandRepliesAndStaysOpen(t *testing.T) {
	addr, stop := startServer(t)
	defer stop()
	c := dial(t, addr)

	require.NoError(t, c.WriteFrame(frame.Arr(frame.BulkString("FROB"))))
	reply, err := c.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, frame.Error, reply.Kind)

	// connection must still be usable
	require.NoError(t, c.WriteFrame(frame.Arr(frame.BulkString("GET"), frame.BulkString("x"))))
	_, err = c.ReadFrame()
	require.NoError(t, err)
}

func TestProtocolErrorClosesConnection(t *testing.T) {
	addr, stop := startServer(t)
	defer stop()
	c := dial(t, addr)

	require.NoError(t, c.WriteFrame(frame.Arr(frame.BulkString("GET"))))
	_, err := c.ReadFrame() // the error reply, if the server manages to flush before close
	if err == nil {
		_, err = c.ReadFrame()
	}
	assert.Error(t, err)
}

func TestPubSubDeliversAcrossConnections(t *testing.T) {
	addr, stop := startServer(t)
	defer stop()
	sub := dial(t, addr)
	pub := dial(t, addr)

	require.NoError(t, sub.WriteFrame(frame.Arr(frame.BulkString("SUBSCRIBE"), frame.BulkString("news"))))
	ack, err := sub.ReadFrame()
	require.NoError(t, err)
	want := frame.Arr(frame.BulkString("subscribe"), frame.BulkString("news"), frame.Int(1))
	assert.True(t, frame.Equal(want, ack))

	require.NoError(t, pub.WriteFrame(frame.Arr(frame.BulkString("PUBLISH"), frame.BulkString("news"), frame.BulkString("hi"))))
	countReply, err := pub.ReadFrame()
	require.NoError(t, err)
	assert.True(t, frame.Equal(frame.Int(1), countReply))

	msg, err := sub.ReadFrame()
	require.NoError(t, err)
	wantMsg := frame.Arr(frame.BulkString("message"), frame.BulkString("news"), frame.BulkString("hi"))
	assert.True(t, frame.Equal(wantMsg, msg))
}

func TestUnsubscribeAllRepliesPerChannel(t *testing.T) {
	addr, stop := startServer(t)
	defer stop()
	c := dial(t, addr)

	require.NoError(t, c.WriteFrame(frame.Arr(frame.BulkString("SUBSCRIBE"), frame.BulkString("a"), frame.BulkString("b"))))
	_, err := c.ReadFrame()
	require.NoError(t, err)
	_, err = c.ReadFrame()
	require.NoError(t, err)

	require.NoError(t, c.WriteFrame(frame.Arr(frame.BulkString("UNSUBSCRIBE"))))
	first, err := c.ReadFrame()
	require.NoError(t, err)
	second, err := c.ReadFrame()
	require.NoError(t, err)

	assert.Equal(t, "unsubscribe", string(first.Array[0].Bulk))
	assert.Equal(t, "unsubscribe", string(second.Array[0].Bulk))
}

func TestGracefulShutdownDrainsHandlers(t *testing.T) {
	addr, stop := startServer(t)
	c := dial(t, addr)

	require.NoError(t, c.WriteFrame(frame.Arr(frame.BulkString("SUBSCRIBE"), frame.BulkString("x"))))
	_, err := c.ReadFrame()
	require.NoError(t, err)

	stop() // must return promptly, proving the handler observed shutdown

	_, err = c.ReadFrame()
	assert.True(t, err == io.EOF || err != nil)
}
