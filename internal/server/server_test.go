package server_test

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jeklemann/csci4211-network-project/internal/broker"
	"github.com/jeklemann/csci4211-network-project/internal/server"
)

func startTestServer(t *testing.T) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := broker.New(zap.NewNop(), broker.RealClock{}, []string{"WEATHER", "NEWS"})
	srv := server.New(zap.NewNop(), b)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go srv.Serve(ctx, ln)
	return ln.Addr()
}

func dial(t *testing.T, addr net.Addr) (net.Conn, *bufio.Reader) {
	t.Helper()
	nc, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })
	return nc, bufio.NewReader(nc)
}

func readFrame(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	s, err := r.ReadString('>')
	require.NoError(t, err)
	return s
}

func TestServerBasicFanOutOverTCP(t *testing.T) {
	addr := startTestServer(t)

	a, aR := dial(t, addr)
	b, bR := dial(t, addr)

	_, err := a.Write([]byte("<A, CONN>"))
	require.NoError(t, err)
	require.Equal(t, "<CONN_ACK>", readFrame(t, aR))

	_, err = b.Write([]byte("<B, CONN>"))
	require.NoError(t, err)
	require.Equal(t, "<CONN_ACK>", readFrame(t, bR))

	_, err = b.Write([]byte("<B, SUB, WEATHER>"))
	require.NoError(t, err)
	require.Equal(t, "<SUB_ACK>", readFrame(t, bR))

	_, err = b.Write([]byte("<B, PUB, WEATHER, sunny>"))
	require.NoError(t, err)
	require.Equal(t, "<B, PUB, WEATHER, sunny>", readFrame(t, bR))

	// A should receive nothing: set a short deadline and expect a timeout.
	a.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 16)
	_, err = a.Read(buf)
	require.Error(t, err)
}

func TestServerDiscAck(t *testing.T) {
	addr := startTestServer(t)
	a, aR := dial(t, addr)

	_, err := a.Write([]byte("<A, CONN>"))
	require.NoError(t, err)
	require.Equal(t, "<CONN_ACK>", readFrame(t, aR))

	_, err = a.Write([]byte("<DISC>"))
	require.NoError(t, err)
	require.Equal(t, "<DISC_ACK>", readFrame(t, aR))
}
