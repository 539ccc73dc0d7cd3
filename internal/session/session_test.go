package session

import (
	"net"
	"testing"
	"time"

	"github.com/adred-codev/dime-broker/internal/codec"
	"github.com/adred-codev/dime-broker/internal/limits"
	"github.com/adred-codev/dime-broker/internal/registry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// testClient drives one end of a net.Pipe as a DiME wire client.
type testClient struct {
	t     *testing.T
	conn  net.Conn
	codec *codec.Codec
}

func newTestClient(t *testing.T, reg *registry.Registry, lim *limits.Limiter) *testClient {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	c := codec.New()

	s := New(serverConn, reg, lim, c, zerolog.Nop(), 0)
	go s.Run()

	t.Cleanup(func() { clientConn.Close() })

	return &testClient{t: t, conn: clientConn, codec: c}
}

func (tc *testClient) send(meta map[string]any, payload []byte) {
	tc.t.Helper()
	require.NoError(tc.t, tc.codec.WriteFrame(tc.conn, meta, payload))
}

func (tc *testClient) recv() (map[string]any, []byte) {
	tc.t.Helper()
	tc.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	meta, payload, err := tc.codec.ReadFrame(tc.conn)
	require.NoError(tc.t, err)
	return meta, payload
}

func (tc *testClient) handshake(serialization string) {
	tc.t.Helper()
	tc.send(map[string]any{"command": "handshake", "serialization": serialization, "tls": false}, nil)
	meta, _ := tc.recv()
	require.Equal(tc.t, float64(0), meta["status"])
	require.Equal(tc.t, serialization, meta["serialization"])
}

func newTestRegistryAndLimits() (*registry.Registry, *limits.Limiter) {
	reg := registry.New(registry.MailboxLimits{}, registry.NewStats(), zerolog.Nop())
	lim := limits.New(1000, 1000)
	return reg, lim
}

func TestScenario_HandshakeThenDevicesEmpty(t *testing.T) {
	reg, lim := newTestRegistryAndLimits()
	a := newTestClient(t, reg, lim)

	a.handshake("matlab")

	a.send(map[string]any{"command": "devices"}, nil)
	meta, _ := a.recv()
	require.Equal(t, float64(0), meta["status"])
	require.Equal(t, []any{}, meta["devices"])
}

func TestScenario_GroupFanoutExcludesSender(t *testing.T) {
	reg, lim := newTestRegistryAndLimits()
	a := newTestClient(t, reg, lim)
	b := newTestClient(t, reg, lim)
	c := newTestClient(t, reg, lim)

	a.handshake("matlab")
	b.handshake("matlab")
	c.handshake("matlab")

	b.send(map[string]any{"command": "join", "name": []any{"g1"}}, nil)
	meta, _ := b.recv()
	require.Equal(t, float64(0), meta["status"])

	c.send(map[string]any{"command": "join", "name": []any{"g1"}}, nil)
	meta, _ = c.recv()
	require.Equal(t, float64(0), meta["status"])

	a.send(map[string]any{"command": "send", "name": "g1", "varname": "x", "serialization": "matlab"},
		[]byte{0x01, 0x02, 0x03})
	meta, _ = a.recv()
	require.Equal(t, float64(0), meta["status"])

	// B drains one envelope then the sentinel.
	b.send(map[string]any{"command": "sync", "n": float64(-1)}, nil)
	env, payload := b.recv()
	require.Equal(t, "x", env["varname"])
	require.Equal(t, []byte{0x01, 0x02, 0x03}, payload)
	sentinel, _ := b.recv()
	require.NotContains(t, sentinel, "varname")

	// C likewise.
	c.send(map[string]any{"command": "sync", "n": float64(-1)}, nil)
	env, payload = c.recv()
	require.Equal(t, "x", env["varname"])
	require.Equal(t, []byte{0x01, 0x02, 0x03}, payload)
	sentinel, _ = c.recv()
	require.NotContains(t, sentinel, "varname")

	// A (the sender) sees only the sentinel.
	a.send(map[string]any{"command": "sync", "n": float64(-1)}, nil)
	sentinel, _ = a.recv()
	require.NotContains(t, sentinel, "varname")
}

func TestScenario_BroadcastExcludesSender(t *testing.T) {
	reg, lim := newTestRegistryAndLimits()
	a := newTestClient(t, reg, lim)
	b := newTestClient(t, reg, lim)
	c := newTestClient(t, reg, lim)

	a.handshake("matlab")
	b.handshake("matlab")
	c.handshake("matlab")

	a.send(map[string]any{"command": "broadcast", "varname": "y", "serialization": "matlab"}, []byte{0xff})
	meta, _ := a.recv()
	require.Equal(t, float64(0), meta["status"])

	b.send(map[string]any{"command": "sync", "n": float64(-1)}, nil)
	env, payload := b.recv()
	require.Equal(t, "y", env["varname"])
	require.Equal(t, []byte{0xff}, payload)
	sentinel, _ := b.recv()
	require.NotContains(t, sentinel, "varname")

	c.send(map[string]any{"command": "sync", "n": float64(-1)}, nil)
	env, _ = c.recv()
	require.Equal(t, "y", env["varname"])
	sentinel, _ = c.recv()
	require.NotContains(t, sentinel, "varname")

	a.send(map[string]any{"command": "sync", "n": float64(-1)}, nil)
	sentinel, _ = a.recv()
	require.NotContains(t, sentinel, "varname")
}

func TestScenario_LeaveRemovesFromRouting(t *testing.T) {
	reg, lim := newTestRegistryAndLimits()
	a := newTestClient(t, reg, lim)
	b := newTestClient(t, reg, lim)

	a.handshake("matlab")
	b.handshake("matlab")

	a.send(map[string]any{"command": "join", "name": "g1"}, nil)
	a.recv()
	b.send(map[string]any{"command": "join", "name": "g1"}, nil)
	b.recv()

	b.send(map[string]any{"command": "leave", "name": "g1"}, nil)
	b.recv()

	a.send(map[string]any{"command": "send", "name": "g1", "varname": "x"}, nil)
	a.recv()

	b.send(map[string]any{"command": "sync", "n": float64(-1)}, nil)
	sentinel, _ := b.recv()
	require.NotContains(t, sentinel, "varname")
}

func TestScenario_WaitWakesOnDelivery(t *testing.T) {
	reg, lim := newTestRegistryAndLimits()
	b := newTestClient(t, reg, lim)
	a := newTestClient(t, reg, lim)

	b.handshake("matlab")
	b.send(map[string]any{"command": "join", "name": "g1"}, nil)
	b.recv()

	waitReply := make(chan map[string]any, 1)
	go func() {
		b.send(map[string]any{"command": "wait"}, nil)
		meta, _ := b.recv()
		waitReply <- meta
	}()

	time.Sleep(20 * time.Millisecond) // let B park in wait()

	a.handshake("matlab")
	a.send(map[string]any{"command": "join", "name": "g1"}, nil)
	a.recv()
	a.send(map[string]any{"command": "send", "name": "g1", "varname": "z"}, nil)
	a.recv()

	select {
	case meta := <-waitReply:
		require.Equal(t, float64(0), meta["status"])
		require.Equal(t, float64(1), meta["n"])
	case <-time.After(3 * time.Second):
		t.Fatal("wait did not return within timeout")
	}

	b.send(map[string]any{"command": "sync", "n": float64(-1)}, nil)
	env, _ := b.recv()
	require.Equal(t, "z", env["varname"])
}
