package broker_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jeklemann/csci4211-network-project/internal/broker"
)

// fakeSender records every frame sent to it, standing in for a
// connection's outbound socket queue in tests.
type fakeSender struct {
	frames []string
}

func (f *fakeSender) Send(frame string) { f.frames = append(f.frames, frame) }

func (f *fakeSender) last() string {
	if len(f.frames) == 0 {
		return ""
	}
	return f.frames[len(f.frames)-1]
}

// fakeClock lets tests control the wall-clock seconds the broker sees.
type fakeClock struct{ t int64 }

func (c *fakeClock) Now() int64 { return c.t }

func newConn() (*broker.Conn, *fakeSender) {
	s := &fakeSender{}
	return &broker.Conn{Sender: s}, s
}

func newTestBroker(clock broker.Clock) *broker.Broker {
	return broker.New(zap.NewNop(), clock, []string{"WEATHER", "NEWS"})
}

func TestS1BasicFanOut(t *testing.T) {
	b := newTestBroker(&fakeClock{t: 1})
	a, aOut := newConn()
	bc, bOut := newConn()

	b.HandleConn(a, []string{"A", "CONN"})
	assert.Equal(t, "<CONN_ACK>", aOut.last())

	b.HandleConn(bc, []string{"B", "CONN"})
	assert.Equal(t, "<CONN_ACK>", bOut.last())

	b.HandleSub(bc, []string{"B", "SUB", "WEATHER"})
	assert.Equal(t, "<SUB_ACK>", bOut.last())

	b.HandlePub(bc, []string{"B", "PUB", "WEATHER", "sunny"})
	assert.Equal(t, "<B, PUB, WEATHER, sunny>", bOut.last())
	assert.Len(t, aOut.frames, 1) // only CONN_ACK, nothing from B's publish
}

func TestS2NotSubscribed(t *testing.T) {
	b := newTestBroker(&fakeClock{t: 1})
	a, aOut := newConn()

	b.HandleConn(a, []string{"A", "CONN"})
	b.HandlePub(a, []string{"A", "PUB", "WEATHER", "hi"})

	assert.Equal(t, "<ERROR: Not Subscribed>", aOut.last())
}

func TestS3OfflineReplay(t *testing.T) {
	clock := &fakeClock{t: 1}
	b := newTestBroker(clock)

	a, aOut := newConn()
	bc, bOut := newConn()

	b.HandleConn(a, []string{"A", "CONN"})
	b.HandleConn(bc, []string{"B", "CONN"})
	b.HandleSub(a, []string{"A", "SUB", "WEATHER"})
	b.HandleSub(bc, []string{"B", "SUB", "WEATHER"})

	// A disconnects at t=1.
	b.Disconnect(a)

	clock.t = 2
	b.HandlePub(bc, []string{"B", "PUB", "WEATHER", "storm"})
	assert.Equal(t, "<B, PUB, WEATHER, storm>", bOut.last())

	// A reconnects; it should see the replay before (or alongside) CONN_ACK.
	a2, a2Out := newConn()
	clock.t = 3
	b.HandleConn(a2, []string{"A", "CONN"})

	require.Len(t, a2Out.frames, 2)
	assert.Equal(t, "<B, PUB, WEATHER, storm>", a2Out.frames[0])
	assert.Equal(t, "<CONN_ACK>", a2Out.frames[1])
}

func TestS4RetentionBoundarySweepsAfterAllOnline(t *testing.T) {
	clock := &fakeClock{t: 1}
	b := newTestBroker(clock)

	a, _ := newConn()
	bc, bOut := newConn()

	b.HandleConn(a, []string{"A", "CONN"})
	b.HandleConn(bc, []string{"B", "CONN"})
	b.HandleSub(a, []string{"A", "SUB", "WEATHER"})
	b.HandleSub(bc, []string{"B", "SUB", "WEATHER"})

	b.Disconnect(a)
	clock.t = 2
	b.HandlePub(bc, []string{"B", "PUB", "WEATHER", "storm"})

	a2, a2Out := newConn()
	clock.t = 3
	b.HandleConn(a2, []string{"A", "CONN"}) // replays storm, then sweeps queue clean

	// Second disconnect/reconnect cycle with no intervening PUB: must
	// not see "storm" again.
	b.Disconnect(a2)
	a3, a3Out := newConn()
	clock.t = 4
	b.HandleConn(a3, []string{"A", "CONN"})

	require.Len(t, a3Out.frames, 1)
	assert.Equal(t, "<CONN_ACK>", a3Out.frames[0])
	_ = a2Out
}

func TestS5NameCollision(t *testing.T) {
	b := newTestBroker(&fakeClock{t: 1})
	a, aOut := newConn()
	other, otherOut := newConn()

	b.HandleConn(a, []string{"X", "CONN"})
	assert.Equal(t, "<CONN_ACK>", aOut.last())

	b.HandleConn(other, []string{"X", "CONN"})
	assert.Empty(t, otherOut.frames)
	assert.Equal(t, "X", a.Name)
	assert.Equal(t, "", other.Name)
}

func TestSubUnknownTopic(t *testing.T) {
	b := newTestBroker(&fakeClock{t: 1})
	a, aOut := newConn()
	b.HandleConn(a, []string{"A", "CONN"})

	b.HandleSub(a, []string{"A", "SUB", "SPORTS"})
	assert.Equal(t, "<ERROR: Subscription Failed - Subject Not Found>", aOut.last())
}

func TestSubIsIdempotent(t *testing.T) {
	b := newTestBroker(&fakeClock{t: 1})
	a, aOut := newConn()
	b.HandleConn(a, []string{"A", "CONN"})

	b.HandleSub(a, []string{"A", "SUB", "WEATHER"})
	b.HandleSub(a, []string{"A", "SUB", "WEATHER"})

	assert.Equal(t, "<SUB_ACK>", aOut.frames[1])
	assert.Equal(t, "<SUB_ACK>", aOut.frames[2])
	assert.Len(t, a.SubscribedTopics, 1)
}

func TestConnIsIdempotentForOwner(t *testing.T) {
	b := newTestBroker(&fakeClock{t: 1})
	a, aOut := newConn()

	b.HandleConn(a, []string{"A", "CONN"})
	b.HandleConn(a, []string{"A", "CONN"})

	assert.Equal(t, []string{"<CONN_ACK>", "<CONN_ACK>"}, aOut.frames)
}

func TestPublisherReceivesOwnPublication(t *testing.T) {
	b := newTestBroker(&fakeClock{t: 1})
	a, aOut := newConn()

	b.HandleConn(a, []string{"A", "CONN"})
	b.HandleSub(a, []string{"A", "SUB", "NEWS"})
	b.HandlePub(a, []string{"A", "PUB", "NEWS", "hello"})

	assert.Equal(t, "<A, PUB, NEWS, hello>", aOut.last())
}

func TestShortFramesAreSilentlyIgnored(t *testing.T) {
	b := newTestBroker(&fakeClock{t: 1})
	a, aOut := newConn()

	b.HandleConn(a, []string{"onlyonefield"})
	assert.Empty(t, aOut.frames)

	b.HandleConn(a, []string{"A", "CONN"})
	b.HandleSub(a, []string{"A", "SUB"})
	assert.Len(t, aOut.frames, 1) // just CONN_ACK, the short SUB produced nothing
}
