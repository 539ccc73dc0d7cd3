package registry

import (
	"context"
	"testing"
	"time"

	"github.com/adred-codev/dime-broker/internal/message"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return New(MailboxLimits{}, NewStats(), zerolog.Nop())
}

func TestJoinLeave_IdempotentAndNoOp(t *testing.T) {
	r := newTestRegistry()
	a := r.Register()

	require.NoError(t, r.Join(a.ID, []string{"g1"}))
	require.NoError(t, r.Join(a.ID, []string{"g1"})) // idempotent
	require.ElementsMatch(t, []string{"g1"}, a.Groups())

	require.NoError(t, r.Leave(a.ID, []string{"g2"})) // not a member: no-op
	require.ElementsMatch(t, []string{"g1"}, a.Groups())

	require.NoError(t, r.Leave(a.ID, []string{"g1"}))
	require.Empty(t, a.Groups())
}

func TestListDevices_OnlyNonEmptyGroups(t *testing.T) {
	r := newTestRegistry()
	a := r.Register()
	b := r.Register()

	require.Equal(t, []string{}, r.ListDevices())

	require.NoError(t, r.Join(a.ID, []string{"g1"}))
	require.NoError(t, r.Join(b.ID, []string{"g1", "g2"}))
	require.Equal(t, []string{"g1", "g2"}, r.ListDevices())

	require.NoError(t, r.Leave(b.ID, []string{"g2"}))
	require.Equal(t, []string{"g1"}, r.ListDevices())

	require.NoError(t, r.Leave(a.ID, []string{"g1"}))
	require.NoError(t, r.Leave(b.ID, []string{"g1"}))
	require.Equal(t, []string{}, r.ListDevices())
}

func TestRouteGroup_ExcludesSenderAndNonMembers(t *testing.T) {
	r := newTestRegistry()
	a := r.Register()
	b := r.Register()
	c := r.Register()

	require.NoError(t, r.Join(a.ID, []string{"g1"}))
	require.NoError(t, r.Join(b.ID, []string{"g1"}))
	// c never joins.

	env := message.Build(a.ID, "", map[string]any{"command": "send", "varname": "x"}, []byte{1, 2, 3})
	r.RouteGroup(a.ID, "g1", env)

	require.Equal(t, 0, a.Mailbox.Len(), "sender must not receive its own send")
	require.Equal(t, 1, b.Mailbox.Len())
	require.Equal(t, 0, c.Mailbox.Len(), "non-member must not receive group send")
}

func TestRouteGroup_NonexistentOrSenderOnlyGroupIsSilentNoOp(t *testing.T) {
	r := newTestRegistry()
	a := r.Register()
	require.NoError(t, r.Join(a.ID, []string{"solo"}))

	env := message.Build(a.ID, "", map[string]any{"command": "send", "varname": "x"}, nil)
	r.RouteGroup(a.ID, "solo", env)     // only member is the sender
	r.RouteGroup(a.ID, "nosuch", env)   // group doesn't exist

	require.Equal(t, 0, a.Mailbox.Len())
}

func TestRouteBroadcast_ExcludesSenderOnly(t *testing.T) {
	r := newTestRegistry()
	a := r.Register()
	b := r.Register()
	c := r.Register()

	env := message.Build(a.ID, "", map[string]any{"command": "broadcast", "varname": "y"}, []byte{0xff})
	r.RouteBroadcast(a.ID, env)

	require.Equal(t, 0, a.Mailbox.Len())
	require.Equal(t, 1, b.Mailbox.Len())
	require.Equal(t, 1, c.Mailbox.Len())
}

func TestUnregister_RemovesFromAllGroupsAndStopsFutureDelivery(t *testing.T) {
	r := newTestRegistry()
	a := r.Register()
	b := r.Register()

	require.NoError(t, r.Join(a.ID, []string{"g1", "g2"}))
	require.NoError(t, r.Join(b.ID, []string{"g1", "g2"}))

	r.Unregister(a.ID)
	require.Equal(t, []string{"g1", "g2"}, r.ListDevices())

	env := message.Build(b.ID, "", map[string]any{"command": "send", "varname": "z"}, nil)
	r.RouteGroup(b.ID, "g1", env)
	require.Equal(t, 0, a.Mailbox.Len(), "unregistered client must not receive later sends")

	_, ok := r.Lookup(a.ID)
	require.False(t, ok)
}

func TestMailboxWait_WakesOnEnqueue(t *testing.T) {
	r := newTestRegistry()
	b := r.Register()
	require.NoError(t, r.Join(b.ID, []string{"g1"}))
	a := r.Register()
	require.NoError(t, r.Join(a.ID, []string{"g1"}))

	waitDone := make(chan int, 1)
	go func() {
		n, err := b.Mailbox.Wait(context.Background())
		require.NoError(t, err)
		waitDone <- n
	}()

	time.Sleep(10 * time.Millisecond) // let the waiter park
	env := message.Build(a.ID, "", map[string]any{"command": "send", "varname": "z"}, nil)
	r.RouteGroup(a.ID, "g1", env)

	select {
	case n := <-waitDone:
		require.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("wait did not wake within timeout")
	}
}

func TestMailboxDrain_NegativeNDrainsAll(t *testing.T) {
	r := newTestRegistry()
	a := r.Register()
	b := r.Register()
	require.NoError(t, r.Join(a.ID, []string{"g1"}))
	require.NoError(t, r.Join(b.ID, []string{"g1"}))

	for i := 0; i < 5; i++ {
		env := message.Build(a.ID, "", map[string]any{"command": "send", "varname": "x"}, nil)
		r.RouteGroup(a.ID, "g1", env)
	}

	drained := b.Mailbox.Drain(-1)
	require.Len(t, drained, 5)
	require.Equal(t, 0, b.Mailbox.Len())
}

func TestMailboxBackpressure_DropsOldestOnOverflow(t *testing.T) {
	var dropped []DropReason
	mb := NewMailbox(2, 0, func(r DropReason) { dropped = append(dropped, r) })

	e1 := message.Build(1, "", map[string]any{"varname": "a"}, nil)
	e2 := message.Build(1, "", map[string]any{"varname": "b"}, nil)
	e3 := message.Build(1, "", map[string]any{"varname": "c"}, nil)

	mb.Enqueue(e1)
	mb.Enqueue(e2)
	mb.Enqueue(e3) // should evict e1

	got := mb.Drain(-1)
	require.Len(t, got, 2)
	require.Equal(t, "b", got[0].Varname())
	require.Equal(t, "c", got[1].Varname())
	require.Equal(t, []DropReason{DropReasonOverflowCount}, dropped)
}
