package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatgate/internal/session"
	logx "chatgate/pkg/logx"
)

type fakeConn struct {
	mu     sync.Mutex
	events []Event
	pings  int
	closed bool

	writeErr error
	pingErr  error
}

func (c *fakeConn) WriteEvent(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return c.pingErr
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) eventTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Type)
	}
	return out
}

type fakeSessions struct {
	state session.State
	err   error
}

func (f *fakeSessions) EnsureStarted(_ context.Context, id string) (session.Session, error) {
	if f.err != nil {
		return session.Session{}, f.err
	}
	return session.Session{ID: id, State: f.state}, nil
}

func newRelay(t *testing.T, hb time.Duration, sessions Sessions) *Service {
	t.Helper()
	if sessions == nil {
		sessions = &fakeSessions{state: session.Pending}
	}
	s := New(Config{Heartbeat: hb}, sessions, logx.Nop())
	return s
}

func TestSubscribeActiveSessionGetsConnected(t *testing.T) {
	s := newRelay(t, time.Minute, &fakeSessions{state: session.Active})
	conn := &fakeConn{}
	s.Subscribe(context.Background(), "alice", conn)

	require.Equal(t, []string{EventConnected}, conn.eventTypes())
	require.Equal(t, 1, s.Subscribers())
}

func TestSubscribePendingSessionGetsNothingYet(t *testing.T) {
	s := newRelay(t, time.Minute, &fakeSessions{state: session.Pending})
	conn := &fakeConn{}
	s.Subscribe(context.Background(), "alice", conn)

	require.Empty(t, conn.eventTypes())
	require.Equal(t, 1, s.Subscribers())
}

func TestSubscribeSupersedesPrevious(t *testing.T) {
	s := newRelay(t, time.Minute, nil)
	first := &fakeConn{}
	second := &fakeConn{}

	s.Subscribe(context.Background(), "alice", first)
	s.Subscribe(context.Background(), "alice", second)

	require.True(t, first.isClosed(), "old subscriber must be force-closed")
	require.False(t, second.isClosed())
	require.Equal(t, 1, s.Subscribers())

	// Events go to the new subscriber only.
	s.Publish("alice", QR("payload"))
	require.Empty(t, first.eventTypes())
	require.Equal(t, []string{EventQR}, second.eventTypes())
}

func TestPublishWithoutSubscriberDrops(t *testing.T) {
	s := newRelay(t, time.Minute, nil)
	// Must not panic or buffer.
	s.Publish("nobody", Connected())
	require.Equal(t, 0, s.Subscribers())
}

func TestPublishWriteErrorEvicts(t *testing.T) {
	s := newRelay(t, time.Minute, nil)
	conn := &fakeConn{writeErr: errors.New("broken pipe")}
	s.Subscribe(context.Background(), "alice", conn)

	s.Publish("alice", Connected())
	require.Equal(t, 0, s.Subscribers())
	require.True(t, conn.isClosed())
}

func TestDropOnlyWhenOwningTheSlot(t *testing.T) {
	s := newRelay(t, time.Minute, nil)
	first := &fakeConn{}
	second := &fakeConn{}

	s.Subscribe(context.Background(), "alice", first)
	s.Subscribe(context.Background(), "alice", second)

	// The superseded connection's teardown must not evict its replacement.
	s.Drop("alice", first)
	require.Equal(t, 1, s.Subscribers())

	s.Drop("alice", second)
	require.Equal(t, 0, s.Subscribers())
}

func TestEvictForceCloses(t *testing.T) {
	s := newRelay(t, time.Minute, nil)
	conn := &fakeConn{}
	s.Subscribe(context.Background(), "alice", conn)

	s.Evict("alice")
	require.True(t, conn.isClosed())
	require.Equal(t, 0, s.Subscribers())
}

func TestHeartbeatEvictsSilentSubscriber(t *testing.T) {
	s := newRelay(t, 25*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	conn := &fakeConn{}
	s.Subscribe(ctx, "alice", conn)

	// Never Touch: the first tick clears the flag, the second evicts.
	require.Eventually(t, func() bool {
		return s.Subscribers() == 0 && conn.isClosed()
	}, time.Second, 5*time.Millisecond)
}

func TestHeartbeatKeepsRespondingSubscriber(t *testing.T) {
	s := newRelay(t, 30*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	conn := &fakeConn{}
	s.Subscribe(ctx, "alice", conn)

	// Answer every ping like a live peer.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		t := time.NewTicker(5 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				s.Touch("alice")
			}
		}
	}()

	time.Sleep(150 * time.Millisecond)
	require.Equal(t, 1, s.Subscribers())
	require.False(t, conn.isClosed())
}

func TestHeartbeatPingErrorEvicts(t *testing.T) {
	s := newRelay(t, 20*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	conn := &fakeConn{pingErr: errors.New("gone")}
	s.Subscribe(ctx, "alice", conn)

	require.Eventually(t, func() bool {
		return s.Subscribers() == 0
	}, time.Second, 5*time.Millisecond)
}
