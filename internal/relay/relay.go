// Package relay multiplexes a session's connection/authentication status
// events to at most one live subscriber per session id and detects dead
// subscribers via heartbeats.
package relay

import (
	"context"
	"sync"
	"time"

	"chatgate/internal/session"
	logx "chatgate/pkg/logx"
)

// Event is one server->subscriber message.
type Event struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

const (
	EventQR        = "qr"
	EventConnected = "connected"
)

// Connected is the canonical "session authenticated" event.
func Connected() Event { return Event{Type: EventConnected, Data: "connected"} }

// QR wraps a pairing payload.
func QR(data string) Event { return Event{Type: EventQR, Data: data} }

// Conn is one live subscriber connection. Implementations must tolerate
// concurrent WriteEvent/Ping/Close calls.
type Conn interface {
	WriteEvent(Event) error
	Ping() error
	Close() error
}

// Sessions is the registry capability the relay needs on subscribe.
type Sessions interface {
	EnsureStarted(ctx context.Context, id string) (session.Session, error)
}

type Config struct {
	// Heartbeat is the liveness check interval. A subscriber that does not
	// refresh its flag between two consecutive checks is evicted.
	Heartbeat time.Duration
}

type subscription struct {
	conn  Conn
	alive bool
}

type Service struct {
	mu   sync.Mutex
	subs map[string]*subscription
	hb   time.Duration

	sessions Sessions
	log      logx.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, sessions Sessions, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	hb := cfg.Heartbeat
	if hb <= 0 {
		hb = 30 * time.Second
	}
	return &Service{
		subs:     map[string]*subscription{},
		hb:       hb,
		sessions: sessions,
		log:      log,
	}
}

// Apply updates the heartbeat interval; takes effect on the next tick cycle.
func (s *Service) Apply(cfg Config) {
	if cfg.Heartbeat <= 0 {
		return
	}
	s.mu.Lock()
	s.hb = cfg.Heartbeat
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.heartbeatLoop(ctx, stopCh)
	s.log.Info("relay started", logx.Duration("heartbeat", s.interval()))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	conns := make([]Conn, 0, len(s.subs))
	for id, sub := range s.subs {
		conns = append(conns, sub.conn)
		delete(s.subs, id)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}
	s.log.Info("relay stopped")
}

func (s *Service) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hb
}

// Subscribe installs conn as the sole live subscriber for sessionID.
// A prior subscriber for the same id is force-closed and removed first
// (last writer wins). If the underlying session does not exist yet, a
// transport start is triggered; if it is already Active, the new subscriber
// immediately receives a connected event.
func (s *Service) Subscribe(ctx context.Context, sessionID string, conn Conn) {
	s.mu.Lock()
	old := s.subs[sessionID]
	s.subs[sessionID] = &subscription{conn: conn, alive: true}
	s.mu.Unlock()

	if old != nil {
		_ = old.conn.Close()
		s.log.Info("subscriber superseded", logx.String("session", sessionID))
	} else {
		s.log.Info("subscriber connected", logx.String("session", sessionID))
	}

	sess, err := s.sessions.EnsureStarted(ctx, sessionID)
	if err != nil {
		s.log.Error("ensure session on subscribe failed",
			logx.String("session", sessionID), logx.Err(err))
		return
	}
	if sess.State == session.Active {
		if err := conn.WriteEvent(Connected()); err != nil {
			s.Drop(sessionID, conn)
		}
	}
}

// Publish delivers ev to the live subscriber for sessionID, if any.
// Without a subscriber the event is dropped; there is no buffering/replay.
func (s *Service) Publish(sessionID string, ev Event) {
	s.mu.Lock()
	sub := s.subs[sessionID]
	s.mu.Unlock()
	if sub == nil {
		s.log.Debug("event dropped, no subscriber",
			logx.String("session", sessionID), logx.String("type", ev.Type))
		return
	}
	if err := sub.conn.WriteEvent(ev); err != nil {
		s.log.Warn("subscriber write failed, evicting",
			logx.String("session", sessionID), logx.Err(err))
		s.Drop(sessionID, sub.conn)
	}
}

// Touch refreshes the liveness flag for sessionID (called on pong frames).
func (s *Service) Touch(sessionID string) {
	s.mu.Lock()
	if sub := s.subs[sessionID]; sub != nil {
		sub.alive = true
	}
	s.mu.Unlock()
}

// Evict force-closes and removes the subscriber for sessionID, if any.
func (s *Service) Evict(sessionID string) {
	s.mu.Lock()
	sub := s.subs[sessionID]
	delete(s.subs, sessionID)
	s.mu.Unlock()
	if sub != nil {
		_ = sub.conn.Close()
		s.log.Info("subscriber evicted", logx.String("session", sessionID))
	}
}

// Drop removes the subscription only if conn still owns the slot. Read loops
// use this on connection close so a superseded connection's teardown cannot
// evict its replacement.
func (s *Service) Drop(sessionID string, conn Conn) {
	s.mu.Lock()
	sub := s.subs[sessionID]
	owned := sub != nil && sub.conn == conn
	if owned {
		delete(s.subs, sessionID)
	}
	s.mu.Unlock()
	if owned {
		_ = conn.Close()
		s.log.Info("subscriber disconnected", logx.String("session", sessionID))
	}
}

// Subscribers reports the number of live subscriptions.
func (s *Service) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// heartbeatLoop probes each live connection once per interval. A connection
// whose flag was not refreshed since the previous tick is closed and evicted;
// otherwise the flag is cleared and a ping is sent, which the peer must
// answer (via Touch) before the next tick. This catches half-open
// connections that never error on write.
func (s *Service) heartbeatLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()
	timer := time.NewTimer(s.interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-timer.C:
		}

		type probe struct {
			id   string
			conn Conn
			dead bool
		}
		s.mu.Lock()
		probes := make([]probe, 0, len(s.subs))
		for id, sub := range s.subs {
			if !sub.alive {
				delete(s.subs, id)
				probes = append(probes, probe{id: id, conn: sub.conn, dead: true})
				continue
			}
			sub.alive = false
			probes = append(probes, probe{id: id, conn: sub.conn})
		}
		s.mu.Unlock()

		for _, p := range probes {
			if p.dead {
				_ = p.conn.Close()
				s.log.Warn("subscriber heartbeat timeout", logx.String("session", p.id))
				continue
			}
			if err := p.conn.Ping(); err != nil {
				s.Drop(p.id, p.conn)
			}
		}

		timer.Reset(s.interval())
	}
}
