// Package session owns the lifecycle of named messaging sessions. It is the
// single source of truth for "does session X exist / is it authenticated".
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatgate/internal/eventbus"
	"chatgate/internal/runtime/supervisor"
	logx "chatgate/pkg/logx"
)

type State string

const (
	// Pending: creation requested, not yet authenticated.
	Pending State = "pending"
	// Active: authenticated, usable for sending.
	Active State = "active"
	// Closed: torn down. Terminal; recreating the id starts a fresh record.
	Closed State = "closed"
)

var (
	ErrUnknownSession    = errors.New("unknown session")
	ErrInvalidTransition = errors.New("invalid session state transition")
)

type Session struct {
	ID        string
	State     State
	CreatedAt time.Time
}

// Starter is the transport capability the registry needs: kick off an
// asynchronous session start. Completion is observed later via status events.
type Starter interface {
	StartSession(ctx context.Context, id string) error
}

// Evictor releases a session's live relay subscription, if any.
type Evictor interface {
	Evict(sessionID string)
}

type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	starter Starter
	log     logx.Logger
	bus     eventbus.Bus
	sup     *supervisor.Supervisor

	evictor Evictor
}

func NewRegistry(starter Starter, log logx.Logger, bus eventbus.Bus) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		sessions: map[string]*Session{},
		starter:  starter,
		log:      log,
		bus:      bus,
	}
}

// SetSupervisor installs the supervisor used for async transport starts.
// Before it is set, starts run synchronously in the caller's goroutine.
func (r *Registry) SetSupervisor(sup *supervisor.Supervisor) {
	r.mu.Lock()
	r.sup = sup
	r.mu.Unlock()
}

// SetEvictor wires the relay after construction (the relay itself depends on
// the registry for EnsureStarted).
func (r *Registry) SetEvictor(e Evictor) {
	r.mu.Lock()
	r.evictor = e
	r.mu.Unlock()
}

// EnsureStarted returns the record for id, creating it in Pending and
// triggering an asynchronous transport start when no record exists (a Closed
// record counts as no record). Idempotent; never creates duplicates.
//
// The caller does not block on authentication: a nil error means the start
// was accepted, and the session becomes Active later via MarkActive.
func (r *Registry) EnsureStarted(ctx context.Context, id string) (Session, error) {
	if id == "" {
		return Session{}, fmt.Errorf("%w: empty id", ErrUnknownSession)
	}

	r.mu.Lock()
	if s, ok := r.sessions[id]; ok && s.State != Closed {
		cp := *s
		r.mu.Unlock()
		return cp, nil
	}
	s := &Session{ID: id, State: Pending, CreatedAt: time.Now().UTC()}
	r.sessions[id] = s
	cp := *s
	sup := r.sup
	r.mu.Unlock()

	r.log.Info("session created", logx.String("session", id))
	r.publish(eventbus.SessionPending, id)

	start := func(ctx context.Context) {
		if err := r.starter.StartSession(ctx, id); err != nil {
			// SessionStartFailure terminates only this start; the record stays
			// Pending and a new EnsureStarted after Close can retry.
			r.log.Error("session start failed", logx.String("session", id), logx.Err(err))
			r.publish(eventbus.SessionStartFailed, id)
		}
	}
	if sup != nil {
		sup.Go0("session.start."+id, start)
	} else {
		start(ctx)
	}
	return cp, nil
}

// MarkActive transitions Pending -> Active. Already Active is a no-op;
// Closed fails with ErrInvalidTransition.
func (r *Registry) MarkActive(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	switch s.State {
	case Active:
		r.mu.Unlock()
		return nil
	case Closed:
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is closed", ErrInvalidTransition, id)
	}
	s.State = Active
	r.mu.Unlock()

	r.log.Info("session active", logx.String("session", id))
	r.publish(eventbus.SessionActive, id)
	return nil
}

// Close transitions the session to Closed and releases any live relay
// subscription. Closing an unknown session is an error; closing a Closed
// session is an ErrInvalidTransition.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if s.State == Closed {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s already closed", ErrInvalidTransition, id)
	}
	s.State = Closed
	ev := r.evictor
	r.mu.Unlock()

	if ev != nil {
		ev.Evict(id)
	}
	r.log.Info("session closed", logx.String("session", id))
	r.publish(eventbus.SessionClosed, id)
	return nil
}

// Get returns a snapshot of the record for id.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// ListIDs returns a snapshot of all known session ids, any state.
func (r *Registry) ListIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) publish(typ, id string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Data: id})
}
