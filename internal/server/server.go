// Package server is the HTTP ingress: the send-message API, the subscriber
// WebSocket endpoint, and health. It validates request shape and hands off
// to the registry, scheduler and relay; it holds no domain state of its own.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"chatgate/internal/dispatch"
	"chatgate/internal/relay"
	"chatgate/internal/session"
	"chatgate/internal/storage"
	logx "chatgate/pkg/logx"
)

type Config struct {
	Addr     string
	CertFile string
	KeyFile  string

	UploadsDir string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	IdempotencyWindow time.Duration
}

// Scheduler is the dispatch capability the ingress needs.
type Scheduler interface {
	Schedule(d dispatch.Dispatch) (string, error)
	ParseScheduleTime(raw string) (time.Time, error)
	PendingTimers() int
}

// Sessions is the registry capability the ingress needs.
type Sessions interface {
	EnsureStarted(ctx context.Context, id string) (session.Session, error)
	ListIDs() []string
}

// Relay is the subscriber-side capability the ingress needs.
type Relay interface {
	Subscribe(ctx context.Context, sessionID string, conn relay.Conn)
	Touch(sessionID string)
	Drop(sessionID string, conn relay.Conn)
	Subscribers() int
}

type Server struct {
	cfg Config
	log logx.Logger

	sched    Scheduler
	sessions Sessions
	relay    Relay
	store    storage.Store // may be nil

	http *http.Server
}

func New(cfg Config, sched Scheduler, sessions Sessions, rl Relay, store storage.Store, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = ":3001"
	}
	if strings.TrimSpace(cfg.UploadsDir) == "" {
		cfg.UploadsDir = "./uploads"
	}
	if cfg.IdempotencyWindow <= 0 {
		cfg.IdempotencyWindow = 10 * time.Minute
	}

	s := &Server{
		cfg:      cfg,
		log:      log,
		sched:    sched,
		sessions: sessions,
		relay:    rl,
		store:    store,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/send-message", s.handleSendMessage)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// TLS reports whether the listener terminates TLS.
func (s *Server) TLS() bool {
	return strings.TrimSpace(s.cfg.CertFile) != "" && strings.TrimSpace(s.cfg.KeyFile) != ""
}

// Run serves until ctx is canceled or the listener fails. It blocks; run it
// under the supervisor.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.TLS() {
			err = s.http.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			err = s.http.ListenAndServe()
		}
		errCh <- err
	}()

	s.log.Info("http server listening",
		logx.String("addr", s.cfg.Addr), logx.Bool("tls", s.TLS()))

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"sessions":       len(s.sessions.ListIDs()),
		"subscribers":    s.relay.Subscribers(),
		"pending_timers": s.sched.PendingTimers(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
