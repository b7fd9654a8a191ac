// Package app assembles the gateway: config, logging, storage, the transport
// bridge, the session registry, the dispatch scheduler, the status relay and
// the HTTP ingress, all under one supervisor.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"chatgate/internal/alerts"
	"chatgate/internal/config"
	"chatgate/internal/dispatch"
	"chatgate/internal/eventbus"
	"chatgate/internal/relay"
	"chatgate/internal/runtime/supervisor"
	"chatgate/internal/server"
	"chatgate/internal/session"
	"chatgate/internal/storage"
	"chatgate/internal/transport"
	"chatgate/internal/transport/bridge"
	logx "chatgate/pkg/logx"

	"github.com/robfig/cron/v3"
)

type App struct {
	cfgPath string

	mgr    *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	bus      eventbus.Bus
	store    storage.Store
	bridge   *bridge.Bridge
	registry *session.Registry
	sched    *dispatch.Service
	relay    *relay.Service
	srv      *server.Server

	sup  *supervisor.Supervisor
	cron *cron.Cron

	cfgCh chan *config.Config

	stopOnce sync.Once
}

func New(cfgPath string) *App {
	return &App{cfgPath: cfgPath}
}

// Start brings up every component and returns once the gateway is serving.
// Components keep running until Stop; fatal goroutine errors surface via
// Wait.
func (a *App) Start(ctx context.Context) error {
	a.mgr = config.NewManager(a.cfgPath)
	cfg, err := a.mgr.Load()
	if err != nil {
		return fmt.Errorf("load config %s: %w", a.cfgPath, err)
	}
	if err := validateConfig(ctx, cfg); err != nil {
		return fmt.Errorf("invalid config %s: %w", a.cfgPath, err)
	}

	var sender logx.AlertSender
	if cfg.Alerts != nil && cfg.Alerts.Enabled {
		tg, err := alerts.NewTelegram(alerts.Config{Token: cfg.Alerts.Token, ChatID: cfg.Alerts.ChatID})
		if err != nil {
			return fmt.Errorf("alerts: %w", err)
		}
		sender = tg
	}

	a.logSvc, a.log = logx.New(logxConfig(cfg), sender)
	a.mgr.SetLogger(a.log.With(logx.String("component", "config")))
	a.mgr.SetValidator(validateConfig)

	a.store, err = storage.Open(storageConfig(cfg), a.log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	bcfg, err := bridgeConfig(cfg)
	if err != nil {
		return err
	}
	a.bridge, err = bridge.New(bcfg, a.log)
	if err != nil {
		return err
	}

	a.bus = eventbus.New()
	a.registry = session.NewRegistry(a.bridge, a.log, a.bus)
	a.sched = dispatch.New(dispatchConfig(cfg), a.bridge, a.log, a.bus)

	hb, err := config.ParseDurationOrDefault("relay.heartbeat", cfg.Relay.Heartbeat, 30*time.Second)
	if err != nil {
		return err
	}
	a.relay = relay.New(relay.Config{Heartbeat: hb}, a.registry, a.log)
	a.registry.SetEvictor(a.relay)

	scfg, err := serverConfig(cfg)
	if err != nil {
		return err
	}
	a.srv = server.New(scfg, a.sched, a.registry, a.relay, a.store, a.log)

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))
	runCtx := a.sup.Context()
	a.registry.SetSupervisor(a.sup)

	if err := a.bridge.Start(runCtx); err != nil {
		return fmt.Errorf("start transport bridge: %w", err)
	}
	a.sched.Start(runCtx)
	a.relay.Start(runCtx)

	a.sup.Go("http", a.srv.Run)
	a.sup.Go0("status.route", a.routeStatus)
	a.sup.Go0("session.adopt", a.adoptSidecarSessions)
	if a.store != nil {
		events, unsub := a.bus.Subscribe(256)
		a.sup.Go0("ledger", func(ctx context.Context) {
			defer unsub()
			a.writeLedger(ctx, events)
		})
	}

	a.cfgCh = a.mgr.Subscribe(1)
	a.sup.Go("config.watch", a.mgr.Watch)
	a.sup.Go0("config.apply", a.applyLoop)

	a.startMaintenance(cfg)

	a.log.Info("gateway started", logx.String("config", a.cfgPath))
	return nil
}

// Wait blocks until the supervisor winds down (context canceled or a fatal
// goroutine error with cancel-on-error semantics elsewhere).
func (a *App) Wait(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Wait(ctx)
}

func (a *App) Stop(ctx context.Context) {
	a.stopOnce.Do(func() {
		step := func(name string, fn func() error) {
			if fn == nil {
				return
			}
			if err := fn(); err != nil {
				a.log.Warn("shutdown step failed", logx.String("step", name), logx.Err(err))
			}
		}

		if a.cron != nil {
			<-a.cron.Stop().Done()
		}
		if a.sup != nil {
			step("supervisor", func() error {
				err := a.sup.Stop(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		}
		if a.relay != nil {
			a.relay.Stop(ctx)
		}
		if a.sched != nil {
			a.sched.Stop(ctx)
		}
		if a.bridge != nil {
			step("bridge", func() error { return a.bridge.Stop(ctx) })
		}
		if a.mgr != nil && a.cfgCh != nil {
			a.mgr.Unsubscribe(a.cfgCh)
		}
		if a.store != nil {
			step("storage", a.store.Close)
		}

		a.log.Info("gateway stopped")
		if a.logSvc != nil {
			_ = a.logSvc.Close()
		}
	})
}

// adoptSidecarSessions pulls the sidecar's session list once at startup so
// sessions that survived a gateway restart reappear in the registry instead
// of waiting for the next status update or send request.
func (a *App) adoptSidecarSessions(ctx context.Context) {
	ids, err := a.bridge.Sessions(ctx)
	if err != nil {
		a.log.Warn("sidecar session list failed", logx.Err(err))
		return
	}
	for _, id := range ids {
		if _, err := a.registry.EnsureStarted(ctx, id); err != nil {
			a.log.Warn("session adoption failed", logx.String("session", id), logx.Err(err))
		}
	}
	if len(ids) > 0 {
		a.log.Info("adopted sidecar sessions", logx.Int("count", len(ids)))
	}
}

// routeStatus consumes the bridge status stream: "open" activates the session
// registry record, QR payloads and the connected signal are relayed to the
// session's live subscriber.
func (a *App) routeStatus(ctx context.Context) {
	updates := a.bridge.Updates()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if u.SessionID == "" {
				continue
			}
			if u.QR != "" {
				a.relay.Publish(u.SessionID, relay.QR(u.QR))
			}
			if u.Connection == transport.ConnectionOpen {
				if err := a.registry.MarkActive(u.SessionID); err != nil {
					// The sidecar can report sessions this process never created
					// (e.g. after a gateway restart). Adopt, then activate.
					if errors.Is(err, session.ErrUnknownSession) {
						if _, err := a.registry.EnsureStarted(ctx, u.SessionID); err == nil {
							_ = a.registry.MarkActive(u.SessionID)
						}
					} else {
						a.log.Debug("status for unusable session",
							logx.String("session", u.SessionID), logx.Err(err))
						continue
					}
				}
				a.relay.Publish(u.SessionID, relay.Connected())
			}
		}
	}
}

// writeLedger persists dispatch lifecycle events. Ledger failures are logged
// and skipped; the ledger is an audit trail, not a delivery dependency.
func (a *App) writeLedger(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			var kind string
			switch ev.Type {
			case eventbus.DispatchScheduled:
				kind = "scheduled"
			case eventbus.DispatchSent:
				kind = "sent"
			case eventbus.DispatchFailed:
				kind = "failed"
			case eventbus.SessionPending, eventbus.SessionActive,
				eventbus.SessionClosed, eventbus.SessionStartFailed:
				a.log.Debug("session lifecycle",
					logx.String("type", ev.Type), logx.Any("session", ev.Data))
				continue
			default:
				continue
			}
			rec, ok := ev.Data.(dispatch.Record)
			if !ok {
				continue
			}
			err := a.store.AppendDispatch(ctx, storage.DispatchRecord{
				At:         ev.Time.UTC(),
				DispatchID: rec.ID,
				SessionID:  rec.SessionID,
				Event:      kind,
				Recipients: rec.Recipients,
				FiresAt:    rec.FiresAt,
				Error:      rec.Error,
			})
			if err != nil {
				a.log.Warn("ledger append failed",
					logx.String("dispatch", rec.ID), logx.Err(err))
			}
		}
	}
}

// applyLoop pushes validated config reloads into the runtime-tunable
// components. Listener address, storage driver and alert credentials require
// a restart; everything else takes effect live.
func (a *App) applyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-a.cfgCh:
			if !ok {
				return
			}
			if cfg == nil {
				continue
			}
			a.logSvc.Apply(logxConfig(cfg))
			a.sched.Apply(dispatchConfig(cfg))
			if hb, err := config.ParseDurationOrDefault("relay.heartbeat", cfg.Relay.Heartbeat, 30*time.Second); err == nil {
				a.relay.Apply(relay.Config{Heartbeat: hb})
			}
			a.bridge.ApplyRate(cfg.Transport.RatePerSec)
			a.log.Info("runtime config applied")
		}
	}
}

// ---- config mapping ----

func logxConfig(cfg *config.Config) logx.Config {
	out := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
	if cfg.Alerts != nil {
		out.Alerts = logx.AlertConfig{
			Enabled:    cfg.Alerts.Enabled,
			MinLevel:   cfg.Alerts.MinLevel,
			RatePerSec: cfg.Alerts.RatePerSec,
		}
	}
	return out
}

func storageConfig(cfg *config.Config) storage.Config {
	if cfg.Storage == nil {
		return storage.Config{}
	}
	busy, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}
}

func bridgeConfig(cfg *config.Config) (bridge.Config, error) {
	timeout, err := config.ParseDurationOrDefault("transport.request_timeout", cfg.Transport.RequestTimeout, 30*time.Second)
	if err != nil {
		return bridge.Config{}, err
	}
	return bridge.Config{
		BaseURL:        cfg.Transport.BaseURL,
		EventsURL:      cfg.Transport.EventsURL,
		RatePerSec:     cfg.Transport.RatePerSec,
		RequestTimeout: timeout,
	}, nil
}

func dispatchConfig(cfg *config.Config) dispatch.Config {
	tz := cfg.Schedule.Timezone
	if strings.TrimSpace(tz) == "" {
		tz = "Asia/Jakarta"
	}
	return dispatch.Config{
		Workers:     cfg.Schedule.Workers,
		QueueSize:   cfg.Schedule.QueueSize,
		HistorySize: cfg.Schedule.HistorySize,
		Timezone:    tz,
	}
}

func serverConfig(cfg *config.Config) (server.Config, error) {
	readTO, err := config.ParseDurationField("server.read_timeout", cfg.Server.ReadTimeout)
	if err != nil {
		return server.Config{}, err
	}
	writeTO, err := config.ParseDurationField("server.write_timeout", cfg.Server.WriteTimeout)
	if err != nil {
		return server.Config{}, err
	}
	idem, err := config.ParseDurationOrDefault("server.idempotency_window", cfg.Server.IdempotencyWindow, 10*time.Minute)
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{
		Addr:              cfg.Server.Addr,
		CertFile:          cfg.Server.CertFile,
		KeyFile:           cfg.Server.KeyFile,
		UploadsDir:        cfg.Server.UploadsDir,
		ReadTimeout:       readTO,
		WriteTimeout:      writeTO,
		IdempotencyWindow: idem,
	}, nil
}

// validateConfig is the hot-reload gate: a config that fails here is rejected
// without touching the running components.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(cfg.Transport.BaseURL) == "" {
		return errors.New("transport.base_url is required")
	}
	if tz := strings.TrimSpace(cfg.Schedule.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("schedule.timezone: %w", err)
		}
	}
	hasCert := strings.TrimSpace(cfg.Server.CertFile) != ""
	hasKey := strings.TrimSpace(cfg.Server.KeyFile) != ""
	if hasCert != hasKey {
		return errors.New("server.cert_file and server.key_file must be set together")
	}
	for path, raw := range map[string]string{
		"server.read_timeout":       cfg.Server.ReadTimeout,
		"server.write_timeout":      cfg.Server.WriteTimeout,
		"server.idempotency_window": cfg.Server.IdempotencyWindow,
		"relay.heartbeat":           cfg.Relay.Heartbeat,
		"transport.request_timeout": cfg.Transport.RequestTimeout,
	} {
		if _, err := config.ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	if cfg.Alerts != nil && cfg.Alerts.Enabled {
		if strings.TrimSpace(cfg.Alerts.Token) == "" || cfg.Alerts.ChatID == 0 {
			return errors.New("alerts.token and alerts.chat_id are required when alerts are enabled")
		}
	}
	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
		}
	}
	return nil
}
