// Package dispatch owns the set of pending timed sends and fires each
// exactly once at its target wall-clock time.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatgate/internal/eventbus"
	"chatgate/internal/transport"
	logx "chatgate/pkg/logx"
)

var ErrNotStarted = errors.New("dispatch scheduler not started")

// Sender is the transport capability the scheduler needs.
type Sender interface {
	SendText(ctx context.Context, msg transport.SendText) error
	SendMedia(ctx context.Context, msg transport.SendMedia) error
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location

	sender Sender
	log    logx.Logger
	bus    eventbus.Bus

	queue  chan *Dispatch
	stopCh chan struct{}
	wg     sync.WaitGroup

	// one-shot timers for future dispatches
	tmu    sync.Mutex
	timers map[string]*time.Timer

	hmu     sync.Mutex
	history []Record
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:    cfg,
		sender: sender,
		log:    log,
		bus:    bus,
		timers: map[string]*time.Timer{},
	}
	s.loc = loadLocation(cfg.Timezone, log)
	return s
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone, falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

// Apply updates runtime-tunable settings (currently the source timezone).
// Worker/queue sizing requires a restart.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(s.cfg.Timezone) {
		s.loc = loadLocation(cfg.Timezone, s.log)
		s.log.Info("schedule timezone changed", logx.String("tz", s.loc.String()))
	}
	s.cfg.Timezone = cfg.Timezone
	if cfg.HistorySize > 0 {
		s.cfg.HistorySize = cfg.HistorySize
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	queueSize := s.cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	s.queue = make(chan *Dispatch, queueSize)

	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, s.queue, s.stopCh)
	}
	s.log.Info("dispatch scheduler started",
		logx.Int("workers", workers), logx.String("tz", s.loc.String()))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	s.mu.Unlock()

	// Stop all armed timers; pending dispatches do not survive the process.
	s.tmu.Lock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	s.tmu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}
	s.log.Info("dispatch scheduler stopped")
}

// ParseScheduleTime interprets raw (ISO-8601, with or without an explicit
// offset) in the configured source timezone and normalizes it to UTC.
// An empty raw means "now".
func (s *Service) ParseScheduleTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Now().UTC(), nil
	}
	s.mu.Lock()
	loc := s.loc
	s.mu.Unlock()

	layouts := []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02T15:04",
	}
	var lastErr error
	for _, layout := range layouts {
		t, err := time.ParseInLocation(layout, raw, loc)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, fmt.Errorf("invalid schedule time %q: %w", raw, lastErr)
}

// Schedule accepts a dispatch and either enqueues it for immediate execution
// (fire time now or in the past) or arms a one-shot timer for the remaining
// delay. Returns the dispatch id.
//
// Recipients are assumed validated by the caller; an empty set is rejected
// as a programming error, not silently dropped.
func (s *Service) Schedule(d Dispatch) (string, error) {
	s.mu.Lock()
	running := s.stopCh != nil
	s.mu.Unlock()
	if !running {
		return "", ErrNotStarted
	}
	if len(d.Recipients) == 0 {
		return "", errors.New("dispatch has no recipients")
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.FiresAt.IsZero() {
		d.FiresAt = time.Now()
	}
	d.FiresAt = d.FiresAt.UTC()
	d.Status = StatusPending

	s.publish(eventbus.DispatchScheduled, Record{
		ID:         d.ID,
		SessionID:  d.SessionID,
		Recipients: len(d.Recipients),
		FiresAt:    d.FiresAt,
		Status:     StatusPending,
	})

	delay := time.Until(d.FiresAt)
	if delay <= 0 {
		s.enqueue(&d)
		return d.ID, nil
	}

	s.log.Info("dispatch armed",
		logx.String("dispatch", d.ID),
		logx.String("session", d.SessionID),
		logx.Duration("delay", delay))

	dd := d
	s.tmu.Lock()
	s.timers[d.ID] = time.AfterFunc(delay, func() {
		s.tmu.Lock()
		delete(s.timers, dd.ID)
		s.tmu.Unlock()
		s.enqueue(&dd)
	})
	s.tmu.Unlock()
	return d.ID, nil
}

// PendingTimers reports the number of armed (not yet fired) timers.
func (s *Service) PendingTimers() int {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	return len(s.timers)
}

// History returns a snapshot of finalized dispatches, oldest first.
func (s *Service) History() []Record {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]Record(nil), s.history...)
}

// PruneHistory drops finalized records older than maxAge and returns the
// number removed. Called from the maintenance cron.
func (s *Service) PruneHistory(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	s.hmu.Lock()
	defer s.hmu.Unlock()
	kept := s.history[:0]
	removed := 0
	for _, r := range s.history {
		if r.FiredAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.history = kept
	return removed
}

func (s *Service) enqueue(d *Dispatch) {
	s.mu.Lock()
	queue := s.queue
	stopCh := s.stopCh
	s.mu.Unlock()
	if queue == nil || stopCh == nil {
		s.log.Warn("dispatch dropped, scheduler stopped", logx.String("dispatch", d.ID))
		return
	}
	select {
	case queue <- d:
	default:
		// A full queue means the transport is badly stuck; finalize as failed
		// rather than blocking the timer goroutine.
		s.finalize(d, time.Now().UTC(), errors.New("dispatch queue full"))
	}
}

func (s *Service) worker(ctx context.Context, queue <-chan *Dispatch, stopCh <-chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case d := <-queue:
			s.fire(ctx, d)
		}
	}
}

// fire performs the sends for one dispatch: text to all recipients, then the
// media payload if an attachment is present. The dispatch finalizes exactly
// once; failures are logged and ledgered, never retried.
func (s *Service) fire(ctx context.Context, d *Dispatch) {
	firedAt := time.Now().UTC()

	err := s.sender.SendText(ctx, transport.SendText{
		SessionID: d.SessionID,
		To:        d.Recipients,
		Text:      d.Message,
	})
	if err == nil && d.Attachment != "" {
		err = s.sender.SendMedia(ctx, transport.SendMedia{
			SessionID: d.SessionID,
			To:        d.Recipients,
			FilePath:  d.Attachment,
		})
	}
	s.finalize(d, firedAt, err)
}

func (s *Service) finalize(d *Dispatch, firedAt time.Time, err error) {
	rec := Record{
		ID:         d.ID,
		SessionID:  d.SessionID,
		Recipients: len(d.Recipients),
		FiresAt:    d.FiresAt,
		FiredAt:    firedAt,
	}
	if err != nil {
		d.Status = StatusFailed
		rec.Status = StatusFailed
		rec.Error = err.Error()
		s.log.Error("dispatch failed",
			logx.String("dispatch", d.ID),
			logx.String("session", d.SessionID),
			logx.Int("recipients", len(d.Recipients)),
			logx.Err(err))
		s.publish(eventbus.DispatchFailed, rec)
	} else {
		d.Status = StatusSent
		rec.Status = StatusSent
		s.log.Info("dispatch sent",
			logx.String("dispatch", d.ID),
			logx.String("session", d.SessionID),
			logx.Int("recipients", len(d.Recipients)))
		s.publish(eventbus.DispatchSent, rec)
	}

	// Attachments are consumed at most once.
	if d.Attachment != "" {
		if rmErr := os.Remove(d.Attachment); rmErr != nil && !os.IsNotExist(rmErr) {
			s.log.Warn("attachment cleanup failed",
				logx.String("dispatch", d.ID), logx.Err(rmErr))
		}
	}

	s.hmu.Lock()
	s.history = append(s.history, rec)
	if s.cfg.HistorySize > 0 && len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, rec Record) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: rec})
}
