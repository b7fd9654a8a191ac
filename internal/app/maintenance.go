package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"chatgate/internal/config"
	logx "chatgate/pkg/logx"
)

const (
	// Staged attachments are normally consumed when their dispatch fires;
	// anything older than this was orphaned by a crash or a failed schedule.
	staleUploadAge = 24 * time.Hour
	historyMaxAge  = 7 * 24 * time.Hour
)

// startMaintenance schedules the housekeeping jobs: sweeping orphaned
// attachment files, pruning finalized dispatch history and expiring
// idempotency keys.
func (a *App) startMaintenance(cfg *config.Config) {
	log := a.log.With(logx.String("component", "maintenance"))

	loc := time.Local
	if tz := strings.TrimSpace(cfg.Schedule.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	a.cron = cron.New(
		cron.WithLocation(loc),
		cron.WithChain(
			cron.Recover(cronLogger{log}),
			cron.SkipIfStillRunning(cronLogger{log}),
		),
	)

	uploadsDir := strings.TrimSpace(cfg.Server.UploadsDir)
	if uploadsDir == "" {
		uploadsDir = "./uploads"
	}

	_, _ = a.cron.AddFunc("@every 1h", func() {
		n, err := sweepUploads(uploadsDir, staleUploadAge)
		if err != nil {
			log.Warn("uploads sweep failed", logx.Err(err))
			return
		}
		if n > 0 {
			log.Info("swept orphaned uploads", logx.Int("removed", n))
		}
	})
	_, _ = a.cron.AddFunc("@every 6h", func() {
		if n := a.sched.PruneHistory(historyMaxAge); n > 0 {
			log.Info("pruned dispatch history", logx.Int("removed", n))
		}
	})
	if a.store != nil {
		_, _ = a.cron.AddFunc("@every 30m", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			n, err := a.store.PruneIdempotency(ctx)
			if err != nil {
				log.Warn("idempotency prune failed", logx.Err(err))
				return
			}
			if n > 0 {
				log.Info("expired idempotency keys", logx.Int("removed", n))
			}
		})
	}

	a.cron.Start()
}

// sweepUploads removes regular files in dir whose mtime is older than maxAge.
func sweepUploads(dir string, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// cronLogger adapts logx to the cron.Logger interface.
type cronLogger struct{ log logx.Logger }

func (c cronLogger) Info(msg string, kv ...interface{}) {
	c.log.Debug(msg, kvFields(kv)...)
}

func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.log.Error(msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	fields := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		fields = append(fields, logx.Any(key, kv[i+1]))
	}
	return fields
}
