package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatgate/internal/transport"
	logx "chatgate/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []transport.SendText
	media []transport.SendMedia
	err   error

	fired chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{fired: make(chan struct{}, 16)}
}

func (f *fakeSender) SendText(_ context.Context, msg transport.SendText) error {
	f.mu.Lock()
	f.texts = append(f.texts, msg)
	err := f.err
	f.mu.Unlock()
	f.fired <- struct{}{}
	return err
}

func (f *fakeSender) SendMedia(_ context.Context, msg transport.SendMedia) error {
	f.mu.Lock()
	f.media = append(f.media, msg)
	err := f.err
	f.mu.Unlock()
	return err
}

func (f *fakeSender) textCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

func startScheduler(t *testing.T, sender Sender, cfg Config) *Service {
	t.Helper()
	s := New(cfg, sender, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		s.Stop(context.Background())
		cancel()
	})
	return s
}

func waitFired(t *testing.T, f *fakeSender, within time.Duration) {
	t.Helper()
	select {
	case <-f.fired:
	case <-time.After(within):
		t.Fatal("dispatch did not fire in time")
	}
}

func TestScheduleRequiresStart(t *testing.T) {
	s := New(Config{}, newFakeSender(), logx.Nop(), nil)
	_, err := s.Schedule(Dispatch{SessionID: "a", Recipients: []string{"x"}})
	require.ErrorIs(t, err, ErrNotStarted)
}

func TestScheduleRejectsEmptyRecipients(t *testing.T) {
	s := startScheduler(t, newFakeSender(), Config{})
	_, err := s.Schedule(Dispatch{SessionID: "a"})
	require.Error(t, err)
}

func TestImmediateDispatchFires(t *testing.T) {
	f := newFakeSender()
	s := startScheduler(t, f, Config{})

	id, err := s.Schedule(Dispatch{
		SessionID:  "alice",
		Message:    "hi",
		Recipients: []string{"r1", "r2"},
		FiresAt:    time.Now().Add(-time.Minute), // past fire time means now
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	waitFired(t, f, 2*time.Second)
	require.Equal(t, 0, s.PendingTimers(), "past fire time must not arm a timer")
	require.Equal(t, []string{"r1", "r2"}, f.texts[0].To)
	require.Equal(t, "hi", f.texts[0].Text)
}

func TestFutureDispatchArmsTimerAndFiresOnce(t *testing.T) {
	f := newFakeSender()
	s := startScheduler(t, f, Config{})

	_, err := s.Schedule(Dispatch{
		SessionID:  "alice",
		Message:    "later",
		Recipients: []string{"r1"},
		FiresAt:    time.Now().Add(80 * time.Millisecond),
	})
	require.NoError(t, err)
	require.Equal(t, 1, s.PendingTimers())
	require.Equal(t, 0, f.textCount(), "must not fire before the delay elapses")

	waitFired(t, f, 2*time.Second)
	require.Equal(t, 0, s.PendingTimers())

	// No second firing.
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, 1, f.textCount())
}

func TestFailedDispatchIsFinalizedNotRetried(t *testing.T) {
	f := newFakeSender()
	f.err = errors.New("transport down")
	s := startScheduler(t, f, Config{})

	_, err := s.Schedule(Dispatch{SessionID: "alice", Message: "x", Recipients: []string{"r1"}})
	require.NoError(t, err)
	waitFired(t, f, 2*time.Second)

	require.Eventually(t, func() bool {
		h := s.History()
		return len(h) == 1 && h[0].Status == StatusFailed && h[0].Error != ""
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, f.textCount(), "failures are never retried")
}

func TestAttachmentIsSentAfterTextAndConsumed(t *testing.T) {
	f := newFakeSender()
	s := startScheduler(t, f, Config{})

	path := filepath.Join(t.TempDir(), "pic.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpeg"), 0o600))

	_, err := s.Schedule(Dispatch{
		SessionID:  "alice",
		Message:    "caption",
		Recipients: []string{"r1"},
		Attachment: path,
	})
	require.NoError(t, err)
	waitFired(t, f, 2*time.Second)

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.media) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond, "attachment must be removed after finalize")
}

func TestParseScheduleTimeSourceTimezone(t *testing.T) {
	s := New(Config{Timezone: "Asia/Jakarta"}, newFakeSender(), logx.Nop(), nil)

	got, err := s.ParseScheduleTime("2026-03-01T15:00:00")
	require.NoError(t, err)
	// Jakarta is UTC+7 year-round.
	require.Equal(t, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), got)
	require.Equal(t, time.UTC, got.Location())
}

func TestParseScheduleTimeExplicitOffsetWins(t *testing.T) {
	s := New(Config{Timezone: "Asia/Jakarta"}, newFakeSender(), logx.Nop(), nil)

	got, err := s.ParseScheduleTime("2026-03-01T15:00:00+02:00")
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC), got)
}

func TestParseScheduleTimeEmptyMeansNow(t *testing.T) {
	s := New(Config{}, newFakeSender(), logx.Nop(), nil)
	before := time.Now().UTC()
	got, err := s.ParseScheduleTime("  ")
	require.NoError(t, err)
	require.WithinDuration(t, before, got, time.Second)
}

func TestParseScheduleTimeInvalid(t *testing.T) {
	s := New(Config{}, newFakeSender(), logx.Nop(), nil)
	_, err := s.ParseScheduleTime("next tuesday")
	require.Error(t, err)
}

func TestHistoryBoundAndPrune(t *testing.T) {
	f := newFakeSender()
	s := startScheduler(t, f, Config{HistorySize: 2})

	for i := 0; i < 3; i++ {
		_, err := s.Schedule(Dispatch{SessionID: "a", Message: "m", Recipients: []string{"r"}})
		require.NoError(t, err)
		waitFired(t, f, 2*time.Second)
	}
	require.Eventually(t, func() bool {
		return len(s.History()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, 2, s.PruneHistory(0))
	require.Empty(t, s.History())
}
