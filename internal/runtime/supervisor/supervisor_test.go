package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGoRecordsFirstError(t *testing.T) {
	s := New(context.Background())
	want := errors.New("boom")
	s.Go("a", func(ctx context.Context) error { return want })

	if err := s.Stop(context.Background()); !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
	if !errors.Is(s.Err(), want) {
		t.Fatal("first error must be retained")
	}
}

func TestGoRecoversPanic(t *testing.T) {
	s := New(context.Background())
	s.Go0("panicky", func(ctx context.Context) { panic("oops") })

	_ = s.Wait(context.Background())
	if s.Err() == nil {
		t.Fatal("panic must surface as an error")
	}
}

func TestCancelOnError(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("failing", func(ctx context.Context) error { return errors.New("fatal") })

	select {
	case <-s.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not canceled after error")
	}
	_ = s.Wait(context.Background())
}

func TestGoRestartStopsOnCleanExit(t *testing.T) {
	s := New(context.Background())
	runs := make(chan struct{}, 8)
	s.GoRestart("flaky", func(ctx context.Context) error {
		runs <- struct{}{}
		if len(runs) < 2 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	if err := s.Wait(context.Background()); err != nil {
		t.Fatalf("restart loop errors are not fatal: %v", err)
	}
	if got := len(runs); got != 2 {
		t.Fatalf("expected 2 runs, got %d", got)
	}
}

func TestStopCancelsRunning(t *testing.T) {
	s := New(context.Background())
	started := make(chan struct{})
	s.Go("loop", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.Active() != 0 {
		t.Fatalf("active goroutines remain: %d", s.Active())
	}
}
