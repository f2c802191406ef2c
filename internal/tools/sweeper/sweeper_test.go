package sweeper

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"strings"
	"testing"
	"time"
)

type fakeCeremonyStore struct {
	swept int64
	calls int
	err   error
}

func (f *fakeCeremonyStore) DeleteExpiredCeremonySessions(_ context.Context, _ time.Time) (int64, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.swept, nil
}

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("sweeper", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.DBPath == "" {
		t.Fatal("expected default db path")
	}
	if cfg.Interval != time.Minute {
		t.Fatalf("Interval = %v, want 1m", cfg.Interval)
	}
	if cfg.Once {
		t.Fatal("Once should default to false")
	}
}

func TestParseConfigFlags(t *testing.T) {
	fs := flag.NewFlagSet("sweeper", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-db-path", "/tmp/x.db", "-interval", "30s", "-once"})
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.DBPath != "/tmp/x.db" || cfg.Interval != 30*time.Second || !cfg.Once {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestParseConfigRejectsNonPositiveInterval(t *testing.T) {
	fs := flag.NewFlagSet("sweeper", flag.ContinueOnError)
	if _, err := ParseConfig(fs, []string{"-interval", "0s"}); err == nil {
		t.Fatal("expected error for zero interval")
	}
}

func TestRunOnce(t *testing.T) {
	store := &fakeCeremonyStore{swept: 3}
	var out bytes.Buffer

	err := run(context.Background(), Config{Once: true, Interval: time.Minute}, store, &out)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if store.calls != 1 {
		t.Fatalf("calls = %d, want 1", store.calls)
	}
	if !strings.Contains(out.String(), "swept 3") {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestRunOnceQuietWhenNothingSwept(t *testing.T) {
	store := &fakeCeremonyStore{}
	var out bytes.Buffer

	if err := run(context.Background(), Config{Once: true, Interval: time.Minute}, store, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("expected no output, got %q", out.String())
	}
}

func TestRunSurfacesStoreError(t *testing.T) {
	store := &fakeCeremonyStore{err: errors.New("locked")}
	err := run(context.Background(), Config{Once: true, Interval: time.Minute}, store, nil)
	if err == nil || !strings.Contains(err.Error(), "locked") {
		t.Fatalf("expected store error, got %v", err)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store := &fakeCeremonyStore{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- run(ctx, Config{Interval: 10 * time.Millisecond}, store, nil)
	}()

	time.Sleep(35 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not stop on cancel")
	}
	if store.calls < 2 {
		t.Fatalf("calls = %d, want periodic sweeps", store.calls)
	}
}
