package costs

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.yaml")
	write := func(rate string) {
		t.Helper()
		data := "models:\n  m1:\n    input_usd_per_million: \"" + rate + "\"\n    output_usd_per_million: \"1\"\n"
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("1")

	table, err := LoadFile(path, FormatYAML)
	if err != nil {
		t.Fatal(err)
	}
	calc := NewCalculator(table, 0)

	w, err := NewWatcher(path, FormatYAML, calc, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	reloaded := make(chan error, 16)
	w.onReload = func(err error) { reloaded <- err }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Watch(ctx) }()
	defer w.Stop()

	// give the watcher time to register the directory
	time.Sleep(50 * time.Millisecond)
	write("2")

	select {
	case err := <-reloaded:
		if err != nil {
			t.Fatalf("reload error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	p, err := calc.Pricing("m1")
	if err != nil {
		t.Fatal(err)
	}
	if p.InputPerMillion != 2_000_000 {
		t.Errorf("InputPerMillion = %d, want 2000000", p.InputPerMillion)
	}
}

func TestWatcher_KeepsTableOnBadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.yaml")
	if err := os.WriteFile(path, []byte("models: ["), 0o644); err != nil {
		t.Fatal(err)
	}

	calc := NewCalculator(testTable(), 0)
	w, err := NewWatcher(path, FormatYAML, calc, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	var failures atomic.Int32
	w.onReload = func(err error) {
		if err != nil {
			failures.Add(1)
		}
	}
	w.reload()

	if failures.Load() != 1 {
		t.Errorf("expected one failed reload, got %d", failures.Load())
	}
	if calc.Models() != len(testTable()) {
		t.Errorf("table replaced after failed reload")
	}
}

func TestDebouncer_CoalescesBursts(t *testing.T) {
	d := NewDebouncer(30 * time.Millisecond)
	defer d.Stop()

	var calls atomic.Int32
	for i := 0; i < 10; i++ {
		d.Trigger(func() { calls.Add(1) })
	}
	time.Sleep(150 * time.Millisecond)

	if got := calls.Load(); got != 1 {
		t.Errorf("callback ran %d times, want 1", got)
	}

	d.Stop()
	d.Trigger(func() { calls.Add(1) })
	time.Sleep(60 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("callback ran after Stop")
	}
}
