package library

import (
	"context"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Condition not met within timeout")
}

func TestWatcherRescansOnChanges(t *testing.T) {
	if testing.Short() {
		t.Skip("Waits out the debounce window")
	}

	root := t.TempDir()
	writeFiles(t, root, "Heat/Heat.mkv")

	lib := New(testConfig(root), testLogger())
	if err := lib.Rescan(context.Background()); err != nil {
		t.Fatalf("Initial rescan failed: %v", err)
	}

	w, err := NewWatcher(lib, testLogger())
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	// A burst of events inside one debounce window coalesces into a
	// single rescan that picks up everything.
	writeFiles(t, root, "Alien (1979)/Alien.mkv", "Alien (1979)/Alien.en.srt")
	waitFor(t, 10*time.Second, func() bool { return lib.Tree().Items() == 2 })

	// A later change after the first debounce fired must arm a fresh
	// timer and trigger another rescan, not get swallowed by a stale tick.
	writeFiles(t, root, "Ronin/Ronin.mkv")
	waitFor(t, 10*time.Second, func() bool { return lib.Tree().Items() == 3 })

	cancel()
	<-done
}
