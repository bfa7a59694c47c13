package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"testing"
	"time"
)

// The first SIGINT cancels the run context; a second one while shutdown
// is underway must not kill the process.
func TestSecondSignalIgnoredDuringShutdown(t *testing.T) {
	t.Cleanup(func() {
		signal.Reset(syscall.SIGINT, syscall.SIGTERM)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelOnSignal(cancel)

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGINT); err != nil {
		t.Fatalf("sending first SIGINT: %v", err)
	}
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("first SIGINT did not cancel the run context")
	}

	// The disposition is now Ignore. If it had been restored to the
	// default, this second signal would terminate the test binary.
	if err := syscall.Kill(syscall.Getpid(), syscall.SIGINT); err != nil {
		t.Fatalf("sending second SIGINT: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
}
