package safego

import (
	"testing"
	"time"
)

func TestGo_RunsFunction(t *testing.T) {
	done := make(chan struct{})
	Go("run", func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("goroutine did not complete within timeout")
	}
}

func TestGo_RecoversPanic(t *testing.T) {
	done := make(chan struct{})

	// This should not crash the test process; the panic must be recovered.
	Go("panicking", func() {
		defer close(done)
		panic("intentional panic in test")
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("goroutine did not complete within timeout after panic")
	}
}
