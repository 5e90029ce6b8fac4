package dirwatch

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newRoot(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "storage")
	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatalf("mkdir root: %v", err)
	}
	return root
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestMonitorFiresOnDelete(t *testing.T) {
	root := newRoot(t)
	vanished := make(chan struct{})
	var calls atomic.Int32
	m := New(root, func() {
		if calls.Add(1) == 1 {
			close(vanished)
		}
	}, quietLogger())
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := os.RemoveAll(root); err != nil {
		t.Fatalf("remove root: %v", err)
	}
	waitClosed(t, vanished, "vanish callback")
	waitClosed(t, m.Done(), "monitor exit")

	m.Stop()
	if calls.Load() != 1 {
		t.Fatalf("vanish callback should fire exactly once, got %d", calls.Load())
	}
}

func TestMonitorFiresOnMove(t *testing.T) {
	root := newRoot(t)
	vanished := make(chan struct{})
	m := New(root, func() { close(vanished) }, quietLogger())
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	if err := os.Rename(root, root+".moved"); err != nil {
		t.Fatalf("rename root: %v", err)
	}
	waitClosed(t, vanished, "vanish callback")
}

func TestMonitorStopWithoutEvent(t *testing.T) {
	root := newRoot(t)
	var calls atomic.Int32
	m := New(root, func() { calls.Add(1) }, quietLogger())
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	m.Stop()
	m.Stop()
	waitClosed(t, m.Done(), "monitor exit")

	if calls.Load() != 0 {
		t.Fatalf("stop must not fire the vanish callback")
	}
	if _, err := os.Stat(root); err != nil {
		t.Fatalf("root should be untouched: %v", err)
	}
}

func TestMonitorStopFromCallback(t *testing.T) {
	root := newRoot(t)
	returned := make(chan struct{})
	var m *Monitor
	m = New(root, func() {
		m.Stop()
		close(returned)
	}, quietLogger())
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := os.Remove(root); err != nil {
		t.Fatalf("remove root: %v", err)
	}
	waitClosed(t, returned, "stop inside callback")
}

func TestMonitorStartErrors(t *testing.T) {
	missing := New(filepath.Join(t.TempDir(), "missing"), nil, quietLogger())
	if err := missing.Start(); err == nil {
		t.Fatalf("watching a missing directory should fail")
	}
	missing.Stop()

	root := newRoot(t)
	m := New(root, nil, quietLogger())
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Start(); !errors.Is(err, ErrStarted) {
		t.Fatalf("second start should fail with ErrStarted, got %v", err)
	}
	m.Stop()
	if err := m.Start(); !errors.Is(err, ErrStopped) {
		t.Fatalf("start after stop should fail with ErrStopped, got %v", err)
	}
}

func TestMonitorStopBeforeStart(t *testing.T) {
	m := New(newRoot(t), nil, quietLogger())
	m.Stop()
	waitClosed(t, m.Done(), "done channel")
	if err := m.Start(); !errors.Is(err, ErrStopped) {
		t.Fatalf("start after stop should fail, got %v", err)
	}
}
