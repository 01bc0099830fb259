package trigger

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// collector records callback invocations
type collector struct {
	mu    sync.Mutex
	fired []string
	ch    chan string
}

func newCollector() *collector {
	return &collector{ch: make(chan string, 16)}
}

func (c *collector) callback(id string) {
	c.mu.Lock()
	c.fired = append(c.fired, id)
	c.mu.Unlock()
	c.ch <- id
}

func (c *collector) wait(t *testing.T, timeout time.Duration) string {
	t.Helper()
	select {
	case id := <-c.ch:
		return id
	case <-time.After(timeout):
		t.Fatal("trigger did not fire in time")
		return ""
	}
}

func TestRegisterFires(t *testing.T) {
	s := NewScheduler(testLogger())
	defer s.Stop()

	c := newCollector()
	s.SetCallback(c.callback)

	s.Register("m1", time.Now().Add(20*time.Millisecond))
	if id := c.wait(t, time.Second); id != "m1" {
		t.Errorf("fired for %s, want m1", id)
	}
}

func TestPastDueFiresImmediately(t *testing.T) {
	s := NewScheduler(testLogger())
	defer s.Stop()

	c := newCollector()
	s.SetCallback(c.callback)

	s.Register("m1", time.Now().Add(-time.Hour))
	c.wait(t, time.Second)
}

func TestCancelPreventsFire(t *testing.T) {
	s := NewScheduler(testLogger())
	defer s.Stop()

	c := newCollector()
	s.SetCallback(c.callback)

	token := s.Register("m1", time.Now().Add(50*time.Millisecond))
	s.Cancel(token)

	select {
	case id := <-c.ch:
		t.Errorf("cancelled trigger fired for %s", id)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestCancelUnknownTokenIsNoop(t *testing.T) {
	s := NewScheduler(testLogger())
	defer s.Stop()
	s.Cancel("no-such-token")
}

func TestStopDisarmsPending(t *testing.T) {
	s := NewScheduler(testLogger())

	c := newCollector()
	s.SetCallback(c.callback)

	s.Register("m1", time.Now().Add(time.Hour))
	s.Register("m2", time.Now().Add(time.Hour))

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop() hung with pending triggers")
	}
}
