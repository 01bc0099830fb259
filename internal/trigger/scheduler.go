package trigger

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Callback is invoked at or after a registered trigger's fire time with
// the message id it was registered for. Delivery is at-least-once: the
// receiver must re-check the message's current state before acting.
type Callback func(messageID string)

// Scheduler is the in-process deferred-trigger facility. On a mobile host
// this role is played by the OS background scheduler; here wall-clock
// timers back the same contract.
type Scheduler struct {
	mu     sync.Mutex
	cb     Callback
	timers map[string]*time.Timer
	closed bool
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler. The callback is set separately so the
// scheduler can be handed to its consumer before wiring completes.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		timers: make(map[string]*time.Timer),
		logger: logger,
	}
}

// SetCallback installs the fire callback. Must be called before Register.
func (s *Scheduler) SetCallback(cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
}

// Register arms a trigger for the message at the given time and returns a
// token for cancellation. A fire time in the past fires immediately.
func (s *Scheduler) Register(messageID string, firesAt time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	token := uuid.New().String()
	if s.closed {
		return token
	}

	delay := time.Until(firesAt)
	if delay < 0 {
		delay = 0
	}

	s.wg.Add(1)
	s.timers[token] = time.AfterFunc(delay, func() {
		defer s.wg.Done()

		s.mu.Lock()
		delete(s.timers, token)
		cb := s.cb
		closed := s.closed
		s.mu.Unlock()

		if closed || cb == nil {
			return
		}
		s.logger.Debug("trigger fired", "message_id", messageID, "token", token)
		cb(messageID)
	})

	s.logger.Debug("trigger registered",
		"message_id", messageID,
		"token", token,
		"fires_at", firesAt,
	)
	return token
}

// Cancel disarms the trigger for a token. Cancelling an unknown or
// already-fired token is a no-op.
func (s *Scheduler) Cancel(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer, ok := s.timers[token]
	if !ok {
		return
	}
	delete(s.timers, token)
	if timer.Stop() {
		s.wg.Done()
	}
	s.logger.Debug("trigger cancelled", "token", token)
}

// Stop disarms all pending triggers and waits for in-flight callbacks
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	for token, timer := range s.timers {
		delete(s.timers, token)
		if timer.Stop() {
			s.wg.Done()
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Debug("trigger scheduler stopped")
}
