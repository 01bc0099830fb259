package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sifapp/sifd/internal/blob"
	"github.com/sifapp/sifd/internal/message"
	"github.com/sifapp/sifd/internal/metrics"
	"github.com/sifapp/sifd/internal/notify"
	"github.com/sifapp/sifd/internal/progress"
	"github.com/sifapp/sifd/internal/retry"
	"github.com/sifapp/sifd/internal/transmit"
	"github.com/sifapp/sifd/internal/upload"
)

// Store is the persistence surface the orchestrator needs
type Store interface {
	Save(ctx context.Context, msg *message.Message) error
	Get(ctx context.Context, id string) (*message.Message, error)
	Update(ctx context.Context, id string, fn func(*message.Message) error) (*message.Message, error)
	Scheduled(ctx context.Context) ([]*message.Message, error)
	List(ctx context.Context, filter message.ListFilter) ([]*message.Message, error)
}

// Uploader moves an attachment into blob storage, reporting progress
type Uploader interface {
	Upload(ctx context.Context, att *message.Attachment, progress upload.ProgressFunc) (blob.Locator, error)
}

// Trigger arms deferred callbacks for scheduled sends and automatic retries
type Trigger interface {
	Register(messageID string, firesAt time.Time) string
	Cancel(token string)
}

// errSuperseded is returned internally when another actor (a cancel,
// typically) moved the message while an attempt was in flight. The
// attempt stands down without reporting an error.
var errSuperseded = errors.New("attempt superseded")

// Deps bundles the orchestrator's collaborators
type Deps struct {
	Store       Store
	Uploader    Uploader
	Transmitter transmit.Transmitter
	Retry       *retry.Coordinator
	Trigger     Trigger
	Progress    *progress.Hub
	Notifier    notify.Notifier
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Orchestrator drives a message through its delivery lifecycle: upload
// the attachment, transmit, and on failure decide between an automatic
// retry and a terminal Failed. All status moves go through the store,
// which enforces the state machine; when two actors race, the loser
// observes a rejected transition and stands down.
type Orchestrator struct {
	store       Store
	uploader    Uploader
	transmitter transmit.Transmitter
	retry       *retry.Coordinator
	trigger     Trigger
	progress    *progress.Hub
	notifier    notify.Notifier
	metrics     *metrics.Metrics
	logger      *slog.Logger

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	cancels map[string]context.CancelFunc

	wg sync.WaitGroup
}

// New creates an orchestrator from its dependencies
func New(d Deps) *Orchestrator {
	if d.Notifier == nil {
		d.Notifier = notify.NopNotifier{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Orchestrator{
		store:       d.Store,
		uploader:    d.Uploader,
		transmitter: d.Transmitter,
		retry:       d.Retry,
		trigger:     d.Trigger,
		progress:    d.Progress,
		notifier:    d.Notifier,
		metrics:     d.Metrics,
		logger:      d.Logger.With("component", "delivery"),
	}
}

// SendNow accepts a message and runs a delivery attempt immediately.
// The returned message carries the attempt's outcome: Delivered, or
// Failed with the failure reason and any scheduled retry recorded.
func (o *Orchestrator) SendNow(ctx context.Context, msg *message.Message) (*message.Message, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	msg.Status = message.StatusDraft
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if err := o.store.Save(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to persist message: %w", err)
	}

	return o.runAttempt(ctx, msg)
}

// ScheduleSend accepts a message for delivery at a future time. The
// message is persisted as Scheduled before the trigger is armed, so a
// crash between the two loses the timer but never the message.
func (o *Orchestrator) ScheduleSend(ctx context.Context, msg *message.Message, at time.Time) (*message.Message, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if !at.After(time.Now()) {
		return nil, fmt.Errorf("%w: %s", message.ErrInvalidSchedule, at.Format(time.RFC3339))
	}

	msg.Status = message.StatusScheduled
	msg.ScheduledAt = at
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if err := o.store.Save(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to persist message: %w", err)
	}

	token := o.trigger.Register(msg.ID, at)

	// The trigger may already have fired (or a cancel may have landed)
	// by the time we record the token; in that case the token is stale
	// and must not be written.
	updated, err := o.store.Update(ctx, msg.ID, func(m *message.Message) error {
		if m.Status == message.StatusScheduled {
			m.TriggerToken = token
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.metrics.RecordScheduled()
	o.logger.Info("message scheduled", "id", msg.ID, "at", at)
	return updated, nil
}

// Cancel stops a message that has not started transmitting. Scheduled
// messages have their trigger disarmed; an in-flight upload is aborted
// and the attempt itself lands the message in Cancelled. Any other
// state is refused with ErrInvalidStateForCancel.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*message.Message, error) {
	var token string
	updated, err := o.store.Update(ctx, id, func(m *message.Message) error {
		if m.Status == message.StatusCancelled {
			return nil
		}
		switch m.Status {
		case message.StatusScheduled, message.StatusUploading:
		default:
			return fmt.Errorf("%w: message %s is %s", message.ErrInvalidStateForCancel, id, m.Status)
		}
		token = m.TriggerToken
		m.Status = message.StatusCancelled
		m.CancelledAt = time.Now()
		m.TriggerToken = ""
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Abort any in-flight attempt only now that the store has accepted
	// the cancel. A message past Uploading was refused above and its
	// attempt must keep running undisturbed.
	o.mu.Lock()
	abortUpload, inFlight := o.cancels[id]
	o.mu.Unlock()
	if inFlight {
		abortUpload()
	}

	if token != "" {
		o.trigger.Cancel(token)
	}
	o.progress.Clear(id)
	if !inFlight {
		// an aborted in-flight attempt records the cancellation itself
		o.metrics.RecordCancelled()
	}

	o.logger.Info("message cancelled", "id", id)
	return updated, nil
}

// Retry runs a manual delivery attempt for a Failed message. A message
// at the retry ceiling is refused with ErrRetryCeilingReached; a manual
// retry does not consume retry budget.
func (o *Orchestrator) Retry(ctx context.Context, id string) (*message.Message, error) {
	msg, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.Status != message.StatusFailed {
		return nil, fmt.Errorf("%w: message %s is %s", message.ErrInvalidStateForRetry, id, msg.Status)
	}
	if msg.RetryCount >= o.retry.MaxRetries() {
		return nil, fmt.Errorf("%w: message %s failed %d times", message.ErrRetryCeilingReached, id, msg.RetryCount)
	}

	// supersede any pending automatic retry
	if msg.TriggerToken != "" {
		o.trigger.Cancel(msg.TriggerToken)
		msg.TriggerToken = ""
	}
	msg.LastRetryAt = time.Now()
	msg.NextRetryAt = time.Time{}
	msg.FailureReason = ""
	if err := o.store.Save(ctx, msg); err != nil {
		return nil, err
	}

	o.logger.Info("manual retry", "id", id, "retry_count", msg.RetryCount)
	return o.runAttempt(ctx, msg)
}

// HandleTrigger is the deferred-trigger callback. It re-reads the
// message and acts on its current status, so duplicate or stale firings
// are harmless no-ops.
func (o *Orchestrator) HandleTrigger(messageID string) {
	ctx := context.Background()

	msg, err := o.store.Get(ctx, messageID)
	if err != nil {
		o.logger.Warn("trigger fired for unknown message", "id", messageID, "error", err)
		return
	}

	switch msg.Status {
	case message.StatusScheduled:
		msg.TriggerToken = ""
		if _, err := o.runAttempt(ctx, msg); err != nil {
			o.logger.Error("scheduled delivery failed", "id", messageID, "error", err)
		}
	case message.StatusFailed:
		if msg.NextRetryAt.IsZero() || msg.RetryCount >= o.retry.MaxRetries() {
			return
		}
		msg.LastRetryAt = time.Now()
		msg.NextRetryAt = time.Time{}
		msg.TriggerToken = ""
		if _, err := o.runAttempt(ctx, msg); err != nil {
			o.logger.Error("automatic retry failed", "id", messageID, "error", err)
		}
	default:
		o.logger.Debug("trigger fired in non-actionable state", "id", messageID, "status", msg.Status)
	}
}

// Recover restores in-flight work after a restart: scheduled messages
// get their triggers re-armed, pending automatic retries are
// re-registered, and messages caught mid-attempt are failed as
// transient so the normal retry path picks them up.
func (o *Orchestrator) Recover(ctx context.Context) error {
	scheduled, err := o.store.Scheduled(ctx)
	if err != nil {
		return fmt.Errorf("failed to read scheduled messages: %w", err)
	}
	for _, msg := range scheduled {
		token := o.trigger.Register(msg.ID, msg.ScheduledAt)
		if _, err := o.store.Update(ctx, msg.ID, func(m *message.Message) error {
			if m.Status == message.StatusScheduled {
				m.TriggerToken = token
			}
			return nil
		}); err != nil {
			o.logger.Warn("failed to record re-armed trigger", "id", msg.ID, "error", err)
		}
	}
	if len(scheduled) > 0 {
		o.logger.Info("re-armed scheduled messages", "count", len(scheduled))
	}

	failed, err := o.store.List(ctx, message.ListFilter{Status: message.StatusFailed})
	if err != nil {
		return fmt.Errorf("failed to read failed messages: %w", err)
	}
	rearmed := 0
	for _, msg := range failed {
		if msg.NextRetryAt.IsZero() || msg.RetryCount >= o.retry.MaxRetries() {
			continue
		}
		token := o.trigger.Register(msg.ID, msg.NextRetryAt)
		if _, err := o.store.Update(ctx, msg.ID, func(m *message.Message) error {
			if m.Status == message.StatusFailed {
				m.TriggerToken = token
			}
			return nil
		}); err != nil {
			o.logger.Warn("failed to record re-armed retry", "id", msg.ID, "error", err)
		}
		rearmed++
	}
	if rearmed > 0 {
		o.logger.Info("re-armed pending retries", "count", rearmed)
	}

	for _, status := range []message.Status{message.StatusUploading, message.StatusSending} {
		stuck, err := o.store.List(ctx, message.ListFilter{Status: status})
		if err != nil {
			return fmt.Errorf("failed to read %s messages: %w", status, err)
		}
		for _, msg := range stuck {
			o.logger.Warn("message interrupted by restart", "id", msg.ID, "status", status)
			cause := &message.DeliveryError{Temporary: true, Message: "delivery interrupted by restart"}
			if _, err := o.handleFailure(ctx, msg, cause); err != nil {
				o.logger.Error("failed to requeue interrupted message", "id", msg.ID, "error", err)
			}
		}
	}

	return nil
}

// Stop waits for outstanding notification goroutines
func (o *Orchestrator) Stop() {
	o.wg.Wait()
}

// runAttempt drives one delivery attempt: upload (when an attachment is
// present and not yet uploaded), then transmit. The outcome is recorded
// on the returned message; a delivery failure is not an error return.
func (o *Orchestrator) runAttempt(ctx context.Context, msg *message.Message) (*message.Message, error) {
	lock := o.lockFor(msg.ID)
	lock.Lock()
	defer lock.Unlock()

	// Another attempt or a cancel may have moved the message while we
	// waited for the lock.
	current, err := o.store.Get(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	if current.Status != msg.Status {
		o.logger.Debug("attempt superseded before start", "id", msg.ID, "status", current.Status)
		return current, nil
	}

	attemptCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	o.mu.Lock()
	o.cancels[msg.ID] = abort
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, msg.ID)
		o.mu.Unlock()
		abort()
	}()

	start := time.Now()

	if msg.Attachment != nil && msg.AttachmentRemote == "" {
		msg.Status = message.StatusUploading
		if err := o.advance(ctx, msg); err != nil {
			return o.standDown(ctx, msg.ID, err)
		}

		o.metrics.UploadStarted()
		o.progress.Set(msg.ID, 0, true)

		locator, err := o.uploader.Upload(attemptCtx, msg.Attachment, func(fraction float64) {
			o.progress.Set(msg.ID, fraction, true)
		})
		if err != nil {
			o.metrics.UploadFinished(0)
			o.progress.Clear(msg.ID)
			if errors.Is(err, message.ErrUploadCancelled) {
				return o.finishCancelled(ctx, msg)
			}
			return o.handleFailure(ctx, msg, err)
		}

		o.metrics.UploadFinished(msg.Attachment.Size)
		o.progress.Set(msg.ID, 1, false)
		msg.AttachmentRemote = string(locator)
	}

	msg.Status = message.StatusSending
	if err := o.advance(ctx, msg); err != nil {
		return o.standDown(ctx, msg.ID, err)
	}

	if err := o.transmitter.Transmit(attemptCtx, msg); err != nil {
		o.metrics.ObserveAttempt(time.Since(start).Seconds())
		return o.handleFailure(ctx, msg, err)
	}

	msg.Status = message.StatusDelivered
	msg.DeliveredAt = time.Now()
	msg.FailureReason = ""
	msg.NextRetryAt = time.Time{}
	if err := o.advance(ctx, msg); err != nil {
		return o.standDown(ctx, msg.ID, err)
	}

	o.progress.Clear(msg.ID)
	o.metrics.RecordDelivered()
	o.metrics.ObserveAttempt(time.Since(start).Seconds())
	o.logger.Info("message delivered", "id", msg.ID, "retry_count", msg.RetryCount)

	if msg.NotifyOnDelivery {
		delivered := *msg
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.notifier.NotifyDelivered(context.Background(), &delivered)
		}()
	}

	return msg, nil
}

// handleFailure records a failed attempt and either schedules an
// automatic retry or marks the message terminally Failed. Only
// temporary failures consume retry budget.
func (o *Orchestrator) handleFailure(ctx context.Context, msg *message.Message, cause error) (*message.Message, error) {
	if message.IsTemporary(cause) {
		msg.RetryCount++
	}
	msg.Status = message.StatusFailed
	msg.FailureReason = cause.Error()

	decision := o.retry.OnFailure(msg, cause)
	if !decision.Retry {
		msg.NextRetryAt = time.Time{}
		if err := o.advance(ctx, msg); err != nil {
			return o.standDown(ctx, msg.ID, err)
		}

		o.metrics.RecordFailed(failureCause(cause))
		o.logger.Error("message failed terminally",
			"id", msg.ID, "retry_count", msg.RetryCount, "reason", msg.FailureReason)

		failed := *msg
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.notifier.NotifyFailed(context.Background(), &failed)
		}()
		return msg, nil
	}

	msg.NextRetryAt = time.Now().Add(decision.After)
	if err := o.advance(ctx, msg); err != nil {
		return o.standDown(ctx, msg.ID, err)
	}

	token := o.trigger.Register(msg.ID, msg.NextRetryAt)
	updated, err := o.store.Update(ctx, msg.ID, func(m *message.Message) error {
		if m.Status == message.StatusFailed {
			m.TriggerToken = token
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.metrics.RecordRetryScheduled()
	o.logger.Warn("delivery attempt failed, retry scheduled",
		"id", msg.ID, "retry_count", msg.RetryCount, "next_retry_at", msg.NextRetryAt,
		"reason", msg.FailureReason)
	return updated, nil
}

// finishCancelled lands an attempt whose upload was aborted by a cancel
func (o *Orchestrator) finishCancelled(ctx context.Context, msg *message.Message) (*message.Message, error) {
	msg.Status = message.StatusCancelled
	msg.CancelledAt = time.Now()
	msg.TriggerToken = ""
	if err := o.advance(ctx, msg); err != nil {
		return o.standDown(ctx, msg.ID, err)
	}
	o.metrics.RecordCancelled()
	o.logger.Info("upload aborted by cancel", "id", msg.ID)
	return msg, nil
}

// advance persists a status move. A rejected transition means another
// actor won a race for this message; that is surfaced as errSuperseded
// so the attempt can stand down quietly.
func (o *Orchestrator) advance(ctx context.Context, msg *message.Message) error {
	err := o.store.Save(ctx, msg)
	if errors.Is(err, message.ErrIllegalTransition) {
		return errSuperseded
	}
	return err
}

// standDown resolves an advance error: a superseded attempt returns the
// message's current state without error, anything else propagates.
func (o *Orchestrator) standDown(ctx context.Context, id string, err error) (*message.Message, error) {
	if !errors.Is(err, errSuperseded) {
		return nil, err
	}
	o.logger.Debug("attempt superseded", "id", id)
	current, getErr := o.store.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return current, nil
}

func (o *Orchestrator) lockFor(id string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.locks == nil {
		o.locks = make(map[string]*sync.Mutex)
	}
	if o.cancels == nil {
		o.cancels = make(map[string]context.CancelFunc)
	}
	lock, ok := o.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[id] = lock
	}
	return lock
}

func failureCause(cause error) string {
	if !message.IsTemporary(cause) {
		return "structural"
	}
	return "retries_exhausted"
}
