package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/sifapp/sifd/internal/message"
)

// Notifier delivers user-facing notices about a message's fate. Both
// calls are fire-and-forget: failures are logged and never influence
// delivery state.
type Notifier interface {
	// NotifyDelivered tells the recipients' devices a message arrived
	NotifyDelivered(ctx context.Context, msg *message.Message)

	// NotifyFailed tells the author a message failed terminally
	NotifyFailed(ctx context.Context, msg *message.Message)
}

// WebhookNotifier posts notices to the push-notification gateway
type WebhookNotifier struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewWebhookNotifier creates a notifier for the given gateway endpoint
func NewWebhookNotifier(endpoint string, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}
}

type notice struct {
	Event      string   `json:"event"`
	MessageID  string   `json:"message_id"`
	Author     string   `json:"author"`
	Recipients []string `json:"recipients,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

func (n *WebhookNotifier) NotifyDelivered(ctx context.Context, msg *message.Message) {
	n.post(ctx, notice{
		Event:      "delivered",
		MessageID:  msg.ID,
		Author:     msg.Author,
		Recipients: msg.Recipients,
	})
}

func (n *WebhookNotifier) NotifyFailed(ctx context.Context, msg *message.Message) {
	n.post(ctx, notice{
		Event:     "failed",
		MessageID: msg.ID,
		Author:    msg.Author,
		Reason:    msg.FailureReason,
	})
}

func (n *WebhookNotifier) post(ctx context.Context, nt notice) {
	body, err := json.Marshal(nt)
	if err != nil {
		n.logger.Warn("failed to encode notice", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("failed to build notice request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("notification delivery failed",
			"event", nt.Event,
			"message_id", nt.MessageID,
			"error", err,
		)
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.logger.Warn("notification gateway refused notice",
			"event", nt.Event,
			"message_id", nt.MessageID,
			"status", resp.StatusCode,
		)
	}
}

// NopNotifier discards all notices
type NopNotifier struct{}

func (NopNotifier) NotifyDelivered(ctx context.Context, msg *message.Message) {}
func (NopNotifier) NotifyFailed(ctx context.Context, msg *message.Message)    {}
