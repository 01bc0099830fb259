package transmit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sifapp/sifd/internal/message"
)

// Transmitter performs the transmission step of a delivery: one bounded
// network write handing the message (attachment already uploaded) to the
// recipient-facing backend.
type Transmitter interface {
	Transmit(ctx context.Context, msg *message.Message) error
}

// BackendTransmitter posts messages to the hosted SIF backend over HTTP.
// Failures are classified for the retry coordinator: server-side and
// network errors are temporary, client-side rejections are structural.
type BackendTransmitter struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *slog.Logger
}

// NewBackendTransmitter creates a transmitter for the given endpoint
func NewBackendTransmitter(endpoint, apiKey string, timeout time.Duration, logger *slog.Logger) *BackendTransmitter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BackendTransmitter{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

type backendPayload struct {
	ID         string   `json:"id"`
	Author     string   `json:"author"`
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject,omitempty"`
	Body       string   `json:"body"`
	Attachment string   `json:"attachment,omitempty"`
}

// Transmit delivers the message to the backend
func (t *BackendTransmitter) Transmit(ctx context.Context, msg *message.Message) error {
	payload := backendPayload{
		ID:         msg.ID,
		Author:     msg.Author,
		Recipients: msg.Recipients,
		Subject:    msg.Subject,
		Body:       msg.Body,
		Attachment: msg.AttachmentRemote,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return &message.DeliveryError{Temporary: false, Message: fmt.Sprintf("encode failed: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return &message.DeliveryError{Temporary: false, Message: fmt.Sprintf("bad endpoint: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return &message.DeliveryError{Temporary: true, Message: fmt.Sprintf("backend unreachable: %v", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		t.logger.Debug("message transmitted", "id", msg.ID, "status", resp.StatusCode)
		return nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return &message.DeliveryError{Temporary: true, Message: fmt.Sprintf("backend throttled: %d", resp.StatusCode)}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &message.DeliveryError{Temporary: false, Message: fmt.Sprintf("backend rejected message: %d", resp.StatusCode)}
	default:
		return &message.DeliveryError{Temporary: true, Message: fmt.Sprintf("backend error: %d", resp.StatusCode)}
	}
}
