package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sifapp/sifd/internal/message"
)

// SendRequest is the request body for POST /messages
type SendRequest struct {
	Author           string             `json:"author"`
	Recipients       []string           `json:"recipients"`
	Subject          string             `json:"subject,omitempty"`
	Body             string             `json:"body"`
	Attachment       *AttachmentRequest `json:"attachment,omitempty"`
	NotifyOnDelivery bool               `json:"notify_on_delivery"`
}

// AttachmentRequest describes a local file to upload with the message
type AttachmentRequest struct {
	FileName    string `json:"file_name"`
	LocalPath   string `json:"local_path"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
}

// ScheduleRequest is the request body for POST /messages/schedule
type ScheduleRequest struct {
	SendRequest
	ScheduledAt time.Time `json:"scheduled_at"`
}

// SendResponse is the response for message submissions
type SendResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// MessageResponse is the full delivery-state view of a message
type MessageResponse struct {
	ID            string    `json:"id"`
	Author        string    `json:"author"`
	Recipients    []string  `json:"recipients"`
	Subject       string    `json:"subject,omitempty"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	ScheduledAt   time.Time `json:"scheduled_at,omitempty"`
	RetryCount    int       `json:"retry_count"`
	NextRetryAt   time.Time `json:"next_retry_at,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	DeliveredAt   time.Time `json:"delivered_at,omitempty"`
	CancelledAt   time.Time `json:"cancelled_at,omitempty"`
	HasAttachment bool      `json:"has_attachment"`
}

// ProgressResponse is the response for GET /messages/{id}/progress
type ProgressResponse struct {
	ID       string  `json:"id"`
	Fraction float64 `json:"fraction"`
	Active   bool    `json:"active"`
}

// StatsResponse is the response for GET /pipeline/stats
type StatsResponse struct {
	Pipeline *message.Stats `json:"pipeline"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status   string         `json:"status"`
	Version  string         `json:"version"`
	Uptime   string         `json:"uptime"`
	Pipeline *message.Stats `json:"pipeline,omitempty"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

func messageResponse(msg *message.Message) MessageResponse {
	return MessageResponse{
		ID:            msg.ID,
		Author:        msg.Author,
		Recipients:    msg.Recipients,
		Subject:       msg.Subject,
		Status:        string(msg.Status),
		CreatedAt:     msg.CreatedAt,
		UpdatedAt:     msg.UpdatedAt,
		ScheduledAt:   msg.ScheduledAt,
		RetryCount:    msg.RetryCount,
		NextRetryAt:   msg.NextRetryAt,
		FailureReason: msg.FailureReason,
		DeliveredAt:   msg.DeliveredAt,
		CancelledAt:   msg.CancelledAt,
		HasAttachment: msg.Attachment != nil,
	}
}

func buildMessage(req *SendRequest) *message.Message {
	msg := &message.Message{
		ID:               uuid.New().String(),
		Author:           req.Author,
		Recipients:       req.Recipients,
		Subject:          req.Subject,
		Body:             req.Body,
		NotifyOnDelivery: req.NotifyOnDelivery,
		CreatedAt:        time.Now(),
	}
	if req.Attachment != nil {
		msg.Attachment = &message.Attachment{
			FileName:    req.Attachment.FileName,
			LocalPath:   req.Attachment.LocalPath,
			Size:        req.Attachment.Size,
			ContentType: req.Attachment.ContentType,
		}
	}
	return msg
}

// handleSend handles POST /api/v1/messages. The delivery attempt runs
// in the background; the response confirms acceptance.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Author == "" {
		s.sendError(w, http.StatusBadRequest, "author is required")
		return
	}

	msg := buildMessage(&req)
	if err := msg.Validate(); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The attempt must outlive the request.
	ctx := context.WithoutCancel(r.Context())
	go func() {
		if _, err := s.pipeline.SendNow(ctx, msg); err != nil {
			s.logger.Error("background delivery failed", "id", msg.ID, "error", err)
		}
	}()

	s.logger.Info("message accepted", "id", msg.ID, "author", msg.Author)
	s.sendJSON(w, http.StatusAccepted, SendResponse{ID: msg.ID, Status: "accepted"})
}

// handleSchedule handles POST /api/v1/messages/schedule
func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Author == "" {
		s.sendError(w, http.StatusBadRequest, "author is required")
		return
	}
	if req.ScheduledAt.IsZero() {
		s.sendError(w, http.StatusBadRequest, "scheduled_at is required")
		return
	}

	msg := buildMessage(&req.SendRequest)
	scheduled, err := s.pipeline.ScheduleSend(r.Context(), msg, req.ScheduledAt)
	if err != nil {
		s.sendPipelineError(w, err)
		return
	}

	s.logger.Info("message scheduled via API", "id", scheduled.ID, "at", req.ScheduledAt)
	s.sendJSON(w, http.StatusCreated, messageResponse(scheduled))
}

// handleGet handles GET /api/v1/messages/{id}
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	msg, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.sendPipelineError(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, messageResponse(msg))
}

// handleProgress handles GET /api/v1/messages/{id}/progress
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if entry, ok := s.progress.Get(id); ok {
		s.sendJSON(w, http.StatusOK, ProgressResponse{ID: id, Fraction: entry.Fraction, Active: entry.Active})
		return
	}

	// No live entry; derive a settled value from the stored message.
	msg, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.sendPipelineError(w, err)
		return
	}

	fraction := 0.0
	if msg.AttachmentRemote != "" {
		fraction = 1.0
	}
	s.sendJSON(w, http.StatusOK, ProgressResponse{ID: id, Fraction: fraction, Active: false})
}

// handleCancel handles POST /api/v1/messages/{id}/cancel
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	msg, err := s.pipeline.Cancel(r.Context(), id)
	if err != nil {
		s.sendPipelineError(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, messageResponse(msg))
}

// handleRetry handles POST /api/v1/messages/{id}/retry. The attempt
// runs synchronously, so the response carries its outcome.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	msg, err := s.pipeline.Retry(context.WithoutCancel(r.Context()), id)
	if err != nil {
		s.sendPipelineError(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, messageResponse(msg))
}

// handleList handles GET /api/v1/messages
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter := message.ListFilter{
		Status: message.Status(r.URL.Query().Get("status")),
		Author: r.URL.Query().Get("author"),
		Limit:  100,
	}

	messages, err := s.store.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list messages", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list messages")
		return
	}

	out := make([]MessageResponse, len(messages))
	for i, msg := range messages {
		out[i] = messageResponse(msg)
	}
	s.sendJSON(w, http.StatusOK, out)
}

// handleStats handles GET /api/v1/pipeline/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to get pipeline stats", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get pipeline stats")
		return
	}

	s.sendJSON(w, http.StatusOK, StatsResponse{Pipeline: stats})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, _ := s.store.Stats(r.Context())

	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:   "ok",
		Version:  "0.1.0",
		Uptime:   time.Since(s.startTime).String(),
		Pipeline: stats,
	})
}

// sendPipelineError maps delivery errors onto HTTP statuses
func (s *Server) sendPipelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, message.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "Message not found")
	case errors.Is(err, message.ErrInvalidMessage),
		errors.Is(err, message.ErrInvalidSchedule):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, message.ErrInvalidStateForCancel),
		errors.Is(err, message.ErrInvalidStateForRetry),
		errors.Is(err, message.ErrRetryCeilingReached):
		s.sendError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("pipeline operation failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Internal error")
	}
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
