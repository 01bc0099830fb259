package transmit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/emersion/go-smtp"

	"github.com/sifapp/sifd/internal/message"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMsg() *message.Message {
	return &message.Message{
		ID:         "m1",
		Author:     "alice",
		Recipients: []string{"bob@example.org"},
		Subject:    "hi",
		Body:       "say it forward",
	}
}

func TestBackendTransmitterSuccess(t *testing.T) {
	var got backendPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing auth header")
		}
		body, _ := io.ReadAll(r.Body)
		if len(body) == 0 {
			t.Error("empty request body")
		}
		got.ID = "seen"
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := NewBackendTransmitter(srv.URL, "secret", 0, testLogger())
	if err := tr.Transmit(context.Background(), testMsg()); err != nil {
		t.Fatalf("Transmit() error = %v", err)
	}
	if got.ID != "seen" {
		t.Error("backend never received the message")
	}
}

func TestBackendTransmitterClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantTemporary bool
	}{
		{"server error is temporary", http.StatusInternalServerError, true},
		{"throttling is temporary", http.StatusTooManyRequests, true},
		{"rejection is structural", http.StatusUnprocessableEntity, false},
		{"forbidden is structural", http.StatusForbidden, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			tr := NewBackendTransmitter(srv.URL, "", 0, testLogger())
			err := tr.Transmit(context.Background(), testMsg())
			if err == nil {
				t.Fatal("Transmit() = nil, want error")
			}
			if message.IsTemporary(err) != tt.wantTemporary {
				t.Errorf("IsTemporary() = %v, want %v", message.IsTemporary(err), tt.wantTemporary)
			}
		})
	}
}

func TestBackendTransmitterUnreachable(t *testing.T) {
	tr := NewBackendTransmitter("http://127.0.0.1:1", "", 0, testLogger())
	err := tr.Transmit(context.Background(), testMsg())
	if err == nil {
		t.Fatal("Transmit() = nil, want error")
	}
	if !message.IsTemporary(err) {
		t.Error("network failure should be temporary")
	}
}

func TestClassifySMTPErrors(t *testing.T) {
	permanent := classify(&smtp.SMTPError{Code: 550, Message: "mailbox unavailable"}, "RCPT TO")
	if permanent.Temporary {
		t.Error("5xx reply classified as temporary")
	}

	deferred := classify(&smtp.SMTPError{Code: 451, Message: "try again later"}, "MAIL FROM")
	if !deferred.Temporary {
		t.Error("4xx reply classified as permanent")
	}

	unknown := classify(errors.New("connection reset by peer"), "DATA")
	if !unknown.Temporary {
		t.Error("unclassified errors should default to temporary")
	}
}

func TestRelayBuildMessage(t *testing.T) {
	tr := NewRelayTransmitter(RelayConfig{FromDomain: "sif.example", Host: "smtp.example"}, testLogger())

	msg := testMsg()
	msg.AttachmentRemote = "manifest:abc"

	data := string(tr.buildMessage(msg, "alice@sif.example"))
	for _, want := range []string{
		"From: alice@sif.example\r\n",
		"To: bob@example.org\r\n",
		"Subject: hi\r\n",
		"Message-ID: <m1@sif.example>\r\n",
		"X-SIF-Attachment: manifest:abc\r\n",
		"say it forward",
	} {
		if !strings.Contains(data, want) {
			t.Errorf("built message missing %q", want)
		}
	}
}
