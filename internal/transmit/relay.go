package transmit

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/sifapp/sifd/internal/dkim"
	"github.com/sifapp/sifd/internal/message"
)

// RelayConfig configures the SMTP relay transmitter
type RelayConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	FromDomain string // domain for bare SIF handles
	Timeout    time.Duration
}

// RelayTransmitter delivers messages to email-bridged recipients through
// a configured SMTP smarthost. 5xx replies are structural, 4xx and
// connection failures are temporary.
type RelayTransmitter struct {
	cfg    RelayConfig
	signer *dkim.Signer
	logger *slog.Logger
}

// NewRelayTransmitter creates a relay transmitter
func NewRelayTransmitter(cfg RelayConfig, logger *slog.Logger) *RelayTransmitter {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &RelayTransmitter{cfg: cfg, logger: logger}
}

// SetDKIMSigner enables DKIM signing of relayed messages
func (t *RelayTransmitter) SetDKIMSigner(signer *dkim.Signer) {
	t.signer = signer
}

// Transmit relays the message through the smarthost
func (t *RelayTransmitter) Transmit(ctx context.Context, msg *message.Message) error {
	from := msg.Author
	if !strings.Contains(from, "@") {
		from = from + "@" + t.cfg.FromDomain
	}

	data := t.buildMessage(msg, from)
	if t.signer != nil {
		signed, err := t.signer.Sign(data)
		if err != nil {
			t.logger.Warn("DKIM signing failed, relaying unsigned",
				"domain", t.signer.Domain(),
				"error", err,
			)
		} else {
			data = signed
		}
	}

	addr := net.JoinHostPort(t.cfg.Host, fmt.Sprintf("%d", t.cfg.Port))

	dialer := &net.Dialer{Timeout: t.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &message.DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("connection failed to %s: %v", addr, err),
		}
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(t.cfg.Timeout))
	}

	// NewClientStartTLS reads the greeting, sends EHLO and upgrades to
	// TLS when the smarthost advertises STARTTLS.
	tlsConfig := &tls.Config{
		ServerName: t.cfg.Host,
		MinVersion: tls.VersionTLS12,
	}
	client, err := smtp.NewClientStartTLS(conn, tlsConfig)
	if err != nil {
		conn.Close()
		return classify(err, "EHLO")
	}
	defer client.Close()

	if t.cfg.Username != "" {
		auth := sasl.NewPlainClient("", t.cfg.Username, t.cfg.Password)
		if err := client.Auth(auth); err != nil {
			return classify(err, "AUTH")
		}
	}

	if err := client.Mail(from, nil); err != nil {
		return classify(err, "MAIL FROM")
	}
	for _, rcpt := range msg.Recipients {
		if err := client.Rcpt(rcpt, nil); err != nil {
			return classify(err, fmt.Sprintf("RCPT TO %s", rcpt))
		}
	}

	wc, err := client.Data()
	if err != nil {
		return classify(err, "DATA")
	}
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return &message.DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("failed to write message data: %v", err),
		}
	}
	if err := wc.Close(); err != nil {
		return classify(err, "DATA close")
	}

	client.Quit()

	t.logger.Info("message relayed",
		"id", msg.ID,
		"from", from,
		"recipients", len(msg.Recipients),
	)
	return nil
}

func (t *RelayTransmitter) buildMessage(msg *message.Message, from string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.Recipients, ", "))
	if msg.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	}
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s@%s>\r\n", msg.ID, t.cfg.FromDomain)
	if msg.AttachmentRemote != "" {
		fmt.Fprintf(&b, "X-SIF-Attachment: %s\r\n", msg.AttachmentRemote)
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	b.WriteString("\r\n")
	return []byte(b.String())
}

// classify maps an SMTP reply to the delivery error taxonomy
func classify(err error, stage string) *message.DeliveryError {
	msg := fmt.Sprintf("%s failed: %v", stage, err)

	var se *smtp.SMTPError
	if errors.As(err, &se) {
		return &message.DeliveryError{
			Temporary: se.Code >= 400 && se.Code < 500,
			Message:   msg,
		}
	}

	return &message.DeliveryError{Temporary: true, Message: msg}
}
