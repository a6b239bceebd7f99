package worker

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Relay pushes a fully-signed message to the upstream smarthost. Implemented
// over SMTP in production and faked in tests.
type Relay interface {
	Send(ctx context.Context, from string, to []string, raw []byte, username, password string) error
}

// SMTPRelay speaks authenticated SMTP to the configured relay host. One
// connection per message; the deadline covers the whole dialogue.
type SMTPRelay struct {
	host    string
	port    int
	timeout time.Duration
}

func NewSMTPRelay(host string, port int, timeout time.Duration) *SMTPRelay {
	return &SMTPRelay{host: host, port: port, timeout: timeout}
}

func (r *SMTPRelay) Send(ctx context.Context, from string, to []string, raw []byte, username, password string) error {
	addr := fmt.Sprintf("%s:%d", r.host, r.port)
	conn, err := net.DialTimeout("tcp", addr, r.timeout)
	if err != nil {
		return fmt.Errorf("failed to dial relay %s: %w", addr, err)
	}
	if err := conn.SetDeadline(time.Now().Add(r.timeout)); err != nil {
		conn.Close()
		return err
	}

	c, err := smtp.NewClientStartTLS(conn, &tls.Config{ServerName: r.host})
	if err != nil {
		conn.Close()
		return fmt.Errorf("relay STARTTLS failed: %w", err)
	}
	defer c.Close()

	if username != "" {
		if err := c.Auth(sasl.NewPlainClient("", username, password)); err != nil {
			return fmt.Errorf("relay auth failed: %w", err)
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return fmt.Errorf("relay rejected sender %s: %w", from, err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("relay rejected recipient %s: %w", rcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("relay DATA failed: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return fmt.Errorf("failed to stream message to relay: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("relay did not accept message: %w", err)
	}

	return c.Quit()
}
