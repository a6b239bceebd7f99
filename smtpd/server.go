// Package smtpd adapts the SMTP protocol to the intake stages. Each backend
// buffers one transaction, hands it to a MessageHandler and maps the decision
// back to an SMTP reply code.
package smtpd

import (
	"time"

	"github.com/emersion/go-smtp"

	"mailhaven/intake"
)

// ServerConfig carries the listener knobs shared by both ports
type ServerConfig struct {
	Addr            string
	Domain          string
	MaxMessageBytes int64
	MaxRecipients   int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
}

// NewServer builds a go-smtp server around the given backend with our
// defaults filled in
func NewServer(backend smtp.Backend, cfg ServerConfig) *smtp.Server {
	s := smtp.NewServer(backend)
	s.Addr = cfg.Addr
	s.Domain = cfg.Domain
	s.MaxMessageBytes = cfg.MaxMessageBytes
	s.MaxRecipients = cfg.MaxRecipients
	if s.MaxRecipients == 0 {
		s.MaxRecipients = 100
	}
	s.ReadTimeout = cfg.ReadTimeout
	if s.ReadTimeout == 0 {
		s.ReadTimeout = 2 * time.Minute
	}
	s.WriteTimeout = cfg.WriteTimeout
	if s.WriteTimeout == 0 {
		s.WriteTimeout = 2 * time.Minute
	}
	// Plain auth over cleartext is allowed because TLS terminates upstream
	s.AllowInsecureAuth = true
	return s
}

// smtpError converts an intake decision into the SMTP reply the client sees.
// Accepted decisions map to nil (250 is implied).
func smtpError(d intake.Decision) error {
	switch d.Code {
	case intake.Accept:
		return nil
	case intake.RejectTemporary:
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      d.Message,
		}
	default:
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      d.Message,
		}
	}
}
