package smtpd

import (
	"context"
	"io"
	"net"
	"strings"

	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"

	"mailhaven/intake"
	"mailhaven/spam"
)

// VerdictSource computes the per-connection authentication verdicts that feed
// the spam score. Implementations may hit DNS; they must not block forever.
type VerdictSource interface {
	Evaluate(ctx context.Context, info ConnInfo) spam.VerdictSet
}

// ConnInfo is the connection-level evidence available to a VerdictSource
type ConnInfo struct {
	RemoteAddr net.Addr
	Hostname   string // HELO/EHLO name
	TLS        bool
	MailFrom   string
}

// InboundBackend accepts mail on the MX port. No authentication; every
// transaction goes through the inbound intake stage.
type InboundBackend struct {
	handler  intake.MessageHandler
	verdicts VerdictSource
	log      *logrus.Logger
}

func NewInboundBackend(handler intake.MessageHandler, verdicts VerdictSource, log *logrus.Logger) *InboundBackend {
	return &InboundBackend{handler: handler, verdicts: verdicts, log: log}
}

func (b *InboundBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	info := ConnInfo{Hostname: c.Hostname()}
	if conn := c.Conn(); conn != nil {
		info.RemoteAddr = conn.RemoteAddr()
	}
	if _, ok := c.TLSConnectionState(); ok {
		info.TLS = true
	}
	return &inboundSession{backend: b, info: info}, nil
}

type inboundSession struct {
	backend *InboundBackend
	info    ConnInfo

	mailFrom   string
	recipients []string
}

func (s *inboundSession) Mail(from string, opts *smtp.MailOptions) error {
	s.mailFrom = from
	s.info.MailFrom = from
	return nil
}

func (s *inboundSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.recipients = append(s.recipients, to)
	return nil
}

// Data buffers the whole message before any pipeline work starts: a client
// disconnect mid-body must leave no trace.
func (s *inboundSession) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	ctx := context.Background()
	verdicts := spam.VerdictSet{}
	if s.backend.verdicts != nil {
		verdicts = s.backend.verdicts.Evaluate(ctx, s.info)
	}

	decision := s.backend.handler.OnMessageReceived(ctx, &intake.Transaction{
		Raw:        raw,
		MailFrom:   s.mailFrom,
		Recipients: s.recipients,
		Verdicts:   verdicts,
	})
	return smtpError(decision)
}

func (s *inboundSession) Reset() {
	s.mailFrom = ""
	s.recipients = nil
}

func (s *inboundSession) Logout() error {
	return nil
}

// BasicVerdicts is the built-in connection-evidence evaluator: reverse DNS,
// HELO plausibility and transport security. SPF/DKIM/DMARC verdicts come from
// upstream filters and are merged in by the caller when present.
type BasicVerdicts struct {
	log *logrus.Logger
}

func NewBasicVerdicts(log *logrus.Logger) *BasicVerdicts {
	return &BasicVerdicts{log: log}
}

func (v *BasicVerdicts) Evaluate(ctx context.Context, info ConnInfo) spam.VerdictSet {
	set := spam.VerdictSet{}

	if info.TLS {
		set[spam.VerdictTLS] = spam.Verdict{Result: spam.ResultPass}
	} else {
		set[spam.VerdictTLS] = spam.Verdict{Result: spam.ResultOff}
	}

	if info.Hostname == "" || !strings.Contains(info.Hostname, ".") {
		set[spam.VerdictHELO] = spam.Verdict{Result: spam.ResultFail}
	} else {
		set[spam.VerdictHELO] = spam.Verdict{Result: spam.ResultPass}
	}

	if tcp, ok := info.RemoteAddr.(*net.TCPAddr); ok && !tcp.IP.IsLoopback() {
		var resolver net.Resolver
		names, err := resolver.LookupAddr(ctx, tcp.IP.String())
		if err != nil || len(names) == 0 {
			set[spam.VerdictReverseDNS] = spam.Verdict{Result: spam.ResultFail}
		} else {
			set[spam.VerdictReverseDNS] = spam.Verdict{Result: spam.ResultPass}
		}
	}

	return set
}
