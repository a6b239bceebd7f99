package smtpd

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mailhaven/intake"
	"mailhaven/models"
	"mailhaven/utils"
)

// SubmissionBackend accepts authenticated relay on the submission port.
// Connections from internal hosts (the webmail backend) skip SASL and name
// the user in the MAIL FROM; everyone else must AUTH PLAIN.
type SubmissionBackend struct {
	db            *gorm.DB
	handler       intake.MessageHandler
	internalHosts map[string]bool
	log           *logrus.Logger
}

func NewSubmissionBackend(db *gorm.DB, handler intake.MessageHandler, internalHosts []string, log *logrus.Logger) *SubmissionBackend {
	hosts := make(map[string]bool, len(internalHosts))
	for _, h := range internalHosts {
		hosts[h] = true
	}
	return &SubmissionBackend{db: db, handler: handler, internalHosts: hosts, log: log}
}

func (b *SubmissionBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	s := &submissionSession{backend: b}
	if conn := c.Conn(); conn != nil {
		if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
			s.internal = b.internalHosts[host]
		}
	}
	return s, nil
}

type submissionSession struct {
	backend  *SubmissionBackend
	internal bool

	userEmail  string
	mailFrom   string
	recipients []string
}

func (s *submissionSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *submissionSession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		var user models.User
		err := s.backend.db.Where("email = ?", username).First(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errors.New("invalid credentials")
		}
		if err != nil {
			s.backend.log.Errorf("Auth lookup failed for %s: %v", username, err)
			return errors.New("temporary authentication failure")
		}
		if !user.IsActive || !user.CheckPassword(password) {
			return errors.New("invalid credentials")
		}
		s.userEmail = user.Email
		return nil
	}), nil
}

func (s *submissionSession) Mail(from string, opts *smtp.MailOptions) error {
	if s.userEmail == "" && !s.internal {
		return &smtp.SMTPError{
			Code:         530,
			EnhancedCode: smtp.EnhancedCode{5, 7, 0},
			Message:      "authentication required",
		}
	}
	s.mailFrom = from
	return nil
}

func (s *submissionSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.recipients = append(s.recipients, to)
	return nil
}

func (s *submissionSession) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	// Internal sources vouch for the user via the envelope sender. They
	// skip SASL only, not the intake stage itself: intake is what persists
	// the sent copy and enqueues the delivery job, and delivery targets the
	// external smarthost, so routing internal mail through it cannot loop
	// back here.
	userEmail := s.userEmail
	if userEmail == "" && s.internal {
		userEmail = utils.ExtractAddress(s.mailFrom)
	}

	decision := s.backend.handler.OnOutboundRelay(context.Background(), &intake.OutboundTransaction{
		Raw:        raw,
		MailFrom:   s.mailFrom,
		Recipients: s.recipients,
		UserEmail:  userEmail,
	})
	return smtpError(decision)
}

func (s *submissionSession) Reset() {
	s.mailFrom = ""
	s.recipients = nil
}

func (s *submissionSession) Logout() error {
	return nil
}
