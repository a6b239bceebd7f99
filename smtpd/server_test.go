package smtpd

import (
	"context"
	"errors"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"

	"mailhaven/intake"
	"mailhaven/spam"
)

func TestDecisionToSMTPError(t *testing.T) {
	if err := smtpError(intake.Accepted()); err != nil {
		t.Fatalf("accept must map to nil, got %v", err)
	}

	var smtpErr *smtp.SMTPError

	err := smtpError(intake.RejectTemporarily("busy"))
	if !errors.As(err, &smtpErr) || smtpErr.Code != 451 {
		t.Fatalf("got %v", err)
	}
	if smtpErr.Message != "busy" {
		t.Fatalf("message = %q", smtpErr.Message)
	}

	err = smtpError(intake.RejectPermanently("mailbox full"))
	if !errors.As(err, &smtpErr) || smtpErr.Code != 550 {
		t.Fatalf("got %v", err)
	}
}

func TestBasicVerdictsTLS(t *testing.T) {
	v := NewBasicVerdicts(logrus.New())

	set := v.Evaluate(context.Background(), ConnInfo{Hostname: "mx.remote.test", TLS: true})
	if set[spam.VerdictTLS].Result != spam.ResultPass {
		t.Fatalf("tls verdict = %+v", set[spam.VerdictTLS])
	}

	set = v.Evaluate(context.Background(), ConnInfo{Hostname: "mx.remote.test", TLS: false})
	if set[spam.VerdictTLS].Result != spam.ResultOff {
		t.Fatalf("tls verdict = %+v", set[spam.VerdictTLS])
	}
}

func TestBasicVerdictsHELO(t *testing.T) {
	v := NewBasicVerdicts(logrus.New())

	set := v.Evaluate(context.Background(), ConnInfo{Hostname: "localhost"})
	if set[spam.VerdictHELO].Result != spam.ResultFail {
		t.Fatalf("bare hostname should fail HELO check: %+v", set[spam.VerdictHELO])
	}

	set = v.Evaluate(context.Background(), ConnInfo{Hostname: "mail.remote.test"})
	if set[spam.VerdictHELO].Result != spam.ResultPass {
		t.Fatalf("fqdn should pass HELO check: %+v", set[spam.VerdictHELO])
	}
}
