// Package intake turns raw mail transactions into persisted messages. The
// two stages implement MessageHandler; thin protocol adapters (package
// smtpd) translate their decisions back into SMTP replies.
package intake

import (
	"context"

	"mailhaven/spam"
)

// DecisionCode classifies the outcome of an intake call
type DecisionCode int

const (
	// Accept: the transaction was taken over durably
	Accept DecisionCode = iota
	// RejectTemporary: the caller should retry the whole transaction later
	RejectTemporary
	// RejectPermanent: the caller must not retry
	RejectPermanent
)

// Decision is the tagged accept/reject result of an intake stage, with an
// operator- and sender-visible explanation
type Decision struct {
	Code    DecisionCode
	Message string
}

func Accepted() Decision {
	return Decision{Code: Accept}
}

func RejectTemporarily(msg string) Decision {
	return Decision{Code: RejectTemporary, Message: msg}
}

func RejectPermanently(msg string) Decision {
	return Decision{Code: RejectPermanent, Message: msg}
}

// Transaction is one fully-buffered inbound SMTP transaction plus the
// verdicts the protocol layer computed for it
type Transaction struct {
	Raw        []byte
	MailFrom   string
	Recipients []string
	Verdicts   spam.VerdictSet
}

// OutboundTransaction is one authenticated relay attempt. UserEmail is the
// authenticated principal attached to the session.
type OutboundTransaction struct {
	Raw        []byte
	MailFrom   string
	Recipients []string
	UserEmail  string
}

// MessageHandler is implemented by the intake stages and called by the mail
// transport adapters, one method per lifecycle event
type MessageHandler interface {
	OnMessageReceived(ctx context.Context, tx *Transaction) Decision
	OnOutboundRelay(ctx context.Context, tx *OutboundTransaction) Decision
}
