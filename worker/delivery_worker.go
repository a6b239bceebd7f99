// Package worker runs the outbound delivery pool: a fixed set of goroutines
// draining the Redis delivery queue, signing each message and relaying it to
// the smarthost. One shared rate limiter caps the aggregate send rate.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-msgauth/dkim"
	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"gopkg.in/gomail.v2"
	"gorm.io/gorm"

	"mailhaven/fanout"
	"mailhaven/models"
	"mailhaven/queue"
	"mailhaven/storage"
	"mailhaven/store"
	"mailhaven/utils"
)

const dequeueWait = 5 * time.Second

// headers covered by the DKIM signature
var signedHeaders = []string{"From", "To", "Cc", "Subject", "Date", "Message-Id", "In-Reply-To"}

type DeliveryPool struct {
	db      *gorm.DB
	queue   *queue.DeliveryQueue
	creds   *store.CredentialStore
	keys    *store.SigningKeyStore
	blobs   *storage.BlobStore
	fan     *fanout.Fanout
	relay   Relay
	workers int
	limiter *rate.Limiter
	log     *logrus.Logger
}

// NewDeliveryPool wires the pool. ratePerMinute caps sends across all workers
// combined.
func NewDeliveryPool(db *gorm.DB, q *queue.DeliveryQueue, creds *store.CredentialStore, keys *store.SigningKeyStore, blobs *storage.BlobStore, fan *fanout.Fanout, relay Relay, workers, ratePerMinute int, log *logrus.Logger) *DeliveryPool {
	return &DeliveryPool{
		db:      db,
		queue:   q,
		creds:   creds,
		keys:    keys,
		blobs:   blobs,
		fan:     fan,
		relay:   relay,
		workers: workers,
		limiter: rate.NewLimiter(rate.Limit(float64(ratePerMinute)/60.0), 1),
		log:     log,
	}
}

// Start runs the worker goroutines until ctx is cancelled and blocks until
// they have all drained out
func (p *DeliveryPool) Start(ctx context.Context) {
	p.log.Infof("Starting %d delivery workers", p.workers)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.run(ctx, id)
		}(i)
	}
	wg.Wait()
	p.log.Info("Delivery workers stopped")
}

func (p *DeliveryPool) run(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, raw, err := p.queue.Dequeue(ctx, dequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Errorf("Worker %d dequeue failed: %v", id, err)
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}

		if err := p.limiter.Wait(ctx); err != nil {
			// Shutting down mid-job: leave it on the processing list for
			// startup recovery.
			return
		}

		if err := p.process(ctx, job.MessageID); err != nil {
			p.log.Errorf("Worker %d failed to deliver %s: %v", id, job.MessageID, err)
			sentry.CaptureException(err)
			if ferr := p.queue.Fail(ctx, raw); ferr != nil {
				p.log.Errorf("Worker %d failed to fail job %s: %v", id, job.MessageID, ferr)
			}
			continue
		}
		if err := p.queue.Ack(ctx, raw); err != nil {
			p.log.Errorf("Worker %d failed to ack job %s: %v", id, job.MessageID, err)
		}
	}
}

// process signs and relays one queued message. Safe to call more than once
// per message: an already-sent message is a no-op.
func (p *DeliveryPool) process(ctx context.Context, ref string) error {
	var msg models.Message
	err := p.db.Preload("Attachments").Where("ref = ?", ref).First(&msg).Error
	if err != nil {
		return fmt.Errorf("message %s not found: %w", ref, err)
	}
	if msg.Status == models.StatusSent {
		p.log.Infof("Message %s already sent, skipping", ref)
		return nil
	}

	var user models.User
	if err := p.db.First(&user, msg.UserID).Error; err != nil {
		p.markFailed(&msg, "sender account missing")
		return fmt.Errorf("user %d for message %s: %w", msg.UserID, ref, err)
	}

	// The decrypted secret stays inside this scope and is never logged
	secret, err := p.creds.Decrypt(msg.UserID)
	if err != nil {
		p.markFailed(&msg, "no send credential")
		return fmt.Errorf("credential for user %d: %w", msg.UserID, err)
	}

	signingKey, err := p.keys.SigningKey(utils.DomainOf(msg.FromAddress))
	if err != nil {
		p.markFailed(&msg, "signing key unavailable")
		return fmt.Errorf("signing key for %s: %w", msg.FromAddress, err)
	}

	signed, err := p.buildSigned(&msg, signingKey)
	if err != nil {
		p.markFailed(&msg, "failed to build message")
		return err
	}

	err = p.relay.Send(ctx, msg.FromAddress, msg.RecipientList(), signed, user.Email, secret)
	if err != nil {
		p.markFailed(&msg, "relay failed")
		return fmt.Errorf("relay for message %s: %w", ref, err)
	}

	now := time.Now()
	err = p.db.Model(&msg).Updates(map[string]interface{}{
		"status":          models.StatusSent,
		"delivery_status": "delivered",
		"sent_at":         &now,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to mark %s sent: %w", ref, err)
	}

	summary := fanout.Summary{
		ID:             msg.Ref,
		From:           msg.FromAddress,
		Subject:        msg.Subject,
		Date:           now,
		Folder:         msg.Folder,
		Read:           true,
		HasAttachments: len(msg.Attachments) > 0,
	}
	// Recipients get the standard new_mail event the realtime layer consumes;
	// the sender's own channel gets a distinct sent confirmation.
	for _, rcpt := range msg.RecipientList() {
		p.fan.PublishNewMail(ctx, rcpt, summary)
	}
	p.fan.PublishSent(ctx, msg.FromAddress, summary)

	p.log.Infof("Delivered message %s from %s to %d recipients", ref, msg.FromAddress, len(msg.RecipientList()))
	return nil
}

// buildSigned renders the stored message back into RFC 5322 form and DKIM
// signs it with the sender domain's key
func (p *DeliveryPool) buildSigned(msg *models.Message, key *store.SigningKey) ([]byte, error) {
	m := gomail.NewMessage()
	m.SetHeader("From", msg.FromAddress)
	if msg.ToAddresses != "" {
		m.SetHeader("To", splitAddresses(msg.ToAddresses)...)
	}
	if msg.CcAddresses != "" {
		m.SetHeader("Cc", splitAddresses(msg.CcAddresses)...)
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-Id", msg.MessageID)
	if msg.InReplyTo != "" {
		m.SetHeader("In-Reply-To", msg.InReplyTo)
	}
	if msg.References != "" {
		m.SetHeader("References", msg.References)
	}

	if msg.BodyText != "" {
		m.SetBody("text/plain", msg.BodyText)
		if msg.BodyHTML != "" {
			m.AddAlternative("text/html", msg.BodyHTML)
		}
	} else {
		m.SetBody("text/html", msg.BodyHTML)
	}

	for _, att := range msg.Attachments {
		att := att
		m.Attach(att.Filename, gomail.SetCopyFunc(func(w io.Writer) error {
			rc, err := p.blobs.Open(att.BlobID)
			if err != nil {
				return err
			}
			defer rc.Close()
			_, err = io.Copy(w, rc)
			return err
		}))
	}

	var plain bytes.Buffer
	if _, err := m.WriteTo(&plain); err != nil {
		return nil, fmt.Errorf("failed to render message %s: %w", msg.Ref, err)
	}

	var signedBuf bytes.Buffer
	opts := &dkim.SignOptions{
		Domain:     key.Domain,
		Selector:   key.Selector,
		Signer:     key.Key,
		HeaderKeys: signedHeaders,
	}
	if err := dkim.Sign(&signedBuf, &plain, opts); err != nil {
		return nil, fmt.Errorf("failed to sign message %s: %w", msg.Ref, err)
	}
	return signedBuf.Bytes(), nil
}

// markFailed records the terminal failure state; the job is not retried
func (p *DeliveryPool) markFailed(msg *models.Message, reason string) {
	err := p.db.Model(msg).Updates(map[string]interface{}{
		"status":          models.StatusFailed,
		"delivery_status": reason,
	}).Error
	if err != nil {
		p.log.Errorf("Failed to mark message %s failed: %v", msg.Ref, err)
	}
}

func splitAddresses(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
