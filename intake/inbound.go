package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"mailhaven/fanout"
	"mailhaven/models"
	"mailhaven/spam"
	"mailhaven/storage"
	"mailhaven/store"
	"mailhaven/utils"
)

// Inbound is the intake stage for mail received from the transfer agent.
// One call per fully-buffered transaction; many transactions run
// concurrently.
type Inbound struct {
	db        *gorm.DB
	blobs     *storage.BlobStore
	scorer    *spam.Engine
	ledger    *store.QuotaLedger
	fan       *fanout.Fanout
	threshold int
	log       *logrus.Logger
}

func NewInbound(db *gorm.DB, blobs *storage.BlobStore, scorer *spam.Engine, ledger *store.QuotaLedger, fan *fanout.Fanout, threshold int, log *logrus.Logger) *Inbound {
	return &Inbound{
		db:        db,
		blobs:     blobs,
		scorer:    scorer,
		ledger:    ledger,
		fan:       fan,
		threshold: threshold,
		log:       log,
	}
}

type resolvedRecipient struct {
	addr string
	user models.User
}

// OnMessageReceived scores, quota-checks and persists the message for every
// resolvable recipient. The quota gate runs for all recipients before
// anything is persisted: the first recipient over quota rejects the whole
// transaction.
func (in *Inbound) OnMessageReceived(ctx context.Context, tx *Transaction) Decision {
	pm, err := parseMessage(tx.Raw)
	if err != nil {
		in.log.Warnf("Rejecting unparseable message from %s: %v", tx.MailFrom, err)
		return RejectPermanently("malformed message")
	}

	score, reasons := in.scorer.Score(tx.Verdicts, pm.Subject)
	sizeKB := utils.SizeKB(int64(len(tx.Raw)))

	var accepted []resolvedRecipient
	for _, rcpt := range tx.Recipients {
		addr := utils.ExtractAddress(rcpt)
		if err := utils.ValidateAddress(addr); err != nil {
			return RejectPermanently(fmt.Sprintf("invalid recipient address %s", addr))
		}

		user, limitKB, err := in.resolveRecipient(addr)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			in.log.Warnf("Recipient %s not found, skipping", addr)
			continue
		}
		if err != nil {
			in.log.Errorf("Recipient lookup failed for %s: %v", addr, err)
			return RejectTemporarily("storage backend unavailable, try again later")
		}

		usedKB, err := in.ledger.Usage(user.ID)
		if err != nil {
			in.log.Errorf("Usage lookup failed for %s: %v", addr, err)
			return RejectTemporarily("storage backend unavailable, try again later")
		}
		if in.ledger.Exceeds(usedKB, sizeKB, limitKB) {
			in.log.Infof("Rejecting %s for %s: %d KB used, %d KB incoming, %d KB limit",
				pm.MessageID, addr, usedKB, sizeKB, limitKB)
			return RejectPermanently(fmt.Sprintf("mailbox full for %s", addr))
		}

		accepted = append(accepted, resolvedRecipient{addr: addr, user: *user})
	}

	if len(reasons) > 0 {
		in.log.Infof("Message from %s scored %d: %v", tx.MailFrom, score, reasons)
	}

	// Acceptance is decided; per-recipient failures below are logged and do
	// not unwind already-committed recipients.
	for _, rc := range accepted {
		if err := in.deliver(ctx, rc, pm, tx.Raw, sizeKB, score); err != nil {
			in.log.Errorf("Failed to deliver to %s: %v", rc.addr, err)
			continue
		}
	}

	return Accepted()
}

// OnOutboundRelay on the inbound stage always refuses: the MX port is not a
// relay.
func (in *Inbound) OnOutboundRelay(ctx context.Context, tx *OutboundTransaction) Decision {
	return RejectPermanently("relay access denied")
}

// resolveRecipient walks recipient -> user -> organization -> plan in one
// read and returns the plan storage ceiling in KB (0 = unlimited)
func (in *Inbound) resolveRecipient(addr string) (*models.User, int64, error) {
	var user models.User
	err := in.db.Preload("Organization.Plan").Where("email = ?", addr).First(&user).Error
	if err != nil {
		return nil, 0, err
	}

	var limitKB int64
	if user.Organization != nil && user.Organization.Plan != nil {
		limitKB = user.Organization.Plan.StorageLimitKB()
	}
	return &user, limitKB, nil
}

// deliver persists the message, its attachments and the ledger charge for
// one recipient, then fans out the side effects best-effort
func (in *Inbound) deliver(ctx context.Context, rc resolvedRecipient, pm *parsedMessage, raw []byte, sizeKB int64, score int) error {
	// Internal id assigned up front so attachments can reference the
	// message before its row exists.
	ref := uuid.NewString()

	folder := models.FolderInbox
	if score >= in.threshold {
		folder = models.FolderSpam
	}

	// Attachment uploads run concurrently; all must land before the message
	// row is written.
	atts := make([]models.Attachment, len(pm.Attachments))
	g, _ := errgroup.WithContext(ctx)
	for i, pa := range pm.Attachments {
		i, pa := i, pa
		g.Go(func() error {
			id, size, err := in.blobs.Put(bytes.NewReader(pa.Data))
			if err != nil {
				return fmt.Errorf("failed to store attachment %s: %w", pa.Filename, err)
			}
			atts[i] = models.Attachment{
				MessageRef:  ref,
				UserID:      rc.user.ID,
				Filename:    pa.Filename,
				ContentType: pa.ContentType,
				SizeBytes:   size,
				BlobID:      id,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	messageID := pm.MessageID
	if messageID == "" {
		messageID = fmt.Sprintf("<%s@%s>", ref, utils.DomainOf(rc.addr))
	}

	headerJSON, _ := json.Marshal(pm.Headers)
	now := time.Now()

	msg := models.Message{
		Ref:            ref,
		MessageID:      messageID,
		InReplyTo:      pm.InReplyTo,
		References:     pm.References,
		ThreadID:       in.threadFor(rc.user.ID, pm, ref),
		FromAddress:    pm.From,
		ToAddresses:    models.JoinAddresses(pm.To),
		CcAddresses:    models.JoinAddresses(pm.Cc),
		Subject:        pm.Subject,
		BodyText:       pm.BodyText,
		BodyHTML:       pm.BodyHTML,
		Status:         models.StatusReceived,
		Folder:         folder,
		Direction:      models.DirectionInbound,
		UserID:         rc.user.ID,
		OrganizationID: rc.user.OrganizationID,
		SizeBytes:      int64(len(raw)),
		SpamScore:      score,
		ReceivedAt:     &now,
		RawHeaders:     string(headerJSON),
		SearchText:     searchText(pm),
	}

	// Message row and ledger charge commit together: no state where the
	// message exists but usage is not charged.
	err := in.db.Transaction(func(tx *gorm.DB) error {
		if len(atts) > 0 {
			if err := tx.Create(&atts).Error; err != nil {
				return fmt.Errorf("failed to persist attachments: %w", err)
			}
		}
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("failed to persist message: %w", err)
		}
		return in.ledger.Charge(tx, rc.user.ID, sizeKB)
	})
	if err != nil {
		return err
	}

	summary := fanout.Summary{
		ID:             ref,
		From:           pm.From,
		Subject:        pm.Subject,
		Date:           now,
		Folder:         folder,
		Read:           false,
		HasAttachments: len(atts) > 0,
	}
	in.fan.InvalidateUserCache(ctx, rc.user.ID)
	in.fan.PushRecent(ctx, rc.user.ID, summary)
	in.fan.PublishNewMail(ctx, rc.addr, summary)

	return nil
}

// threadFor keeps the thread id stable across a conversation: replies join
// the parent's thread, fresh messages start their own
func (in *Inbound) threadFor(userID uint, pm *parsedMessage, ref string) string {
	if pm.InReplyTo == "" {
		return ref
	}
	var parent models.Message
	err := in.db.Select("thread_id").
		Where("user_id = ? AND message_id = ?", userID, pm.InReplyTo).
		First(&parent).Error
	if err != nil || parent.ThreadID == "" {
		return ref
	}
	return parent.ThreadID
}
