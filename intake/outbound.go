package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mailhaven/models"
	"mailhaven/queue"
	"mailhaven/storage"
	"mailhaven/utils"
)

// Outbound is the durable hand-off point for authenticated sends: persist as
// queued, enqueue a delivery job, acknowledge. No signing, no network relay.
type Outbound struct {
	db    *gorm.DB
	blobs *storage.BlobStore
	queue *queue.DeliveryQueue
	log   *logrus.Logger
}

func NewOutbound(db *gorm.DB, blobs *storage.BlobStore, q *queue.DeliveryQueue, log *logrus.Logger) *Outbound {
	return &Outbound{db: db, blobs: blobs, queue: q, log: log}
}

// OnMessageReceived on the outbound stage always refuses: the submission
// port only accepts authenticated relay.
func (o *Outbound) OnMessageReceived(ctx context.Context, tx *Transaction) Decision {
	return RejectPermanently("submission port does not accept inbound mail")
}

func (o *Outbound) OnOutboundRelay(ctx context.Context, tx *OutboundTransaction) Decision {
	if tx.UserEmail == "" {
		return RejectPermanently("authentication required")
	}

	var user models.User
	err := o.db.Where("email = ?", tx.UserEmail).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RejectPermanently("authentication credentials not found: user does not exist")
	}
	if err != nil {
		o.log.Errorf("Sender lookup failed for %s: %v", tx.UserEmail, err)
		return RejectTemporarily("storage backend unavailable, try again later")
	}

	pm, err := parseMessage(tx.Raw)
	if err != nil {
		return RejectPermanently("malformed message")
	}

	from := pm.From
	if from == "" {
		from = utils.ExtractAddress(tx.MailFrom)
	}

	// Prefer the body To list; fall back to the protocol recipient list.
	// Envelope recipients not named in the body become bcc.
	to := pm.To
	var bcc []string
	if len(to) == 0 {
		for _, rcpt := range tx.Recipients {
			to = append(to, utils.ExtractAddress(rcpt))
		}
	} else {
		named := map[string]bool{}
		for _, a := range append(append([]string{}, to...), pm.Cc...) {
			named[utils.ExtractAddress(a)] = true
		}
		for _, rcpt := range tx.Recipients {
			if addr := utils.ExtractAddress(rcpt); !named[addr] {
				bcc = append(bcc, addr)
			}
		}
	}

	ref := uuid.NewString()
	messageID := pm.MessageID
	if messageID == "" {
		messageID = fmt.Sprintf("<%s@%s>", ref, utils.DomainOf(from))
	}

	atts := make([]models.Attachment, 0, len(pm.Attachments))
	for _, pa := range pm.Attachments {
		id, size, err := o.blobs.Put(bytes.NewReader(pa.Data))
		if err != nil {
			o.log.Errorf("Failed to store attachment for %s: %v", tx.UserEmail, err)
			return RejectTemporarily("failed to persist message, try again later")
		}
		atts = append(atts, models.Attachment{
			MessageRef:  ref,
			UserID:      user.ID,
			Filename:    pa.Filename,
			ContentType: pa.ContentType,
			SizeBytes:   size,
			BlobID:      id,
		})
	}

	headerJSON, _ := json.Marshal(pm.Headers)

	msg := models.Message{
		Ref:            ref,
		MessageID:      messageID,
		InReplyTo:      pm.InReplyTo,
		References:     pm.References,
		ThreadID:       ref, // fresh thread for composed mail
		FromAddress:    from,
		ToAddresses:    models.JoinAddresses(to),
		CcAddresses:    models.JoinAddresses(pm.Cc),
		BccAddresses:   models.JoinAddresses(bcc),
		Subject:        pm.Subject,
		BodyText:       pm.BodyText,
		BodyHTML:       pm.BodyHTML,
		Status:         models.StatusQueued,
		Folder:         models.FolderSent,
		Direction:      models.DirectionOutbound,
		UserID:         user.ID,
		OrganizationID: user.OrganizationID,
		SizeBytes:      int64(len(tx.Raw)),
		RawHeaders:     string(headerJSON),
		SearchText:     searchText(pm),
	}

	err = o.db.Transaction(func(dbtx *gorm.DB) error {
		if len(atts) > 0 {
			if err := dbtx.Create(&atts).Error; err != nil {
				return err
			}
		}
		return dbtx.Create(&msg).Error
	})
	if err != nil {
		o.log.Errorf("Failed to persist outbound message for %s: %v", tx.UserEmail, err)
		return RejectTemporarily("failed to persist message, try again later")
	}

	// Enqueue only after persistence so no job ever references a missing
	// message. If enqueue fails, roll the row back best-effort so a clean
	// retry does not duplicate it.
	if err := o.queue.Enqueue(ctx, queue.Job{MessageID: ref}); err != nil {
		o.log.Errorf("Failed to enqueue delivery job for %s: %v", ref, err)
		if derr := o.db.Where("ref = ?", ref).Delete(&models.Message{}).Error; derr != nil {
			o.log.Warnf("Message %s left queued with no delivery job: %v", ref, derr)
		} else {
			o.db.Where("message_ref = ?", ref).Delete(&models.Attachment{})
		}
		return RejectTemporarily("failed to enqueue delivery, try again later")
	}

	o.log.Infof("Queued outbound message %s from %s to %d recipients", ref, from, len(to)+len(pm.Cc)+len(bcc))
	return Accepted()
}
