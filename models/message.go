package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// Message lifecycle statuses
const (
	StatusQueued   = "queued"
	StatusSent     = "sent"
	StatusReceived = "received"
	StatusFailed   = "failed"
	StatusDraft    = "draft"
)

// Mailbox folders
const (
	FolderInbox  = "inbox"
	FolderSent   = "sent"
	FolderDrafts = "drafts"
	FolderTrash  = "trash"
	FolderSpam   = "spam"
)

// Message directions
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message represents one mail document owned by a single user. Multi-recipient
// inbound mail produces one row per local recipient.
type Message struct {
	gorm.Model

	// Ref is the internal identifier, assigned before the row exists so
	// attachments can reference it.
	Ref string `gorm:"uniqueIndex;not null" json:"ref"`

	// Protocol identifiers. MessageID is unique per conversation partner,
	// not per row: every local recipient of the same transaction stores it.
	MessageID  string `gorm:"not null;uniqueIndex:idx_messages_user_msgid,priority:2" json:"message_id"`
	InReplyTo  string `json:"in_reply_to,omitempty"`
	References string `gorm:"type:text" json:"references,omitempty"`
	ThreadID   string `gorm:"index" json:"thread_id"`

	// Addressing. Lists are stored comma-joined.
	FromAddress  string `gorm:"not null" json:"from_address"`
	ToAddresses  string `gorm:"type:text" json:"to_addresses"`
	CcAddresses  string `gorm:"type:text" json:"cc_addresses,omitempty"`
	BccAddresses string `gorm:"type:text" json:"bcc_addresses,omitempty"`

	Subject  string `json:"subject"`
	BodyText string `gorm:"type:text" json:"body_text,omitempty"`
	BodyHTML string `gorm:"type:text" json:"body_html,omitempty"`

	// Lifecycle
	Status         string `gorm:"not null;default:'received'" json:"status"` // queued, sent, received, failed, draft
	Folder         string `gorm:"not null;default:'inbox'" json:"folder"`    // inbox, sent, drafts, trash, spam
	Direction      string `gorm:"not null" json:"direction"`                 // inbound, outbound
	DeliveryStatus string `json:"delivery_status,omitempty"`

	// Ownership
	UserID         uint `gorm:"not null;index;uniqueIndex:idx_messages_user_msgid,priority:1" json:"user_id"`
	OrganizationID uint `gorm:"index" json:"organization_id"`

	// Flags
	IsRead      bool `gorm:"default:false" json:"is_read"`
	IsStarred   bool `gorm:"default:false" json:"is_starred"`
	IsImportant bool `gorm:"default:false" json:"is_important"`

	// SizeBytes covers the body plus all attachment bytes at persistence time
	SizeBytes int64 `gorm:"default:0" json:"size_bytes"`
	SpamScore int   `gorm:"default:0" json:"spam_score"`

	SentAt     *time.Time `json:"sent_at,omitempty"`
	ReceivedAt *time.Time `json:"received_at,omitempty"`

	// RawHeaders is a JSON-encoded map of the original header fields
	RawHeaders string `gorm:"type:text" json:"-"`

	// SearchText is denormalized for the excluded search layer
	SearchText string `gorm:"type:text" json:"-"`

	// Relations
	Attachments []Attachment `gorm:"foreignKey:MessageRef;references:Ref" json:"attachments,omitempty"`
}

// RecipientList returns the full envelope recipient set (to + cc + bcc)
func (m *Message) RecipientList() []string {
	var out []string
	for _, field := range []string{m.ToAddresses, m.CcAddresses, m.BccAddresses} {
		for _, addr := range strings.Split(field, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				out = append(out, addr)
			}
		}
	}
	return out
}

// JoinAddresses flattens an address list for storage
func JoinAddresses(addrs []string) string {
	return strings.Join(addrs, ", ")
}

// Attachment stores blob metadata; the bytes live in the blob store under
// BlobID. Immutable once stored.
type Attachment struct {
	gorm.Model

	MessageRef string `gorm:"not null;index" json:"message_ref"`
	UserID     uint   `gorm:"not null;index" json:"user_id"`

	Filename    string `gorm:"not null" json:"filename"`
	ContentType string `gorm:"not null" json:"content_type"`
	SizeBytes   int64  `gorm:"default:0" json:"size_bytes"`

	// BlobID is the blob store content identifier
	BlobID string `gorm:"not null;index" json:"blob_id"`
}
