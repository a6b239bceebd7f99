package models

import (
	"time"

	"gorm.io/gorm"
)

// SendingDomain holds the per-domain signing key used to authenticate
// outbound mail. The private key is encrypted in the application layer; the
// public key is published in DNS by the excluded tooling.
type SendingDomain struct {
	gorm.Model
	OrganizationID uint `gorm:"not null;index" json:"organization_id"`

	Domain string `gorm:"not null;uniqueIndex" json:"domain"`

	// ========= Signing Key =========
	DKIMSelector   string `gorm:"not null;default:'mail'" json:"dkim_selector"`
	DKIMPrivateKey string `gorm:"type:text" json:"-"` // Encrypted in application layer
	DKIMPublicKey  string `gorm:"type:text" json:"dkim_public_key"`

	// ========= Status & Verification =========
	Verified   bool       `gorm:"default:false" json:"verified"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
	LastError  *string    `json:"last_error,omitempty"`
}

// Sanitize clears key material before the record leaves the service
func (d *SendingDomain) Sanitize() {
	d.DKIMPrivateKey = ""
}
