package models

import (
	"time"

	"gorm.io/gorm"
)

// SendCredential is the per-user app password used to authenticate against
// the outbound relay. Secret is encrypted in the application layer and only
// decrypted inside a delivery worker for the duration of one relay session.
type SendCredential struct {
	gorm.Model
	UserID uint `gorm:"not null;uniqueIndex" json:"user_id"`

	Label  string `gorm:"default:'relay'" json:"label"`
	Secret string `gorm:"not null;type:text" json:"-"` // Encrypted in application layer

	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Sanitize clears the secret before the record leaves the service
func (c *SendCredential) Sanitize() {
	c.Secret = ""
}
