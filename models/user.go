package models

import (
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// User represents a hosted mailbox account
type User struct {
	gorm.Model

	// Authentication fields
	Email         string `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash  string `gorm:"not null" json:"-"`
	EmailVerified bool   `gorm:"default:false" json:"email_verified"`

	// Profile information
	Name     *string `json:"name,omitempty"`
	Timezone string  `gorm:"default:'UTC'" json:"timezone"`
	Language string  `gorm:"default:'en'" json:"language"`

	// Account status
	IsActive bool `gorm:"default:true" json:"is_active"`
	IsAdmin  bool `gorm:"default:false" json:"is_admin"`

	OrganizationID uint          `gorm:"not null;index" json:"organization_id"`
	Organization   *Organization `json:"organization,omitempty"`

	// Relations
	Messages        []Message        `gorm:"foreignKey:UserID" json:"messages,omitempty"`
	SendCredentials []SendCredential `gorm:"foreignKey:UserID" json:"-"`
}

// SetPassword hashes and stores the given password
func (u *User) SetPassword(password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PasswordHash = string(hash)
	return nil
}

// CheckPassword compares the given password against the stored hash
func (u *User) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

// Organization groups users under one billing account and plan
type Organization struct {
	gorm.Model
	Name string `gorm:"not null" json:"name"`

	PlanID   *uint  `json:"plan_id,omitempty"`
	Plan     *Plan  `json:"plan,omitempty"`
	PlanName string `gorm:"default:'free'" json:"plan_name"` // free, starter, grow, enterprise

	IsActive bool `gorm:"default:true" json:"is_active"`

	// Relations
	Users   []User          `gorm:"foreignKey:OrganizationID" json:"users,omitempty"`
	Domains []SendingDomain `gorm:"foreignKey:OrganizationID" json:"domains,omitempty"`
}

// Plan represents plan-derived limits. Limits are read-only inputs here,
// managed by the billing subsystem.
type Plan struct {
	gorm.Model
	Name        string `gorm:"not null;uniqueIndex" json:"name"` // free, starter, grow, enterprise
	Description string `json:"description"`

	// Storage ceiling per user, 0 = unlimited
	StorageLimitMB int64 `gorm:"default:0" json:"storage_limit_mb"`

	// Sending limits
	DailySendLimit int `gorm:"default:500" json:"daily_send_limit"`
	MaxDomains     int `gorm:"default:1" json:"max_domains"`

	// For display purposes
	DisplayPrice string `gorm:"-" json:"display_price"` // e.g. "$20"
	IsPopular    bool   `gorm:"default:false" json:"is_popular"`
}

// StorageLimitKB returns the plan ceiling in kilobytes, 0 = unlimited
func (p *Plan) StorageLimitKB() int64 {
	return p.StorageLimitMB * 1024
}
