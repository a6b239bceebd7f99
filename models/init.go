package models

import (
	"gorm.io/gorm"
)

// Migrate runs schema migration for all core models
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Plan{},
		&Organization{},
		&User{},
		&SendingDomain{},
		&SendCredential{},
		&MailUsage{},
		&Message{},
		&Attachment{},
	)
}
