// Package store wraps the database-backed leaf stores of the mail pipeline:
// send credentials, signing keys and the storage quota ledger.
package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mailhaven/models"
	"mailhaven/utils"
)

var ErrNoCredential = errors.New("send credential not found")

// CredentialStore holds per-user relay credentials, encrypted at rest.
// Plaintext is only ever returned by Decrypt and must not outlive the relay
// session that needed it.
type CredentialStore struct {
	db     *gorm.DB
	cipher *utils.Cipher
}

func NewCredentialStore(db *gorm.DB, cipher *utils.Cipher) *CredentialStore {
	return &CredentialStore{db: db, cipher: cipher}
}

// Save encrypts and upserts the user's credential
func (s *CredentialStore) Save(userID uint, plaintext string) error {
	encrypted, err := s.cipher.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt credential: %w", err)
	}
	cred := models.SendCredential{UserID: userID, Secret: encrypted}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"secret", "updated_at"}),
	}).Create(&cred).Error
}

// Decrypt loads and decrypts the user's credential. Absence is a fatal,
// non-retryable delivery error for the caller.
func (s *CredentialStore) Decrypt(userID uint) (string, error) {
	var cred models.SendCredential
	err := s.db.Where("user_id = ?", userID).First(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNoCredential
	}
	if err != nil {
		return "", err
	}

	plaintext, err := s.cipher.Decrypt(cred.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credential for user %d: %w", userID, err)
	}

	now := time.Now()
	s.db.Model(&cred).Update("last_used_at", &now)
	return plaintext, nil
}
