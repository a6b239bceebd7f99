package store

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"mailhaven/models"
	"mailhaven/utils"
)

var (
	ErrDomainNotFound   = errors.New("sending domain not found")
	ErrDomainUnverified = errors.New("sending domain is not verified")
)

// SigningKey is a decrypted, parsed per-domain key ready for signing
type SigningKey struct {
	Domain   string
	Selector string
	Key      *rsa.PrivateKey
}

// SigningKeyStore holds per-domain DKIM keys, private halves encrypted at
// rest
type SigningKeyStore struct {
	db     *gorm.DB
	cipher *utils.Cipher
}

func NewSigningKeyStore(db *gorm.DB, cipher *utils.Cipher) *SigningKeyStore {
	return &SigningKeyStore{db: db, cipher: cipher}
}

// Generate creates a fresh 2048-bit key pair for a domain and stores it.
// Called once per domain during onboarding; rotation is out of scope.
func (s *SigningKeyStore) Generate(orgID uint, domain, selector string) (*models.SendingDomain, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	encrypted, err := s.cipher.Encrypt(string(privPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt signing key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	record := &models.SendingDomain{
		OrganizationID: orgID,
		Domain:         strings.ToLower(domain),
		DKIMSelector:   selector,
		DKIMPrivateKey: encrypted,
		// DNS TXT record value, published by the excluded tooling
		DKIMPublicKey: "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(pubDER),
	}
	if err := s.db.Create(record).Error; err != nil {
		return nil, fmt.Errorf("failed to store sending domain: %w", err)
	}
	return record, nil
}

// SigningKey loads, decrypts and parses the key for a domain. The domain
// must be in a verified state.
func (s *SigningKeyStore) SigningKey(domain string) (*SigningKey, error) {
	var record models.SendingDomain
	err := s.db.Where("domain = ?", strings.ToLower(domain)).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrDomainNotFound, domain)
	}
	if err != nil {
		return nil, err
	}
	if !record.Verified {
		return nil, fmt.Errorf("%w: %s", ErrDomainUnverified, domain)
	}

	privPEM, err := s.cipher.Decrypt(record.DKIMPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt signing key for %s: %w", domain, err)
	}
	key, err := parsePrivateKey([]byte(privPEM))
	if err != nil {
		return nil, fmt.Errorf("bad signing key for %s: %w", domain, err)
	}

	return &SigningKey{
		Domain:   record.Domain,
		Selector: record.DKIMSelector,
		Key:      key,
	}, nil
}

func parsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an RSA private key")
	}
	return key, nil
}
