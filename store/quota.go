package store

import (
	"gorm.io/gorm"

	"mailhaven/models"
)

// QuotaLedger tracks per-user cumulative storage in kilobytes. Increments
// are atomic (no read-modify-write), and the intake stage performs them in
// the same transaction as message persistence.
type QuotaLedger struct {
	db *gorm.DB
}

func NewQuotaLedger(db *gorm.DB) *QuotaLedger {
	return &QuotaLedger{db: db}
}

// Usage returns the user's current consumption, creating the ledger row on
// first touch
func (l *QuotaLedger) Usage(userID uint) (int64, error) {
	var usage models.MailUsage
	err := l.db.Where(models.MailUsage{UserID: userID}).FirstOrCreate(&usage).Error
	if err != nil {
		return 0, err
	}
	return usage.UsedKB, nil
}

// Charge atomically adds sizeKB to the user's ledger inside the given
// transaction handle
func (l *QuotaLedger) Charge(tx *gorm.DB, userID uint, sizeKB int64) error {
	return tx.Model(&models.MailUsage{}).
		Where("user_id = ?", userID).
		Update("used_kb", gorm.Expr("used_kb + ?", sizeKB)).
		Error
}

// Exceeds reports whether charging sizeKB would push usage over limitKB.
// A non-positive limit means unlimited.
func (l *QuotaLedger) Exceeds(usedKB, sizeKB, limitKB int64) bool {
	return limitKB > 0 && usedKB+sizeKB > limitKB
}
