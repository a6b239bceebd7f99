package models

import (
	"gorm.io/gorm"
)

// MailUsage is the per-user storage ledger in kilobytes. It is only ever
// incremented by the intake stage, atomically and in the same transaction as
// message persistence. Reclaim on deletion is handled outside the core.
type MailUsage struct {
	gorm.Model
	UserID uint  `gorm:"not null;uniqueIndex" json:"user_id"`
	UsedKB int64 `gorm:"default:0" json:"used_kb"`
}
