package models

import (
	"mesflow/pkg/gormx"
	"time"
)

// WorkflowHistory is append-only; rows are never updated or deleted and are
// the sole source of truth for audit and metrics.
type WorkflowHistory struct {
	ID         string `gorm:"primaryKey;size:255"`
	InstanceID string `gorm:"size:255;index"`

	EventType  string `gorm:"size:64;index"`
	FromStatus string `gorm:"size:32"`
	ToStatus   string `gorm:"size:32"`
	Actor      string `gorm:"size:255;index"`

	Detail gormx.MapJson `gorm:"type:longtext"`

	CreatedAt time.Time `gorm:"index;default:null"`
}
