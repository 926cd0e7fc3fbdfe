package models

import "time"

// WorkflowDelegation is a standing grant letting DelegateID act for
// DelegatorID inside a time window, optionally scoped to one definition or
// entity type. It expires by date, not by event.
type WorkflowDelegation struct {
	ID          string `gorm:"primaryKey;size:255"`
	DelegatorID string `gorm:"size:255;index"`
	DelegateID  string `gorm:"size:255;index"`

	DefinitionID string `gorm:"size:255;index"`
	EntityType   string `gorm:"size:255"`
	Reason       string `gorm:"type:text"`

	StartsAt  time.Time `gorm:"default:null"`
	ExpiresAt time.Time `gorm:"default:null"`

	CreatedAt time.Time `gorm:"default:null"`
	UpdatedAt time.Time `gorm:"default:null"`
	Deleted   int       `gorm:"default:0"`
	DeletedAt time.Time `gorm:"default:null"`
}

// RotationCursor holds round-robin state per (definition, stage) so that
// concurrent instances of the same definition share one rotation.
type RotationCursor struct {
	ID           string `gorm:"primaryKey;size:255"`
	DefinitionID string `gorm:"size:255;index:idx_rotation_scope"`
	StageID      string `gorm:"size:255;index:idx_rotation_scope"`
	Cursor       int

	CreatedAt time.Time `gorm:"default:null"`
	UpdatedAt time.Time `gorm:"default:null"`
}
