package models

import (
	"mesflow/pkg/gormx"
	"time"
)

type WorkflowInstance struct {
	ID           string `gorm:"primaryKey;size:255"`
	DefinitionID string `gorm:"size:255;index"`
	ProjectID    string `gorm:"index;size:255"`

	// The target entity is an opaque tagged pair; the engine never
	// dereferences it.
	EntityType string `gorm:"size:255;index:idx_instance_entity"`
	EntityID   string `gorm:"size:255;index:idx_instance_entity"`

	CurrentStage int
	// pending, active, completed, rejected, cancelled, expired
	Status    string `gorm:"size:32;index"`
	StatusMsg string `gorm:"type:text"`

	Context     gormx.MapJson `gorm:"type:longtext"`
	Priority    int
	ImpactLevel string `gorm:"size:32"`

	// EscalationRequired parks the instance pending manual or scheduled
	// escalation resolution; the status stays active.
	EscalationRequired bool `gorm:"default:false"`

	StartedAt   time.Time `gorm:"default:null"`
	DeadlineAt  time.Time `gorm:"default:null"`
	CompletedAt time.Time `gorm:"default:null"`

	CreatedAt time.Time `gorm:"default:null"`
	UpdatedAt time.Time `gorm:"default:null"`
	Deleted   int       `gorm:"default:0"`
	DeletedAt time.Time `gorm:"default:null"`
}

type WorkflowStageInstance struct {
	ID         string `gorm:"primaryKey;size:255"`
	InstanceID string `gorm:"size:255;index"`
	StageID    string `gorm:"size:255;index"`
	Sequence   int

	// pending, active, completed, skipped, expired
	Status string `gorm:"size:32;index"`
	// approved, rejected, escalated, timed-out
	Outcome string `gorm:"size:32"`

	StartedAt   time.Time `gorm:"default:null"`
	DeadlineAt  time.Time `gorm:"default:null"`
	CompletedAt time.Time `gorm:"default:null"`

	CreatedAt time.Time `gorm:"default:null"`
	UpdatedAt time.Time `gorm:"default:null"`
	Deleted   int       `gorm:"default:0"`
	DeletedAt time.Time `gorm:"default:null"`
}
