package models

import "time"

type WorkflowAssignment struct {
	ID              string `gorm:"primaryKey;size:255"`
	InstanceID      string `gorm:"size:255;index"`
	StageInstanceID string `gorm:"size:255;index"`

	AssigneeID   string `gorm:"size:255;index"`
	AssigneeRole string `gorm:"size:255"`

	// direct, delegated, escalated
	Type string `gorm:"size:32"`
	// SourceAssignmentID links a delegated or escalated assignment back to
	// the row it replaces.
	SourceAssignmentID string    `gorm:"size:255;index"`
	DelegationExpiry   time.Time `gorm:"default:null"`

	// pending, approve, reject, delegate, abstain. Immutable once recorded.
	Decision     string    `gorm:"size:32;index"`
	DecidedAt    time.Time `gorm:"default:null"`
	Comments     string    `gorm:"type:text"`
	SignatureRef string    `gorm:"size:255"`

	DueAt            time.Time `gorm:"default:null"`
	EscalationLevel  int
	EscalationTarget string `gorm:"size:255"`
	// Escalated marks an original that has been replaced by an escalation
	// assignment at EscalationLevel+1; the scheduler keys idempotence on it.
	Escalated bool `gorm:"default:false"`

	CreatedAt time.Time `gorm:"default:null"`
	UpdatedAt time.Time `gorm:"default:null"`
	Deleted   int       `gorm:"default:0"`
	DeletedAt time.Time `gorm:"default:null"`
}

type WorkflowParallelCoordination struct {
	ID              string `gorm:"primaryKey;size:255"`
	StageInstanceID string `gorm:"size:255;index;unique"`

	// all, any, threshold
	CompletionRule string `gorm:"size:32"`
	Threshold      int

	TotalCount     int
	CompletedCount int
	ApprovedCount  int
	RejectedCount  int

	// approved or rejected once Completed; immutable afterwards.
	GroupDecision string `gorm:"size:32"`
	Completed     bool   `gorm:"default:false"`

	CreatedAt time.Time `gorm:"default:null"`
	UpdatedAt time.Time `gorm:"default:null"`
	Deleted   int       `gorm:"default:0"`
	DeletedAt time.Time `gorm:"default:null"`
}
