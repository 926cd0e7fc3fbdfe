package models

import (
	"mesflow/pkg/gormx"
	"time"
)

type WorkflowDefinition struct {
	ID          string `gorm:"primaryKey;size:255"`
	Name        string `gorm:"index:idx_def_name_version;size:255"`
	Version     int    `gorm:"index:idx_def_name_version"`
	Description string `gorm:"type:text"`
	ProjectID   string `gorm:"index;size:255"`

	// IsTemplate marks a definition reusable as an authoring template.
	IsTemplate bool `gorm:"default:false"`
	// ParentVersionID points at the definition this version was derived from.
	ParentVersionID string `gorm:"size:255;index"`
	// ContentHash is the sha256 over the canonical stage+rule payload.
	ContentHash string `gorm:"size:64"`
	// Locked is set once the first instance binds; locked definitions are
	// immutable and edits must create a new version.
	Locked bool `gorm:"default:false"`

	CreatedAt time.Time `gorm:"default:null"`
	UpdatedAt time.Time `gorm:"default:null"`
	Deleted   int       `gorm:"default:0"`
	DeletedAt time.Time `gorm:"default:null"`
}

type Stage struct {
	ID           string `gorm:"primaryKey;size:255"`
	DefinitionID string `gorm:"size:255;index"`
	// Sequence numbers are unique and dense within a definition, starting at 1.
	Sequence int    `gorm:"index"`
	Name     string `gorm:"size:255"`

	// single, any, all, threshold
	ApprovalType     string `gorm:"size:32"`
	MinimumApprovals int
	// ApprovalThreshold is a fraction of resolved assignments, consulted only
	// when MinimumApprovals is zero.
	ApprovalThreshold float64

	Users gormx.StringsJson `gorm:"type:mediumtext"`
	Roles gormx.StringsJson `gorm:"type:mediumtext"`
	// fixed, any-of-role, round-robin, workload
	Strategy string `gorm:"size:32"`

	DeadlineHours int
	// ResponseHours bounds one approver's answer window. Shorter than the
	// stage deadline it lets an assignment escalate before the stage dies.
	ResponseHours    int
	EscalationTarget string `gorm:"size:255"`
	AllowDelegation  bool   `gorm:"default:true"`
	AllowSkip        bool   `gorm:"default:false"`
	RequireSignature bool   `gorm:"default:false"`

	CreatedAt time.Time `gorm:"default:null"`
	UpdatedAt time.Time `gorm:"default:null"`
	Deleted   int       `gorm:"default:0"`
	DeletedAt time.Time `gorm:"default:null"`
}

type WorkflowRule struct {
	ID           string `gorm:"primaryKey;size:255"`
	DefinitionID string `gorm:"size:255;index"`
	Name         string `gorm:"size:255"`

	// stage-entry, stage-exit
	TriggerPoint string `gorm:"size:32;index"`
	Priority     int

	Field string `gorm:"size:255"`
	// eq, ne, gt, lt, in, contains
	Operator string        `gorm:"size:32"`
	Value    gormx.MapJson `gorm:"type:mediumtext"`

	// route, skip, escalate, terminate
	Action string `gorm:"size:32"`
	// TargetStage is the stage sequence a route action jumps to.
	TargetStage int

	CreatedAt time.Time `gorm:"default:null"`
	UpdatedAt time.Time `gorm:"default:null"`
	Deleted   int       `gorm:"default:0"`
	DeletedAt time.Time `gorm:"default:null"`
}
