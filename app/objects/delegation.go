package objects

import (
	"mesflow/app/db/models"
	"mesflow/pkg/contextx"
	"time"

	"github.com/google/uuid"
)

type WorkflowDelegation struct {
	*models.WorkflowDelegation
	ContextObject
	PersistentObject
}

// CoversAt reports whether the grant is live at the given time for the given
// definition and entity type. Empty scope fields match everything.
func (d *WorkflowDelegation) CoversAt(at time.Time, definitionID, entityType string) bool {
	if !d.StartsAt.IsZero() && at.Before(d.StartsAt) {
		return false
	}
	if !d.ExpiresAt.IsZero() && !at.Before(d.ExpiresAt) {
		return false
	}
	if d.DefinitionID != "" && d.DefinitionID != definitionID {
		return false
	}
	if d.EntityType != "" && d.EntityType != entityType {
		return false
	}
	return true
}

func (d *WorkflowDelegation) Save(ctx *contextx.Context) error {
	if !d.IsCreated() {
		d.CreatedAt = time.Now().UTC()
		if d.ID == "" {
			d.ID = uuid.NewString()
		}
		d.UpdatedAt = d.CreatedAt
	} else {
		d.UpdatedAt = time.Now().UTC()
	}

	if err := d.GetDB(ctx).Save(d.WorkflowDelegation).Error; err != nil {
		return err
	}
	d.SetContext(ctx)
	d.SetCreated()
	return nil
}

func NewWorkflowDelegation() *WorkflowDelegation {
	return &WorkflowDelegation{
		WorkflowDelegation: &models.WorkflowDelegation{},
	}
}

func NewWorkflowDelegationFromDB(ctx *contextx.Context, d *models.WorkflowDelegation) *WorkflowDelegation {
	if d == nil {
		return nil
	}
	deleg := &WorkflowDelegation{WorkflowDelegation: d}
	deleg.SetContext(ctx)
	deleg.SetCreated()
	return deleg
}

// QueryActiveDelegationsByDelegator returns live grants issued by a user.
func QueryActiveDelegationsByDelegator(ctx *contextx.Context, delegatorID string, at time.Time) ([]*WorkflowDelegation, error) {
	var grants []*models.WorkflowDelegation

	err := GetDB(ctx).
		Where("deleted = 0 AND delegator_id = ?", delegatorID).
		Find(&grants).Error
	if err != nil {
		return nil, err
	}

	var result []*WorkflowDelegation
	for _, grant := range grants {
		d := NewWorkflowDelegationFromDB(ctx, grant)
		if !d.StartsAt.IsZero() && at.Before(d.StartsAt) {
			continue
		}
		if !d.ExpiresAt.IsZero() && !at.Before(d.ExpiresAt) {
			continue
		}
		result = append(result, d)
	}
	return result, nil
}
