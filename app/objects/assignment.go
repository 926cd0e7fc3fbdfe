package objects

import (
	"mesflow/app/db/models"
	"mesflow/pkg/contextx"
	"mesflow/pkg/log"
	"time"

	"github.com/google/uuid"
)

type WorkflowAssignment struct {
	*models.WorkflowAssignment
	ContextObject
	PersistentObject
}

func (a *WorkflowAssignment) IsPending() bool {
	return a.Decision == "" || a.Decision == "pending"
}

func (a *WorkflowAssignment) Save(ctx *contextx.Context) error {
	if !a.IsCreated() {
		a.CreatedAt = time.Now().UTC()
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		if a.Decision == "" {
			a.Decision = "pending"
		}
		a.UpdatedAt = a.CreatedAt
	} else {
		a.UpdatedAt = time.Now().UTC()
	}

	if err := a.GetDB(ctx).Save(a.WorkflowAssignment).Error; err != nil {
		return err
	}
	a.SetContext(ctx)
	a.SetCreated()
	return nil
}

func (a *WorkflowAssignment) Update(ctx *contextx.Context, fields ...string) error {
	a.UpdatedAt = time.Now().UTC()
	fields = append(fields, "UpdatedAt")

	tx := a.GetDB(ctx).Model(a.WorkflowAssignment).Select(fields).
		Where("id = ?", a.ID).Updates(a.WorkflowAssignment)
	if tx.Error != nil {
		log.Errorf(ctx, "update assignment %s failed, error: %s", a.ID, tx.Error.Error())
		return tx.Error
	}
	return nil
}

// RecordDecision writes the decision exactly once. The WHERE clause on the
// pending state makes concurrent submissions lose cleanly: zero rows updated
// means somebody else got there first.
func (a *WorkflowAssignment) RecordDecision(ctx *contextx.Context, decision, comments, signatureRef string) error {
	now := time.Now().UTC()
	tx := a.GetDB(ctx).Model(a.WorkflowAssignment).
		Where("id = ? AND decision = ?", a.ID, "pending").
		Updates(map[string]interface{}{
			"decision":      decision,
			"decided_at":    now,
			"comments":      comments,
			"signature_ref": signatureRef,
			"updated_at":    now,
		})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrAlreadyDecided
	}
	a.Decision = decision
	a.DecidedAt = now
	a.Comments = comments
	a.SignatureRef = signatureRef
	return nil
}

func NewWorkflowAssignment() *WorkflowAssignment {
	return &WorkflowAssignment{
		WorkflowAssignment: &models.WorkflowAssignment{},
	}
}

func NewWorkflowAssignmentFromDB(ctx *contextx.Context, assignment *models.WorkflowAssignment) *WorkflowAssignment {
	if assignment == nil {
		return nil
	}
	a := &WorkflowAssignment{WorkflowAssignment: assignment}
	a.SetContext(ctx)
	a.SetCreated()
	return a
}

func QueryAssignmentByID(ctx *contextx.Context, id string) (*WorkflowAssignment, error) {
	var assignment models.WorkflowAssignment

	err := GetDB(ctx).Where("deleted = 0 AND id = ?", id).First(&assignment).Error
	if IsNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return NewWorkflowAssignmentFromDB(ctx, &assignment), nil
}

func QueryAssignmentsByStageInstance(ctx *contextx.Context, stageInstanceID string) ([]*WorkflowAssignment, error) {
	var assignments []*models.WorkflowAssignment

	err := GetDB(ctx).
		Where("deleted = 0 AND stage_instance_id = ?", stageInstanceID).
		Order("created_at").
		Find(&assignments).Error
	if err != nil {
		return nil, err
	}

	var result []*WorkflowAssignment
	for _, assignment := range assignments {
		result = append(result, NewWorkflowAssignmentFromDB(ctx, assignment))
	}
	return result, nil
}

func QueryPendingAssignmentsByInstance(ctx *contextx.Context, instanceID string) ([]*WorkflowAssignment, error) {
	var assignments []*models.WorkflowAssignment

	err := GetDB(ctx).
		Where("deleted = 0 AND instance_id = ? AND decision = ?", instanceID, "pending").
		Order("created_at").
		Find(&assignments).Error
	if err != nil {
		return nil, err
	}

	var result []*WorkflowAssignment
	for _, assignment := range assignments {
		result = append(result, NewWorkflowAssignmentFromDB(ctx, assignment))
	}
	return result, nil
}

// QueryOverdueAssignments lists pending assignments whose due date passed and
// that have not been escalated yet.
func QueryOverdueAssignments(ctx *contextx.Context, now time.Time, limit int) ([]*WorkflowAssignment, error) {
	var assignments []*models.WorkflowAssignment

	tx := GetDB(ctx).
		Where("deleted = 0 AND decision = ? AND escalated = ? AND due_at IS NOT NULL AND due_at > ? AND due_at < ?",
			"pending", false, time.Time{}, now).
		Order("due_at")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&assignments).Error; err != nil {
		return nil, err
	}

	var result []*WorkflowAssignment
	for _, assignment := range assignments {
		result = append(result, NewWorkflowAssignmentFromDB(ctx, assignment))
	}
	return result, nil
}

// CountOpenAssignments returns the number of pending assignments a user holds
// across all instances. The workload strategy picks the least loaded user.
func CountOpenAssignments(ctx *contextx.Context, userID string) (int64, error) {
	var count int64
	err := GetDB(ctx).Model(&models.WorkflowAssignment{}).
		Where("deleted = 0 AND assignee_id = ? AND decision = ?", userID, "pending").
		Count(&count).Error
	return count, err
}
