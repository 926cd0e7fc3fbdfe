package objects

import (
	"mesflow/app/db/models"
	"mesflow/pkg/contextx"
	"mesflow/pkg/log"
	"time"

	"github.com/google/uuid"
)

type WorkflowStageInstance struct {
	*models.WorkflowStageInstance
	ContextObject
	PersistentObject
}

func (s *WorkflowStageInstance) GetAssignments(ctx *contextx.Context) ([]*WorkflowAssignment, error) {
	if ctx == nil {
		ctx = s.GetContext()
	}
	return QueryAssignmentsByStageInstance(ctx, s.ID)
}

func (s *WorkflowStageInstance) GetCoordination(ctx *contextx.Context) (*WorkflowParallelCoordination, error) {
	if ctx == nil {
		ctx = s.GetContext()
	}
	return QueryCoordinationByStageInstance(ctx, s.ID)
}

func (s *WorkflowStageInstance) Save(ctx *contextx.Context) error {
	if !s.IsCreated() {
		s.CreatedAt = time.Now().UTC()
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		s.UpdatedAt = s.CreatedAt
	} else {
		s.UpdatedAt = time.Now().UTC()
	}

	if err := s.GetDB(ctx).Save(s.WorkflowStageInstance).Error; err != nil {
		return err
	}
	s.SetContext(ctx)
	s.SetCreated()
	return nil
}

func (s *WorkflowStageInstance) Update(ctx *contextx.Context, fields ...string) error {
	s.UpdatedAt = time.Now().UTC()
	fields = append(fields, "UpdatedAt")

	tx := s.GetDB(ctx).Model(s.WorkflowStageInstance).Select(fields).
		Where("id = ?", s.ID).Updates(s.WorkflowStageInstance)
	if tx.Error != nil {
		log.Errorf(ctx, "update stage instance %s failed, error: %s", s.ID, tx.Error.Error())
		return tx.Error
	}
	return nil
}

func NewWorkflowStageInstance() *WorkflowStageInstance {
	return &WorkflowStageInstance{
		WorkflowStageInstance: &models.WorkflowStageInstance{},
	}
}

func NewWorkflowStageInstanceFromDB(ctx *contextx.Context, si *models.WorkflowStageInstance) *WorkflowStageInstance {
	if si == nil {
		return nil
	}
	stInst := &WorkflowStageInstance{WorkflowStageInstance: si}
	stInst.SetContext(ctx)
	stInst.SetCreated()
	return stInst
}

func QueryStageInstanceByID(ctx *contextx.Context, id string) (*WorkflowStageInstance, error) {
	var si models.WorkflowStageInstance

	err := GetDB(ctx).Where("deleted = 0 AND id = ?", id).First(&si).Error
	if IsNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return NewWorkflowStageInstanceFromDB(ctx, &si), nil
}

func QueryStageInstances(ctx *contextx.Context, instanceID string) ([]*WorkflowStageInstance, error) {
	var sis []*models.WorkflowStageInstance

	err := GetDB(ctx).
		Where("deleted = 0 AND instance_id = ?", instanceID).
		Order("sequence").
		Find(&sis).Error
	if err != nil {
		return nil, err
	}

	var result []*WorkflowStageInstance
	for _, si := range sis {
		result = append(result, NewWorkflowStageInstanceFromDB(ctx, si))
	}
	return result, nil
}

// QueryActiveStageInstance returns the single active stage instance of a
// workflow instance, or nil. The sequential model guarantees at most one.
func QueryActiveStageInstance(ctx *contextx.Context, instanceID string) (*WorkflowStageInstance, error) {
	var si models.WorkflowStageInstance

	err := GetDB(ctx).
		Where("deleted = 0 AND instance_id = ? AND status = ?", instanceID, "active").
		First(&si).Error
	if IsNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return NewWorkflowStageInstanceFromDB(ctx, &si), nil
}

// QueryOverdueStageInstances lists active stage instances whose deadline has
// passed; the scheduler expires them.
func QueryOverdueStageInstances(ctx *contextx.Context, now time.Time, limit int) ([]*WorkflowStageInstance, error) {
	var sis []*models.WorkflowStageInstance

	tx := GetDB(ctx).
		Where("deleted = 0 AND status = ? AND deadline_at IS NOT NULL AND deadline_at > ? AND deadline_at < ?",
			"active", time.Time{}, now).
		Order("deadline_at")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&sis).Error; err != nil {
		return nil, err
	}

	var result []*WorkflowStageInstance
	for _, si := range sis {
		result = append(result, NewWorkflowStageInstanceFromDB(ctx, si))
	}
	return result, nil
}
