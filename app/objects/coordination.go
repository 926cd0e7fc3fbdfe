package objects

import (
	"mesflow/app/db/models"
	"mesflow/pkg/contextx"
	"time"

	"github.com/google/uuid"
)

type WorkflowParallelCoordination struct {
	*models.WorkflowParallelCoordination
	ContextObject
	PersistentObject
}

// RemainingUndecided is the count of assignments that can still approve.
func (c *WorkflowParallelCoordination) RemainingUndecided() int {
	return c.TotalCount - c.CompletedCount
}

func (c *WorkflowParallelCoordination) Save(ctx *contextx.Context) error {
	if !c.IsCreated() {
		c.CreatedAt = time.Now().UTC()
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.UpdatedAt = c.CreatedAt
	} else {
		c.UpdatedAt = time.Now().UTC()
	}

	if err := c.GetDB(ctx).Save(c.WorkflowParallelCoordination).Error; err != nil {
		return err
	}
	c.SetContext(ctx)
	c.SetCreated()
	return nil
}

func NewWorkflowParallelCoordination() *WorkflowParallelCoordination {
	return &WorkflowParallelCoordination{
		WorkflowParallelCoordination: &models.WorkflowParallelCoordination{},
	}
}

func NewWorkflowParallelCoordinationFromDB(ctx *contextx.Context, coord *models.WorkflowParallelCoordination) *WorkflowParallelCoordination {
	if coord == nil {
		return nil
	}
	c := &WorkflowParallelCoordination{WorkflowParallelCoordination: coord}
	c.SetContext(ctx)
	c.SetCreated()
	return c
}

func QueryCoordinationByStageInstance(ctx *contextx.Context, stageInstanceID string) (*WorkflowParallelCoordination, error) {
	var coord models.WorkflowParallelCoordination

	err := GetDB(ctx).
		Where("deleted = 0 AND stage_instance_id = ?", stageInstanceID).
		First(&coord).Error
	if IsNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return NewWorkflowParallelCoordinationFromDB(ctx, &coord), nil
}
