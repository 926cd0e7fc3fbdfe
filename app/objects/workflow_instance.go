package objects

import (
	"fmt"
	"mesflow/app/db/models"
	"mesflow/pkg/contextx"
	"mesflow/pkg/log"
	"time"

	"github.com/google/uuid"
)

type WorkflowInstance struct {
	*models.WorkflowInstance
	ContextObject
	PersistentObject
}

func (i *WorkflowInstance) GetStageInstances(ctx *contextx.Context) ([]*WorkflowStageInstance, error) {
	if ctx == nil {
		ctx = i.GetContext()
	}
	return QueryStageInstances(ctx, i.ID)
}

func (i *WorkflowInstance) GetPendingAssignments(ctx *contextx.Context) ([]*WorkflowAssignment, error) {
	if ctx == nil {
		ctx = i.GetContext()
	}
	return QueryPendingAssignmentsByInstance(ctx, i.ID)
}

func (i *WorkflowInstance) Save(ctx *contextx.Context) error {
	if !i.IsCreated() {
		i.CreatedAt = time.Now().UTC()
		if i.ID == "" {
			i.ID = uuid.NewString()
		}
		i.UpdatedAt = i.CreatedAt
	} else {
		i.UpdatedAt = time.Now().UTC()
	}

	if err := i.GetDB(ctx).Save(i.WorkflowInstance).Error; err != nil {
		return err
	}
	i.SetContext(ctx)
	i.SetCreated()
	return nil
}

func (i *WorkflowInstance) Update(ctx *contextx.Context, fields ...string) error {
	i.UpdatedAt = time.Now().UTC()
	fields = append(fields, "UpdatedAt")

	tx := i.GetDB(ctx).Model(i.WorkflowInstance).Select(fields).
		Where("id = ?", i.ID).Updates(i.WorkflowInstance)
	if tx.Error != nil {
		log.Errorf(ctx, "update workflow instance %s failed, error: %s", i.ID, tx.Error.Error())
		return tx.Error
	}
	return nil
}

func (i *WorkflowInstance) Delete(ctx *contextx.Context) error {
	if !i.IsCreated() {
		return fmt.Errorf("object %s isn't a persistent object, can't delete it", i.ID)
	}

	i.Deleted = 1
	i.DeletedAt = time.Now().UTC()
	return i.Update(ctx, "Deleted", "DeletedAt")
}

func NewWorkflowInstance() *WorkflowInstance {
	return &WorkflowInstance{
		WorkflowInstance: &models.WorkflowInstance{},
	}
}

func NewWorkflowInstanceFromDB(ctx *contextx.Context, instance *models.WorkflowInstance) *WorkflowInstance {
	if instance == nil {
		return nil
	}
	wfInst := &WorkflowInstance{WorkflowInstance: instance}
	wfInst.SetContext(ctx)
	wfInst.SetCreated()
	return wfInst
}

func QueryWorkflowInstanceByID(ctx *contextx.Context, id string) (*WorkflowInstance, error) {
	var instance models.WorkflowInstance

	tx := GetDB(ctx).Where("deleted = 0 AND id = ?", id)
	if ctx.GetProjectID() != "" {
		tx = tx.Where("project_id = ?", ctx.GetProjectID())
	}

	err := tx.First(&instance).Error
	if IsNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return NewWorkflowInstanceFromDB(ctx, &instance), nil
}

func QueryWorkflowInstances(ctx *contextx.Context, definitionID, status interface{}) ([]*WorkflowInstance, error) {
	var instances []*models.WorkflowInstance

	tx := GetDB(ctx).Where("deleted = 0")
	if ctx.GetProjectID() != "" {
		tx = tx.Where("project_id = ?", ctx.GetProjectID())
	}
	if definitionID != nil {
		tx = tx.Where("definition_id = ?", definitionID.(string))
	}
	if status != nil {
		tx = tx.Where("status = ?", status.(string))
	}

	if err := tx.Order("created_at").Find(&instances).Error; err != nil {
		return nil, err
	}

	var result []*WorkflowInstance
	for _, instance := range instances {
		result = append(result, NewWorkflowInstanceFromDB(ctx, instance))
	}
	return result, nil
}

// QueryEscalationRequiredInstances lists active instances parked for manual
// or scheduled escalation resolution.
func QueryEscalationRequiredInstances(ctx *contextx.Context) ([]*WorkflowInstance, error) {
	var instances []*models.WorkflowInstance

	err := GetDB(ctx).
		Where("deleted = 0 AND escalation_required = ?", true).
		Find(&instances).Error
	if err != nil {
		return nil, err
	}

	var result []*WorkflowInstance
	for _, instance := range instances {
		result = append(result, NewWorkflowInstanceFromDB(ctx, instance))
	}
	return result, nil
}
