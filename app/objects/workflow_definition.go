package objects

import (
	"fmt"
	"mesflow/app/db/models"
	"mesflow/pkg/contextx"
	"time"

	"github.com/google/uuid"
)

type WorkflowDefinition struct {
	*models.WorkflowDefinition
	ContextObject
	PersistentObject
}

func (d *WorkflowDefinition) GetStages(ctx *contextx.Context) ([]*Stage, error) {
	if ctx == nil {
		ctx = d.GetContext()
	}
	return QueryStages(ctx, d.ID)
}

func (d *WorkflowDefinition) GetRules(ctx *contextx.Context) ([]*WorkflowRule, error) {
	if ctx == nil {
		ctx = d.GetContext()
	}
	return QueryRules(ctx, d.ID)
}

func (d *WorkflowDefinition) Save(ctx *contextx.Context) error {
	if !d.IsCreated() {
		d.CreatedAt = time.Now().UTC()
		if d.ID == "" {
			d.ID = uuid.NewString()
		}
		d.UpdatedAt = d.CreatedAt
	} else {
		d.UpdatedAt = time.Now().UTC()
	}

	if err := d.GetDB(ctx).Save(d.WorkflowDefinition).Error; err != nil {
		return err
	}
	d.SetContext(ctx)
	d.SetCreated()
	return nil
}

func (d *WorkflowDefinition) Delete(ctx *contextx.Context) error {
	if !d.IsCreated() {
		return fmt.Errorf("object %s isn't a persistent object, can't delete it", d.ID)
	}

	d.Deleted = 1
	d.DeletedAt = time.Now().UTC()
	return d.Save(ctx)
}

func NewWorkflowDefinition() *WorkflowDefinition {
	return &WorkflowDefinition{
		WorkflowDefinition: &models.WorkflowDefinition{Version: 1},
	}
}

func NewWorkflowDefinitionFromDB(ctx *contextx.Context, def *models.WorkflowDefinition) *WorkflowDefinition {
	if def == nil {
		return nil
	}
	wfDef := &WorkflowDefinition{
		WorkflowDefinition: def,
	}
	wfDef.SetContext(ctx)
	wfDef.SetCreated()
	return wfDef
}

func QueryWorkflowDefinitionByID(ctx *contextx.Context, id string) (*WorkflowDefinition, error) {
	var def models.WorkflowDefinition

	tx := GetDB(ctx).Where("deleted = 0 AND id = ?", id)
	if ctx.GetProjectID() != "" {
		tx = tx.Where("project_id = ?", ctx.GetProjectID())
	}

	err := tx.First(&def).Error
	if IsNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return NewWorkflowDefinitionFromDB(ctx, &def), nil
}

// QueryWorkflowDefinitionByName resolves (name, version); version 0 means the
// latest published version.
func QueryWorkflowDefinitionByName(ctx *contextx.Context, name string, version int) (*WorkflowDefinition, error) {
	var def models.WorkflowDefinition

	tx := GetDB(ctx).Where("deleted = 0 AND name = ?", name)
	if ctx.GetProjectID() != "" {
		tx = tx.Where("project_id = ?", ctx.GetProjectID())
	}
	if version > 0 {
		tx = tx.Where("version = ?", version)
	} else {
		tx = tx.Order("version DESC")
	}

	err := tx.First(&def).Error
	if IsNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return NewWorkflowDefinitionFromDB(ctx, &def), nil
}

func QueryWorkflowDefinitions(ctx *contextx.Context, name interface{}) ([]*WorkflowDefinition, error) {
	var defs []*models.WorkflowDefinition

	tx := GetDB(ctx).Where("deleted = 0")
	if ctx.GetProjectID() != "" {
		tx = tx.Where("project_id = ?", ctx.GetProjectID())
	}
	if name != nil {
		tx = tx.Where("name = ?", name.(string))
	}

	if err := tx.Order("name, version").Find(&defs).Error; err != nil {
		return nil, err
	}

	var wfDefs []*WorkflowDefinition
	for _, def := range defs {
		wfDefs = append(wfDefs, NewWorkflowDefinitionFromDB(ctx, def))
	}
	return wfDefs, nil
}
