package objects

import (
	"mesflow/app/db/models"
	"mesflow/pkg/contextx"
	"time"

	"github.com/google/uuid"
)

var (
	TriggerStageEntry = "stage-entry"
	TriggerStageExit  = "stage-exit"

	RuleActionRoute     = "route"
	RuleActionSkip      = "skip"
	RuleActionEscalate  = "escalate"
	RuleActionTerminate = "terminate"

	OperatorEq       = "eq"
	OperatorNe       = "ne"
	OperatorGt       = "gt"
	OperatorLt       = "lt"
	OperatorIn       = "in"
	OperatorContains = "contains"

	TriggerPoints = SliceString{TriggerStageEntry, TriggerStageExit}
	RuleActions   = SliceString{RuleActionRoute, RuleActionSkip, RuleActionEscalate, RuleActionTerminate}
	RuleOperators = SliceString{OperatorEq, OperatorNe, OperatorGt, OperatorLt, OperatorIn, OperatorContains}
)

type WorkflowRule struct {
	*models.WorkflowRule
	ContextObject
	PersistentObject
}

// ConditionValue unwraps the stored json envelope ({"value": ...}).
func (r *WorkflowRule) ConditionValue() interface{} {
	if r.Value == nil {
		return nil
	}
	return r.Value["value"]
}

func (r *WorkflowRule) SetConditionValue(v interface{}) {
	r.Value = map[string]interface{}{"value": v}
}

func (r *WorkflowRule) Save(ctx *contextx.Context) error {
	if !r.IsCreated() {
		r.CreatedAt = time.Now().UTC()
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		r.UpdatedAt = r.CreatedAt
	} else {
		r.UpdatedAt = time.Now().UTC()
	}

	if err := r.GetDB(ctx).Save(r.WorkflowRule).Error; err != nil {
		return err
	}
	r.SetContext(ctx)
	r.SetCreated()
	return nil
}

func NewWorkflowRule() *WorkflowRule {
	return &WorkflowRule{WorkflowRule: &models.WorkflowRule{}}
}

func NewWorkflowRuleFromDB(ctx *contextx.Context, rule *models.WorkflowRule) *WorkflowRule {
	if rule == nil {
		return nil
	}
	r := &WorkflowRule{WorkflowRule: rule}
	r.SetContext(ctx)
	r.SetCreated()
	return r
}

func QueryRules(ctx *contextx.Context, definitionID string) ([]*WorkflowRule, error) {
	var rules []*models.WorkflowRule

	err := GetDB(ctx).
		Where("deleted = 0 AND definition_id = ?", definitionID).
		Order("priority DESC, id").
		Find(&rules).Error
	if err != nil {
		return nil, err
	}

	var result []*WorkflowRule
	for _, rule := range rules {
		result = append(result, NewWorkflowRuleFromDB(ctx, rule))
	}
	return result, nil
}
