package objects

import (
	"mesflow/app/db/models"
	"mesflow/pkg/contextx"
	"time"

	"github.com/google/uuid"
)

var (
	ApprovalTypeSingle    = "single"
	ApprovalTypeAny       = "any"
	ApprovalTypeAll       = "all"
	ApprovalTypeThreshold = "threshold"

	StrategyFixed      = "fixed"
	StrategyAnyOfRole  = "any-of-role"
	StrategyRoundRobin = "round-robin"
	StrategyWorkload   = "workload"

	ApprovalTypes = SliceString{ApprovalTypeSingle, ApprovalTypeAny, ApprovalTypeAll, ApprovalTypeThreshold}
	Strategies    = SliceString{StrategyFixed, StrategyAnyOfRole, StrategyRoundRobin, StrategyWorkload}
)

type Stage struct {
	*models.Stage
	ContextObject
	PersistentObject
}

// IsMultiParty reports whether the stage needs a parallel coordination group.
func (s *Stage) IsMultiParty() bool {
	return s.ApprovalType != ApprovalTypeSingle
}

// Quorum returns the approval count the stage needs, given how many
// assignments were resolved. The integer minimum wins over the fractional
// threshold when both are configured.
func (s *Stage) Quorum(totalAssignments int) int {
	switch s.ApprovalType {
	case ApprovalTypeSingle, ApprovalTypeAny:
		return 1
	case ApprovalTypeAll:
		return totalAssignments
	}

	if s.MinimumApprovals > 0 {
		return s.MinimumApprovals
	}
	if s.ApprovalThreshold > 0 {
		quorum := int(s.ApprovalThreshold * float64(totalAssignments))
		if float64(quorum) < s.ApprovalThreshold*float64(totalAssignments) {
			quorum++
		}
		if quorum < 1 {
			quorum = 1
		}
		return quorum
	}
	return 1
}

func (s *Stage) Save(ctx *contextx.Context) error {
	if !s.IsCreated() {
		s.CreatedAt = time.Now().UTC()
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		s.UpdatedAt = s.CreatedAt
	} else {
		s.UpdatedAt = time.Now().UTC()
	}

	if err := s.GetDB(ctx).Save(s.Stage).Error; err != nil {
		return err
	}
	s.SetContext(ctx)
	s.SetCreated()
	return nil
}

func NewStage() *Stage {
	return &Stage{Stage: &models.Stage{}}
}

func NewStageFromDB(ctx *contextx.Context, stage *models.Stage) *Stage {
	if stage == nil {
		return nil
	}
	s := &Stage{Stage: stage}
	s.SetContext(ctx)
	s.SetCreated()
	return s
}

func QueryStages(ctx *contextx.Context, definitionID string) ([]*Stage, error) {
	var stages []*models.Stage

	err := GetDB(ctx).
		Where("deleted = 0 AND definition_id = ?", definitionID).
		Order("sequence").
		Find(&stages).Error
	if err != nil {
		return nil, err
	}

	var result []*Stage
	for _, stage := range stages {
		result = append(result, NewStageFromDB(ctx, stage))
	}
	return result, nil
}

func QueryStageByID(ctx *contextx.Context, id string) (*Stage, error) {
	var stage models.Stage

	err := GetDB(ctx).Where("deleted = 0 AND id = ?", id).First(&stage).Error
	if IsNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return NewStageFromDB(ctx, &stage), nil
}

func QueryStageBySequence(ctx *contextx.Context, definitionID string, sequence int) (*Stage, error) {
	var stage models.Stage

	err := GetDB(ctx).
		Where("deleted = 0 AND definition_id = ? AND sequence = ?", definitionID, sequence).
		First(&stage).Error
	if IsNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return NewStageFromDB(ctx, &stage), nil
}
