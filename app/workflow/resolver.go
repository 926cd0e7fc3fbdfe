package workflow

import (
	"time"

	"mesflow/app/identity"
	"mesflow/app/objects"
	"mesflow/app/workflow/states"
	"mesflow/pkg/contextx"
	"mesflow/pkg/log"
)

// Candidate is one approver computed for a stage instance, before the
// assignment row exists.
type Candidate struct {
	UserID string
	Role   string

	// Type is direct unless a standing delegation substituted the user.
	Type             string
	DelegatorID      string
	DelegationExpiry time.Time
}

type AssignmentResolver struct {
	identity identity.Provider
}

func NewAssignmentResolver(provider identity.Provider) *AssignmentResolver {
	return &AssignmentResolver{identity: provider}
}

// Resolve computes the concrete approver set for a stage: explicit users
// first, then role holders filtered by the instance's site scope, then the
// strategy trims cardinality, then active delegations substitute in place.
func (r *AssignmentResolver) Resolve(ctx *contextx.Context, stage *objects.Stage, instance *objects.WorkflowInstance) ([]Candidate, error) {
	var candidates []Candidate
	seen := map[string]bool{}

	for _, userID := range stage.Users {
		if !seen[userID] {
			seen[userID] = true
			candidates = append(candidates, Candidate{UserID: userID, Type: states.AssignmentDirect})
		}
	}

	scope := ""
	if site, ok := instance.Context["site"]; ok {
		scope, _ = site.(string)
	}
	for _, role := range stage.Roles {
		users, err := r.identity.ResolveRole(role, scope)
		if err != nil {
			log.Warnf(ctx, "role '%s' resolution failed for stage %d, error: %s", role, stage.Sequence, err.Error())
			continue
		}
		for _, userID := range users {
			if !seen[userID] {
				seen[userID] = true
				candidates = append(candidates, Candidate{UserID: userID, Role: role, Type: states.AssignmentDirect})
			}
		}
	}

	candidates, err := r.applyStrategy(ctx, stage, candidates)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, objects.ErrNoEligibleApprover
	}

	return r.substituteDelegations(ctx, instance, candidates)
}

func (r *AssignmentResolver) applyStrategy(ctx *contextx.Context, stage *objects.Stage, candidates []Candidate) ([]Candidate, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	switch stage.Strategy {
	case objects.StrategyFixed, objects.StrategyAnyOfRole:
		return candidates, nil

	case objects.StrategyRoundRobin:
		index, err := objects.NextRotationIndex(ctx, stage.DefinitionID, stage.ID, len(candidates))
		if err != nil {
			return nil, err
		}
		return []Candidate{candidates[index]}, nil

	case objects.StrategyWorkload:
		best := 0
		bestCount := int64(-1)
		for i, c := range candidates {
			count, err := objects.CountOpenAssignments(ctx, c.UserID)
			if err != nil {
				return nil, err
			}
			if bestCount < 0 || count < bestCount || (count == bestCount && c.UserID < candidates[best].UserID) {
				best = i
				bestCount = count
			}
		}
		return []Candidate{candidates[best]}, nil
	}
	return candidates, nil
}

// substituteDelegations swaps every candidate with an active matching grant
// for their delegate. The substituted assignment still records who it came
// from so the audit trail stays intact.
func (r *AssignmentResolver) substituteDelegations(ctx *contextx.Context, instance *objects.WorkflowInstance, candidates []Candidate) ([]Candidate, error) {
	now := time.Now().UTC()

	for i, c := range candidates {
		grants, err := objects.QueryActiveDelegationsByDelegator(ctx, c.UserID, now)
		if err != nil {
			return nil, err
		}
		for _, grant := range grants {
			if !grant.CoversAt(now, instance.DefinitionID, instance.EntityType) {
				continue
			}
			log.Debugf(ctx, "substituting delegate '%s' for '%s' [grant=%s]", grant.DelegateID, c.UserID, grant.ID)
			candidates[i].DelegatorID = c.UserID
			candidates[i].UserID = grant.DelegateID
			candidates[i].Type = states.AssignmentDelegated
			candidates[i].DelegationExpiry = grant.ExpiresAt
			break
		}
	}
	return candidates, nil
}
