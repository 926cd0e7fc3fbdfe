package workflow

import (
	"testing"
	"time"

	"mesflow/app/objects"
	"mesflow/app/workflow/states"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func testInstance(definitionID string, context objects.Table) *objects.WorkflowInstance {
	instance := objects.NewWorkflowInstance()
	instance.ID = uuid.NewString()
	instance.DefinitionID = definitionID
	instance.EntityType = "batch-record"
	instance.EntityID = uuid.NewString()
	instance.Context = map[string]interface{}(context)
	return instance
}

func TestResolver_ExplicitUsersBeforeRoles(t *testing.T) {
	asserter := assert.New(t)
	ctx := testContext(t)
	resolver := NewAssignmentResolver(testProvider())

	stage := fixedStage(1, objects.ApprovalTypeAll, "alice")
	stage.Roles = []string{"quality-engineer"}
	stage.DefinitionID = uuid.NewString()

	candidates, err := resolver.Resolve(ctx, stage, testInstance(stage.DefinitionID, objects.Table{"site": "plant-a"}))
	asserter.NoError(err)
	if asserter.Len(candidates, 3) {
		asserter.Equal("alice", candidates[0].UserID)
		asserter.Equal("qe1", candidates[1].UserID)
		asserter.Equal("qe2", candidates[2].UserID)
	}
}

func TestResolver_SiteScopeFiltersRoleHolders(t *testing.T) {
	asserter := assert.New(t)
	ctx := testContext(t)
	resolver := NewAssignmentResolver(testProvider())

	stage := objects.NewStage()
	stage.Sequence = 1
	stage.ApprovalType = objects.ApprovalTypeAll
	stage.Roles = []string{"quality-engineer"}
	stage.Strategy = objects.StrategyFixed
	stage.DefinitionID = uuid.NewString()

	candidates, err := resolver.Resolve(ctx, stage, testInstance(stage.DefinitionID, objects.Table{"site": "plant-b"}))
	asserter.NoError(err)
	if asserter.Len(candidates, 1) {
		asserter.Equal("qe3", candidates[0].UserID)
		asserter.Equal("quality-engineer", candidates[0].Role)
	}
}

func TestResolver_RoundRobinRotates(t *testing.T) {
	asserter := assert.New(t)
	ctx := testContext(t)
	resolver := NewAssignmentResolver(testProvider())

	stage := fixedStage(1, objects.ApprovalTypeSingle, "u1", "u2", "u3")
	stage.Strategy = objects.StrategyRoundRobin
	stage.ID = uuid.NewString()
	stage.DefinitionID = uuid.NewString()
	instance := testInstance(stage.DefinitionID, nil)

	var picked []string
	for i := 0; i < 4; i++ {
		candidates, err := resolver.Resolve(ctx, stage, instance)
		asserter.NoError(err)
		if asserter.Len(candidates, 1) {
			picked = append(picked, candidates[0].UserID)
		}
	}
	asserter.Equal([]string{"u1", "u2", "u3", "u1"}, picked)
}

func TestResolver_WorkloadPicksLeastLoaded(t *testing.T) {
	asserter := assert.New(t)
	ctx := testContext(t)
	resolver := NewAssignmentResolver(testProvider())

	busy := "busy-" + uuid.NewString()[:8]
	idle := "idle-" + uuid.NewString()[:8]

	// Pre-load the busy user with an open assignment.
	open := objects.NewWorkflowAssignment()
	open.InstanceID = uuid.NewString()
	open.StageInstanceID = uuid.NewString()
	open.AssigneeID = busy
	open.Type = states.AssignmentDirect
	asserter.NoError(open.Save(ctx))

	stage := fixedStage(1, objects.ApprovalTypeSingle, busy, idle)
	stage.Strategy = objects.StrategyWorkload
	stage.ID = uuid.NewString()
	stage.DefinitionID = uuid.NewString()

	candidates, err := resolver.Resolve(ctx, stage, testInstance(stage.DefinitionID, nil))
	asserter.NoError(err)
	if asserter.Len(candidates, 1) {
		asserter.Equal(idle, candidates[0].UserID)
	}
}

func TestResolver_StandingDelegationSubstitutes(t *testing.T) {
	asserter := assert.New(t)
	ctx := testContext(t)
	resolver := NewAssignmentResolver(testProvider())

	delegator := "away-" + uuid.NewString()[:8]
	grant := objects.NewWorkflowDelegation()
	grant.DelegatorID = delegator
	grant.DelegateID = "stand-in"
	grant.StartsAt = time.Now().UTC().Add(-time.Hour)
	grant.ExpiresAt = time.Now().UTC().Add(time.Hour)
	asserter.NoError(grant.Save(ctx))

	stage := fixedStage(1, objects.ApprovalTypeSingle, delegator)
	stage.DefinitionID = uuid.NewString()

	candidates, err := resolver.Resolve(ctx, stage, testInstance(stage.DefinitionID, nil))
	asserter.NoError(err)
	if asserter.Len(candidates, 1) {
		asserter.Equal("stand-in", candidates[0].UserID)
		asserter.Equal(delegator, candidates[0].DelegatorID)
		asserter.Equal(states.AssignmentDelegated, candidates[0].Type)
	}
}

func TestResolver_ExpiredDelegationIgnored(t *testing.T) {
	asserter := assert.New(t)
	ctx := testContext(t)
	resolver := NewAssignmentResolver(testProvider())

	delegator := "back-" + uuid.NewString()[:8]
	grant := objects.NewWorkflowDelegation()
	grant.DelegatorID = delegator
	grant.DelegateID = "stand-in"
	grant.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	asserter.NoError(grant.Save(ctx))

	stage := fixedStage(1, objects.ApprovalTypeSingle, delegator)
	stage.DefinitionID = uuid.NewString()

	candidates, err := resolver.Resolve(ctx, stage, testInstance(stage.DefinitionID, nil))
	asserter.NoError(err)
	if asserter.Len(candidates, 1) {
		asserter.Equal(delegator, candidates[0].UserID)
		asserter.Equal(states.AssignmentDirect, candidates[0].Type)
	}
}

func TestResolver_NoCandidates(t *testing.T) {
	asserter := assert.New(t)
	ctx := testContext(t)
	resolver := NewAssignmentResolver(testProvider())

	stage := objects.NewStage()
	stage.Sequence = 1
	stage.ApprovalType = objects.ApprovalTypeSingle
	stage.Strategy = objects.StrategyFixed
	stage.DefinitionID = uuid.NewString()

	_, err := resolver.Resolve(ctx, stage, testInstance(stage.DefinitionID, nil))
	asserter.ErrorIs(err, objects.ErrNoEligibleApprover)
}

