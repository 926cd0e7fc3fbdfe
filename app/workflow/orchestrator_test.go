package workflow

import (
	"testing"
	"time"

	"mesflow/app/objects"
	"mesflow/app/workflow/states"

	"github.com/stretchr/testify/assert"
)

func TestEngine_SingleApproverHappyPath(t *testing.T) {
	asserter := assert.New(t)
	ctx := testContext(t)
	store, engine := testEngine(testProvider())

	def := publish(t, ctx, store, []*objects.Stage{
		fixedStage(1, objects.ApprovalTypeSingle, "alice"),
		fixedStage(2, objects.ApprovalTypeSingle, "bob"),
	}, nil)

	instance := startInstance(t, ctx, engine, def, nil)
	asserter.Equal(states.ACTIVE, instance.Status)
	asserter.Equal(1, instance.CurrentStage)

	outcome := decide(t, ctx, engine, instance.ID, "alice", states.DecisionApprove)
	asserter.True(outcome.Decided)
	asserter.Equal(states.OutcomeApproved, outcome.Outcome)

	instance = reload(t, ctx, instance.ID)
	asserter.Equal(states.ACTIVE, instance.Status)
	asserter.Equal(2, instance.CurrentStage)

	outcome = decide(t, ctx, engine, instance.ID, "bob", states.DecisionApprove)
	asserter.True(outcome.Decided)

	instance = reload(t, ctx, instance.ID)
	asserter.Equal(states.COMPLETED, instance.Status)
	asserter.False(instance.CompletedAt.IsZero())
}

func TestEngine_SingleRejectTerminates(t *testing.T) {
	asserter := assert.New(t)
	ctx := testContext(t)
	store, engine := testEngine(testProvider())

	def := publish(t, ctx, store, []*objects.Stage{
		fixedStage(1, objects.ApprovalTypeSingle, "alice"),
		fixedStage(2, objects.ApprovalTypeSingle, "bob"),
	}, nil)

	instance := startInstance(t, ctx, engine, def, nil)
	outcome := decide(t, ctx, engine, instance.ID, "alice", states.DecisionReject)
	asserter.Equal(states.OutcomeRejected, outcome.Outcome)

	instance = reload(t, ctx, instance.ID)
	asserter.Equal(states.REJECTED, instance.Status)

	// Stage 2 never activated.
	stageInstances, err := instance.GetStageInstances(ctx)
	asserter.NoError(err)
	asserter.Len(stageInstances, 1)
}

func TestEngine_DefinitionLockedByFirstInstance(t *testing.T) {
	asserter := assert.New(t)
	ctx := testContext(t)
	store, engine := testEngine(testProvider())

	def := publish(t, ctx, store, []*objects.Stage{
		fixedStage(1, objects.ApprovalTypeSingle, "alice"),
	}, nil)
	startInstance(t, ctx, engine, def, nil)

	err := store.UpdateDefinition(ctx, def, []*objects.Stage{
		fixedStage(1, objects.ApprovalTypeSingle, "bob"),
	}, nil)
	asserter.ErrorIs(err, objects.ErrDefinitionLocked)
}

func TestEngine_SkipRule(t *testing.T) {
	asserter := assert.New(t)
	ctx := testContext(t)
	store, engine := testEngine(testProvider())

	skippable := fixedStage(1, objects.ApprovalTypeSingle, "alice")
	skippable.AllowSkip = true

	rule := objects.NewWorkflowRule()
	rule.Name = "skip-low-risk"
	rule.TriggerPoint = objects.TriggerStageEntry
	rule.Field = "risk"
	rule.Operator = objects.OperatorEq
	rule.SetConditionValue("low")
	rule.Action = objects.RuleActionSkip

	def := publish(t, ctx, store, []*objects.Stage{
		skippable,
		fixedStage(2, objects.ApprovalTypeSingle, "bob"),
	}, []*objects.WorkflowRule{rule})

	instance := startInstance(t, ctx, engine, def, objects.Table{"risk": "low"})
	asserter.Equal(2, instance.CurrentStage)

	stageInstances, err := instance.GetStageInstances(ctx)
	asserter.NoError(err)
	if asserter.Len(stageInstances, 2) {
		asserter.Equal(states.SKIPPED, stageInstances[0].Status)
		asserter.Equal(states.ACTIVE, stageInstances[1].Status)
	}
}

func TestEngine_SkipRuleIgnoredWhenStageDisallowsIt(t *testing.T) {
	asserter := assert.New(t)
	ctx := testContext(t)
	store, engine := testEngine(testProvider())

	rule := objects.NewWorkflowRule()
	rule.Name = "skip-everything"
	rule.TriggerPoint = objects.TriggerStageEntry
	rule.Field = "risk"
	rule.Operator = objects.OperatorEq
	rule.SetConditionValue("low")
	rule.Action = objects.RuleActionSkip

	def := publish(t, ctx, store, []*objects.Stage{
		fixedStage(1, objects.ApprovalTypeSingle, "alice"),
	}, []*objects.WorkflowRule{rule})

	instance := startInstance(t, ctx, engine, def, objects.Table{"risk": "low"})
	asserter.Equal(1, instance.CurrentStage)
	asserter.Equal(states.ACTIVE, instance.Status)
}

func TestEngine_TerminateRuleRejectsBeforeAssignment(t *testing.T) {
	asserter := assert.New(t)
	ctx := testContext(t)
	store, engine := testEngine(testProvider())

	rule := objects.NewWorkflowRule()
	rule.Name = "block-obsolete"
	rule.TriggerPoint = objects.TriggerStageEntry
	rule.Field = "obsolete"
	rule.Operator = objects.OperatorEq
	rule.SetConditionValue(true)
	rule.Action = objects.RuleActionTerminate

	def := publish(t, ctx, store, []*objects.Stage{
		fixedStage(1, objects.ApprovalTypeSingle, "alice"),
	}, []*objects.WorkflowRule{rule})

	instance := startInstance(t, ctx, engine, def, objects.Table{"obsolete": true})
	asserter.Equal(states.REJECTED, instance.Status)

	pending, err := instance.GetPendingAssignments(ctx)
	asserter.NoError(err)
	asserter.Empty(pending)
}

func TestEngine_RouteRuleOnExit(t *testing.T) {
	asserter := assert.New(t)
	ctx := testContext(t)
	store, engine := testEngine(testProvider())

	rule := objects.NewWorkflowRule()
	rule.Name = "fast-track"
	rule.TriggerPoint = objects.TriggerStageExit
	rule.Field = "fast_track"
	rule.Operator = objects.OperatorEq
	rule.SetConditionValue(true)
	rule.Action = objects.RuleActionRoute
	rule.TargetStage = 3

	def := publish(t, ctx, store, []*objects.Stage{
		fixedStage(1, objects.ApprovalTypeSingle, "alice"),
		fixedStage(2, objects.ApprovalTypeSingle, "bob"),
		fixedStage(3, objects.ApprovalTypeSingle, "carol"),
	}, []*objects.WorkflowRule{rule})

	instance := startInstance(t, ctx, engine, def, objects.Table{"fast_track": true})
	decide(t, ctx, engine, instance.ID, "alice", states.DecisionApprove)

	instance = reload(t, ctx, instance.ID)
	asserter.Equal(3, instance.CurrentStage)

	// The route fired once; finishing stage 3 must not re-route into it.
	decide(t, ctx, engine, instance.ID, "carol", states.DecisionApprove)
	instance = reload(t, ctx, instance.ID)
	asserter.Equal(states.COMPLETED, instance.Status)
}

func TestEngine_CancelVoidsAssignments(t *testing.T) {
	asserter := assert.New(t)
	ctx := testContext(t)
	store, engine := testEngine(testProvider())

	def := publish(t, ctx, store, []*objects.Stage{
		fixedStage(1, objects.ApprovalTypeAll, "alice", "bob"),
	}, nil)

	instance := startInstance(t, ctx, engine, def, nil)
	err := engine.CancelInstance(ctx, instance.ID, "supervisor", "entity withdrawn")
	asserter.NoError(err)

	instance = reload(t, ctx, instance.ID)
	asserter.Equal(states.CANCELLED, instance.Status)

	pending, err := instance.GetPendingAssignments(ctx)
	asserter.NoError(err)
	asserter.Empty(pending)

	// Terminal instances reject further transitions.
	err = engine.CancelInstance(ctx, instance.ID, "supervisor", "again")
	asserter.ErrorIs(err, objects.ErrInstanceTerminal)

	_, err = engine.SubmitDecision(ctx, DecisionRequest{
		InstanceID:   instance.ID,
		AssignmentID: "whatever",
		ActorID:      "alice",
		Action:       states.DecisionApprove,
	})
	asserter.ErrorIs(err, objects.ErrInstanceTerminal)
}

func TestEngine_DelegationRoundTrip(t *testing.T) {
	asserter := assert.New(t)
	ctx := testContext(t)
	store, engine := testEngine(testProvider())

	def := publish(t, ctx, store, []*objects.Stage{
		fixedStage(1, objects.ApprovalTypeSingle, "alice"),
	}, nil)

	instance := startInstance(t, ctx, engine, def, nil)
	assignment := pendingFor(t, ctx, instance.ID, "alice")

	_, err := engine.SubmitDecision(ctx, DecisionRequest{
		InstanceID:   instance.ID,
		AssignmentID: assignment.ID,
		ActorID:      "alice",
		Action:       states.DecisionDelegate,
		DelegateTo:   "dave",
		Comments:     "on leave",
	})
	asserter.NoError(err)

	// The original assignment is settled; dave holds the live one.
	replacement := pendingFor(t, ctx, instance.ID, "dave")
	asserter.Equal(states.AssignmentDelegated, replacement.Type)
	asserter.Equal(assignment.ID, replacement.SourceAssignmentID)

	decide(t, ctx, engine, instance.ID, "dave", states.DecisionApprove)
	instance = reload(t, ctx, instance.ID)
	asserter.Equal(states.COMPLETED, instance.Status)
}

func TestEngine_DelegateAssignmentDirect(t *testing.T) {
	asserter := assert.New(t)
	ctx := testContext(t)
	store, engine := testEngine(testProvider())

	def := publish(t, ctx, store, []*objects.Stage{
		fixedStage(1, objects.ApprovalTypeSingle, "alice"),
	}, nil)

	instance := startInstance(t, ctx, engine, def, nil)
	assignment := pendingFor(t, ctx, instance.ID, "alice")

	replacement, err := engine.DelegateAssignment(ctx, instance.ID, assignment.ID, "alice", "dave", "on leave", time.Time{})
	asserter.NoError(err)
	asserter.Equal("dave", replacement.AssigneeID)

	// Only the current assignee may hand off their assignment.
	_, err = engine.DelegateAssignment(ctx, instance.ID, replacement.ID, "mallory", "eve", "", time.Time{})
	asserter.ErrorIs(err, objects.ErrNotAssignee)
}

func TestEngine_DelegateOnSettledStageRejected(t *testing.T) {
	asserter := assert.New(t)
	ctx := testContext(t)
	store, engine := testEngine(testProvider())

	stage := fixedStage(1, objects.ApprovalTypeThreshold, "alice", "bob", "carol")
	stage.MinimumApprovals = 2
	def := publish(t, ctx, store, []*objects.Stage{
		stage,
		fixedStage(2, objects.ApprovalTypeSingle, "dave"),
	}, nil)
	instance := startInstance(t, ctx, engine, def, nil)

	decide(t, ctx, engine, instance.ID, "alice", states.DecisionApprove)
	outcome := decide(t, ctx, engine, instance.ID, "bob", states.DecisionApprove)
	asserter.True(outcome.Decided)

	// Carol's assignment outlived the settled stage; it must not spawn a
	// live replacement there.
	leftover := pendingFor(t, ctx, instance.ID, "carol")
	_, err := engine.DelegateAssignment(ctx, instance.ID, leftover.ID, "carol", "eve", "", time.Time{})
	asserter.ErrorIs(err, objects.ErrInstanceNotActive)

	_, err = engine.SubmitDecision(ctx, DecisionRequest{
		InstanceID:   instance.ID,
		AssignmentID: leftover.ID,
		ActorID:      "carol",
		Action:       states.DecisionDelegate,
		DelegateTo:   "eve",
	})
	asserter.ErrorIs(err, objects.ErrInstanceNotActive)
}

func TestEngine_DelegationDeniedByStage(t *testing.T) {
	asserter := assert.New(t)
	ctx := testContext(t)
	store, engine := testEngine(testProvider())

	stage := fixedStage(1, objects.ApprovalTypeSingle, "alice")
	stage.AllowDelegation = false
	def := publish(t, ctx, store, []*objects.Stage{stage}, nil)

	instance := startInstance(t, ctx, engine, def, nil)
	assignment := pendingFor(t, ctx, instance.ID, "alice")

	_, err := engine.SubmitDecision(ctx, DecisionRequest{
		InstanceID:   instance.ID,
		AssignmentID: assignment.ID,
		ActorID:      "alice",
		Action:       states.DecisionDelegate,
		DelegateTo:   "dave",
	})
	asserter.ErrorIs(err, objects.ErrDelegationDenied)
}

func TestEngine_SignatureRequired(t *testing.T) {
	asserter := assert.New(t)
	ctx := testContext(t)
	store, engine := testEngine(testProvider())

	stage := fixedStage(1, objects.ApprovalTypeSingle, "alice")
	stage.RequireSignature = true
	def := publish(t, ctx, store, []*objects.Stage{stage}, nil)

	instance := startInstance(t, ctx, engine, def, nil)
	assignment := pendingFor(t, ctx, instance.ID, "alice")

	_, err := engine.SubmitDecision(ctx, DecisionRequest{
		InstanceID:   instance.ID,
		AssignmentID: assignment.ID,
		ActorID:      "alice",
		Action:       states.DecisionApprove,
	})
	asserter.ErrorIs(err, objects.ErrSignatureRequired)

	_, err = engine.SubmitDecision(ctx, DecisionRequest{
		InstanceID:   instance.ID,
		AssignmentID: assignment.ID,
		ActorID:      "alice",
		Action:       states.DecisionApprove,
		SignatureRef: "sig-0001",
	})
	asserter.NoError(err)

	instance = reload(t, ctx, instance.ID)
	asserter.Equal(states.COMPLETED, instance.Status)
}

func TestEngine_HistoryIsOrderedAndComplete(t *testing.T) {
	asserter := assert.New(t)
	ctx := testContext(t)
	store, engine := testEngine(testProvider())

	def := publish(t, ctx, store, []*objects.Stage{
		fixedStage(1, objects.ApprovalTypeSingle, "alice"),
	}, nil)

	instance := startInstance(t, ctx, engine, def, nil)
	decide(t, ctx, engine, instance.ID, "alice", states.DecisionApprove)

	events, err := engine.GetHistory(ctx, instance.ID)
	asserter.NoError(err)

	var types []string
	for _, event := range events {
		types = append(types, event.EventType)
	}
	asserter.Contains(types, objects.EventInstanceCreated)
	asserter.Contains(types, objects.EventStageActivated)
	asserter.Contains(types, objects.EventAssignmentCreated)
	asserter.Contains(types, objects.EventDecisionRecorded)
	asserter.Contains(types, objects.EventStageCompleted)
	asserter.Contains(types, objects.EventInstanceCompleted)
}

func TestEngine_ExpiryWithEscalationTargetParksInstance(t *testing.T) {
	asserter := assert.New(t)
	ctx := testContext(t)
	store, engine := testEngine(testProvider())

	stage := fixedStage(1, objects.ApprovalTypeSingle, "alice")
	stage.DeadlineHours = 1
	stage.EscalationTarget = "qa-lead"
	def := publish(t, ctx, store, []*objects.Stage{
		stage,
		fixedStage(2, objects.ApprovalTypeSingle, "bob"),
	}, nil)

	instance := startInstance(t, ctx, engine, def, nil)
	stageInstance, err := objects.QueryActiveStageInstance(ctx, instance.ID)
	asserter.NoError(err)

	err = engine.HandleStageExpiry(ctx, stageInstance)
	asserter.NoError(err)

	instance = reload(t, ctx, instance.ID)
	asserter.Equal(states.ACTIVE, instance.Status)
	asserter.True(instance.EscalationRequired)

	pending, err := instance.GetPendingAssignments(ctx)
	asserter.NoError(err)
	asserter.Empty(pending)

	// Decisions are frozen while parked.
	stageInstances, err := instance.GetStageInstances(ctx)
	asserter.NoError(err)
	asserter.Equal(states.EXPIRED, stageInstances[0].Status)
	asserter.Equal(states.OutcomeEscalated, stageInstances[0].Outcome)

	// Approve resolution moves on to stage 2.
	err = engine.ResolveEscalation(ctx, instance.ID, "qa-lead", ResolutionApprove, "late but fine")
	asserter.NoError(err)

	instance = reload(t, ctx, instance.ID)
	asserter.False(instance.EscalationRequired)
	asserter.Equal(2, instance.CurrentStage)
}

func TestEngine_ExpiryWithoutEscalationTargetParksInstance(t *testing.T) {
	asserter := assert.New(t)
	ctx := testContext(t)
	store, engine := testEngine(testProvider())

	stage := fixedStage(1, objects.ApprovalTypeSingle, "alice")
	stage.DeadlineHours = 24
	def := publish(t, ctx, store, []*objects.Stage{stage}, nil)

	instance := startInstance(t, ctx, engine, def, nil)
	stageInstance, err := objects.QueryActiveStageInstance(ctx, instance.ID)
	asserter.NoError(err)

	err = engine.HandleStageExpiry(ctx, stageInstance)
	asserter.NoError(err)

	// A timed-out stage halts the instance for manual resolution, same as an
	// escalated one; it never terminates on its own.
	instance = reload(t, ctx, instance.ID)
	asserter.Equal(states.ACTIVE, instance.Status)
	asserter.True(instance.EscalationRequired)

	stageInstances, err := instance.GetStageInstances(ctx)
	asserter.NoError(err)
	asserter.Equal(states.EXPIRED, stageInstances[0].Status)
	asserter.Equal(states.OutcomeTimedOut, stageInstances[0].Outcome)

	asserter.NoError(engine.ResolveEscalation(ctx, instance.ID, "qa-lead", ResolutionReject, "nobody answered"))
	instance = reload(t, ctx, instance.ID)
	asserter.Equal(states.REJECTED, instance.Status)
}

func TestEngine_ResolveEscalationReactivate(t *testing.T) {
	asserter := assert.New(t)
	ctx := testContext(t)
	store, engine := testEngine(testProvider())

	stage := fixedStage(1, objects.ApprovalTypeSingle, "alice")
	stage.DeadlineHours = 1
	stage.EscalationTarget = "qa-lead"
	def := publish(t, ctx, store, []*objects.Stage{stage}, nil)

	instance := startInstance(t, ctx, engine, def, nil)
	stageInstance, err := objects.QueryActiveStageInstance(ctx, instance.ID)
	asserter.NoError(err)
	asserter.NoError(engine.HandleStageExpiry(ctx, stageInstance))

	err = engine.ResolveEscalation(ctx, instance.ID, "qa-lead", ResolutionReactivate, "rerun")
	asserter.NoError(err)

	// A fresh stage instance with fresh assignments.
	assignment := pendingFor(t, ctx, instance.ID, "alice")
	asserter.NotEmpty(assignment.ID)

	decide(t, ctx, engine, instance.ID, "alice", states.DecisionApprove)
	instance = reload(t, ctx, instance.ID)
	asserter.Equal(states.COMPLETED, instance.Status)
}

func TestEngine_ResolveEscalationOnHealthyInstance(t *testing.T) {
	asserter := assert.New(t)
	ctx := testContext(t)
	store, engine := testEngine(testProvider())

	def := publish(t, ctx, store, []*objects.Stage{
		fixedStage(1, objects.ApprovalTypeSingle, "alice"),
	}, nil)
	instance := startInstance(t, ctx, engine, def, nil)

	err := engine.ResolveEscalation(ctx, instance.ID, "qa-lead", ResolutionApprove, "")
	asserter.ErrorIs(err, objects.ErrNotEscalated)
}

func TestEngine_NoEligibleApprover(t *testing.T) {
	asserter := assert.New(t)
	ctx := testContext(t)
	store, engine := testEngine(testProvider())

	stage := objects.NewStage()
	stage.Sequence = 1
	stage.Name = "stage-1"
	stage.ApprovalType = objects.ApprovalTypeSingle
	stage.Roles = []string{"quality-engineer"}
	stage.Strategy = objects.StrategyAnyOfRole
	def := publish(t, ctx, store, []*objects.Stage{stage}, nil)

	// No quality engineer exists at plant-c.
	instance, err := engine.CreateInstance(ctx, CreateRequest{
		DefinitionID: def.ID,
		EntityType:   "batch-record",
		EntityID:     "b-1",
		Context:      objects.Table{"site": "plant-c"},
	})
	asserter.ErrorIs(err, objects.ErrNoEligibleApprover)

	// The parked instance is still handed back so it can be resolved.
	if asserter.NotNil(instance) {
		reloaded := reload(t, ctx, instance.ID)
		asserter.Equal(states.ACTIVE, reloaded.Status)
		asserter.True(reloaded.EscalationRequired)
	}
}
