package workflow

import (
	"fmt"
	"time"

	"mesflow/app/notify"
	"mesflow/app/objects"
	"mesflow/app/workflow/states"
	"mesflow/pkg/contextx"
	"mesflow/pkg/log"
)

// StageOutcome is what the coordinator reports back to the orchestrator
// after a decision or an expiry. Decided stays false while the stage is
// still collecting decisions.
type StageOutcome struct {
	Decided bool
	Outcome string
	Detail  objects.Table
}

// StageCoordinator drives one stage instance through its lifecycle: it
// creates assignments, collects decisions, applies quorum logic and settles
// the stage outcome. Stage-to-stage advancement belongs to the orchestrator.
type StageCoordinator struct {
	resolver *AssignmentResolver
	notifier notify.Notifier
}

func NewStageCoordinator(resolver *AssignmentResolver, notifier notify.Notifier) *StageCoordinator {
	return &StageCoordinator{
		resolver: resolver,
		notifier: notifier,
	}
}

// ActivateStage creates the stage instance, resolves approvers and opens one
// assignment per candidate. Multi-party stages get a coordination group with
// the configured completion rule.
func (c *StageCoordinator) ActivateStage(ctx *contextx.Context, instance *objects.WorkflowInstance, stage *objects.Stage) (*objects.WorkflowStageInstance, error) {
	now := time.Now().UTC()

	stageInstance := objects.NewWorkflowStageInstance()
	stageInstance.InstanceID = instance.ID
	stageInstance.StageID = stage.ID
	stageInstance.Sequence = stage.Sequence
	stageInstance.Status = states.ACTIVE
	stageInstance.StartedAt = now
	if stage.DeadlineHours > 0 {
		stageInstance.DeadlineAt = now.Add(time.Duration(stage.DeadlineHours) * time.Hour)
	}

	candidates, err := c.resolver.Resolve(ctx, stage, instance)
	if err != nil {
		return nil, err
	}

	err = objects.Transaction(ctx, func(subCtx *contextx.Context) error {
		if err := stageInstance.Save(subCtx); err != nil {
			return err
		}

		err := objects.RecordHistory(subCtx, instance.ID, objects.EventStageActivated, states.PENDING, states.ACTIVE, "", objects.Table{
			"stage":          stage.Sequence,
			"stage_instance": stageInstance.ID,
		})
		if err != nil {
			return err
		}

		for _, candidate := range candidates {
			assignment := objects.NewWorkflowAssignment()
			assignment.InstanceID = instance.ID
			assignment.StageInstanceID = stageInstance.ID
			assignment.AssigneeID = candidate.UserID
			assignment.AssigneeRole = candidate.Role
			assignment.Type = candidate.Type
			assignment.SourceAssignmentID = ""
			assignment.DelegationExpiry = candidate.DelegationExpiry
			assignment.DueAt = assignmentDue(stage, stageInstance.DeadlineAt, now)
			if err := assignment.Save(subCtx); err != nil {
				return err
			}

			detail := objects.Table{
				"assignment_id": assignment.ID,
				"assignee":      assignment.AssigneeID,
				"stage":         stage.Sequence,
				"type":          assignment.Type,
			}
			if candidate.DelegatorID != "" {
				detail["delegator"] = candidate.DelegatorID
			}
			err := objects.RecordHistory(subCtx, instance.ID, objects.EventAssignmentCreated, "", states.DecisionPending, "", detail)
			if err != nil {
				return err
			}
		}

		if stage.IsMultiParty() {
			coordination := objects.NewWorkflowParallelCoordination()
			coordination.StageInstanceID = stageInstance.ID
			coordination.CompletionRule = completionRule(stage)
			coordination.Threshold = stage.Quorum(len(candidates))
			coordination.TotalCount = len(candidates)
			if err := coordination.Save(subCtx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, candidate := range candidates {
		c.notifier.Emit(ctx, notify.Event{
			Type:          notify.EventAssignmentCreated,
			InstanceID:    instance.ID,
			EntityType:    instance.EntityType,
			EntityID:      instance.EntityID,
			StageSequence: stage.Sequence,
			Assignee:      candidate.UserID,
		})
	}

	log.Infof(ctx, "stage %d activated with %d assignments [instance=%s]", stage.Sequence, len(candidates), instance.ID)
	return stageInstance, nil
}

// SkipStage settles a stage without assignments when an entry rule says so.
func (c *StageCoordinator) SkipStage(ctx *contextx.Context, instance *objects.WorkflowInstance, stage *objects.Stage, ruleID string) (*objects.WorkflowStageInstance, error) {
	now := time.Now().UTC()

	stageInstance := objects.NewWorkflowStageInstance()
	stageInstance.InstanceID = instance.ID
	stageInstance.StageID = stage.ID
	stageInstance.Sequence = stage.Sequence
	stageInstance.Status = states.SKIPPED
	stageInstance.StartedAt = now
	stageInstance.CompletedAt = now

	err := objects.Transaction(ctx, func(subCtx *contextx.Context) error {
		if err := stageInstance.Save(subCtx); err != nil {
			return err
		}
		return objects.RecordHistory(subCtx, instance.ID, objects.EventStageSkipped, states.PENDING, states.SKIPPED, "", objects.Table{
			"stage": stage.Sequence,
			"rule":  ruleID,
		})
	})
	if err != nil {
		return nil, err
	}
	return stageInstance, nil
}

// SubmitDecision records one approver's decision exactly once and evaluates
// quorum under the stage's coordination lock.
func (c *StageCoordinator) SubmitDecision(ctx *contextx.Context, instance *objects.WorkflowInstance, stage *objects.Stage, stageInstance *objects.WorkflowStageInstance, assignment *objects.WorkflowAssignment, actorID, action, comments, signatureRef string) (*StageOutcome, error) {
	if !states.IsInstanceActive(instance.Status) || instance.EscalationRequired {
		return nil, objects.ErrInstanceNotActive
	}
	if stageInstance.Status != states.ACTIVE {
		return nil, objects.ErrInstanceNotActive
	}
	if assignment.AssigneeID != actorID {
		return nil, objects.ErrNotAssignee
	}
	if !states.IsValidDecision(action) {
		return nil, fmt.Errorf("invalid decision action '%s'", action)
	}
	if !assignment.IsPending() {
		return nil, objects.ErrAlreadyDecided
	}
	if action == states.DecisionDelegate {
		// Delegation carries a target and goes through Delegate.
		return nil, objects.ErrDelegationDenied
	}
	if action == states.DecisionApprove && stage.RequireSignature && signatureRef == "" {
		return nil, objects.ErrSignatureRequired
	}

	outcome := &StageOutcome{}
	lockName := fmt.Sprintf("coordination:%s", stageInstance.ID)

	err := objects.WithNamedLock(lockName, func() error {
		return objects.Transaction(ctx, func(subCtx *contextx.Context) error {
			if err := assignment.RecordDecision(subCtx, action, comments, signatureRef); err != nil {
				return err
			}

			err := objects.RecordHistory(subCtx, instance.ID, objects.EventDecisionRecorded, states.DecisionPending, action, actorID, objects.Table{
				"assignment_id": assignment.ID,
				"stage":         stage.Sequence,
				"comments":      comments,
			})
			if err != nil {
				return err
			}

			result, err := c.evaluateQuorum(subCtx, stage, stageInstance, assignment, action)
			if err != nil {
				return err
			}
			*outcome = *result
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if outcome.Decided {
		c.notifier.Emit(ctx, notify.Event{
			Type:          notify.EventStageCompleted,
			InstanceID:    instance.ID,
			EntityType:    instance.EntityType,
			EntityID:      instance.EntityID,
			StageSequence: stage.Sequence,
			Detail:        outcome.Detail,
		})
	}
	return outcome, nil
}

// evaluateQuorum updates coordination counters and checks the completion
// rule. Runs inside the coordination lock and the surrounding transaction.
func (c *StageCoordinator) evaluateQuorum(ctx *contextx.Context, stage *objects.Stage, stageInstance *objects.WorkflowStageInstance, assignment *objects.WorkflowAssignment, action string) (*StageOutcome, error) {
	if !stage.IsMultiParty() {
		return c.settleSingle(ctx, stageInstance, assignment, action)
	}

	coordination, err := objects.QueryCoordinationByStageInstance(ctx, stageInstance.ID)
	if err != nil {
		return nil, err
	}
	if coordination == nil {
		return nil, fmt.Errorf("stage instance %s has no coordination group", stageInstance.ID)
	}
	if coordination.Completed {
		// Late decisions after the boundary are recorded but change nothing.
		return &StageOutcome{}, nil
	}

	switch action {
	case states.DecisionApprove:
		coordination.CompletedCount++
		coordination.ApprovedCount++
	case states.DecisionReject:
		coordination.CompletedCount++
		coordination.RejectedCount++
	case states.DecisionAbstain:
		// Abstention shrinks the countable pool.
		coordination.TotalCount--
	case states.DecisionDelegate:
		// The replacement assignment re-enters the pool as pending, so the
		// counters stay put.
	}

	decision := groupDecision(coordination)
	if decision != "" {
		coordination.GroupDecision = decision
		coordination.Completed = true
	}
	if err := coordination.Save(ctx); err != nil {
		return nil, err
	}

	if !coordination.Completed {
		return &StageOutcome{}, nil
	}

	outcome := states.OutcomeApproved
	if decision == states.OutcomeRejected {
		outcome = states.OutcomeRejected
	}
	detail := objects.Table{
		"rule":      coordination.CompletionRule,
		"threshold": coordination.Threshold,
		"approved":  coordination.ApprovedCount,
		"rejected":  coordination.RejectedCount,
		"total":     coordination.TotalCount,
	}
	if err := c.completeStage(ctx, stageInstance, outcome, detail); err != nil {
		return nil, err
	}
	return &StageOutcome{Decided: true, Outcome: outcome, Detail: detail}, nil
}

func (c *StageCoordinator) settleSingle(ctx *contextx.Context, stageInstance *objects.WorkflowStageInstance, assignment *objects.WorkflowAssignment, action string) (*StageOutcome, error) {
	var outcome string
	switch action {
	case states.DecisionApprove:
		outcome = states.OutcomeApproved
	case states.DecisionReject:
		outcome = states.OutcomeRejected
	case states.DecisionAbstain:
		// A lone approver abstaining leaves nobody to approve.
		outcome = states.OutcomeRejected
	case states.DecisionDelegate:
		return &StageOutcome{}, nil
	}

	detail := objects.Table{"assignment_id": assignment.ID, "decision": action}
	if err := c.completeStage(ctx, stageInstance, outcome, detail); err != nil {
		return nil, err
	}
	return &StageOutcome{Decided: true, Outcome: outcome, Detail: detail}, nil
}

// groupDecision returns approved/rejected when the rule is satisfied or can
// no longer be satisfied, else "".
func groupDecision(coordination *objects.WorkflowParallelCoordination) string {
	// Everyone abstained: nobody is left to approve.
	if coordination.TotalCount <= 0 {
		return states.OutcomeRejected
	}

	switch coordination.CompletionRule {
	case states.RuleAll:
		if coordination.RejectedCount > 0 {
			return states.OutcomeRejected
		}
		if coordination.CompletedCount >= coordination.TotalCount {
			return states.OutcomeApproved
		}
	case states.RuleAny:
		if coordination.ApprovedCount > 0 {
			return states.OutcomeApproved
		}
		if coordination.CompletedCount >= coordination.TotalCount {
			return states.OutcomeRejected
		}
	case states.RuleThreshold:
		if coordination.ApprovedCount >= coordination.Threshold {
			return states.OutcomeApproved
		}
		// Short-circuit once the threshold is mathematically unreachable.
		remaining := coordination.TotalCount - coordination.CompletedCount
		if coordination.ApprovedCount+remaining < coordination.Threshold {
			return states.OutcomeRejected
		}
	}
	return ""
}

// Delegate hands an assignment to another user: the original is settled with
// a delegate decision and a fresh assignment is opened for the delegatee.
func (c *StageCoordinator) Delegate(ctx *contextx.Context, instance *objects.WorkflowInstance, stage *objects.Stage, assignment *objects.WorkflowAssignment, delegateeID, reason string, expiry time.Time) (*objects.WorkflowAssignment, error) {
	if !states.IsInstanceActive(instance.Status) {
		return nil, objects.ErrInstanceNotActive
	}
	if !stage.AllowDelegation {
		return nil, objects.ErrDelegationDenied
	}
	if !assignment.IsPending() {
		return nil, objects.ErrAlreadyDecided
	}

	replacement := objects.NewWorkflowAssignment()
	replacement.InstanceID = assignment.InstanceID
	replacement.StageInstanceID = assignment.StageInstanceID
	replacement.AssigneeID = delegateeID
	replacement.AssigneeRole = assignment.AssigneeRole
	replacement.Type = states.AssignmentDelegated
	replacement.SourceAssignmentID = assignment.ID
	replacement.DelegationExpiry = expiry
	replacement.DueAt = assignment.DueAt
	replacement.EscalationLevel = assignment.EscalationLevel

	err := objects.Transaction(ctx, func(subCtx *contextx.Context) error {
		if err := assignment.RecordDecision(subCtx, states.DecisionDelegate, reason, ""); err != nil {
			return err
		}
		if err := replacement.Save(subCtx); err != nil {
			return err
		}
		return objects.RecordHistory(subCtx, instance.ID, objects.EventAssignmentDelegated, assignment.AssigneeID, delegateeID, assignment.AssigneeID, objects.Table{
			"assignment_id":  assignment.ID,
			"replacement_id": replacement.ID,
			"reason":         reason,
			"stage":          stage.Sequence,
		})
	})
	if err != nil {
		return nil, err
	}

	c.notifier.Emit(ctx, notify.Event{
		Type:          notify.EventAssignmentDelegated,
		InstanceID:    instance.ID,
		EntityType:    instance.EntityType,
		EntityID:      instance.EntityID,
		StageSequence: stage.Sequence,
		AssignmentID:  replacement.ID,
		Assignee:      delegateeID,
	})
	return replacement, nil
}

// ExpireStage settles an overdue stage: outstanding assignments flip to
// expired and the outcome becomes escalated when an escalation target exists,
// timed-out otherwise.
func (c *StageCoordinator) ExpireStage(ctx *contextx.Context, instance *objects.WorkflowInstance, stage *objects.Stage, stageInstance *objects.WorkflowStageInstance) (*StageOutcome, error) {
	outcome := states.OutcomeTimedOut
	if stage.EscalationTarget != "" {
		outcome = states.OutcomeEscalated
	}

	lockName := fmt.Sprintf("coordination:%s", stageInstance.ID)
	err := objects.WithNamedLock(lockName, func() error {
		return objects.Transaction(ctx, func(subCtx *contextx.Context) error {
			assignments, err := objects.QueryAssignmentsByStageInstance(subCtx, stageInstance.ID)
			if err != nil {
				return err
			}
			for _, assignment := range assignments {
				if !assignment.IsPending() {
					continue
				}
				assignment.Decision = states.DecisionExpired
				assignment.DecidedAt = time.Now().UTC()
				if err := assignment.Update(subCtx, "Decision", "DecidedAt"); err != nil {
					return err
				}
				err := objects.RecordHistory(subCtx, instance.ID, objects.EventAssignmentExpired, states.DecisionPending, states.DecisionExpired, "", objects.Table{
					"assignment_id": assignment.ID,
					"stage":         stage.Sequence,
				})
				if err != nil {
					return err
				}
			}

			stageInstance.Status = states.EXPIRED
			stageInstance.Outcome = outcome
			stageInstance.CompletedAt = time.Now().UTC()
			if err := stageInstance.Update(subCtx, "Status", "Outcome", "CompletedAt"); err != nil {
				return err
			}
			return objects.RecordHistory(subCtx, instance.ID, objects.EventStageExpired, states.ACTIVE, states.EXPIRED, "", objects.Table{
				"stage":   stage.Sequence,
				"outcome": outcome,
			})
		})
	})
	if err != nil {
		return nil, err
	}

	log.Warnf(ctx, "stage %d expired with outcome %s [instance=%s]", stage.Sequence, outcome, instance.ID)
	return &StageOutcome{Decided: true, Outcome: outcome, Detail: objects.Table{"stage": stage.Sequence}}, nil
}

// ExpireAssignments voids every open assignment of an instance; cancellation
// uses it inside the cancelling transaction.
func (c *StageCoordinator) ExpireAssignments(ctx *contextx.Context, instanceID string) error {
	assignments, err := objects.QueryPendingAssignmentsByInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	for _, assignment := range assignments {
		assignment.Decision = states.DecisionExpired
		assignment.DecidedAt = time.Now().UTC()
		if err := assignment.Update(ctx, "Decision", "DecidedAt"); err != nil {
			return err
		}
	}
	return nil
}

func (c *StageCoordinator) completeStage(ctx *contextx.Context, stageInstance *objects.WorkflowStageInstance, outcome string, detail objects.Table) error {
	stageInstance.Status = states.COMPLETED
	stageInstance.Outcome = outcome
	stageInstance.CompletedAt = time.Now().UTC()
	if err := stageInstance.Update(ctx, "Status", "Outcome", "CompletedAt"); err != nil {
		return err
	}
	return objects.RecordHistory(ctx, stageInstance.InstanceID, objects.EventStageCompleted, states.ACTIVE, states.COMPLETED, "", detail.MergeToNew(objects.Table{
		"stage":   stageInstance.Sequence,
		"outcome": outcome,
	}))
}

// assignmentDue bounds one approver's window: the stage's response window
// when configured and tighter than the stage deadline, else the deadline.
func assignmentDue(stage *objects.Stage, deadline time.Time, now time.Time) time.Time {
	if stage.ResponseHours <= 0 {
		return deadline
	}
	due := now.Add(time.Duration(stage.ResponseHours) * time.Hour)
	if deadline.IsZero() || due.Before(deadline) {
		return due
	}
	return deadline
}

func completionRule(stage *objects.Stage) string {
	switch stage.ApprovalType {
	case objects.ApprovalTypeAll:
		return states.RuleAll
	case objects.ApprovalTypeAny:
		return states.RuleAny
	default:
		return states.RuleThreshold
	}
}
