package workflow

import (
	"errors"
	"fmt"
	"time"

	"mesflow/app/notify"
	"mesflow/app/objects"
	"mesflow/app/workflow/rules"
	"mesflow/app/workflow/states"
	"mesflow/pkg/contextx"
	"mesflow/pkg/log"
)

// Engine is the instance orchestrator. It owns the instance state machine
// and stage-to-stage advancement; per-stage mechanics live in the
// coordinator.
type Engine struct {
	store       *DefinitionStore
	coordinator *StageCoordinator
	notifier    notify.Notifier
}

func NewEngine(store *DefinitionStore, coordinator *StageCoordinator, notifier notify.Notifier) *Engine {
	return &Engine{
		store:       store,
		coordinator: coordinator,
		notifier:    notifier,
	}
}

// CreateRequest starts one workflow instance against an opaque target entity.
type CreateRequest struct {
	DefinitionID string
	EntityType   string
	EntityID     string
	Context      objects.Table
	Priority     int
	ImpactLevel  string
}

// DecisionRequest is one approver acting on one assignment. DelegateTo is
// only read when Action is delegate.
type DecisionRequest struct {
	InstanceID   string
	AssignmentID string
	ActorID      string
	Action       string
	Comments     string
	SignatureRef string

	DelegateTo       string
	DelegationExpiry time.Time
}

// InstanceStatus is the read model served to clients.
type InstanceStatus struct {
	Instance           *objects.WorkflowInstance
	StageInstances     []*objects.WorkflowStageInstance
	PendingAssignments []*objects.WorkflowAssignment
}

// CreateInstance binds a definition, locks it against edits and advances to
// the first stage. Stage-entry rules may skip ahead or terminate before any
// assignment exists.
func (e *Engine) CreateInstance(ctx *contextx.Context, req CreateRequest) (*objects.WorkflowInstance, error) {
	def, err := e.store.GetDefinition(ctx, req.DefinitionID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	instance := objects.NewWorkflowInstance()
	instance.DefinitionID = def.ID
	instance.ProjectID = ctx.GetProjectID()
	instance.EntityType = req.EntityType
	instance.EntityID = req.EntityID
	instance.Status = states.PENDING
	instance.Context = map[string]interface{}(req.Context)
	instance.Priority = req.Priority
	instance.ImpactLevel = req.ImpactLevel
	instance.StartedAt = now

	err = objects.Transaction(ctx, func(subCtx *contextx.Context) error {
		if err := instance.Save(subCtx); err != nil {
			return err
		}
		return objects.RecordHistory(subCtx, instance.ID, objects.EventInstanceCreated, "", states.PENDING, ctx.GetActor(), objects.Table{
			"definition": def.ID,
			"entity":     fmt.Sprintf("%s/%s", req.EntityType, req.EntityID),
		})
	})
	if err != nil {
		return nil, err
	}

	if err := e.store.LockDefinition(ctx, def.ID); err != nil {
		return nil, err
	}

	log.Infof(ctx, "instance %s created for %s/%s [definition=%s v%d]", instance.ID, req.EntityType, req.EntityID, def.Name, def.Version)
	if err := e.advance(ctx, instance, 1); err != nil {
		if errors.Is(err, objects.ErrNoEligibleApprover) {
			// The instance exists, parked; the caller needs its id to
			// resolve the escalation later.
			return instance, err
		}
		return nil, err
	}
	return instance, nil
}

// SubmitDecision records a decision and, when the stage settles, advances the
// instance. Delegation requests branch off before quorum math.
func (e *Engine) SubmitDecision(ctx *contextx.Context, req DecisionRequest) (*StageOutcome, error) {
	instance, assignment, stageInstance, stage, err := e.loadDecisionScope(ctx, req.InstanceID, req.AssignmentID)
	if err != nil {
		return nil, err
	}

	if req.Action == states.DecisionDelegate {
		_, err := e.delegate(ctx, instance, stage, stageInstance, assignment, req.ActorID, req.DelegateTo, req.Comments, req.DelegationExpiry)
		if err != nil {
			return nil, err
		}
		return &StageOutcome{}, nil
	}

	outcome, err := e.coordinator.SubmitDecision(ctx, instance, stage, stageInstance, assignment, req.ActorID, req.Action, req.Comments, req.SignatureRef)
	if err != nil {
		return nil, err
	}
	if !outcome.Decided {
		return outcome, nil
	}

	switch outcome.Outcome {
	case states.OutcomeApproved:
		return outcome, e.advanceAfter(ctx, instance, stageInstance.Sequence)
	case states.OutcomeRejected:
		return outcome, e.finish(ctx, instance, states.REJECTED, fmt.Sprintf("rejected at stage %d", stageInstance.Sequence), req.ActorID)
	}
	return outcome, nil
}

// DelegateAssignment hands one pending assignment to another user. The
// original is voided and the delegatee joins the stage's approver pool.
func (e *Engine) DelegateAssignment(ctx *contextx.Context, instanceID, assignmentID, actorID, delegateeID, reason string, expiry time.Time) (*objects.WorkflowAssignment, error) {
	instance, assignment, stageInstance, stage, err := e.loadDecisionScope(ctx, instanceID, assignmentID)
	if err != nil {
		return nil, err
	}
	return e.delegate(ctx, instance, stage, stageInstance, assignment, actorID, delegateeID, reason, expiry)
}

func (e *Engine) delegate(ctx *contextx.Context, instance *objects.WorkflowInstance, stage *objects.Stage, stageInstance *objects.WorkflowStageInstance, assignment *objects.WorkflowAssignment, actorID, delegateeID, reason string, expiry time.Time) (*objects.WorkflowAssignment, error) {
	if delegateeID == "" {
		return nil, fmt.Errorf("delegation needs a target user")
	}
	// A leftover pending assignment on a settled stage must not spawn a live
	// replacement.
	if stageInstance.Status != states.ACTIVE {
		return nil, objects.ErrInstanceNotActive
	}
	if assignment.AssigneeID != actorID {
		return nil, objects.ErrNotAssignee
	}
	return e.coordinator.Delegate(ctx, instance, stage, assignment, delegateeID, reason, expiry)
}

// CancelInstance terminates a non-terminal instance and voids its open
// assignments. The coordination lock of the active stage serializes this
// against in-flight decisions.
func (e *Engine) CancelInstance(ctx *contextx.Context, instanceID, actorID, reason string) error {
	instance, err := objects.QueryWorkflowInstanceByID(ctx, instanceID)
	if err != nil {
		return err
	}
	if instance == nil {
		return objects.ErrInstanceNotFound
	}
	if states.IsInstanceTerminal(instance.Status) {
		return objects.ErrInstanceTerminal
	}

	active, err := objects.QueryActiveStageInstance(ctx, instanceID)
	if err != nil {
		return err
	}

	cancel := func() error {
		return objects.Transaction(ctx, func(subCtx *contextx.Context) error {
			if err := e.coordinator.ExpireAssignments(subCtx, instanceID); err != nil {
				return err
			}
			if active != nil {
				active.Status = states.EXPIRED
				active.CompletedAt = time.Now().UTC()
				if err := active.Update(subCtx, "Status", "CompletedAt"); err != nil {
					return err
				}
			}

			from := instance.Status
			instance.Status = states.CANCELLED
			instance.StatusMsg = reason
			instance.EscalationRequired = false
			instance.CompletedAt = time.Now().UTC()
			if err := instance.Update(subCtx, "Status", "StatusMsg", "EscalationRequired", "CompletedAt"); err != nil {
				return err
			}
			return objects.RecordHistory(subCtx, instanceID, objects.EventInstanceCancelled, from, states.CANCELLED, actorID, objects.Table{
				"reason": reason,
			})
		})
	}

	if active != nil {
		err = objects.WithNamedLock(fmt.Sprintf("coordination:%s", active.ID), cancel)
	} else {
		err = cancel()
	}
	if err != nil {
		return err
	}

	e.notifier.Emit(ctx, notify.Event{
		Type:       notify.EventInstanceFinished,
		InstanceID: instance.ID,
		EntityType: instance.EntityType,
		EntityID:   instance.EntityID,
		Detail:     objects.Table{"status": states.CANCELLED, "reason": reason},
	})
	log.Infof(ctx, "instance %s cancelled by %s", instanceID, actorID)
	return nil
}

func (e *Engine) GetInstanceStatus(ctx *contextx.Context, instanceID string) (*InstanceStatus, error) {
	instance, err := objects.QueryWorkflowInstanceByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, objects.ErrInstanceNotFound
	}

	stageInstances, err := instance.GetStageInstances(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := instance.GetPendingAssignments(ctx)
	if err != nil {
		return nil, err
	}
	return &InstanceStatus{
		Instance:           instance,
		StageInstances:     stageInstances,
		PendingAssignments: pending,
	}, nil
}

func (e *Engine) GetHistory(ctx *contextx.Context, instanceID string) ([]*objects.WorkflowHistory, error) {
	instance, err := objects.QueryWorkflowInstanceByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, objects.ErrInstanceNotFound
	}
	return objects.QueryHistory(ctx, instanceID)
}

// Escalation resolutions.
var (
	ResolutionApprove    = "approve"
	ResolutionReject     = "reject"
	ResolutionReactivate = "reactivate"
)

// ResolveEscalation clears a parked instance: approve advances past the
// expired stage, reject terminates, reactivate re-runs the stage with fresh
// assignments.
func (e *Engine) ResolveEscalation(ctx *contextx.Context, instanceID, actorID, resolution, comments string) error {
	instance, err := objects.QueryWorkflowInstanceByID(ctx, instanceID)
	if err != nil {
		return err
	}
	if instance == nil {
		return objects.ErrInstanceNotFound
	}
	if states.IsInstanceTerminal(instance.Status) {
		return objects.ErrInstanceTerminal
	}
	if !instance.EscalationRequired {
		return objects.ErrNotEscalated
	}

	instance.EscalationRequired = false
	if err := instance.Update(ctx, "EscalationRequired"); err != nil {
		return err
	}
	err = objects.RecordHistory(ctx, instanceID, objects.EventEscalationResolved, "", resolution, actorID, objects.Table{
		"stage":    instance.CurrentStage,
		"comments": comments,
	})
	if err != nil {
		return err
	}

	switch resolution {
	case ResolutionApprove:
		return e.advanceAfter(ctx, instance, instance.CurrentStage)
	case ResolutionReject:
		return e.finish(ctx, instance, states.REJECTED, fmt.Sprintf("escalation rejected at stage %d", instance.CurrentStage), actorID)
	case ResolutionReactivate:
		stage, err := objects.QueryStageBySequence(ctx, instance.DefinitionID, instance.CurrentStage)
		if err != nil {
			return err
		}
		if stage == nil {
			return fmt.Errorf("stage %d missing from definition %s", instance.CurrentStage, instance.DefinitionID)
		}
		_, err = e.coordinator.ActivateStage(ctx, instance, stage)
		return err
	}
	return fmt.Errorf("unknown escalation resolution '%s'", resolution)
}

// HandleStageExpiry is the scheduler's entry point for an overdue stage.
// The instance halts active, flagged for manual resolution; nobody answered,
// so nobody gets an automatic verdict.
func (e *Engine) HandleStageExpiry(ctx *contextx.Context, stageInstance *objects.WorkflowStageInstance) error {
	instance, err := objects.QueryWorkflowInstanceByID(ctx, stageInstance.InstanceID)
	if err != nil {
		return err
	}
	if instance == nil || states.IsInstanceTerminal(instance.Status) {
		return nil
	}
	stage, err := objects.QueryStageByID(ctx, stageInstance.StageID)
	if err != nil {
		return err
	}
	if stage == nil {
		return fmt.Errorf("stage %s missing for stage instance %s", stageInstance.StageID, stageInstance.ID)
	}

	outcome, err := e.coordinator.ExpireStage(ctx, instance, stage, stageInstance)
	if err != nil {
		return err
	}

	instance.EscalationRequired = true
	if err := instance.Update(ctx, "EscalationRequired"); err != nil {
		return err
	}
	return objects.RecordHistory(ctx, instance.ID, objects.EventEscalationRequired, "", stage.EscalationTarget, "", objects.Table{
		"stage":   stage.Sequence,
		"target":  stage.EscalationTarget,
		"outcome": outcome.Outcome,
	})
}

// advanceAfter runs stage-exit rules for the settled stage, then moves on.
func (e *Engine) advanceAfter(ctx *contextx.Context, instance *objects.WorkflowInstance, settledSeq int) error {
	wfRules, err := e.store.ListRules(ctx, instance.DefinitionID)
	if err != nil {
		return err
	}

	match, warnings := rules.Evaluate(wfRules, objects.TriggerStageExit, e.ruleContext(instance))
	e.recordWarnings(ctx, instance.ID, objects.TriggerStageExit, warnings)

	if match != nil && !e.firedRules(ctx, instance.ID)[match.Rule.ID] {
		e.recordMatch(ctx, instance.ID, match, settledSeq)
		switch match.Action {
		case objects.RuleActionRoute:
			return e.advance(ctx, instance, match.TargetStage)
		case objects.RuleActionTerminate:
			return e.finish(ctx, instance, states.REJECTED, fmt.Sprintf("terminated by rule '%s'", match.Rule.Name), "")
		case objects.RuleActionEscalate:
			return e.park(ctx, instance, match.Rule.Name)
		}
	}
	return e.advance(ctx, instance, settledSeq+1)
}

// advance activates the stage at seq, applying stage-entry rules. Skipped
// stages fall through to the next sequence; routes jump. A hop budget stops
// misconfigured rule cycles.
func (e *Engine) advance(ctx *contextx.Context, instance *objects.WorkflowInstance, seq int) error {
	stages, err := e.store.ListStages(ctx, instance.DefinitionID)
	if err != nil {
		return err
	}
	wfRules, err := e.store.ListRules(ctx, instance.DefinitionID)
	if err != nil {
		return err
	}

	bySeq := map[int]*objects.Stage{}
	maxSeq := 0
	for _, stage := range stages {
		bySeq[stage.Sequence] = stage
		if stage.Sequence > maxSeq {
			maxSeq = stage.Sequence
		}
	}

	applied := e.firedRules(ctx, instance.ID)
	for hops := 0; hops <= len(stages); hops++ {
		if seq > maxSeq {
			return e.finish(ctx, instance, states.COMPLETED, "", "")
		}
		stage := bySeq[seq]
		if stage == nil {
			return fmt.Errorf("stage %d missing from definition %s", seq, instance.DefinitionID)
		}

		match, warnings := rules.Evaluate(wfRules, objects.TriggerStageEntry, e.ruleContext(instance))
		e.recordWarnings(ctx, instance.ID, objects.TriggerStageEntry, warnings)

		// Each rule fires at most once per instance so routes cannot
		// bounce between stages forever.
		if match != nil && !applied[match.Rule.ID] {
			applied[match.Rule.ID] = true
			e.recordMatch(ctx, instance.ID, match, seq)

			switch match.Action {
			case objects.RuleActionRoute:
				if match.TargetStage != seq {
					seq = match.TargetStage
					continue
				}
			case objects.RuleActionSkip:
				if !stage.AllowSkip {
					log.Warnf(ctx, "rule '%s' skips stage %d but the stage disallows it [instance=%s]", match.Rule.Name, seq, instance.ID)
					break
				}
				if _, err := e.coordinator.SkipStage(ctx, instance, stage, match.Rule.ID); err != nil {
					return err
				}
				seq++
				continue
			case objects.RuleActionTerminate:
				return e.finish(ctx, instance, states.REJECTED, fmt.Sprintf("terminated by rule '%s'", match.Rule.Name), "")
			case objects.RuleActionEscalate:
				return e.park(ctx, instance, match.Rule.Name)
			}
		}

		return e.activate(ctx, instance, stage)
	}
	return fmt.Errorf("rule routing exceeded hop budget on definition %s", instance.DefinitionID)
}

func (e *Engine) activate(ctx *contextx.Context, instance *objects.WorkflowInstance, stage *objects.Stage) error {
	instance.CurrentStage = stage.Sequence
	instance.Status = states.ACTIVE
	if err := instance.Update(ctx, "CurrentStage", "Status"); err != nil {
		return err
	}

	_, err := e.coordinator.ActivateStage(ctx, instance, stage)
	if errors.Is(err, objects.ErrNoEligibleApprover) {
		// The stage cannot proceed without an approver; park rather than
		// complete silently.
		if parkErr := e.park(ctx, instance, ""); parkErr != nil {
			return parkErr
		}
	}
	return err
}

// park holds the instance active but frozen until ResolveEscalation.
func (e *Engine) park(ctx *contextx.Context, instance *objects.WorkflowInstance, ruleName string) error {
	instance.EscalationRequired = true
	if err := instance.Update(ctx, "EscalationRequired"); err != nil {
		return err
	}
	return objects.RecordHistory(ctx, instance.ID, objects.EventEscalationRequired, "", "", "", objects.Table{
		"rule":  ruleName,
		"stage": instance.CurrentStage,
	})
}

func (e *Engine) finish(ctx *contextx.Context, instance *objects.WorkflowInstance, status, msg, actorID string) error {
	from := instance.Status
	instance.Status = status
	instance.StatusMsg = msg
	instance.EscalationRequired = false
	instance.CompletedAt = time.Now().UTC()
	if err := instance.Update(ctx, "Status", "StatusMsg", "EscalationRequired", "CompletedAt"); err != nil {
		return err
	}

	event := objects.EventInstanceCompleted
	if status == states.REJECTED || status == states.EXPIRED {
		event = objects.EventInstanceRejected
	}
	err := objects.RecordHistory(ctx, instance.ID, event, from, status, actorID, objects.Table{
		"message": msg,
	})
	if err != nil {
		return err
	}

	e.notifier.Emit(ctx, notify.Event{
		Type:       notify.EventInstanceFinished,
		InstanceID: instance.ID,
		EntityType: instance.EntityType,
		EntityID:   instance.EntityID,
		Detail:     objects.Table{"status": status, "message": msg},
	})
	log.Infof(ctx, "instance %s finished with status %s", instance.ID, status)
	return nil
}

// ruleContext is what conditions see: the instance payload plus the engine
// metadata fields.
func (e *Engine) ruleContext(instance *objects.WorkflowInstance) objects.Table {
	context := objects.Table{}
	for k, v := range instance.Context {
		context[k] = v
	}
	context["priority"] = instance.Priority
	context["impact_level"] = instance.ImpactLevel
	context["entity_type"] = instance.EntityType
	context["current_stage"] = instance.CurrentStage
	return context
}

// firedRules collects the ids of rules that already matched for this
// instance, from the history trail.
func (e *Engine) firedRules(ctx *contextx.Context, instanceID string) map[string]bool {
	fired := map[string]bool{}
	events, err := objects.QueryHistory(ctx, instanceID)
	if err != nil {
		log.Errorf(ctx, "load fired rules failed, error: %s", err.Error())
		return fired
	}
	for _, event := range events {
		if event.EventType != objects.EventRuleMatched {
			continue
		}
		if id, ok := event.Detail["rule_id"].(string); ok {
			fired[id] = true
		}
	}
	return fired
}

func (e *Engine) recordMatch(ctx *contextx.Context, instanceID string, match *rules.Match, seq int) {
	err := objects.RecordHistory(ctx, instanceID, objects.EventRuleMatched, "", match.Action, "", objects.Table{
		"rule":         match.Rule.Name,
		"rule_id":      match.Rule.ID,
		"stage":        seq,
		"target_stage": match.TargetStage,
	})
	if err != nil {
		log.Errorf(ctx, "record rule match failed, error: %s", err.Error())
	}
}

func (e *Engine) recordWarnings(ctx *contextx.Context, instanceID, trigger string, warnings []rules.Warning) {
	for _, w := range warnings {
		log.Warnf(ctx, "rule %s condition degraded at %s: %s [instance=%s]", w.RuleID, trigger, w.Reason, instanceID)
		err := objects.RecordHistory(ctx, instanceID, objects.EventRuleWarning, "", "", "", objects.Table{
			"rule_id": w.RuleID,
			"trigger": trigger,
			"reason":  w.Reason,
		})
		if err != nil {
			log.Errorf(ctx, "record rule warning failed, error: %s", err.Error())
		}
	}
}

func (e *Engine) loadDecisionScope(ctx *contextx.Context, instanceID, assignmentID string) (*objects.WorkflowInstance, *objects.WorkflowAssignment, *objects.WorkflowStageInstance, *objects.Stage, error) {
	instance, err := objects.QueryWorkflowInstanceByID(ctx, instanceID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if instance == nil {
		return nil, nil, nil, nil, objects.ErrInstanceNotFound
	}
	if states.IsInstanceTerminal(instance.Status) {
		return nil, nil, nil, nil, objects.ErrInstanceTerminal
	}

	assignment, err := objects.QueryAssignmentByID(ctx, assignmentID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if assignment == nil || assignment.InstanceID != instanceID {
		return nil, nil, nil, nil, objects.ErrAssignmentNotFound
	}

	stageInstance, err := objects.QueryStageInstanceByID(ctx, assignment.StageInstanceID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if stageInstance == nil {
		return nil, nil, nil, nil, fmt.Errorf("stage instance %s missing for assignment %s", assignment.StageInstanceID, assignmentID)
	}

	stage, err := objects.QueryStageByID(ctx, stageInstance.StageID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if stage == nil {
		return nil, nil, nil, nil, fmt.Errorf("stage %s missing for stage instance %s", stageInstance.StageID, stageInstance.ID)
	}
	return instance, assignment, stageInstance, stage, nil
}
