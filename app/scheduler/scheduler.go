package scheduler

import (
	"fmt"
	"time"

	"mesflow/app/config"
	"mesflow/app/identity"
	"mesflow/app/notify"
	"mesflow/app/objects"
	"mesflow/app/workflow"
	"mesflow/app/workflow/states"
	"mesflow/pkg/contextx"
	"mesflow/pkg/log"
)

// An escalation chain stops climbing the management line after this many
// hops; past it only the stage deadline can settle the stage.
const maxEscalationLevel = 3

// Scheduler scans for overdue work on a fixed cadence: assignments past
// their due date escalate to a new approver, stages past their deadline
// expire through the engine.
type Scheduler struct {
	cfg      config.SchedulerConfig
	engine   *workflow.Engine
	identity identity.Provider
	notifier notify.Notifier

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewScheduler(cfg config.SchedulerConfig, engine *workflow.Engine, provider identity.Provider, notifier notify.Notifier) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		engine:   engine,
		identity: provider,
		notifier: notifier,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	go s.loop()
}

func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) loop() {
	defer close(s.doneCh)

	interval := time.Duration(s.cfg.Delay) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Infof(nil, "escalation scheduler started, interval %s, batch %d", interval, s.cfg.BatchSize)
	for {
		select {
		case <-s.stopCh:
			log.Infof(nil, "escalation scheduler stopped")
			return
		case <-ticker.C:
			s.RunOnce(contextx.NewContext())
		}
	}
}

// RunOnce performs a single scan. Stage expiries run first so their voided
// assignments drop out of the escalation query.
func (s *Scheduler) RunOnce(ctx *contextx.Context) {
	now := time.Now().UTC()

	stageInstances, err := objects.QueryOverdueStageInstances(ctx, now, s.cfg.BatchSize)
	if err != nil {
		log.Errorf(ctx, "overdue stage scan failed, error: %s", err.Error())
	} else {
		for _, stageInstance := range stageInstances {
			if err := s.engine.HandleStageExpiry(ctx, stageInstance); err != nil {
				log.Errorf(ctx, "stage expiry failed [stage_instance=%s], error: %s", stageInstance.ID, err.Error())
			}
		}
	}

	assignments, err := objects.QueryOverdueAssignments(ctx, now, s.cfg.BatchSize)
	if err != nil {
		log.Errorf(ctx, "overdue assignment scan failed, error: %s", err.Error())
		return
	}
	for _, assignment := range assignments {
		if err := s.EscalateAssignment(ctx, assignment); err != nil {
			// Identity lookups can fail transiently; the Escalated flag
			// stays down so the next scan retries.
			log.Warnf(ctx, "escalation deferred [assignment=%s], error: %s", assignment.ID, err.Error())
		}
	}
}

// EscalateAssignment replaces one overdue assignment with a fresh one for
// the escalation target, one level up. The original is voided and flagged so
// a rescan never escalates it twice.
func (s *Scheduler) EscalateAssignment(ctx *contextx.Context, assignment *objects.WorkflowAssignment) error {
	if assignment.EscalationLevel >= maxEscalationLevel {
		return nil
	}

	instance, err := objects.QueryWorkflowInstanceByID(ctx, assignment.InstanceID)
	if err != nil {
		return err
	}
	if instance == nil || states.IsInstanceTerminal(instance.Status) || instance.EscalationRequired {
		return nil
	}
	stageInstance, err := objects.QueryStageInstanceByID(ctx, assignment.StageInstanceID)
	if err != nil {
		return err
	}
	if stageInstance == nil || stageInstance.Status != states.ACTIVE {
		return nil
	}
	stage, err := objects.QueryStageByID(ctx, stageInstance.StageID)
	if err != nil {
		return err
	}
	if stage == nil {
		return fmt.Errorf("stage %s missing for assignment %s", stageInstance.StageID, assignment.ID)
	}

	target := stage.EscalationTarget
	if target == "" {
		target, err = s.identity.GetManager(assignment.AssigneeID)
		if err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	replacement := objects.NewWorkflowAssignment()
	replacement.InstanceID = assignment.InstanceID
	replacement.StageInstanceID = assignment.StageInstanceID
	replacement.AssigneeID = target
	replacement.Type = states.AssignmentEscalated
	replacement.SourceAssignmentID = assignment.ID
	replacement.EscalationLevel = assignment.EscalationLevel + 1
	window := stage.ResponseHours
	if window <= 0 {
		window = stage.DeadlineHours
	}
	if window > 0 {
		replacement.DueAt = now.Add(time.Duration(window) * time.Hour)
	}

	lockName := fmt.Sprintf("coordination:%s", stageInstance.ID)
	err = objects.WithNamedLock(lockName, func() error {
		return objects.Transaction(ctx, func(subCtx *contextx.Context) error {
			if !assignment.IsPending() {
				return nil
			}
			assignment.Decision = states.DecisionExpired
			assignment.DecidedAt = now
			assignment.Escalated = true
			if err := assignment.Update(subCtx, "Decision", "DecidedAt", "Escalated"); err != nil {
				return err
			}
			if err := replacement.Save(subCtx); err != nil {
				return err
			}

			// The escalated approver gets a fresh window.
			if !replacement.DueAt.IsZero() && replacement.DueAt.After(stageInstance.DeadlineAt) {
				stageInstance.DeadlineAt = replacement.DueAt
				if err := stageInstance.Update(subCtx, "DeadlineAt"); err != nil {
					return err
				}
			}

			return objects.RecordHistory(subCtx, assignment.InstanceID, objects.EventAssignmentEscalated, assignment.AssigneeID, target, "", objects.Table{
				"assignment_id":  assignment.ID,
				"replacement_id": replacement.ID,
				"level":          replacement.EscalationLevel,
				"stage":          stage.Sequence,
			})
		})
	})
	if err != nil {
		return err
	}

	s.notifier.Emit(ctx, notify.Event{
		Type:          notify.EventAssignmentEscalated,
		InstanceID:    instance.ID,
		EntityType:    instance.EntityType,
		EntityID:      instance.EntityID,
		StageSequence: stage.Sequence,
		AssignmentID:  replacement.ID,
		Assignee:      target,
	})
	log.Infof(ctx, "assignment %s escalated to %s at level %d [instance=%s]", assignment.ID, target, replacement.EscalationLevel, instance.ID)
	return nil
}
