package objects

import (
	"mesflow/app/db/models"
	"mesflow/pkg/contextx"
	"time"

	"github.com/google/uuid"
)

// History event types.
var (
	EventInstanceCreated     = "instance-created"
	EventInstanceCompleted   = "instance-completed"
	EventInstanceRejected    = "instance-rejected"
	EventInstanceCancelled   = "instance-cancelled"
	EventStageActivated      = "stage-activated"
	EventStageCompleted      = "stage-completed"
	EventStageSkipped        = "stage-skipped"
	EventStageExpired        = "stage-expired"
	EventAssignmentCreated   = "assignment-created"
	EventDecisionRecorded    = "decision-recorded"
	EventAssignmentDelegated = "assignment-delegated"
	EventAssignmentEscalated = "assignment-escalated"
	EventAssignmentExpired   = "assignment-expired"
	EventRuleMatched         = "rule-matched"
	EventRuleWarning         = "rule-warning"
	EventEscalationRequired  = "escalation-required"
	EventEscalationResolved  = "escalation-resolved"
)

type WorkflowHistory struct {
	*models.WorkflowHistory
	ContextObject
	PersistentObject
}

func (h *WorkflowHistory) Save(ctx *contextx.Context) error {
	if !h.IsCreated() {
		h.CreatedAt = time.Now().UTC()
		if h.ID == "" {
			h.ID = uuid.NewString()
		}
	}

	if err := h.GetDB(ctx).Save(h.WorkflowHistory).Error; err != nil {
		return err
	}
	h.SetContext(ctx)
	h.SetCreated()
	return nil
}

func NewWorkflowHistoryFromDB(ctx *contextx.Context, h *models.WorkflowHistory) *WorkflowHistory {
	if h == nil {
		return nil
	}
	hist := &WorkflowHistory{WorkflowHistory: h}
	hist.SetContext(ctx)
	hist.SetCreated()
	return hist
}

// RecordHistory appends one event; rows are never mutated afterwards.
func RecordHistory(ctx *contextx.Context, instanceID, eventType, fromStatus, toStatus, actor string, detail Table) error {
	h := &WorkflowHistory{
		WorkflowHistory: &models.WorkflowHistory{
			InstanceID: instanceID,
			EventType:  eventType,
			FromStatus: fromStatus,
			ToStatus:   toStatus,
			Actor:      actor,
		},
	}
	if detail != nil {
		h.Detail = map[string]interface{}{}
		for k, v := range detail {
			h.Detail[k] = v
		}
	}
	return h.Save(ctx)
}

func QueryHistory(ctx *contextx.Context, instanceID string) ([]*WorkflowHistory, error) {
	var records []*models.WorkflowHistory

	err := GetDB(ctx).
		Where("instance_id = ?", instanceID).
		Order("created_at, id").
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	var result []*WorkflowHistory
	for _, record := range records {
		result = append(result, NewWorkflowHistoryFromDB(ctx, record))
	}
	return result, nil
}

// QueryHistorySince feeds the metrics aggregator.
func QueryHistorySince(ctx *contextx.Context, since time.Time, eventTypes []string) ([]*WorkflowHistory, error) {
	var records []*models.WorkflowHistory

	tx := GetDB(ctx).Where("created_at >= ?", since)
	if len(eventTypes) > 0 {
		tx = tx.Where("event_type IN ?", eventTypes)
	}

	if err := tx.Order("created_at").Find(&records).Error; err != nil {
		return nil, err
	}

	var result []*WorkflowHistory
	for _, record := range records {
		result = append(result, NewWorkflowHistoryFromDB(ctx, record))
	}
	return result, nil
}
