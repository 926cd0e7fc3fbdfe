package notify

import (
	"mesflow/pkg/contextx"
	"mesflow/pkg/log"
)

// Event types emitted toward the notification sink.
var (
	EventAssignmentCreated   = "assignment.created"
	EventAssignmentEscalated = "assignment.escalated"
	EventAssignmentDelegated = "assignment.delegated"
	EventStageCompleted      = "stage.completed"
	EventInstanceFinished    = "instance.finished"
)

type Event struct {
	Type          string                 `json:"event_type"`
	InstanceID    string                 `json:"instance_id"`
	EntityType    string                 `json:"entity_type"`
	EntityID      string                 `json:"entity_id"`
	StageSequence int                    `json:"stage_sequence"`
	AssignmentID  string                 `json:"assignment_id,omitempty"`
	Assignee      string                 `json:"assignee,omitempty"`
	Detail        map[string]interface{} `json:"detail,omitempty"`
}

// Notifier is the fire-and-forget notification sink. Delivery failures are
// logged and never propagate into workflow state.
type Notifier interface {
	Emit(ctx *contextx.Context, event Event)
}

// LogNotifier writes events to the engine log only. The dev server and the
// tests use it.
type LogNotifier struct{}

func (n *LogNotifier) Emit(ctx *contextx.Context, event Event) {
	log.Infof(ctx, "notify %s [instance=%s, assignee=%s]", event.Type, event.InstanceID, event.Assignee)
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}
