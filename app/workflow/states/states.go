package states

// Workflow instance statuses.
var (
	PENDING   = "pending"
	ACTIVE    = "active"
	COMPLETED = "completed"
	REJECTED  = "rejected"
	CANCELLED = "cancelled"
	EXPIRED   = "expired"

	InstanceTerminalStatuses = []string{COMPLETED, REJECTED, CANCELLED, EXPIRED}
)

// Stage instance statuses. PENDING/ACTIVE/COMPLETED/EXPIRED are shared with
// the instance vocabulary.
var (
	SKIPPED = "skipped"

	StageTerminalStatuses = []string{COMPLETED, SKIPPED, EXPIRED}
)

// Stage outcomes.
var (
	OutcomeApproved  = "approved"
	OutcomeRejected  = "rejected"
	OutcomeEscalated = "escalated"
	OutcomeTimedOut  = "timed-out"
)

// Assignment decisions.
var (
	DecisionPending  = "pending"
	DecisionApprove  = "approve"
	DecisionReject   = "reject"
	DecisionDelegate = "delegate"
	DecisionAbstain  = "abstain"
	// DecisionExpired marks an assignment voided by a stage timeout,
	// escalation replacement or instance cancellation.
	DecisionExpired = "expired"

	Decisions = []string{DecisionApprove, DecisionReject, DecisionDelegate, DecisionAbstain}
)

// Assignment types.
var (
	AssignmentDirect    = "direct"
	AssignmentDelegated = "delegated"
	AssignmentEscalated = "escalated"
)

// Parallel coordination completion rules.
var (
	RuleAll       = "all"
	RuleAny       = "any"
	RuleThreshold = "threshold"
)

func has(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func IsInstanceTerminal(status string) bool {
	return has(InstanceTerminalStatuses, status)
}

func IsInstanceActive(status string) bool {
	return status == ACTIVE
}

func IsStageTerminal(status string) bool {
	return has(StageTerminalStatuses, status)
}

func IsValidDecision(decision string) bool {
	return has(Decisions, decision)
}

func IsPendingDecision(decision string) bool {
	return decision == "" || decision == DecisionPending
}

// CountsTowardQuorum reports whether a decision participates in quorum math.
// Delegated assignments are replaced by a new row and abstentions shrink the
// countable pool, so neither counts.
func CountsTowardQuorum(decision string) bool {
	return decision == DecisionApprove || decision == DecisionReject
}
