package objects

import (
	"errors"

	"gorm.io/gorm"
)

var (
	// Configuration errors, rejected at publish time.
	ErrInvalidDefinition  = errors.New("invalid workflow definition")
	ErrDefinitionLocked   = errors.New("definition is locked by a live instance")
	ErrDefinitionNotFound = errors.New("workflow definition not found")

	// Resolution errors. Fatal to stage progress, not to the instance.
	ErrNoEligibleApprover = errors.New("no eligible approver for stage")

	// Concurrency conflicts. Recoverable; callers refresh and retry.
	ErrAlreadyDecided    = errors.New("assignment already decided")
	ErrInstanceNotActive = errors.New("workflow instance is not active")
	ErrNotAssignee       = errors.New("actor is not the assignee")

	ErrInstanceTerminal   = errors.New("workflow instance already terminal")
	ErrInstanceNotFound   = errors.New("workflow instance not found")
	ErrAssignmentNotFound = errors.New("workflow assignment not found")
	ErrSignatureRequired  = errors.New("stage requires a signature reference")
	ErrDelegationDenied   = errors.New("stage does not allow delegation")
	ErrNotEscalated       = errors.New("workflow instance is not awaiting escalation")
)

func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, gorm.ErrRecordNotFound) || err.Error() == "record not found"
}

// IsConflictError reports whether the caller should refresh state and retry.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrAlreadyDecided) || errors.Is(err, ErrInstanceNotActive) || errors.Is(err, ErrNotAssignee)
}
