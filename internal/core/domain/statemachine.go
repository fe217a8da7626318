package domain

import "fmt"

// legalTransitions is the single authority on invoice lifecycle moves.
// Every caller (worker, manual action handlers) goes through Transition.
var legalTransitions = map[InvoiceStatus][]InvoiceStatus{
	StatusProcessing:        {StatusWaitingValidation, StatusFailed, StatusRejected},
	StatusWaitingValidation: {StatusProcessed, StatusRejected},
	StatusFailed:            {StatusProcessing, StatusRejected},
	StatusRejected:          {StatusProcessing},
	// processed and duplicated are terminal
}

type InvalidTransitionError struct {
	From InvoiceStatus
	To   InvoiceStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid invoice transition: %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Transition validates a status change against the lifecycle table.
func Transition(from, to InvoiceStatus) error {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return &InvalidTransitionError{From: from, To: to}
}

// ValidStatus reports whether s is a member of the status enum.
func ValidStatus(s InvoiceStatus) bool {
	switch s {
	case StatusProcessing, StatusWaitingValidation, StatusProcessed,
		StatusRejected, StatusFailed, StatusDuplicated:
		return true
	}
	return false
}

// Terminal reports whether s accepts no further transitions.
func Terminal(s InvoiceStatus) bool {
	return len(legalTransitions[s]) == 0 && ValidStatus(s)
}
