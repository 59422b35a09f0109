package workflows

// StateMachine enforces status transitions
type StateMachine struct {
	allowedTransitions map[string][]string
}

// NewStateMachine creates a state machine from an explicit transition table.
// States absent from the table, or mapped to an empty list, are terminal.
func NewStateMachine(transitions map[string][]string) *StateMachine {
	allowed := make(map[string][]string, len(transitions))
	for from, to := range transitions {
		allowed[from] = append([]string(nil), to...)
	}
	return &StateMachine{allowedTransitions: allowed}
}

// Project review statuses as mirrored from the ledger
const (
	ProjectPending  = "PENDING"
	ProjectApproved = "APPROVED"
	ProjectRejected = "REJECTED"
)

// NewProjectStatusMachine returns the review lifecycle: a pending project is
// approved or rejected exactly once.
func NewProjectStatusMachine() *StateMachine {
	return NewStateMachine(map[string][]string{
		ProjectPending:  {ProjectApproved, ProjectRejected},
		ProjectApproved: {},
		ProjectRejected: {},
	})
}

// Client-side transaction statuses
const (
	TxIdle      = "idle"
	TxPending   = "pending"
	TxSubmitted = "submitted"
	TxConfirmed = "confirmed"
	TxFailed    = "failed"
)

// NewTransactionStatusMachine returns the lifecycle of one logical ledger write.
func NewTransactionStatusMachine() *StateMachine {
	return NewStateMachine(map[string][]string{
		TxIdle:      {TxPending},
		TxPending:   {TxSubmitted, TxFailed},
		TxSubmitted: {TxConfirmed, TxFailed},
		TxConfirmed: {},
		TxFailed:    {},
	})
}

// CanTransition checks if a status transition is allowed
func (sm *StateMachine) CanTransition(from, to string) bool {
	allowed, exists := sm.allowedTransitions[from]
	if !exists {
		return false
	}
	for _, allowedTo := range allowed {
		if allowedTo == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves the given status
func (sm *StateMachine) IsTerminal(status string) bool {
	return len(sm.allowedTransitions[status]) == 0
}

// GetAllowedTransitions returns the allowed next statuses for a given status
func (sm *StateMachine) GetAllowedTransitions(from string) []string {
	allowed, exists := sm.allowedTransitions[from]
	if !exists {
		return []string{}
	}
	return allowed
}
