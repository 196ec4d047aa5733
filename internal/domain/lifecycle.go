package domain

// CreditState is one state in the credit lifecycle.
type CreditState string

const (
	StateApproved  CreditState = "approved"
	StateActive    CreditState = "active"
	StateRenewed   CreditState = "renewed"
	StatePastDue   CreditState = "past_due"
	StateInArrears CreditState = "in_arrears"
	StateGrace     CreditState = "grace"
	StatePaid      CreditState = "paid"
	StateAuctioned CreditState = "auctioned"
	StateSold      CreditState = "sold"
	StateCancelled CreditState = "cancelled"
	StateVoided    CreditState = "voided"
)

// statePriority is the total order used for conflict arbitration. Higher
// wins: a "further along" state, and above all a terminal one, records an
// irreversible real-world fact that a stale offline write must never roll
// back.
var statePriority = map[CreditState]int{
	StateApproved:  1,
	StateActive:    2,
	StatePastDue:   2,
	StateGrace:     3,
	StateRenewed:   4,
	StateInArrears: 5,
	StatePaid:      10,
	StateAuctioned: 11,
	StateSold:      12,
	StateCancelled: 13,
	StateVoided:    14,
}

// transitions lists the legal moves of the lifecycle. Administrative
// overrides to cancelled/voided are handled separately in CanTransition
// since they apply from any non-terminal state.
var transitions = map[CreditState][]CreditState{
	StateApproved:  {StateActive},
	StateActive:    {StateRenewed, StatePastDue, StateGrace},
	StateGrace:     {StateActive, StatePastDue},
	StateRenewed:   {StateInArrears, StatePastDue, StateActive},
	StatePastDue:   {StateInArrears},
	StateInArrears: {StatePaid, StateAuctioned, StateSold},
}

// Valid reports whether s is a known lifecycle state.
func (s CreditState) Valid() bool {
	_, ok := statePriority[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s CreditState) Terminal() bool {
	switch s {
	case StatePaid, StateAuctioned, StateSold, StateCancelled, StateVoided:
		return true
	}
	return false
}

// Priority returns the arbitration rank of s. Unknown states rank 0 so a
// malformed remote state can never beat a valid local one.
func (s CreditState) Priority() int {
	return statePriority[s]
}

// CanTransition reports whether moving from -> to is legal in the lifecycle.
// Payments may settle a credit from any non-terminal state, so paid is
// reachable wherever money can still be received.
func CanTransition(from, to CreditState) bool {
	if from.Terminal() {
		return false
	}
	if !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	// Administrative override and settlement from any live state.
	if to == StateCancelled || to == StateVoided || to == StatePaid {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates and applies a state change on the credit.
func (c *Credit) Transition(to CreditState) error {
	if !CanTransition(c.State, to) {
		return &ErrIllegalTransition{From: c.State, To: to}
	}
	c.State = to
	return nil
}

// ResolveState arbitrates diverging local and remote states for the same
// credit: the higher-priority state wins, and on a tie the remote value is
// kept (the relational store is the system of record).
func ResolveState(local, remote CreditState) CreditState {
	if local.Priority() > remote.Priority() {
		return local
	}
	return remote
}

// RemoteWins reports whether, after arbitration, the remote copy's fields
// should replace the local ones. True unless the local state strictly
// outranks the remote.
func RemoteWins(local, remote CreditState) bool {
	return remote.Priority() >= local.Priority()
}
