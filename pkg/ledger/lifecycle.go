package ledger

// Lifecycle state vocabulary. These are the states entities move through;
// transition validation in the projector and replay engine is a pure table
// lookup over them.
const (
	StateDiscovered = "discovered"
	StateClaimed    = "claimed"
	StateCompleted  = "completed"
	StateFailed     = "failed"
	StateCancelled  = "cancelled"
	StateInitiated  = "initiated"
	StateVoteCast   = "vote_cast"
	StateResolved   = "resolved"
	StateExpired    = "expired"
	StateStarted    = "started"
	StateConfirmed  = "confirmed"
	StateAborted    = "aborted"
)

// LifecycleTable is the allowed-transition table for one entity domain.
type LifecycleTable struct {
	Initial string
	Allowed map[string][]string
}

// ValidTransition reports whether moving from prior to next is allowed.
// prior=="" means the entity has no recorded state yet, in which case only
// the initial state is valid.
func (t *LifecycleTable) ValidTransition(prior, next string) bool {
	if prior == "" {
		return next == t.Initial
	}
	for _, s := range t.Allowed[prior] {
		if s == next {
			return true
		}
	}
	return false
}

var taskLifecycle = &LifecycleTable{
	Initial: StateDiscovered,
	Allowed: map[string][]string{
		StateDiscovered: {StateClaimed, StateCancelled},
		StateClaimed:    {StateCompleted, StateFailed, StateCancelled},
	},
}

var disputeLifecycle = &LifecycleTable{
	Initial: StateInitiated,
	Allowed: map[string][]string{
		StateInitiated: {StateVoteCast, StateResolved, StateCancelled, StateExpired},
		StateVoteCast:  {StateVoteCast, StateResolved, StateCancelled, StateExpired},
	},
}

var speculationLifecycle = &LifecycleTable{
	Initial: StateStarted,
	Allowed: map[string][]string{
		StateStarted: {StateConfirmed, StateAborted},
	},
}

// Lifecycle returns the transition table for a domain, or nil for
// DomainNone.
func Lifecycle(d Domain) *LifecycleTable {
	switch d {
	case DomainTask:
		return taskLifecycle
	case DomainDispute:
		return disputeLifecycle
	case DomainSpeculation:
		return speculationLifecycle
	default:
		return nil
	}
}
