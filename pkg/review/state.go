package review

// EpisodeState is the review progress of one block.
type EpisodeState string

const (
	StateReceived   EpisodeState = "received"
	StateFixable    EpisodeState = "triaged_fixable"
	StateNotFixable EpisodeState = "triaged_not_fixable"
	StateDrafted    EpisodeState = "drafted"
	StateValidated  EpisodeState = "validated"
	StateAccepted   EpisodeState = "accepted"
	StateExhausted  EpisodeState = "exhausted"
)

var transitions = map[EpisodeState][]EpisodeState{
	StateReceived:  {StateFixable, StateNotFixable},
	StateFixable:   {StateDrafted, StateExhausted},
	StateDrafted:   {StateValidated, StateDrafted, StateExhausted},
	StateValidated: {StateAccepted, StateDrafted, StateExhausted},
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s EpisodeState) CanTransition(next EpisodeState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s EpisodeState) Terminal() bool {
	return len(transitions[s]) == 0
}
