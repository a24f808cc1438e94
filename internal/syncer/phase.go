package syncer

import "slices"

// Phase is where an entity type's worker is in its sync cycle.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseDraining    Phase = "draining"
	PhaseReconciling Phase = "reconciling"
	PhaseOffline     Phase = "offline"
)

// phaseEdges lists the allowed transitions out of each phase.
var phaseEdges = map[Phase][]Phase{
	PhaseIdle:        {PhaseDraining, PhaseOffline},
	PhaseDraining:    {PhaseReconciling, PhaseIdle, PhaseOffline},
	PhaseReconciling: {PhaseIdle, PhaseOffline},
	PhaseOffline:     {PhaseIdle},
}

// CanTransition reports whether p may move to next. Staying in the same
// phase is always allowed.
func (p Phase) CanTransition(next Phase) bool {
	if p == next {
		return true
	}

	return slices.Contains(phaseEdges[p], next)
}
