package orchestrator

import (
	"fmt"

	"github.com/fedmesh/cotrain/types"
)

// The phase graph of a round. Phases only move forward; the single backward
// edge is the explicit operator reset from Completed to Upload, which begins
// an unrelated round.
var transitions = map[types.Phase][]types.Phase{
	types.PhaseUpload:     {types.PhasePayment},
	types.PhasePayment:    {types.PhaseAssembling},
	types.PhaseAssembling: {types.PhaseTraining},
	types.PhaseTraining:   {types.PhaseCompleted},
	types.PhaseCompleted:  {types.PhaseUpload},
}

// ValidTransition reports whether a round may move from one phase to another.
func ValidTransition(from, to types.Phase) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to types.Phase) error {
	if !ValidTransition(from, to) {
		return fmt.Errorf("%w: %s to %s", types.ErrInvalidTransition, from, to)
	}
	return nil
}
