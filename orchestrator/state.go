package orchestrator

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/fedmesh/cotrain/keys"
	"github.com/fedmesh/cotrain/types"
)

func newClientTempID() string {
	return uuid.NewString()
}

// stateMachine guards the active round. Lifecycle operations reserve it with
// begin before doing I/O and release it with finish, so two operations can
// never interleave their side effects; the completion loop mutates it only
// through complete, which re-checks that the round is still the one it
// observed.
type stateMachine struct {
	mu          sync.Mutex
	busy        bool
	round       *types.Round
	roundKey    *keys.RoundKey
	trainerList []types.TrainerNode
}

// begin reserves the machine for one lifecycle operation. The active round
// must be in the expected phase; opening a round requires none to be active.
func (s *stateMachine) begin(expect types.Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.busy {
		return fmt.Errorf("%w: another operation is in progress", types.ErrInvalidTransition)
	}
	if s.round == nil {
		if expect != types.PhaseUpload {
			return types.ErrRoundNotActive
		}
	} else if s.round.Phase != expect {
		return fmt.Errorf("%w: round is in phase %s, operation requires %s",
			types.ErrInvalidTransition, s.round.Phase, expect)
	}
	s.busy = true
	return nil
}

func (s *stateMachine) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
}

// open installs a freshly created round. Caller holds the begin reservation.
func (s *stateMachine) open(round types.Round) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.round = &round
	s.trainerList = nil
	s.roundKey = nil
}

// commit advances the active round to the next phase, recording its ledger id
// once known. Caller holds the begin reservation.
func (s *stateMachine) commit(roundID string, phase types.Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.round == nil {
		return
	}
	if err := checkTransition(s.round.Phase, phase); err != nil {
		panic(err)
	}
	s.round.ID = roundID
	s.round.Phase = phase
}

// complete moves the round to Completed with its decrypted result, unless the
// round changed underneath the completion check.
func (s *stateMachine) complete(roundID, result string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.round == nil || s.round.ID != roundID || s.round.Phase != types.PhaseTraining {
		return false
	}
	s.round.Phase = types.PhaseCompleted
	s.round.ResultRefs = []string{result}
	return true
}

// restore installs a recovered round with its reloaded key.
func (s *stateMachine) restore(round types.Round, key *keys.RoundKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.round = &round
	s.roundKey = key
	s.trainerList = nil
}

func (s *stateMachine) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.round = nil
	s.roundKey = nil
	s.trainerList = nil
}

func (s *stateMachine) snapshot() (types.Round, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.round == nil {
		return types.Round{}, false
	}
	return *s.round, true
}

func (s *stateMachine) setKey(key *keys.RoundKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roundKey = key
}

func (s *stateMachine) key() *keys.RoundKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roundKey
}

func (s *stateMachine) setTrainers(trainers []types.TrainerNode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trainerList = trainers
}

func (s *stateMachine) trainers() []types.TrainerNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.TrainerNode(nil), s.trainerList...)
}
