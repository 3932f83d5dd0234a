package orchestrator

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fedmesh/cotrain/state"
	"github.com/fedmesh/cotrain/types"
)

const roundStateFile = "round.bin"

// roundSnapshot is the serialized form of the active round. Kept separate
// from types.Round so the on-disk layout only uses XDR-friendly field types.
type roundSnapshot struct {
	ID                 string
	ClientTempID       string
	ProjectName        string
	Phase              int32
	DatasetManifestRef string
	ModelRef           string
	ChunkCount         uint32
	ResultRefs         []string
	CreatedAt          string
}

func (o *Orchestrator) roundStatePath() string {
	return filepath.Join(o.cfg.DataDir, roundStateFile)
}

// persistRound snapshots the active round to disk. A crash between upload and
// payment then keeps the cached asset references.
func (o *Orchestrator) persistRound() error {
	round, ok := o.sm.snapshot()
	if !ok {
		return nil
	}
	if err := os.MkdirAll(o.cfg.DataDir, 0o700); err != nil {
		return err
	}
	return state.Persist(o.roundStatePath(), &roundSnapshot{
		ID:                 round.ID,
		ClientTempID:       round.ClientTempID,
		ProjectName:        round.ProjectName,
		Phase:              int32(round.Phase),
		DatasetManifestRef: round.DatasetManifestRef,
		ModelRef:           round.ModelRef,
		ChunkCount:         uint32(round.ChunkCount),
		ResultRefs:         round.ResultRefs,
		CreatedAt:          round.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (o *Orchestrator) loadPersistedRound() (types.Round, bool) {
	var snapshot roundSnapshot
	if err := state.Load(o.roundStatePath(), &snapshot); err != nil {
		return types.Round{}, false
	}
	createdAt, err := time.Parse(time.RFC3339, snapshot.CreatedAt)
	if err != nil {
		createdAt = time.Time{}
	}
	return types.Round{
		ID:                 snapshot.ID,
		ClientTempID:       snapshot.ClientTempID,
		ProjectName:        snapshot.ProjectName,
		Phase:              types.Phase(snapshot.Phase),
		DatasetManifestRef: snapshot.DatasetManifestRef,
		ModelRef:           snapshot.ModelRef,
		ChunkCount:         int(snapshot.ChunkCount),
		ResultRefs:         snapshot.ResultRefs,
		CreatedAt:          createdAt,
	}, true
}

func (o *Orchestrator) clearPersistedRound() {
	_ = os.Remove(o.roundStatePath())
}
