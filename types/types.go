package types

import "time"

// Phase is a stage in the lifecycle of a training round. Phases only move
// forward; the single allowed jump backwards is the explicit operator reset
// from Completed back to Upload, which starts an unrelated round.
type Phase int

const (
	PhaseUpload Phase = iota
	PhasePayment
	PhaseAssembling
	PhaseTraining
	PhaseCompleted
)

func (p Phase) String() string {
	switch p {
	case PhaseUpload:
		return "upload"
	case PhasePayment:
		return "payment"
	case PhaseAssembling:
		return "assembling"
	case PhaseTraining:
		return "training"
	case PhaseCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Role of a mesh participant in a round.
type Role string

const (
	RoleTrainer Role = "TRAINER"
	RoleClient  Role = "CLIENT"
)

// TrainerNode is a network participant discovered while a round assembles.
// Produced fresh on every poll tick; never persisted.
type TrainerNode struct {
	PeerID     string
	PublicAddr string
	Addr       string
	Role       Role
}

// LogEntry is a single consensus-log message relayed for a round.
type LogEntry struct {
	Content   string
	Timestamp string
}

// UploadResult caches the outcome of the asset upload step until the round
// id exists and the record can be persisted.
type UploadResult struct {
	DatasetManifestRef string
	ModelRef           string
	ChunkCount         int
}

// Round is one funded training job, tracked end to end.
type Round struct {
	// ID is the ledger-assigned task id. Empty until escrow confirms.
	ID string
	// ClientTempID identifies the round locally before ID exists.
	ClientTempID string

	ProjectName        string
	Phase              Phase
	DatasetManifestRef string
	ModelRef           string
	ChunkCount         int
	ResultRefs         []string
	CreatedAt          time.Time
}
