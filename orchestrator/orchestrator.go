// Package orchestrator drives a training round end to end: asset upload,
// escrow payment, trainer assembly, dispatch, and encrypted result retrieval.
// At most one round is active per node at any time.
package orchestrator

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"path/filepath"
	"strconv"
	"time"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru"
	"github.com/minio/sha256-simd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fedmesh/cotrain/history"
	"github.com/fedmesh/cotrain/keys"
	"github.com/fedmesh/cotrain/ledger"
	"github.com/fedmesh/cotrain/logging"
	"github.com/fedmesh/cotrain/types"
)

var (
	roundPhase = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cotrain",
		Subsystem: "round",
		Name:      "phase",
		Help:      "Phase of the active round (0=upload .. 4=completed)",
	})
	roundsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cotrain",
		Subsystem: "round",
		Name:      "completed_total",
		Help:      "Training rounds completed with a decrypted result",
	})
)

const seenEventsCacheSize = 1024

// AssetUploader publishes the dataset and model to the object store.
type AssetUploader interface {
	UploadDataset(ctx context.Context, src io.Reader, maxChunkBytes int) (string, int, error)
	UploadFile(ctx context.Context, src io.Reader) (string, error)
}

// Escrow funds a task on the ledger and resolves its assigned id.
type Escrow interface {
	CreateFundedTask(ctx context.Context, modelRef, datasetRef string, chunkCount uint64, amount *big.Int) (string, error)
	ResolveTaskID(ctx context.Context) (uint64, error)
}

// Network announces rounds to the p2p gateway.
type Network interface {
	Advertize(ctx context.Context, roundID string) (bool, error)
}

// AssemblyWatcher reports the trainers that joined a round until cancelled.
type AssemblyWatcher interface {
	Start(ctx context.Context, roundID string, onUpdate func([]types.TrainerNode)) context.CancelFunc
}

// TrainingDispatcher sends the begin-training command to the network.
type TrainingDispatcher interface {
	Dispatch(ctx context.Context, roundID, datasetRef, modelRef, publicKeyTransport string) error
}

// LogRelay owns the consensus-log subscription for the active round.
type LogRelay interface {
	Start(ctx context.Context, roundID, topicID string) error
	Stop() error
}

// History is the durable round record store.
type History interface {
	Add(record history.Record) error
	Get() ([]history.Record, error)
	Update(id string, apply func(*history.Record)) error
}

// Deps are the collaborators a round lifecycle needs. All are required.
type Deps struct {
	Uploader   AssetUploader
	Escrow     Escrow
	Ledger     ledger.Ledger
	Network    Network
	Assembly   AssemblyWatcher
	Dispatcher TrainingDispatcher
	Relay      LogRelay
	History    History
}

// Orchestrator is the single-round lifecycle driver.
type Orchestrator struct {
	cfg  Config
	deps Deps

	sm             stateMachine
	seenEvents     *lru.Cache
	newRoundID     func() string
	cancelAssembly context.CancelFunc
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	seen, err := lru.New(seenEventsCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating event cache: %w", err)
	}
	return &Orchestrator{
		cfg:        cfg,
		deps:       deps,
		seenEvents: seen,
		newRoundID: newClientTempID,
	}, nil
}

// Round returns a snapshot of the active round, or false if none is active.
func (o *Orchestrator) Round() (types.Round, bool) {
	return o.sm.snapshot()
}

// Trainers returns the most recent assembly snapshot for the active round.
func (o *Orchestrator) Trainers() []types.TrainerNode {
	return o.sm.trainers()
}

// UploadAssets chunks and uploads the dataset, uploads the model program, and
// opens a new round in the Payment phase. Upload I/O runs outside the round
// lock; the round state only changes once both uploads succeeded.
func (o *Orchestrator) UploadAssets(ctx context.Context, projectName string, dataset, model io.Reader) error {
	if err := o.sm.begin(types.PhaseUpload); err != nil {
		return err
	}
	defer o.sm.finish()

	logger := logging.FromContext(ctx).Named("orchestrator")

	manifestRef, chunkCount, err := o.deps.Uploader.UploadDataset(ctx, dataset, o.cfg.MaxChunkBytes)
	if err != nil {
		return fmt.Errorf("uploading dataset: %w", err)
	}
	modelRef, err := o.deps.Uploader.UploadFile(ctx, model)
	if err != nil {
		return fmt.Errorf("uploading model: %w", err)
	}

	round := types.Round{
		ClientTempID:       o.newRoundID(),
		ProjectName:        projectName,
		Phase:              types.PhasePayment,
		DatasetManifestRef: manifestRef,
		ModelRef:           modelRef,
		ChunkCount:         chunkCount,
		CreatedAt:          time.Now().UTC(),
	}
	o.sm.open(round)
	roundPhase.Set(float64(types.PhasePayment))
	if err := o.persistRound(); err != nil {
		logger.Warn("failed to persist round state", zap.Error(err))
	}

	logger.Info("assets uploaded, round opened",
		zap.String("temp_id", round.ClientTempID),
		zap.String("project", projectName),
		zap.Int("chunks", chunkCount),
	)
	return nil
}

// PayAndInitialize funds the task in escrow, resolves the assigned task id,
// advertises the round to the network and starts assembly polling. On any
// failure the round stays in the Payment phase with its uploaded assets
// cached, so the operator retries the payment without re-uploading.
func (o *Orchestrator) PayAndInitialize(ctx context.Context, amount *big.Int) error {
	if err := o.sm.begin(types.PhasePayment); err != nil {
		return err
	}
	defer o.sm.finish()

	logger := logging.FromContext(ctx).Named("orchestrator")
	round, _ := o.sm.snapshot()

	txID, err := o.deps.Escrow.CreateFundedTask(ctx, round.ModelRef, round.DatasetManifestRef, uint64(round.ChunkCount), amount)
	if err != nil {
		logger.Warn("payment failed, round stays in payment phase", zap.Error(err))
		return fmt.Errorf("funding task: %w", err)
	}
	logger.Info("task funded", zap.String("tx", txID))

	taskID, err := o.deps.Escrow.ResolveTaskID(ctx)
	if err != nil {
		return fmt.Errorf("resolving task id: %w", err)
	}
	roundID := strconv.FormatUint(taskID, 10)

	ok, err := o.deps.Network.Advertize(ctx, roundID)
	if err != nil {
		return fmt.Errorf("advertising round %s: %w", roundID, err)
	}
	if !ok {
		return fmt.Errorf("advertising round %s: gateway did not confirm", roundID)
	}

	if err := o.deps.History.Add(history.Record{
		ID:                 roundID,
		ProjectName:        round.ProjectName,
		DatasetManifestRef: round.DatasetManifestRef,
		ModelRef:           round.ModelRef,
		ChunkCount:         uint32(round.ChunkCount),
		CreatedAt:          round.CreatedAt.Format(time.RFC3339),
		Status:             history.StatusInitialized,
	}); err != nil {
		return fmt.Errorf("recording round %s: %w", roundID, err)
	}

	o.startAssembly(ctx, roundID)
	o.sm.commit(roundID, types.PhaseAssembling)
	roundPhase.Set(float64(types.PhaseAssembling))
	if err := o.persistRound(); err != nil {
		logger.Warn("failed to persist round state", zap.Error(err))
	}

	logger.Info("round initialized, assembling trainers",
		zap.String("round", roundID),
		zap.Int("optimal_trainers", o.cfg.OptimalTrainers),
	)
	return nil
}

// BeginTraining generates the round keypair, persists its private half, and
// dispatches the training command carrying the asset references and the
// transport-encoded public key. Requires at least MinTrainers assembled.
func (o *Orchestrator) BeginTraining(ctx context.Context) error {
	if err := o.sm.begin(types.PhaseAssembling); err != nil {
		return err
	}
	defer o.sm.finish()

	logger := logging.FromContext(ctx).Named("orchestrator")
	round, _ := o.sm.snapshot()

	if len(o.sm.trainers()) < o.cfg.MinTrainers {
		return fmt.Errorf("%w: %d assembled, need %d", types.ErrNoTrainers, len(o.sm.trainers()), o.cfg.MinTrainers)
	}

	key, err := keys.Generate()
	if err != nil {
		return err
	}
	if err := key.Save(o.roundKeyDir(round.ID)); err != nil {
		return fmt.Errorf("persisting round key: %w", err)
	}
	transport, err := key.ExportPublicForTransport()
	if err != nil {
		return err
	}

	if err := o.deps.Dispatcher.Dispatch(ctx, round.ID, round.DatasetManifestRef, round.ModelRef, transport); err != nil {
		return err
	}

	if err := o.deps.History.Update(round.ID, func(r *history.Record) {
		r.Status = history.StatusRunning
	}); err != nil {
		return fmt.Errorf("recording training start: %w", err)
	}

	o.stopAssembly()
	// The subscription runs until completion, beyond this call's lifetime.
	if err := o.deps.Relay.Start(context.WithoutCancel(ctx), round.ID, o.cfg.TopicID); err != nil {
		logger.Warn("log relay failed to start, training proceeds without live logs", zap.Error(err))
	}

	o.sm.setKey(key)
	o.sm.commit(round.ID, types.PhaseTraining)
	roundPhase.Set(float64(types.PhaseTraining))
	if err := o.persistRound(); err != nil {
		logger.Warn("failed to persist round state", zap.Error(err))
	}

	logger.Info("training dispatched", zap.String("round", round.ID))
	return nil
}

// ResetTraining closes a completed round and returns the node to the Upload
// phase, ready for an unrelated round. The completed round's record and logs
// stay in history.
func (o *Orchestrator) ResetTraining() error {
	if err := o.sm.begin(types.PhaseCompleted); err != nil {
		return err
	}
	defer o.sm.finish()

	o.stopAssembly()
	if err := o.deps.Relay.Stop(); err != nil {
		return fmt.Errorf("stopping log relay: %w", err)
	}
	o.sm.close()
	o.clearPersistedRound()
	roundPhase.Set(float64(types.PhaseUpload))
	return nil
}

// Run polls the ledger for completion of the active round's task until ctx is
// cancelled. A task that no longer exists has been paid out, which means the
// result events are final and can be read.
func (o *Orchestrator) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("completion")
	ticker := time.NewTicker(o.cfg.CompletionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		o.checkCompletion(ctx, logger)
	}
}

func (o *Orchestrator) checkCompletion(ctx context.Context, logger *zap.Logger) {
	round, ok := o.sm.snapshot()
	if !ok || round.Phase != types.PhaseTraining {
		return
	}
	taskID, err := strconv.ParseUint(round.ID, 10, 64)
	if err != nil {
		logger.Error("active round has malformed task id", zap.String("round", round.ID))
		return
	}

	exists, err := o.deps.Ledger.TaskExists(ctx, taskID)
	if err != nil {
		logger.Warn("task existence check failed, retrying next tick", zap.Error(err))
		return
	}
	if exists {
		logger.Debug("task still outstanding", zap.String("round", round.ID))
		return
	}

	// The task left the contract's active set. Give the mirror time to index
	// the final events before reading them.
	logger.Info("task settled, reading result events", zap.String("round", round.ID))
	if err := sleep(ctx, o.cfg.SettleDelay); err != nil {
		return
	}

	result, err := o.collectResult(ctx, logger, taskID)
	if err != nil {
		logger.Warn("result not readable yet, retrying next tick", zap.Error(err))
		return
	}

	if err := o.deps.History.Update(round.ID, func(r *history.Record) {
		r.Status = history.StatusCompleted
		r.ResultRef = result
	}); err != nil {
		logger.Error("failed to record completion", zap.Error(err))
		return
	}
	if err := o.deps.Relay.Stop(); err != nil {
		logger.Warn("failed to stop log relay", zap.Error(err))
	}

	// The operator may have reset the round while we were decrypting; a
	// finished round that is no longer active stays closed.
	if o.sm.complete(round.ID, result) {
		roundPhase.Set(float64(types.PhaseCompleted))
		roundsCompleted.Inc()
		if err := o.persistRound(); err != nil {
			logger.Warn("failed to persist round state", zap.Error(err))
		}
		logger.Info("round completed", zap.String("round", round.ID))
	}
}

// collectResult scans recent contract events for this task's result and
// decrypts it with the round key. Shares that fail to decrypt are skipped; at
// least one share must decrypt for the result to count.
func (o *Orchestrator) collectResult(ctx context.Context, logger *zap.Logger, taskID uint64) (string, error) {
	logs, err := o.deps.Ledger.GetLogs(ctx)
	if err != nil {
		return "", fmt.Errorf("reading contract logs: %w", err)
	}
	if len(logs) > o.cfg.EventLookbackLimit {
		logs = logs[:o.cfg.EventLookbackLimit]
	}

	key := o.sm.key()
	if key == nil {
		return "", fmt.Errorf("no round key loaded")
	}

	for _, entry := range logs {
		cacheKey := eventKey(entry)
		if o.seenEvents.Contains(cacheKey) {
			continue
		}

		event, err := ledger.DecodeWeightsSubmitted(entry)
		if err != nil {
			o.seenEvents.Add(cacheKey, struct{}{})
			continue
		}
		if event.TaskID.Uint64() != taskID {
			continue
		}
		o.seenEvents.Add(cacheKey, struct{}{})

		var result string
		decrypted := 0
		for i, share := range event.Shares {
			plaintext, err := key.DecryptShare(share)
			if err != nil {
				logger.Warn("skipping undecryptable result share",
					zap.Int("share", i),
					zap.Error(err),
				)
				continue
			}
			result += plaintext
			decrypted++
		}
		if decrypted == 0 {
			return "", fmt.Errorf("%w: no result share decrypted", types.ErrDecryption)
		}
		return result, nil
	}
	return "", fmt.Errorf("no result event found for task %d", taskID)
}

// eventKey identifies a log entry for deduplication. The mirror is not
// guaranteed to report a distinct transaction hash and index per entry, so
// the key covers the entry's content as well; two entries must never share a
// key unless they are the same event.
func eventKey(entry ethtypes.Log) string {
	h := sha256.New()
	h.Write(entry.TxHash.Bytes())
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(entry.Index))
	h.Write(idx[:])
	for _, topic := range entry.Topics {
		h.Write(topic.Bytes())
	}
	h.Write(entry.Data)
	return hex.EncodeToString(h.Sum(nil))
}

// Recover re-arms a round that was mid-training when the process stopped: its
// private key is reloaded from disk and the log relay restarted, so the
// completion loop can still decrypt the result.
func (o *Orchestrator) Recover(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("orchestrator")

	records, err := o.deps.History.Get()
	if err != nil {
		return fmt.Errorf("reading history: %w", err)
	}

	var running *history.Record
	for i := range records {
		if records[i].Status != history.StatusRunning {
			continue
		}
		if running != nil {
			logger.Warn("multiple running rounds in history, recovering the newest",
				zap.String("skipped", running.ID))
		}
		if running == nil || records[i].CreatedAt > running.CreatedAt {
			running = &records[i]
		}
	}
	if running == nil {
		return o.recoverSnapshot(ctx, logger)
	}

	key, err := keys.Load(o.roundKeyDir(running.ID))
	if err != nil {
		return fmt.Errorf("reloading key for round %s: %w", running.ID, err)
	}

	createdAt, err := time.Parse(time.RFC3339, running.CreatedAt)
	if err != nil {
		createdAt = time.Time{}
	}
	o.sm.restore(types.Round{
		ID:                 running.ID,
		ProjectName:        running.ProjectName,
		Phase:              types.PhaseTraining,
		DatasetManifestRef: running.DatasetManifestRef,
		ModelRef:           running.ModelRef,
		ChunkCount:         int(running.ChunkCount),
		CreatedAt:          createdAt,
	}, key)
	roundPhase.Set(float64(types.PhaseTraining))

	if err := o.deps.Relay.Start(context.WithoutCancel(ctx), running.ID, o.cfg.TopicID); err != nil {
		logger.Warn("log relay failed to restart after recovery", zap.Error(err))
	}
	logger.Info("recovered running round", zap.String("round", running.ID))
	return nil
}

// recoverSnapshot restores a round that had not reached training yet: its
// uploaded asset references (and, past payment, its task id) come back from
// the on-disk snapshot, so the operator resumes instead of re-uploading.
func (o *Orchestrator) recoverSnapshot(ctx context.Context, logger *zap.Logger) error {
	round, ok := o.loadPersistedRound()
	if !ok {
		return nil
	}
	switch round.Phase {
	case types.PhasePayment, types.PhaseAssembling, types.PhaseCompleted:
	default:
		// Training rounds are recovered from history; anything else is stale.
		o.clearPersistedRound()
		return nil
	}

	o.sm.restore(round, nil)
	roundPhase.Set(float64(round.Phase))
	if round.Phase == types.PhaseAssembling {
		o.startAssembly(ctx, round.ID)
	}
	logger.Info("recovered round from snapshot",
		zap.String("round", round.ID),
		zap.Stringer("phase", round.Phase),
	)
	return nil
}

// startAssembly polls until stopAssembly. The poller outlives the lifecycle
// call that started it, so it must not inherit the caller's cancellation.
func (o *Orchestrator) startAssembly(ctx context.Context, roundID string) {
	o.stopAssembly()
	o.cancelAssembly = o.deps.Assembly.Start(context.WithoutCancel(ctx), roundID, o.sm.setTrainers)
}

func (o *Orchestrator) stopAssembly() {
	if o.cancelAssembly != nil {
		o.cancelAssembly()
		o.cancelAssembly = nil
	}
}

func (o *Orchestrator) roundKeyDir(roundID string) string {
	return filepath.Join(o.cfg.DataDir, "rounds", roundID)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
