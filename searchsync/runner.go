package searchsync

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/catalog_search/utils"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

type state int

const (
	stateIdle state = iota
	stateWaitingForDependencies
	stateExtracting
	stateTransforming
	stateLoading
	stateCheckpointing
	stateErrorBackoff
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateWaitingForDependencies:
		return "waiting_for_dependencies"
	case stateExtracting:
		return "extracting"
	case stateTransforming:
		return "transforming"
	case stateLoading:
		return "loading"
	case stateCheckpointing:
		return "checkpointing"
	case stateErrorBackoff:
		return "error_backoff"
	default:
		return "unknown"
	}
}

// HistoryStore persists per-cycle run records and skip records. Failures
// here are logged, never fatal: history is an operator signal, not part
// of the sync contract.
type HistoryStore interface {
	SaveRun(ctx context.Context, run *RunRecord) error
	SaveSkips(ctx context.Context, runID uint, skips []SkippedRow) error
}

// RunRecord mirrors models.SyncRun without importing gorm into the
// runner's contract.
type RunRecord struct {
	ID              uint
	CorrelationId   string
	EntityType      string
	Status          string
	RecordsSynced   int
	SkipCount       int
	WatermarkBefore string
	WatermarkAfter  string
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Runner drives one entity type through the
// Idle -> WaitingForDependencies -> Extracting -> Transforming ->
// Loading -> Checkpointing cycle, dropping into ErrorBackoff on any
// transient failure. It owns that entity type's watermark: exactly one
// in-flight cycle at a time, and the watermark advances only after a
// successful load.
type Runner struct {
	entityType  string
	checkpoints CheckpointStore
	extractor   Extractor
	loader      Loader
	history     HistoryStore
	log         *logrus.Logger

	batchSize         int
	pollInterval      time.Duration
	backoffInitial    time.Duration
	backoffMax        time.Duration
	readinessInterval time.Duration

	// Optional cross-instance cycle lock. Correctness comes from the
	// checkpoint CAS; the lock only avoids duplicate work when several
	// service instances run the same entity type.
	locker  *redislock.Client
	lockTTL time.Duration

	nudge chan struct{}
}

type RunnerOptions struct {
	EntityType        string
	Checkpoints       CheckpointStore
	Extractor         Extractor
	Loader            Loader
	History           HistoryStore
	Logger            *logrus.Logger
	BatchSize         int
	PollInterval      time.Duration
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	ReadinessInterval time.Duration
	Locker            *redislock.Client
	LockTTL           time.Duration
}

func NewRunner(opts RunnerOptions) *Runner {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Runner{
		entityType:        opts.EntityType,
		checkpoints:       opts.Checkpoints,
		extractor:         opts.Extractor,
		loader:            opts.Loader,
		history:           opts.History,
		log:               opts.Logger,
		batchSize:         opts.BatchSize,
		pollInterval:      opts.PollInterval,
		backoffInitial:    opts.BackoffInitial,
		backoffMax:        opts.BackoffMax,
		readinessInterval: opts.ReadinessInterval,
		locker:            opts.Locker,
		lockTTL:           opts.LockTTL,
		nudge:             make(chan struct{}, 1),
	}
}

// Nudge wakes the runner out of its poll sleep. It never blocks; a
// nudge during an active cycle is coalesced into at most one extra run.
func (r *Runner) Nudge() {
	select {
	case r.nudge <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled. Cancellation is observed only at
// cycle boundaries: a started batch always either completes fully or
// fails cleanly into backoff.
func (r *Runner) Run(ctx context.Context) {
	backoff := r.backoffInitial
	for {
		if ctx.Err() != nil {
			return
		}
		if !r.waitForDependencies(ctx) {
			return
		}

		lock, obtained := r.obtainLock(ctx)
		if !obtained {
			if !r.idle(ctx) {
				return
			}
			continue
		}

		advanced, err := r.runCycle(ctx)
		if lock != nil {
			_ = lock.Release(context.WithoutCancel(ctx))
		}

		switch {
		case err != nil:
			wait := withJitter(backoff)
			r.fields(stateErrorBackoff).WithField("retry_in", wait.String()).Warn(err.Error())
			if !sleepCtx(ctx, wait) {
				return
			}
			backoff = nextBackoff(backoff, r.backoffMax)
		case !advanced:
			// Empty batch: bounded-time cycle, watermark untouched.
			backoff = r.backoffInitial
			if !r.idle(ctx) {
				return
			}
		default:
			backoff = r.backoffInitial
		}
	}
}

// runCycle performs one Extract -> Transform -> Load -> Checkpoint pass.
// It returns (false, nil) for an empty batch and (true, nil) once the
// watermark is known to cover the batch, whether we advanced it or a
// concurrent runner did.
func (r *Runner) runCycle(ctx context.Context) (bool, error) {
	ctx = utils.SetCorrelationIdInContext(ctx, utils.CorrelationIdFromContextOrNew(ctx))
	ctx = utils.SetEntityTypeInContext(ctx, r.entityType)
	startedAt := time.Now()

	since, _, err := r.checkpoints.Get(ctx, r.entityType)
	if err != nil {
		return false, err
	}

	r.fields(stateExtracting).WithField("watermark", since.String()).Debug("extracting batch")
	batch, err := r.extractor.Extract(ctx, r.entityType, since, r.batchSize)
	if err != nil {
		return false, err
	}
	if batch.Empty() {
		return false, nil
	}

	docs, skipped := Transform(batch)

	var result LoadResult
	if len(docs) > 0 {
		result, err = r.loader.Load(ctx, r.entityType, docs)
		if err != nil {
			return false, err
		}
	}
	for _, id := range sortedKeys(result.Failed) {
		skipped = append(skipped, SkippedRow{SourceID: id, Code: "index_rejected", Reason: result.Failed[id]})
	}

	// The new watermark comes from the source batch's max
	// (modified_at, id), skipped rows included: a permanently skipped
	// row is never re-extracted.
	next := batch.MaxWatermark()
	err = r.checkpoints.Set(ctx, r.entityType, next, since)
	if errors.Is(err, ErrCheckpointConflict) {
		current, _, rerr := r.checkpoints.Get(ctx, r.entityType)
		if rerr != nil {
			return false, rerr
		}
		r.fields(stateCheckpointing).WithFields(logrus.Fields{
			"attempted": next.String(),
			"current":   current.String(),
		}).Warn("watermark advanced concurrently; treating batch as processed")
		return true, nil
	}
	if err != nil {
		return false, err
	}

	for _, skip := range skipped {
		r.fields(stateCheckpointing).WithFields(logrus.Fields{
			"source_id": skip.SourceID,
			"code":      skip.Code,
		}).Warn("row skipped: " + skip.Reason)
	}

	r.recordHistory(ctx, since, next, len(result.Succeeded), skipped, startedAt)

	r.fields(stateIdle).WithFields(logrus.Fields{
		"loaded":    len(result.Succeeded),
		"skipped":   len(skipped),
		"watermark": next.String(),
		"took_ms":   time.Since(startedAt).Milliseconds(),
	}).Info("cycle complete")
	return true, nil
}

func (r *Runner) recordHistory(ctx context.Context, before, after Watermark, loaded int, skipped []SkippedRow, startedAt time.Time) {
	if r.history == nil {
		return
	}
	status := RunStatusSuccess
	if len(skipped) > 0 {
		status = RunStatusPartial
	}
	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	run := &RunRecord{
		CorrelationId:   cid,
		EntityType:      r.entityType,
		Status:          status,
		RecordsSynced:   loaded,
		SkipCount:       len(skipped),
		WatermarkBefore: before.Encode(),
		WatermarkAfter:  after.Encode(),
		StartedAt:       startedAt,
		FinishedAt:      time.Now(),
	}
	if err := r.history.SaveRun(ctx, run); err != nil {
		r.fields(stateIdle).Warn("failed to record sync run: " + err.Error())
		return
	}
	if err := r.history.SaveSkips(ctx, run.ID, skipped); err != nil {
		r.fields(stateIdle).Warn("failed to record sync skips: " + err.Error())
	}
}

// waitForDependencies blocks until the relational store, checkpoint
// store and search index all answer a trivial probe. The wait is
// unbounded with a fixed retry interval; waiting is logged but never
// counted as an error.
func (r *Runner) waitForDependencies(ctx context.Context) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		failing := ""
		if err := r.extractor.Ready(ctx); err != nil {
			failing = "source: " + err.Error()
		} else if err := r.checkpoints.Ready(ctx); err != nil {
			failing = "checkpoints: " + err.Error()
		} else if err := r.loader.Ready(ctx); err != nil {
			failing = "sink: " + err.Error()
		}
		if failing == "" {
			return true
		}
		r.fields(stateWaitingForDependencies).Info("waiting for dependencies: " + failing)
		if !sleepCtx(ctx, r.readinessInterval) {
			return false
		}
	}
}

func (r *Runner) obtainLock(ctx context.Context) (*redislock.Lock, bool) {
	if r.locker == nil {
		return nil, true
	}
	lock, err := r.locker.Obtain(ctx, "catalog:sync:lock:"+r.entityType, r.lockTTL, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false
	}
	if err != nil {
		r.fields(stateIdle).Warn("cycle lock unavailable: " + err.Error())
		return nil, false
	}
	return lock, true
}

// idle sleeps for the poll interval, waking early on a nudge.
func (r *Runner) idle(ctx context.Context) bool {
	t := time.NewTimer(r.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	case <-r.nudge:
		return true
	}
}

func (r *Runner) fields(s state) *logrus.Entry {
	return r.log.WithFields(logrus.Fields{
		"module": "searchsync",
		"entity": r.entityType,
		"state":  s.String(),
	})
}

const (
	RunStatusSuccess = "success"
	RunStatusPartial = "partial"
)

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	cur *= 2
	if cur > max {
		cur = max
	}
	return cur
}

// withJitter spreads retries over [d/2, d] so stalled runners do not
// hammer a recovering dependency in lockstep.
func withJitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
