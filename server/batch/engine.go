// Package batch implements the durable, resumable job engine driving
// AI-analysis runs over large entity sets. A single persisted job record
// is advanced by repeated, time-boxed invocations of ProcessNextBatch,
// scheduled through the host scheduler. Progress is persisted after every
// unit of work, so the engine survives process restarts, disconnected
// clients and dropped scheduler wake-ups.
package batch

import (
	"context"
	"encoding/json"

	"github.com/WatchBeam/clock"
	"github.com/bahmankhah/forooshyar-sub000/server/cbreaker"
	"github.com/bahmankhah/forooshyar-sub000/server/config"
	"github.com/bahmankhah/forooshyar-sub000/server/contexts/ctxerr"
	"github.com/bahmankhah/forooshyar-sub000/server/forooshyar"
	"github.com/bahmankhah/forooshyar-sub000/server/ratelimit"
	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
)

const (
	// jobKey is the KV key of the singleton analysis job record.
	jobKey = "analysis:job"
	// summaryKey holds the summary of the most recent terminal run.
	summaryKey = "analysis:last_run"
	// usageKeyPrefix prefixes the monthly completed-runs counters.
	usageKeyPrefix = "usage:analysis_runs:"

	// scheduler task names; re-scheduling a name replaces the earlier
	// request, so explicit re-arms never pile up.
	processTaskName  = "analysis_process_batch"
	livenessTaskName = "analysis_liveness_probe"

	analyzeOperationPrefix = "analyze_"
)

// Engine is the job state machine. NOT SAFE FOR CONCURRENT USE by design:
// one invocation at a time is logically driving the job, and an occasional
// overlapping invocation is tolerated by re-reading the persisted record
// and verifying job id and status before every mutation.
type Engine struct {
	store   forooshyar.KVStore
	sched   forooshyar.Scheduler
	limiter *ratelimit.Limiter
	breaker *cbreaker.Breaker
	clock   clock.Clock
	cfg     config.ForooshyarConfig
	logger  kitlog.Logger

	analyzers map[forooshyar.EntityKind]forooshyar.Analyzer
	actions   forooshyar.ActionExecutor
}

func NewEngine(
	store forooshyar.KVStore,
	sched forooshyar.Scheduler,
	limiter *ratelimit.Limiter,
	breaker *cbreaker.Breaker,
	c clock.Clock,
	cfg config.ForooshyarConfig,
	logger kitlog.Logger,
) *Engine {
	return &Engine{
		store:     store,
		sched:     sched,
		limiter:   limiter,
		breaker:   breaker,
		clock:     c,
		cfg:       cfg,
		logger:    logger,
		analyzers: make(map[forooshyar.EntityKind]forooshyar.Analyzer),
	}
}

// RegisterAnalyzer registers the analyzer for its entity class.
func (e *Engine) RegisterAnalyzer(analyzers ...forooshyar.Analyzer) {
	for _, a := range analyzers {
		e.analyzers[a.EntityKind()] = a
	}
}

// SetActionExecutor sets the optional executor used to auto-execute
// high-priority derived actions when a run completes.
func (e *Engine) SetActionExecutor(x forooshyar.ActionExecutor) {
	e.actions = x
}

// StartJob enqueues a new analysis run and arms the host scheduler. None
// of the entity ids are processed synchronously.
func (e *Engine) StartJob(ctx context.Context, kind forooshyar.JobKind, opts forooshyar.StartOptions) (*forooshyar.AnalysisJob, error) {
	if !e.cfg.Analysis.Enabled {
		return nil, &forooshyar.FeatureDisabledError{}
	}
	if !kind.Valid() {
		return nil, &forooshyar.InvalidJobKindError{Kind: kind}
	}

	current, err := e.loadJob(ctx)
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "load current job")
	}
	if current != nil && (current.Status == forooshyar.JobStatusRunning || current.Status == forooshyar.JobStatusCancelling) {
		if !current.Stale(e.clock.Now().UTC(), e.cfg.Batch.StaleThreshold) {
			return nil, &forooshyar.JobAlreadyRunningError{JobID: current.ID}
		}
		// the driving process likely died or lost its wake-up signal;
		// force-reset the stale job instead of blocking new runs forever
		level.Info(e.logger).Log("msg", "force-resetting stale job", "job_id", current.ID,
			"last_updated", current.LastUpdatedAt)
		if err := e.finalize(ctx, current, forooshyar.JobStatusFailed); err != nil {
			return nil, ctxerr.Wrap(ctx, err, "reset stale job")
		}
	}

	limit := opts.Limit
	if limit <= 0 || limit > e.cfg.Analysis.MaxEntitiesPerKind {
		limit = e.cfg.Analysis.MaxEntitiesPerKind
	}

	now := e.clock.Now().UTC()
	job := &forooshyar.AnalysisJob{
		ID:        uuid.New().String(),
		Status:    forooshyar.JobStatusRunning,
		Kind:      kind,
		Queues:    make(map[forooshyar.EntityKind][]uint),
		Counters:  make(map[forooshyar.EntityKind]*forooshyar.KindCounters),
		StartedAt: now,
	}

	var queued int
	for _, ek := range kind.EntityKinds() {
		analyzer, ok := e.analyzers[ek]
		if !ok {
			continue
		}
		ids, err := analyzer.GetEntities(ctx, limit)
		if err != nil {
			return nil, ctxerr.Wrapf(ctx, err, "list %s entities", ek)
		}
		job.Queues[ek] = ids
		job.CountersFor(ek).Total = len(ids)
		queued += len(ids)
	}
	if queued == 0 {
		return nil, &forooshyar.NoWorkFoundError{Kind: kind}
	}

	if err := e.saveJob(ctx, job); err != nil {
		return nil, ctxerr.Wrap(ctx, err, "persist new job")
	}

	e.sched.ScheduleOnce(processTaskName, 0, e.processEntry)
	e.sched.ScheduleRecurring(livenessTaskName, e.cfg.Batch.LivenessInterval, e.livenessEntry)

	level.Info(e.logger).Log("msg", "analysis job started", "job_id", job.ID, "kind", kind, "queued", queued)
	return job, nil
}

// CancelJob requests cancellation of the running job. Cancellation is
// cooperative: when a unit of work is in flight the job moves to
// cancelling and the actual terminal transition happens inside
// ProcessNextBatch's per-unit check; when nothing is in flight the job
// moves straight to cancelled.
func (e *Engine) CancelJob(ctx context.Context) error {
	job, err := e.loadJob(ctx)
	if err != nil {
		return ctxerr.Wrap(ctx, err, "load current job")
	}
	if job == nil || job.Status != forooshyar.JobStatusRunning {
		return ctxerr.New(ctx, "no analysis job is running")
	}

	if job.CurrentItem == nil {
		return e.finalize(ctx, job, forooshyar.JobStatusCancelled)
	}

	job.Status = forooshyar.JobStatusCancelling
	if err := e.saveJob(ctx, job); err != nil {
		return ctxerr.Wrap(ctx, err, "persist cancellation request")
	}
	level.Info(e.logger).Log("msg", "cancellation requested", "job_id", job.ID)
	return nil
}

// GetProgress returns the operator-facing snapshot of the persisted job.
// It is a pure read and reports an idle snapshot when no job exists.
func (e *Engine) GetProgress(ctx context.Context) (*forooshyar.JobProgress, error) {
	job, err := e.loadJob(ctx)
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "load current job")
	}
	if job == nil {
		return &forooshyar.JobProgress{Status: forooshyar.JobStatusIdle}, nil
	}
	return &forooshyar.JobProgress{
		JobID:               job.ID,
		Status:              job.Status,
		Percentage:          job.Percentage(),
		Counters:            job.Counters,
		CurrentItem:         job.CurrentItem.Description(),
		RecentErrors:        job.RecentErrors,
		CreatedActionsCount: job.CreatedActionsCount,
		StartedAt:           job.StartedAt,
		LastUpdatedAt:       job.LastUpdatedAt,
	}, nil
}

// Acknowledge clears a terminal job record, returning the engine to idle.
func (e *Engine) Acknowledge(ctx context.Context) error {
	job, err := e.loadJob(ctx)
	if err != nil {
		return ctxerr.Wrap(ctx, err, "load current job")
	}
	if job == nil {
		return nil
	}
	if !job.Status.Terminal() {
		return ctxerr.Errorf(ctx, "job %s is %s, only terminal jobs can be acknowledged", job.ID, job.Status)
	}
	return ctxerr.Wrap(ctx, e.store.Delete(ctx, jobKey), "clear job record")
}

// Resume re-arms processing for a job left running by a previous process,
// typically called once at startup. Returns true when a job was resumed.
func (e *Engine) Resume(ctx context.Context) (bool, error) {
	job, err := e.loadJob(ctx)
	if err != nil {
		return false, ctxerr.Wrap(ctx, err, "load current job")
	}
	if job == nil || (job.Status != forooshyar.JobStatusRunning && job.Status != forooshyar.JobStatusCancelling) {
		return false, nil
	}

	level.Info(e.logger).Log("msg", "resuming analysis job", "job_id", job.ID, "status", job.Status)
	e.sched.ScheduleOnce(processTaskName, 0, e.processEntry)
	e.sched.ScheduleRecurring(livenessTaskName, e.cfg.Batch.LivenessInterval, e.livenessEntry)
	return true, nil
}

// CheckLiveness is the recurring probe handler. A running job whose last
// persisted update is older than the stale threshold gets its processing
// re-armed, so the engine makes progress even when the host scheduler
// silently drops a wake-up.
func (e *Engine) CheckLiveness(ctx context.Context) error {
	job, err := e.loadJob(ctx)
	if err != nil {
		return ctxerr.Wrap(ctx, err, "load current job")
	}
	if job == nil {
		return nil
	}
	if job.Status.Terminal() {
		e.sched.Cancel(livenessTaskName)
		return nil
	}
	if job.Stale(e.clock.Now().UTC(), e.cfg.Batch.StaleThreshold) {
		level.Info(e.logger).Log("msg", "stale job detected, re-arming processing", "job_id", job.ID,
			"last_updated", job.LastUpdatedAt)
		e.sched.ScheduleOnce(processTaskName, 0, e.processEntry)
	}
	return nil
}

func (e *Engine) processEntry(ctx context.Context) {
	if err := e.ProcessNextBatch(ctx); err != nil {
		level.Error(e.logger).Log("msg", "process batch", "err", err)
	}
}

func (e *Engine) livenessEntry(ctx context.Context) {
	if err := e.CheckLiveness(ctx); err != nil {
		level.Error(e.logger).Log("msg", "liveness probe", "err", err)
	}
}

// transition moves the job to next, rejecting invalid transitions at the
// boundary rather than trusting caller discipline.
func (e *Engine) transition(ctx context.Context, job *forooshyar.AnalysisJob, next forooshyar.JobStatus) error {
	if !job.Status.CanTransitionTo(next) {
		return ctxerr.Errorf(ctx, "invalid status transition %s -> %s for job %s", job.Status, next, job.ID)
	}
	job.Status = next
	return nil
}

func (e *Engine) loadJob(ctx context.Context) (*forooshyar.AnalysisJob, error) {
	raw, ok, err := e.store.Get(ctx, jobKey)
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "read job record")
	}
	if !ok {
		return nil, nil
	}
	var job forooshyar.AnalysisJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, ctxerr.Wrap(ctx, err, "decode job record")
	}
	return &job, nil
}

// saveJob persists the record, refreshing LastUpdatedAt on every write:
// staleness detection depends on this field alone.
func (e *Engine) saveJob(ctx context.Context, job *forooshyar.AnalysisJob) error {
	job.LastUpdatedAt = e.clock.Now().UTC()
	raw, err := json.Marshal(job)
	if err != nil {
		return ctxerr.Wrap(ctx, err, "encode job record")
	}
	if err := e.store.Set(ctx, jobKey, string(raw)); err != nil {
		return ctxerr.Wrap(ctx, err, "write job record")
	}
	return nil
}
