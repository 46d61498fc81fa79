package batch

import (
	"context"
	"encoding/json"

	"github.com/bahmankhah/forooshyar-sub000/server/contexts/ctxerr"
	"github.com/bahmankhah/forooshyar-sub000/server/forooshyar"
	"github.com/bahmankhah/forooshyar-sub000/server/ratelimit"
	"github.com/go-kit/log/level"
	multierror "github.com/hashicorp/go-multierror"
)

// ProcessNextBatch is the time-boxed worker entry point, invoked
// repeatedly by the host scheduler. It processes units of work until the
// per-invocation item cap is reached, the wall-clock budget is exceeded or
// the queues are drained, persisting progress after every unit. Unit
// failures never abort the batch; only a hard inability to read or write
// the job record is surfaced.
func (e *Engine) ProcessNextBatch(ctx context.Context) error {
	job, err := e.loadJob(ctx)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	switch job.Status {
	case forooshyar.JobStatusCancelling:
		// the cancellation request arrived with no invocation in between;
		// honor it before doing any work
		return e.finalize(ctx, job, forooshyar.JobStatusCancelled)
	case forooshyar.JobStatusRunning:
	default:
		// not running: safe no-op (e.g. a duplicated scheduler wake-up
		// arriving after completion)
		return nil
	}

	jobID := job.ID

	// re-stamp lastUpdated before doing any work, as liveness proof
	if err := e.saveJob(ctx, job); err != nil {
		return err
	}

	start := e.clock.Now()
	var items int

	for {
		if items >= e.cfg.Batch.MaxItemsPerRun {
			break
		}
		if e.clock.Now().Sub(start) > e.cfg.Batch.RunBudget {
			level.Debug(e.logger).Log("msg", "run budget exceeded", "job_id", jobID, "items", items)
			break
		}

		// re-read the record before each unit: an overlapping invocation,
		// a cancellation request or a fresh job may have changed it
		job, err = e.loadJob(ctx)
		if err != nil {
			return err
		}
		if job == nil || job.ID != jobID {
			return nil
		}
		if job.Status == forooshyar.JobStatusCancelling {
			return e.finalize(ctx, job, forooshyar.JobStatusCancelled)
		}
		if job.Status != forooshyar.JobStatusRunning {
			return nil
		}

		kind, entityID, ok := job.NextPending()
		if !ok {
			break
		}

		decision, err := e.limiter.CheckAndConsume(ctx)
		if err != nil {
			// the limiter shares the KV store; fail open rather than wedge
			// the run on a degraded counter read
			level.Error(e.logger).Log("msg", "rate limiter check failed, proceeding", "err", err)
		} else if !decision.Allowed {
			limitErr := ratelimit.NewError(decision)
			delay := decision.RetryAfter + e.cfg.Batch.RetryBuffer
			level.Info(e.logger).Log("msg", "rate limited, rescheduling batch", "job_id", jobID,
				"err", limitErr, "retry_after_s", limitErr.RetryAfter())
			if err := e.saveJob(ctx, job); err != nil {
				return err
			}
			e.sched.ScheduleOnce(processTaskName, delay, e.processEntry)
			return nil
		}

		if err := e.processUnit(ctx, job, kind, entityID); err != nil {
			return err
		}
		items++
	}

	// the last unit may have raced a cancellation request or a record
	// replacement; re-read so the final write acts on the current record
	job, err = e.loadJob(ctx)
	if err != nil {
		return err
	}
	if job == nil || job.ID != jobID {
		return nil
	}
	switch job.Status {
	case forooshyar.JobStatusCancelling:
		return e.finalize(ctx, job, forooshyar.JobStatusCancelled)
	case forooshyar.JobStatusRunning:
	default:
		return nil
	}

	if job.QueuesEmpty() {
		return e.complete(ctx, job)
	}

	if err := e.saveJob(ctx, job); err != nil {
		return err
	}
	// explicit re-arm rather than relying on the liveness probe, to keep
	// latency low
	e.sched.ScheduleOnce(processTaskName, e.cfg.Batch.RescheduleDelay, e.processEntry)
	return nil
}

// processUnit runs one entity's analysis pass. The analyzer call is
// guarded by the per-operation circuit breaker, so a thrown fault is a
// counted failure and a persistently failing analyzer degrades to cheap
// protected errors instead of being hammered.
func (e *Engine) processUnit(ctx context.Context, job *forooshyar.AnalysisJob, kind forooshyar.EntityKind, entityID uint) error {
	job.CurrentItem = &forooshyar.CurrentItem{Kind: kind, EntityID: entityID, StartedAt: e.clock.Now().UTC()}
	if err := e.saveJob(ctx, job); err != nil {
		return err
	}

	analyzer := e.analyzers[kind]
	res := e.breaker.Execute(ctx, analyzeOperationPrefix+string(kind), func(ctx context.Context) (interface{}, error) {
		if analyzer == nil {
			return nil, ctxerr.Errorf(ctx, "no analyzer registered for kind %s", kind)
		}
		return analyzer.AnalyzeEntity(ctx, entityID)
	}, nil)

	job.Dequeue(kind)
	counters := job.CountersFor(kind)
	counters.Processed++

	switch {
	case res.Success:
		if ar, ok := res.Data.(*forooshyar.AnalyzeResult); ok && ar != nil {
			if ar.Success {
				counters.Succeeded++
				job.CreatedActionsCount += ar.CreatedActions
			} else {
				counters.Failed++
				job.RecordError(kind, entityID, ar.Error)
				level.Debug(e.logger).Log("msg", "analysis reported failure", "job_id", job.ID,
					"kind", kind, "entity_id", entityID, "analyzer_err", ar.Error)
			}
		} else {
			// a degraded source (cache_fallback, minimal) produced no
			// usable analysis for this entity
			counters.Failed++
			job.RecordError(kind, entityID, "empty analysis result (source: "+string(res.Source)+")")
		}
	default:
		counters.Failed++
		job.RecordError(kind, entityID, res.Err.Error())
		level.Debug(e.logger).Log("msg", "analysis unit failed", "job_id", job.ID,
			"kind", kind, "entity_id", entityID, "category", res.Category, "err", res.Err)
	}

	// re-read before writing back: a cancellation request may have arrived
	// while the analyzer was running, or the record may have been replaced
	cur, err := e.loadJob(ctx)
	if err != nil {
		return err
	}
	if cur == nil || cur.ID != job.ID {
		// the record was cleared or replaced; it is no longer ours to write
		return nil
	}
	if cur.Status != job.Status {
		job.Status = cur.Status
	}

	job.CurrentItem = nil
	return e.saveJob(ctx, job)
}

// complete transitions the job to completed, runs the completion side
// effects and de-schedules future invocations.
func (e *Engine) complete(ctx context.Context, job *forooshyar.AnalysisJob) error {
	if err := e.finalize(ctx, job, forooshyar.JobStatusCompleted); err != nil {
		return err
	}

	var errs *multierror.Error

	monthKey := usageKeyPrefix + e.clock.Now().UTC().Format("200601")
	if _, err := e.store.Incr(ctx, monthKey, 0); err != nil {
		errs = multierror.Append(errs, ctxerr.Wrap(ctx, err, "increment usage counter"))
	}

	if e.cfg.Actions.AutoExecute && e.actions != nil {
		if err := e.autoExecuteActions(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	// completion side effects are best effort: the terminal transition is
	// already persisted, so their failures are logged, not surfaced
	if err := errs.ErrorOrNil(); err != nil {
		level.Error(e.logger).Log("msg", "completion side effects", "job_id", job.ID, "err", err)
	}

	level.Info(e.logger).Log("msg", "analysis job completed", "job_id", job.ID,
		"processed", job.TotalProcessed(), "created_actions", job.CreatedActionsCount)
	return nil
}

// autoExecuteActions applies high-priority derived actions up to the
// configured cap.
func (e *Engine) autoExecuteActions(ctx context.Context) error {
	actions, err := e.actions.PendingActions(ctx, e.cfg.Actions.MinPriority, e.cfg.Actions.AutoExecuteLimit)
	if err != nil {
		return ctxerr.Wrap(ctx, err, "list pending actions")
	}

	var errs *multierror.Error
	var executed int
	for _, a := range actions {
		if err := e.actions.ExecuteAction(ctx, a.ID); err != nil {
			errs = multierror.Append(errs, ctxerr.Wrapf(ctx, err, "execute action %d", a.ID))
			continue
		}
		executed++
	}
	if executed > 0 {
		level.Info(e.logger).Log("msg", "auto-executed derived actions", "count", executed)
	}
	return errs.ErrorOrNil()
}

// finalize moves the job to a terminal status, persists it along with a
// run summary and de-schedules future invocations.
func (e *Engine) finalize(ctx context.Context, job *forooshyar.AnalysisJob, status forooshyar.JobStatus) error {
	if err := e.transition(ctx, job, status); err != nil {
		return err
	}
	now := e.clock.Now().UTC()
	job.CompletedAt = &now
	job.CurrentItem = nil
	if err := e.saveJob(ctx, job); err != nil {
		return err
	}

	e.sched.Cancel(processTaskName)
	e.sched.Cancel(livenessTaskName)

	summary := forooshyar.RunSummary{
		JobID:          job.ID,
		Status:         job.Status,
		Kind:           job.Kind,
		Counters:       job.Counters,
		CreatedActions: job.CreatedActionsCount,
		StartedAt:      job.StartedAt,
		CompletedAt:    now,
	}
	raw, err := json.Marshal(summary)
	if err == nil {
		err = e.store.Set(ctx, summaryKey, string(raw))
	}
	if err != nil {
		// the summary is a convenience record, don't fail the transition
		level.Error(e.logger).Log("msg", "persist run summary", "job_id", job.ID, "err", err)
	}

	if status != forooshyar.JobStatusCompleted {
		level.Info(e.logger).Log("msg", "analysis job finalized", "job_id", job.ID, "status", status)
	}
	return nil
}
