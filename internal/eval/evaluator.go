// Package eval implements the evaluation and scheduling core: it resolves a
// jobset's inputs, decides whether re-evaluation is needed, invokes the
// external evaluator, and commits deduplicated builds in one transaction.
package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/narvanalabs/buildfarm/internal/events"
	"github.com/narvanalabs/buildfarm/internal/inputs"
	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

// Config holds evaluator run configuration.
type Config struct {
	// DryRun evaluates and reports but never mutates persistent state or
	// notifies.
	DryRun bool
	// MaxRuntime is the hard wall-clock ceiling for the whole run.
	MaxRuntime time.Duration
}

// Evaluator runs one evaluation per invocation. Instances are cheap; a new
// one per run is fine.
type Evaluator struct {
	store    store.Store
	resolver *inputs.Resolver
	runner   Runner
	cfg      Config
	logger   *slog.Logger
}

// Bootstrap is the optional declarative pre-pass hook, run before the main
// state machine for projects carrying declarative metadata.
type Bootstrap interface {
	Run(ctx context.Context, project *models.Project) error
}

// New creates an evaluator.
func New(s store.Store, r *inputs.Resolver, runner Runner, cfg Config, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		store:    s,
		resolver: r,
		runner:   runner,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run evaluates one jobset. The optional bootstrap pre-pass runs first for
// declarative projects. Any fatal error leaves persistent state untouched
// except for the jobset's error fields.
func (e *Evaluator) Run(ctx context.Context, projectName, jobsetName string, bootstrap Bootstrap) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.MaxRuntime)
	defer cancel()

	start := time.Now()
	// Correlates all lifecycle messages of this run across observers.
	traceID := fmt.Sprintf("%d.%d", start.Unix(), os.Getpid())

	logger := e.logger.With("project", projectName, "jobset", jobsetName, "trace_id", traceID)

	project, err := e.store.Projects().Get(ctx, projectName)
	if err != nil {
		return e.fail(ctx, traceID, nil, fmt.Errorf("loading project %q: %w", projectName, err))
	}

	if bootstrap != nil {
		if err := bootstrap.Run(ctx, project); err != nil {
			return e.fail(ctx, traceID, nil, fmt.Errorf("declarative bootstrap: %w", err))
		}
	}

	jobset, err := e.store.Jobsets().Get(ctx, projectName, jobsetName)
	if err != nil {
		return e.fail(ctx, traceID, nil, fmt.Errorf("loading jobset %s:%s: %w", projectName, jobsetName, err))
	}

	if jobset.Enabled == models.JobsetDisabled {
		logger.Info("jobset is disabled, nothing to do")
		return nil
	}

	if !e.cfg.DryRun {
		if err := e.store.Notify(ctx, events.ChannelEvalStarted, traceID, projectName, jobsetName); err != nil {
			return e.fail(ctx, traceID, jobset, err)
		}
	}

	if err := e.run(ctx, traceID, start, jobset, logger); err != nil {
		return e.fail(ctx, traceID, jobset, err)
	}
	return nil
}

func (e *Evaluator) run(ctx context.Context, traceID string, start time.Time, jobset *models.Jobset, logger *slog.Logger) error {
	// Resolve inputs and, for flake jobsets, the locked flake reference.
	checkoutStart := time.Now()

	declared, err := e.store.Jobsets().Inputs(ctx, jobset.Project, jobset.Name)
	if err != nil {
		return fmt.Errorf("loading jobset inputs: %w", err)
	}

	resolved, err := e.resolver.Resolve(ctx, jobset.Project, declared)
	if err != nil {
		return err
	}

	flake := ""
	if jobset.FlakeRef != "" {
		flake, err = e.runner.ResolveFlake(ctx, jobset.FlakeRef)
		if err != nil {
			return err
		}
	}

	checkoutTime := int(time.Since(checkoutStart).Seconds())
	hash := ContentHash(jobset.NixExprInput, jobset.NixExprPath, resolved)

	prevEval, err := e.store.Evals().LatestWinning(ctx, jobset.Project, jobset.Name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("loading previous eval: %w", err)
	}

	// Skip re-evaluation when nothing the evaluator would see has changed.
	if !jobset.ForceEval && prevEval != nil && prevEval.Hash == hash && prevEval.Flake == flake {
		if e.cfg.DryRun {
			logger.Info("inputs unchanged, evaluation would be skipped")
			return nil
		}
		logger.Info("inputs unchanged, skipping evaluation")
		err := e.commitCached(ctx, traceID, jobset, hash, flake, checkoutTime)
		if !errors.Is(err, errSkipInvalidated) {
			return err
		}
		// A concurrent run committed a different winning eval between the
		// hash check and the transaction; the skip no longer applies.
		logger.Info("winning evaluation moved, evaluating after all")
	}

	inv, err := e.buildInvocation(jobset, resolved, flake)
	if err != nil {
		return err
	}

	evalStart := time.Now()
	jobs, err := e.runner.Evaluate(ctx, inv)
	if err != nil {
		return err
	}
	evalTime := int(time.Since(evalStart).Seconds())

	// Per-job errors are recoverable: the failing jobs are dropped and
	// their messages aggregated; everything else still gets scheduled.
	errText := collectJobErrors(jobs)

	if e.cfg.DryRun {
		nrGood := 0
		for _, job := range jobs {
			if job.Error == "" {
				nrGood += 1
			}
		}
		logger.Info("dry run, discarding evaluation result",
			"jobs", nrGood,
			"failed_jobs", len(jobs)-nrGood,
		)
		return nil
	}

	return e.commit(ctx, traceID, jobset, jobs, hash, flake, checkoutTime, evalTime, errText, logger)
}

// buildInvocation converts the jobset and its resolved inputs into the
// external evaluator invocation.
func (e *Evaluator) buildInvocation(jobset *models.Jobset, resolved map[string][]models.InputAlternative, flake string) (*Invocation, error) {
	if flake != "" {
		return &Invocation{FlakeRef: flake}, nil
	}

	exprAlts, ok := resolved[jobset.NixExprInput]
	if !ok {
		return nil, &inputs.ConfigError{Message: fmt.Sprintf(
			"the expression input %q of jobset %s:%s is not declared", jobset.NixExprInput, jobset.Project, jobset.Name)}
	}
	if len(exprAlts) != 1 || exprAlts[0].StorePath == "" {
		return nil, &inputs.ConfigError{Message: fmt.Sprintf(
			"the expression input %q did not resolve to a single path", jobset.NixExprInput)}
	}

	args, err := InputsToArgs(resolved)
	if err != nil {
		return nil, err
	}

	return &Invocation{
		ExprPath: exprAlts[0].StorePath + "/" + jobset.NixExprPath,
		Args:     args,
	}, nil
}

// errSkipInvalidated aborts a cached commit whose winning eval moved underneath
// it. The caller falls back to a full evaluation.
var errSkipInvalidated = errors.New("winning evaluation changed since the skip decision")

// commitCached records a no-op run: a new eval row re-affirming the previous
// evaluation, whose members become current again. The winning eval is re-read
// inside the transaction and verified against the hash the skip was derived
// from, so a concurrent commit cannot have its current flags overwritten by a
// stale membership.
func (e *Evaluator) commitCached(ctx context.Context, traceID string, jobset *models.Jobset, hash, flake string, checkoutTime int) error {
	err := e.store.WithTx(ctx, func(tx store.Store) error {
		prevEval, err := tx.Evals().LatestWinning(ctx, jobset.Project, jobset.Name)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errSkipInvalidated
			}
			return fmt.Errorf("loading previous eval: %w", err)
		}
		if prevEval.Hash != hash || prevEval.Flake != flake {
			return errSkipInvalidated
		}

		eval := &models.JobsetEval{
			Project:      jobset.Project,
			Jobset:       jobset.Name,
			CheckoutTime: checkoutTime,
			Hash:         hash,
			HasNewBuilds: false,
			NrBuilds:     prevEval.NrBuilds,
			Flake:        flake,
		}
		if err := tx.Evals().Create(ctx, eval); err != nil {
			return err
		}

		memberIDs, err := tx.Evals().MemberBuildIDs(ctx, prevEval.ID)
		if err != nil {
			return err
		}
		if err := tx.Builds().ClearCurrent(ctx, jobset.Project, jobset.Name); err != nil {
			return err
		}
		if err := tx.Builds().MarkCurrent(ctx, memberIDs); err != nil {
			return err
		}

		e.finishJobset(jobset, "")
		if err := tx.Jobsets().Update(ctx, jobset); err != nil {
			return err
		}

		return tx.Notify(ctx, events.ChannelEvalCached, traceID)
	})
	if errors.Is(err, errSkipInvalidated) {
		return errSkipInvalidated
	}
	if err != nil {
		return &TxError{Err: err}
	}
	return nil
}

// commit schedules the evaluated jobs and records the evaluation, all inside
// one transaction. The previous eval is re-read inside the transaction so
// two concurrent runs on one jobset cannot derive divergent current sets.
func (e *Evaluator) commit(ctx context.Context, traceID string, jobset *models.Jobset, jobs map[string]JobResult, hash, flake string, checkoutTime, evalTime int, errText string, logger *slog.Logger) error {
	err := e.store.WithTx(ctx, func(tx store.Store) error {
		prevEval, err := tx.Evals().LatestWinning(ctx, jobset.Project, jobset.Name)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("loading previous eval: %w", err)
		}

		outcome, err := ScheduleJobs(ctx, tx, jobset, prevEval, jobs, logger)
		if err != nil {
			return err
		}

		eval := &models.JobsetEval{
			Project:      jobset.Project,
			Jobset:       jobset.Name,
			CheckoutTime: checkoutTime,
			EvalTime:     evalTime,
			Hash:         hash,
			HasNewBuilds: outcome.Changed,
			NrBuilds:     len(outcome.Members),
			Flake:        flake,
		}

		if errText != "" {
			record, err := tx.Evals().RecordError(ctx, errText, time.Now().UTC())
			if err != nil {
				return err
			}
			eval.ErrorID = record.ID
		}

		if err := tx.Evals().Create(ctx, eval); err != nil {
			return err
		}

		if outcome.Changed {
			members := outcome.Members
			memberIDs := make([]int64, len(members))
			for i := range members {
				members[i].EvalID = eval.ID
				memberIDs[i] = members[i].BuildID
			}
			if err := tx.Evals().AddMembers(ctx, members); err != nil {
				return err
			}
			if err := tx.Builds().AddConstituents(ctx, outcome.Constituents); err != nil {
				return err
			}
			if err := tx.Builds().ClearCurrent(ctx, jobset.Project, jobset.Name); err != nil {
				return err
			}
			if err := tx.Builds().MarkCurrent(ctx, memberIDs); err != nil {
				return err
			}

			logger.Info("evaluation committed",
				"eval_id", eval.ID,
				"builds", len(members),
				"new_builds", outcome.NewCount,
			)

			if outcome.LowestNewID != 0 {
				if err := tx.Notify(ctx, events.ChannelBuildsAdded, strconv.FormatInt(outcome.LowestNewID, 10)); err != nil {
					return err
				}
			}
			if err := tx.Notify(ctx, events.ChannelEvalAdded, traceID, strconv.FormatInt(eval.ID, 10)); err != nil {
				return err
			}
		} else {
			if prevEval != nil {
				memberIDs, err := tx.Evals().MemberBuildIDs(ctx, prevEval.ID)
				if err != nil {
					return err
				}
				if err := tx.Builds().ClearCurrent(ctx, jobset.Project, jobset.Name); err != nil {
					return err
				}
				if err := tx.Builds().MarkCurrent(ctx, memberIDs); err != nil {
					return err
				}
			}

			logger.Info("evaluation unchanged", "builds", len(outcome.Members))

			if err := tx.Notify(ctx, events.ChannelEvalCached, traceID); err != nil {
				return err
			}
		}

		e.finishJobset(jobset, errText)
		return tx.Jobsets().Update(ctx, jobset)
	})
	if err != nil {
		return &TxError{Err: err}
	}
	return nil
}

// finishJobset applies the post-run bookkeeping: error fields, timestamps,
// forced-evaluation reset, and one-shot self-disabling.
func (e *Evaluator) finishJobset(jobset *models.Jobset, errText string) {
	now := time.Now().UTC()
	jobset.LastCheckedTime = &now
	jobset.TriggerTime = nil
	jobset.ForceEval = false

	if errText != "" {
		jobset.ErrorMsg = errText
		jobset.ErrorTime = &now
	} else {
		jobset.ErrorMsg = ""
		jobset.ErrorTime = nil
	}

	if jobset.Enabled == models.JobsetOneShot {
		jobset.Enabled = models.JobsetDisabled
	}
}

// fail records a fatal run error on the jobset and emits the failed event.
// The error notification to responsible maintainers only fires when the
// message text actually changed, to avoid repeat noise.
func (e *Evaluator) fail(ctx context.Context, traceID string, jobset *models.Jobset, runErr error) error {
	e.logger.Error("evaluation failed", "trace_id", traceID, "error", runErr)

	if e.cfg.DryRun {
		return runErr
	}

	if jobset != nil {
		now := time.Now().UTC()
		changed := jobset.ErrorMsg != runErr.Error()
		jobset.ErrorMsg = runErr.Error()
		jobset.ErrorTime = &now
		jobset.LastCheckedTime = &now

		if err := e.store.Jobsets().Update(ctx, jobset); err != nil {
			e.logger.Error("failed to record jobset error", "error", err)
		}
		if changed {
			e.logger.Info("jobset error changed, notifying responsible maintainers",
				"project", jobset.Project,
				"jobset", jobset.Name,
			)
		}
	}

	if err := e.store.Notify(ctx, events.ChannelEvalFailed, traceID); err != nil {
		e.logger.Error("failed to emit eval_failed", "error", err)
	}
	return runErr
}

// collectJobErrors aggregates per-job error messages into one text, in job
// name order. A job named with the empty string is always an error.
func collectJobErrors(jobs map[string]JobResult) string {
	names := make([]string, 0, len(jobs))
	for name := range jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	errText := ""
	for _, name := range names {
		job := jobs[name]
		if name == "" {
			msg := job.Error
			if msg == "" {
				msg = "evaluation produced a job with an empty name"
			}
			errText += fmt.Sprintf("in unnamed job:\n%s\n\n", msg)
			continue
		}
		if job.Error != "" {
			errText += fmt.Sprintf("in job '%s':\n%s\n\n", name, job.Error)
		}
	}
	return errText
}
