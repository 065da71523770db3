package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

// ScheduleOutcome summarizes one scheduling pass over an evaluated job graph.
type ScheduleOutcome struct {
	// Members lists the builds belonging to this evaluation, one entry per
	// distinct build. EvalID is filled in once the eval row exists.
	Members []models.EvalMember
	// Changed is true when at least one new build was created or the member
	// count differs from the previous winning eval.
	Changed bool
	// NewCount is the number of builds created in this pass.
	NewCount int
	// LowestNewID is the smallest newly created build id, zero when none.
	LowestNewID int64
	// Constituents are the aggregate edges derived from declared
	// constituents, resolved through the canonical build per derivation.
	Constituents []models.AggregateConstituent
}

// jobBuild ties a job name to the build backing it within one run.
type jobBuild struct {
	job     string
	buildID int64
	drvPath string
}

// ScheduleJobs classifies every successfully evaluated job into reuse or
// create, inside the caller's transaction. Jobs are visited in randomized
// order so concurrent evaluators racing for store resources do not
// systematically favor jobs that sort first.
func ScheduleJobs(ctx context.Context, s store.Store, jobset *models.Jobset, prevEval *models.JobsetEval, jobs map[string]JobResult, logger *slog.Logger) (*ScheduleOutcome, error) {
	names := make([]string, 0, len(jobs))
	for name, job := range jobs {
		// Jobs with per-job errors and the always-invalid empty name are
		// handled by error aggregation, not scheduling.
		if name != "" && job.Error == "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	rand.Shuffle(len(names), func(i, j int) {
		names[i], names[j] = names[j], names[i]
	})

	outcome := &ScheduleOutcome{}

	// seen dedupes on (job name, first output path) within this run; byDrv
	// collects every job's build for the canonical aggregate pick.
	seen := make(map[string]int64)
	memberOf := make(map[int64]bool)
	byJob := make(map[string]int64)
	byDrv := make(map[string][]jobBuild)

	addBuild := func(name string, id int64, drvPath string, isNew bool) {
		byJob[name] = id
		byDrv[drvPath] = append(byDrv[drvPath], jobBuild{job: name, buildID: id, drvPath: drvPath})
		if !memberOf[id] {
			memberOf[id] = true
			outcome.Members = append(outcome.Members, models.EvalMember{BuildID: id, IsNew: isNew})
		}
	}

	for _, name := range names {
		job := jobs[name]
		outName, outPath := firstOutput(job.Outputs)
		if outPath == "" {
			return nil, fmt.Errorf("job %q has no outputs", name)
		}
		key := name + "\x00" + outPath

		// Reuse within this run: aliasing inside one job graph must not
		// create duplicate builds.
		if id, ok := seen[key]; ok {
			addBuild(name, id, job.DrvPath, false)
			continue
		}

		// Reuse from the previous winning evaluation.
		if prevEval != nil {
			prev, err := s.Builds().FindInEval(ctx, prevEval.ID, name, outName, outPath)
			if err == nil {
				seen[key] = prev.ID
				addBuild(name, prev.ID, job.DrvPath, false)
				continue
			}
			if !errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("checking previous eval for job %q: %w", name, err)
			}
		}

		// Create.
		build := &models.Build{
			Project:     jobset.Project,
			Jobset:      jobset.Name,
			Job:         name,
			NixName:     job.NixName,
			Description: job.Description,
			DrvPath:     job.DrvPath,
			System:      job.System,
			License:     job.License,
			Homepage:    job.Homepage,
			Maintainers: job.Maintainers,
			MaxSilent:   job.MaxSilent,
			Timeout:     job.Timeout,
			Priority:    job.SchedulingPriority,
			IsChannel:   job.IsChannel,
			IsCurrent:   true,
			Outputs:     job.Outputs,
		}
		if err := s.Builds().Create(ctx, build); err != nil {
			return nil, fmt.Errorf("creating build for job %q: %w", name, err)
		}

		logger.Debug("scheduled new build",
			"job", name,
			"build_id", build.ID,
			"drv_path", job.DrvPath,
		)

		seen[key] = build.ID
		outcome.NewCount++
		if outcome.LowestNewID == 0 || build.ID < outcome.LowestNewID {
			outcome.LowestNewID = build.ID
		}
		addBuild(name, build.ID, job.DrvPath, true)
	}

	prevCount := -1
	if prevEval != nil {
		prevCount = prevEval.NrBuilds
	}
	outcome.Changed = outcome.NewCount > 0 || len(outcome.Members) != prevCount

	if outcome.Changed {
		outcome.Constituents = constituentEdges(jobs, byJob, canonicalBuilds(byDrv), logger)
	}

	return outcome, nil
}

// canonicalBuilds picks, per derivation path, the canonical build among all
// jobs aliasing it: the one with the shortest job name, ties broken by the
// lexicographically smaller name. The pick is stable regardless of the
// randomized scheduling order.
func canonicalBuilds(byDrv map[string][]jobBuild) map[string]int64 {
	canonical := make(map[string]int64, len(byDrv))
	for drv, candidates := range byDrv {
		best := candidates[0]
		for _, c := range candidates[1:] {
			if len(c.job) < len(best.job) || (len(c.job) == len(best.job) && c.job < best.job) {
				best = c
			}
		}
		canonical[drv] = best.buildID
	}
	return canonical
}

// constituentEdges materializes aggregate edges from each job's declared
// constituents. A constituent whose derivation has no build in this run is a
// warning, not an error.
func constituentEdges(jobs map[string]JobResult, byJob map[string]int64, canonical map[string]int64, logger *slog.Logger) []models.AggregateConstituent {
	var edges []models.AggregateConstituent

	names := make([]string, 0, len(jobs))
	for name := range jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		job := jobs[name]
		if len(job.Constituents) == 0 {
			continue
		}
		aggregate, ok := byJob[name]
		if !ok {
			continue
		}
		for _, drv := range job.Constituents {
			constituent, ok := canonical[drv]
			if !ok {
				logger.Warn("aggregate constituent has no corresponding build",
					"aggregate_job", name,
					"constituent_drv", drv,
				)
				continue
			}
			edges = append(edges, models.AggregateConstituent{
				Aggregate:   aggregate,
				Constituent: constituent,
			})
		}
	}

	return edges
}

// firstOutput returns the lexicographically first output name and its path.
func firstOutput(outputs map[string]string) (name, path string) {
	for n, p := range outputs {
		if name == "" || n < name {
			name, path = n, p
		}
	}
	return name, path
}
