package eval

import (
	"context"
	"log/slog"
	"testing"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store/storetest"
)

func testJobset() *models.Jobset {
	return &models.Jobset{
		Project: "p",
		Name:    "js",
		Enabled: models.JobsetEnabled,
	}
}

func okJob(drv string, outputs map[string]string) JobResult {
	return JobResult{
		NixName: "pkg-1.0",
		System:  "x86_64-linux",
		DrvPath: drv,
		Outputs: outputs,
	}
}

func TestScheduleJobs_FirstRunCreatesAll(t *testing.T) {
	m := storetest.New()
	jobs := map[string]JobResult{
		"hello": okJob("/nix/store/a.drv", map[string]string{"out": "/nix/store/a-hello"}),
		"cat":   okJob("/nix/store/b.drv", map[string]string{"out": "/nix/store/b-cat"}),
	}

	outcome, err := ScheduleJobs(context.Background(), m, testJobset(), nil, jobs, slog.Default())
	if err != nil {
		t.Fatalf("ScheduleJobs failed: %v", err)
	}

	if outcome.NewCount != 2 {
		t.Errorf("NewCount = %d, want 2", outcome.NewCount)
	}
	if len(outcome.Members) != 2 {
		t.Errorf("Members = %d, want 2", len(outcome.Members))
	}
	if !outcome.Changed {
		t.Error("Changed = false, want true on first run")
	}
	if outcome.LowestNewID == 0 {
		t.Error("LowestNewID = 0, want smallest created build id")
	}
	for _, member := range outcome.Members {
		if !member.IsNew {
			t.Errorf("member %d IsNew = false, want true on first run", member.BuildID)
		}
	}
	if len(m.BuildsByID) != 2 {
		t.Errorf("store holds %d builds, want 2", len(m.BuildsByID))
	}
}

func TestScheduleJobs_ReusesFromPreviousEval(t *testing.T) {
	m := storetest.New()
	jobset := testJobset()
	jobs := map[string]JobResult{
		"hello": okJob("/nix/store/a.drv", map[string]string{"out": "/nix/store/a-hello"}),
	}

	first, err := ScheduleJobs(context.Background(), m, jobset, nil, jobs, slog.Default())
	if err != nil {
		t.Fatalf("first ScheduleJobs failed: %v", err)
	}
	prev := m.AddEval(&models.JobsetEval{
		Project: "p", Jobset: "js",
		HasNewBuilds: true, NrBuilds: len(first.Members),
	})
	for _, member := range first.Members {
		m.Members = append(m.Members, models.EvalMember{
			EvalID: prev.ID, BuildID: member.BuildID, IsNew: member.IsNew,
		})
	}

	second, err := ScheduleJobs(context.Background(), m, jobset, prev, jobs, slog.Default())
	if err != nil {
		t.Fatalf("second ScheduleJobs failed: %v", err)
	}

	if second.NewCount != 0 {
		t.Errorf("NewCount = %d, want 0 when outputs are unchanged", second.NewCount)
	}
	if second.Changed {
		t.Error("Changed = true, want false when the member set matches the previous eval")
	}
	if len(second.Members) != 1 || second.Members[0].BuildID != first.Members[0].BuildID {
		t.Errorf("Members = %+v, want the previous build reused", second.Members)
	}
	if second.Members[0].IsNew {
		t.Error("reused member flagged IsNew")
	}
	if len(m.BuildsByID) != 1 {
		t.Errorf("store holds %d builds, want no duplicate row", len(m.BuildsByID))
	}
}

func TestScheduleJobs_ChangedOutputCreatesNewBuild(t *testing.T) {
	m := storetest.New()
	jobset := testJobset()

	first, err := ScheduleJobs(context.Background(), m, jobset, nil, map[string]JobResult{
		"hello": okJob("/nix/store/a.drv", map[string]string{"out": "/nix/store/a-hello"}),
	}, slog.Default())
	if err != nil {
		t.Fatalf("first ScheduleJobs failed: %v", err)
	}
	prev := m.AddEval(&models.JobsetEval{
		Project: "p", Jobset: "js",
		HasNewBuilds: true, NrBuilds: len(first.Members),
	})
	m.Members = append(m.Members, models.EvalMember{EvalID: prev.ID, BuildID: first.Members[0].BuildID})

	second, err := ScheduleJobs(context.Background(), m, jobset, prev, map[string]JobResult{
		"hello": okJob("/nix/store/b.drv", map[string]string{"out": "/nix/store/b-hello"}),
	}, slog.Default())
	if err != nil {
		t.Fatalf("second ScheduleJobs failed: %v", err)
	}

	if second.NewCount != 1 {
		t.Errorf("NewCount = %d, want 1 for the changed output", second.NewCount)
	}
	if !second.Changed {
		t.Error("Changed = false, want true when a build was created")
	}
	if second.Members[0].BuildID == first.Members[0].BuildID {
		t.Error("changed output reused the old build")
	}
}

func TestScheduleJobs_DisappearedJobIsAChange(t *testing.T) {
	m := storetest.New()
	jobset := testJobset()

	first, err := ScheduleJobs(context.Background(), m, jobset, nil, map[string]JobResult{
		"hello": okJob("/nix/store/a.drv", map[string]string{"out": "/nix/store/a-hello"}),
		"cat":   okJob("/nix/store/b.drv", map[string]string{"out": "/nix/store/b-cat"}),
	}, slog.Default())
	if err != nil {
		t.Fatalf("first ScheduleJobs failed: %v", err)
	}
	prev := m.AddEval(&models.JobsetEval{
		Project: "p", Jobset: "js",
		HasNewBuilds: true, NrBuilds: len(first.Members),
	})
	for _, member := range first.Members {
		m.Members = append(m.Members, models.EvalMember{EvalID: prev.ID, BuildID: member.BuildID})
	}

	second, err := ScheduleJobs(context.Background(), m, jobset, prev, map[string]JobResult{
		"hello": okJob("/nix/store/a.drv", map[string]string{"out": "/nix/store/a-hello"}),
	}, slog.Default())
	if err != nil {
		t.Fatalf("second ScheduleJobs failed: %v", err)
	}

	if second.NewCount != 0 {
		t.Errorf("NewCount = %d, want 0", second.NewCount)
	}
	if !second.Changed {
		t.Error("Changed = false, want true when a job disappeared")
	}
}

func TestScheduleJobs_AliasedJobsShareOneBuild(t *testing.T) {
	m := storetest.New()
	outputs := map[string]string{"out": "/nix/store/a-hello"}
	jobs := map[string]JobResult{
		"hello":       okJob("/nix/store/a.drv", outputs),
		"hello-alias": okJob("/nix/store/a.drv", outputs),
	}

	// Aliases share the derivation but differ in job name, so both get their
	// own build; dedup applies per (job name, first output path).
	outcome, err := ScheduleJobs(context.Background(), m, testJobset(), nil, jobs, slog.Default())
	if err != nil {
		t.Fatalf("ScheduleJobs failed: %v", err)
	}
	if outcome.NewCount != 2 {
		t.Errorf("NewCount = %d, want 2 distinct job names", outcome.NewCount)
	}

	// The same job name seen with the same first output path twice within one
	// run must not duplicate: feed the previous eval back in.
	prev := m.AddEval(&models.JobsetEval{
		Project: "p", Jobset: "js",
		HasNewBuilds: true, NrBuilds: len(outcome.Members),
	})
	for _, member := range outcome.Members {
		m.Members = append(m.Members, models.EvalMember{EvalID: prev.ID, BuildID: member.BuildID})
	}
	again, err := ScheduleJobs(context.Background(), m, testJobset(), prev, jobs, slog.Default())
	if err != nil {
		t.Fatalf("second ScheduleJobs failed: %v", err)
	}
	if again.NewCount != 0 || len(m.BuildsByID) != 2 {
		t.Errorf("NewCount = %d with %d builds, want full reuse", again.NewCount, len(m.BuildsByID))
	}
}

func TestScheduleJobs_ErroredAndUnnamedJobsNotScheduled(t *testing.T) {
	m := storetest.New()
	jobs := map[string]JobResult{
		"good":   okJob("/nix/store/a.drv", map[string]string{"out": "/nix/store/a-good"}),
		"broken": {Error: "attribute 'src' missing"},
		"":       okJob("/nix/store/b.drv", map[string]string{"out": "/nix/store/b-unnamed"}),
	}

	outcome, err := ScheduleJobs(context.Background(), m, testJobset(), nil, jobs, slog.Default())
	if err != nil {
		t.Fatalf("ScheduleJobs failed: %v", err)
	}
	if outcome.NewCount != 1 {
		t.Errorf("NewCount = %d, want only the good job scheduled", outcome.NewCount)
	}
}

func TestScheduleJobs_ConstituentEdges(t *testing.T) {
	m := storetest.New()
	jobs := map[string]JobResult{
		"hello": okJob("/nix/store/a.drv", map[string]string{"out": "/nix/store/a-hello"}),
		"tested": {
			NixName:      "tested-1.0",
			System:       "x86_64-linux",
			DrvPath:      "/nix/store/agg.drv",
			Outputs:      map[string]string{"out": "/nix/store/agg-out"},
			Constituents: []string{"/nix/store/a.drv", "/nix/store/missing.drv"},
		},
	}

	outcome, err := ScheduleJobs(context.Background(), m, testJobset(), nil, jobs, slog.Default())
	if err != nil {
		t.Fatalf("ScheduleJobs failed: %v", err)
	}

	if len(outcome.Constituents) != 1 {
		t.Fatalf("Constituents = %+v, want one edge (missing drv is only a warning)", outcome.Constituents)
	}
	edge := outcome.Constituents[0]
	var helloID, aggID int64
	for id, build := range m.BuildsByID {
		switch build.Job {
		case "hello":
			helloID = id
		case "tested":
			aggID = id
		}
	}
	if edge.Aggregate != aggID || edge.Constituent != helloID {
		t.Errorf("edge = %+v, want aggregate %d -> constituent %d", edge, aggID, helloID)
	}
}

func TestCanonicalBuilds_ShortestThenLexicographic(t *testing.T) {
	cases := []struct {
		name string
		jobs []jobBuild
		want int64
	}{
		{
			name: "shorter name wins",
			jobs: []jobBuild{
				{job: "ab", buildID: 1},
				{job: "a", buildID: 2},
			},
			want: 2,
		},
		{
			name: "lexicographic tiebreak",
			jobs: []jobBuild{
				{job: "ac", buildID: 1},
				{job: "ab", buildID: 2},
			},
			want: 2,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			canonical := canonicalBuilds(map[string][]jobBuild{"/nix/store/x.drv": tc.jobs})
			if got := canonical["/nix/store/x.drv"]; got != tc.want {
				t.Errorf("canonical build = %d, want %d", got, tc.want)
			}
		})
	}
}
