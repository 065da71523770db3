package inputs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store/storetest"
)

// fakeEnsurer records ensured paths and can be told to fail for some of them.
type fakeEnsurer struct {
	ensured []string
	failOn  map[string]bool
}

func (f *fakeEnsurer) EnsurePath(ctx context.Context, path string) error {
	if f.failOn[path] {
		return fmt.Errorf("path %s not found in any substituter", path)
	}
	f.ensured = append(f.ensured, path)
	return nil
}

func succeededBuild(m *storetest.MemStore, project, jobset, job, system, nixName string, outputs map[string]string) *models.Build {
	status := 0
	return m.AddBuild(&models.Build{
		Finished:    true,
		Timestamp:   time.Now().UTC(),
		Project:     project,
		Jobset:      jobset,
		Job:         job,
		System:      system,
		NixName:     nixName,
		DrvPath:     "/nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-" + job + ".drv",
		Outputs:     outputs,
		BuildStatus: &status,
	})
}

func newTestResolver(m *storetest.MemStore) (*Resolver, *fakeEnsurer) {
	nix := &fakeEnsurer{failOn: make(map[string]bool)}
	return NewResolver(m, nix, nil), nix
}

func declared(name, typ string, values ...string) *models.JobsetInput {
	return &models.JobsetInput{Name: name, Type: typ, Values: values}
}

func TestResolve_StringAndBoolean(t *testing.T) {
	m := storetest.New()
	r, _ := newTestResolver(m)

	alts, err := r.Resolve(context.Background(), "p", []*models.JobsetInput{
		declared("officialRelease", "boolean", "false"),
		declared("channel", "string", "unstable"),
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if got := alts["channel"]; len(got) != 1 || got[0].Value != "unstable" {
		t.Errorf("channel = %+v, want one alternative with value unstable", got)
	}
	if got := alts["officialRelease"]; len(got) != 1 || got[0].Value != "false" {
		t.Errorf("officialRelease = %+v, want one alternative with value false", got)
	}
	if got := alts["channel"][0].Type; got != "string" {
		t.Errorf("channel type = %q, want declared type carried over", got)
	}
}

func TestResolve_BooleanRejectsOtherValues(t *testing.T) {
	m := storetest.New()
	r, _ := newTestResolver(m)

	_, err := r.Resolve(context.Background(), "p", []*models.JobsetInput{
		declared("flag", "boolean", "yes"),
	})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want *ConfigError", err)
	}
}

func TestResolve_MultipleValuesRejected(t *testing.T) {
	m := storetest.New()
	r, _ := newTestResolver(m)

	_, err := r.Resolve(context.Background(), "p", []*models.JobsetInput{
		declared("src", "string", "a", "b"),
	})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want *ConfigError about multiple values", err)
	}
}

func TestResolve_UnknownTypeWithoutPlugin(t *testing.T) {
	m := storetest.New()
	r, _ := newTestResolver(m)

	_, err := r.Resolve(context.Background(), "p", []*models.JobsetInput{
		declared("src", "git", "https://example.com/repo.git"),
	})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want *ConfigError for unknown type", err)
	}
}

type gitResolver struct{}

func (gitResolver) Type() string { return "git" }

func (gitResolver) Resolve(ctx context.Context, project string, input *models.JobsetInput) ([]models.InputAlternative, error) {
	return []models.InputAlternative{{
		Value:     input.Values[0],
		StorePath: "/nix/store/bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb-source",
		URI:       input.Values[0],
		Revision:  "deadbeef",
	}}, nil
}

func TestResolve_PluginType(t *testing.T) {
	m := storetest.New()
	r, _ := newTestResolver(m)
	r.Register(gitResolver{})

	alts, err := r.Resolve(context.Background(), "p", []*models.JobsetInput{
		declared("src", "git", "https://example.com/repo.git"),
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	got := alts["src"]
	if len(got) != 1 {
		t.Fatalf("src resolved to %d alternatives, want 1", len(got))
	}
	if got[0].Revision != "deadbeef" {
		t.Errorf("Revision = %q, want deadbeef", got[0].Revision)
	}
	if got[0].Type != "git" {
		t.Errorf("Type = %q, want declared type git tagged on plugin result", got[0].Type)
	}
}

func TestResolve_BuildByID(t *testing.T) {
	m := storetest.New()
	build := succeededBuild(m, "p", "js", "hello", "x86_64-linux", "hello-2.12.1", map[string]string{
		"out": "/nix/store/cccccccccccccccccccccccccccccccc-hello-2.12.1",
	})
	r, nix := newTestResolver(m)

	alts, err := r.Resolve(context.Background(), "p", []*models.JobsetInput{
		declared("dep", "build", fmt.Sprintf("%d", build.ID)),
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	alt := alts["dep"][0]
	if alt.DependencyBuild != build.ID {
		t.Errorf("DependencyBuild = %d, want %d", alt.DependencyBuild, build.ID)
	}
	if alt.StorePath != build.Outputs["out"] {
		t.Errorf("StorePath = %q, want primary output path", alt.StorePath)
	}
	if alt.OutputName != "out" {
		t.Errorf("OutputName = %q, want out", alt.OutputName)
	}
	if alt.Version != "2.12.1" {
		t.Errorf("Version = %q, want 2.12.1", alt.Version)
	}
	if len(nix.ensured) != 1 || nix.ensured[0] != alt.StorePath {
		t.Errorf("ensured paths = %v, want the primary output", nix.ensured)
	}
}

func TestResolve_BuildByIDUnfinished(t *testing.T) {
	m := storetest.New()
	build := m.AddBuild(&models.Build{
		Project: "p", Jobset: "js", Job: "hello",
		Outputs: map[string]string{"out": "/nix/store/x-unfinished"},
	})
	r, _ := newTestResolver(m)

	_, err := r.Resolve(context.Background(), "p", []*models.JobsetInput{
		declared("dep", "build", fmt.Sprintf("%d", build.ID)),
	})
	var resErr *ResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("error = %v, want *ResolutionError for unfinished build", err)
	}
	if resErr.Input != "dep" {
		t.Errorf("Input = %q, want dep", resErr.Input)
	}
}

func TestResolve_BuildBySpecifierPicksLatest(t *testing.T) {
	m := storetest.New()
	succeededBuild(m, "p", "js", "hello", "x86_64-linux", "hello-2.11", map[string]string{
		"out": "/nix/store/dddddddddddddddddddddddddddddddd-hello-2.11",
	})
	newer := succeededBuild(m, "p", "js", "hello", "x86_64-linux", "hello-2.12", map[string]string{
		"out": "/nix/store/eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee-hello-2.12",
	})
	r, _ := newTestResolver(m)

	alts, err := r.Resolve(context.Background(), "p", []*models.JobsetInput{
		declared("dep", "build", "js:hello"),
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got := alts["dep"][0].DependencyBuild; got != newer.ID {
		t.Errorf("DependencyBuild = %d, want latest build %d", got, newer.ID)
	}
}

func TestResolve_BuildFilterBySystem(t *testing.T) {
	m := storetest.New()
	linux := succeededBuild(m, "p", "js", "hello", "x86_64-linux", "hello-1", map[string]string{
		"out": "/nix/store/ffffffffffffffffffffffffffffffff-linux",
	})
	succeededBuild(m, "p", "js", "hello", "aarch64-darwin", "hello-1", map[string]string{
		"out": "/nix/store/gggggggggggggggggggggggggggggggg-darwin",
	})
	r, _ := newTestResolver(m)

	alts, err := r.Resolve(context.Background(), "p", []*models.JobsetInput{
		declared("dep", "build", `js:hello [system="x86_64-linux"]`),
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got := alts["dep"][0].DependencyBuild; got != linux.ID {
		t.Errorf("DependencyBuild = %d, want filtered build %d", got, linux.ID)
	}
}

func TestResolve_BuildUnretrievableOutput(t *testing.T) {
	m := storetest.New()
	build := succeededBuild(m, "p", "js", "hello", "x86_64-linux", "hello-1", map[string]string{
		"out": "/nix/store/hhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhh-gone",
	})
	r, nix := newTestResolver(m)
	nix.failOn[build.Outputs["out"]] = true

	_, err := r.Resolve(context.Background(), "p", []*models.JobsetInput{
		declared("dep", "build", fmt.Sprintf("%d", build.ID)),
	})
	var resErr *ResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("error = %v, want *ResolutionError for unretrievable output", err)
	}
}

func TestResolve_SysBuildFansOutPerSystem(t *testing.T) {
	m := storetest.New()
	succeededBuild(m, "p", "js", "hello", "x86_64-linux", "hello-1", map[string]string{
		"out": "/nix/store/iiiiiiiiiiiiiiiiiiiiiiiiiiiiiiii-linux",
	})
	succeededBuild(m, "p", "js", "hello", "aarch64-darwin", "hello-1", map[string]string{
		"out": "/nix/store/jjjjjjjjjjjjjjjjjjjjjjjjjjjjjjjj-darwin",
	})
	r, _ := newTestResolver(m)

	alts, err := r.Resolve(context.Background(), "p", []*models.JobsetInput{
		declared("deps", "sysbuild", "js:hello"),
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got := len(alts["deps"]); got != 2 {
		t.Fatalf("sysbuild resolved to %d alternatives, want one per system (2)", got)
	}
}

func TestResolve_SysBuildZeroMatchesIsNotAnError(t *testing.T) {
	m := storetest.New()
	r, _ := newTestResolver(m)

	alts, err := r.Resolve(context.Background(), "p", []*models.JobsetInput{
		declared("deps", "sysbuild", "js:absent"),
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got := alts["deps"]; len(got) != 0 {
		t.Errorf("deps = %+v, want no alternatives", got)
	}
}

func TestResolve_SysBuildRejectsFilters(t *testing.T) {
	m := storetest.New()
	r, _ := newTestResolver(m)

	_, err := r.Resolve(context.Background(), "p", []*models.JobsetInput{
		declared("deps", "sysbuild", `js:hello [system="x86_64-linux"]`),
	})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want *ConfigError", err)
	}
}

func TestResolve_EvalExposesJobOutputs(t *testing.T) {
	m := storetest.New()
	build := succeededBuild(m, "p", "js", "hello", "x86_64-linux", "hello-1", map[string]string{
		"out": "/nix/store/kkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkk-hello",
	})
	eval := m.AddEval(&models.JobsetEval{Project: "p", Jobset: "js", HasNewBuilds: true, NrBuilds: 1})
	m.Members = append(m.Members, models.EvalMember{EvalID: eval.ID, BuildID: build.ID, IsNew: true})
	r, _ := newTestResolver(m)

	alts, err := r.Resolve(context.Background(), "p", []*models.JobsetInput{
		declared("prev", "eval", "p:js"),
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	alt := alts["prev"][0]
	if alt.DependencyEval != eval.ID {
		t.Errorf("DependencyEval = %d, want %d", alt.DependencyEval, eval.ID)
	}
	if got := alt.Jobs["hello"]; got != build.Outputs["out"] {
		t.Errorf("Jobs[hello] = %q, want %q", got, build.Outputs["out"])
	}
}

func TestResolve_EvalSkipsUnfinishedEvals(t *testing.T) {
	m := storetest.New()
	done := succeededBuild(m, "p", "js", "hello", "x86_64-linux", "hello-1", map[string]string{
		"out": "/nix/store/llllllllllllllllllllllllllllllll-old",
	})
	finished := m.AddEval(&models.JobsetEval{Project: "p", Jobset: "js", HasNewBuilds: true, NrBuilds: 1})
	m.Members = append(m.Members, models.EvalMember{EvalID: finished.ID, BuildID: done.ID})

	running := m.AddBuild(&models.Build{
		Project: "p", Jobset: "js", Job: "hello",
		Outputs: map[string]string{"out": "/nix/store/mmmmmmmmmmmmmmmmmmmmmmmmmmmmmmmm-new"},
	})
	latest := m.AddEval(&models.JobsetEval{Project: "p", Jobset: "js", HasNewBuilds: true, NrBuilds: 1})
	m.Members = append(m.Members, models.EvalMember{EvalID: latest.ID, BuildID: running.ID})

	r, _ := newTestResolver(m)
	alts, err := r.Resolve(context.Background(), "p", []*models.JobsetInput{
		declared("prev", "eval", "p:js"),
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got := alts["prev"][0].DependencyEval; got != finished.ID {
		t.Errorf("DependencyEval = %d, want finished eval %d (latest has an unfinished member)", got, finished.ID)
	}
}
