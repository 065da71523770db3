// Package inputs resolves a jobset's declared inputs into concrete
// alternatives that the external evaluator can consume.
package inputs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

// PathEnsurer makes a store path locally available before it is trusted.
type PathEnsurer interface {
	EnsurePath(ctx context.Context, path string) error
}

// TypeResolver is a plugin capability that resolves input types the core
// does not know about (fetchers for git, hg, tarballs and the like).
type TypeResolver interface {
	// Type returns the input type this resolver handles.
	Type() string
	// Resolve turns the declared input value into zero or more alternatives.
	Resolve(ctx context.Context, project string, input *models.JobsetInput) ([]models.InputAlternative, error)
}

// Resolver resolves jobset inputs against the store and the content store.
type Resolver struct {
	store   store.Store
	nix     PathEnsurer
	plugins map[string]TypeResolver
	logger  *slog.Logger
}

// NewResolver creates a new input resolver.
func NewResolver(s store.Store, nix PathEnsurer, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:   s,
		nix:     nix,
		plugins: make(map[string]TypeResolver),
		logger:  logger,
	}
}

// Register adds a plugin resolver for an input type.
func (r *Resolver) Register(plugin TypeResolver) {
	r.plugins[plugin.Type()] = plugin
}

// Resolve produces the alternatives for every declared input of a jobset.
// Every input resolves to exactly one alternative except sysbuild, which
// fans out to one alternative per system and may legitimately yield none.
func (r *Resolver) Resolve(ctx context.Context, project string, declared []*models.JobsetInput) (map[string][]models.InputAlternative, error) {
	resolved := make(map[string][]models.InputAlternative, len(declared))

	for _, input := range declared {
		if len(input.Values) > 1 {
			return nil, &ConfigError{Message: fmt.Sprintf(
				"input %q has multiple values; multiple alternatives are no longer supported", input.Name)}
		}
		value := ""
		if len(input.Values) == 1 {
			value = input.Values[0]
		}

		alts, err := r.resolveOne(ctx, project, input, value)
		if err != nil {
			return nil, err
		}

		// Tag every alternative with the declared type and responsibility
		// flag for later notification routing.
		for i := range alts {
			alts[i].Type = input.Type
			alts[i].EmailResponsible = input.EmailResponsible
		}
		resolved[input.Name] = alts
	}

	return resolved, nil
}

func (r *Resolver) resolveOne(ctx context.Context, project string, input *models.JobsetInput, value string) ([]models.InputAlternative, error) {
	switch input.Type {
	case "string", "nix":
		return []models.InputAlternative{{Value: value}}, nil

	case "boolean":
		if value != "true" && value != "false" {
			return nil, &ConfigError{Message: fmt.Sprintf(
				"input %q: boolean value must be true or false, got %q", input.Name, value)}
		}
		return []models.InputAlternative{{Value: value}}, nil

	case "build":
		alt, err := r.resolveBuild(ctx, project, input.Name, value)
		if err != nil {
			return nil, err
		}
		return []models.InputAlternative{*alt}, nil

	case "sysbuild":
		return r.resolveSysBuild(ctx, project, input.Name, value)

	case "eval":
		alt, err := r.resolveEval(ctx, project, input.Name, value)
		if err != nil {
			return nil, err
		}
		return []models.InputAlternative{*alt}, nil

	default:
		plugin, ok := r.plugins[input.Type]
		if !ok {
			return nil, &ConfigError{Message: fmt.Sprintf(
				"input %q has unknown type %q", input.Name, input.Type)}
		}
		alts, err := plugin.Resolve(ctx, project, input)
		if err != nil {
			return nil, &ResolutionError{Input: input.Name, Err: err}
		}
		return alts, nil
	}
}

// resolveBuild resolves a build input: either a direct build id or a job
// specifier matched against the most recent finished successful build.
func (r *Resolver) resolveBuild(ctx context.Context, project, name, value string) (*models.InputAlternative, error) {
	build, err := r.lookupBuild(ctx, project, name, value)
	if err != nil {
		return nil, err
	}

	alt, err := r.buildAlternative(ctx, name, build)
	if err != nil {
		return nil, err
	}
	return alt, nil
}

func (r *Resolver) lookupBuild(ctx context.Context, project, name, value string) (*models.Build, error) {
	if id, err := strconv.ParseInt(value, 10, 64); err == nil {
		build, err := r.store.Builds().Get(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, &ResolutionError{Input: name, Err: fmt.Errorf("build %d does not exist", id)}
			}
			return nil, fmt.Errorf("looking up build %d: %w", id, err)
		}
		if !build.Succeeded() {
			return nil, &ResolutionError{Input: name, Err: fmt.Errorf("build %d has not finished successfully", id)}
		}
		return build, nil
	}

	spec, err := ParseJobSpecifier(value, project)
	if err != nil {
		return nil, err
	}

	build, err := r.store.Builds().LatestSucceeded(ctx, spec.Project, spec.Jobset, spec.Job, store.BuildFilter(spec.Filter))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &ResolutionError{Input: name, Err: fmt.Errorf(
				"no successful build of %s:%s:%s matches", spec.Project, spec.Jobset, spec.Job)}
		}
		return nil, fmt.Errorf("looking up latest build of %s:%s:%s: %w", spec.Project, spec.Jobset, spec.Job, err)
	}
	return build, nil
}

// resolveSysBuild fans out to the most recent successful build per system.
// Zero results is not an error, just a diagnostic.
func (r *Resolver) resolveSysBuild(ctx context.Context, project, name, value string) ([]models.InputAlternative, error) {
	spec, err := ParseJobSpecifier(value, project)
	if err != nil {
		return nil, err
	}
	if len(spec.Filter) > 0 {
		return nil, &ConfigError{Message: fmt.Sprintf(
			"input %q: sysbuild specifiers do not take attribute filters", name)}
	}

	builds, err := r.store.Builds().LatestSucceededBySystem(ctx, spec.Project, spec.Jobset, spec.Job)
	if err != nil {
		return nil, fmt.Errorf("looking up per-system builds of %s:%s:%s: %w", spec.Project, spec.Jobset, spec.Job, err)
	}
	if len(builds) == 0 {
		r.logger.Warn("sysbuild input matched no builds",
			"input", name,
			"specifier", value,
		)
		return nil, nil
	}

	alts := make([]models.InputAlternative, 0, len(builds))
	for _, build := range builds {
		alt, err := r.buildAlternative(ctx, name, build)
		if err != nil {
			return nil, err
		}
		alts = append(alts, *alt)
	}
	return alts, nil
}

// buildAlternative converts a matched build into an input alternative after
// verifying its primary output is retrievable from the content store.
func (r *Resolver) buildAlternative(ctx context.Context, name string, build *models.Build) (*models.InputAlternative, error) {
	outName, outPath := build.PrimaryOutput()
	if outPath == "" {
		return nil, &ResolutionError{Input: name, Err: fmt.Errorf("build %d has no outputs", build.ID)}
	}
	if err := r.nix.EnsurePath(ctx, outPath); err != nil {
		return nil, &ResolutionError{Input: name, Err: fmt.Errorf(
			"output %s of build %d is not retrievable: %w", outPath, build.ID, err)}
	}

	return &models.InputAlternative{
		StorePath:       outPath,
		DrvPath:         build.DrvPath,
		OutputName:      outName,
		DependencyBuild: build.ID,
		Version:         versionOf(build.NixName),
	}, nil
}

// resolveEval resolves an eval input: a direct eval id, project:jobset for
// the latest finished eval, or project:jobset:job for the latest eval with a
// successful build of that job.
func (r *Resolver) resolveEval(ctx context.Context, project, name, value string) (*models.InputAlternative, error) {
	eval, err := r.lookupEval(ctx, project, name, value)
	if err != nil {
		return nil, err
	}

	jobs, err := r.store.Evals().JobOutputs(ctx, eval.ID)
	if err != nil {
		return nil, fmt.Errorf("loading job outputs of eval %d: %w", eval.ID, err)
	}

	return &models.InputAlternative{
		DependencyEval: eval.ID,
		Jobs:           jobs,
	}, nil
}

func (r *Resolver) lookupEval(ctx context.Context, project, name, value string) (*models.JobsetEval, error) {
	if id, err := strconv.ParseInt(value, 10, 64); err == nil {
		eval, err := r.store.Evals().Get(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, &ResolutionError{Input: name, Err: fmt.Errorf("eval %d does not exist", id)}
			}
			return nil, fmt.Errorf("looking up eval %d: %w", id, err)
		}
		return eval, nil
	}

	parts := strings.Split(value, ":")
	switch len(parts) {
	case 2:
		eval, err := r.store.Evals().LatestFinished(ctx, parts[0], parts[1])
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, &ResolutionError{Input: name, Err: fmt.Errorf(
					"jobset %s:%s has no finished evaluation", parts[0], parts[1])}
			}
			return nil, fmt.Errorf("looking up finished eval of %s:%s: %w", parts[0], parts[1], err)
		}
		return eval, nil
	case 3:
		eval, err := r.store.Evals().LatestWithSucceededJob(ctx, parts[0], parts[1], parts[2])
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, &ResolutionError{Input: name, Err: fmt.Errorf(
					"no evaluation of %s:%s contains a successful build of %s", parts[0], parts[1], parts[2])}
			}
			return nil, fmt.Errorf("looking up eval of %s:%s with job %s: %w", parts[0], parts[1], parts[2], err)
		}
		return eval, nil
	default:
		return nil, &ConfigError{Message: fmt.Sprintf(
			"input %q: malformed eval specifier %q", name, value)}
	}
}

// versionRE extracts the trailing version from a derivation name like
// hello-2.12.1.
var versionRE = regexp.MustCompile(`^.+-([0-9].*)$`)

func versionOf(nixName string) string {
	if m := versionRE.FindStringSubmatch(nixName); m != nil {
		return m[1]
	}
	return ""
}
