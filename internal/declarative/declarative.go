// Package declarative materializes a project's jobsets from a declarative
// spec file before the evaluator's main state machine runs.
package declarative

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/narvanalabs/buildfarm/internal/inputs"
	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

// jobsetDecl is one jobset definition inside the declarative spec file.
// The file is YAML or JSON, keyed by jobset name.
type jobsetDecl struct {
	Description  string               `yaml:"description"`
	Enabled      int                  `yaml:"enabled"`
	Flake        string               `yaml:"flake"`
	NixExprInput string               `yaml:"nixexprinput"`
	NixExprPath  string               `yaml:"nixexprpath"`
	Inputs       map[string]inputDecl `yaml:"inputs"`
}

type inputDecl struct {
	Type             string `yaml:"type"`
	Value            string `yaml:"value"`
	EmailResponsible bool   `yaml:"emailresponsible"`
}

// Definition is one parsed jobset with its declared inputs.
type Definition struct {
	Jobset *models.Jobset
	Inputs []*models.JobsetInput
}

// Parse decodes a declarative spec document into jobset definitions for the
// given project, sorted by jobset name.
func Parse(project string, data []byte) ([]*Definition, error) {
	var decls map[string]jobsetDecl
	if err := yaml.Unmarshal(data, &decls); err != nil {
		return nil, fmt.Errorf("decoding declarative spec: %w", err)
	}

	names := make([]string, 0, len(decls))
	for name := range decls {
		if name == "" {
			return nil, fmt.Errorf("declarative spec contains a jobset with an empty name")
		}
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]*Definition, 0, len(names))
	for _, name := range names {
		decl := decls[name]
		if decl.Flake == "" && (decl.NixExprInput == "" || decl.NixExprPath == "") {
			return nil, fmt.Errorf("jobset %q declares neither a flake nor an expression", name)
		}

		def := &Definition{
			Jobset: &models.Jobset{
				Project:      project,
				Name:         name,
				Description:  decl.Description,
				Enabled:      models.JobsetState(decl.Enabled),
				FlakeRef:     decl.Flake,
				NixExprInput: decl.NixExprInput,
				NixExprPath:  decl.NixExprPath,
			},
		}

		inputNames := make([]string, 0, len(decl.Inputs))
		for inputName := range decl.Inputs {
			inputNames = append(inputNames, inputName)
		}
		sort.Strings(inputNames)
		for _, inputName := range inputNames {
			in := decl.Inputs[inputName]
			def.Inputs = append(def.Inputs, &models.JobsetInput{
				Name:             inputName,
				Type:             in.Type,
				EmailResponsible: in.EmailResponsible,
				Values:           []string{in.Value},
			})
		}

		defs = append(defs, def)
	}

	return defs, nil
}

// Bootstrapper runs the declarative pre-pass: it resolves the project's
// declarative input, reads the spec file out of the fetched path, and
// upserts the jobset definitions it describes.
type Bootstrapper struct {
	store    store.Store
	resolver *inputs.Resolver
	logger   *slog.Logger
}

// NewBootstrapper creates a declarative bootstrapper.
func NewBootstrapper(s store.Store, r *inputs.Resolver, logger *slog.Logger) *Bootstrapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bootstrapper{
		store:    s,
		resolver: r,
		logger:   logger,
	}
}

// Run materializes the project's jobsets. It is a no-op for projects without
// declarative metadata.
func (b *Bootstrapper) Run(ctx context.Context, project *models.Project) error {
	if project.DeclFile == "" {
		return nil
	}

	declared := &models.JobsetInput{
		Name:   "decl",
		Type:   project.DeclType,
		Values: []string{project.DeclValue},
	}
	resolved, err := b.resolver.Resolve(ctx, project.Name, []*models.JobsetInput{declared})
	if err != nil {
		return fmt.Errorf("resolving declarative input: %w", err)
	}
	alts := resolved["decl"]
	if len(alts) != 1 || alts[0].StorePath == "" {
		return fmt.Errorf("declarative input of project %q did not resolve to a single path", project.Name)
	}

	data, err := os.ReadFile(filepath.Join(alts[0].StorePath, project.DeclFile))
	if err != nil {
		return fmt.Errorf("reading declarative spec file: %w", err)
	}

	defs, err := Parse(project.Name, data)
	if err != nil {
		return err
	}

	for _, def := range defs {
		if err := b.store.Jobsets().Upsert(ctx, def.Jobset, def.Inputs); err != nil {
			return fmt.Errorf("upserting jobset %q: %w", def.Jobset.Name, err)
		}
	}

	b.logger.Info("materialized declarative jobsets",
		"project", project.Name,
		"jobsets", len(defs),
	)
	return nil
}
