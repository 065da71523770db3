// Package models defines the persistent records shared by the evaluator and listener.
package models

import "time"

// JobsetState is the tri-state enablement of a jobset.
type JobsetState int

const (
	// JobsetDisabled means the jobset is never evaluated.
	JobsetDisabled JobsetState = 0
	// JobsetEnabled means the jobset is evaluated on every trigger.
	JobsetEnabled JobsetState = 1
	// JobsetOneShot means the jobset disables itself after one successful run.
	JobsetOneShot JobsetState = 2
)

// Project owns jobsets and optionally carries declarative bootstrap metadata.
type Project struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	Enabled     bool   `json:"enabled"`

	// Declarative bootstrap: when DeclFile is set, jobset definitions are
	// read from that file inside the input resolved from (DeclType,
	// DeclValue) before every evaluation of this project.
	DeclFile  string `json:"decl_file,omitempty"`
	DeclType  string `json:"decl_type,omitempty"`
	DeclValue string `json:"decl_value,omitempty"`
}

// Jobset identifies one evaluatable unit of CI configuration within a project.
type Jobset struct {
	Project     string      `json:"project"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Enabled     JobsetState `json:"enabled"`

	// Either a flake reference, or an expression file addressed as
	// (input name, path within that input).
	FlakeRef     string `json:"flake_ref,omitempty"`
	NixExprInput string `json:"nix_expr_input,omitempty"`
	NixExprPath  string `json:"nix_expr_path,omitempty"`

	// ForceEval requests re-evaluation even when the input hash is unchanged.
	ForceEval bool `json:"force_eval"`

	ErrorMsg        string     `json:"error_msg,omitempty"`
	ErrorTime       *time.Time `json:"error_time,omitempty"`
	LastCheckedTime *time.Time `json:"last_checked_time,omitempty"`
	TriggerTime     *time.Time `json:"trigger_time,omitempty"`
}

// JobsetInput is one declared input of a jobset. Values normally holds
// exactly one entry; more than one is a configuration error kept only so it
// can be rejected with a useful message.
type JobsetInput struct {
	Name             string   `json:"name"`
	Type             string   `json:"type"`
	EmailResponsible bool     `json:"email_responsible"`
	Values           []string `json:"values"`
}

// InputAlternative is one concrete resolution of a jobset input.
type InputAlternative struct {
	Type             string `json:"type"`
	Value            string `json:"value,omitempty"`
	StorePath        string `json:"store_path,omitempty"`
	DrvPath          string `json:"drv_path,omitempty"`
	OutputName       string `json:"output_name,omitempty"`
	DependencyBuild  int64  `json:"dependency_build,omitempty"`
	DependencyEval   int64  `json:"dependency_eval,omitempty"`
	Version          string `json:"version,omitempty"`
	URI              string `json:"uri,omitempty"`
	Revision         string `json:"revision,omitempty"`
	EmailResponsible bool   `json:"email_responsible"`

	// Jobs maps job name to output path for eval-type inputs.
	Jobs map[string]string `json:"jobs,omitempty"`
}

// Build represents one scheduled unit of work. Rows are created only by the
// scheduler; the execution subsystem owns the completion fields.
type Build struct {
	ID          int64     `json:"id"`
	Finished    bool      `json:"finished"`
	Timestamp   time.Time `json:"timestamp"`
	Project     string    `json:"project"`
	Jobset      string    `json:"jobset"`
	Job         string    `json:"job"`
	NixName     string    `json:"nix_name,omitempty"`
	Description string    `json:"description,omitempty"`
	DrvPath     string    `json:"drv_path"`
	System      string    `json:"system"`
	License     string    `json:"license,omitempty"`
	Homepage    string    `json:"homepage,omitempty"`
	Maintainers string    `json:"maintainers,omitempty"`
	MaxSilent   int       `json:"max_silent"`
	Timeout     int       `json:"timeout"`
	Priority    int       `json:"priority"`
	IsChannel   bool      `json:"is_channel"`
	IsCurrent   bool      `json:"is_current"`

	// Outputs maps output name to store path.
	Outputs map[string]string `json:"outputs"`

	// BuildStatus is set by the execution subsystem once Finished.
	// Zero means success.
	BuildStatus *int `json:"build_status,omitempty"`

	// NotificationPendingSince marks a finished build whose build_finished
	// notification has not yet been delivered to plugins.
	NotificationPendingSince *time.Time `json:"notification_pending_since,omitempty"`
}

// PrimaryOutput returns the lexicographically first declared output of the
// build. Outputs of one derivation change atomically together, so the first
// output alone identifies the build's content.
func (b *Build) PrimaryOutput() (name, path string) {
	for n, p := range b.Outputs {
		if name == "" || n < name {
			name, path = n, p
		}
	}
	return name, path
}

// Succeeded reports whether the build finished with a zero status.
func (b *Build) Succeeded() bool {
	return b.Finished && b.BuildStatus != nil && *b.BuildStatus == 0
}

// JobsetEval records one evaluator run that produced or re-affirmed an evaluation.
type JobsetEval struct {
	ID           int64     `json:"id"`
	Project      string    `json:"project"`
	Jobset       string    `json:"jobset"`
	Timestamp    time.Time `json:"timestamp"`
	CheckoutTime int       `json:"checkout_time"`
	EvalTime     int       `json:"eval_time"`

	// Hash is the content hash over the expression reference and the
	// serialized resolved inputs.
	Hash string `json:"hash"`

	// HasNewBuilds is true when this eval changed the build set; only such
	// evals carry members and can be the winning eval of their jobset.
	HasNewBuilds bool `json:"has_new_builds"`

	// NrBuilds is the member count of a winning eval.
	NrBuilds int `json:"nr_builds"`

	// Flake is the locked flake reference that was evaluated, if any.
	Flake string `json:"flake,omitempty"`

	// ErrorID links to the immutable EvaluationError snapshot, if any.
	ErrorID string `json:"error_id,omitempty"`
}

// EvalMember ties a build into an evaluation's membership.
type EvalMember struct {
	EvalID  int64 `json:"eval_id"`
	BuildID int64 `json:"build_id"`
	IsNew   bool  `json:"is_new"`
}

// AggregateConstituent is a directed edge from an aggregate build to one of
// its constituent builds.
type AggregateConstituent struct {
	Aggregate   int64 `json:"aggregate"`
	Constituent int64 `json:"constituent"`
}

// EvaluationError is an immutable per-eval error snapshot kept for audit even
// after the jobset's live error field is cleared.
type EvaluationError struct {
	ID      string    `json:"id"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}
