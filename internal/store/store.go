// Package store provides database access interfaces for the build farm core.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/narvanalabs/buildfarm/internal/models"
)

// Common errors returned by store operations.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
)

// ProjectStore defines operations for project records.
type ProjectStore interface {
	// Get retrieves a project by name.
	Get(ctx context.Context, name string) (*models.Project, error)
}

// JobsetStore defines operations for jobset records.
type JobsetStore interface {
	// Get retrieves a jobset by (project, name).
	Get(ctx context.Context, project, name string) (*models.Jobset, error)
	// Inputs retrieves the declared inputs of a jobset with their values.
	Inputs(ctx context.Context, project, name string) ([]*models.JobsetInput, error)
	// Update persists the mutable jobset bookkeeping fields (enabled,
	// force-eval, error message/time, last-checked and trigger times).
	Update(ctx context.Context, jobset *models.Jobset) error
	// Upsert creates a jobset or replaces its definition; used by the
	// declarative bootstrap pre-pass.
	Upsert(ctx context.Context, jobset *models.Jobset, inputs []*models.JobsetInput) error
}

// BuildFilter restricts a latest-build lookup to builds whose columns match.
// Only a fixed set of keys is accepted; see inputs.ParseJobSpecifier.
type BuildFilter map[string]string

// BuildStore defines operations for build records.
type BuildStore interface {
	// Get retrieves a build by id.
	Get(ctx context.Context, id int64) (*models.Build, error)
	// Create inserts a new build row plus one output row per declared
	// output, assigning the build id.
	Create(ctx context.Context, build *models.Build) error
	// LatestSucceeded returns the most recent finished, successful build of
	// the given job matching the filter, or ErrNotFound.
	LatestSucceeded(ctx context.Context, project, jobset, job string, filter BuildFilter) (*models.Build, error)
	// LatestSucceededBySystem returns the most recent finished, successful
	// build of the given job for every system that has one.
	LatestSucceededBySystem(ctx context.Context, project, jobset, job string) ([]*models.Build, error)
	// FindInEval returns the build that eval evalID contains for the given
	// (job, output name, output path) triple, or ErrNotFound.
	FindInEval(ctx context.Context, evalID int64, job, outputName, outputPath string) (*models.Build, error)
	// ClearCurrent clears the iscurrent flag from all builds of a jobset.
	ClearCurrent(ctx context.Context, project, jobset string) error
	// MarkCurrent sets the iscurrent flag on the given builds.
	MarkCurrent(ctx context.Context, ids []int64) error
	// AddConstituents inserts aggregate/constituent edges, ignoring duplicates.
	AddConstituents(ctx context.Context, edges []models.AggregateConstituent) error
	// PendingNotifications returns finished builds whose build_finished
	// notification has not been delivered yet, oldest first.
	PendingNotifications(ctx context.Context) ([]*models.Build, error)
	// ClearNotificationPending clears the pending-notification marker.
	ClearNotificationPending(ctx context.Context, id int64) error
}

// EvalStore defines operations for evaluation records.
type EvalStore interface {
	// Get retrieves an evaluation by id.
	Get(ctx context.Context, id int64) (*models.JobsetEval, error)
	// Create inserts a new evaluation row, assigning the eval id.
	Create(ctx context.Context, eval *models.JobsetEval) error
	// LatestWinning returns the most recent eval of the jobset that changed
	// the build set (and therefore carries members), or ErrNotFound.
	LatestWinning(ctx context.Context, project, jobset string) (*models.JobsetEval, error)
	// LatestFinished returns the most recent winning eval whose member
	// builds have all finished, or ErrNotFound.
	LatestFinished(ctx context.Context, project, jobset string) (*models.JobsetEval, error)
	// LatestWithSucceededJob returns the most recent winning eval containing
	// a finished successful build of the given job, or ErrNotFound.
	LatestWithSucceededJob(ctx context.Context, project, jobset, job string) (*models.JobsetEval, error)
	// AddMembers inserts the (eval, build) membership edges.
	AddMembers(ctx context.Context, members []models.EvalMember) error
	// MemberBuildIDs returns the build ids belonging to an eval.
	MemberBuildIDs(ctx context.Context, evalID int64) ([]int64, error)
	// JobOutputs maps job name to primary output path for every finished
	// successful member build of an eval.
	JobOutputs(ctx context.Context, evalID int64) (map[string]string, error)
	// RecordError stores an immutable evaluation error snapshot.
	RecordError(ctx context.Context, message string, at time.Time) (*models.EvaluationError, error)
}

// Store is the main interface for database operations.
type Store interface {
	// Projects returns the ProjectStore.
	Projects() ProjectStore
	// Jobsets returns the JobsetStore.
	Jobsets() JobsetStore
	// Builds returns the BuildStore.
	Builds() BuildStore
	// Evals returns the EvalStore.
	Evals() EvalStore

	// Notify publishes a message on a pub/sub channel. Fields are joined
	// with tabs. Inside a transaction, delivery happens at commit.
	Notify(ctx context.Context, channel string, fields ...string) error

	// WithTx executes the given function within a database transaction.
	// If the function returns an error, the transaction is rolled back.
	// Otherwise, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Close closes the database connection.
	Close() error
}
