package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

// EvalStore implements store.EvalStore using PostgreSQL.
type EvalStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *EvalStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// evalColumns is the column list shared by all eval queries.
const evalColumns = `
	e.id, e.project, e.jobset, e.timestamp, e.checkouttime, e.evaltime,
	e.hash, e.hasnewbuilds, e.nrbuilds, e.flake, e.errorid`

// scanEval scans one evaluation row.
func scanEval(row interface{ Scan(dest ...any) error }) (*models.JobsetEval, error) {
	eval := &models.JobsetEval{}
	var flake, errorID sql.NullString

	err := row.Scan(
		&eval.ID,
		&eval.Project,
		&eval.Jobset,
		&eval.Timestamp,
		&eval.CheckoutTime,
		&eval.EvalTime,
		&eval.Hash,
		&eval.HasNewBuilds,
		&eval.NrBuilds,
		&flake,
		&errorID,
	)
	if err != nil {
		return nil, err
	}

	eval.Flake = flake.String
	eval.ErrorID = errorID.String
	return eval, nil
}

// Get retrieves an evaluation by id.
func (s *EvalStore) Get(ctx context.Context, id int64) (*models.JobsetEval, error) {
	query := `SELECT` + evalColumns + ` FROM jobsetevals e WHERE e.id = $1`

	eval, err := scanEval(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying eval: %w", err)
	}
	return eval, nil
}

// Create inserts a new evaluation row, assigning the eval id.
func (s *EvalStore) Create(ctx context.Context, eval *models.JobsetEval) error {
	query := `
		INSERT INTO jobsetevals (project, jobset, timestamp, checkouttime,
			evaltime, hash, hasnewbuilds, nrbuilds, flake, errorid)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	if eval.Timestamp.IsZero() {
		eval.Timestamp = time.Now().UTC()
	}

	err := s.conn().QueryRowContext(ctx, query,
		eval.Project,
		eval.Jobset,
		eval.Timestamp,
		eval.CheckoutTime,
		eval.EvalTime,
		eval.Hash,
		eval.HasNewBuilds,
		eval.NrBuilds,
		nullString(eval.Flake),
		nullString(eval.ErrorID),
	).Scan(&eval.ID)
	if err != nil {
		return fmt.Errorf("inserting eval: %w", err)
	}
	return nil
}

// LatestWinning returns the most recent eval of the jobset that changed the
// build set.
func (s *EvalStore) LatestWinning(ctx context.Context, project, jobset string) (*models.JobsetEval, error) {
	query := `SELECT` + evalColumns + `
		FROM jobsetevals e
		WHERE e.project = $1 AND e.jobset = $2 AND e.hasnewbuilds
		ORDER BY e.id DESC
		LIMIT 1`

	eval, err := scanEval(s.conn().QueryRowContext(ctx, query, project, jobset))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying latest winning eval: %w", err)
	}
	return eval, nil
}

// LatestFinished returns the most recent winning eval whose member builds
// have all finished.
func (s *EvalStore) LatestFinished(ctx context.Context, project, jobset string) (*models.JobsetEval, error) {
	query := `SELECT` + evalColumns + `
		FROM jobsetevals e
		WHERE e.project = $1 AND e.jobset = $2 AND e.hasnewbuilds
			AND NOT EXISTS (
				SELECT 1 FROM jobsetevalmembers m
				JOIN builds b ON b.id = m.build
				WHERE m.eval = e.id AND NOT b.finished)
		ORDER BY e.id DESC
		LIMIT 1`

	eval, err := scanEval(s.conn().QueryRowContext(ctx, query, project, jobset))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying latest finished eval: %w", err)
	}
	return eval, nil
}

// LatestWithSucceededJob returns the most recent winning eval containing a
// finished successful build of the given job.
func (s *EvalStore) LatestWithSucceededJob(ctx context.Context, project, jobset, job string) (*models.JobsetEval, error) {
	query := `SELECT` + evalColumns + `
		FROM jobsetevals e
		WHERE e.project = $1 AND e.jobset = $2 AND e.hasnewbuilds
			AND EXISTS (
				SELECT 1 FROM jobsetevalmembers m
				JOIN builds b ON b.id = m.build
				WHERE m.eval = e.id AND b.job = $3 AND b.finished AND b.buildstatus = 0)
		ORDER BY e.id DESC
		LIMIT 1`

	eval, err := scanEval(s.conn().QueryRowContext(ctx, query, project, jobset, job))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying eval with succeeded job: %w", err)
	}
	return eval, nil
}

// AddMembers inserts the (eval, build) membership edges.
func (s *EvalStore) AddMembers(ctx context.Context, members []models.EvalMember) error {
	for _, member := range members {
		if _, err := s.conn().ExecContext(ctx,
			`INSERT INTO jobsetevalmembers (eval, build, isnew) VALUES ($1, $2, $3)`,
			member.EvalID, member.BuildID, member.IsNew); err != nil {
			return fmt.Errorf("inserting eval member %d: %w", member.BuildID, err)
		}
	}
	return nil
}

// MemberBuildIDs returns the build ids belonging to an eval.
func (s *EvalStore) MemberBuildIDs(ctx context.Context, evalID int64) ([]int64, error) {
	rows, err := s.conn().QueryContext(ctx,
		`SELECT build FROM jobsetevalmembers WHERE eval = $1 ORDER BY build`, evalID)
	if err != nil {
		return nil, fmt.Errorf("querying eval members: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning eval member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// JobOutputs maps job name to primary output path for every finished
// successful member build of an eval. The primary output is the
// lexicographically first output name of the newest build per job.
func (s *EvalStore) JobOutputs(ctx context.Context, evalID int64) (map[string]string, error) {
	query := `
		SELECT DISTINCT ON (b.job) b.job, o.path
		FROM builds b
		JOIN jobsetevalmembers m ON m.build = b.id
		JOIN buildoutputs o ON o.build = b.id
		WHERE m.eval = $1 AND b.finished AND b.buildstatus = 0
		ORDER BY b.job, b.id DESC, o.name ASC`

	rows, err := s.conn().QueryContext(ctx, query, evalID)
	if err != nil {
		return nil, fmt.Errorf("querying job outputs: %w", err)
	}
	defer rows.Close()

	outputs := make(map[string]string)
	for rows.Next() {
		var job, path string
		if err := rows.Scan(&job, &path); err != nil {
			return nil, fmt.Errorf("scanning job output: %w", err)
		}
		outputs[job] = path
	}
	return outputs, rows.Err()
}

// RecordError stores an immutable evaluation error snapshot.
func (s *EvalStore) RecordError(ctx context.Context, message string, at time.Time) (*models.EvaluationError, error) {
	record := &models.EvaluationError{
		ID:      uuid.New().String(),
		Message: message,
		Time:    at,
	}

	if _, err := s.conn().ExecContext(ctx,
		`INSERT INTO evaluationerrors (id, errormsg, errortime) VALUES ($1, $2, $3)`,
		record.ID, record.Message, record.Time); err != nil {
		return nil, fmt.Errorf("inserting evaluation error: %w", err)
	}
	return record, nil
}
