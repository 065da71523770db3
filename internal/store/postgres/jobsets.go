package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

// JobsetStore implements store.JobsetStore using PostgreSQL.
type JobsetStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *JobsetStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Get retrieves a jobset by (project, name).
func (s *JobsetStore) Get(ctx context.Context, project, name string) (*models.Jobset, error) {
	query := `
		SELECT project, name, description, enabled, flake, nixexprinput, nixexprpath,
			forceeval, errormsg, errortime, lastcheckedtime, triggertime
		FROM jobsets
		WHERE project = $1 AND name = $2`

	jobset := &models.Jobset{}
	var description, flake, exprInput, exprPath, errorMsg sql.NullString
	var forceEval sql.NullBool
	var errorTime, lastChecked, triggerTime sql.NullTime

	err := s.conn().QueryRowContext(ctx, query, project, name).Scan(
		&jobset.Project,
		&jobset.Name,
		&description,
		&jobset.Enabled,
		&flake,
		&exprInput,
		&exprPath,
		&forceEval,
		&errorMsg,
		&errorTime,
		&lastChecked,
		&triggerTime,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying jobset: %w", err)
	}

	jobset.Description = description.String
	jobset.FlakeRef = flake.String
	jobset.NixExprInput = exprInput.String
	jobset.NixExprPath = exprPath.String
	jobset.ForceEval = forceEval.Bool
	jobset.ErrorMsg = errorMsg.String
	if errorTime.Valid {
		jobset.ErrorTime = &errorTime.Time
	}
	if lastChecked.Valid {
		jobset.LastCheckedTime = &lastChecked.Time
	}
	if triggerTime.Valid {
		jobset.TriggerTime = &triggerTime.Time
	}

	return jobset, nil
}

// Inputs retrieves the declared inputs of a jobset with their alternative values.
func (s *JobsetStore) Inputs(ctx context.Context, project, name string) ([]*models.JobsetInput, error) {
	query := `
		SELECT i.name, i.type, i.emailresponsible, a.value
		FROM jobsetinputs i
		LEFT JOIN jobsetinputalts a
			ON a.project = i.project AND a.jobset = i.jobset AND a.input = i.name
		WHERE i.project = $1 AND i.jobset = $2
		ORDER BY i.name, a.altnr`

	rows, err := s.conn().QueryContext(ctx, query, project, name)
	if err != nil {
		return nil, fmt.Errorf("querying jobset inputs: %w", err)
	}
	defer rows.Close()

	var inputs []*models.JobsetInput
	byName := make(map[string]*models.JobsetInput)

	for rows.Next() {
		var inputName, inputType string
		var emailResponsible bool
		var value sql.NullString

		if err := rows.Scan(&inputName, &inputType, &emailResponsible, &value); err != nil {
			return nil, fmt.Errorf("scanning jobset input: %w", err)
		}

		input, ok := byName[inputName]
		if !ok {
			input = &models.JobsetInput{
				Name:             inputName,
				Type:             inputType,
				EmailResponsible: emailResponsible,
			}
			byName[inputName] = input
			inputs = append(inputs, input)
		}
		if value.Valid {
			input.Values = append(input.Values, value.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating jobset inputs: %w", err)
	}

	return inputs, nil
}

// Update persists the mutable jobset bookkeeping fields.
func (s *JobsetStore) Update(ctx context.Context, jobset *models.Jobset) error {
	query := `
		UPDATE jobsets
		SET enabled = $3, forceeval = $4, errormsg = $5, errortime = $6,
			lastcheckedtime = $7, triggertime = $8
		WHERE project = $1 AND name = $2`

	result, err := s.conn().ExecContext(ctx, query,
		jobset.Project,
		jobset.Name,
		jobset.Enabled,
		jobset.ForceEval,
		nullString(jobset.ErrorMsg),
		nullTime(jobset.ErrorTime),
		nullTime(jobset.LastCheckedTime),
		nullTime(jobset.TriggerTime),
	)
	if err != nil {
		return fmt.Errorf("updating jobset: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}

	return nil
}

// Upsert creates a jobset or replaces its definition and declared inputs.
// Bookkeeping fields of an existing jobset are preserved.
func (s *JobsetStore) Upsert(ctx context.Context, jobset *models.Jobset, inputs []*models.JobsetInput) error {
	query := `
		INSERT INTO jobsets (project, name, description, enabled, flake,
			nixexprinput, nixexprpath, forceeval)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false)
		ON CONFLICT (project, name) DO UPDATE
		SET description = EXCLUDED.description,
			enabled = EXCLUDED.enabled,
			flake = EXCLUDED.flake,
			nixexprinput = EXCLUDED.nixexprinput,
			nixexprpath = EXCLUDED.nixexprpath`

	_, err := s.conn().ExecContext(ctx, query,
		jobset.Project,
		jobset.Name,
		nullString(jobset.Description),
		jobset.Enabled,
		nullString(jobset.FlakeRef),
		nullString(jobset.NixExprInput),
		nullString(jobset.NixExprPath),
	)
	if err != nil {
		return fmt.Errorf("upserting jobset: %w", err)
	}

	// Replace the declared inputs wholesale; the declarative spec is the
	// source of truth for them.
	if _, err := s.conn().ExecContext(ctx,
		`DELETE FROM jobsetinputalts WHERE project = $1 AND jobset = $2`,
		jobset.Project, jobset.Name); err != nil {
		return fmt.Errorf("deleting jobset input values: %w", err)
	}
	if _, err := s.conn().ExecContext(ctx,
		`DELETE FROM jobsetinputs WHERE project = $1 AND jobset = $2`,
		jobset.Project, jobset.Name); err != nil {
		return fmt.Errorf("deleting jobset inputs: %w", err)
	}

	for _, input := range inputs {
		if _, err := s.conn().ExecContext(ctx,
			`INSERT INTO jobsetinputs (project, jobset, name, type, emailresponsible)
			 VALUES ($1, $2, $3, $4, $5)`,
			jobset.Project, jobset.Name, input.Name, input.Type, input.EmailResponsible); err != nil {
			return fmt.Errorf("inserting jobset input %q: %w", input.Name, err)
		}
		for altnr, value := range input.Values {
			if _, err := s.conn().ExecContext(ctx,
				`INSERT INTO jobsetinputalts (project, jobset, input, altnr, value)
				 VALUES ($1, $2, $3, $4, $5)`,
				jobset.Project, jobset.Name, input.Name, altnr, value); err != nil {
				return fmt.Errorf("inserting jobset input value for %q: %w", input.Name, err)
			}
		}
	}

	return nil
}

// nullString converts an empty string to a SQL NULL.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a nil time pointer to a SQL NULL.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
