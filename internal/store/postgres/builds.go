package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

// BuildStore implements store.BuildStore using PostgreSQL.
type BuildStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *BuildStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// buildColumns is the column list shared by all build queries.
const buildColumns = `
	b.id, b.finished, b.timestamp, b.project, b.jobset, b.job, b.nixname,
	b.description, b.drvpath, b.system, b.license, b.homepage, b.maintainers,
	b.maxsilent, b.timeout, b.priority, b.ischannel, b.iscurrent,
	b.buildstatus, b.notificationpendingsince`

// filterColumns maps permitted build-filter keys to their columns. Keys
// outside this map are rejected before a query is ever built.
var filterColumns = map[string]string{
	"system":  "b.system",
	"nixname": "b.nixname",
}

// scanBuild scans one build row, without its outputs.
func scanBuild(row interface{ Scan(dest ...any) error }) (*models.Build, error) {
	build := &models.Build{}
	var nixName, description, license, homepage, maintainers sql.NullString
	var buildStatus sql.NullInt64
	var pendingSince sql.NullTime

	err := row.Scan(
		&build.ID,
		&build.Finished,
		&build.Timestamp,
		&build.Project,
		&build.Jobset,
		&build.Job,
		&nixName,
		&description,
		&build.DrvPath,
		&build.System,
		&license,
		&homepage,
		&maintainers,
		&build.MaxSilent,
		&build.Timeout,
		&build.Priority,
		&build.IsChannel,
		&build.IsCurrent,
		&buildStatus,
		&pendingSince,
	)
	if err != nil {
		return nil, err
	}

	build.NixName = nixName.String
	build.Description = description.String
	build.License = license.String
	build.Homepage = homepage.String
	build.Maintainers = maintainers.String
	if buildStatus.Valid {
		status := int(buildStatus.Int64)
		build.BuildStatus = &status
	}
	if pendingSince.Valid {
		build.NotificationPendingSince = &pendingSince.Time
	}

	return build, nil
}

// loadOutputs fills in the named output paths of a build.
func (s *BuildStore) loadOutputs(ctx context.Context, build *models.Build) error {
	rows, err := s.conn().QueryContext(ctx,
		`SELECT name, path FROM buildoutputs WHERE build = $1`, build.ID)
	if err != nil {
		return fmt.Errorf("querying build outputs: %w", err)
	}
	defer rows.Close()

	build.Outputs = make(map[string]string)
	for rows.Next() {
		var name, path string
		if err := rows.Scan(&name, &path); err != nil {
			return fmt.Errorf("scanning build output: %w", err)
		}
		build.Outputs[name] = path
	}
	return rows.Err()
}

// Get retrieves a build by id, including its outputs.
func (s *BuildStore) Get(ctx context.Context, id int64) (*models.Build, error) {
	query := `SELECT` + buildColumns + ` FROM builds b WHERE b.id = $1`

	build, err := scanBuild(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying build: %w", err)
	}

	if err := s.loadOutputs(ctx, build); err != nil {
		return nil, err
	}
	return build, nil
}

// Create inserts a new build row plus one output row per declared output.
// The assigned build id is written back to the model.
func (s *BuildStore) Create(ctx context.Context, build *models.Build) error {
	query := `
		INSERT INTO builds (finished, timestamp, project, jobset, job, nixname,
			description, drvpath, system, license, homepage, maintainers,
			maxsilent, timeout, priority, ischannel, iscurrent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id`

	if build.Timestamp.IsZero() {
		build.Timestamp = time.Now().UTC()
	}

	err := s.conn().QueryRowContext(ctx, query,
		build.Finished,
		build.Timestamp,
		build.Project,
		build.Jobset,
		build.Job,
		nullString(build.NixName),
		nullString(build.Description),
		build.DrvPath,
		build.System,
		nullString(build.License),
		nullString(build.Homepage),
		nullString(build.Maintainers),
		build.MaxSilent,
		build.Timeout,
		build.Priority,
		build.IsChannel,
		build.IsCurrent,
	).Scan(&build.ID)
	if err != nil {
		return fmt.Errorf("inserting build: %w", err)
	}

	// Insert outputs in a stable order so failures are reproducible.
	names := make([]string, 0, len(build.Outputs))
	for name := range build.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if _, err := s.conn().ExecContext(ctx,
			`INSERT INTO buildoutputs (build, name, path) VALUES ($1, $2, $3)`,
			build.ID, name, build.Outputs[name]); err != nil {
			return fmt.Errorf("inserting build output %q: %w", name, err)
		}
	}

	return nil
}

// LatestSucceeded returns the most recent finished, successful build of the
// given job matching the filter.
func (s *BuildStore) LatestSucceeded(ctx context.Context, project, jobset, job string, filter store.BuildFilter) (*models.Build, error) {
	query := `SELECT` + buildColumns + `
		FROM builds b
		WHERE b.project = $1 AND b.jobset = $2 AND b.job = $3
			AND b.finished AND b.buildstatus = 0`
	args := []any{project, jobset, job}

	keys := make([]string, 0, len(filter))
	for key := range filter {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		column, ok := filterColumns[key]
		if !ok {
			return nil, fmt.Errorf("unsupported build filter attribute %q", key)
		}
		args = append(args, filter[key])
		query += fmt.Sprintf(" AND %s = $%d", column, len(args))
	}

	query += ` ORDER BY b.id DESC LIMIT 1`

	build, err := scanBuild(s.conn().QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying latest succeeded build: %w", err)
	}

	if err := s.loadOutputs(ctx, build); err != nil {
		return nil, err
	}
	return build, nil
}

// LatestSucceededBySystem returns the most recent finished, successful build
// of the given job for every system that has one.
func (s *BuildStore) LatestSucceededBySystem(ctx context.Context, project, jobset, job string) ([]*models.Build, error) {
	query := `SELECT DISTINCT ON (b.system)` + buildColumns + `
		FROM builds b
		WHERE b.project = $1 AND b.jobset = $2 AND b.job = $3
			AND b.finished AND b.buildstatus = 0
		ORDER BY b.system, b.id DESC`

	rows, err := s.conn().QueryContext(ctx, query, project, jobset, job)
	if err != nil {
		return nil, fmt.Errorf("querying latest builds by system: %w", err)
	}
	defer rows.Close()

	var builds []*models.Build
	for rows.Next() {
		build, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning build: %w", err)
		}
		builds = append(builds, build)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating builds: %w", err)
	}

	for _, build := range builds {
		if err := s.loadOutputs(ctx, build); err != nil {
			return nil, err
		}
	}
	return builds, nil
}

// FindInEval returns the build that an evaluation contains for the given
// (job, output name, output path) triple.
func (s *BuildStore) FindInEval(ctx context.Context, evalID int64, job, outputName, outputPath string) (*models.Build, error) {
	query := `SELECT` + buildColumns + `
		FROM builds b
		JOIN jobsetevalmembers m ON m.build = b.id
		JOIN buildoutputs o ON o.build = b.id
		WHERE m.eval = $1 AND b.job = $2 AND o.name = $3 AND o.path = $4
		ORDER BY b.id DESC
		LIMIT 1`

	build, err := scanBuild(s.conn().QueryRowContext(ctx, query, evalID, job, outputName, outputPath))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying build in eval: %w", err)
	}

	if err := s.loadOutputs(ctx, build); err != nil {
		return nil, err
	}
	return build, nil
}

// ClearCurrent clears the iscurrent flag from all builds of a jobset.
func (s *BuildStore) ClearCurrent(ctx context.Context, project, jobset string) error {
	_, err := s.conn().ExecContext(ctx,
		`UPDATE builds SET iscurrent = false
		 WHERE project = $1 AND jobset = $2 AND iscurrent`,
		project, jobset)
	if err != nil {
		return fmt.Errorf("clearing current builds: %w", err)
	}
	return nil
}

// MarkCurrent sets the iscurrent flag on the given builds.
func (s *BuildStore) MarkCurrent(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.conn().ExecContext(ctx,
		`UPDATE builds SET iscurrent = true WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("marking current builds: %w", err)
	}
	return nil
}

// AddConstituents inserts aggregate/constituent edges, ignoring duplicates.
func (s *BuildStore) AddConstituents(ctx context.Context, edges []models.AggregateConstituent) error {
	for _, edge := range edges {
		if _, err := s.conn().ExecContext(ctx,
			`INSERT INTO aggregateconstituents (aggregate, constituent)
			 VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`,
			edge.Aggregate, edge.Constituent); err != nil {
			return fmt.Errorf("inserting constituent edge %d -> %d: %w", edge.Aggregate, edge.Constituent, err)
		}
	}
	return nil
}

// PendingNotifications returns finished builds whose build_finished
// notification has not been delivered yet, oldest first.
func (s *BuildStore) PendingNotifications(ctx context.Context) ([]*models.Build, error) {
	query := `SELECT` + buildColumns + `
		FROM builds b
		WHERE b.finished AND b.notificationpendingsince IS NOT NULL
		ORDER BY b.notificationpendingsince ASC`

	rows, err := s.conn().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying pending notifications: %w", err)
	}
	defer rows.Close()

	var builds []*models.Build
	for rows.Next() {
		build, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning build: %w", err)
		}
		builds = append(builds, build)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating builds: %w", err)
	}
	return builds, nil
}

// ClearNotificationPending clears the pending-notification marker of a build.
func (s *BuildStore) ClearNotificationPending(ctx context.Context, id int64) error {
	_, err := s.conn().ExecContext(ctx,
		`UPDATE builds SET notificationpendingsince = NULL WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("clearing notification marker: %w", err)
	}
	return nil
}
