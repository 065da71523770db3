package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

// ProjectStore implements store.ProjectStore using PostgreSQL.
type ProjectStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *ProjectStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Get retrieves a project by name.
func (s *ProjectStore) Get(ctx context.Context, name string) (*models.Project, error) {
	query := `
		SELECT name, displayname, enabled, declfile, decltype, declvalue
		FROM projects
		WHERE name = $1`

	project := &models.Project{}
	var displayName, declFile, declType, declValue sql.NullString

	err := s.conn().QueryRowContext(ctx, query, name).Scan(
		&project.Name,
		&displayName,
		&project.Enabled,
		&declFile,
		&declType,
		&declValue,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying project: %w", err)
	}

	project.DisplayName = displayName.String
	project.DeclFile = declFile.String
	project.DeclType = declType.String
	project.DeclValue = declValue.String

	return project, nil
}
