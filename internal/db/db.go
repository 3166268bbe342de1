package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/wesm/action-status/internal/models"
)

// DefaultWatchInterval is how often Watch checks for commits from other processes
const DefaultWatchInterval = 2 * time.Second

// DB represents the database connection
type DB struct {
	*sql.DB
}

// New creates a new database connection.
// The pool is limited to one connection so that PRAGMA data_version only
// moves when another process commits.
func New(dbPath string) (*DB, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db}, nil
}

// Initialize creates the database schema if it doesn't exist
func (db *DB) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS repositories (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		name TEXT NOT NULL,
		workflow TEXT NOT NULL,
		branches TEXT NOT NULL DEFAULT '[]',
		state TEXT NOT NULL DEFAULT 'unknown',
		last_succeeded TIMESTAMP,
		last_failed TIMESTAMP,
		paths TEXT NOT NULL DEFAULT '{}',
		UNIQUE(owner, name)
	);

	CREATE TABLE IF NOT EXISTS event_marks (
		repository_id TEXT PRIMARY KEY,
		last_event TIMESTAMP NOT NULL
	);
	`

	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Load returns every stored repository ordered by owner and name
func (db *DB) Load(ctx context.Context) ([]models.Repository, error) {
	query := `
	SELECT id, owner, name, workflow, branches, state, last_succeeded, last_failed, paths
	FROM repositories
	ORDER BY owner, name
	`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load repositories: %w", err)
	}
	defer rows.Close()

	var repos []models.Repository
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, repo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load repositories: %w", err)
	}

	return repos, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRepository(s scanner) (models.Repository, error) {
	var (
		repo                      models.Repository
		state, branches, paths    string
		lastSucceeded, lastFailed sql.NullTime
	)
	err := s.Scan(&repo.ID, &repo.Owner, &repo.Name, &repo.Workflow, &branches, &state,
		&lastSucceeded, &lastFailed, &paths)
	if err != nil {
		return repo, fmt.Errorf("failed to scan repository: %w", err)
	}

	repo.State = models.ParseState(state)
	if lastSucceeded.Valid {
		t := lastSucceeded.Time
		repo.LastSucceeded = &t
	}
	if lastFailed.Valid {
		t := lastFailed.Time
		repo.LastFailed = &t
	}
	if err := json.Unmarshal([]byte(branches), &repo.Branches); err != nil {
		return repo, fmt.Errorf("failed to decode branches of %s: %w", repo.FullName(), err)
	}
	if err := json.Unmarshal([]byte(paths), &repo.Paths); err != nil {
		return repo, fmt.Errorf("failed to decode paths of %s: %w", repo.FullName(), err)
	}
	return repo, nil
}

// SaveRepository saves a repository to the database
func (db *DB) SaveRepository(ctx context.Context, repo models.Repository) error {
	query := `
	INSERT INTO repositories (id, owner, name, workflow, branches, state, last_succeeded, last_failed, paths)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		owner = excluded.owner,
		name = excluded.name,
		workflow = excluded.workflow,
		branches = excluded.branches,
		state = excluded.state,
		last_succeeded = excluded.last_succeeded,
		last_failed = excluded.last_failed,
		paths = excluded.paths
	`

	branches, err := encode(repo.Branches, "[]")
	if err != nil {
		return fmt.Errorf("failed to encode branches: %w", err)
	}
	paths, err := encode(repo.Paths, "{}")
	if err != nil {
		return fmt.Errorf("failed to encode paths: %w", err)
	}

	_, err = db.ExecContext(ctx, query,
		repo.ID,
		repo.Owner,
		repo.Name,
		repo.Workflow,
		branches,
		string(repo.State),
		nullTime(repo.LastSucceeded),
		nullTime(repo.LastFailed),
		paths,
	)
	if err != nil {
		return fmt.Errorf("failed to save repository: %w", err)
	}

	return nil
}

// UpdateStatuses writes the status fields of repositories that are still stored.
// Rows removed by another process are not recreated.
func (db *DB) UpdateStatuses(ctx context.Context, repos []models.Repository) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
	UPDATE repositories
	SET state = ?, last_succeeded = ?, last_failed = ?
	WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare status update: %w", err)
	}
	defer stmt.Close()

	for _, repo := range repos {
		_, err := stmt.ExecContext(ctx,
			string(repo.State),
			nullTime(repo.LastSucceeded),
			nullTime(repo.LastFailed),
			repo.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update status of %s: %w", repo.FullName(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit status update: %w", err)
	}
	return nil
}

// DeleteRepository removes a repository and its event mark
func (db *DB) DeleteRepository(ctx context.Context, id string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM repositories WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete repository: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM event_marks WHERE repository_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete event mark: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// GetRepositoryByFullName gets a repository by its "owner/name" form.
// A missing repository returns nil without error.
func (db *DB) GetRepositoryByFullName(ctx context.Context, fullName string) (*models.Repository, error) {
	owner, name, err := models.ParseRepositoryString(fullName)
	if err != nil {
		return nil, err
	}

	query := `
	SELECT id, owner, name, workflow, branches, state, last_succeeded, last_failed, paths
	FROM repositories
	WHERE owner = ? AND name = ?
	`

	repo, err := scanRepository(db.QueryRowContext(ctx, query, owner, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get repository: %w", err)
	}

	return &repo, nil
}

// LastEvent gets the newest activity timestamp seen for a repository.
// The zero time is returned when none has been recorded.
func (db *DB) LastEvent(ctx context.Context, repositoryID string) (time.Time, error) {
	var lastEvent time.Time
	query := `SELECT last_event FROM event_marks WHERE repository_id = ?`

	err := db.QueryRowContext(ctx, query, repositoryID).Scan(&lastEvent)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to get last event: %w", err)
	}

	return lastEvent, nil
}

// SaveLastEvent updates the newest activity timestamp seen for a repository
func (db *DB) SaveLastEvent(ctx context.Context, repositoryID string, lastEvent time.Time) error {
	query := `
	INSERT INTO event_marks (repository_id, last_event)
	VALUES (?, ?)
	ON CONFLICT(repository_id) DO UPDATE SET
		last_event = excluded.last_event
	`

	_, err := db.ExecContext(ctx, query, repositoryID, lastEvent.UTC())
	if err != nil {
		return fmt.Errorf("failed to update last event: %w", err)
	}

	return nil
}

// Watch signals on the returned channel whenever another connection commits
// to the database. Signals are coalesced. The channel is closed when ctx ends.
func (db *DB) Watch(ctx context.Context, interval time.Duration) (<-chan struct{}, error) {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	version, err := db.dataVersion(ctx)
	if err != nil {
		return nil, err
	}

	changes := make(chan struct{}, 1)
	go func() {
		defer close(changes)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			current, err := db.dataVersion(ctx)
			if err != nil || current == version {
				continue
			}
			version = current
			select {
			case changes <- struct{}{}:
			default:
			}
		}
	}()

	return changes, nil
}

func (db *DB) dataVersion(ctx context.Context) (int64, error) {
	var version int64
	if err := db.QueryRowContext(ctx, `PRAGMA data_version`).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read data version: %w", err)
	}
	return version, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

func encode(v any, empty string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
