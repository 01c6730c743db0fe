package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/openconverge/openconverge/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRunNotFound is returned when a run ID is not in the store.
var ErrRunNotFound = errors.New("run not found")

// SQLiteStore records run history in a SQLite database. It implements
// engine.TranscriptSink.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a store for the given database path. Call Init
// before use.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Open creates, initializes and migrates a store in one step.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Foreign keys are a connection-level setting in SQLite.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SaveTranscript records a completed run and its sealed transcript in one
// transaction. It implements engine.TranscriptSink.
func (s *SQLiteStore) SaveTranscript(ctx context.Context, result *engine.RunResult) error {
	if result == nil {
		return fmt.Errorf("run result is required")
	}

	unresolved, err := json.Marshal(result.Unresolved)
	if err != nil {
		return fmt.Errorf("failed to encode unresolved resources: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var transcriptID sql.NullString
	var sealedAt sql.NullTime
	if result.Transcript != nil {
		transcriptID = sql.NullString{String: result.Transcript.ID, Valid: true}
		sealedAt = sql.NullTime{Time: result.Transcript.SealedAt, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, state, cycles, started_at, completed_at, unresolved, transcript_id, sealed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		result.RunID,
		string(result.State),
		result.Cycles,
		result.StartedAt,
		result.CompletedAt,
		string(unresolved),
		transcriptID,
		sealedAt,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	if result.Transcript != nil {
		if err := insertEntries(ctx, tx, result.RunID, result.Transcript.Entries); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// insertEntries writes transcript entries inside an open transaction.
func insertEntries(ctx context.Context, tx *sql.Tx, runID string, entries []engine.TranscriptEntry) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transcript_entries (
			run_id, seq, cycle, phase, resource, fact_before, action,
			attempt, outcome, error, fact_after, message, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare entry insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		factBefore, err := encodeFact(e.FactBefore)
		if err != nil {
			return err
		}
		factAfter, err := encodeFact(e.FactAfter)
		if err != nil {
			return err
		}

		_, err = stmt.ExecContext(ctx,
			runID,
			e.Seq,
			e.Cycle,
			string(e.Phase),
			e.Resource,
			factBefore,
			e.Action,
			e.Attempt,
			string(e.Outcome),
			e.Error,
			factAfter,
			e.Message,
			e.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to insert entry %d: %w", e.Seq, err)
		}
	}
	return nil
}

// encodeFact serializes an optional fact to a nullable JSON column.
func encodeFact(f *engine.Fact) (sql.NullString, error) {
	if f == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode fact: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// decodeFact deserializes a nullable JSON column to an optional fact.
func decodeFact(col sql.NullString) (*engine.Fact, error) {
	if !col.Valid || col.String == "" {
		return nil, nil
	}
	var f engine.Fact
	if err := json.Unmarshal([]byte(col.String), &f); err != nil {
		return nil, fmt.Errorf("failed to decode fact: %w", err)
	}
	return &f, nil
}

// GetRun retrieves one recorded run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, state, cycles, started_at, completed_at, unresolved, transcript_id, sealed_at, created_at
		FROM runs
		WHERE id = ?
	`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists recorded runs newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, state, cycles, started_at, completed_at, unresolved, transcript_id, sealed_at, created_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var state, unresolved string
	var transcriptID sql.NullString
	var sealedAt sql.NullTime

	err := row.Scan(
		&run.ID,
		&state,
		&run.Cycles,
		&run.StartedAt,
		&run.CompletedAt,
		&unresolved,
		&transcriptID,
		&sealedAt,
		&run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.State = engine.RunState(state)
	if err := json.Unmarshal([]byte(unresolved), &run.Unresolved); err != nil {
		return nil, fmt.Errorf("failed to decode unresolved resources: %w", err)
	}
	if transcriptID.Valid {
		run.TranscriptID = transcriptID.String
	}
	if sealedAt.Valid {
		run.SealedAt = sealedAt.Time
	}
	return &run, nil
}

// GetTranscript rebuilds the sealed transcript for a run.
func (s *SQLiteStore) GetTranscript(ctx context.Context, runID string) (*engine.SealedTranscript, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.TranscriptID == "" {
		return nil, fmt.Errorf("run %s has no transcript", runID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, cycle, phase, resource, fact_before, action, attempt, outcome, error, fact_after, message, timestamp
		FROM transcript_entries
		WHERE run_id = ?
		ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcript entries: %w", err)
	}
	defer rows.Close()

	var entries []engine.TranscriptEntry
	for rows.Next() {
		entry, err := scanEntry(rows, runID)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}

	return &engine.SealedTranscript{
		ID:       run.TranscriptID,
		RunID:    runID,
		Entries:  entries,
		SealedAt: run.SealedAt,
	}, nil
}

func scanEntry(rows *sql.Rows, runID string) (engine.TranscriptEntry, error) {
	var entry engine.TranscriptEntry
	var phase, outcome string
	var resource, action, errMsg, message sql.NullString
	var factBefore, factAfter sql.NullString

	err := rows.Scan(
		&entry.Seq,
		&entry.Cycle,
		&phase,
		&resource,
		&factBefore,
		&action,
		&entry.Attempt,
		&outcome,
		&errMsg,
		&factAfter,
		&message,
		&entry.Timestamp,
	)
	if err != nil {
		return entry, fmt.Errorf("failed to scan entry: %w", err)
	}

	entry.RunID = runID
	entry.Phase = engine.Phase(phase)
	entry.Outcome = engine.Outcome(outcome)
	entry.Resource = resource.String
	entry.Action = action.String
	entry.Error = errMsg.String
	entry.Message = message.String

	if entry.FactBefore, err = decodeFact(factBefore); err != nil {
		return entry, err
	}
	if entry.FactAfter, err = decodeFact(factAfter); err != nil {
		return entry, err
	}
	return entry, nil
}

// ResourceHistory returns the recorded transcript entries for one resource
// across all runs, newest first.
func (s *SQLiteStore) ResourceHistory(ctx context.Context, resourceID string, limit int) ([]engine.TranscriptEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, cycle, phase, resource, fact_before, action, attempt, outcome, error, fact_after, message, timestamp
		FROM transcript_entries
		WHERE resource = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query resource history: %w", err)
	}
	defer rows.Close()

	var entries []engine.TranscriptEntry
	for rows.Next() {
		var runID string
		var entry engine.TranscriptEntry
		var phase, outcome string
		var resource, action, errMsg, message sql.NullString
		var factBefore, factAfter sql.NullString

		err := rows.Scan(
			&runID,
			&entry.Seq,
			&entry.Cycle,
			&phase,
			&resource,
			&factBefore,
			&action,
			&entry.Attempt,
			&outcome,
			&errMsg,
			&factAfter,
			&message,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}

		entry.RunID = runID
		entry.Phase = engine.Phase(phase)
		entry.Outcome = engine.Outcome(outcome)
		entry.Resource = resource.String
		entry.Action = action.String
		entry.Error = errMsg.String
		entry.Message = message.String
		if entry.FactBefore, err = decodeFact(factBefore); err != nil {
			return nil, err
		}
		if entry.FactAfter, err = decodeFact(factAfter); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return entries, nil
}

// DiffRuns compares the unresolved resources of two recorded runs.
func (s *SQLiteStore) DiffRuns(ctx context.Context, runA, runB string) (*RunDiff, error) {
	a, err := s.GetRun(ctx, runA)
	if err != nil {
		return nil, err
	}
	b, err := s.GetRun(ctx, runB)
	if err != nil {
		return nil, err
	}

	inA := make(map[string]engine.Resource, len(a.Unresolved))
	for _, r := range a.Unresolved {
		inA[r.ID()] = r
	}
	inB := make(map[string]engine.Resource, len(b.Unresolved))
	for _, r := range b.Unresolved {
		inB[r.ID()] = r
	}

	diff := &RunDiff{RunA: runA, RunB: runB}
	for id, r := range inA {
		if _, ok := inB[id]; ok {
			diff.StillUnresolved = append(diff.StillUnresolved, r)
		} else {
			diff.Fixed = append(diff.Fixed, r)
		}
	}
	for id, r := range inB {
		if _, ok := inA[id]; !ok {
			diff.Broke = append(diff.Broke, r)
		}
	}

	sortResources(diff.Fixed)
	sortResources(diff.Broke)
	sortResources(diff.StillUnresolved)
	return diff, nil
}

func sortResources(rs []engine.Resource) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].ID() < rs[j].ID() })
}

// DeleteRun removes a run and its transcript entries.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// PruneRuns deletes all but the newest keep runs and returns how many were
// removed.
func (s *SQLiteStore) PruneRuns(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must be non-negative")
	}

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM runs
		WHERE id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}
