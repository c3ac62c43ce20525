// Package sqlstore is a SQLite implementation of experiment.Store for
// deployments that want suggestions and observations on disk.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dyluth/hone/pkg/experiment"
)

const schema = `
CREATE TABLE IF NOT EXISTS experiments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	body TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS unprocessed_suggestions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	experiment_id INTEGER NOT NULL,
	source TEXT NOT NULL,
	assignments TEXT NOT NULL,
	task TEXT,
	generated_at_ms INTEGER NOT NULL,
	queued_suggestion_id INTEGER UNIQUE
);

CREATE TABLE IF NOT EXISTS processed_suggestions (
	suggestion_id INTEGER PRIMARY KEY,
	experiment_id INTEGER NOT NULL,
	processed_at_ms INTEGER NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	automatic INTEGER NOT NULL DEFAULT 0,
	client_provided_data TEXT,
	queued_suggestion_id INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_processed_experiment ON processed_suggestions(experiment_id, deleted);

CREATE TABLE IF NOT EXISTS observations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	experiment_id INTEGER NOT NULL,
	suggestion_id INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	body TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_observations_experiment ON observations(experiment_id, id);
CREATE INDEX IF NOT EXISTS idx_observations_suggestion ON observations(suggestion_id);

CREATE TABLE IF NOT EXISTS queued_suggestions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	experiment_id INTEGER NOT NULL,
	position INTEGER NOT NULL,
	body TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queued_experiment ON queued_suggestions(experiment_id, position);

CREATE TABLE IF NOT EXISTS hyperparameters (
	experiment_id INTEGER PRIMARY KEY,
	blob TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS importances (
	experiment_id INTEGER PRIMARY KEY,
	body TEXT NOT NULL
);
`

// Store implements experiment.Store on SQLite.
type Store struct {
	db *sql.DB
}

var _ experiment.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the
// schema. ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	// One connection: SQLite serializes writers anyway, and an in-memory
	// database exists only on the connection that created it.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) CreateExperiment(ctx context.Context, e *experiment.Experiment) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid experiment: %w", err)
	}
	if e.CreatedAtMs == 0 {
		e.CreatedAtMs = time.Now().UnixMilli()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if e.ID == 0 {
		res, err := tx.ExecContext(ctx, `INSERT INTO experiments (body) VALUES ('{}')`)
		if err != nil {
			return fmt.Errorf("failed to allocate experiment id: %w", err)
		}
		if e.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to read experiment id: %w", err)
		}
	}

	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal experiment: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO experiments (id, body) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET body = excluded.body`, e.ID, string(body))
	if err != nil {
		return fmt.Errorf("failed to write experiment: %w", err)
	}
	return tx.Commit()
}

func (s *Store) GetExperiment(ctx context.Context, experimentID int64) (*experiment.Experiment, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM experiments WHERE id = ?`, experimentID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &experiment.ExperimentNotFoundError{ExperimentID: experimentID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read experiment: %w", err)
	}

	var e experiment.Experiment
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal experiment: %w", err)
	}
	return &e, nil
}

// CreateUnprocessedSuggestion persists a candidate and assigns its id. The
// unique queued_suggestion_id column lets a queued suggestion be consumed at
// most once.
func (s *Store) CreateUnprocessedSuggestion(ctx context.Context, u *experiment.UnprocessedSuggestion) error {
	if err := u.Validate(); err != nil {
		return fmt.Errorf("invalid unprocessed suggestion: %w", err)
	}
	assignments, err := json.Marshal(u.Assignments)
	if err != nil {
		return fmt.Errorf("failed to marshal assignments: %w", err)
	}
	task, err := nullJSON(u.Task)
	if err != nil {
		return err
	}
	var queuedID any
	if u.QueuedSuggestionID != 0 {
		queuedID = u.QueuedSuggestionID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO unprocessed_suggestions (experiment_id, source, assignments, task, generated_at_ms, queued_suggestion_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(queued_suggestion_id) DO NOTHING`,
		u.ExperimentID, string(u.Source), string(assignments), task, u.GeneratedAtMs, queuedID)
	if err != nil {
		return fmt.Errorf("failed to write unprocessed suggestion: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &experiment.DuplicateUnprocessedSuggestionError{
			ExperimentID:       u.ExperimentID,
			QueuedSuggestionID: u.QueuedSuggestionID,
		}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read suggestion id: %w", err)
	}

	if u.QueuedSuggestionID != 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM queued_suggestions WHERE id = ?`, u.QueuedSuggestionID); err != nil {
			return fmt.Errorf("failed to consume queued suggestion: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit unprocessed suggestion: %w", err)
	}
	u.ID = id
	return nil
}

// GetUnprocessedSuggestion returns sql.ErrNoRows when the id is unknown.
func (s *Store) GetUnprocessedSuggestion(ctx context.Context, suggestionID int64) (*experiment.UnprocessedSuggestion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, experiment_id, source, assignments, task, generated_at_ms, COALESCE(queued_suggestion_id, 0)
		FROM unprocessed_suggestions WHERE id = ?`, suggestionID)
	u, err := scanUnprocessed(row)
	if err != nil {
		return nil, fmt.Errorf("failed to read unprocessed suggestion %d: %w", suggestionID, err)
	}
	return u, nil
}

// ProcessSuggestion claims an unprocessed suggestion with a single
// conflict-ignoring insert; of several concurrent callers exactly one row is
// written.
func (s *Store) ProcessSuggestion(ctx context.Context, p *experiment.ProcessedSuggestion) error {
	if p.SuggestionID <= 0 || p.ExperimentID <= 0 {
		return fmt.Errorf("invalid processed suggestion: suggestion_id and experiment_id are required")
	}
	data, err := nullJSON(p.ClientProvidedData)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_suggestions
			(suggestion_id, experiment_id, processed_at_ms, deleted, automatic, client_provided_data, queued_suggestion_id)
		SELECT ?, ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM unprocessed_suggestions WHERE id = ?)
		ON CONFLICT(suggestion_id) DO NOTHING`,
		p.SuggestionID, p.ExperimentID, p.ProcessedAtMs, boolInt(p.Deleted), boolInt(p.Automatic), data,
		p.QueuedSuggestionID, p.SuggestionID)
	if err != nil {
		return fmt.Errorf("failed to claim suggestion %d: %w", p.SuggestionID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var queuedID int64
	err = s.db.QueryRowContext(ctx,
		`SELECT queued_suggestion_id FROM processed_suggestions WHERE suggestion_id = ?`, p.SuggestionID).Scan(&queuedID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("unprocessed suggestion %d: %w", p.SuggestionID, sql.ErrNoRows)
	}
	if err != nil {
		return fmt.Errorf("failed to read claim of suggestion %d: %w", p.SuggestionID, err)
	}
	return &experiment.SuggestionAlreadyProcessedError{
		SuggestionID:       p.SuggestionID,
		ExperimentID:       p.ExperimentID,
		QueuedSuggestionID: queuedID,
	}
}

func (s *Store) DeleteSuggestion(ctx context.Context, experimentID, suggestionID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processed_suggestions SET deleted = 1 WHERE suggestion_id = ? AND experiment_id = ?`,
		suggestionID, experimentID)
	if err != nil {
		return fmt.Errorf("failed to delete suggestion %d: %w", suggestionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("suggestion %d: %w", suggestionID, sql.ErrNoRows)
	}
	return nil
}

// OpenSuggestions returns processed suggestions that are neither deleted nor
// observed, oldest first.
func (s *Store) OpenSuggestions(ctx context.Context, experimentID int64) ([]experiment.Suggestion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.experiment_id, u.source, u.assignments, u.task, u.generated_at_ms, COALESCE(u.queued_suggestion_id, 0),
		       p.processed_at_ms, p.automatic, p.client_provided_data, p.queued_suggestion_id
		FROM processed_suggestions p
		JOIN unprocessed_suggestions u ON u.id = p.suggestion_id
		WHERE p.experiment_id = ? AND p.deleted = 0
		  AND NOT EXISTS (SELECT 1 FROM observations o WHERE o.suggestion_id = p.suggestion_id)
		ORDER BY p.processed_at_ms, p.suggestion_id`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query open suggestions: %w", err)
	}
	defer rows.Close()

	suggestions := []experiment.Suggestion{}
	for rows.Next() {
		var (
			u                      experiment.UnprocessedSuggestion
			source, assignments    string
			task, data             sql.NullString
			processedAt, pQueuedID int64
			automatic              int
		)
		if err := rows.Scan(&u.ID, &u.ExperimentID, &source, &assignments, &task, &u.GeneratedAtMs, &u.QueuedSuggestionID,
			&processedAt, &automatic, &data, &pQueuedID); err != nil {
			return nil, fmt.Errorf("failed to scan open suggestion: %w", err)
		}
		if err := decodeUnprocessed(&u, source, assignments, task); err != nil {
			return nil, err
		}
		p := experiment.ProcessedSuggestion{
			SuggestionID:       u.ID,
			ExperimentID:       u.ExperimentID,
			ProcessedAtMs:      processedAt,
			Automatic:          automatic == 1,
			QueuedSuggestionID: pQueuedID,
		}
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &p.ClientProvidedData); err != nil {
				return nil, fmt.Errorf("failed to unmarshal client data: %w", err)
			}
		}
		suggestions = append(suggestions, experiment.Suggestion{Processed: p, Unprocessed: u})
	}
	return suggestions, rows.Err()
}

func (s *Store) CreateObservation(ctx context.Context, o *experiment.Observation) error {
	if err := o.Validate(); err != nil {
		return fmt.Errorf("invalid observation: %w", err)
	}
	if o.CreatedAtMs == 0 {
		o.CreatedAtMs = time.Now().UnixMilli()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO observations (experiment_id, suggestion_id, failed, body) VALUES (?, ?, ?, '{}')`,
		o.ExperimentID, o.SuggestionID, boolInt(o.Failed))
	if err != nil {
		return fmt.Errorf("failed to write observation: %w", err)
	}
	if o.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read observation id: %w", err)
	}

	body, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal observation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE observations SET body = ? WHERE id = ?`, string(body), o.ID); err != nil {
		return fmt.Errorf("failed to write observation body: %w", err)
	}
	return tx.Commit()
}

func (s *Store) ObservationPage(ctx context.Context, experimentID int64, offset, limit int) ([]experiment.Observation, error) {
	if limit <= 0 {
		return []experiment.Observation{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM observations WHERE experiment_id = ? ORDER BY id LIMIT ? OFFSET ?`,
		experimentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query observations: %w", err)
	}
	defer rows.Close()

	observations := []experiment.Observation{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		var o experiment.Observation
		if err := json.Unmarshal([]byte(body), &o); err != nil {
			return nil, fmt.Errorf("failed to unmarshal observation: %w", err)
		}
		observations = append(observations, o)
	}
	return observations, rows.Err()
}

func (s *Store) ObservationCounts(ctx context.Context, experimentID int64) (experiment.ObservationCounts, error) {
	var c experiment.ObservationCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(failed), 0), COALESCE(MAX(id), 0)
		FROM observations WHERE experiment_id = ?`, experimentID).Scan(&c.Count, &c.Failures, &c.MaxID)
	if err != nil {
		return experiment.ObservationCounts{}, fmt.Errorf("failed to count observations: %w", err)
	}
	return c, nil
}

func (s *Store) LastObservation(ctx context.Context, experimentID int64) (*experiment.Observation, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM observations WHERE experiment_id = ? ORDER BY id DESC LIMIT 1`, experimentID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read last observation: %w", err)
	}
	var o experiment.Observation
	if err := json.Unmarshal([]byte(body), &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal observation: %w", err)
	}
	return &o, nil
}

func (s *Store) Hyperparameters(ctx context.Context, experimentID int64) (json.RawMessage, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM hyperparameters WHERE experiment_id = ?`, experimentID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read hyperparameters: %w", err)
	}
	return json.RawMessage(blob), nil
}

func (s *Store) SetHyperparameters(ctx context.Context, experimentID int64, blob json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hyperparameters (experiment_id, blob) VALUES (?, ?)
		ON CONFLICT(experiment_id) DO UPDATE SET blob = excluded.blob`, experimentID, string(blob))
	if err != nil {
		return fmt.Errorf("failed to write hyperparameters: %w", err)
	}
	return nil
}

// ReplaceQueuedSuggestions swaps the experiment's precomputed batch. Ids are
// assigned in place.
func (s *Store) ReplaceQueuedSuggestions(ctx context.Context, experimentID int64, suggestions []experiment.QueuedSuggestion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM queued_suggestions WHERE experiment_id = ?`, experimentID); err != nil {
		return fmt.Errorf("failed to clear queued suggestions: %w", err)
	}

	for i := range suggestions {
		q := &suggestions[i]
		q.ExperimentID = experimentID
		res, err := tx.ExecContext(ctx,
			`INSERT INTO queued_suggestions (experiment_id, position, body) VALUES (?, ?, '{}')`, experimentID, i)
		if err != nil {
			return fmt.Errorf("failed to write queued suggestion: %w", err)
		}
		if q.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to read queued suggestion id: %w", err)
		}
		body, err := json.Marshal(q)
		if err != nil {
			return fmt.Errorf("failed to marshal queued suggestion: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE queued_suggestions SET body = ? WHERE id = ?`, string(body), q.ID); err != nil {
			return fmt.Errorf("failed to write queued suggestion body: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) PeekQueuedSuggestions(ctx context.Context, experimentID int64, limit int) ([]experiment.QueuedSuggestion, error) {
	if limit <= 0 {
		return []experiment.QueuedSuggestion{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM queued_suggestions WHERE experiment_id = ? ORDER BY position LIMIT ?`, experimentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query queued suggestions: %w", err)
	}
	defer rows.Close()

	out := []experiment.QueuedSuggestion{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan queued suggestion: %w", err)
		}
		var q experiment.QueuedSuggestion
		if err := json.Unmarshal([]byte(body), &q); err != nil {
			return nil, fmt.Errorf("failed to unmarshal queued suggestion: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *Store) SetImportances(ctx context.Context, imp *experiment.Importances) error {
	body, err := json.Marshal(imp)
	if err != nil {
		return fmt.Errorf("failed to marshal importances: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO importances (experiment_id, body) VALUES (?, ?)
		ON CONFLICT(experiment_id) DO UPDATE SET body = excluded.body`, imp.ExperimentID, string(body))
	if err != nil {
		return fmt.Errorf("failed to write importances: %w", err)
	}
	return nil
}

func (s *Store) Importances(ctx context.Context, experimentID int64) (*experiment.Importances, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM importances WHERE experiment_id = ?`, experimentID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read importances: %w", err)
	}
	var imp experiment.Importances
	if err := json.Unmarshal([]byte(body), &imp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal importances: %w", err)
	}
	return &imp, nil
}

func scanUnprocessed(row *sql.Row) (*experiment.UnprocessedSuggestion, error) {
	var (
		u                   experiment.UnprocessedSuggestion
		source, assignments string
		task                sql.NullString
	)
	if err := row.Scan(&u.ID, &u.ExperimentID, &source, &assignments, &task, &u.GeneratedAtMs, &u.QueuedSuggestionID); err != nil {
		return nil, err
	}
	if err := decodeUnprocessed(&u, source, assignments, task); err != nil {
		return nil, err
	}
	return &u, nil
}

func decodeUnprocessed(u *experiment.UnprocessedSuggestion, source, assignments string, task sql.NullString) error {
	u.Source = experiment.Source(source)
	if err := json.Unmarshal([]byte(assignments), &u.Assignments); err != nil {
		return fmt.Errorf("failed to unmarshal assignments: %w", err)
	}
	if task.Valid {
		u.Task = &experiment.Task{}
		if err := json.Unmarshal([]byte(task.String), u.Task); err != nil {
			return fmt.Errorf("failed to unmarshal task: %w", err)
		}
	}
	return nil
}

// nullJSON encodes v, mapping nil pointers and empty maps to SQL NULL.
func nullJSON(v any) (any, error) {
	switch x := v.(type) {
	case *experiment.Task:
		if x == nil {
			return nil, nil
		}
	case map[string]string:
		if len(x) == 0 {
			return nil, nil
		}
	}
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	return string(body), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
