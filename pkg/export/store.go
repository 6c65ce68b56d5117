package export

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"burstscope/internal/models"
	"burstscope/pkg/detection"
)

// schema.sql creates the runs table and the per-spot table keyed by run
//
//go:embed schema.sql
var schemaSQL string

// ErrRunNotFound is returned when a run id is not in the store
var ErrRunNotFound = errors.New("run not found")

// Run describes one analysis whose spots are recorded
type Run struct {
	// ID is generated when empty
	ID        string
	Source    string
	Shape     []int
	Params    detection.Params
	CreatedAt time.Time
}

// Store persists burst maps in a SQLite database
type Store struct {
	db *sql.DB
}

// OpenStore opens or creates the database at path and applies the schema
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordRun stores the run and all of its spots in a single transaction and
// returns the run id.
func (s *Store) RecordRun(ctx context.Context, run Run, m *models.BurstMap) (string, error) {
	if m == nil {
		return "", fmt.Errorf("nil burst map")
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	shape, err := json.Marshal(run.Shape)
	if err != nil {
		return "", err
	}
	params, err := json.Marshal(run.Params)
	if err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, source, tensor_rank, times, shape, params, total_spots, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Source, m.Rank, m.Len(), string(shape), string(params), m.Total(), run.CreatedAt.UnixNano())
	if err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO spots (run_id, time_idx, seq, depth, row_idx, col_idx)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", err
	}
	defer stmt.Close()

	for t := 0; t < m.Len(); t++ {
		for seq, spot := range m.At(t) {
			var depth sql.NullInt64
			if m.Rank == 4 {
				depth = sql.NullInt64{Int64: int64(spot.Depth), Valid: true}
			}
			if _, err := stmt.ExecContext(ctx, run.ID, t, seq, depth, spot.Row, spot.Col); err != nil {
				return "", fmt.Errorf("failed to insert spot at time %d: %w", t, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return run.ID, nil
}

// Spots reads back the burst map recorded under runID
func (s *Store) Spots(ctx context.Context, runID string) (*models.BurstMap, error) {
	var rank, times int
	err := s.db.QueryRowContext(ctx, `SELECT tensor_rank, times FROM runs WHERE run_id = ?`, runID).Scan(&rank, &times)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT time_idx, depth, row_idx, col_idx FROM spots
		WHERE run_id = ? ORDER BY time_idx, seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	m := models.NewBurstMap(rank, times)
	for rows.Next() {
		var t int
		var depth sql.NullInt64
		var spot models.Spot
		if err := rows.Scan(&t, &depth, &spot.Row, &spot.Col); err != nil {
			return nil, err
		}
		if t < 0 || t >= times {
			return nil, fmt.Errorf("spot time %d outside run of %d time points", t, times)
		}
		spot.Depth = int(depth.Int64)
		m.Spots[t] = append(m.Spots[t], spot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

// RunIDs lists the recorded runs, newest first
func (s *Store) RunIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id FROM runs ORDER BY created_at DESC, run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
