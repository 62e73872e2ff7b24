package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/seantiz/depflow/internal/model"

	_ "modernc.org/sqlite"
)

const createOpRecordsTable = `
CREATE TABLE IF NOT EXISTS op_records (
    id          TEXT PRIMARY KEY,
    op_id       TEXT NOT NULL,
    name        TEXT NOT NULL,
    property    TEXT NOT NULL,
    dev_type    TEXT NOT NULL,
    dev_id      INTEGER NOT NULL,
    status      TEXT NOT NULL,
    error       TEXT,
    queued_at   DATETIME NOT NULL,
    started_at  DATETIME NOT NULL,
    finished_at DATETIME NOT NULL,
    wait_us     INTEGER NOT NULL,
    duration_us INTEGER NOT NULL
)`

const createOpRecordsIndex = `
CREATE INDEX IF NOT EXISTS idx_op_records_finished ON op_records (finished_at DESC)`

const recordColumns = `id, op_id, name, property, dev_type, dev_id, status, error,
	queued_at, started_at, finished_at, duration_us`

// ErrNotFound is returned when a record is not found.
var ErrNotFound = errors.New("record not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createOpRecordsTable, createOpRecordsIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate op_records: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InsertRecords writes recs in a single transaction.
func (s *SQLiteStore) InsertRecords(ctx context.Context, recs []model.OpRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO op_records (
			id, op_id, name, property, dev_type, dev_id, status, error,
			queued_at, started_at, finished_at, wait_us, duration_us
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := range recs {
		r := &recs[i]
		var errText sql.NullString
		if r.Error != "" {
			errText = sql.NullString{String: r.Error, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.OpID, r.Name, string(r.Property), r.Context.DevType, r.Context.DevID,
			r.Status, errText, r.QueuedAt, r.StartedAt, r.FinishedAt,
			r.Wait().Microseconds(), r.DurationUS,
		); err != nil {
			return fmt.Errorf("insert record %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit records: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*model.OpRecord, error) {
	r := &model.OpRecord{}
	var prop string
	var errText sql.NullString
	if err := row.Scan(
		&r.ID, &r.OpID, &r.Name, &prop, &r.Context.DevType, &r.Context.DevID,
		&r.Status, &errText, &r.QueuedAt, &r.StartedAt, &r.FinishedAt, &r.DurationUS,
	); err != nil {
		return nil, err
	}
	r.Property = model.FnProperty(prop)
	r.Error = errText.String
	return r, nil
}

// GetRecord retrieves a record by ID.
func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*model.OpRecord, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM op_records WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return r, nil
}

// ListRecords returns a page of records, most recently finished first, along
// with the total count of all records.
func (s *SQLiteStore) ListRecords(ctx context.Context, limit, offset int) ([]*model.OpRecord, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM op_records").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count records: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM op_records
		ORDER BY finished_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var recs []*model.OpRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan record: %w", err)
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate records: %w", err)
	}

	return recs, total, nil
}

// GetRecordStats returns aggregate counts and average timings.
func (s *SQLiteStore) GetRecordStats(ctx context.Context) (*RecordStats, error) {
	stats := &RecordStats{
		CountByStatus:   make(map[string]int),
		CountByProperty: make(map[string]int),
	}

	var avgDur, avgWait sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), AVG(duration_us), AVG(wait_us) FROM op_records",
	).Scan(&stats.Total, &avgDur, &avgWait); err != nil {
		return nil, fmt.Errorf("aggregate records: %w", err)
	}
	stats.AvgDurationUS = avgDur.Float64
	stats.AvgWaitUS = avgWait.Float64

	for col, dst := range map[string]map[string]int{
		"status":   stats.CountByStatus,
		"property": stats.CountByProperty,
	} {
		if err := s.countBy(ctx, col, dst); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

// countBy fills dst with row counts grouped by col, which must be a trusted
// column name.
func (s *SQLiteStore) countBy(ctx context.Context, col string, dst map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+col+", COUNT(*) FROM op_records GROUP BY "+col)
	if err != nil {
		return fmt.Errorf("count by %s: %w", col, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", col, err)
		}
		dst[key] = n
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s counts: %w", col, err)
	}
	return nil
}
