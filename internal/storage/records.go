package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// RecordStorage persists the hub's collections. Records keep the order in
// which their id was first stored; updating a record does not move it.
type RecordStorage interface {
	// List returns every record of collection in insertion order
	List(ctx context.Context, collection string) ([]json.RawMessage, error)

	// Get returns one record
	Get(ctx context.Context, collection, id string) (json.RawMessage, error)

	// Upsert stores data under id, inserting or replacing in place
	Upsert(ctx context.Context, collection, id string, data json.RawMessage) error

	// Delete removes a record and reports whether it existed
	Delete(ctx context.Context, collection, id string) (bool, error)

	// Count returns the number of records in collection
	Count(ctx context.Context, collection string) (int, error)

	Close() error
}

// SQLiteRecords implements RecordStorage using SQLite
type SQLiteRecords struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteRecords opens (or creates) the database at dbPath
func NewSQLiteRecords(logger *zap.Logger, dbPath string) (*SQLiteRecords, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	storage := &SQLiteRecords{
		logger: logger.Named("storage"),
		db:     db,
	}

	if err := storage.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return storage, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteRecords) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (collection, id)
		);
		CREATE INDEX IF NOT EXISTS idx_records_collection ON records(collection, seq);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// List implements RecordStorage.List
func (s *SQLiteRecords) List(ctx context.Context, collection string) ([]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT data FROM records WHERE collection = ? ORDER BY seq", collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	defer rows.Close()

	records := make([]json.RawMessage, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, json.RawMessage(data))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return records, nil
}

// Get implements RecordStorage.Get
func (s *SQLiteRecords) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM records WHERE collection = ? AND id = ?", collection, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return json.RawMessage(data), nil
}

// Upsert implements RecordStorage.Upsert
func (s *SQLiteRecords) Upsert(ctx context.Context, collection, id string, data json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (collection, id, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at`,
		collection,
		id,
		string(data),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}
	return nil
}

// Delete implements RecordStorage.Delete
func (s *SQLiteRecords) Delete(ctx context.Context, collection, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM records WHERE collection = ? AND id = ?", collection, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete record: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Debug("Deleted record",
		zap.String("collection", collection),
		zap.String("id", id),
		zap.Int64("deleted", affected))

	return affected > 0, nil
}

// Count implements RecordStorage.Count
func (s *SQLiteRecords) Count(ctx context.Context, collection string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM records WHERE collection = ?", collection).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

// Close closes the database connection
func (s *SQLiteRecords) Close() error {
	return s.db.Close()
}
