package logstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/lib/pq"

	"github.com/jameslbarnes/dshield/interfaces"
)

// PostgresStore is the durable log store. Entries are stored as JSON wire
// form keyed by (function_id, sequence); the primary key makes duplicate
// sequence numbers impossible at the storage layer.
//
// The latest sequence per function is cached in memory so appends do not pay
// a MAX() query each time. The cache is safe because the Recorder serializes
// appends per function id.
type PostgresStore struct {
	db  *sql.DB
	log *slog.Logger

	mu     sync.Mutex
	latest map[string]uint64
}

const createEntriesTable = `
CREATE TABLE IF NOT EXISTS audit_entries (
    function_id TEXT   NOT NULL,
    sequence    BIGINT NOT NULL,
    entry       JSONB  NOT NULL,
    PRIMARY KEY (function_id, sequence)
)`

// NewPostgresStore opens the database, verifies connectivity and ensures the
// entries table exists. The connection string is a lib/pq DSN or postgres://
// URL.
func NewPostgresStore(connStr string, log *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	if _, err := db.Exec(createEntriesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create audit_entries table: %w", err)
	}

	return &PostgresStore{
		db:     db,
		log:    log,
		latest: make(map[string]uint64),
	}, nil
}

// Append inserts the signed entry. A primary key violation reports a
// sequencing bug upstream rather than silently rewriting history.
func (s *PostgresStore) Append(ctx context.Context, entry interfaces.SignedLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (function_id, sequence, entry) VALUES ($1, $2, $3::jsonb)`,
		entry.FunctionID, int64(entry.Sequence), string(data))
	if err != nil {
		return fmt.Errorf("failed to insert entry: %w", err)
	}

	s.mu.Lock()
	if entry.Sequence > s.latest[entry.FunctionID] {
		s.latest[entry.FunctionID] = entry.Sequence
	}
	s.mu.Unlock()

	return nil
}

// GetAll returns the function's chain ordered by sequence ascending.
func (s *PostgresStore) GetAll(ctx context.Context, functionID string) ([]interfaces.SignedLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry FROM audit_entries WHERE function_id = $1 ORDER BY sequence ASC`,
		functionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []interfaces.SignedLogEntry
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}

		var entry interfaces.SignedLogEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, fmt.Errorf("corrupt entry for %s: %w", functionID, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read entries: %w", err)
	}

	return entries, nil
}

// GetLatestSequence returns the cached latest sequence, falling back to a
// MAX() query the first time a function id is seen.
func (s *PostgresStore) GetLatestSequence(ctx context.Context, functionID string) (uint64, error) {
	s.mu.Lock()
	if latest, ok := s.latest[functionID]; ok {
		s.mu.Unlock()
		return latest, nil
	}
	s.mu.Unlock()

	var latest int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM audit_entries WHERE function_id = $1`,
		functionID).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("failed to query latest sequence: %w", err)
	}

	s.mu.Lock()
	s.latest[functionID] = uint64(latest)
	s.mu.Unlock()

	return uint64(latest), nil
}

// Available pings the database.
func (s *PostgresStore) Available(ctx context.Context) bool {
	if err := s.db.PingContext(ctx); err != nil {
		s.log.Warn("Postgres store unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this store.
func (s *PostgresStore) Name() string {
	return "postgres"
}

// Close releases the database connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
