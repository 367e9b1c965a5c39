package index

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cloudparity/parity/pkg/logger"
)

// SQLiteIndex stores event sightings in an embedded SQLite database. It is
// the fallback backend when Redis is unavailable and the default for
// single-node deployments. SQLite has no key expiry, so CleanupExpired
// actively deletes rows older than the TTL.
type SQLiteIndex struct {
	path   string
	ttl    time.Duration
	db     *sql.DB
	logger *slog.Logger
	lat    latencyTracker
}

// NewSQLite creates an unconnected SQLiteIndex. Call Connect before use.
// The special path ":memory:" opens an in-memory database.
func NewSQLite(path string, ttl time.Duration) *SQLiteIndex {
	return &SQLiteIndex{
		path:   path,
		ttl:    ttl,
		logger: logger.WithComponent("event-index").With("backend", "sqlite"),
	}
}

func (s *SQLiteIndex) Backend() string {
	return "sqlite"
}

// Connect opens the database file and applies the schema.
func (s *SQLiteIndex) Connect(ctx context.Context) error {
	if s.path != ":memory:" {
		if dir := filepath.Dir(s.path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating index directory %s: %w", dir, err)
			}
		}
	}
	db, err := sql.Open("sqlite3", s.path)
	if err != nil {
		return fmt.Errorf("opening sqlite index %s: %w", s.path, err)
	}
	// A single connection avoids SQLITE_BUSY under concurrent writers and
	// keeps :memory: databases coherent across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return fmt.Errorf("enabling WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return fmt.Errorf("setting busy timeout: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return err
	}
	s.db = db
	s.logger.Info("event index connected", "path", s.path, "ttl", s.ttl)
	return nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS event_sources (
			event_id   TEXT NOT NULL,
			source     TEXT NOT NULL,
			indexed_at TIMESTAMP NOT NULL,
			PRIMARY KEY (event_id, source)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_event_sources_indexed_at ON event_sources(indexed_at)`,
		`CREATE TABLE IF NOT EXISTS event_metadata (
			event_id     TEXT PRIMARY KEY,
			timestamp    TIMESTAMP NOT NULL,
			payload_hash TEXT NOT NULL,
			order_id     TEXT,
			customer_id  TEXT,
			amount       REAL,
			indexed_at   TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_event_metadata_indexed_at ON event_metadata(indexed_at)`,
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying index schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteIndex) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// IndexEvent records that eventID was seen from source and replaces the
// stored metadata. Re-indexing the same (event, source) pair is a no-op for
// the source row.
func (s *SQLiteIndex) IndexEvent(ctx context.Context, eventID, source string, md Metadata) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning index transaction: %w", err)
	}
	now := time.Now().UTC()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO event_sources (event_id, source, indexed_at) VALUES (?, ?, ?)`,
		eventID, source, now,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("indexing source %s for %s: %w", source, eventID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO event_metadata
			(event_id, timestamp, payload_hash, order_id, customer_id, amount, indexed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		eventID, md.Timestamp.UTC(), md.PayloadHash, md.OrderID, md.CustomerID, md.Amount, now,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("indexing metadata for %s: %w", eventID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing index write for %s: %w", eventID, err)
	}
	return nil
}

// EventSources returns the sorted sources that have reported eventID.
func (s *SQLiteIndex) EventSources(ctx context.Context, eventID string) ([]string, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT source FROM event_sources WHERE event_id = ? ORDER BY source`, eventID)
	s.lat.observe(time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("reading sources for %s: %w", eventID, err)
	}
	defer rows.Close()

	sources := make([]string, 0, 3)
	for rows.Next() {
		var source string
		if err := rows.Scan(&source); err != nil {
			return nil, fmt.Errorf("scanning source row: %w", err)
		}
		sources = append(sources, source)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating source rows: %w", err)
	}
	return sources, nil
}

// EventMetadata returns the stored metadata for eventID, with found=false
// when the event is unknown.
func (s *SQLiteIndex) EventMetadata(ctx context.Context, eventID string) (Metadata, bool, error) {
	start := time.Now()
	row := s.db.QueryRowContext(ctx,
		`SELECT timestamp, payload_hash, order_id, customer_id, amount
		 FROM event_metadata WHERE event_id = ?`, eventID)

	var (
		md         Metadata
		orderID    sql.NullString
		customerID sql.NullString
		amount     sql.NullFloat64
	)
	err := row.Scan(&md.Timestamp, &md.PayloadHash, &orderID, &customerID, &amount)
	s.lat.observe(time.Since(start))
	if err == sql.ErrNoRows {
		return Metadata{}, false, nil
	}
	if err != nil {
		return Metadata{}, false, fmt.Errorf("reading metadata for %s: %w", eventID, err)
	}
	md.Timestamp = md.Timestamp.UTC()
	md.OrderID = orderID.String
	md.CustomerID = customerID.String
	if amount.Valid {
		md.Amount = &amount.Float64
	}
	return md, true, nil
}

// EventExists reports whether any source has reported eventID.
func (s *SQLiteIndex) EventExists(ctx context.Context, eventID string) (bool, error) {
	start := time.Now()
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM event_sources WHERE event_id = ?)`, eventID).Scan(&exists)
	s.lat.observe(time.Since(start))
	if err != nil {
		return false, fmt.Errorf("checking existence of %s: %w", eventID, err)
	}
	return exists, nil
}

// MissingSources returns the expected sources that have not reported
// eventID, preserving expected order.
func (s *SQLiteIndex) MissingSources(ctx context.Context, eventID string, expected []string) ([]string, error) {
	actual, err := s.EventSources(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return diffSources(expected, actual), nil
}

// CleanupExpired deletes rows whose indexed_at is older than the TTL and
// returns the number of rows removed.
func (s *SQLiteIndex) CleanupExpired(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.ttl)

	var total int64
	for _, table := range []string{"event_sources", "event_metadata"} {
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE indexed_at < ?", table), cutoff)
		if err != nil {
			return total, fmt.Errorf("cleaning up %s: %w", table, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("counting cleanup in %s: %w", table, err)
		}
		total += affected
	}
	if total > 0 {
		s.logger.Info("expired index entries removed", "rows", total, "cutoff", cutoff)
	}
	return total, nil
}

// Stats aggregates totals per source.
func (s *SQLiteIndex) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		Backend:     "sqlite",
		BySource:    make(map[string]int64),
		AvgLookupMS: s.lat.avgMS(),
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT event_id) FROM event_sources`).Scan(&stats.TotalEvents); err != nil {
		return Stats{}, fmt.Errorf("counting indexed events: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT source, COUNT(*) FROM event_sources GROUP BY source`)
	if err != nil {
		return Stats{}, fmt.Errorf("aggregating sources: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			source string
			count  int64
		)
		if err := rows.Scan(&source, &count); err != nil {
			return Stats{}, fmt.Errorf("scanning source aggregate: %w", err)
		}
		stats.BySource[source] = count
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterating source aggregates: %w", err)
	}
	return stats, nil
}
