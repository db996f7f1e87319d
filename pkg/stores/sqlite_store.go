package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/mailgrid/mailgrid/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const timeLayout = time.RFC3339Nano

// SQLiteStore implements engine.StateStore and engine.EventPublisher on SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

var (
	_ engine.StateStore     = (*SQLiteStore)(nil)
	_ engine.EventPublisher = (*SQLiteStore)(nil)
)

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init opens the database in WAL mode with immediate write transactions.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Get returns the domain's record.
func (s *SQLiteStore) Get(ctx context.Context, domain string) (*engine.DomainRecord, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM domains WHERE name = ?`, domain).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get domain %s: %w", domain, err)
	}

	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// Upsert replaces the domain's record in a single transaction.
func (s *SQLiteStore) Upsert(ctx context.Context, record *engine.DomainRecord) error {
	if record == nil || record.Domain == "" {
		return fmt.Errorf("record has no domain")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO domains (name, state, record, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			state = excluded.state,
			record = excluded.record,
			updated_at = excluded.updated_at
	`
	_, err = tx.ExecContext(ctx, query,
		record.Domain,
		string(record.State),
		string(data),
		record.CreatedAt.UTC().Format(timeLayout),
		record.LastUpdated.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert domain %s: %w", record.Domain, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit domain %s: %w", record.Domain, err)
	}
	return nil
}

// List returns every record sorted by domain.
func (s *SQLiteStore) List(ctx context.Context) ([]*engine.DomainRecord, error) {
	return s.query(ctx, `SELECT record FROM domains ORDER BY name`)
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]*engine.DomainRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}
	defer rows.Close()

	records := []*engine.DomainRecord{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan domain: %w", err)
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating domains: %w", err)
	}
	return records, nil
}

// Summary counts records per state.
func (s *SQLiteStore) Summary(ctx context.Context) (map[engine.DomainState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM domains GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize domains: %w", err)
	}
	defer rows.Close()

	summary := engine.Summarize(nil)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		summary[engine.DomainState(state)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating summary: %w", err)
	}
	return summary, nil
}

// ExportFailures returns the failed records.
func (s *SQLiteStore) ExportFailures(ctx context.Context) ([]engine.FailureReport, error) {
	records, err := s.query(ctx, `SELECT record FROM domains WHERE state = ? ORDER BY name`, string(engine.StateFailed))
	if err != nil {
		return nil, err
	}
	reports := make([]engine.FailureReport, 0, len(records))
	for _, rec := range records {
		reports = append(reports, rec.FailureReport())
	}
	return reports, nil
}

// Publish appends an event to the event log.
func (s *SQLiteStore) Publish(ctx context.Context, event *engine.Event) error {
	query := `
		INSERT INTO events (id, run_id, type, domain, stage, from_state, to_state, level, message, timestamp, at_unix_nano)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.RunID,
		string(event.Type),
		event.Domain,
		string(event.Stage),
		string(event.From),
		string(event.To),
		event.Level,
		event.Message,
		event.Timestamp.UTC().Format(timeLayout),
		event.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns events oldest first, optionally filtered by domain.
// Order follows the integer timestamp; the RFC 3339 text does not sort
// chronologically within a second.
func (s *SQLiteStore) ListEvents(ctx context.Context, domain string, limit int) ([]*engine.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT id, run_id, type, domain, stage, from_state, to_state, level, message, timestamp
		FROM events
		WHERE (? = '' OR domain = ?)
		ORDER BY at_unix_nano, rowid
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, domain, domain, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*engine.Event{}
	for rows.Next() {
		var (
			event                       engine.Event
			typ, stage, from, to, stamp string
		)
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&typ,
			&event.Domain,
			&stage,
			&from,
			&to,
			&event.Level,
			&event.Message,
			&stamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Type = engine.EventType(typ)
		event.Stage = engine.Stage(stage)
		event.From = engine.DomainState(from)
		event.To = engine.DomainState(to)
		if event.Timestamp, err = time.Parse(timeLayout, stamp); err != nil {
			return nil, fmt.Errorf("failed to parse event timestamp: %w", err)
		}
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func decodeRecord(raw string) (*engine.DomainRecord, error) {
	var rec engine.DomainRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode domain record: %w", err)
	}
	return &rec, nil
}
