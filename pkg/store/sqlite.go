package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/starfail/rfloc/pkg/emitter"
	"github.com/starfail/rfloc/pkg/geo"
	"github.com/starfail/rfloc/pkg/logx"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLite is a Store backed by a local sqlite database file
type SQLite struct {
	db     *sql.DB
	logger *logx.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the database at path and migrates it to
// the latest schema.
func Open(path string, logger *logx.Logger) (*SQLite, error) {
	if logger == nil {
		logger = logx.Nop()
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows one writer; a single connection keeps transactions simple
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLite{db: db, logger: logger, now: time.Now}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("emitter database ready", "path", path)
	return s, nil
}

func (s *SQLite) migrateUp() error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	// Not closing m: that would close the shared *sql.DB.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	version, dirty, err := m.Version()
	if err == nil {
		s.logger.Debug("emitter schema", "version", version, "dirty", dirty)
	}
	return nil
}

// Lookup returns the stored info for id, or ErrNotFound.
func (s *SQLite) Lookup(ctx context.Context, id emitter.Identification) (emitter.Info, error) {
	var info emitter.Info
	err := s.db.QueryRowContext(ctx,
		`SELECT trust, latitude, longitude, radius, note FROM emitters WHERE rf_id = ? AND rf_type = ?`,
		id.ID, id.Kind.String(),
	).Scan(&info.Trust, &info.Lat, &info.Lon, &info.Radius, &info.Note)
	if errors.Is(err, sql.ErrNoRows) {
		return emitter.Info{}, ErrNotFound
	}
	if err != nil {
		return emitter.Info{}, fmt.Errorf("lookup %s: %w", id, err)
	}
	return info, nil
}

// InBox returns every emitter of kind whose coverage center lies in box.
func (s *SQLite) InBox(ctx context.Context, kind emitter.Kind, box geo.BoundingBox) ([]Record, error) {
	if box.Empty() {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT rf_id, trust, latitude, longitude, radius, note FROM emitters
		 WHERE rf_type = ? AND latitude BETWEEN ? AND ? AND longitude BETWEEN ? AND ?`,
		kind.String(), box.South, box.North, box.West, box.East,
	)
	if err != nil {
		return nil, fmt.Errorf("query %s in %s: %w", kind, box, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r := Record{Ident: emitter.Identification{Kind: kind}}
		if err := rows.Scan(&r.Ident.ID, &r.Info.Trust, &r.Info.Lat, &r.Info.Lon, &r.Info.Radius, &r.Info.Note); err != nil {
			return nil, fmt.Errorf("scan emitter row: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Count returns the number of stored emitters.
func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM emitters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count emitters: %w", err)
	}
	return n, nil
}

// Begin starts a write transaction.
func (s *SQLite) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &sqliteTx{tx: tx, now: s.now}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

type sqliteTx struct {
	tx  *sql.Tx
	now func() time.Time
}

// Insert writes a new row. An existing row for the same emitter is
// overwritten so a re-discovered emitter never fails the batch.
func (t *sqliteTx) Insert(ctx context.Context, id emitter.Identification, info emitter.Info) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO emitters (rf_id, rf_type, trust, latitude, longitude, radius, note, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (rf_id, rf_type) DO UPDATE SET
		   trust = excluded.trust, latitude = excluded.latitude, longitude = excluded.longitude,
		   radius = excluded.radius, note = excluded.note, updated_at = excluded.updated_at`,
		id.ID, id.Kind.String(), info.Trust, info.Lat, info.Lon, info.Radius, info.Note, t.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert %s: %w", id, err)
	}
	return nil
}

func (t *sqliteTx) Update(ctx context.Context, id emitter.Identification, info emitter.Info) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE emitters SET trust = ?, latitude = ?, longitude = ?, radius = ?, note = ?, updated_at = ?
		 WHERE rf_id = ? AND rf_type = ?`,
		info.Trust, info.Lat, info.Lon, info.Radius, info.Note, t.now().Unix(), id.ID, id.Kind.String(),
	)
	if err != nil {
		return fmt.Errorf("update %s: %w", id, err)
	}
	return nil
}

func (t *sqliteTx) Delete(ctx context.Context, id emitter.Identification) error {
	_, err := t.tx.ExecContext(ctx,
		`DELETE FROM emitters WHERE rf_id = ? AND rf_type = ?`, id.ID, id.Kind.String())
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

func (t *sqliteTx) Commit() error   { return t.tx.Commit() }
func (t *sqliteTx) Rollback() error { return t.tx.Rollback() }
