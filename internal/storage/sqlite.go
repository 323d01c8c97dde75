package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/xerrors"
	_ "modernc.org/sqlite"

	"github.com/yourname/dailytally/internal"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		effective_date TEXT NOT NULL,
		name TEXT NOT NULL,
		count INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS readings_effective_date_idx ON readings (effective_date)`,
	`CREATE TABLE IF NOT EXISTS daily_totals (
		effective_date TEXT PRIMARY KEY,
		total INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

// SQLiteStorage is the single-node SQL backend. It shares its schema with
// PostgresStorage.
type SQLiteStorage struct {
	db     *sql.DB
	logger internal.Logger
}

// NewSQLiteStorage opens path, creating parent directories. ":memory:" gives a
// private in-memory database.
func NewSQLiteStorage(ctx context.Context, path string, logger internal.Logger) (*SQLiteStorage, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, xerrors.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, xerrors.Errorf("failed to open database: %w", err)
	}
	// A single connection serialises writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	for _, stmt := range append([]string{`PRAGMA busy_timeout = 5000`}, sqliteSchema...) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			logger.Errorf("failed to migrate sqlite schema: %v", err)
			return nil, xerrors.Errorf("failed to run migrations: %w", err)
		}
	}
	return &SQLiteStorage{db: db, logger: logger}, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) ResolvePartition(ctx context.Context, date string) (Partition, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO daily_totals (effective_date, total) VALUES (?, 0) ON CONFLICT DO NOTHING`, date)
	if err != nil {
		return Partition{}, classifySQLite(xerrors.Errorf("resolve partition %s: %w", date, err))
	}
	n, _ := res.RowsAffected()
	return Partition{Date: date, Created: n == 1}, nil
}

func (s *SQLiteStorage) AppendRow(ctx context.Context, r internal.Reading) error {
	return s.AppendRows(ctx, []internal.Reading{r})
}

func (s *SQLiteStorage) AppendRows(ctx context.Context, rs []internal.Reading) (err error) {
	if len(rs) == 0 {
		return nil
	}
	dates, groups := groupByDate(rs)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLite(xerrors.Errorf("begin: %w", err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			s.logger.Errorf("failed to insert %d readings: %v", len(rs), err)
		}
	}()

	for _, date := range dates {
		var sum int64
		for _, r := range groups[date] {
			if _, err := tx.ExecContext(ctx, `INSERT INTO readings (effective_date, name, count, created_at) VALUES (?, ?, ?, ?)`,
				r.Date, r.Name, r.Count, r.Timestamp.UTC()); err != nil {
				return classifySQLite(xerrors.Errorf("insert reading: %w", err))
			}
			sum += r.Count
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO daily_totals (effective_date, total) VALUES (?, ?)
			ON CONFLICT (effective_date) DO UPDATE SET total = COALESCE(daily_totals.total, 0) + excluded.total`, date, sum); err != nil {
			return classifySQLite(xerrors.Errorf("update total: %w", err))
		}
	}
	if err := tx.Commit(); err != nil {
		return classifySQLite(xerrors.Errorf("commit: %w", err))
	}
	return nil
}

func (s *SQLiteStorage) ReadAggregate(ctx context.Context, date string) (internal.DailyAggregate, error) {
	if _, err := s.ResolvePartition(ctx, date); err != nil {
		return internal.DailyAggregate{}, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT name, SUM(count) FROM readings WHERE effective_date = ? GROUP BY name`, date)
	if err != nil {
		return internal.DailyAggregate{}, classifySQLite(xerrors.Errorf("query readings for %s: %w", date, err))
	}
	defer rows.Close()

	agg := internal.DailyAggregate{Date: date, UserCounts: make(map[string]int64)}
	for rows.Next() {
		var name string
		var sum int64
		if err := rows.Scan(&name, &sum); err != nil {
			return internal.DailyAggregate{}, xerrors.Errorf("scan readings for %s: %w", date, err)
		}
		if name == "" {
			name = internal.AnonymousName
		}
		agg.UserCounts[name] += sum
		agg.Total += sum
	}
	if err := rows.Err(); err != nil {
		return internal.DailyAggregate{}, classifySQLite(err)
	}
	rows.Close()

	var total sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT total FROM daily_totals WHERE effective_date = ?`, date).Scan(&total); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return internal.DailyAggregate{}, classifySQLite(xerrors.Errorf("read total for %s: %w", date, err))
	}
	if reconcileTotal(s.logger, &agg, total.Int64, total.Valid) {
		if _, err := s.db.ExecContext(ctx, `UPDATE daily_totals SET total = ? WHERE effective_date = ?`, agg.Total, date); err != nil {
			s.logger.Warnf("failed to heal total for %s: %v", date, err)
		}
	}
	return agg, nil
}

func (s *SQLiteStorage) ReadSettings(ctx context.Context) (internal.Settings, error) {
	def := internal.DefaultSettings()
	for key, value := range settingsRows(def) {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT DO NOTHING`, key, value); err != nil {
			return def, classifySQLite(xerrors.Errorf("seed settings: %w", err))
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return def, classifySQLite(xerrors.Errorf("read settings: %w", err))
	}
	defer rows.Close()
	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return def, xerrors.Errorf("scan setting: %w", err)
		}
		values[key] = value
	}
	if err := rows.Err(); err != nil {
		return def, classifySQLite(err)
	}
	return settingsFromRows(values), nil
}

// classifySQLite treats a locked or busy database as a transient outage.
func classifySQLite(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy") {
		return fmt.Errorf("%w: %w", internal.ErrUnavailable, err)
	}
	return classify(err)
}

// --- Compile-time assertions ---
var _ BackingStore = (*SQLiteStorage)(nil)
