package storage

import (
	"context"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/xerrors"

	"github.com/yourname/dailytally/internal"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS readings (
	id BIGSERIAL PRIMARY KEY,
	effective_date TEXT NOT NULL,
	name TEXT NOT NULL,
	count BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS readings_effective_date_idx ON readings (effective_date);
CREATE TABLE IF NOT EXISTS daily_totals (
	effective_date TEXT PRIMARY KEY,
	total BIGINT
);
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

// PostgresStorage partitions readings by effective_date and keeps a running
// total per day in daily_totals.
type PostgresStorage struct {
	pool   *pgxpool.Pool
	logger internal.Logger
}

func NewPostgresStorage(ctx context.Context, dsn string, logger internal.Logger) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		logger.Errorf("failed to connect to postgres: %v", err)
		return nil, classify(err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		logger.Errorf("failed to migrate postgres schema: %v", err)
		return nil, classify(xerrors.Errorf("migrate: %w", err))
	}
	return &PostgresStorage{pool: pool, logger: logger}, nil
}

func (p *PostgresStorage) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresStorage) ResolvePartition(ctx context.Context, date string) (Partition, error) {
	tag, err := p.pool.Exec(ctx, `INSERT INTO daily_totals (effective_date, total) VALUES ($1, 0) ON CONFLICT DO NOTHING`, date)
	if err != nil {
		return Partition{}, classify(xerrors.Errorf("resolve partition %s: %w", date, err))
	}
	return Partition{Date: date, Created: tag.RowsAffected() == 1}, nil
}

func (p *PostgresStorage) AppendRow(ctx context.Context, r internal.Reading) error {
	return p.AppendRows(ctx, []internal.Reading{r})
}

func (p *PostgresStorage) AppendRows(ctx context.Context, rs []internal.Reading) error {
	if len(rs) == 0 {
		return nil
	}
	dates, groups := groupByDate(rs)

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, date := range dates {
			var sum int64
			for _, r := range groups[date] {
				batch.Queue(`INSERT INTO readings (effective_date, name, count, created_at) VALUES ($1, $2, $3, $4)`,
					r.Date, r.Name, r.Count, r.Timestamp)
				sum += r.Count
			}
			batch.Queue(`INSERT INTO daily_totals (effective_date, total) VALUES ($1, $2)
				ON CONFLICT (effective_date) DO UPDATE SET total = COALESCE(daily_totals.total, 0) + EXCLUDED.total`, date, sum)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		p.logger.Errorf("failed to insert %d readings: %v", len(rs), err)
		return classify(xerrors.Errorf("append readings: %w", err))
	}
	return nil
}

func (p *PostgresStorage) ReadAggregate(ctx context.Context, date string) (internal.DailyAggregate, error) {
	if _, err := p.ResolvePartition(ctx, date); err != nil {
		return internal.DailyAggregate{}, err
	}

	rows, err := p.pool.Query(ctx, `SELECT name, SUM(count)::BIGINT FROM readings WHERE effective_date = $1 GROUP BY name`, date)
	if err != nil {
		return internal.DailyAggregate{}, classify(xerrors.Errorf("query readings for %s: %w", date, err))
	}
	agg := internal.DailyAggregate{Date: date, UserCounts: make(map[string]int64)}
	for rows.Next() {
		var name string
		var sum int64
		if err := rows.Scan(&name, &sum); err != nil {
			rows.Close()
			return internal.DailyAggregate{}, xerrors.Errorf("scan readings for %s: %w", date, err)
		}
		if name == "" {
			name = internal.AnonymousName
		}
		agg.UserCounts[name] += sum
		agg.Total += sum
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return internal.DailyAggregate{}, classify(xerrors.Errorf("read readings for %s: %w", date, err))
	}

	var total *int64
	if err := p.pool.QueryRow(ctx, `SELECT total FROM daily_totals WHERE effective_date = $1`, date).Scan(&total); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return internal.DailyAggregate{}, classify(xerrors.Errorf("read total for %s: %w", date, err))
	}
	var precomputed int64
	if total != nil {
		precomputed = *total
	}
	if reconcileTotal(p.logger, &agg, precomputed, total != nil) {
		if _, err := p.pool.Exec(ctx, `UPDATE daily_totals SET total = $2 WHERE effective_date = $1`, date, agg.Total); err != nil {
			p.logger.Warnf("failed to heal total for %s: %v", date, err)
		}
	}
	return agg, nil
}

func (p *PostgresStorage) ReadSettings(ctx context.Context) (internal.Settings, error) {
	def := internal.DefaultSettings()
	batch := &pgx.Batch{}
	for key, value := range settingsRows(def) {
		batch.Queue(`INSERT INTO settings (key, value) VALUES ($1, $2) ON CONFLICT DO NOTHING`, key, value)
	}
	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return def, classify(xerrors.Errorf("seed settings: %w", err))
	}

	rows, err := p.pool.Query(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return def, classify(xerrors.Errorf("read settings: %w", err))
	}
	kv, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) ([2]string, error) {
		var pair [2]string
		err := row.Scan(&pair[0], &pair[1])
		return pair, err
	})
	if err != nil {
		return def, classify(xerrors.Errorf("read settings: %w", err))
	}
	values := make(map[string]string, len(kv))
	for _, pair := range kv {
		values[pair[0]] = pair[1]
	}
	return settingsFromRows(values), nil
}

// settingsRows renders settings as the key/value rows the SQL backends store.
func settingsRows(s internal.Settings) map[string]string {
	return map[string]string{
		settingKeyName:      s.DhikrName,
		settingKeyTarget:    strconv.FormatInt(s.Target, 10),
		settingKeyResetHour: strconv.Itoa(s.ResetHour),
	}
}

func settingsFromRows(values map[string]string) internal.Settings {
	s := internal.Settings{DhikrName: values[settingKeyName], ResetHour: -1}
	if n, err := strconv.ParseInt(values[settingKeyTarget], 10, 64); err == nil {
		s.Target = n
	}
	if n, err := strconv.Atoi(values[settingKeyResetHour]); err == nil {
		s.ResetHour = n
	}
	return s.Normalize()
}

// --- Compile-time assertions ---
var _ BackingStore = (*PostgresStorage)(nil)
