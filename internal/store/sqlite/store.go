// Package sqlite is the persistence collaborator: the bar history that
// outlives the in-memory cache window, and the calculated tables the
// orchestrator replaces batch by batch. Single writer, WAL mode, every
// write inside a transaction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"kl-core/internal/metrics"
	"kl-core/internal/model"
)

// Config configures the SQLite store.
type Config struct {
	DBPath string // e.g. "data/kl.db"
}

// Store wraps the database handle. Safe for concurrent use; the pool is
// pinned to one connection so writes serialize at the driver.
type Store struct {
	db  *sql.DB
	met *metrics.Metrics
}

// New opens (creating if needed) the database with WAL mode and the schema.
func New(cfg Config, met *metrics.Metrics) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Store{db: db, met: met}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bars (
			security    TEXT    NOT NULL,
			interval    TEXT    NOT NULL,
			epoch       INTEGER NOT NULL,
			open        REAL    NOT NULL,
			high        REAL    NOT NULL,
			low         REAL    NOT NULL,
			close       REAL    NOT NULL,
			volume      INTEGER NOT NULL,
			market_date TEXT    NOT NULL DEFAULT '',
			PRIMARY KEY (security, interval, epoch)
		);

		CREATE TABLE IF NOT EXISTS calculated (
			security     TEXT    NOT NULL,
			interval     TEXT    NOT NULL,
			period       INTEGER NOT NULL,
			epoch        INTEGER NOT NULL,
			open         REAL    NOT NULL,
			high         REAL    NOT NULL,
			low          REAL    NOT NULL,
			close        REAL    NOT NULL,
			volume       INTEGER NOT NULL,
			market_date  TEXT    NOT NULL DEFAULT '',
			ma           TEXT    NOT NULL DEFAULT '{}',
			ema_fast     REAL,
			ema_slow     REAL,
			signal       REAL,
			direction    INTEGER NOT NULL,
			tie_point    REAL,
			running_high REAL,
			running_low  REAL,
			PRIMARY KEY (security, interval, period, epoch)
		);
	`)
	return err
}

// DB returns the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// StoreBars upserts a bar batch for one (security, interval) in a single
// transaction. History re-pulls overwrite prior rows at the same epoch.
func (s *Store) StoreBars(ctx context.Context, security string, iv model.Interval, bars []model.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO bars (security, interval, epoch, open, high, low, close, volume, market_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite prepare bars: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx, security, iv.String(), b.Epoch,
			b.Open, b.High, b.Low, b.Close, b.Volume, b.MarketDate); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite insert bar %d: %w", b.Epoch, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit bars: %w", err)
	}
	if s.met != nil {
		s.met.SQLiteCommitDur.Observe(time.Since(start).Seconds())
	}
	return nil
}

// Bars returns the most recent rows for (security, interval), ascending by
// epoch, at most limit (all when limit <= 0).
func (s *Store) Bars(ctx context.Context, security string, iv model.Interval, limit int) ([]model.Bar, error) {
	q := `SELECT epoch, open, high, low, close, volume, market_date
	      FROM bars WHERE security = ? AND interval = ? ORDER BY epoch DESC`
	args := []any{security, iv.String()}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query bars: %w", err)
	}
	defer rows.Close()

	var out []model.Bar
	for rows.Next() {
		var b model.Bar
		if err := rows.Scan(&b.Epoch, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.MarketDate); err != nil {
			return nil, fmt.Errorf("sqlite scan bar: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

// Calculated returns the most recent calculated rows for one table key,
// ascending by aggregation epoch, at most limit (all when limit <= 0).
func (s *Store) Calculated(ctx context.Context, security string, iv model.Interval, period, limit int) ([]model.CalculatedRow, error) {
	q := `SELECT epoch, open, high, low, close, volume, market_date, ma,
	             ema_fast, ema_slow, signal, direction, tie_point, running_high, running_low
	      FROM calculated WHERE security = ? AND interval = ? AND period = ? ORDER BY epoch DESC`
	args := []any{security, iv.String(), period}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query calculated: %w", err)
	}
	defer rows.Close()

	var out []model.CalculatedRow
	for rows.Next() {
		r := model.CalculatedRow{Security: security, Interval: iv, Period: period}
		var maJSON string
		var fast, slow, signal, tie, runHigh, runLow sql.NullFloat64
		if err := rows.Scan(&r.AggEpoch, &r.Open, &r.High, &r.Low, &r.Close, &r.Volume,
			&r.MarketDate, &maJSON, &fast, &slow, &signal, &r.Direction,
			&tie, &runHigh, &runLow); err != nil {
			return nil, fmt.Errorf("sqlite scan calculated: %w", err)
		}
		r.Epoch = r.AggEpoch
		r.EMAFast = floatOrNaN(fast)
		r.EMASlow = floatOrNaN(slow)
		r.Signal = floatOrNaN(signal)
		r.TiePoint = floatOrNaN(tie)
		r.RunningHigh = floatOrNaN(runHigh)
		r.RunningLow = floatOrNaN(runLow)
		r.MA, err = decodeMA(maJSON)
		if err != nil {
			return nil, fmt.Errorf("sqlite decode ma: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverseRows(out)
	return out, nil
}

// SaveCalculated applies a whole recompute batch in one transaction: per
// table key it deletes the replaced range, then inserts the new rows.
// Re-running the same batch converges to the same table.
func (s *Store) SaveCalculated(ctx context.Context, batch []model.CalcBatch) error {
	if len(batch) == 0 {
		return nil
	}
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	ins, err := tx.PrepareContext(ctx, `
		INSERT INTO calculated (security, interval, period, epoch, open, high, low, close, volume,
		                        market_date, ma, ema_fast, ema_slow, signal, direction,
		                        tie_point, running_high, running_low)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite prepare calculated: %w", err)
	}
	defer ins.Close()

	for _, cb := range batch {
		if cb.Full {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM calculated WHERE security = ? AND interval = ? AND period = ?`,
				cb.Security, cb.Interval.String(), cb.Period); err != nil {
				tx.Rollback()
				return fmt.Errorf("sqlite delete calculated: %w", err)
			}
		} else if len(cb.Rows) > 0 {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM calculated WHERE security = ? AND interval = ? AND period = ? AND epoch >= ?`,
				cb.Security, cb.Interval.String(), cb.Period, cb.Rows[0].AggEpoch); err != nil {
				tx.Rollback()
				return fmt.Errorf("sqlite delete calculated range: %w", err)
			}
		}
		for _, r := range cb.Rows {
			maJSON, err := encodeMA(r.MA)
			if err != nil {
				tx.Rollback()
				return fmt.Errorf("sqlite encode ma: %w", err)
			}
			if _, err := ins.ExecContext(ctx,
				cb.Security, cb.Interval.String(), cb.Period, r.AggEpoch,
				r.Open, r.High, r.Low, r.Close, r.Volume, r.MarketDate, maJSON,
				nullIfNaN(r.EMAFast), nullIfNaN(r.EMASlow), nullIfNaN(r.Signal), r.Direction,
				nullIfNaN(r.TiePoint), nullIfNaN(r.RunningHigh), nullIfNaN(r.RunningLow)); err != nil {
				tx.Rollback()
				return fmt.Errorf("sqlite insert calculated %d: %w", r.AggEpoch, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit calculated: %w", err)
	}
	if s.met != nil {
		s.met.SQLiteCommitDur.Observe(time.Since(start).Seconds())
	}
	return nil
}

// LastBarEpoch returns the newest stored bar epoch for one table, 0 when
// the table is empty. The backfill range starts here.
func (s *Store) LastBarEpoch(ctx context.Context, security string, iv model.Interval) (int64, error) {
	var epoch sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(epoch) FROM bars WHERE security = ? AND interval = ?`,
		security, iv.String()).Scan(&epoch)
	if err != nil {
		return 0, fmt.Errorf("sqlite last epoch: %w", err)
	}
	if !epoch.Valid {
		return 0, nil
	}
	return epoch.Int64, nil
}

// The ma column holds a JSON object keyed by period, null for undefined.
// SQLite has no NaN literal, so the same null convention as the float
// columns applies inside the object.

func encodeMA(ma map[int]float64) (string, error) {
	obj := make(map[string]*float64, len(ma))
	for p, v := range ma {
		if math.IsNaN(v) {
			obj[strconv.Itoa(p)] = nil
			continue
		}
		v := v
		obj[strconv.Itoa(p)] = &v
	}
	out, err := json.Marshal(obj)
	return string(out), err
}

func decodeMA(s string) (map[int]float64, error) {
	var obj map[string]*float64
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, err
	}
	ma := make(map[int]float64, len(obj))
	for k, v := range obj {
		p, err := strconv.Atoi(k)
		if err != nil {
			return nil, err
		}
		if v == nil {
			ma[p] = math.NaN()
		} else {
			ma[p] = *v
		}
	}
	return ma, nil
}

func nullIfNaN(v float64) any {
	if math.IsNaN(v) {
		return nil
	}
	return v
}

func floatOrNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

func reverse(s []model.Bar) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func reverseRows(s []model.CalculatedRow) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
