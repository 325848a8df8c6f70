// Package store persists settings, portfolios, strategies and run history
// in SQLite. All blobs are JSON whose schema is defined by the pkg/models
// records; stored settings are always merged over the defaults on read so
// rows written by older versions keep working.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/jreiner16/AceMarket/internal/analytics"
	"github.com/jreiner16/AceMarket/internal/logging"
	"github.com/jreiner16/AceMarket/pkg/models"
)

// MaxRunsPerUser caps stored run history; saving past the cap deletes the
// oldest runs first.
const MaxRunsPerUser = 25

var (
	// ErrNotFound marks a lookup of a strategy or run that does not exist
	// (or belongs to another user).
	ErrNotFound = errors.New("not found")
	// ErrDuplicateName marks a strategy-name collision within one user.
	ErrDuplicateName = errors.New("name already in use")
)

// Store is the SQLite persistence bridge. Safe for concurrent use.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (creating if necessary) the database at path and runs the
// schema migration. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite has a single writer, and an in-memory database exists per
	// connection; one shared connection covers both.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: logging.Component("store")}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS settings (
			user_id TEXT PRIMARY KEY,
			settings_json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS portfolios (
			user_id TEXT PRIMARY KEY,
			cash REAL NOT NULL,
			positions_json TEXT NOT NULL,
			trade_log_json TEXT NOT NULL,
			equity_curve_json TEXT NOT NULL,
			realized_json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS strategies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			code TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(user_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			strategy_id INTEGER NOT NULL,
			strategy_name TEXT NOT NULL,
			symbols_json TEXT NOT NULL,
			start_date TEXT NOT NULL,
			end_date TEXT NOT NULL,
			results_json TEXT NOT NULL,
			portfolio_json TEXT NOT NULL,
			metrics_json TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_user ON runs(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_strategies_user ON strategies(user_id)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}
	return nil
}

func now() string { return time.Now().UTC().Format(time.RFC3339) }

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ════════════════════════════════════════════════════════════════════
// Settings
// ════════════════════════════════════════════════════════════════════

// GetSettings returns the user's settings merged over the defaults. Users
// with no stored row get the defaults.
func (s *Store) GetSettings(ctx context.Context, userID string) (models.Settings, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT settings_json FROM settings WHERE user_id = ?`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DefaultSettings(), nil
	}
	if err != nil {
		return models.Settings{}, fmt.Errorf("load settings: %w", err)
	}
	return models.MergeSettings([]byte(raw))
}

// SaveSettings persists the full settings record, replacing any prior row.
func (s *Store) SaveSettings(ctx context.Context, userID string, settings models.Settings) error {
	blob, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return s.mutate(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO settings (user_id, settings_json, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				settings_json = excluded.settings_json,
				updated_at = excluded.updated_at`,
			userID, string(blob), now())
		return err
	})
}

// ════════════════════════════════════════════════════════════════════
// Portfolio State
// ════════════════════════════════════════════════════════════════════

// GetPortfolioState returns the persisted portfolio, or nil when the user
// has never saved one.
func (s *Store) GetPortfolioState(ctx context.Context, userID string) (*models.PortfolioState, error) {
	var (
		cash                               float64
		positions, trades, curve, realized string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT cash, positions_json, trade_log_json, equity_curve_json, realized_json
		FROM portfolios WHERE user_id = ?`, userID).
		Scan(&cash, &positions, &trades, &curve, &realized)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load portfolio: %w", err)
	}

	state := &models.PortfolioState{Cash: cash}
	if err := decodeInto(positions, &state.Positions); err != nil {
		return nil, err
	}
	if err := decodeInto(trades, &state.TradeLog); err != nil {
		return nil, err
	}
	if err := decodeInto(curve, &state.EquityCurve); err != nil {
		return nil, err
	}
	if err := decodeInto(realized, &state.Realized); err != nil {
		return nil, err
	}
	return state, nil
}

// SavePortfolioState replaces the user's persisted portfolio. Positions
// with zero quantity are dropped.
func (s *Store) SavePortfolioState(ctx context.Context, userID string, state models.PortfolioState) error {
	positions := make(map[string]models.PositionState, len(state.Positions))
	for sym, pos := range state.Positions {
		if pos.Quantity != 0 {
			positions[strings.ToUpper(sym)] = pos
		}
	}

	posJSON, err := json.Marshal(positions)
	if err != nil {
		return fmt.Errorf("encode positions: %w", err)
	}
	tradeJSON, err := json.Marshal(emptySlice(state.TradeLog))
	if err != nil {
		return fmt.Errorf("encode trade log: %w", err)
	}
	curveJSON, err := json.Marshal(emptySlice(state.EquityCurve))
	if err != nil {
		return fmt.Errorf("encode equity curve: %w", err)
	}
	realized := state.Realized
	if realized == nil {
		realized = map[string]float64{}
	}
	realizedJSON, err := json.Marshal(realized)
	if err != nil {
		return fmt.Errorf("encode realized: %w", err)
	}

	return s.mutate(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO portfolios
				(user_id, cash, positions_json, trade_log_json, equity_curve_json, realized_json, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				cash = excluded.cash,
				positions_json = excluded.positions_json,
				trade_log_json = excluded.trade_log_json,
				equity_curve_json = excluded.equity_curve_json,
				realized_json = excluded.realized_json,
				updated_at = excluded.updated_at`,
			userID, state.Cash, string(posJSON), string(tradeJSON),
			string(curveJSON), string(realizedJSON), now())
		return err
	})
}

// ════════════════════════════════════════════════════════════════════
// Strategies
// ════════════════════════════════════════════════════════════════════

// ListStrategies returns the user's strategies ordered by id.
func (s *Store) ListStrategies(ctx context.Context, userID string) ([]models.StrategyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, code, created_at FROM strategies
		WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
	}
	defer rows.Close()

	out := []models.StrategyRecord{}
	for rows.Next() {
		var (
			rec     models.StrategyRecord
			created string
		)
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Code, &created); err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		rec.UserID = userID
		rec.CreatedAt = parseTime(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetStrategy returns one strategy, or ErrNotFound.
func (s *Store) GetStrategy(ctx context.Context, userID string, id int64) (*models.StrategyRecord, error) {
	var (
		rec     models.StrategyRecord
		created string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, code, created_at FROM strategies
		WHERE id = ? AND user_id = ?`, id, userID).
		Scan(&rec.ID, &rec.Name, &rec.Code, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load strategy: %w", err)
	}
	rec.UserID = userID
	rec.CreatedAt = parseTime(created)
	return &rec, nil
}

// CreateStrategy inserts a new strategy. Names are unique per user;
// collisions return ErrDuplicateName.
func (s *Store) CreateStrategy(ctx context.Context, userID, name, code string) (*models.StrategyRecord, error) {
	rec := &models.StrategyRecord{UserID: userID, Name: name, Code: code, CreatedAt: time.Now().UTC()}
	err := s.mutate(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO strategies (user_id, name, code, created_at)
			VALUES (?, ?, ?, ?)`,
			userID, name, code, rec.CreatedAt.Format(time.RFC3339))
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateName
			}
			return err
		}
		rec.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateStrategy overwrites name and/or code; nil fields keep their stored
// value. Returns the updated record, ErrNotFound, or ErrDuplicateName.
func (s *Store) UpdateStrategy(ctx context.Context, userID string, id int64, name, code *string) (*models.StrategyRecord, error) {
	rec, err := s.GetStrategy(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if name != nil {
		rec.Name = *name
	}
	if code != nil {
		rec.Code = *code
	}
	err = s.mutate(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE strategies SET name = ?, code = ?
			WHERE id = ? AND user_id = ?`,
			rec.Name, rec.Code, id, userID)
		if isUniqueViolation(err) {
			return ErrDuplicateName
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// DeleteStrategy removes one strategy, or returns ErrNotFound.
func (s *Store) DeleteStrategy(ctx context.Context, userID string, id int64) error {
	return s.mutate(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM strategies WHERE id = ? AND user_id = ?`, id, userID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ════════════════════════════════════════════════════════════════════
// Runs
// ════════════════════════════════════════════════════════════════════

// SaveRun persists a run record and prunes the user's history down to
// MaxRunsPerUser, oldest first. Walk-forward leg metrics live only in the
// immediate run response and are not stored.
func (s *Store) SaveRun(ctx context.Context, userID string, rec *models.RunRecord) (int64, error) {
	symbolsJSON, err := json.Marshal(emptySlice(rec.Symbols))
	if err != nil {
		return 0, fmt.Errorf("encode symbols: %w", err)
	}
	resultsJSON, err := json.Marshal(emptySlice(rec.Results))
	if err != nil {
		return 0, fmt.Errorf("encode results: %w", err)
	}
	portfolioJSON, err := json.Marshal(rec.Portfolio)
	if err != nil {
		return 0, fmt.Errorf("encode portfolio: %w", err)
	}
	metricsJSON, err := json.Marshal(rec.Metrics)
	if err != nil {
		return 0, fmt.Errorf("encode metrics: %w", err)
	}

	var id int64
	err = s.mutate(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO runs
				(user_id, strategy_id, strategy_name, symbols_json, start_date, end_date,
				 results_json, portfolio_json, metrics_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			userID, rec.StrategyID, rec.StrategyName, string(symbolsJSON),
			rec.StartDate, rec.EndDate, string(resultsJSON),
			string(portfolioJSON), string(metricsJSON), now())
		if err != nil {
			return err
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			DELETE FROM runs WHERE user_id = ? AND id NOT IN (
				SELECT id FROM runs WHERE user_id = ? ORDER BY id DESC LIMIT ?
			)`, userID, userID, MaxRunsPerUser)
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ListRuns returns run summaries, newest first.
func (s *Store) ListRuns(ctx context.Context, userID string, limit int) ([]models.RunSummary, error) {
	if limit <= 0 || limit > MaxRunsPerUser {
		limit = MaxRunsPerUser
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, strategy_id, strategy_name, symbols_json, start_date, end_date,
		       portfolio_json, metrics_json, created_at
		FROM runs WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := []models.RunSummary{}
	for rows.Next() {
		var (
			sum                         models.RunSummary
			symbols, portfolio, metrics string
			created                     string
		)
		if err := rows.Scan(&sum.ID, &sum.StrategyID, &sum.StrategyName,
			&symbols, &sum.StartDate, &sum.EndDate, &portfolio, &metrics, &created); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if err := decodeInto(symbols, &sum.Symbols); err != nil {
			return nil, err
		}
		sum.CreatedAt = parseTime(created)

		var report models.Report
		if err := decodeInto(metrics, &report); err == nil && report.Equity != nil {
			sum.FinalValue = report.Equity.End
			sum.TotalReturn = report.Equity.TotalReturn
		} else {
			var port models.RunPortfolio
			if decodeInto(portfolio, &port) == nil && port.InitialCash > 0 {
				sum.FinalValue = port.Value
				sum.TotalReturn = port.Value/port.InitialCash - 1
			}
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// GetRun returns one full run record, or ErrNotFound. Legacy rows whose
// stored curve only carries the start and end points are rebuilt from the
// trade log and their metrics recomputed.
func (s *Store) GetRun(ctx context.Context, userID string, id int64) (*models.RunRecord, error) {
	var (
		rec                         models.RunRecord
		symbols, results            string
		portfolio, metrics, created string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, strategy_id, strategy_name, symbols_json, start_date, end_date,
		       results_json, portfolio_json, metrics_json, created_at
		FROM runs WHERE id = ? AND user_id = ?`, id, userID).
		Scan(&rec.ID, &rec.StrategyID, &rec.StrategyName, &symbols,
			&rec.StartDate, &rec.EndDate, &results, &portfolio, &metrics, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}

	rec.UserID = userID
	rec.CreatedAt = parseTime(created)
	if err := decodeInto(symbols, &rec.Symbols); err != nil {
		return nil, err
	}
	if err := decodeInto(results, &rec.Results); err != nil {
		return nil, err
	}
	if err := decodeInto(portfolio, &rec.Portfolio); err != nil {
		return nil, err
	}
	if metrics != "" && metrics != "null" {
		rec.Metrics = &models.Report{}
		if err := decodeInto(metrics, rec.Metrics); err != nil {
			return nil, err
		}
	}

	if len(rec.Portfolio.EquityCurve) <= 2 && len(rec.Portfolio.TradeLog) > 2 {
		rec.Portfolio.EquityCurve = ReconstructCurve(
			rec.Portfolio.TradeLog, rec.Portfolio.InitialCash, rec.StartDate, rec.EndDate)
		rec.Metrics = analytics.ComputeReport(
			rec.Portfolio.TradeLog, rec.Portfolio.EquityCurve, rec.Portfolio.InitialCash)
		s.log.Debug().Int64("run", rec.ID).Msg("reconstructed legacy equity curve")
	}
	return &rec, nil
}

// ClearRuns deletes the user's entire run history.
func (s *Store) ClearRuns(ctx context.Context, userID string) error {
	return s.mutate(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE user_id = ?`, userID)
		return err
	})
}

// ReconstructCurve rebuilds a per-trade equity curve from the trade log.
// Early versions stored only the start and end points; this walks long and
// exit fills forward from the initial cash, valuing any open quantity at
// each fill price.
func ReconstructCurve(trades []models.TradeEvent, initialCash float64, startDate, endDate string) []models.EquityPoint {
	start := parseDate(startDate)
	end := parseDate(endDate)
	if len(trades) == 0 {
		return []models.EquityPoint{
			{I: 0, V: initialCash, Time: start},
			{I: 1, V: initialCash, Time: end},
		}
	}

	curve := []models.EquityPoint{{I: 0, V: initialCash, Time: start}}
	cash := initialCash
	position := 0.0
	for i, t := range trades {
		switch t.Type {
		case models.TradeLong:
			cash -= t.Cost
			position += t.Quantity
		case models.TradeExit:
			cash += t.Amount
			position -= t.Quantity
		}
		value := cash
		if position != 0 {
			value = cash + position*t.FillPrice
		}
		pt := models.EquityPoint{I: i + 1, V: value}
		if !t.Date.IsZero() {
			d := t.Date
			pt.Time = &d
		} else {
			pt.Time = end
		}
		curve = append(curve, pt)
	}
	return curve
}

// ────────────────────────────────────────────────────────────────────
// Helpers
// ────────────────────────────────────────────────────────────────────

// mutate runs fn inside a transaction, rolling back on error.
func (s *Store) mutate(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func decodeInto(raw string, v any) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode stored blob: %w", err)
	}
	return nil
}

// emptySlice keeps stored JSON arrays as [] rather than null.
func emptySlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func parseDate(v string) *time.Time {
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil
	}
	return &t
}
