package recorder

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kmokrejs/stock-alert/internal/model"
	"github.com/kmokrejs/stock-alert/internal/sqlitedb"
)

// SQLiteRecorder persists run history to a SQLite database.
type SQLiteRecorder struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteRecorder opens (or creates) the SQLite database and runs migrations.
func NewSQLiteRecorder(dbPath string) (*SQLiteRecorder, error) {
	db, err := sqlitedb.Open(dbPath)
	if err != nil {
		return nil, err
	}

	r := &SQLiteRecorder{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("sqlite recorder opened")
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS analysis_snapshots (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp      INTEGER NOT NULL,
			ticker         TEXT NOT NULL,
			bar_date       TEXT,
			close          REAL,
			rsi            REAL,
			srsi           REAL,
			ma20           REAL,
			ma50           REAL,
			price_vs_ma20  REAL,
			price_vs_ma50  REAL,
			pe             REAL,
			tier           TEXT,
			notes          TEXT,
			exit_reason    TEXT,
			error          TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_analysis_ts ON analysis_snapshots(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_analysis_ticker ON analysis_snapshots(ticker)`,

		`CREATE TABLE IF NOT EXISTS trade_events (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp     INTEGER NOT NULL,
			ticker        TEXT NOT NULL,
			action        TEXT NOT NULL,
			price         REAL,
			gain_loss_pct REAL,
			reason        TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_ts ON trade_events(timestamp)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			started_at     INTEGER NOT NULL,
			finished_at    INTEGER NOT NULL,
			tickers        INTEGER,
			failed         INTEGER,
			buys           INTEGER,
			opened         INTEGER,
			closed         INTEGER,
			reconciled     INTEGER,
			open_positions INTEGER
		)`,
	}

	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

// RecordAnalysis stores one row per ticker of the report in a single transaction.
func (r *SQLiteRecorder) RecordAnalysis(report *model.BatchReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO analysis_snapshots
		(timestamp, ticker, bar_date, close, rsi, srsi, ma20, ma50,
		 price_vs_ma20, price_vs_ma50, pe, tier, notes, exit_reason, error)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	ts := report.FinishedAt.Unix()
	for _, res := range report.Results {
		if res.Err != nil {
			if _, err := stmt.Exec(ts, res.Ticker, nil, nil, nil, nil, nil, nil,
				nil, nil, nil, nil, nil, nil, res.Err.Error()); err != nil {
				return fmt.Errorf("insert %s: %w", res.Ticker, err)
			}
			continue
		}
		s := res.Snapshot
		notes := make([]string, len(res.Recommendation.Notes))
		for i, n := range res.Recommendation.Notes {
			notes[i] = string(n)
		}
		var exitReason any
		if res.Exit != nil {
			exitReason = string(res.Exit.Reason)
		}
		if _, err := stmt.Exec(ts, res.Ticker, s.Date.Format("2006-01-02"), s.Close,
			s.RSI, s.SRSI, s.MA20, s.MA50, res.PriceVsMA20, res.PriceVsMA50, res.PE,
			string(res.Recommendation.Tier), strings.Join(notes, ";"), exitReason, nil); err != nil {
			return fmt.Errorf("insert %s: %w", res.Ticker, err)
		}
	}
	return tx.Commit()
}

func (r *SQLiteRecorder) RecordTrade(evt *TradeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	at := evt.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := r.db.Exec(`INSERT INTO trade_events
		(timestamp, ticker, action, price, gain_loss_pct, reason)
		VALUES (?,?,?,?,?,?)`,
		at.Unix(), evt.Ticker, evt.Action, evt.Price, evt.GainLossPct, evt.Reason,
	)
	return err
}

func (r *SQLiteRecorder) RecordSession(evt *SessionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`INSERT INTO sessions
		(started_at, finished_at, tickers, failed, buys, opened, closed, reconciled, open_positions)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		evt.StartedAt.Unix(), evt.FinishedAt.Unix(), evt.Tickers, evt.Failed, evt.Buys,
		evt.Opened, evt.Closed, evt.Reconciled, evt.OpenPositions,
	)
	return err
}

// RecentTrades returns up to limit trade events, newest first.
func (r *SQLiteRecorder) RecentTrades(limit int) ([]TradeEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.Query(`SELECT timestamp, ticker, action, price, gain_loss_pct, reason
		FROM trade_events ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []TradeEvent
	for rows.Next() {
		var (
			ts     int64
			evt    TradeEvent
			gain   sql.NullFloat64
			reason sql.NullString
		)
		if err := rows.Scan(&ts, &evt.Ticker, &evt.Action, &evt.Price, &gain, &reason); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		evt.At = time.Unix(ts, 0).UTC()
		if gain.Valid {
			evt.GainLossPct = &gain.Float64
		}
		evt.Reason = reason.String
		out = append(out, evt)
	}
	return out, rows.Err()
}

func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}
