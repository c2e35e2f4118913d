package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kmokrejs/stock-alert/internal/model"
)

// SQLiteStore keeps the ledger in a positions table keyed by ticker and entry date.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the positions table if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			ticker          TEXT NOT NULL,
			entry_date      TEXT NOT NULL,
			entry_price     REAL NOT NULL,
			entry_rsi       REAL,
			entry_srsi      REAL,
			entry_ma20      REAL,
			status          TEXT NOT NULL,
			exit_price      REAL,
			gain_loss       REAL,
			exit_reason     TEXT NOT NULL DEFAULT '',
			exit_date       TEXT,
			entry_order_id  TEXT NOT NULL DEFAULT '',
			entry_filled_at TEXT,
			UNIQUE(ticker, entry_date)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return s.addColumns(map[string]string{
		"entry_order_id":  "TEXT NOT NULL DEFAULT ''",
		"entry_filled_at": "TEXT",
	})
}

// addColumns adds the columns missing from a positions table created by an
// older version.
func (s *SQLiteStore) addColumns(columns map[string]string) error {
	rows, err := s.db.Query(`SELECT name FROM pragma_table_info('positions')`)
	if err != nil {
		return err
	}
	existing := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		existing[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for name, def := range columns {
		if existing[name] {
			continue
		}
		if _, err := s.db.Exec(fmt.Sprintf("ALTER TABLE positions ADD COLUMN %s %s", name, def)); err != nil {
			return fmt.Errorf("add column %s: %w", name, err)
		}
	}
	return nil
}

// Load returns all positions in insertion order.
func (s *SQLiteStore) Load(ctx context.Context) ([]model.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ticker, entry_date, entry_price, entry_rsi, entry_srsi, entry_ma20,
		status, exit_price, gain_loss, exit_reason, exit_date, entry_order_id, entry_filled_at
		FROM positions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		var (
			p                           model.Position
			entryDate, status           string
			rsi, srsi, ma20, exit, gain sql.NullFloat64
			exitDate, filledAt          sql.NullString
			reason                      string
		)
		if err := rows.Scan(&p.Ticker, &entryDate, &p.EntryPrice, &rsi, &srsi, &ma20,
			&status, &exit, &gain, &reason, &exitDate, &p.EntryOrderID, &filledAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		if p.EntryDate, err = time.Parse(dateLayout, entryDate); err != nil {
			return nil, fmt.Errorf("position %s: entry_date: %w", p.Ticker, err)
		}
		p.Status = model.PositionStatus(status)
		p.EntryRSI = nullable(rsi)
		p.EntrySRSI = nullable(srsi)
		p.EntryMA20 = nullable(ma20)
		p.ExitPrice = nullable(exit)
		p.GainLossPct = nullable(gain)
		p.ExitReason = model.ExitReason(reason)
		if p.ExitDate, err = nullTime(exitDate); err != nil {
			return nil, fmt.Errorf("position %s: exit_date: %w", p.Ticker, err)
		}
		if p.EntryFilledAt, err = nullTime(filledAt); err != nil {
			return nil, fmt.Errorf("position %s: entry_filled_at: %w", p.Ticker, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Save upserts every position in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, positions []model.Position) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO positions
		(ticker, entry_date, entry_price, entry_rsi, entry_srsi, entry_ma20,
		 status, exit_price, gain_loss, exit_reason, exit_date, entry_order_id, entry_filled_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(ticker, entry_date) DO UPDATE SET
			entry_price     = excluded.entry_price,
			entry_rsi       = excluded.entry_rsi,
			entry_srsi      = excluded.entry_srsi,
			entry_ma20      = excluded.entry_ma20,
			status          = excluded.status,
			exit_price      = excluded.exit_price,
			gain_loss       = excluded.gain_loss,
			exit_reason     = excluded.exit_reason,
			exit_date       = excluded.exit_date,
			entry_order_id  = excluded.entry_order_id,
			entry_filled_at = excluded.entry_filled_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range positions {
		if _, err := stmt.ExecContext(ctx,
			p.Ticker, p.EntryDate.Format(dateLayout), p.EntryPrice,
			nullFloat(p.EntryRSI), nullFloat(p.EntrySRSI), nullFloat(p.EntryMA20),
			string(p.Status), nullFloat(p.ExitPrice), nullFloat(p.GainLossPct),
			string(p.ExitReason), nullString(p.ExitDate), p.EntryOrderID, nullString(p.EntryFilledAt),
		); err != nil {
			return fmt.Errorf("save position %s: %w", p.Ticker, err)
		}
	}
	return tx.Commit()
}

func nullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339Nano), Valid: true}
}

func nullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullable(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
