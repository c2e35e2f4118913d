package ledger

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kmokrejs/stock-alert/internal/model"
)

const dateLayout = "2006-01-02"

// csvHeader is the positions.csv contract; exit and entry fill columns are
// appended after the original columns.
var csvHeader = []string{
	"ticker", "date", "close", "entry_rsi", "srsi", "ma20",
	"status", "sell_price", "gain_loss", "exit_reason", "exit_date",
	"entry_order_id", "entry_filled_at",
}

// CSVStore keeps the ledger in a flat CSV file.
type CSVStore struct {
	Path string
}

// NewCSVStore creates a store for the given file path.
func NewCSVStore(path string) *CSVStore {
	return &CSVStore{Path: path}
}

// Load reads the positions file. A missing file is an empty ledger.
func (s *CSVStore) Load(_ context.Context) ([]model.Position, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.Path, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	cols := make(map[string]int, len(rows[0]))
	for i, name := range rows[0] {
		cols[strings.TrimSpace(strings.ToLower(name))] = i
	}
	for _, required := range []string{"ticker", "date", "close", "status"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("read %s: missing column %q", s.Path, required)
		}
	}

	positions := make([]model.Position, 0, len(rows)-1)
	for n, row := range rows[1:] {
		p, err := parseRow(cols, row)
		if err != nil {
			return nil, fmt.Errorf("read %s line %d: %w", s.Path, n+2, err)
		}
		positions = append(positions, p)
	}
	return positions, nil
}

// Save writes all positions, replacing the file atomically.
func (s *CSVStore) Save(_ context.Context, positions []model.Position) error {
	if dir := filepath.Dir(s.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.Path), ".positions-*.csv")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(csvHeader); err != nil {
		tmp.Close()
		return err
	}
	for _, p := range positions {
		if err := w.Write(formatRow(p)); err != nil {
			tmp.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.Path)
}

func formatRow(p model.Position) []string {
	return []string{
		p.Ticker,
		p.EntryDate.Format(dateLayout),
		formatFloat(&p.EntryPrice),
		formatFloat(p.EntryRSI),
		formatFloat(p.EntrySRSI),
		formatFloat(p.EntryMA20),
		string(p.Status),
		formatFloat(p.ExitPrice),
		formatFloat(p.GainLossPct),
		string(p.ExitReason),
		formatTime(p.ExitDate),
		p.EntryOrderID,
		formatTime(p.EntryFilledAt),
	}
}

func parseRow(cols map[string]int, row []string) (model.Position, error) {
	get := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var p model.Position
	var err error
	p.Ticker = strings.ToUpper(get("ticker"))
	if p.Ticker == "" {
		return p, errors.New("empty ticker")
	}
	if p.EntryDate, err = parseDate(get("date")); err != nil {
		return p, fmt.Errorf("date: %w", err)
	}
	if p.EntryPrice, err = strconv.ParseFloat(get("close"), 64); err != nil {
		return p, fmt.Errorf("close: %w", err)
	}

	switch model.PositionStatus(strings.ToLower(get("status"))) {
	case model.StatusOpen:
		p.Status = model.StatusOpen
	case model.StatusClosed:
		p.Status = model.StatusClosed
	default:
		return p, fmt.Errorf("unknown status %q", get("status"))
	}

	for _, fld := range []struct {
		col string
		dst **float64
	}{
		{"entry_rsi", &p.EntryRSI},
		{"srsi", &p.EntrySRSI},
		{"ma20", &p.EntryMA20},
		{"sell_price", &p.ExitPrice},
		{"gain_loss", &p.GainLossPct},
	} {
		if *fld.dst, err = parseFloat(get(fld.col)); err != nil {
			return p, fmt.Errorf("%s: %w", fld.col, err)
		}
	}

	p.ExitReason = model.ExitReason(get("exit_reason"))
	p.EntryOrderID = get("entry_order_id")
	for _, fld := range []struct {
		col string
		dst **time.Time
	}{
		{"exit_date", &p.ExitDate},
		{"entry_filled_at", &p.EntryFilledAt},
	} {
		if *fld.dst, err = parseTime(get(fld.col)); err != nil {
			return p, fmt.Errorf("%s: %w", fld.col, err)
		}
	}
	return p, nil
}

// parseDate accepts ISO dates and timestamps as written by older versions.
func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{dateLayout, time.RFC3339, "2006-01-02 15:04:05-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return model.Day(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func parseFloat(s string) (*float64, error) {
	if s == "" || strings.EqualFold(s, "nan") {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
