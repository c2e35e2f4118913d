package notifier

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"

	"github.com/kmokrejs/stock-alert/internal/model"
)

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeHTML(s string) string { return htmlEscaper.Replace(s) }

func opt(v *float64, format string) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf(format, *v)
}

// FormatBatchReport renders the analysis of one run.
func FormatBatchReport(r *model.BatchReport) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("📊 <b>Stock Alert</b> | %s\n", r.FinishedAt.Format("2006-01-02 15:04")))
	b.WriteString(fmt.Sprintf("Analyzed %d tickers, %d failed\n\n", len(r.Succeeded()), len(r.Errors())))

	buys := r.BuyOpportunities()
	b.WriteString("🟢 <b>Buy opportunities:</b>\n")
	if len(buys) == 0 {
		b.WriteString("  none\n")
	}
	for _, res := range buys {
		s := res.Snapshot
		b.WriteString(fmt.Sprintf("%s <b>%s</b> $%.2f | RSI %s | SRSI %s | vs MA20 %s\n",
			res.Recommendation.Tier.Label(), res.Ticker, s.Close,
			opt(s.RSI, "%.1f"), opt(s.SRSI, "%.1f"), opt(res.PriceVsMA20, "%+.1f%%")))
		if t := res.Targets; t != nil {
			b.WriteString(fmt.Sprintf("   targets %s / %s, stop %.2f", opt(t.Target1, "%.2f"), opt(t.Target2, "%.2f"), t.StopLoss))
			if t.TakeProfit != nil {
				b.WriteString(fmt.Sprintf(", take profit %.2f", *t.TakeProfit))
			}
			b.WriteString("\n")
		}
		writeNotes(&b, res.Recommendation.Notes)
	}

	if watch := r.Watchlist(); len(watch) > 0 {
		b.WriteString("\n👁️ <b>Watchlist:</b>\n")
		for _, res := range watch {
			pos := res.Held
			b.WriteString(fmt.Sprintf("<b>%s</b> $%.2f (entry $%.2f on %s, %+.2f%%)",
				res.Ticker, res.Snapshot.Close, pos.EntryPrice, pos.EntryDate.Format("2006-01-02"),
				model.GainLoss(pos.EntryPrice, res.Snapshot.Close)))
			if res.Exit != nil {
				b.WriteString(fmt.Sprintf(" 🔴 SELL: %s", res.Exit.Reason))
			}
			b.WriteString("\n")
		}
	}

	var watching []string
	for _, res := range r.Succeeded() {
		if res.Recommendation.Tier == model.TierWatch {
			watching = append(watching, res.Ticker)
		}
	}
	if len(watching) > 0 {
		b.WriteString(fmt.Sprintf("\n🤔 <b>Watch:</b> %s\n", strings.Join(watching, ", ")))
	}

	if errs := r.Errors(); len(errs) > 0 {
		b.WriteString("\n❌ <b>Failed:</b>\n")
		for _, res := range errs {
			b.WriteString(fmt.Sprintf("%s: %s\n", res.Ticker, escapeHTML(res.Err.Error())))
		}
	}
	return b.String()
}

func writeNotes(b *strings.Builder, notes []model.Note) {
	if len(notes) == 0 {
		return
	}
	parts := make([]string, len(notes))
	for i, n := range notes {
		parts[i] = string(n)
	}
	b.WriteString("   <i>" + escapeHTML(strings.Join(parts, "; ")) + "</i>\n")
}

// FormatSessionSummary renders the trades of a session followed by its analysis.
func FormatSessionSummary(s *model.SessionSummary) string {
	var b strings.Builder
	if len(s.Opened) > 0 {
		b.WriteString("🟢 <b>New buy orders:</b>\n")
		for _, p := range s.Opened {
			b.WriteString(fmt.Sprintf("- %s: $%.2f (RSI: %s, SRSI: %s, MA20: %s)\n",
				p.Ticker, p.EntryPrice, opt(p.EntryRSI, "%.2f"), opt(p.EntrySRSI, "%.2f"), opt(p.EntryMA20, "%.2f")))
		}
		b.WriteString("\n")
	}
	if len(s.Closed) > 0 {
		b.WriteString("🔴 <b>Sell alerts (executed):</b>\n")
		for _, p := range s.Closed {
			b.WriteString(fmt.Sprintf("- %s: $%s, Gain/Loss: %s%%\n  Reason: %s\n",
				p.Ticker, opt(p.ExitPrice, "%.2f"), opt(p.GainLossPct, "%.2f"), p.ExitReason))
		}
		b.WriteString("\n")
	}
	if len(s.Reconciled) > 0 {
		b.WriteString("🔄 <b>Closed by broker fills:</b>\n")
		for _, p := range s.Reconciled {
			b.WriteString(fmt.Sprintf("- %s: sold at $%s, Gain/Loss: %s%%\n",
				p.Ticker, opt(p.ExitPrice, "%.2f"), opt(p.GainLossPct, "%.2f")))
		}
		b.WriteString("\n")
	}
	if len(s.Failures) > 0 {
		b.WriteString("⚠️ <b>Not executed:</b>\n")
		for _, f := range s.Failures {
			b.WriteString(fmt.Sprintf("- %s %s: %s\n", f.Action, f.Ticker, escapeHTML(f.Err.Error())))
		}
		b.WriteString("\n")
	}
	b.WriteString(fmt.Sprintf("📦 Open positions: %d\n\n", s.OpenCount))
	if s.Report != nil {
		b.WriteString(FormatBatchReport(s.Report))
	}
	return b.String()
}

// FormatPositions renders the open positions of the ledger.
func FormatPositions(positions []model.Position) string {
	if len(positions) == 0 {
		return "📦 No open positions"
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("📦 <b>Open positions (%d)</b>\n\n", len(positions)))
	for _, p := range positions {
		b.WriteString(fmt.Sprintf("%s: entry $%.2f on %s, RSI %s\n",
			p.Ticker, p.EntryPrice, p.EntryDate.Format("2006-01-02"), opt(p.EntryRSI, "%.1f")))
	}
	return b.String()
}

var resultsHeader = []string{
	"ticker", "date", "close", "rsi", "srsi", "ma20", "ma50",
	"price_vs_ma20", "price_vs_ma50", "pe", "recommendation", "notes", "error",
}

// ResultsCSV renders one row per analyzed ticker for attaching to a report.
func ResultsCSV(r *model.BatchReport) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(resultsHeader); err != nil {
		return nil, err
	}
	cell := func(v *float64) string {
		if v == nil {
			return ""
		}
		return strconv.FormatFloat(*v, 'f', 2, 64)
	}
	for _, res := range r.Results {
		row := []string{res.Ticker, "", "", "", "", "", "", "", "", "", "", "", ""}
		if res.Err != nil {
			row[12] = res.Err.Error()
		} else {
			s := res.Snapshot
			notes := make([]string, len(res.Recommendation.Notes))
			for i, n := range res.Recommendation.Notes {
				notes[i] = string(n)
			}
			row = []string{
				res.Ticker, s.Date.Format("2006-01-02"), strconv.FormatFloat(s.Close, 'f', 2, 64),
				cell(s.RSI), cell(s.SRSI), cell(s.MA20), cell(s.MA50),
				cell(res.PriceVsMA20), cell(res.PriceVsMA50), cell(res.PE),
				string(res.Recommendation.Tier), strings.Join(notes, "; "), "",
			}
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
