// Command sentinel analyzes a stock universe with RSI / Stochastic RSI /
// moving average rules, trades the signals through a broker and reports by
// Telegram and e-mail.
//
// Usage:
//
//	sentinel [run|serve|backtest] [-config path] [-tickers AAPL,MSFT]
//
// run exits 0 when the report was dispatched, 1 when the session failed, no
// ticker was analyzed or the ledger was not saved, 2 on usage errors and 3
// when the report could only be written to the report directory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kmokrejs/stock-alert/internal/backtest"
	"github.com/kmokrejs/stock-alert/internal/config"
	"github.com/kmokrejs/stock-alert/internal/logger"
	"github.com/kmokrejs/stock-alert/internal/model"
	"github.com/kmokrejs/stock-alert/internal/scheduler"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	command := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet("sentinel "+command, flag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file (default $CONFIG_PATH or "+config.DefaultPath+")")
	tickers := fs.String("tickers", "", "comma separated tickers, overrides the config")
	start := fs.String("start", "2025-01-01", "backtest: first day (YYYY-MM-DD)")
	end := fs.String("end", time.Now().Format("2006-01-02"), "backtest: last day (YYYY-MM-DD)")
	out := fs.String("out", "backtest_results.csv", "backtest: trades CSV path")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(config.Path(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return exitFailure
	}
	if *tickers != "" {
		cfg.Tickers = config.SplitTickers(*tickers)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config validation: %v\n", err)
		return exitFailure
	}
	closer, err := logger.Setup(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup logger: %v\n", err)
		return exitFailure
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := newApp(cfg)
	defer a.Close()

	switch command {
	case "run":
		return runOnce(ctx, a)
	case "serve":
		return serve(ctx, a)
	case "backtest":
		return runBacktest(ctx, a, *start, *end, *out)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q, want run, serve or backtest\n", command)
		return exitUsage
	}
}

// Exit codes of the run command.
const (
	exitOK          = 0
	exitFailure     = 1
	exitUsage       = 2
	exitUndelivered = 3
)

// runOnce executes one trading session.
func runOnce(ctx context.Context, a *app) int {
	session, err := a.newSession()
	if err != nil {
		log.Error().Err(err).Msg("init session")
		return exitFailure
	}
	summary, err := session.Run(ctx, a.cfg.Tickers)
	return sessionExitCode(summary, err)
}

// sessionExitCode fails the run when the session did not complete, no ticker
// could be analyzed or the ledger was not saved. A report that a configured
// channel failed to deliver, and that was written to the report directory
// instead, exits with exitUndelivered.
func sessionExitCode(summary *model.SessionSummary, err error) int {
	if summary == nil {
		log.Error().Err(err).Msg("session failed")
		return exitFailure
	}
	if err != nil {
		log.Error().Err(err).Msg("session finished with errors")
		return exitFailure
	}
	if len(summary.Report.Succeeded()) == 0 {
		log.Error().Int("tickers", len(summary.Report.Results)).Msg("no ticker could be analyzed")
		return exitFailure
	}
	if summary.NotifyErr != nil {
		log.Error().Err(summary.NotifyErr).Msg("report not delivered")
		return exitUndelivered
	}
	return exitOK
}

// serve runs scheduled sessions and fill syncs, answers chat commands and
// exposes /metrics until a shutdown signal arrives.
func serve(ctx context.Context, a *app) int {
	session, err := a.newSession()
	if err != nil {
		log.Error().Err(err).Msg("init session")
		return exitFailure
	}
	if err := session.Ledger.Load(ctx); err != nil {
		log.Error().Err(err).Msg("load ledger")
		return exitFailure
	}

	loc, _ := time.LoadLocation(a.cfg.Schedule.Timezone)
	sched := scheduler.NewScheduler(ctx, session, a.cfg.Tickers, a.notifier, a.recorder, loc)
	syncCron := a.cfg.Schedule.SyncCron
	if session.Executor == nil {
		syncCron = ""
	}
	if err := sched.RegisterAll(a.cfg.Schedule.SessionCron, syncCron); err != nil {
		log.Error().Err(err).Msg("register cron tasks")
		return exitFailure
	}
	sched.Start()
	defer sched.Stop()

	if a.telegram != nil {
		go a.telegram.StartPolling(ctx, sched.HandleCommand)
		log.Info().Msg("telegram polling started")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	log.Info().Str("addr", a.cfg.Metrics.Addr).Msg("metrics endpoint listening")

	if os.Getenv("RUN_ON_START") == "true" {
		log.Info().Msg("RUN_ON_START enabled, running a session now")
		go sched.RunSessionNow()
	}

	log.Info().Msg("stock-alert is running. Press Ctrl+C to stop.")
	<-ctx.Done()

	log.Info().Msg("shutdown signal received, stopping...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("metrics server shutdown")
	}
	return exitOK
}

func runBacktest(ctx context.Context, a *app, startDay, endDay, out string) int {
	start, err := time.Parse("2006-01-02", startDay)
	if err != nil {
		log.Error().Err(err).Msg("invalid -start")
		return exitUsage
	}
	end, err := time.Parse("2006-01-02", endDay)
	if err != nil || end.Before(start) {
		log.Error().Str("start", startDay).Str("end", endDay).Msg("invalid -end")
		return exitUsage
	}

	res, err := a.newBacktester().Run(ctx, a.cfg.Tickers, start, end)
	if err != nil {
		log.Error().Err(err).Msg("backtest interrupted")
		return exitFailure
	}
	fmt.Print(res.Summary())

	if len(res.Trades) > 0 {
		f, err := os.Create(out)
		if err != nil {
			log.Error().Err(err).Msg("create trades csv")
			return exitFailure
		}
		defer f.Close()
		if err := backtest.WriteTradesCSV(f, res.Trades); err != nil {
			log.Error().Err(err).Msg("write trades csv")
			return exitFailure
		}
		log.Info().Str("path", out).Int("trades", len(res.Trades)).Msg("trades written")
	}
	if len(res.Failed) == len(a.cfg.Tickers) {
		return exitFailure
	}
	return exitOK
}
