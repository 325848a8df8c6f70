// AceMarket — paper-trading backtest engine and market data API.
//
// Main CLI entrypoint using cobra command framework.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jreiner16/AceMarket/api"
	"github.com/jreiner16/AceMarket/internal/analytics"
	"github.com/jreiner16/AceMarket/internal/config"
	"github.com/jreiner16/AceMarket/internal/datasource"
	"github.com/jreiner16/AceMarket/internal/logging"
	"github.com/jreiner16/AceMarket/internal/run"
	"github.com/jreiner16/AceMarket/internal/store"
	"github.com/jreiner16/AceMarket/pkg/models"
)

// Build-time variables (set via -ldflags).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Global config
var cfg *config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "acemarket",
	Short: "AceMarket — paper-trading backtest engine",
	Long: `AceMarket
A paper-trading platform: Yahoo Finance market data, a bar-replay backtest
engine with a small strategy DSL, per-user portfolios, and walk-forward and
Monte Carlo evaluation, served over an HTTP + websocket API.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		var err error
		configFile, _ := cmd.Flags().GetString("config")
		if configFile != "" {
			cfg, err = config.LoadFromFile(configFile)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
			cfg.Logging.Level = lvl
		}
		logging.Init(cfg.Logging.Level, cfg.Logging.Pretty)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file path (default: env/defaults)")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(backtestCmd)
	rootCmd.AddCommand(quoteCmd)
	rootCmd.AddCommand(statusCmd)
}

// --- Version Command ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("AceMarket %s\n", version)
		fmt.Printf("  commit:  %s\n", commit)
		fmt.Printf("  built:   %s\n", date)
	},
}

// --- Serve Command (API Server) ---

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		market := datasource.NewYahooTuned(
			time.Duration(cfg.Data.CacheTTLSec)*time.Second,
			cfg.Data.CacheMax,
			cfg.Data.RequestsPerSec,
		)
		srv := api.NewServer(cfg, st, market, datasource.NewNews())
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		fmt.Printf("AceMarket API listening on %s\n", addr)
		return srv.ListenAndServe(addr)
	},
}

// --- Backtest Command ---

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Run a one-shot backtest from a strategy file",
	Long: `Run a strategy file against one or more symbols and print the report.

Examples:
  acemarket backtest -f strategy.aml -s AAPL --start 2023-01-01 --end 2023-12-31
  acemarket backtest -f strategy.aml -s AAPL,MSFT --start 2023-01-01 --end 2023-12-31 --train-pct 0.6`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		symbolsCSV, _ := cmd.Flags().GetString("symbols")
		start, _ := cmd.Flags().GetString("start")
		end, _ := cmd.Flags().GetString("end")
		trainPct, _ := cmd.Flags().GetFloat64("train-pct")
		cash, _ := cmd.Flags().GetFloat64("cash")

		code, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read strategy file: %w", err)
		}
		var symbols []string
		for _, s := range strings.Split(symbolsCSV, ",") {
			if s = strings.TrimSpace(s); s != "" {
				symbols = append(symbols, s)
			}
		}

		settings := models.DefaultSettings()
		if cash > 0 {
			settings.InitialCash = cash
		}
		req := run.Request{
			UserID:       "cli",
			StrategyName: strings.TrimSuffix(file, ".aml"),
			Code:         string(code),
			Symbols:      symbols,
			StartDate:    start,
			EndDate:      end,
			Settings:     settings,
		}
		if cmd.Flags().Changed("train-pct") {
			req.TrainPct = &trainPct
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
		defer cancel()
		orch := run.New(datasource.NewYahoo(), nil)
		rec, err := orch.Execute(ctx, req)
		if err != nil {
			return err
		}
		printRun(rec)
		return nil
	},
}

func init() {
	backtestCmd.Flags().StringP("file", "f", "", "strategy file to run")
	backtestCmd.Flags().StringP("symbols", "s", "", "comma-separated symbols")
	backtestCmd.Flags().String("start", "", "window start (YYYY-MM-DD)")
	backtestCmd.Flags().String("end", "", "window end (YYYY-MM-DD)")
	backtestCmd.Flags().Float64("train-pct", 0, "walk-forward train split in (0, 1)")
	backtestCmd.Flags().Float64("cash", 0, "starting cash (default 100000)")
	backtestCmd.MarkFlagRequired("file")
	backtestCmd.MarkFlagRequired("symbols")
	backtestCmd.MarkFlagRequired("start")
	backtestCmd.MarkFlagRequired("end")
}

func printRun(rec *models.RunRecord) {
	fmt.Println("═══════════════════════════════════════")
	fmt.Printf("  %s  %s..%s\n", rec.StrategyName, rec.StartDate, rec.EndDate)
	fmt.Println("═══════════════════════════════════════")
	for _, r := range rec.Results {
		if r.Error != "" {
			fmt.Printf("  %-8s FAILED: %s\n", r.Symbol, r.Error)
			continue
		}
		fmt.Printf("  %-8s %12.2f → %12.2f  (%+.2f)\n", r.Symbol, r.StartValue, r.EndValue, r.PnL)
	}
	fmt.Println()

	port := rec.Portfolio
	fmt.Printf("  Portfolio:  %.2f → %.2f\n", port.InitialCash, port.Value)
	fmt.Printf("  Trades:     %d\n", len(port.TradeLog))

	report := analytics.ComputeReport(port.TradeLog, port.EquityCurve, port.InitialCash)
	printReport("Overall", report)
	if rec.TrainMetrics != nil {
		printReport("Train leg", rec.TrainMetrics)
	}
	if rec.TestMetrics != nil {
		printReport("Test leg", rec.TestMetrics)
	}
}

func printReport(label string, report *models.Report) {
	if report == nil || report.Equity == nil {
		return
	}
	eq := report.Equity
	fmt.Println()
	fmt.Printf("  %s\n", label)
	fmt.Println("  ───────────────────────────────────")
	fmt.Printf("    Return:        %+.2f%%\n", eq.TotalReturn*100)
	fmt.Printf("    Max drawdown:  %.2f%%\n", eq.MaxDrawdown*100)
	fmt.Printf("    Sharpe (ann):  %.2f\n", eq.SharpeAnnual)
	fmt.Printf("    Sortino (ann): %.2f\n", eq.SortinoAnnual)
	fmt.Printf("    CAGR:          %.2f%%\n", eq.CAGR*100)
	if tr := report.Trades; tr != nil && tr.Exits > 0 {
		fmt.Printf("    Win rate:      %.1f%% (%d/%d exits)\n", tr.WinRate*100, tr.Wins, tr.Exits)
		if tr.ProfitFactor != nil {
			fmt.Printf("    Profit factor: %.2f\n", *tr.ProfitFactor)
		}
	}
}

// --- Status Command ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and deployment status",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("═══════════════════════════════════════")
		fmt.Println("  AceMarket — Status")
		fmt.Println("═══════════════════════════════════════")
		fmt.Printf("  Version:      %s (%s)\n", version, commit)
		fmt.Printf("  Environment:  %s\n", cfg.Environment)
		fmt.Printf("  API Server:   %s:%d\n", cfg.Server.Host, cfg.Server.Port)
		fmt.Printf("  Auth bypass:  %v\n", cfg.AuthBypassed())
		fmt.Println()

		fmt.Println("  Settings:")
		for _, s := range config.CheckDeployment(cfg) {
			state := "not set"
			if s.IsSet {
				state = fmt.Sprintf("set (%s: %s)", s.Source, s.Value)
			}
			fmt.Printf("    %-18s %s\n", s.Name+":", state)
		}
		fmt.Println("═══════════════════════════════════════")
		return nil
	},
}

// --- Quote Command ---

var quoteCmd = &cobra.Command{
	Use:   "quote [symbol]",
	Short: "Print the latest quote for a symbol",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		q, err := datasource.NewYahoo().Quote(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s  %.2f  %+.2f (%+.2f%%)\n", q.Symbol, q.Price, q.Change, q.ChangePct)
		return nil
	},
}
