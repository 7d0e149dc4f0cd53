// Command engine runs the inventory management engine: a sharded,
// event-sourced service that ingests trade/position/reference/contract
// events from multiple vendor feeds, maintains per-(book, security) position
// state and per-security inventory availability, validates short-sell
// orders against client/AU limits, and decides locate requests — all
// behind a crash-safe event log with periodic snapshot checkpoints.
//
// Subcommands:
//
//	engine start                                    — run the engine until SIGINT/SIGTERM
//	engine replay --shard N --from SEQ              — print journaled events for one shard
//	engine inspect position --book B --security S --date D — print one position row
//
// The overall lifecycle (load config → build logger → construct engine →
// wait for a shutdown signal → stop) mirrors the teacher's cmd/bot/main.go.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"ims-engine/internal/config"
	"ims-engine/internal/engine"
	"ims-engine/internal/ingest"
	"ims-engine/internal/inventory"
	"ims-engine/internal/locate"
	"ims-engine/internal/publish"
	"ims-engine/internal/snapshotstore"
	"ims-engine/pkg/types"
)

// Exit codes, checked by operator scripts and integration tests.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitEngineError   = 2
	exitNotFound      = 3
)

func main() {
	root := &cobra.Command{
		Use:   "engine",
		Short: "Inventory management engine",
	}

	var cfgPath string
	root.PersistentFlags().StringVar(&cfgPath, "config", "configs/engine.yaml", "path to engine config")

	root.AddCommand(newStartCmd(&cfgPath))
	root.AddCommand(newReplayCmd(&cfgPath))
	root.AddCommand(newInspectCmd(&cfgPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitEngineError)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildRegistry wires the Taiwan and Japan market-rule pipelines; every
// other market code runs the pure inventory.Calculate output unmodified.
func buildRegistry() inventory.Registry {
	return inventory.NewRegistry().
		WithRule("TW", inventory.TWRule{}).
		WithRule("JP", inventory.JPRule{})
}

// buildLocateRules constructs the auto-decision rule set every market falls
// back to. If market.rules_path names a readable catalog file, its entries
// take precedence; otherwise the catalog is built in code from the
// configured auto-approval threshold and minimum inventory ratio.
func buildLocateRules(cfg *config.Config) ([]locate.Rule, error) {
	catalog, err := locate.LoadCatalog(cfg.Market.RulesPath)
	if err != nil {
		return nil, fmt.Errorf("market.rules_path: %w", err)
	}
	if catalog != nil {
		return catalog, nil
	}

	maxQty, err := decimal.NewFromString(cfg.Locate.AutoApprovalMaxQty)
	if err != nil {
		return nil, fmt.Errorf("locate.auto_approval_max_quantity: %w", err)
	}

	var rules []locate.Rule
	for _, market := range append([]string{""}, "TW", "JP") {
		rules = append(rules,
			locate.InsufficientInventoryRule(market, 100),
			locate.AutoApprovalRule(market, 50, maxQty, cfg.Locate.MinInventoryRatio),
		)
	}
	return rules, nil
}

func newStartCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the engine until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				fmt.Fprintln(os.Stderr, "config error:", err)
				os.Exit(exitConfigError)
			}
			logger := newLogger(cfg)

			store, err := snapshotstore.Open(cfg.Store.DataDir + "/ims.db")
			if err != nil {
				logger.Error("open snapshot store", "error", err)
				os.Exit(exitEngineError)
			}

			rules, err := buildLocateRules(cfg)
			if err != nil {
				logger.Error("build locate rules", "error", err)
				os.Exit(exitConfigError)
			}

			eng, err := engine.New(*cfg, publish.NewLogSink(logger), store, buildRegistry(), rules, logger)
			if err != nil {
				logger.Error("construct engine", "error", err)
				os.Exit(exitEngineError)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			routers, err := startIngest(ctx, cfg, eng, logger)
			if err != nil {
				logger.Error("start ingest adapters", "error", err)
				os.Exit(exitEngineError)
			}

			runErr := make(chan error, 1)
			go func() { runErr <- eng.Start(ctx) }()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				logger.Info("received shutdown signal", "signal", sig.String())
			case err := <-runErr:
				logger.Error("engine stopped unexpectedly", "error", err)
			}

			cancel()
			_ = routers
			if err := eng.Stop(); err != nil {
				logger.Error("engine stop", "error", err)
				os.Exit(exitEngineError)
			}
			return nil
		},
	}
}

// startIngest builds one Router per configured vendor, wires its output
// channel into the shard dispatcher, and runs each in the background.
func startIngest(ctx context.Context, cfg *config.Config, eng *engine.Engine, logger *slog.Logger) ([]*ingest.Router, error) {
	dedup, err := ingest.NewDedup(cfg.Ingest.DedupWindow)
	if err != nil {
		return nil, err
	}
	resolver := ingest.NewReferenceResolver(cfg.Reference.Priority, cfg.Reference.StalenessWindow)
	deadLetter := ingest.NewLoggingDeadLetter(1024, logger)

	var routers []*ingest.Router
	for _, vc := range cfg.Ingest.Vendors {
		adapter, err := buildAdapter(vc, logger)
		if err != nil {
			return nil, fmt.Errorf("vendor %s: %w", vc.Name, err)
		}

		out := make(chan types.Envelope, cfg.Shard.QueueDepth)
		reorder := ingest.NewReorderBuffer(cfg.Ingest.ReorderWindow, cfg.Ingest.ReorderMaxSkew)
		router := ingest.NewRouter(dedup, reorder, resolver, out, deadLetter,
			cfg.Ingest.BackoffBase, cfg.Ingest.BackoffCap, cfg.Ingest.BackoffJitterPct,
			ingest.Events{OnGapDetected: func(g ingest.GapEvent) {
				logger.Warn("gap detected", "source", g.Source, "key", g.Key, "from", g.FromSeq, "to", g.ToSeq)
			}},
			logger,
		)

		go func() {
			if err := router.Run(ctx, adapter, time.Second); err != nil && ctx.Err() == nil {
				logger.Error("router stopped", "vendor", vc.Name, "error", err)
			}
		}()
		go pumpToDispatcher(ctx, out, eng, logger)

		routers = append(routers, router)
	}
	return routers, nil
}

// pumpToDispatcher drains one router's ordered output into the shard
// dispatcher until ctx is cancelled.
func pumpToDispatcher(ctx context.Context, out <-chan types.Envelope, eng *engine.Engine, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-out:
			if err := eng.Dispatcher().Route(env); err != nil {
				logger.Error("route envelope", "error", err, "event_id", env.EventID, "key", env.Key)
			}
		}
	}
}

func buildAdapter(vc config.VendorConfig, logger *slog.Logger) (ingest.Adapter, error) {
	switch vc.Kind {
	case "ws":
		return ingest.NewWSAdapter(vc.Name, vc.URL, logger), nil
	case "rest":
		var auth *ingest.VendorAuth
		if vc.APIKeyEnv != "" {
			a, err := ingest.NewVendorAuth(vc.APIKeyEnv, vc.SecretEnv)
			if err != nil {
				return nil, err
			}
			auth = a
		}
		rl := ingest.NewVendorRateLimiters()
		if vc.RateLimit > 0 {
			rl.Register(vc.Name, vc.RateBurst, vc.RateLimit)
		}
		return ingest.NewRestAdapter(vc.Name, vc.URL, "/reference", vc.PollInterval, auth, rl, logger), nil
	default:
		return nil, fmt.Errorf("unknown vendor kind %q", vc.Kind)
	}
}

func newReplayCmd(cfgPath *string) *cobra.Command {
	var shardID int
	var fromSeq int64

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Print journaled events for one shard starting at a sequence",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				fmt.Fprintln(os.Stderr, "config error:", err)
				os.Exit(exitConfigError)
			}
			logger := newLogger(cfg)

			store, err := snapshotstore.Open(cfg.Store.DataDir + "/ims.db")
			if err != nil {
				logger.Error("open snapshot store", "error", err)
				os.Exit(exitEngineError)
			}
			defer store.Close()

			ctx := context.Background()
			count := 0
			err = store.ReplayFrom(ctx, shardID, fromSeq, func(seq int64, env types.Envelope) error {
				count++
				enc, _ := json.Marshal(env)
				fmt.Printf("seq=%d %s\n", seq, string(enc))
				return nil
			})
			if err != nil {
				logger.Error("replay", "error", err)
				os.Exit(exitEngineError)
			}
			if count == 0 {
				os.Exit(exitNotFound)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&shardID, "shard", 0, "shard id to replay")
	cmd.Flags().Int64Var(&fromSeq, "from", 0, "sequence to replay from (inclusive)")
	return cmd
}

func newInspectCmd(cfgPath *string) *cobra.Command {
	inspect := &cobra.Command{
		Use:   "inspect",
		Short: "Inspect engine state loaded from the snapshot store",
	}
	inspect.AddCommand(newInspectPositionCmd(cfgPath))
	return inspect
}

func newInspectPositionCmd(cfgPath *string) *cobra.Command {
	var bookID, securityID, businessDate string

	cmd := &cobra.Command{
		Use:   "position",
		Short: "Print one position row after recovering from the snapshot store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				fmt.Fprintln(os.Stderr, "config error:", err)
				os.Exit(exitConfigError)
			}
			logger := newLogger(cfg)

			bd, err := types.ParseBusinessDate(businessDate)
			if err != nil {
				fmt.Fprintln(os.Stderr, "invalid --date:", err)
				os.Exit(exitConfigError)
			}

			store, err := snapshotstore.Open(cfg.Store.DataDir + "/ims.db")
			if err != nil {
				logger.Error("open snapshot store", "error", err)
				os.Exit(exitEngineError)
			}
			defer store.Close()

			rules, err := buildLocateRules(cfg)
			if err != nil {
				logger.Error("build locate rules", "error", err)
				os.Exit(exitConfigError)
			}

			eng, err := engine.New(*cfg, publish.NewLogSink(logger), store, buildRegistry(), rules, logger)
			if err != nil {
				logger.Error("construct engine", "error", err)
				os.Exit(exitEngineError)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := eng.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("engine start", "error", err)
				os.Exit(exitEngineError)
			}
			defer eng.Stop()

			key := types.PositionKey{BookID: bookID, SecurityID: securityID, BusinessDate: bd}
			pos, ok := eng.QueryPosition(key)
			if !ok {
				os.Exit(exitNotFound)
			}
			enc, _ := json.MarshalIndent(pos, "", "  ")
			fmt.Println(string(enc))
			return nil
		},
	}
	cmd.Flags().StringVar(&bookID, "book", "", "book id")
	cmd.Flags().StringVar(&securityID, "security", "", "security id")
	cmd.Flags().StringVar(&businessDate, "date", "", "business date, YYYY-MM-DD")
	cmd.MarkFlagRequired("book")
	cmd.MarkFlagRequired("security")
	cmd.MarkFlagRequired("date")
	return cmd
}
