package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/enclave/internal/config"
	"github.com/haasonsaas/enclave/internal/conformance"
	"github.com/haasonsaas/enclave/internal/dispatch"
	"github.com/haasonsaas/enclave/internal/events"
	"github.com/haasonsaas/enclave/internal/manager"
	"github.com/haasonsaas/enclave/internal/observability"
	"github.com/haasonsaas/enclave/internal/policy"
	"github.com/haasonsaas/enclave/internal/preflight"
	"github.com/haasonsaas/enclave/internal/risk"
	"github.com/haasonsaas/enclave/internal/scheduler"
	"github.com/haasonsaas/enclave/internal/sessions"
	"github.com/haasonsaas/enclave/internal/tools"
	"github.com/haasonsaas/enclave/internal/transpile"
)

// runtime bundles everything `enclave run` and `extensions list` assemble
// from configuration.
type runtime struct {
	cfg      *config.Config
	logger   *observability.Logger
	eventLog *observability.EventLog
	metrics  *observability.Metrics
	sched    *scheduler.Scheduler
	mgr      *manager.Manager
	store    sessions.Store
	ledger   *risk.Ledger
	shutdown []func()
}

func (r *runtime) close() {
	for i := len(r.shutdown) - 1; i >= 0; i-- {
		r.shutdown[i]()
	}
}

func loadRuntime(cmd *cobra.Command, withMetrics bool) (*runtime, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg = config.Default()
		} else {
			return nil, err
		}
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	rt := &runtime{cfg: cfg, logger: logger}

	if cfg.EventLog.Path != "" {
		eventLog, err := observability.OpenEventLog(cfg.EventLog.Path)
		if err != nil {
			return nil, err
		}
		rt.eventLog = eventLog
		rt.shutdown = append(rt.shutdown, func() { eventLog.Close() })
	} else {
		rt.eventLog = observability.NewEventLog(nil)
	}

	if withMetrics {
		rt.metrics = observability.NewMetrics()
	}
	if cfg.Tracing.Enabled {
		_, stop, err := observability.NewTracer(observability.TraceConfig{
			ServiceName:    "enclave",
			ServiceVersion: version,
			SamplingRate:   cfg.Tracing.SamplingRate,
		})
		if err != nil {
			return nil, err
		}
		rt.shutdown = append(rt.shutdown, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			stop(ctx)
		})
	}

	switch cfg.Sessions.Store {
	case "sqlite":
		store, err := sessions.NewSQLiteStore(cfg.Sessions.Path)
		if err != nil {
			return nil, err
		}
		rt.store = store
	default:
		rt.store = sessions.NewMemoryStore()
	}
	rt.shutdown = append(rt.shutdown, func() { rt.store.Close() })

	handle, err := rt.store.GetOrCreate(context.Background(), "default")
	if err != nil {
		return nil, err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	registry, err := tools.NewRegistry(cwd, logger)
	if err != nil {
		return nil, err
	}

	defaultProfile, err := policy.ProfileByName(cfg.Extensions.DefaultProfile)
	if err != nil {
		return nil, err
	}
	pol := policy.NewEvaluator(defaultProfile, logger,
		policy.WithEventLog(rt.eventLog), policy.WithMetrics(rt.metrics))
	bus := events.NewBus(logger, events.WithEventLog(rt.eventLog))

	rt.sched = scheduler.New()
	disp := dispatch.New(dispatch.Config{
		Policy:             pol,
		Tools:              registry,
		Sessions:           handle,
		Bus:                bus,
		Sched:              rt.sched,
		Logger:             logger,
		EventLog:           rt.eventLog,
		Metrics:            rt.metrics,
		DefaultTimeout:     cfg.Runtime.HostcallTimeout,
		StreamBufferSize:   cfg.Runtime.StreamBufferSize,
		StreamStallTimeout: cfg.Runtime.StreamStallTimeout,
	})

	if cfg.Risk.LedgerPath != "" {
		ledger, err := risk.Open(cfg.Risk.LedgerPath)
		if err != nil {
			return nil, err
		}
		rt.ledger = ledger
		rt.shutdown = append(rt.shutdown, func() { ledger.Close() })
	}

	cache, err := transpile.NewCache(0, transpile.WithMetrics(rt.metrics))
	if err != nil {
		return nil, err
	}
	mgr, err := manager.New(manager.Config{
		Roots:          cfg.Extensions.Roots,
		DefaultProfile: defaultProfile,
		Profiles:       cfg.Extensions.Profiles,
		Overrides:      cfg.Extensions.Overrides,
		CleanupBudget:  cfg.Runtime.CleanupBudget,
		Scheduler:      rt.sched,
		Dispatcher:     disp,
		Policy:         pol,
		Bus:            bus,
		Tools:          registry,
		Transpile:      cache,
		Analyzer:       preflight.New(),
		Ledger:         rt.ledger,
		Logger:         logger,
		EventLog:       rt.eventLog,
		Metrics:        rt.metrics,
		IndexPath:      indexPath(cfg),
	})
	if err != nil {
		return nil, err
	}
	rt.mgr = mgr
	return rt, nil
}

func indexPath(cfg *config.Config) string {
	if cfg.Conformance.CorpusPath != "" {
		// Keep runtime state files side by side.
		return filepath.Join(filepath.Dir(cfg.Conformance.CorpusPath), "index.json")
	}
	return filepath.Join(".enclave", "index.json")
}

func buildRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Discover, activate, and serve the configured extensions",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd, true)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go rt.sched.Run(ctx)

			if rt.cfg.Metrics.Enabled {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				srv := &http.Server{Addr: rt.cfg.Metrics.Addr, Handler: mux}
				go srv.ListenAndServe()
				defer srv.Close()
			}

			if _, err := rt.mgr.Discover(ctx); err != nil {
				return err
			}
			if err := rt.mgr.LoadAll(ctx); err != nil {
				return err
			}
			rt.mgr.Publish(ctx, &events.Event{Name: events.BeforeAgentStart})

			for _, ext := range rt.mgr.Extensions() {
				rt.logger.Info(ctx, "extension status",
					"extension_id", ext.ID, "state", string(ext.State), "profile", ext.Profile)
			}

			if rt.cfg.Extensions.Watch || rt.cfg.Extensions.RescanSchedule != "" {
				go rt.mgr.Watch(ctx, rt.cfg.Extensions.RescanSchedule)
			}

			<-ctx.Done()
			shutdownCtx := context.Background()
			rt.mgr.Publish(shutdownCtx, &events.Event{Name: events.AfterAgentStop})
			reports := rt.mgr.Shutdown(shutdownCtx, rt.cfg.Runtime.CleanupBudget)
			for _, report := range reports {
				if len(report.Leaked) > 0 {
					rt.logger.Warn(shutdownCtx, "region closed with leaked handles",
						"region_id", report.RegionID, "leaked", len(report.Leaked))
				}
			}
			return nil
		},
	}
	return cmd
}

func buildExtensionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extensions",
		Short: "Inspect discovered extensions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List extensions across the configured roots",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd, false)
			if err != nil {
				return err
			}
			defer rt.close()

			found, err := rt.mgr.Discover(context.Background())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tVERSION\tSTATE\tPROFILE\tPATH")
			for _, ext := range found {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					ext.ID, ext.Version, ext.State, ext.Profile, ext.Path)
			}
			return w.Flush()
		},
	})
	return cmd
}

func buildPreflightCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preflight <dir>",
		Short: "Statically scan an extension and print its risk report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := preflight.New().Analyze(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("verdict: %s (risk score %d)\n", report.Verdict, report.RiskScore)
			if len(report.Capabilities) > 0 {
				fmt.Printf("implied capabilities: %v\n", report.Capabilities)
			}
			for _, f := range report.Findings {
				loc := ""
				if f.File != "" {
					loc = fmt.Sprintf(" (%s:%d)", f.File, f.Line)
				}
				fmt.Printf("  [%s] %s%s\n", f.Category, f.Message, loc)
			}
			if report.Verdict == preflight.Fail {
				return fmt.Errorf("preflight failed")
			}
			return nil
		},
	}
}

func buildConformanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conformance",
		Short: "Run the differential conformance oracle",
	}

	var seed int64
	var entry string
	runCmd := &cobra.Command{
		Use:   "run <dir>",
		Short: "Run an extension twice under the lab scheduler and diff the outputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runner := conformance.NewRunner(nil)
			diffs, err := runner.Compare(args[0], entry, seed)
			if err != nil {
				return err
			}
			if len(diffs) == 0 {
				fmt.Println("conformant: runs are identical")
				return nil
			}
			for _, d := range diffs {
				fmt.Printf("divergence in %s:\n  A: %s\n  B: %s\n", d.Field, d.A, d.B)
			}
			return fmt.Errorf("%d divergence(s)", len(diffs))
		},
	}
	runCmd.Flags().Int64Var(&seed, "seed", 42, "lab scheduler seed")
	runCmd.Flags().StringVar(&entry, "entry", "index.ts", "entrypoint file")

	corpusCmd := &cobra.Command{
		Use:   "corpus",
		Short: "Manage the conformance corpus inclusion list",
	}
	var reason string
	include := &cobra.Command{
		Use:   "include <id>",
		Short: "Add an extension to the corpus",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCorpus(cmd)
			if err != nil {
				return err
			}
			return c.Set(args[0], true, reason)
		},
	}
	include.Flags().StringVar(&reason, "reason", "", "why this extension participates")
	exclude := &cobra.Command{
		Use:   "exclude <id>",
		Short: "Remove an extension from the corpus",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCorpus(cmd)
			if err != nil {
				return err
			}
			return c.Set(args[0], false, reason)
		},
	}
	exclude.Flags().StringVar(&reason, "reason", "", "why this extension is excluded")
	list := &cobra.Command{
		Use:   "list",
		Short: "Print the corpus inclusion list",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCorpus(cmd)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tINCLUDED\tREASON")
			for _, e := range c.Entries() {
				fmt.Fprintf(w, "%s\t%v\t%s\n", e.ID, e.Include, e.Reason)
			}
			return w.Flush()
		},
	}
	corpusCmd.AddCommand(include, exclude, list)
	cmd.AddCommand(runCmd, corpusCmd)
	return cmd
}

func openCorpus(cmd *cobra.Command) (*conformance.Corpus, error) {
	configPath, _ := cmd.Flags().GetString("config")
	path := ".enclave/corpus.json"
	if cfg, err := config.Load(configPath); err == nil && cfg.Conformance.CorpusPath != "" {
		path = cfg.Conformance.CorpusPath
	}
	return conformance.OpenCorpus(path)
}
