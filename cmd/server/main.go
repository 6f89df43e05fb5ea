package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"

	"github.com/gyaneshwarpardhi/soarflow/internal/action"
	"github.com/gyaneshwarpardhi/soarflow/internal/action/builtin"
	"github.com/gyaneshwarpardhi/soarflow/internal/alert"
	"github.com/gyaneshwarpardhi/soarflow/internal/api"
	"github.com/gyaneshwarpardhi/soarflow/internal/automation"
	"github.com/gyaneshwarpardhi/soarflow/internal/config"
	"github.com/gyaneshwarpardhi/soarflow/internal/dlq"
	"github.com/gyaneshwarpardhi/soarflow/internal/enrich"
	"github.com/gyaneshwarpardhi/soarflow/internal/event"
	"github.com/gyaneshwarpardhi/soarflow/internal/incident"
	"github.com/gyaneshwarpardhi/soarflow/internal/notify/natsnotify"
	"github.com/gyaneshwarpardhi/soarflow/internal/orchestrator"
	"github.com/gyaneshwarpardhi/soarflow/internal/schema"
	"github.com/gyaneshwarpardhi/soarflow/internal/store/pgstore"
	"github.com/gyaneshwarpardhi/soarflow/internal/workflow"
)

// engines bundles everything a config change has to reach.
type engines struct {
	logger    *slog.Logger
	schemas   *schema.Registry
	assets    *automation.AssetCatalog
	binder    *automation.Binder
	orch      *orchestrator.Orchestrator
	alerts    *alert.Aggregator
	incidents *incident.Manager
	workflows *workflow.Engine
}

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	cfgPath := flag.String("config", "configs/soarflow.yaml", "Path to YAML config")
	databaseURL := flag.String("database-url", os.Getenv("DATABASE_URL"), "PostgreSQL URL; empty keeps state in memory")
	natsURL := flag.String("nats-url", os.Getenv("NATS_URL"), "NATS URL for incident notifications; empty disables them")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := config.NewLoader(*cfgPath, logger)
	if err != nil {
		slog.Error("failed to load config", "path", *cfgPath, "err", err)
		os.Exit(1)
	}
	cfg := loader.Config()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Persistence ──────────────────────────────────────────────────────────
	var pool *pgxpool.Pool
	aggConf := cfg.AggregatorConfig()
	incConf := cfg.IncidentConfig()
	wfConf := cfg.WorkflowConfig()
	if *databaseURL != "" {
		openCtx, openCancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err = pgstore.Open(openCtx, *databaseURL)
		openCancel()
		if err != nil {
			slog.Error("failed to open database", "err", err)
			os.Exit(1)
		}
		defer pool.Close()
		aggConf.Alerts = pgstore.New[*alert.Alert](pool, "alert")
		aggConf.Groups = pgstore.New[*alert.Group](pool, "alert_group")
		incConf.Incidents = pgstore.New[*incident.Incident](pool, "incident")
		wfConf.Instances = pgstore.New[*workflow.Instance](pool, "workflow_instance")
		slog.Info("using postgres state store")
	}

	// ── Notifications ────────────────────────────────────────────────────────
	var nc *nats.Conn
	if *natsURL != "" {
		nc, err = natsnotify.Connect(*natsURL, logger)
		if err != nil {
			slog.Error("failed to connect to NATS", "err", err)
			os.Exit(1)
		}
		incConf.Notifier = natsnotify.New(nc, natsnotify.Config{Logger: logger})
		slog.Info("incident notifications enabled", "url", nc.ConnectedUrl())
	}

	// ── Engines ──────────────────────────────────────────────────────────────
	e := &engines{
		logger:  logger,
		schemas: schema.NewRegistry(),
		assets:  automation.NewAssetCatalog(cfg.Aggregator.Scoring.AssetValues),
		binder:  automation.New(automation.Config{Logger: logger}),
	}

	orchConf := cfg.OrchestratorConfig()
	orchConf.Validator = e.schemas
	orchConf.Logger = logger
	orchConf.Hooks = orchestrator.Hooks{
		OnDeadLettered: func(entry dlq.Entry) {
			slog.Warn("event dead-lettered", "entry", entry.ID, "type", entry.Event.Type, "err", entry.Error)
		},
		OnValidationFailed: func(ev *event.Event, errs []string) {
			slog.Debug("event failed validation", "type", ev.Type, "errors", errs)
		},
	}
	e.orch = orchestrator.New(orchConf)
	if err := e.orch.Enrichers().Add(automation.EnricherAssets, e.assets.Enrich, enrich.Options{
		Priority: 10,
		Timeout:  100 * time.Millisecond,
		Optional: true,
	}); err != nil {
		slog.Error("failed to add enricher", "err", err)
		os.Exit(1)
	}

	aggConf.Logger = logger
	aggConf.Hooks = e.binder.AlertHooks(alert.Hooks{})
	e.alerts = alert.New(aggConf)

	incConf.Logger = logger
	e.incidents = incident.New(incConf)

	reg := action.NewRegistry(logger)
	if err := builtin.Register(reg, logger); err != nil {
		slog.Error("failed to register built-in actions", "err", err)
		os.Exit(1)
	}
	wfConf.Actions = reg
	wfConf.Logger = logger
	e.workflows = workflow.New(wfConf)

	if err := e.binder.Bind(automation.Engines{
		Alerts:    e.alerts,
		Incidents: e.incidents,
		Workflows: e.workflows,
		Events:    e.orch,
	}); err != nil {
		slog.Error("failed to bind engines", "err", err)
		os.Exit(1)
	}
	if err := e.apply(cfg); err != nil {
		slog.Error("failed to apply config", "err", err)
		os.Exit(1)
	}
	if n, err := e.workflows.Recover(ctx); err != nil {
		slog.Error("failed to recover workflow instances", "err", err)
	} else if n > 0 {
		slog.Info("resumed interrupted workflow instances", "count", n)
	}

	e.orch.Start(ctx)
	e.alerts.Start(ctx)
	e.incidents.Start(ctx)

	// ── Hot-reload watcher ────────────────────────────────────────────────────
	loader.OnChange(func(newCfg *config.Config) {
		if err := e.apply(newCfg); err != nil {
			slog.Warn("hot-reload partially applied", "err", err)
			return
		}
		slog.Info("config hot-reloaded", "version", newCfg.Version)
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		slog.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
	} else {
		defer stopWatch()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	handler := api.New(api.Config{
		Orchestrator: e.orch,
		Alerts:       e.alerts,
		Incidents:    e.incidents,
		Workflows:    e.workflows,
		Loader:       loader,
		Logger:       logger,
	})
	srv := &http.Server{
		Addr:         *addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down…")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	e.orch.Stop(shutCtx)
	e.alerts.Stop()
	e.incidents.Stop()
	if err := e.workflows.Shutdown(shutCtx); err != nil {
		slog.Warn("workflow shutdown incomplete", "err", err)
	}
	cancel()
	if nc != nil {
		if err := nc.Drain(); err != nil {
			slog.Warn("NATS drain failed", "err", err)
		}
	}
	slog.Info("goodbye")
}

// apply pushes the reloadable parts of cfg into the running engines. Every
// part is attempted and all failures are joined into the returned error.
func (e *engines) apply(cfg *config.Config) error {
	var errs []error
	if err := e.schemas.Replace(cfg.Schemas); err != nil {
		errs = append(errs, err)
	}
	if err := e.alerts.SetSuppressionRules(cfg.SuppressionRules); err != nil {
		errs = append(errs, err)
	}
	scoring := cfg.Aggregator.Scoring
	e.alerts.UpdateScoringContext(scoring.AssetValues, scoring.ThreatIntel)
	e.assets.Set(scoring.AssetValues)
	for _, rb := range cfg.Runbooks {
		if err := e.incidents.RegisterRunbook(rb); err != nil {
			errs = append(errs, err)
		}
	}
	for _, def := range cfg.Workflows.Definitions {
		if err := e.workflows.Put(def); err != nil {
			errs = append(errs, err)
		}
	}
	e.binder.SetPlaybooks(cfg.PlaybookMap())
	e.logger.Info("config applied",
		"schemas", len(cfg.Schemas),
		"suppression_rules", len(cfg.SuppressionRules),
		"runbooks", len(cfg.Runbooks),
		"workflows", len(cfg.Workflows.Definitions),
		"playbooks", len(cfg.Playbooks),
	)
	return errors.Join(errs...)
}
