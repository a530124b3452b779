package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/flotilla-io/flotilla/internal/application"
	"github.com/flotilla-io/flotilla/internal/config"
	"github.com/flotilla-io/flotilla/internal/domain"
	"github.com/flotilla-io/flotilla/internal/infrastructure/httpapi"
	"github.com/flotilla-io/flotilla/internal/infrastructure/local"
	"github.com/flotilla-io/flotilla/internal/infrastructure/registry"
	"github.com/flotilla-io/flotilla/internal/infrastructure/sqlite"
	"github.com/flotilla-io/flotilla/internal/infrastructure/syncworkflow"
)

var configPath string

var (
	rootCmd = &cobra.Command{
		Use:   "flotilla",
		Short: "Fleet deployment and autoscaling orchestrator",
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Provision shared resources, then run the control loops and API",
		RunE:  runServe,
	}
	applyCmd = &cobra.Command{
		Use:   "apply",
		Short: "Apply the shared resource graph and exit",
		RunE:  runApply,
	}
	validateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file and exit",
		RunE:  runValidate,
	}
)

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "flotilla.yaml", "path to the configuration file")
	rootCmd.AddCommand(serveCmd, applyCmd, validateCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	fmt.Printf("configuration valid: %d services, %d policies, %d alarms, %d graph nodes\n",
		len(cfg.Services), len(cfg.Policies), len(cfg.Alarms), len(cfg.Graph))
	return nil
}

func runApply(cmd *cobra.Command, args []string) error {
	log := newLogger()
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	db, err := sqlite.Open(cfg.Server.DataPath)
	if err != nil {
		return err
	}
	defer db.Close()

	summary, err := provision(cmd.Context(), cfg, &sqlite.ResourceRepo{DB: db}, log)
	if err != nil {
		return err
	}
	fmt.Printf("applied %d nodes, %d unchanged\n", len(summary.Applied), len(summary.Unchanged))
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	log := newLogger()
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Server.DataPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := provision(ctx, cfg, &sqlite.ResourceRepo{DB: db}, log); err != nil {
		return err
	}

	specs := &sqlite.SpecRepo{DB: db}
	revisions := &sqlite.RevisionRepo{DB: db}
	deployments := &sqlite.DeploymentRepo{DB: db}
	policies := &sqlite.PolicyRepo{DB: db}

	reg := registry.New()
	substrate := local.NewSubstrate()
	source := local.NewMetricSource()

	specSvc := &application.SpecService{Specs: specs, Revisions: revisions, Log: log}
	rollouts := &application.RolloutService{
		Specs:       specs,
		Revisions:   revisions,
		Deployments: deployments,
		Substrate:   substrate,
		Registry:    reg,
		Log:         log,
		Interval:    cfg.Server.TickInterval,
		ProbeRate:   rate.NewLimiter(rate.Limit(50), 100),
	}
	autoscaler := &application.AutoscalerService{
		Policies:    policies,
		Specs:       specs,
		Deployments: deployments,
		Source:      source,
		Rollouts:    rollouts,
		Log:         log,
	}
	bank, err := application.NewCounterBank(cfg.Counters)
	if err != nil {
		return err
	}
	alerts := &application.AlertService{
		Bank:   bank,
		Source: source,
		Sink:   &local.LogSink{Log: log},
		Log:    log,
		Period: cfg.Server.AlarmPeriod,
	}
	sched := &application.Scheduler{
		Specs:         specSvc,
		Rollouts:      rollouts,
		Autoscaler:    autoscaler,
		Alerts:        alerts,
		Policies:      policies,
		Registry:      reg,
		Log:           log,
		TickInterval:  cfg.Server.TickInterval,
		ScaleInterval: cfg.Server.ScaleInterval,
		AlarmPeriod:   cfg.Server.AlarmPeriod,
	}

	if err := sched.ApplyConfig(ctx, cfg.Services, cfg.Policies, cfg.Alarms); err != nil {
		return err
	}

	router := httpapi.NewRouter(
		httpapi.NewServiceHandler(specSvc, sched),
		httpapi.NewDeploymentHandler(rollouts, deployments),
		httpapi.NewRegistryHandler(reg, nil),
		httpapi.NewAlarmHandler(alerts),
		os.Getenv("FLOTILLA_API_TOKEN"),
	)
	server := &http.Server{Addr: cfg.Server.Listen, Handler: router}

	watcher, err := config.NewWatcher(configPath, log, func(next config.Config) {
		if err := sched.ApplyConfig(ctx, next.Services, next.Policies, next.Alarms); err != nil {
			log.Error("config reconcile failed", "error", err)
		}
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error { return watcher.Start(ctx) })
	g.Go(func() error {
		log.Info("listening", "addr", cfg.Server.Listen)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// provision applies the shared resource graph through the in-process
// workflow engine. Node states persist in the resource repository, so
// re-running against an unchanged graph is a no-op.
func provision(ctx context.Context, cfg config.Config, resources domain.ResourceRepository, log *slog.Logger) (domain.ApplySummary, error) {
	wf := &domain.ProvisionWorkflow{
		Desired:   cfg.Graph,
		Resources: resources,
		Apply:     &local.Provisioner{Log: log},
	}
	engine := &syncworkflow.Engine{}
	runner, err := engine.ProvisionRunner(wf)
	if err != nil {
		return domain.ApplySummary{}, err
	}
	svc := &application.ProvisionService{Workflow: runner, Log: log}
	return svc.Provision(ctx, cfg.Flags)
}

func newLogger() *slog.Logger {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)
	return log
}
