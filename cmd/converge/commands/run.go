package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/controller"
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/providers/file"
	"github.com/openfroyo/converge/pkg/sources"
	"github.com/openfroyo/converge/pkg/stores"
	"github.com/openfroyo/converge/pkg/telemetry"
	"github.com/openfroyo/converge/pkg/workflow"
)

const shutdownTimeout = 30 * time.Second

func newRunCommand() *cobra.Command {
	var (
		configPath string
		follow     string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the reconciler",
		Long: `Run the reconciler until interrupted.

Every manifest in the source directory is reconciled through the workflow.
Changed manifests are reconciled again; removed manifests have their
dependent resources cleaned up before they are forgotten.`,
		Example: `  converge run --config converge.yaml

  # Debug logging
  CONVERGE_LOG_LEVEL=debug converge run -c converge.yaml

  # Log every event of one resource
  converge run -c converge.yaml --follow default/web`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, follow)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "converge.yaml", "config file path")
	cmd.Flags().StringVar(&follow, "follow", "", "log every event of this resource (namespace/name)")

	return cmd
}

func run(ctx context.Context, cfg *config.Config, follow string) error {
	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()
	log := tel.Logger.NewComponentLogger("converge")

	if err := subscribeEventLog(tel, follow); err != nil {
		return err
	}

	def, err := config.LoadDefinition(cfg.Workflow.Definition)
	if err != nil {
		return err
	}
	wf, err := def.Build(
		file.NewRegistry(tel),
		config.NewStarlarkEvaluator(cfg.Workflow.ConditionTimeout),
		workflow.WithParallelism(cfg.Workflow.Parallelism),
		workflow.WithTelemetry(tel),
	)
	if err != nil {
		return err
	}

	src, err := sources.NewSource(sources.Config{
		Dir:       cfg.Source.Dir,
		Namespace: cfg.Source.Namespace,
		Debounce:  cfg.Source.Debounce,
	}, sources.WithTelemetry(tel))
	if err != nil {
		return err
	}

	processorOpts := []engine.ProcessorOption{engine.WithTelemetry(tel)}
	controllerOpts := []controller.Option{controller.WithTelemetry(tel), controller.WithFinalizer(src)}

	if cfg.Journal.Enabled {
		store, err := openJournal(ctx, cfg.Journal, log)
		if err != nil {
			return err
		}
		defer store.Close()

		processorOpts = append(processorOpts, engine.WithJournal(store))
		controllerOpts = append(controllerOpts, controller.WithJournal(store))
	}

	ctrl, err := controller.New(wf, controller.Config{
		NotReadyRequeue:           cfg.Workflow.NotReadyRequeue,
		MaxReconciliationInterval: cfg.Workflow.MaxReconciliationInterval,
	}, controllerOpts...)
	if err != nil {
		return err
	}

	processor, err := engine.NewEventProcessor(cfg.EngineProcessorConfig(), src, ctrl, processorOpts...)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tel.Metrics.Serve(gctx)
	})

	if err := processor.Start(gctx); err != nil {
		return err
	}
	if err := src.Start(gctx, processor); err != nil {
		processor.Stop()
		return err
	}
	log.Infof("reconciling %s with workflow %s (%d dependent resources)", cfg.Source.Dir, wf.Name(), wf.Size())

	<-gctx.Done()
	log.Info("shutting down")

	_ = src.Stop()
	processor.Stop()

	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := processor.Wait(waitCtx); err != nil {
		log.WithError(err).Warn("dispatches still running at shutdown")
	}

	return g.Wait()
}

// failureEvents are logged for every resource.
var failureEvents = []string{
	telemetry.EventTypeDispatchFailed,
	telemetry.EventTypeRetryScheduled,
	telemetry.EventTypeRetryExhausted,
	telemetry.EventTypeNodeFailed,
	telemetry.EventTypeResourceCleanedUp,
}

// subscribeEventLog logs failure events through the "events" logger. When
// follow names a resource, every other event of that resource is logged too.
func subscribeEventLog(tel *telemetry.Telemetry, follow string) error {
	logEvent := telemetry.LogEvents(tel.Logger.NewComponentLogger("events"))
	isFailure := telemetry.FilterByType(failureEvents...)
	tel.Events.Subscribe(logEvent, isFailure)

	if follow == "" {
		return nil
	}
	id, err := engine.ParseResourceID(follow)
	if err != nil {
		return fmt.Errorf("invalid --follow resource: %w", err)
	}
	followed := telemetry.FilterByResourceID(id.String())
	tel.Events.Subscribe(logEvent, func(event telemetry.Event) bool {
		return followed(event) && !isFailure(event)
	})
	return nil
}

func openJournal(ctx context.Context, cfg config.JournalConfig, log *telemetry.Logger) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	if cfg.Retention > 0 {
		pruned, err := store.PruneBefore(ctx, time.Now().Add(-cfg.Retention))
		if err != nil {
			log.WithError(err).Warn("failed to prune journal")
		} else if pruned > 0 {
			log.Infof("pruned %d journal entries older than %s", pruned, cfg.Retention)
		}
	}
	return store, nil
}
