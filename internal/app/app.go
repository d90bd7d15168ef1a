package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"sensorwatch/internal/alerting"
	"sensorwatch/internal/config"
	"sensorwatch/internal/generator"
	"sensorwatch/internal/metrics"
	"sensorwatch/internal/scheduler"
	"sensorwatch/internal/service"
	"sensorwatch/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// ConfigPath, when set, is watched by Run so detector and alerting
	// settings follow edits without a restart.
	ConfigPath string
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return alerting.NewLogNotifier(a.Logger)
}

func (a *App) newGenerator(start time.Time) (*generator.Generator, error) {
	return generator.New(generator.Options{
		Platforms:          a.Config.Generator.Platforms,
		AnomalyProbability: a.Config.Generator.AnomalyProbability,
		Seed:               a.Config.Generator.Seed,
		Start:              start,
	}, a.Logger)
}

// openStore connects to postgres and applies migrations. It returns a nil
// store when no DSN is configured.
func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if dir := a.Config.Database.MigrationsPath; dir != "" {
		if err := store.Migrate(ctx, dir, a.Logger); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	return store, store.Close, nil
}

// stores splits store into the service's interfaces, keeping them nil
// when persistence is disabled.
func stores(store *storage.Store) (storage.DetectionStore, storage.AlertStore) {
	if store == nil {
		return nil, nil
	}
	return store, store
}

// Run executes the long-running generate-and-detect loop.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	sched, err := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)
	if err != nil {
		return err
	}

	gen, err := a.newGenerator(time.Time{})
	if err != nil {
		return err
	}

	detectors, err := service.NewDetectors(a.Config.Detectors, a.Logger)
	if err != nil {
		return err
	}

	var notifier alerting.Notifier
	if a.Config.Alerting.Enabled {
		notifier = a.newNotifier()
	}

	detectionStore, alertStore := stores(store)
	svc := service.New(a.Config, detectors, gen, sched, detectionStore, alertStore, notifier, a.Logger)
	if err := a.watchConfig(svc); err != nil {
		a.Logger.Warn().Err(err).Msg("config reload disabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.Config.Metrics.Enabled {
		srv := a.metricsServer()
		g.Go(func() error {
			a.Logger.Info().Str("addr", srv.Addr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		a.Logger.Info().Int("sensors", len(gen.Sensors())).Int("detectors", len(detectors)).Msg("starting detection service")
		return svc.Run(gctx)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("detection service stopped")
	return nil
}

// watchConfig reconfigures svc on every valid edit of ConfigPath.
func (a *App) watchConfig(svc *service.Service) error {
	if a.ConfigPath == "" {
		return nil
	}
	_, err := config.Watch(a.ConfigPath,
		func(cfg *config.Config) {
			if err := svc.Reconfigure(cfg); err != nil {
				a.Logger.Warn().Err(err).Msg("rejected reloaded config")
			}
		},
		func(err error) {
			a.Logger.Warn().Err(err).Msg("ignoring invalid config change")
		},
	)
	return err
}

func (a *App) metricsServer() *http.Server {
	path := a.Config.Metrics.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, metrics.Handler())
	return &http.Server{
		Addr:              a.Config.Metrics.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// EvaluateOptions configure the evaluate command.
type EvaluateOptions struct {
	InputPath  string
	Detectors  []string
	Attributes bool
}

// ExportOptions hold parameters for exporting a sensor's detections.
type ExportOptions struct {
	SensorID  string
	Detector  string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit      int
	SensorID   string
	Detector   string
	Severities []string
	Alerts     bool
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	From   time.Time
	To     time.Time
	Step   time.Duration
	DryRun bool
}
