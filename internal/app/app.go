// Package app assembles the fleet controller: the persistent store and the
// seven core components layered on top of it (registry, browser store,
// reconciler, queue, supervisor, ingest, settings), plus the ambient
// event/config/scheduler services and the HTTP handlers that expose them.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/browserstore"
	"github.com/ternarybob/quaero/internal/common"
	"github.com/ternarybob/quaero/internal/handlers"
	"github.com/ternarybob/quaero/internal/ingest"
	"github.com/ternarybob/quaero/internal/interfaces"
	"github.com/ternarybob/quaero/internal/queue"
	"github.com/ternarybob/quaero/internal/reconciler"
	"github.com/ternarybob/quaero/internal/registry"
	"github.com/ternarybob/quaero/internal/services/config"
	"github.com/ternarybob/quaero/internal/services/events"
	"github.com/ternarybob/quaero/internal/services/scheduler"
	"github.com/ternarybob/quaero/internal/settings"
	"github.com/ternarybob/quaero/internal/storage"
	"github.com/ternarybob/quaero/internal/supervisor"
)

// App holds every component and service the fleet controller needs, wired
// together once at startup and handed to the HTTP server as a single unit.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	ctx       context.Context
	cancelCtx context.CancelFunc

	StorageManager interfaces.StorageManager

	// Core components (C1-C8)
	Registry     *registry.Registry
	BrowserStore *browserstore.Store
	Reconciler   *reconciler.Reconciler
	Queue        *queue.Manager
	Supervisor   *supervisor.Supervisor
	Ingest       *ingest.Service
	Settings     *settings.Provider

	// Ambient services
	EventService     interfaces.EventService
	ConfigService    *config.Service
	SchedulerService *scheduler.Service
	TaskEvents       *events.TaskEventAggregator

	// HTTP handlers
	TaskHandler     *handlers.TaskHandler
	QueueHandler    *handlers.QueueHandler
	SiteHandler     *handlers.SiteHandler
	SettingsHandler *handlers.SettingsHandler
	ConfigHandler   *handlers.ConfigHandler
	HealthHandler   *handlers.HealthHandler
	WSHandler       *handlers.WebSocketHandler
}

// New constructs and wires the full application. The construction order
// matters: the queue manager (C5) and process supervisor (C6) have a
// circular runtime dependency on each other (queue asks the supervisor
// which sites are running; supervisor pulls ready tasks the queue admitted)
// that is broken by constructing the queue first and wiring the supervisor
// in afterward via SetRunningSiteChecker.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	a.ctx, a.cancelCtx = context.WithCancel(context.Background())

	storageManager, err := storage.NewStorageManager(logger, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.StorageManager = storageManager

	a.EventService = events.NewService(logger)
	if err := events.SubscribeLoggerToAllEvents(a.EventService, logger); err != nil {
		return nil, fmt.Errorf("failed to subscribe event logger: %w", err)
	}

	configSvc, err := config.NewService(cfg, storageManager.KeyValueStorage(), a.EventService, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize config service: %w", err)
	}
	a.ConfigService = configSvc

	a.BrowserStore = browserstore.New(storageManager.BrowserStateStorage(), logger)
	a.Registry = registry.New(storageManager.CrawlerStorage(), storageManager.BrowserStateStorage(),
		cfg.Seeds.SiteConfigDir, cfg.Seeds.CredentialsPath, logger)
	if err := a.Registry.Initialize(a.ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize site registry: %w", err)
	}

	a.Reconciler = reconciler.New(storageManager.TaskStorage(), logger)
	a.Ingest = ingest.New(storageManager.ResultStorage(), storageManager.TaskStorage(), logger)

	a.Settings = settings.New(storageManager.SettingsStorage(), logger)
	if err := a.Settings.Initialize(a.ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize settings: %w", err)
	}

	a.Queue = queue.New(a.Reconciler, logger)

	a.Supervisor = supervisor.New(a.Queue, a.Reconciler, supervisor.Config{
		WorkerBinaryPath: cfg.Worker.BinaryPath,
		LogDir:           cfg.Worker.LogDir,
		MaxConcurrency:   cfg.Supervisor.MaxConcurrency,
		TaskTimeoutSec:   cfg.Supervisor.TaskTimeoutSeconds,
	}, logger)
	a.Queue.SetRunningSiteChecker(a.Supervisor)

	a.TaskEvents = events.NewTaskEventAggregator(time.Second, a.broadcastTaskEvents, logger)

	if err := a.initHandlers(); err != nil {
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	if err := a.initScheduler(); err != nil {
		return nil, fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	a.Supervisor.Start(a.ctx)
	a.TaskEvents.StartPeriodicFlush(a.ctx)

	logger.Info().
		Int("max_concurrency", cfg.Supervisor.MaxConcurrency).
		Bool("checkin_enabled", cfg.Checkin.Enabled).
		Msg("fleet controller initialized")

	return a, nil
}

func (a *App) initHandlers() error {
	a.TaskHandler = handlers.NewTaskHandler(a.Queue, a.Reconciler, a.Registry, a.TaskEvents, a.Logger)
	a.QueueHandler = handlers.NewQueueHandler(a.Queue, a.Supervisor, a.Registry, a.Logger)
	a.SiteHandler = handlers.NewSiteHandler(a.Registry, a.EventService, a.Logger)
	a.SettingsHandler = handlers.NewSettingsHandler(a.Settings, a.Logger)
	a.ConfigHandler = handlers.NewConfigHandler(a.ConfigService, a.StorageManager.KeyValueStorage(), a.EventService, a.Logger)
	a.HealthHandler = handlers.NewHealthHandler(a.StorageManager, a.Supervisor, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.Logger)

	if err := a.EventService.Subscribe(interfaces.EventSiteConfigUpdated, a.broadcastSiteEvent); err != nil {
		return fmt.Errorf("failed to subscribe to site config updates: %w", err)
	}
	if err := a.EventService.Subscribe(interfaces.EventSiteConfigDeleted, a.broadcastSiteEvent); err != nil {
		return fmt.Errorf("failed to subscribe to site config deletions: %w", err)
	}
	return nil
}

// broadcastTaskEvents fans a batch of task-status changes out to every
// connected /ws/tasks subscriber. Wired as the aggregator's onTrigger.
func (a *App) broadcastTaskEvents(ctx context.Context, taskIDs []string, terminal bool) {
	a.WSHandler.Broadcast(map[string]interface{}{
		"type":     "task_status_changed",
		"task_ids": taskIDs,
		"terminal": terminal,
	})
}

// broadcastSiteEvent fans a registry change out over the same /ws/tasks
// connection set, subscribed through EventService rather than called
// directly so the site handlers stay decoupled from the websocket layer.
func (a *App) broadcastSiteEvent(ctx context.Context, event interfaces.Event) error {
	a.WSHandler.Broadcast(map[string]interface{}{
		"type":    string(event.Type),
		"site_id": event.Payload,
	})
	return nil
}

// initScheduler registers the optional daily check-in pass on top of the
// robfig/cron-backed scheduler service; the supervisor's own 5s tick is a
// plain time.Ticker and unaffected by this.
func (a *App) initScheduler() error {
	a.SchedulerService = scheduler.NewService(a.Logger)

	if !a.Config.Checkin.Enabled {
		a.Logger.Info().Msg("daily check-in pass disabled by configuration")
		return a.SchedulerService.Start()
	}

	schedule := a.Config.Checkin.Schedule
	if schedule == "" {
		schedule = "0 2 * * *"
	}
	if err := common.ValidateSchedule(schedule); err != nil {
		return fmt.Errorf("invalid checkin schedule %q: %w", schedule, err)
	}

	if err := a.SchedulerService.RegisterJob("daily-checkin", schedule, a.runCheckinPass); err != nil {
		return fmt.Errorf("failed to register check-in job: %w", err)
	}

	return a.SchedulerService.Start()
}

// runCheckinPass admits one check-in task per configured, known site. It
// reuses the ordinary task admission path (C5); the worker distinguishes a
// check-in run from a scrape run via task_metadata.
func (a *App) runCheckinPass() error {
	ctx := context.Background()
	sites := a.Config.Checkin.Sites
	if len(sites) == 0 {
		a.Logger.Debug().Msg("check-in pass: no sites configured, skipping")
		return nil
	}

	admitted := 0
	for _, siteID := range sites {
		setup, ok := a.Registry.GetSiteSetup(siteID)
		if !ok || !setup.Runtime.Enabled {
			continue
		}
		if _, err := a.Queue.AddTask(ctx, queue.TaskCreate{
			SiteID:   siteID,
			Metadata: map[string]interface{}{"kind": "checkin"},
		}); err != nil {
			a.Logger.Warn().Err(err).Str("site_id", siteID).Msg("failed to admit check-in task")
			continue
		}
		admitted++
	}

	a.Logger.Info().Int("admitted", admitted).Int("configured", len(sites)).Msg("daily check-in pass complete")
	return nil
}

// Close shuts down every background loop and the storage layer, in reverse
// dependency order.
func (a *App) Close() error {
	a.Logger.Info().Msg("shutting down fleet controller")

	if a.SchedulerService != nil {
		a.SchedulerService.Stop()
	}

	if a.Supervisor != nil {
		a.Supervisor.Cleanup(context.Background())
	}
	if a.Queue != nil {
		a.Queue.Cleanup(context.Background())
	}

	if a.cancelCtx != nil {
		a.cancelCtx()
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("failed to close event service")
		}
	}

	common.Stop()

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("storage closed")
	}
	return nil
}
