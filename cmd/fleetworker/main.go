// Command fleetworker is the minimal stand-in scraper worker: no real
// browser-automation worker binary is in scope, so this command honors the
// supervisor's worker contract (flags, exit codes, C3/C7 writes) closely
// enough that the process supervisor can be exercised end-to-end against a
// real child process rather than a mock.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/browserstore"
	"github.com/ternarybob/quaero/internal/common"
	"github.com/ternarybob/quaero/internal/ingest"
	"github.com/ternarybob/quaero/internal/models"
	"github.com/ternarybob/quaero/internal/reconciler"
	"github.com/ternarybob/quaero/internal/registry"
	"github.com/ternarybob/quaero/internal/storage"
)

func main() {
	siteID := flag.String("site_id", "", "site to scrape")
	taskID := flag.String("task_id", "", "task identifier assigned by the supervisor")
	flag.Parse()

	logger := arbor.NewLogger().WithLevelFromString("info")

	if *siteID == "" || *taskID == "" {
		logger.Error().Msg("--site_id and --task_id are required")
		os.Exit(1)
	}

	if err := run(logger, *siteID, *taskID); err != nil {
		logger.Error().Err(err).Str("site_id", *siteID).Str("task_id", *taskID).Msg("worker run failed")
		os.Exit(1)
	}
}

func run(logger arbor.ILogger, siteID, taskID string) error {
	ctx := context.Background()

	var configFiles []string
	if _, err := os.Stat("fleetctl.toml"); err == nil {
		configFiles = append(configFiles, "fleetctl.toml")
	} else if _, err := os.Stat("deployments/local/fleetctl.toml"); err == nil {
		configFiles = append(configFiles, "deployments/local/fleetctl.toml")
	}
	config, err := common.LoadFromFiles(nil, configFiles...)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	storageManager, err := storage.NewStorageManager(logger, config)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer storageManager.Close()

	reg := registry.New(storageManager.CrawlerStorage(), storageManager.BrowserStateStorage(),
		config.Seeds.SiteConfigDir, config.Seeds.CredentialsPath, logger)
	if err := reg.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize site registry: %w", err)
	}

	setup, ok := reg.GetSiteSetup(siteID)
	if !ok {
		return fmt.Errorf("site %s not found in registry", siteID)
	}

	recon := reconciler.New(storageManager.TaskStorage(), logger)
	browser := browserstore.New(storageManager.BrowserStateStorage(), logger)
	results := ingest.New(storageManager.ResultStorage(), storageManager.TaskStorage(), logger)

	if setup.Credential == nil {
		recon.UpdateTaskStatus(ctx, taskID, models.TaskStatusFailed, "no credential configured", &models.ErrorDetails{
			Code: "no_credential", Stage: "login",
		}, nil, nil)
		return fmt.Errorf("site %s has no credential configured", siteID)
	}

	logger.Info().Str("site_id", siteID).Str("task_id", taskID).Msg("worker starting scrape")

	// Simulate scrape latency; a real worker would drive a headless
	// browser here via setup.Config/setup.Credential.
	time.Sleep(250 * time.Millisecond)

	if err := browser.Save(ctx, &models.BrowserState{
		SiteID:    siteID,
		Cookies:   "{}",
		UpdatedAt: time.Now().Unix(),
	}); err != nil {
		return fmt.Errorf("failed to persist browser state: %w", err)
	}

	task, err := recon.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to read task: %w", err)
	}
	if task == nil {
		return fmt.Errorf("task %s not found", taskID)
	}

	if kind, _ := task.Metadata["kind"].(string); kind == "checkin" {
		if err := results.SaveCheckinResult(ctx, &models.CheckInResult{
			TaskID:      taskID,
			SiteID:      siteID,
			Result:      "success",
			CheckinDate: time.Now().Unix(),
			LastRunAt:   time.Now().Unix(),
		}); err != nil {
			return fmt.Errorf("failed to save check-in result: %w", err)
		}
	} else {
		if err := results.SaveResult(ctx, syntheticResult(siteID, taskID)); err != nil {
			return fmt.Errorf("failed to save result: %w", err)
		}
	}

	logger.Info().Str("site_id", siteID).Str("task_id", taskID).Msg("worker finished scrape")
	return nil
}

// syntheticResult stands in for real scraped stats; a production worker
// would populate these fields from the site's parsed profile page.
func syntheticResult(siteID, taskID string) *models.Result {
	upload := 1024 * 1024 * float64(rand.Intn(1000)+1)
	return &models.Result{
		TaskID:   taskID,
		SiteID:   siteID,
		Upload:   upload,
		Download: upload / 2,
		Ratio:    2.0,
	}
}
