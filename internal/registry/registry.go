// Package registry implements the Site Configuration Registry (C2): the
// authoritative in-memory map site_id -> SiteSetup that every other
// component consults, bootstrapped from the persistent store and filesystem
// seeds.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/quaero/internal/interfaces"
	"github.com/ternarybob/quaero/internal/models"
)

// Registry is the Site Configuration Registry (C2).
type Registry struct {
	crawlers interfaces.CrawlerStorage
	browser  interfaces.BrowserStateStorage
	logger   arbor.ILogger

	siteConfigDir   string
	credentialsPath string

	mu    sync.RWMutex
	sites map[string]models.SiteSetup
}

// New creates a Registry. Call Initialize before use.
func New(crawlers interfaces.CrawlerStorage, browser interfaces.BrowserStateStorage, siteConfigDir, credentialsPath string, logger arbor.ILogger) *Registry {
	return &Registry{
		crawlers:        crawlers,
		browser:         browser,
		siteConfigDir:   siteConfigDir,
		credentialsPath: credentialsPath,
		logger:          logger,
		sites:           make(map[string]models.SiteSetup),
	}
}

// Initialize loads every crawler aggregate from the store, composes
// SiteSetups, then scans the filesystem seed directory for sites not yet in
// the store and onboards them.
func (r *Registry) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.loadFromStoreLocked(ctx); err != nil {
		return err
	}

	if err := r.loadSeedsLocked(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("failed to load filesystem seeds")
	}

	r.logger.Info().Int("site_count", len(r.sites)).Msg("site configuration registry initialized")
	return nil
}

// loadFromStoreLocked loads every crawler aggregate from the store and
// composes SiteSetups, without touching the filesystem seed directory.
// Callers must hold r.mu.
func (r *Registry) loadFromStoreLocked(ctx context.Context) error {
	configs, err := r.crawlers.ListSiteConfigs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list site configs: %w", err)
	}

	for _, cfg := range configs {
		setup, err := r.composeLocked(ctx, cfg.SiteID, cfg)
		if err != nil {
			r.logger.Warn().Err(err).Str("site_id", cfg.SiteID).Msg("failed to compose site setup from store")
			continue
		}
		r.sites[cfg.SiteID] = *setup
	}
	return nil
}

func (r *Registry) composeLocked(ctx context.Context, siteID string, cfg *models.SiteConfig) (*models.SiteSetup, error) {
	crawler, err := r.crawlers.GetCrawler(ctx, siteID)
	if err != nil {
		return nil, err
	}
	if crawler == nil {
		crawler = &models.Crawler{SiteID: siteID}
	}

	runtime, err := r.crawlers.GetCrawlerConfig(ctx, siteID)
	if err != nil {
		return nil, err
	}
	if runtime == nil {
		runtime = &models.CrawlerConfig{SiteID: siteID, Enabled: true, Headless: true, LoginMaxRetry: 3}
	}

	cred, err := r.crawlers.GetCredential(ctx, siteID)
	if err != nil {
		return nil, err
	}

	return &models.SiteSetup{
		SiteID:     siteID,
		Config:     *cfg,
		Runtime:    *runtime,
		Credential: cred,
	}, nil
}

// seedSiteConfig is the on-disk shape of a <site_id>.json seed file.
type seedSiteConfig struct {
	SiteID        string                    `json:"site_id"`
	SiteURL       string                    `json:"site_url"`
	LoginConfig   *models.LoginConfig       `json:"login_config,omitempty"`
	ExtractRules  *models.ExtractRules      `json:"extract_rules,omitempty"`
	CheckinConfig *models.CheckinDescriptor `json:"checkin_config,omitempty"`
}

// credentialRecord is one entry of credentials.json, keyed by site_id or "global".
type credentialRecord struct {
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
	Authorization string `json:"authorization,omitempty"`
	APIKey        string `json:"apikey,omitempty"`
	ManualCookies string `json:"manual_cookies,omitempty"`
	Enabled       bool   `json:"enabled"`
}

func (r *Registry) loadSeedsLocked(ctx context.Context) error {
	entries, err := os.ReadDir(r.siteConfigDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read seed directory %s: %w", r.siteConfigDir, err)
	}

	credentials := r.loadCredentialsLocked()

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		siteID := strings.TrimSuffix(entry.Name(), ".json")
		if _, exists := r.sites[siteID]; exists {
			continue
		}

		path := filepath.Join(r.siteConfigDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn().Err(err).Str("path", path).Msg("failed to read seed file")
			continue
		}

		var seed seedSiteConfig
		if err := json.Unmarshal(data, &seed); err != nil {
			r.logger.Warn().Err(err).Str("path", path).Msg("failed to parse seed file")
			continue
		}
		if seed.SiteID == "" {
			seed.SiteID = siteID
		}
		if seed.SiteURL == "" {
			r.logger.Warn().Str("site_id", seed.SiteID).Msg("seed missing site_url, rejected")
			continue
		}

		cfg := &models.SiteConfig{
			SiteID:        seed.SiteID,
			SiteURL:       seed.SiteURL,
			LoginConfig:   seed.LoginConfig,
			ExtractRules:  seed.ExtractRules,
			CheckinConfig: seed.CheckinConfig,
		}
		runtime := &models.CrawlerConfig{SiteID: seed.SiteID, Enabled: true, Headless: true, LoginMaxRetry: 3}
		cred := selectCredential(seed.SiteID, credentials)

		if err := r.persistNewSiteLocked(ctx, cfg, runtime, cred); err != nil {
			r.logger.Warn().Err(err).Str("site_id", seed.SiteID).Msg("failed to persist seeded site")
			continue
		}

		r.sites[seed.SiteID] = models.SiteSetup{
			SiteID:     seed.SiteID,
			Config:     *cfg,
			Runtime:    *runtime,
			Credential: cred,
		}
	}
	return nil
}

// selectCredential resolves credential precedence: per-site (if enabled) >
// global (if enabled) > nil.
func selectCredential(siteID string, records map[string]credentialRecord) *models.CrawlerCredential {
	if rec, ok := records[siteID]; ok && rec.Enabled {
		return toCredential(siteID, rec)
	}
	if rec, ok := records["global"]; ok && rec.Enabled {
		return toCredential(siteID, rec)
	}
	return nil
}

func toCredential(siteID string, rec credentialRecord) *models.CrawlerCredential {
	return &models.CrawlerCredential{
		SiteID:              siteID,
		EnableManualCookies: rec.ManualCookies != "",
		ManualCookies:       rec.ManualCookies,
		Username:            rec.Username,
		Password:            rec.Password,
		Authorization:       rec.Authorization,
		APIKey:              rec.APIKey,
	}
}

func (r *Registry) loadCredentialsLocked() map[string]credentialRecord {
	records := map[string]credentialRecord{}
	if r.credentialsPath == "" {
		return records
	}
	data, err := os.ReadFile(r.credentialsPath)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn().Err(err).Str("path", r.credentialsPath).Msg("failed to read credentials file")
		}
		return records
	}
	if err := json.Unmarshal(data, &records); err != nil {
		r.logger.Warn().Err(err).Str("path", r.credentialsPath).Msg("failed to parse credentials file")
	}
	return records
}

func (r *Registry) persistNewSiteLocked(ctx context.Context, cfg *models.SiteConfig, runtime *models.CrawlerConfig, cred *models.CrawlerCredential) error {
	if err := r.crawlers.EnsureCrawler(ctx, cfg.SiteID); err != nil {
		return err
	}
	if err := r.crawlers.SaveSiteConfig(ctx, cfg); err != nil {
		return err
	}
	if err := r.crawlers.SaveCrawlerConfig(ctx, runtime); err != nil {
		return err
	}
	if cred != nil {
		if err := r.crawlers.SaveCredential(ctx, cred); err != nil {
			return err
		}
	}
	return nil
}

// GetSiteSetup is a pure read of the in-memory map.
func (r *Registry) GetSiteSetup(siteID string) (models.SiteSetup, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	setup, ok := r.sites[siteID]
	return setup, ok
}

// GetAvailableSites returns a snapshot of the whole map. Callers must treat
// it as immutable.
func (r *Registry) GetAvailableSites() map[string]models.SiteSetup {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot := make(map[string]models.SiteSetup, len(r.sites))
	for k, v := range r.sites {
		snapshot[k] = v
	}
	return snapshot
}

// SiteSetupUpdate carries the partial fields update_site_setup may apply.
type SiteSetupUpdate struct {
	SiteConfig        *models.SiteConfig
	CrawlerConfig     *models.CrawlerConfig
	CrawlerCredential *models.CrawlerCredential
	BrowserState      *models.BrowserState
	LoggedIn          *bool
}

// UpdateSiteSetup upserts each provided part in a single logical operation.
// If no Crawler row exists yet, a default one is synthesized first. The
// in-memory map is only updated after every store write succeeds.
func (r *Registry) UpdateSiteSetup(ctx context.Context, siteID string, update SiteSetupUpdate) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.crawlers.EnsureCrawler(ctx, siteID); err != nil {
		return false, fmt.Errorf("failed to ensure crawler row: %w", err)
	}

	if update.SiteConfig != nil {
		update.SiteConfig.SiteID = siteID
		if err := r.crawlers.SaveSiteConfig(ctx, update.SiteConfig); err != nil {
			return false, fmt.Errorf("failed to save site config: %w", err)
		}
	}
	if update.CrawlerConfig != nil {
		update.CrawlerConfig.SiteID = siteID
		if err := r.crawlers.SaveCrawlerConfig(ctx, update.CrawlerConfig); err != nil {
			return false, fmt.Errorf("failed to save crawler config: %w", err)
		}
	}
	if update.CrawlerCredential != nil {
		update.CrawlerCredential.SiteID = siteID
		if err := r.crawlers.SaveCredential(ctx, update.CrawlerCredential); err != nil {
			return false, fmt.Errorf("failed to save credential: %w", err)
		}
	}
	if update.BrowserState != nil {
		update.BrowserState.SiteID = siteID
		if err := r.browser.Save(ctx, update.BrowserState); err != nil {
			return false, fmt.Errorf("failed to save browser state: %w", err)
		}
	}
	if update.LoggedIn != nil {
		if err := r.crawlers.SetLoginStatus(ctx, siteID, *update.LoggedIn, time.Now().Unix()); err != nil {
			return false, fmt.Errorf("failed to update login status: %w", err)
		}
	}

	cfg, err := r.crawlers.GetSiteConfig(ctx, siteID)
	if err != nil {
		return false, err
	}
	if cfg == nil {
		return false, fmt.Errorf("site %s has no site config after update", siteID)
	}
	setup, err := r.composeLocked(ctx, siteID, cfg)
	if err != nil {
		return false, err
	}
	r.sites[siteID] = *setup
	return true, nil
}

// DeleteSiteSetup deletes the Crawler row (cascading its children in the
// store) and removes the in-memory entry.
func (r *Registry) DeleteSiteSetup(ctx context.Context, siteID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.crawlers.DeleteSiteConfig(ctx, siteID); err != nil {
		return false, fmt.Errorf("failed to delete site config: %w", err)
	}
	delete(r.sites, siteID)
	return true, nil
}

// Reload replaces either a single entry or the whole map. With all=true,
// fromLocal controls whether the filesystem seed directory is rescanned: a
// store-only reload (fromLocal=false) never touches the filesystem and
// never writes new rows to it, matching the original's `_load_site_setup(db)`-
// only behavior for this path.
func (r *Registry) Reload(ctx context.Context, siteID string, all bool, fromLocal bool) error {
	if all {
		r.mu.Lock()
		r.sites = make(map[string]models.SiteSetup)
		if err := r.loadFromStoreLocked(ctx); err != nil {
			r.mu.Unlock()
			return err
		}
		if !fromLocal {
			count := len(r.sites)
			r.mu.Unlock()
			r.logger.Info().Int("site_count", count).Msg("site configuration registry reloaded from store")
			return nil
		}
		err := r.loadSeedsLocked(ctx)
		r.mu.Unlock()
		return err
	}

	if siteID == "" {
		return fmt.Errorf("reload requires site_id when all=false")
	}

	cfg, err := r.crawlers.GetSiteConfig(ctx, siteID)
	if err != nil {
		return err
	}
	if cfg == nil {
		return fmt.Errorf("site %s not found in store", siteID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	setup, err := r.composeLocked(ctx, siteID, cfg)
	if err != nil {
		return err
	}
	r.sites[siteID] = *setup
	return nil
}
