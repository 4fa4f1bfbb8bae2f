// Package browserstore implements the Browser Session Store (C3): a
// validating repository over per-site cookies and web storage, reused by
// workers so a login does not have to be repeated on every run.
package browserstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/quaero/internal/interfaces"
	"github.com/ternarybob/quaero/internal/models"
)

// Cookie is the shape validated within BrowserState.Cookies before a save.
type Cookie struct {
	Value  string `json:"value"`
	Domain string `json:"domain"`
	Path   string `json:"path"`
}

// Store is the Browser Session Store (C3).
type Store struct {
	storage interfaces.BrowserStateStorage
	logger  arbor.ILogger
}

// New creates a Store backed by the given repository.
func New(storage interfaces.BrowserStateStorage, logger arbor.ILogger) *Store {
	return &Store{storage: storage, logger: logger}
}

// Save validates structural invariants before writing: cookie keys/values
// are strings, each cookie carries value/domain/path, and storage maps hold
// only string values. Invalid state is rejected rather than persisted.
func (s *Store) Save(ctx context.Context, state *models.BrowserState) error {
	if err := validateCookies(state.Cookies); err != nil {
		return fmt.Errorf("invalid browser state for site %s: %w", state.SiteID, err)
	}
	if err := validateStringMap(state.LocalStorage); err != nil {
		return fmt.Errorf("invalid local_storage for site %s: %w", state.SiteID, err)
	}
	if err := validateStringMap(state.SessionStorage); err != nil {
		return fmt.Errorf("invalid session_storage for site %s: %w", state.SiteID, err)
	}
	return s.storage.Save(ctx, state)
}

// Get returns a site's browser state, re-validating on read and returning
// (nil, nil) for a structurally invalid record rather than surfacing it.
func (s *Store) Get(ctx context.Context, siteID string) (*models.BrowserState, error) {
	state, err := s.storage.Get(ctx, siteID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, nil
	}
	if err := validateCookies(state.Cookies); err != nil {
		s.logger.Warn().Err(err).Str("site_id", siteID).Msg("discarding invalid stored browser state")
		return nil, nil
	}
	return state, nil
}

// Delete removes a site's browser state, forcing a fresh login next run.
func (s *Store) Delete(ctx context.Context, siteID string) error {
	return s.storage.Delete(ctx, siteID)
}

// GetAll returns browser state for every site that has one.
func (s *Store) GetAll(ctx context.Context) ([]*models.BrowserState, error) {
	return s.storage.GetAll(ctx)
}

func validateCookies(raw string) error {
	if raw == "" {
		return nil
	}
	var cookies map[string]Cookie
	if err := json.Unmarshal([]byte(raw), &cookies); err != nil {
		return fmt.Errorf("cookies must decode to a map of cookie objects: %w", err)
	}
	for name, c := range cookies {
		if c.Value == "" || c.Domain == "" || c.Path == "" {
			return fmt.Errorf("cookie %q missing one of value/domain/path", name)
		}
	}
	return nil
}

func validateStringMap(raw string) error {
	if raw == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return fmt.Errorf("storage must decode to a map of string values: %w", err)
	}
	return nil
}
