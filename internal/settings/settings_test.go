package settings

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/quaero/internal/common"
	"github.com/ternarybob/quaero/internal/storage/sqlite"
)

func setupProvider(t *testing.T) (*Provider, func()) {
	tempDir := t.TempDir()
	db, err := sqlite.NewSQLiteDB(arbor.NewLogger(), &common.SQLiteConfig{
		Path: tempDir + "/test.db", CacheSizeMB: 10, BusyTimeoutMS: 5000,
	})
	require.NoError(t, err)
	storage := sqlite.NewSettingsStorage(db, arbor.NewLogger())
	return New(storage, arbor.NewLogger()), func() { db.Close() }
}

func TestProvider_Initialize_CreatesDefaultsOnEmptyStore(t *testing.T) {
	p, cleanup := setupProvider(t)
	defer cleanup()

	require.NoError(t, p.Initialize(context.Background()))

	got := p.Get()
	assert.Equal(t, 8, got.CrawlerMaxConcurrency)
	assert.True(t, got.Headless)
	assert.True(t, got.EnableCheckin)
	assert.NotZero(t, got.CreatedAt)
}

func TestProvider_Initialize_IsIdempotent(t *testing.T) {
	p, cleanup := setupProvider(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, p.Initialize(ctx))
	first := p.Get()

	p2 := New(p.storage, arbor.NewLogger())
	require.NoError(t, p2.Initialize(ctx))
	second := p2.Get()

	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestProvider_Set_UpdatesAndPersists(t *testing.T) {
	p, cleanup := setupProvider(t)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, p.Initialize(ctx))

	require.NoError(t, p.Set(ctx, "crawler_max_concurrency", 16))
	assert.Equal(t, 16, p.Get().CrawlerMaxConcurrency)

	p2 := New(p.storage, arbor.NewLogger())
	require.NoError(t, p2.Initialize(ctx))
	assert.Equal(t, 16, p2.Get().CrawlerMaxConcurrency)
}

func TestProvider_Set_RejectsInvalidValue(t *testing.T) {
	p, cleanup := setupProvider(t)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, p.Initialize(ctx))

	err := p.Set(ctx, "crawler_max_concurrency", 0)
	assert.Error(t, err)
}

// TestProvider_Initialize_SkipsChromeDownloadByDefault confirms ensureChromeBinary
// never reaches the network during ordinary Initialize: with no pre-staged
// package and chrome_auto_download left at its default of false, it must warn
// and leave chrome_path empty rather than block on a snapshot download.
func TestProvider_Initialize_SkipsChromeDownloadByDefault(t *testing.T) {
	p, cleanup := setupProvider(t)
	defer cleanup()

	require.NoError(t, p.Initialize(context.Background()))
	assert.Empty(t, p.Get().ChromePath)
	assert.False(t, p.Get().ChromeAutoDownload)
}

// TestProvider_EnsureChromeBinary_ExtractsStagedPackage covers the
// idempotent-if-present path end to end without any network access: a zip
// staged at the expected path is extracted, chmod'd, and chrome_path is set.
func TestProvider_EnsureChromeBinary_ExtractsStagedPackage(t *testing.T) {
	p, cleanup := setupProvider(t)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, p.Initialize(ctx))

	storageDir := t.TempDir()
	require.NoError(t, p.Set(ctx, "crawler_max_concurrency", 8)) // no-op, keeps Set exercised
	p.mu.Lock()
	p.settings.StoragePath = storageDir
	p.settings.ChromeAutoDownload = true
	p.mu.Unlock()

	_, zipName := chromiumPlatformTarget()
	chromeDir := filepath.Join(storageDir, "chrome")
	require.NoError(t, os.MkdirAll(chromeDir, 0o755))
	writeStubChromePackage(t, filepath.Join(chromeDir, zipName))

	require.NoError(t, p.ensureChromeBinary(ctx))

	_, exePath := chromeAppPath(chromeDir)
	assert.Equal(t, exePath, p.Get().ChromePath)
	info, err := os.Stat(exePath)
	require.NoError(t, err)
	assert.False(t, info.IsDir())
}

// writeStubChromePackage builds a zip at path laid out exactly like the real
// Chromium snapshot archives (a single top-level chrome-* directory holding
// the executable), so extractZip/chromeAppPath agree on the resulting path.
func writeStubChromePackage(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	chromeDir := filepath.Dir(path)
	_, exePath := chromeAppPath(chromeDir)
	rel, err := filepath.Rel(chromeDir, exePath)
	require.NoError(t, err)

	zw := zip.NewWriter(f)
	w, err := zw.Create(filepath.ToSlash(rel))
	require.NoError(t, err)
	_, err = w.Write([]byte("#!/bin/sh\necho stub chrome\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
}

func TestZipIntact_MissingFile(t *testing.T) {
	assert.False(t, zipIntact(filepath.Join(t.TempDir(), "missing.zip")))
}

func TestZipIntact_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.zip")
	require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0o644))
	assert.False(t, zipIntact(path))
}

func TestZipIntact_ValidArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "good.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("chrome-linux/chrome")
	require.NoError(t, err)
	_, err = w.Write([]byte("binary"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	assert.True(t, zipIntact(path))
}

func TestProvider_Set_UnknownKey(t *testing.T) {
	p, cleanup := setupProvider(t)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, p.Initialize(ctx))

	err := p.Set(ctx, "not_a_real_key", "x")
	assert.Error(t, err)
}
