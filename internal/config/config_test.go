// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptctl/fleet/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultSecretRefused(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvariant)
}

func TestDefaultSecretAllowedExplicitly(t *testing.T) {
	path := writeConfig(t, `allowDefaultSecret = true`)
	cfg, err := New(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 8, cfg.RSSFreeCheckConcurrency)
	assert.True(t, cfg.HTTPVerifyTLS)
}

func TestConfigFileValues(t *testing.T) {
	path := writeConfig(t, `
sessionSecret = "real-secret"
dataDir = "/var/lib/fleet"
logLevel = "debug"
httpVerifyTls = false
rssFreeCheckConcurrency = 4
`)
	cfg, err := New(path)
	require.NoError(t, err)
	assert.Equal(t, "real-secret", cfg.SessionSecret)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.False(t, cfg.HTTPVerifyTLS)
	assert.Equal(t, 4, cfg.RSSFreeCheckConcurrency)
	// Database path defaults next to the data dir.
	assert.Equal(t, filepath.Join("/var/lib/fleet", "fleet.db"), cfg.DatabasePath)
}

func TestExplicitDatabasePath(t *testing.T) {
	path := writeConfig(t, `
sessionSecret = "real-secret"
databasePath = "/custom/fleet.db"
`)
	cfg, err := New(path)
	require.NoError(t, err)
	assert.Equal(t, "/custom/fleet.db", cfg.DatabasePath)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := New("/nonexistent/config.toml")
	assert.Error(t, err)
}
