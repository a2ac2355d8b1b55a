package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunward-labs/chatpipe/internal/model"
)

func writeTenantFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadTenantFile(t *testing.T) {
	path := writeTenantFile(t, `
tenants:
  - id: acme
    name: Acme Corp
    feed_url: https://exports.acme.test/chats.csv
    feed_user: feeduser
    feed_pass: feedpass
    status: active
  - id: globex
    name: Globex
    feed_url: ftp://feeds.globex.test/export.csv
`)

	tenants, err := loadTenantFile(path)
	require.NoError(t, err)
	require.Len(t, tenants, 2)

	assert.Equal(t, "acme", tenants[0].ID)
	assert.Equal(t, "feeduser", tenants[0].FeedUser)
	assert.Equal(t, model.TenantActive, tenants[0].Status)

	// Status defaults to active when omitted.
	assert.Equal(t, model.TenantActive, tenants[1].Status)
}

func TestLoadTenantFile_InvalidStatus(t *testing.T) {
	path := writeTenantFile(t, `
tenants:
  - id: acme
    status: suspended
`)

	_, err := loadTenantFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid status")
}

func TestLoadTenantFile_MissingID(t *testing.T) {
	path := writeTenantFile(t, `
tenants:
  - name: No ID Inc
`)

	_, err := loadTenantFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no id")
}

func TestLoadTenantFile_Empty(t *testing.T) {
	path := writeTenantFile(t, "tenants: []\n")

	_, err := loadTenantFile(path)
	require.Error(t, err)
}

func TestLoadTenantFile_NotFound(t *testing.T) {
	_, err := loadTenantFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
