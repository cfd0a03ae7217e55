package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	watchdog "github.com/goliatone/go-watchdog"
	"github.com/goliatone/go-watchdog/durable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) *Globals {
	t.Helper()
	path := filepath.Join(t.TempDir(), "watchdog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return &Globals{Config: path, LogLevel: "error"}
}

func TestSQLiteStoreIsLockedForExclusiveUse(t *testing.T) {
	db := filepath.Join(t.TempDir(), "state.db")
	g := writeConfig(t, "store: {backend: sqlite, sqlite: {path: "+db+"}}\n")
	ctx := context.Background()

	first, err := loadApp(g)
	require.NoError(t, err)
	require.NoError(t, first.openStore(ctx, true))

	second, err := loadApp(g)
	require.NoError(t, err)
	err = second.openStore(ctx, true)
	require.Error(t, err)
	assert.True(t, durable.HasCode(err, "STORE_LOCKED"))

	reader, err := loadApp(g)
	require.NoError(t, err)
	require.NoError(t, reader.openStore(ctx, false))
	require.NoError(t, reader.close())

	require.NoError(t, first.close())
	require.NoError(t, second.openStore(ctx, true))
	require.NoError(t, second.close())
}

func TestDetachedGatewayReadsStatus(t *testing.T) {
	db := filepath.Join(t.TempDir(), "state.db")
	g := writeConfig(t, "store: {backend: sqlite, sqlite: {path: "+db+"}}\n")
	ctx := context.Background()

	a, err := loadApp(g)
	require.NoError(t, err)
	require.NoError(t, a.openStore(ctx, false))
	defer a.close()

	_, gw, err := a.gateway(nil, true)
	require.NoError(t, err)

	_, err = gw.GetStatus(ctx, "P1")
	assert.True(t, watchdog.HasCode(err, watchdog.ErrCodeNotFound))

	purged, err := gw.PurgeHistory(ctx)
	require.NoError(t, err)
	assert.Zero(t, purged)
}

func TestServeRequiresTaskServiceURL(t *testing.T) {
	a, err := loadApp(&Globals{})
	require.NoError(t, err)
	require.NoError(t, a.openStore(context.Background(), true))

	_, _, err = a.gateway(nil, false)
	require.Error(t, err)
	assert.True(t, watchdog.HasCode(err, watchdog.ErrCodeInvalidArgument))
}
