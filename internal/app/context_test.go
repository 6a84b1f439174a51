package app

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digiqc/internal/config"
	"digiqc/internal/db"
	"digiqc/internal/domain"
)

func TestOpenWithoutBackendQueuesOffline(t *testing.T) {
	ctx := context.Background()
	rt, err := Open(ctx, t.TempDir(), Options{LogOutput: io.Discard})
	require.NoError(t, err)
	defer rt.Close()

	assert.Nil(t, rt.Remote)
	assert.NotEmpty(t, rt.Issuer.Secret, "a secret is generated when none is configured")
	require.NotNil(t, rt.Engine.Probe)
	assert.False(t, rt.Engine.Probe.Ping(ctx))

	rt.Queue.Enqueue(ctx, domain.SyncImageUpload, domain.ImageUpload{DraftID: "d1", URI: "file:///a.jpg"})
	rep, err := rt.Engine.FlushOnce(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Offline)
	assert.Equal(t, 0, rep.Attempted)
}

func TestOpenFileBackendPersistsAcrossRuns(t *testing.T) {
	ctx := context.Background()
	workspace := t.TempDir()
	opts := Options{
		LogOutput: io.Discard,
		Override: func(cfg *config.Config) {
			cfg.Queue.Backend = "file"
			cfg.Auth.JWTSecret = "fixed"
		},
	}

	rt, err := Open(ctx, workspace, opts)
	require.NoError(t, err)
	assert.Equal(t, "fixed", rt.Issuer.Secret)
	item := rt.Queue.Enqueue(ctx, domain.SyncImageUpload, domain.ImageUpload{DraftID: "d1", URI: "file:///a.jpg"})
	require.NoError(t, rt.Close())

	_, err = os.Stat(filepath.Join(db.Dir(workspace), "sync_queue.json"))
	require.NoError(t, err)

	rt, err = Open(ctx, workspace, opts)
	require.NoError(t, err)
	defer rt.Close()
	got, err := rt.Queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncPending, got.Status)
}

func TestRuntimesSharingAWorkspaceKeepEachOthersItems(t *testing.T) {
	ctx := context.Background()
	workspace := t.TempDir()
	opts := Options{LogOutput: io.Discard, Override: func(cfg *config.Config) { cfg.Auth.JWTSecret = "fixed" }}

	serve, err := Open(ctx, workspace, opts)
	require.NoError(t, err)
	defer serve.Close()
	cli, err := Open(ctx, workspace, opts)
	require.NoError(t, err)

	insp := serve.Queue.Enqueue(ctx, domain.SyncInspectionSubmit, domain.InspectionPayload{ID: "insp-1"})
	assert.Len(t, cli.Queue.List(ctx), 1)
	img := cli.Queue.Enqueue(ctx, domain.SyncImageUpload, domain.ImageUpload{DraftID: "insp-1", URI: "file:///a.jpg"})
	require.NoError(t, cli.Close())

	items := serve.Queue.List(ctx)
	require.Len(t, items, 2)
	assert.Equal(t, img.ID, items[0].ID)
	assert.Equal(t, insp.ID, items[1].ID)
}

func TestOpenRejectsInvalidOverride(t *testing.T) {
	_, err := Open(context.Background(), t.TempDir(), Options{
		LogOutput: io.Discard,
		Override:  func(cfg *config.Config) { cfg.Queue.Backend = "carrier-pigeon" },
	})
	require.Error(t, err)
}
