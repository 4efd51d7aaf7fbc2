package app_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/raphaelgruber/dishcapture/internal/app"
	"github.com/raphaelgruber/dishcapture/internal/config"
	"github.com/raphaelgruber/dishcapture/internal/mocks"
	"github.com/raphaelgruber/dishcapture/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.SessionFile = filepath.Join(dir, "session.yaml")
	cfg.LedgerFile = filepath.Join(dir, "pending_uploads.yaml")
	cfg.WorkDir = filepath.Join(dir, "work")
	cfg.HotFolder = filepath.Join(dir, "hot")
	return cfg
}

func TestNewWiresFileLedger(t *testing.T) {
	cfg := testConfig(t)
	a, err := app.New(context.Background(), cfg, nil, app.Engines{
		Capture:        (&mocks.CaptureEngineFactory{}).Factory(),
		Reconstruction: (&mocks.ReconstructionEngineFactory{}).Factory(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	require.NotNil(t, a.Pipeline)
	require.NoError(t, a.Ledger.Append(context.Background(), models.PendingUploadRecord{
		DishID:    "dish-1",
		SessionID: "s-1",
		LocalPath: "/tmp/model.usdz",
	}))
	assert.FileExists(t, cfg.LedgerFile)

	_, ok := a.Session.Current()
	assert.False(t, ok, "no stored session")
	assert.Equal(t, "dishes/s-1/model.usdz", a.Uploads.ObjectPath(models.ModelAsset{SessionID: "s-1", LocalPath: "/a/model.usdz"}))
}

func TestNewUsesDefaultEngines(t *testing.T) {
	a, err := app.New(context.Background(), testConfig(t), nil, app.Engines{})
	require.NoError(t, err)
	require.NoError(t, a.Close(context.Background()))
}

func TestNewS3Storage(t *testing.T) {
	cfg := testConfig(t)
	cfg.StorageBackend = "s3"
	cfg.S3Endpoint = "http://127.0.0.1:9000"
	cfg.S3PathStyle = true
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")

	a, err := app.New(context.Background(), cfg, nil, app.Engines{})
	require.NoError(t, err)
	require.NoError(t, a.Close(context.Background()))
}
