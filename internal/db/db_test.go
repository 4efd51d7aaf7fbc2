package db

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/raphaelgruber/dishcapture/internal/ledger"
	"github.com/raphaelgruber/dishcapture/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testDB *Client

// TestMain starts a SurrealDB container shared by all tests. Without a
// container runtime, or in short mode, the package is skipped.
func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		fmt.Println("skipping SurrealDB integration tests in short mode")
		os.Exit(0)
	}

	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "surrealdb/surrealdb:v2.3.7",
			ExposedPorts: []string{"8000/tcp"},
			Cmd:          []string{"start", "--log", "info", "--user", "root", "--pass", "root"},
			WaitingFor:   wait.ForLog("Started web server").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		fmt.Printf("skipping SurrealDB integration tests: %v\n", err)
		os.Exit(0)
	}

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("container host: %v", err)
	}
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := container.MappedPort(ctx, "8000")
	if err != nil {
		log.Fatalf("mapped port: %v", err)
	}

	testDB, err = NewClient(ctx, Config{
		URL:       fmt.Sprintf("ws://%s:%s/rpc", host, port.Port()),
		Namespace: "test",
		Database:  "test",
		Username:  "root",
		Password:  "root",
		AuthLevel: "root",
	}, nil)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	if err := testDB.InitSchema(ctx); err != nil {
		log.Fatalf("init schema: %v", err)
	}

	code := m.Run()

	_ = testDB.Close(ctx)
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func TestLedgerStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testDB.WipeData(ctx))
	store := NewLedgerStore(testDB)

	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.Append(ctx, models.PendingUploadRecord{DishID: "d-2", LocalPath: "/m/2.usdz", SessionID: "s-2", CreatedAt: t0.Add(time.Minute)}))
	require.NoError(t, store.Append(ctx, models.PendingUploadRecord{DishID: "d-1", LocalPath: "/m/1.usdz", SessionID: "s-1", CreatedAt: t0}))

	recs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "d-1", recs[0].DishID)
	assert.Equal(t, "/m/1.usdz", recs[0].LocalPath)
	assert.True(t, t0.Equal(recs[0].CreatedAt))

	require.NoError(t, store.Remove(ctx, "d-1"))
	recs, err = store.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "d-2", recs[0].DishID)
}

func TestLedgerStoreAppendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testDB.WipeData(ctx))
	store := NewLedgerStore(testDB)

	rec := models.PendingUploadRecord{DishID: "d-1", LocalPath: "/m/1.usdz", SessionID: "s-1", CreatedAt: time.Now()}
	require.NoError(t, store.Append(ctx, rec))
	require.NoError(t, store.Append(ctx, rec))

	recs, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestLedgerOverSurrealDB(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testDB.WipeData(ctx))
	l := ledger.New(NewLedgerStore(testDB), nil)

	require.NoError(t, l.Append(ctx, models.PendingUploadRecord{DishID: "d-9", LocalPath: "/m/9.usdz", SessionID: "s-9"}))
	got, err := l.Get(ctx, "d-9")
	require.NoError(t, err)
	assert.Equal(t, "s-9", got.SessionID)

	// The model file does not exist, so compaction drops the entry.
	dropped, err := l.Compact(ctx, 0)
	require.NoError(t, err)
	require.Len(t, dropped, 1)

	recs, err := l.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRemoveMissingIsNoop(t *testing.T) {
	require.NoError(t, NewLedgerStore(testDB).Remove(context.Background(), "does-not-exist"))
}
