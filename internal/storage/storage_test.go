package storage

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipagent/internal/config"
	"pipagent/internal/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpen_FileBackend(t *testing.T) {
	cfg := &config.Config{}
	cfg.Storage.DataDir = filepath.Join(t.TempDir(), "nested", "data")

	b, err := Open(context.Background(), cfg, quietLogger(), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	assert.Equal(t, config.BackendFile, b.Name)
	assert.NoError(t, b.Ping(context.Background()))

	ctx := context.Background()
	ok, err := b.Opportunities.Insert(ctx, types.Opportunity{
		OpportunityID: "o1", UserID: "U1", Fingerprint: "fp", Status: types.OpportunityStatusNew,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, b.Trips.SaveUserTrips(ctx, "U1", []types.Trip{{ID: "T1"}}))
	all, err := b.Trips.ListAllTrips(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "U1", all[0].UID)
}

func TestOpen_UnknownBackend(t *testing.T) {
	cfg := &config.Config{}
	cfg.Storage.Backend = "cassandra"

	_, err := Open(context.Background(), cfg, quietLogger(), Options{})
	assert.ErrorContains(t, err, `unknown storage backend "cassandra"`)
}

func TestBackends_NilHooks(t *testing.T) {
	b := &Backends{}
	assert.NoError(t, b.Ping(context.Background()))
	assert.NoError(t, b.Close())
}
