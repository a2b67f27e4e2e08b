package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gristlabs/grist-hsm/pkg/registry"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestChecksum_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	r, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, r.SetChecksum(ctx, "d1", "tok1"))
	require.NoError(t, r.Close())

	r, err = Open(dir)
	require.NoError(t, err)
	defer r.Close()

	v, ok, err := r.GetChecksum(ctx, "d1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "tok1", v)
}

func TestMarkDeleted(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t)

	require.NoError(t, r.SetChecksum(ctx, "d1", "tok1"))
	require.NoError(t, r.MarkDeleted(ctx, "d1"))

	v, ok, err := r.GetChecksum(ctx, "d1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, registry.Deleted, v)
}

func TestAssignment_Idempotent(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t)

	require.NoError(t, r.AddWorker(ctx, registry.WorkerInfo{ID: "w1"}))
	require.NoError(t, r.AddWorker(ctx, registry.WorkerInfo{ID: "w2"}))
	require.NoError(t, r.SetWorkerAvailability(ctx, "w1", true))
	require.NoError(t, r.SetWorkerAvailability(ctx, "w2", true))

	first, err := r.AssignDocWorker(ctx, "d1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := r.AssignDocWorker(ctx, "d1")
		require.NoError(t, err)
		require.Equal(t, first, again)
	}

	got, err := r.GetDocWorker(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, first, got)
}

func TestAssignment_NoAvailableWorkers(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t)

	require.NoError(t, r.AddWorker(ctx, registry.WorkerInfo{ID: "w1"}))
	// Workers start unavailable.
	_, err := r.AssignDocWorker(ctx, "d1")
	require.ErrorIs(t, err, registry.ErrNoWorkersAvailable)
}

func TestRemoveWorker_ReleasesAssignments(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t)

	require.NoError(t, r.AddWorker(ctx, registry.WorkerInfo{ID: "w1"}))
	require.NoError(t, r.SetWorkerAvailability(ctx, "w1", true))

	_, err := r.AssignDocWorker(ctx, "d1")
	require.NoError(t, err)

	require.NoError(t, r.RemoveWorker(ctx, "w1"))
	got, err := r.GetDocWorker(ctx, "d1")
	require.NoError(t, err)
	require.Empty(t, got)
}
