package store

import (
	"context"
	"testing"

	"github.com/0xRichardL/pool-relay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBadger(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := NewInMemoryBadgerStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBadgerCheckpoints(t *testing.T) {
	ctx := context.Background()
	s := newTestBadger(t)

	cps, err := s.LoadCheckpoints(ctx)
	require.NoError(t, err)
	assert.Empty(t, cps)

	for _, id := range []string{"b", "a"} {
		snap := testSnapshot(id, 1000)
		require.NoError(t, s.SaveCheckpoint(ctx, domain.Checkpoint{
			AccountID: id,
			Hash:      snap.Hash(),
			Snapshot:  snap,
			Tracker:   domain.Tracker{Baseline: 1000, LowCount: 1},
			UpdatedAt: t0,
		}))
	}
	// Overwrite keeps one record per account.
	snap := testSnapshot("a", 500)
	require.NoError(t, s.SaveCheckpoint(ctx, domain.Checkpoint{AccountID: "a", Hash: snap.Hash(), Snapshot: snap}))

	cps, err = s.LoadCheckpoints(ctx)
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, "a", cps[0].AccountID)
	assert.Equal(t, 500.0, cps[0].Snapshot.TotalHashrate)
	assert.Equal(t, cps[0].Hash, cps[0].Snapshot.Hash(), "hash survives the round trip")
	assert.Equal(t, "b", cps[1].AccountID)
	assert.Equal(t, domain.Tracker{Baseline: 1000, LowCount: 1}, cps[1].Tracker)
	assert.True(t, cps[1].Snapshot.Confirmed.Equal(testSnapshot("b", 1).Confirmed))

	assert.Error(t, s.SaveCheckpoint(ctx, domain.Checkpoint{}))
}

func TestBadgerSession(t *testing.T) {
	ctx := context.Background()
	s := newTestBadger(t)

	sess, err := s.LoadSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, sess)

	want := domain.Session{UserID: "@bot:example.org", AccessToken: "tok", DeviceID: "DEV"}
	require.NoError(t, s.SaveSession(ctx, want))

	sess, err = s.LoadSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, want, *sess)

	cps, err := s.LoadCheckpoints(ctx)
	require.NoError(t, err)
	assert.Empty(t, cps, "session is not a checkpoint")
}

func TestBadgerOnDisk(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewBadgerStore(dir)
	require.NoError(t, err)
	snap := testSnapshot("a", 1)
	require.NoError(t, s.SaveCheckpoint(ctx, domain.Checkpoint{AccountID: "a", Hash: snap.Hash(), Snapshot: snap}))
	require.NoError(t, s.Close())

	s, err = NewBadgerStore(dir)
	require.NoError(t, err)
	defer s.Close()
	cps, err := s.LoadCheckpoints(ctx)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, snap.Hash(), cps[0].Hash)
}
