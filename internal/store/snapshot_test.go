package store

import (
	"sync"
	"testing"
	"time"

	"github.com/0xRichardL/pool-relay/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 7, 10, 0, 0, 0, time.UTC)

func testSnapshot(account string, total float64) domain.Snapshot {
	return domain.Snapshot{
		AccountID:     account,
		FetchedAt:     t0,
		TotalHashrate: total,
		Workers: map[string]domain.WorkerStat{
			"rig1": {Hashrate: total, LastShare: t0.Add(-time.Minute), State: domain.WorkerStateOK},
		},
		Confirmed:        decimal.RequireFromString("0.0100"),
		Unconfirmed:      decimal.RequireFromString("0.0002"),
		LifetimeReward:   decimal.RequireFromString("0.5000"),
		LastBlockFoundAt: t0.Add(-time.Hour),
	}
}

func TestSnapshotStoreGetPut(t *testing.T) {
	s := NewSnapshotStore([]string{"a", "b"})

	_, _, ok := s.Get("a")
	assert.False(t, ok)

	snap := testSnapshot("a", 1000)
	cp, err := s.Put("a", snap, domain.Tracker{Baseline: 1000})
	require.NoError(t, err)
	assert.Equal(t, "a", cp.AccountID)
	assert.Equal(t, snap.Hash(), cp.Hash)

	got, tr, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, snap.Hash(), got.Hash())
	assert.Equal(t, 1000.0, tr.Baseline)

	_, _, ok = s.Get("b")
	assert.False(t, ok)
}

func TestSnapshotStoreRejects(t *testing.T) {
	s := NewSnapshotStore([]string{"a"})

	_, err := s.Put("zzz", testSnapshot("zzz", 1), domain.Tracker{})
	assert.ErrorIs(t, err, ErrUnknownAccount)

	_, err = s.Put("a", testSnapshot("b", 1), domain.Tracker{})
	assert.Error(t, err)
}

func TestSnapshotStoreDirty(t *testing.T) {
	s := NewSnapshotStore([]string{"a"})
	assert.False(t, s.Dirty("a"))

	cp, err := s.Put("a", testSnapshot("a", 1000), domain.Tracker{Baseline: 1000})
	require.NoError(t, err)
	assert.True(t, s.Dirty("a"))

	s.MarkSaved(cp)
	assert.False(t, s.Dirty("a"))

	// Same data on a later poll.
	later := testSnapshot("a", 1000)
	later.FetchedAt = t0.Add(time.Minute)
	_, err = s.Put("a", later, domain.Tracker{Baseline: 1000})
	require.NoError(t, err)
	assert.False(t, s.Dirty("a"))

	_, err = s.Put("a", later, domain.Tracker{Baseline: 1000, LowCount: 1})
	require.NoError(t, err)
	assert.True(t, s.Dirty("a"), "tracker change needs a save")
}

func TestSnapshotStoreEmittedNeedsSave(t *testing.T) {
	s := NewSnapshotStore([]string{"a"})
	tick := t0
	s.now = func() time.Time { tick = tick.Add(time.Second); return tick }

	cp, err := s.Put("a", testSnapshot("a", 1000), domain.Tracker{Baseline: 1000})
	require.NoError(t, err)
	s.MarkSaved(cp)

	// Unchanged data, but events were derived from it.
	later := testSnapshot("a", 1000)
	later.FetchedAt = t0.Add(20 * time.Minute)
	latest, err := s.Put("a", later, domain.Tracker{Baseline: 1000})
	require.NoError(t, err)
	s.MarkEmitted("a")
	assert.True(t, s.Dirty("a"))

	s.MarkSaved(cp)
	assert.True(t, s.Dirty("a"), "an older checkpoint does not cover the emitted snapshot")

	s.MarkSaved(latest)
	assert.False(t, s.Dirty("a"))
}

func TestSnapshotStoreSeedAndCheckpoints(t *testing.T) {
	s := NewSnapshotStore([]string{"b", "a"})
	snapA := testSnapshot("a", 10)
	n := s.Seed([]domain.Checkpoint{
		{AccountID: "a", Hash: snapA.Hash(), Snapshot: snapA, Tracker: domain.Tracker{Baseline: 10}, UpdatedAt: t0},
		{AccountID: "gone", Snapshot: testSnapshot("gone", 1)},
		{AccountID: "b", Snapshot: testSnapshot("a", 1)},
	})
	assert.Equal(t, 1, n)
	assert.False(t, s.Dirty("a"))

	_, err := s.Put("b", testSnapshot("b", 20), domain.Tracker{})
	require.NoError(t, err)

	cps := s.Checkpoints()
	require.Len(t, cps, 2)
	assert.Equal(t, "a", cps[0].AccountID)
	assert.Equal(t, t0, cps[0].UpdatedAt)
	assert.Equal(t, "b", cps[1].AccountID)
}

func TestSnapshotStoreLockIsPerAccount(t *testing.T) {
	s := NewSnapshotStore([]string{"a", "b"})

	unlockA := s.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := s.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked by a")
	}

	var wg sync.WaitGroup
	acquired := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		unlock := s.Lock("a")
		close(acquired)
		unlock()
	}()
	select {
	case <-acquired:
		t.Fatal("second lock on a acquired while held")
	case <-time.After(30 * time.Millisecond):
	}
	unlockA()
	wg.Wait()

	s.Lock("unknown")()
}
