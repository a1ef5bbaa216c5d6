package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/0xRichardL/pool-relay/internal/diff"
	"github.com/0xRichardL/pool-relay/internal/domain"
	"github.com/0xRichardL/pool-relay/internal/queue"
	"github.com/0xRichardL/pool-relay/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Date(2024, 3, 7, 10, 0, 0, 0, time.UTC)

type fetchResult struct {
	snap domain.Snapshot
	err  error
}

// scriptedFetcher replays results per account; the last one repeats.
type scriptedFetcher struct {
	mu      sync.Mutex
	results map[string][]fetchResult
	calls   map[string]int
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{results: map[string][]fetchResult{}, calls: map[string]int{}}
}

func (f *scriptedFetcher) add(account string, snap domain.Snapshot, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[account] = append(f.results[account], fetchResult{snap: snap, err: err})
}

func (f *scriptedFetcher) Fetch(_ context.Context, acc domain.Account) (domain.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rs := f.results[acc.ID]
	if len(rs) == 0 {
		return domain.Snapshot{}, domain.Transient("fetch", errors.New("no script"))
	}
	i := f.calls[acc.ID]
	f.calls[acc.ID]++
	if i >= len(rs) {
		i = len(rs) - 1
	}
	return rs[i].snap, rs[i].err
}

type memCheckpoints struct {
	mu    sync.Mutex
	cps   map[string]domain.Checkpoint
	saves int
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{cps: map[string]domain.Checkpoint{}}
}

func (m *memCheckpoints) LoadCheckpoints(context.Context) ([]domain.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Checkpoint, 0, len(m.cps))
	for _, cp := range m.cps {
		out = append(out, cp)
	}
	return out, nil
}

func (m *memCheckpoints) SaveCheckpoint(_ context.Context, cp domain.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cps[cp.AccountID] = cp
	m.saves++
	return nil
}

func (m *memCheckpoints) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func poolSnapshot(account string, at, lastShare time.Time) domain.Snapshot {
	return domain.Snapshot{
		AccountID:     account,
		FetchedAt:     at,
		TotalHashrate: 1000,
		Workers: map[string]domain.WorkerStat{
			"rig1": {Hashrate: 1000, LastShare: lastShare, State: domain.WorkerStateOK},
		},
		Confirmed:        decimal.RequireFromString("0.01"),
		LifetimeReward:   decimal.RequireFromString("0.5"),
		LastBlockFoundAt: t0.Add(-time.Hour),
	}
}

type harness struct {
	sched       *Scheduler
	fetcher     *scriptedFetcher
	snapshots   *store.SnapshotStore
	checkpoints *memCheckpoints
	queue       *queue.Queue[domain.Event]
}

func newHarness(t *testing.T, cfg Config, accounts ...string) *harness {
	t.Helper()
	accs := make([]domain.Account, 0, len(accounts))
	for _, id := range accounts {
		accs = append(accs, domain.Account{ID: id, Token: "t"})
	}
	q, err := queue.Open[domain.Event](16, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	h := &harness{
		fetcher:     newScriptedFetcher(),
		snapshots:   store.NewSnapshotStore(accounts),
		checkpoints: newMemCheckpoints(),
		queue:       q,
	}
	h.sched = New(cfg, accs, h.fetcher, diff.NewEngine(diff.Thresholds{}), h.snapshots, h.checkpoints, q, zaptest.NewLogger(t))
	return h
}

func (h *harness) drain(t *testing.T) []domain.Event {
	t.Helper()
	var out []domain.Event
	for h.queue.Len() > 0 {
		ev, err := h.queue.Dequeue(context.Background())
		require.NoError(t, err)
		h.queue.Done()
		out = append(out, ev)
	}
	return out
}

func accountStatus(s *Scheduler, id string) AccountStatus {
	for _, st := range s.Status() {
		if st.Account == id {
			return st
		}
	}
	return AccountStatus{}
}

func TestCycleSeedsThenEmits(t *testing.T) {
	h := newHarness(t, Config{}, "alice")
	acc := domain.Account{ID: "alice", Token: "t"}
	h.fetcher.add("alice", poolSnapshot("alice", t0, t0.Add(-time.Minute)), nil)
	h.fetcher.add("alice", poolSnapshot("alice", t0.Add(20*time.Minute), t0.Add(-time.Minute)), nil)

	ctx := context.Background()
	require.NoError(t, h.sched.cycle(ctx, acc))
	assert.Empty(t, h.drain(t), "first observation seeds")
	assert.Equal(t, 1, h.checkpoints.saveCount())
	_, _, ok := h.snapshots.Get("alice")
	assert.True(t, ok)

	require.NoError(t, h.sched.cycle(ctx, acc))
	events := h.drain(t)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventWorkerOffline, events[0].Kind)
	assert.Equal(t, "rig1", events[0].Worker)
	assert.Equal(t, 2, h.checkpoints.saveCount())

	// Same data again: nothing to emit or save.
	require.NoError(t, h.sched.cycle(ctx, acc))
	assert.Empty(t, h.drain(t))
	assert.Equal(t, 2, h.checkpoints.saveCount())

	st := accountStatus(h.sched, "alice")
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, uint64(3), st.Polls)
	assert.Equal(t, uint64(1), st.Events)
	assert.Empty(t, st.LastError)
}

func TestRestartDoesNotResendStaleWorker(t *testing.T) {
	acc := domain.Account{ID: "alice", Token: "t"}
	lastShare := t0.Add(-time.Minute)
	ctx := context.Background()

	first := newHarness(t, Config{}, "alice")
	first.fetcher.add("alice", poolSnapshot("alice", t0, lastShare), nil)
	first.fetcher.add("alice", poolSnapshot("alice", t0.Add(20*time.Minute), lastShare), nil)
	require.NoError(t, first.sched.cycle(ctx, acc))
	require.NoError(t, first.sched.cycle(ctx, acc))
	events := first.drain(t)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventWorkerOffline, events[0].Kind)
	first.sched.flush()

	saved, err := first.checkpoints.LoadCheckpoints(ctx)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, t0.Add(20*time.Minute), saved[0].Snapshot.FetchedAt)

	second := newHarness(t, Config{}, "alice")
	second.checkpoints = first.checkpoints
	second.sched.checkpoints = first.checkpoints
	require.NoError(t, second.sched.Restore(ctx))
	second.fetcher.add("alice", poolSnapshot("alice", t0.Add(25*time.Minute), lastShare), nil)
	require.NoError(t, second.sched.cycle(ctx, acc))
	assert.Empty(t, second.drain(t), "worker already reported offline before the restart")
}

func TestTransientFetchSkipsCycle(t *testing.T) {
	h := newHarness(t, Config{}, "alice")
	h.fetcher.add("alice", domain.Snapshot{}, domain.Transient("pool", errors.New("503")))

	require.NoError(t, h.sched.cycle(context.Background(), domain.Account{ID: "alice"}))
	_, _, ok := h.snapshots.Get("alice")
	assert.False(t, ok)

	st := accountStatus(h.sched, "alice")
	assert.Equal(t, StateIdle, st.State)
	assert.Contains(t, st.LastError, "503")
}

func TestMalformedSnapshotSkipsCycle(t *testing.T) {
	h := newHarness(t, Config{}, "alice")
	acc := domain.Account{ID: "alice"}
	h.fetcher.add("alice", poolSnapshot("alice", t0, t0), nil)
	h.fetcher.add("alice", poolSnapshot("alice", time.Time{}, t0), nil)

	ctx := context.Background()
	require.NoError(t, h.sched.cycle(ctx, acc))
	require.NoError(t, h.sched.cycle(ctx, acc))

	snap, _, ok := h.snapshots.Get("alice")
	require.True(t, ok)
	assert.Equal(t, t0, snap.FetchedAt, "stored snapshot kept")
	assert.Contains(t, accountStatus(h.sched, "alice").LastError, "malformed")
}

func TestEnqueueFailureKeepsStore(t *testing.T) {
	h := newHarness(t, Config{GracePeriod: 50 * time.Millisecond}, "alice")
	acc := domain.Account{ID: "alice"}
	h.fetcher.add("alice", poolSnapshot("alice", t0, t0.Add(-time.Minute)), nil)
	h.fetcher.add("alice", poolSnapshot("alice", t0.Add(20*time.Minute), t0.Add(-time.Minute)), nil)

	ctx := context.Background()
	require.NoError(t, h.sched.cycle(ctx, acc))
	require.NoError(t, h.queue.Close())
	require.NoError(t, h.sched.cycle(ctx, acc))

	snap, _, ok := h.snapshots.Get("alice")
	require.True(t, ok)
	assert.Equal(t, t0, snap.FetchedAt, "store not advanced past unqueued events")
	assert.Equal(t, 1, h.checkpoints.saveCount())
}

func TestRestoreResumesWithoutEvents(t *testing.T) {
	h := newHarness(t, Config{}, "alice")
	live := poolSnapshot("alice", t0, t0.Add(-time.Minute))
	h.checkpoints.cps["alice"] = domain.Checkpoint{
		AccountID: "alice",
		Hash:      live.Hash(),
		Snapshot:  live,
		Tracker:   domain.Tracker{Baseline: live.TotalHashrate},
		UpdatedAt: t0,
	}
	h.checkpoints.cps["gone"] = domain.Checkpoint{AccountID: "gone", Snapshot: poolSnapshot("gone", t0, t0)}

	require.NoError(t, h.sched.Restore(context.Background()))

	later := live
	later.FetchedAt = t0.Add(time.Minute)
	h.fetcher.add("alice", later, nil)
	require.NoError(t, h.sched.cycle(context.Background(), domain.Account{ID: "alice"}))

	assert.Empty(t, h.drain(t))
	assert.Zero(t, h.checkpoints.saveCount(), "unchanged checkpoint not rewritten")
}

func TestRunDisablesOnPermanentAndDrainsOnShutdown(t *testing.T) {
	h := newHarness(t, Config{Interval: 10 * time.Millisecond, GracePeriod: time.Second}, "alice", "bob")
	h.fetcher.add("alice", domain.Snapshot{}, domain.Permanent("pool", errors.New("401")))
	h.fetcher.add("bob", poolSnapshot("bob", t0, t0.Add(-time.Minute)), nil)
	h.fetcher.add("bob", poolSnapshot("bob", t0.Add(20*time.Minute), t0.Add(-time.Minute)), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var consumed []domain.Event
	var consMu sync.Mutex
	go func() {
		for {
			ev, err := h.queue.Dequeue(context.Background())
			if err != nil {
				return
			}
			consMu.Lock()
			consumed = append(consumed, ev)
			consMu.Unlock()
			h.queue.Done()
		}
	}()

	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return accountStatus(h.sched, "alice").State == StateDisabled
	}, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return accountStatus(h.sched, "bob").Polls >= 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return !accountStatus(h.sched, "alice").Running
	}, 2*time.Second, 5*time.Millisecond, "disabled poller exits")
	assert.True(t, accountStatus(h.sched, "bob").Running)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	assert.Equal(t, StateDisabled, accountStatus(h.sched, "alice").State)
	assert.Equal(t, StateStopped, accountStatus(h.sched, "bob").State)

	consMu.Lock()
	defer consMu.Unlock()
	require.Len(t, consumed, 1)
	assert.Equal(t, "bob", consumed[0].AccountID)

	cps, err := h.checkpoints.LoadCheckpoints(context.Background())
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, "bob", cps[0].AccountID)
	assert.False(t, h.snapshots.Dirty("bob"))
}

func TestNextDelayWithinJitter(t *testing.T) {
	s := New(Config{Interval: time.Minute, Jitter: 10 * time.Second}, nil, nil, nil, store.NewSnapshotStore(nil), nil, nil, nil)
	for i := 0; i < 100; i++ {
		d := s.nextDelay()
		assert.GreaterOrEqual(t, d, 50*time.Second)
		assert.LessOrEqual(t, d, 70*time.Second)
	}

	none := New(Config{Interval: time.Minute}, nil, nil, nil, store.NewSnapshotStore(nil), nil, nil, nil)
	assert.Equal(t, time.Minute, none.nextDelay())

	bad := New(Config{Interval: time.Second, Jitter: time.Hour}, nil, nil, nil, store.NewSnapshotStore(nil), nil, nil, nil)
	assert.Equal(t, time.Second, bad.nextDelay())
}
