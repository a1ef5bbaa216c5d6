package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/0xRichardL/pool-relay/internal/domain"
)

// ErrUnknownAccount is returned for an account the store was not built with.
var ErrUnknownAccount = errors.New("unknown account")

type slot struct {
	// cycle serialises diff cycles of one account; see SnapshotStore.Lock.
	cycle sync.Mutex

	mu           sync.RWMutex
	snap         *domain.Snapshot
	tracker      domain.Tracker
	updatedAt    time.Time
	savedHash    string
	savedTracker domain.Tracker
	// emitted: events were derived from snap since the last save.
	emitted bool
}

// SnapshotStore keeps the latest snapshot and diff tracker of each account in
// memory. The account set is fixed at construction.
type SnapshotStore struct {
	slots map[string]*slot
	now   func() time.Time
}

func NewSnapshotStore(accountIDs []string) *SnapshotStore {
	slots := make(map[string]*slot, len(accountIDs))
	for _, id := range accountIDs {
		slots[id] = &slot{}
	}
	return &SnapshotStore{slots: slots, now: time.Now}
}

// Lock holds the account's cycle lock until the returned func is called.
// An unknown account gets a no-op unlock.
func (s *SnapshotStore) Lock(accountID string) func() {
	sl, ok := s.slots[accountID]
	if !ok {
		return func() {}
	}
	sl.cycle.Lock()
	return sl.cycle.Unlock
}

// Get returns the stored snapshot and tracker; ok is false before the first Put.
func (s *SnapshotStore) Get(accountID string) (domain.Snapshot, domain.Tracker, bool) {
	sl, ok := s.slots[accountID]
	if !ok {
		return domain.Snapshot{}, domain.Tracker{}, false
	}
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	if sl.snap == nil {
		return domain.Snapshot{}, domain.Tracker{}, false
	}
	return *sl.snap, sl.tracker, true
}

// Put replaces the account's snapshot and tracker and returns the checkpoint
// describing them.
func (s *SnapshotStore) Put(accountID string, snap domain.Snapshot, tracker domain.Tracker) (domain.Checkpoint, error) {
	sl, ok := s.slots[accountID]
	if !ok {
		return domain.Checkpoint{}, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	if snap.AccountID != accountID {
		return domain.Checkpoint{}, fmt.Errorf("snapshot of %q put under %q", snap.AccountID, accountID)
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.snap = &snap
	sl.tracker = tracker
	sl.updatedAt = s.now().UTC()
	return checkpointOf(accountID, sl), nil
}

// MarkEmitted flags the stored snapshot as the base of enqueued events. It
// stays dirty until saved, even with an unchanged hash.
func (s *SnapshotStore) MarkEmitted(accountID string) {
	sl, ok := s.slots[accountID]
	if !ok {
		return
	}
	sl.mu.Lock()
	sl.emitted = true
	sl.mu.Unlock()
}

// Dirty reports whether the account changed since the last MarkSaved.
func (s *SnapshotStore) Dirty(accountID string) bool {
	sl, ok := s.slots[accountID]
	if !ok {
		return false
	}
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	if sl.snap == nil {
		return false
	}
	return sl.emitted || sl.snap.Hash() != sl.savedHash || sl.tracker != sl.savedTracker
}

// MarkSaved records cp as durably written.
func (s *SnapshotStore) MarkSaved(cp domain.Checkpoint) {
	sl, ok := s.slots[cp.AccountID]
	if !ok {
		return
	}
	sl.mu.Lock()
	sl.savedHash = cp.Hash
	sl.savedTracker = cp.Tracker
	if !cp.UpdatedAt.Before(sl.updatedAt) {
		sl.emitted = false
	}
	sl.mu.Unlock()
}

// Seed loads checkpoints at startup. Checkpoints of accounts no longer
// configured are ignored. It returns how many were applied.
func (s *SnapshotStore) Seed(cps []domain.Checkpoint) int {
	n := 0
	for _, cp := range cps {
		sl, ok := s.slots[cp.AccountID]
		if !ok || cp.Snapshot.AccountID != cp.AccountID {
			continue
		}
		snap := cp.Snapshot
		sl.mu.Lock()
		sl.snap = &snap
		sl.tracker = cp.Tracker
		sl.updatedAt = cp.UpdatedAt
		sl.savedHash = cp.Hash
		sl.savedTracker = cp.Tracker
		sl.mu.Unlock()
		n++
	}
	return n
}

// Checkpoints returns a checkpoint for every account that has a snapshot,
// ordered by account id.
func (s *SnapshotStore) Checkpoints() []domain.Checkpoint {
	ids := make([]string, 0, len(s.slots))
	for id := range s.slots {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]domain.Checkpoint, 0, len(ids))
	for _, id := range ids {
		sl := s.slots[id]
		sl.mu.RLock()
		if sl.snap != nil {
			out = append(out, checkpointOf(id, sl))
		}
		sl.mu.RUnlock()
	}
	return out
}

func checkpointOf(accountID string, sl *slot) domain.Checkpoint {
	return domain.Checkpoint{
		AccountID: accountID,
		Hash:      sl.snap.Hash(),
		Snapshot:  *sl.snap,
		Tracker:   sl.tracker,
		UpdatedAt: sl.updatedAt,
	}
}
