// Package scheduler runs one poller per account: fetch, diff against the
// stored snapshot, enqueue the events, then advance the store and checkpoint.
package scheduler

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/0xRichardL/pool-relay/internal/domain"
	"github.com/0xRichardL/pool-relay/internal/store"
	"github.com/0xRichardL/pool-relay/libs/routine"
	"go.uber.org/zap"
)

const (
	DefaultInterval     = time.Minute
	DefaultFetchTimeout = 15 * time.Second
	DefaultGracePeriod  = 30 * time.Second
	saveTimeout         = 5 * time.Second
)

type State string

const (
	StateIdle      State = "idle"
	StatePolling   State = "polling"
	StateDiffing   State = "diffing"
	StateEnqueuing State = "enqueuing"
	StateDraining  State = "draining"
	StateStopped   State = "stopped"
	// StateDisabled: a permanent fetch failure, the account is no longer polled.
	StateDisabled State = "disabled"
)

type Fetcher interface {
	Fetch(ctx context.Context, acc domain.Account) (domain.Snapshot, error)
}

type Differ interface {
	Diff(prev *domain.Snapshot, state domain.Tracker, cur domain.Snapshot) ([]domain.Event, domain.Tracker, error)
}

// Sink is the producer side of the event queue.
type Sink interface {
	Enqueue(ctx context.Context, events ...domain.Event) error
	WaitDrained(ctx context.Context) error
}

type Config struct {
	Interval time.Duration
	// Jitter spreads ticks uniformly over Interval ± Jitter.
	Jitter       time.Duration
	FetchTimeout time.Duration
	// GracePeriod bounds both a cycle's enqueue during shutdown and the queue drain.
	GracePeriod time.Duration
}

// AccountStatus is a point-in-time view of one poller.
type AccountStatus struct {
	Account       string    `json:"account"`
	State         State     `json:"state"`
	Polls         uint64    `json:"polls"`
	Events        uint64    `json:"events"`
	LastPollAt    time.Time `json:"last_poll_at,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	// Running: the account's poller goroutine is live.
	Running bool `json:"running"`
}

type Scheduler struct {
	cfg         Config
	accounts    []domain.Account
	fetcher     Fetcher
	engine      Differ
	snapshots   *store.SnapshotStore
	checkpoints store.CheckpointStore
	queue       Sink
	logger      *zap.Logger

	mu      sync.RWMutex
	status  map[string]*AccountStatus
	manager *routine.Manager

	now func() time.Time
}

func New(
	cfg Config,
	accounts []domain.Account,
	fetcher Fetcher,
	engine Differ,
	snapshots *store.SnapshotStore,
	checkpoints store.CheckpointStore,
	queue Sink,
	logger *zap.Logger,
) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Jitter < 0 || cfg.Jitter >= cfg.Interval {
		cfg.Jitter = 0
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	status := make(map[string]*AccountStatus, len(accounts))
	for _, acc := range accounts {
		status[acc.ID] = &AccountStatus{Account: acc.ID, State: StateIdle}
	}
	return &Scheduler{
		cfg:         cfg,
		accounts:    accounts,
		fetcher:     fetcher,
		engine:      engine,
		snapshots:   snapshots,
		checkpoints: checkpoints,
		queue:       queue,
		logger:      logger,
		status:      status,
		now:         time.Now,
	}
}

// Restore seeds the snapshot store from the durable checkpoints.
func (s *Scheduler) Restore(ctx context.Context) error {
	if s.checkpoints == nil {
		return nil
	}
	cps, err := s.checkpoints.LoadCheckpoints(ctx)
	if err != nil {
		return err
	}
	n := s.snapshots.Seed(cps)
	s.logger.Info("snapshot store restored", zap.Int("checkpoints", len(cps)), zap.Int("applied", n))
	return nil
}

// Run polls every account until ctx is done, then waits for the event queue
// to drain (bounded by the grace period) and flushes all checkpoints.
func (s *Scheduler) Run(ctx context.Context) error {
	manager := routine.NewManager(ctx)
	s.mu.Lock()
	s.manager = manager
	s.mu.Unlock()
	for _, acc := range s.accounts {
		acc := acc
		err := manager.Start(&routine.Task{
			ID:      acc.ID,
			Handler: func(taskCtx context.Context) error { return s.poll(taskCtx, acc) },
			OnStart: func(id string) {
				s.logger.Debug("poller started", zap.String("account", id))
			},
			OnDone: func(id string) {
				s.logger.Debug("poller exited", zap.String("account", id))
			},
			OnError: func(id string, err error) {
				s.logger.Error("poller stopped", zap.String("account", id), zap.Error(err))
			},
		})
		if err != nil {
			manager.StopAll()
			return err
		}
	}
	s.logger.Info("scheduler started", zap.Int("accounts", len(s.accounts)), zap.Duration("interval", s.cfg.Interval))

	<-ctx.Done()
	s.shutdown(manager)
	return nil
}

func (s *Scheduler) shutdown(manager *routine.Manager) {
	s.setAll(StateDraining)
	manager.StopAll()

	drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.GracePeriod)
	defer cancel()
	if err := s.queue.WaitDrained(drainCtx); err != nil {
		s.logger.Warn("event queue not drained within grace period", zap.Duration("grace", s.cfg.GracePeriod))
	}

	s.flush()
	s.setAll(StateStopped)
	s.logger.Info("scheduler stopped")
}

// flush writes every checkpoint that changed since its last save.
func (s *Scheduler) flush() {
	if s.checkpoints == nil {
		return
	}
	for _, cp := range s.snapshots.Checkpoints() {
		if !s.snapshots.Dirty(cp.AccountID) {
			continue
		}
		s.save(context.Background(), cp)
	}
}

func (s *Scheduler) poll(ctx context.Context, acc domain.Account) error {
	log := s.logger.With(zap.String("account", acc.ID))
	for {
		if err := s.cycle(ctx, acc); err != nil {
			s.setState(acc.ID, StateDisabled)
			log.Error("account disabled after permanent fetch failure", zap.Error(err))
			return nil
		}

		timer := time.NewTimer(s.nextDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// cycle runs one fetch-diff-enqueue pass. It returns an error only for a
// permanent fetch failure; everything else is logged and retried next tick.
func (s *Scheduler) cycle(ctx context.Context, acc domain.Account) error {
	log := s.logger.With(zap.String("account", acc.ID))
	s.begin(acc.ID)

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	snap, err := s.fetcher.Fetch(fetchCtx, acc)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		s.fail(acc.ID, err)
		if domain.IsPermanent(err) {
			return err
		}
		log.Warn("fetch failed, skipping cycle", zap.Error(err))
		return nil
	}

	unlock := s.snapshots.Lock(acc.ID)
	defer unlock()

	s.setState(acc.ID, StateDiffing)
	prev, tracker, ok := s.snapshots.Get(acc.ID)
	var prevPtr *domain.Snapshot
	if ok {
		prevPtr = &prev
	}
	events, next, err := s.engine.Diff(prevPtr, tracker, snap)
	if err != nil {
		s.fail(acc.ID, err)
		log.Warn("snapshot rejected, skipping cycle", zap.Error(err))
		return nil
	}

	if len(events) > 0 {
		s.setState(acc.ID, StateEnqueuing)
		// Enqueue outlives ctx cancellation, bounded by the grace period.
		enqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.GracePeriod)
		err := s.queue.Enqueue(enqCtx, events...)
		cancel()
		if err != nil {
			s.fail(acc.ID, err)
			log.Error("enqueue failed, snapshot not advanced", zap.Int("events", len(events)), zap.Error(err))
			return nil
		}
	}

	cp, err := s.snapshots.Put(acc.ID, snap, next)
	if err != nil {
		s.fail(acc.ID, err)
		log.Error("store snapshot failed", zap.Error(err))
		return nil
	}
	if len(events) > 0 {
		s.snapshots.MarkEmitted(acc.ID)
	}
	if s.checkpoints != nil && s.snapshots.Dirty(acc.ID) {
		s.save(ctx, cp)
	}

	s.succeed(acc.ID, len(events))
	if len(events) > 0 {
		log.Info("events enqueued", zap.Int("events", len(events)))
	} else if prevPtr == nil {
		log.Info("first snapshot stored")
	}
	return nil
}

func (s *Scheduler) save(ctx context.Context, cp domain.Checkpoint) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if err := s.checkpoints.SaveCheckpoint(saveCtx, cp); err != nil {
		s.logger.Warn("save checkpoint failed", zap.String("account", cp.AccountID), zap.Error(err))
		return
	}
	s.snapshots.MarkSaved(cp)
}

func (s *Scheduler) nextDelay() time.Duration {
	if s.cfg.Jitter <= 0 {
		return s.cfg.Interval
	}
	offset := time.Duration(rand.Int63n(int64(2*s.cfg.Jitter)+1)) - s.cfg.Jitter
	return s.cfg.Interval + offset
}

// Status returns every account's status ordered by account id.
func (s *Scheduler) Status() []AccountStatus {
	s.mu.RLock()
	manager := s.manager
	s.mu.RUnlock()
	running := make(map[string]bool)
	if manager != nil {
		for _, id := range manager.Running() {
			running[id] = true
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AccountStatus, 0, len(s.status))
	for _, st := range s.status {
		view := *st
		view.Running = running[st.Account]
		out = append(out, view)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}

func (s *Scheduler) begin(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.status[id]; ok {
		st.State = StatePolling
		st.Polls++
		st.LastPollAt = s.now().UTC()
	}
}

func (s *Scheduler) succeed(id string, events int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.status[id]; ok {
		st.State = StateIdle
		st.Events += uint64(events)
		st.LastSuccessAt = s.now().UTC()
		st.LastError = ""
	}
}

func (s *Scheduler) fail(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.status[id]; ok {
		st.State = StateIdle
		st.LastError = err.Error()
	}
}

func (s *Scheduler) setState(id string, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.status[id]; ok {
		st.State = state
	}
}

// setAll moves every account not disabled to state.
func (s *Scheduler) setAll(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.status {
		if st.State != StateDisabled {
			st.State = state
		}
	}
}
