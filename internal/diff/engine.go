package diff

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/0xRichardL/pool-relay/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	DefaultFreshnessWindow   = 15 * time.Minute
	DefaultDropFraction      = 0.5
	DefaultDropConfirmations = 2
)

// ErrMalformedSnapshot rejects a snapshot that cannot be compared. The caller
// skips the cycle and keeps the stored snapshot.
var ErrMalformedSnapshot = errors.New("malformed snapshot")

// Thresholds are the deployment-specific knobs of change detection.
type Thresholds struct {
	// FreshnessWindow is the maximum last-share age of an active worker.
	FreshnessWindow time.Duration
	// DropFraction is the share of the baseline hashrate below which a drop starts.
	DropFraction float64
	// DropConfirmations is how many consecutive low diffs emit a HashrateDrop.
	DropConfirmations int
}

// Engine turns snapshot pairs into ordered events. It holds no per-account
// state; carry-over lives in domain.Tracker and is returned to the caller.
type Engine struct {
	th Thresholds
}

func NewEngine(th Thresholds) *Engine {
	if th.FreshnessWindow <= 0 {
		th.FreshnessWindow = DefaultFreshnessWindow
	}
	if th.DropFraction <= 0 || th.DropFraction >= 1 {
		th.DropFraction = DefaultDropFraction
	}
	if th.DropConfirmations <= 0 {
		th.DropConfirmations = DefaultDropConfirmations
	}
	return &Engine{th: th}
}

func (e *Engine) Thresholds() Thresholds { return e.th }

// Diff compares cur against the stored prev. A nil prev seeds: no events.
// The returned tracker must be stored together with cur.
func (e *Engine) Diff(prev *domain.Snapshot, state domain.Tracker, cur domain.Snapshot) ([]domain.Event, domain.Tracker, error) {
	if err := validate(prev, cur); err != nil {
		return nil, state, err
	}
	if prev == nil {
		return nil, domain.Tracker{Baseline: cur.TotalHashrate}, nil
	}

	var events []domain.Event
	events = append(events, e.blockFound(prev, cur)...)
	events = append(events, e.workerTransitions(prev, cur)...)
	drop, next := e.hashrateDrop(prev, state, cur)
	events = append(events, drop...)
	events = append(events, e.payout(prev, cur)...)

	sort.SliceStable(events, func(i, j int) bool {
		ri, rj := events[i].Kind.Rank(), events[j].Kind.Rank()
		if ri != rj {
			return ri < rj
		}
		return events[i].Worker < events[j].Worker
	})
	return events, next, nil
}

func (e *Engine) blockFound(prev *domain.Snapshot, cur domain.Snapshot) []domain.Event {
	if !cur.LastBlockFoundAt.After(prev.LastBlockFoundAt) {
		return nil
	}
	key := strconv.FormatInt(cur.LastBlockFoundAt.Unix(), 10)
	return []domain.Event{{
		ID:        domain.NewEventID(cur.AccountID, domain.EventBlockFound, "", key),
		Kind:      domain.EventBlockFound,
		AccountID: cur.AccountID,
		At:        cur.FetchedAt,
		Block: &domain.BlockFound{
			PreviousAt: prev.LastBlockFoundAt,
			FoundAt:    cur.LastBlockFoundAt,
			Height:     cur.LastBlockHeight,
			Reward:     cur.LastBlockReward,
		},
	}}
}

func (e *Engine) workerTransitions(prev *domain.Snapshot, cur domain.Snapshot) []domain.Event {
	names := make(map[string]struct{}, len(prev.Workers)+len(cur.Workers))
	for name := range prev.Workers {
		names[name] = struct{}{}
	}
	for name := range cur.Workers {
		names[name] = struct{}{}
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	var offline, online []domain.Event
	for _, name := range sorted {
		was := e.active(*prev, name)
		is := e.active(cur, name)
		if was == is {
			continue
		}
		before, after := prev.Workers[name], cur.Workers[name]
		change := &domain.WorkerChange{
			LastShare:   after.LastShare,
			OldHashrate: before.Hashrate,
			NewHashrate: after.Hashrate,
		}
		if was {
			if change.LastShare.IsZero() {
				change.LastShare = before.LastShare
			}
			key := strconv.FormatInt(change.LastShare.Unix(), 10)
			offline = append(offline, domain.Event{
				ID:        domain.NewEventID(cur.AccountID, domain.EventWorkerOffline, name, key),
				Kind:      domain.EventWorkerOffline,
				AccountID: cur.AccountID,
				Worker:    name,
				At:        cur.FetchedAt,
				Change:    change,
			})
			continue
		}
		key := strconv.FormatInt(after.LastShare.Unix(), 10)
		online = append(online, domain.Event{
			ID:        domain.NewEventID(cur.AccountID, domain.EventWorkerOnline, name, key),
			Kind:      domain.EventWorkerOnline,
			AccountID: cur.AccountID,
			Worker:    name,
			At:        cur.FetchedAt,
			Change:    change,
		})
	}
	return append(offline, online...)
}

// active: not switched off by the pool and a share within the freshness window
// of the snapshot's own fetch time. A worker without a share time trusts its state.
func (e *Engine) active(s domain.Snapshot, name string) bool {
	w, ok := s.Workers[name]
	if !ok {
		return false
	}
	switch w.State {
	case domain.WorkerStateOff, domain.WorkerStateDisabled:
		return false
	}
	if w.LastShare.IsZero() {
		return w.State != ""
	}
	return s.FetchedAt.Sub(w.LastShare) <= e.th.FreshnessWindow
}

func (e *Engine) hashrateDrop(prev *domain.Snapshot, state domain.Tracker, cur domain.Snapshot) ([]domain.Event, domain.Tracker) {
	baseline := state.Baseline
	if state.LowCount == 0 {
		baseline = prev.TotalHashrate
	}
	if baseline <= 0 || cur.TotalHashrate >= e.th.DropFraction*baseline {
		return nil, domain.Tracker{Baseline: cur.TotalHashrate}
	}

	next := domain.Tracker{
		Baseline:     baseline,
		LowCount:     state.LowCount + 1,
		DropNotified: state.DropNotified,
	}
	if next.LowCount < e.th.DropConfirmations || next.DropNotified {
		return nil, next
	}
	next.DropNotified = true
	key := strconv.FormatInt(cur.FetchedAt.Unix(), 10)
	return []domain.Event{{
		ID:        domain.NewEventID(cur.AccountID, domain.EventHashrateDrop, "", key),
		Kind:      domain.EventHashrateDrop,
		AccountID: cur.AccountID,
		At:        cur.FetchedAt,
		Hashrate: &domain.HashrateChange{
			Baseline: baseline,
			Current:  cur.TotalHashrate,
			Fraction: e.th.DropFraction,
		},
	}}, next
}

func (e *Engine) payout(prev *domain.Snapshot, cur domain.Snapshot) []domain.Event {
	withdrawn := cur.Confirmed.LessThan(prev.Confirmed) &&
		cur.LifetimeReward.GreaterThanOrEqual(prev.LifetimeReward)
	stamped := !cur.LastPayoutAt.IsZero() && cur.LastPayoutAt.After(prev.LastPayoutAt)
	if !withdrawn && !stamped {
		return nil
	}
	amount := prev.Confirmed.Sub(cur.Confirmed)
	if amount.IsNegative() {
		amount = decimal.Zero
	}
	key := fmt.Sprintf("%s|%d", cur.Confirmed.String(), cur.LastPayoutAt.Unix())
	return []domain.Event{{
		ID:        domain.NewEventID(cur.AccountID, domain.EventPayout, "", key),
		Kind:      domain.EventPayout,
		AccountID: cur.AccountID,
		At:        cur.FetchedAt,
		Payout: &domain.PayoutChange{
			OldConfirmed: prev.Confirmed,
			NewConfirmed: cur.Confirmed,
			Amount:       amount,
			PaidAt:       cur.LastPayoutAt,
		},
	}}
}

func validate(prev *domain.Snapshot, cur domain.Snapshot) error {
	if cur.AccountID == "" {
		return fmt.Errorf("%w: empty account id", ErrMalformedSnapshot)
	}
	if prev != nil && prev.AccountID != cur.AccountID {
		return fmt.Errorf("%w: account %q compared with %q", ErrMalformedSnapshot, cur.AccountID, prev.AccountID)
	}
	if cur.FetchedAt.IsZero() {
		return fmt.Errorf("%w: %s has no fetch time", ErrMalformedSnapshot, cur.AccountID)
	}
	if badRate(cur.TotalHashrate) {
		return fmt.Errorf("%w: %s total hashrate %v", ErrMalformedSnapshot, cur.AccountID, cur.TotalHashrate)
	}
	for name, w := range cur.Workers {
		if name == "" || badRate(w.Hashrate) {
			return fmt.Errorf("%w: %s worker %q hashrate %v", ErrMalformedSnapshot, cur.AccountID, name, w.Hashrate)
		}
	}
	if cur.Confirmed.IsNegative() || cur.Unconfirmed.IsNegative() || cur.LifetimeReward.IsNegative() {
		return fmt.Errorf("%w: %s negative balance", ErrMalformedSnapshot, cur.AccountID)
	}
	return nil
}

func badRate(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0) || v < 0
}
