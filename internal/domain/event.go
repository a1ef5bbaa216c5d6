package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EventKind tags the closed set of notification events.
type EventKind string

const (
	EventBlockFound    EventKind = "block_found"
	EventWorkerOffline EventKind = "worker_offline"
	EventWorkerOnline  EventKind = "worker_online"
	EventHashrateDrop  EventKind = "hashrate_drop"
	EventPayout        EventKind = "payout"
)

// Rank orders kinds inside one diff cycle.
func (k EventKind) Rank() int {
	switch k {
	case EventBlockFound:
		return 0
	case EventWorkerOffline:
		return 1
	case EventWorkerOnline:
		return 2
	case EventHashrateDrop:
		return 3
	case EventPayout:
		return 4
	default:
		return 5
	}
}

func (k EventKind) Valid() bool { return k.Rank() < 5 }

// BlockFound carries the previous and new last-block timestamps.
type BlockFound struct {
	PreviousAt time.Time       `json:"previous_at"`
	FoundAt    time.Time       `json:"found_at"`
	Height     uint64          `json:"height,omitempty"`
	Reward     decimal.Decimal `json:"reward"`
}

// WorkerChange carries a worker transition.
type WorkerChange struct {
	LastShare   time.Time `json:"last_share"`
	OldHashrate float64   `json:"old_hashrate"`
	NewHashrate float64   `json:"new_hashrate"`
}

// HashrateChange carries the baseline and the low total that triggered a drop.
type HashrateChange struct {
	Baseline float64 `json:"baseline"`
	Current  float64 `json:"current"`
	Fraction float64 `json:"fraction"`
}

// PayoutChange carries the confirmed balance before and after a withdrawal.
type PayoutChange struct {
	OldConfirmed decimal.Decimal `json:"old_confirmed"`
	NewConfirmed decimal.Decimal `json:"new_confirmed"`
	Amount       decimal.Decimal `json:"amount"`
	PaidAt       time.Time       `json:"paid_at,omitempty"`
}

// Event is one detected state transition. Exactly one payload matches Kind.
type Event struct {
	ID        string    `json:"id"`
	Kind      EventKind `json:"kind"`
	AccountID string    `json:"account_id"`
	Worker    string    `json:"worker,omitempty"`
	At        time.Time `json:"at"`

	Block    *BlockFound     `json:"block,omitempty"`
	Change   *WorkerChange   `json:"change,omitempty"`
	Hashrate *HashrateChange `json:"hashrate,omitempty"`
	Payout   *PayoutChange   `json:"payout,omitempty"`
}

// Validate checks that the payload matches the kind.
func (e Event) Validate() error {
	if e.AccountID == "" {
		return fmt.Errorf("event %s: empty account", e.Kind)
	}
	var ok bool
	switch e.Kind {
	case EventBlockFound:
		ok = e.Block != nil
	case EventWorkerOffline, EventWorkerOnline:
		ok = e.Change != nil && e.Worker != ""
	case EventHashrateDrop:
		ok = e.Hashrate != nil
	case EventPayout:
		ok = e.Payout != nil
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if !ok {
		return fmt.Errorf("event %s for %s: payload missing", e.Kind, e.AccountID)
	}
	return nil
}

// NewEventID derives a stable id from the transition it describes, so the same
// transition always maps to the same id.
func NewEventID(accountID string, kind EventKind, worker, transitionKey string) string {
	base := fmt.Sprintf("%s|%s|%s|%s", accountID, kind, worker, transitionKey)
	sum := sha256.Sum256([]byte(base))
	return hex.EncodeToString(sum[:16])
}
