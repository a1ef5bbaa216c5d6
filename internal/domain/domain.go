package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Account is one monitored pool account. Loaded once and never mutated.
type Account struct {
	ID    string `json:"id" mapstructure:"id"`
	Token string `json:"token" mapstructure:"token"`
	// Workers restricts monitoring to these worker names; empty means all.
	Workers []string `json:"workers,omitempty" mapstructure:"workers"`
	// Rooms overrides the default target rooms for this account.
	Rooms []string `json:"rooms,omitempty" mapstructure:"rooms"`
}

// Monitors reports whether worker name is in scope for the account.
func (a Account) Monitors(name string) bool {
	if len(a.Workers) == 0 {
		return true
	}
	for _, w := range a.Workers {
		if strings.EqualFold(w, name) {
			return true
		}
	}
	return false
}

// Worker states reported by the pool.
const (
	WorkerStateOK       = "ok"
	WorkerStateLow      = "low"
	WorkerStateOff      = "off"
	WorkerStateDisabled = "dis"
)

// WorkerStat is the per-worker part of a snapshot. Hashrate is in Gh/s.
type WorkerStat struct {
	Hashrate  float64   `json:"hashrate"`
	LastShare time.Time `json:"last_share"`
	State     string    `json:"state,omitempty"`
}

// Snapshot is a point-in-time capture of an account's pool state.
type Snapshot struct {
	AccountID     string                `json:"account_id"`
	FetchedAt     time.Time             `json:"fetched_at"`
	TotalHashrate float64               `json:"total_hashrate"`
	Workers       map[string]WorkerStat `json:"workers"`

	Confirmed      decimal.Decimal `json:"confirmed"`
	Unconfirmed    decimal.Decimal `json:"unconfirmed"`
	LifetimeReward decimal.Decimal `json:"lifetime_reward"`

	LastBlockFoundAt time.Time       `json:"last_block_found_at"`
	LastBlockHeight  uint64          `json:"last_block_height,omitempty"`
	LastBlockReward  decimal.Decimal `json:"last_block_reward"`
	LastPayoutAt     time.Time       `json:"last_payout_at,omitempty"`
}

// WorkerNames returns the worker names in ascending order.
func (s Snapshot) WorkerNames() []string {
	names := make([]string, 0, len(s.Workers))
	for name := range s.Workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Hash fingerprints the fields change detection depends on. FetchedAt is left
// out so two polls of an unchanged account hash the same.
func (s Snapshot) Hash() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%.6f|%s|%s|%s|%d|%d|%d",
		s.AccountID,
		s.TotalHashrate,
		s.Confirmed.String(),
		s.Unconfirmed.String(),
		s.LifetimeReward.String(),
		s.LastBlockFoundAt.Unix(),
		s.LastBlockHeight,
		s.LastPayoutAt.Unix(),
	)
	for _, name := range s.WorkerNames() {
		w := s.Workers[name]
		fmt.Fprintf(&b, "|%s:%.6f:%d:%s", name, w.Hashrate, w.LastShare.Unix(), w.State)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Tracker is the state the diff engine carries between cycles of one account.
type Tracker struct {
	// Baseline is the last healthy total hashrate a drop is measured against.
	Baseline float64 `json:"baseline"`
	// LowCount counts consecutive diffs below the drop threshold.
	LowCount int `json:"low_count"`
	// DropNotified is set once a HashrateDrop was emitted for the current drop.
	DropNotified bool `json:"drop_notified"`
}

// Checkpoint is the durable per-account record written after a diff cycle.
type Checkpoint struct {
	AccountID string    `json:"account_id"`
	Hash      string    `json:"hash"`
	Snapshot  Snapshot  `json:"snapshot"`
	Tracker   Tracker   `json:"tracker"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session is a persisted chat login.
type Session struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
}
