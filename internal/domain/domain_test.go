package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestAccountMonitors(t *testing.T) {
	all := Account{ID: "a"}
	assert.True(t, all.Monitors("rig1"))

	some := Account{ID: "a", Workers: []string{"Rig1"}}
	assert.True(t, some.Monitors("rig1"))
	assert.False(t, some.Monitors("rig2"))
}

func TestSnapshotHashIgnoresFetchTime(t *testing.T) {
	seen := time.Unix(1700000000, 0).UTC()
	s1 := Snapshot{
		AccountID:     "a",
		FetchedAt:     seen,
		TotalHashrate: 1000,
		Workers:       map[string]WorkerStat{"w1": {Hashrate: 1000, LastShare: seen, State: WorkerStateOK}},
		Confirmed:     decimal.RequireFromString("0.001"),
	}
	s2 := s1
	s2.FetchedAt = seen.Add(time.Minute)
	assert.Equal(t, s1.Hash(), s2.Hash())

	s3 := s1
	s3.Workers = map[string]WorkerStat{"w1": {Hashrate: 10, LastShare: seen, State: WorkerStateOK}}
	assert.NotEqual(t, s1.Hash(), s3.Hash())
}

func TestEventValidate(t *testing.T) {
	ok := Event{Kind: EventHashrateDrop, AccountID: "a", Hashrate: &HashrateChange{}}
	assert.NoError(t, ok.Validate())

	missing := Event{Kind: EventWorkerOffline, AccountID: "a", Change: &WorkerChange{}}
	assert.Error(t, missing.Validate())

	unknown := Event{Kind: "nope", AccountID: "a"}
	assert.Error(t, unknown.Validate())
}

func TestNewEventIDStable(t *testing.T) {
	a := NewEventID("acct", EventWorkerOffline, "w1", "1700000000")
	b := NewEventID("acct", EventWorkerOffline, "w1", "1700000000")
	c := NewEventID("acct", EventWorkerOnline, "w1", "1700000000")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)
}

func TestFailureClassification(t *testing.T) {
	base := errors.New("boom")

	transient := fmt.Errorf("fetch: %w", Transient("pool.profile", base))
	assert.True(t, IsTransient(transient))
	assert.False(t, IsPermanent(transient))
	assert.ErrorIs(t, transient, base)

	permanent := Permanent("pool.profile", base)
	assert.True(t, IsPermanent(permanent))
	assert.False(t, IsTransient(permanent))
	assert.Contains(t, permanent.Error(), "permanent failure")

	assert.True(t, IsTransient(base))
	assert.False(t, IsTransient(nil))
}
