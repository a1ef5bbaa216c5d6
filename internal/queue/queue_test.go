package queue

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	ID  int    `json:"id"`
	Msg string `json:"msg"`
}

func dequeueN(t *testing.T, q *Queue[item], n int) []item {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out := make([]item, 0, n)
	for i := 0; i < n; i++ {
		v, err := q.Dequeue(ctx)
		require.NoError(t, err)
		q.Done()
		out = append(out, v)
	}
	return out
}

func TestOpenRejectsCapacity(t *testing.T) {
	_, err := Open[item](0, "")
	assert.Error(t, err)
}

func TestFIFO(t *testing.T) {
	q, err := Open[item](8, "")
	require.NoError(t, err)
	defer q.Close()

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, item{ID: 1}, item{ID: 2}))
	require.NoError(t, q.Enqueue(ctx, item{ID: 3}))
	assert.Equal(t, 3, q.Len())

	got := dequeueN(t, q, 3)
	assert.Equal(t, []item{{ID: 1}, {ID: 2}, {ID: 3}}, got)
	assert.Equal(t, 0, q.Len())
}

func TestEnqueueBlocksWhenFull(t *testing.T) {
	q, err := Open[item](1, "")
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Enqueue(context.Background(), item{ID: 1}))

	done := make(chan error, 1)
	go func() { done <- q.Enqueue(context.Background(), item{ID: 2}) }()

	select {
	case <-done:
		t.Fatal("enqueue returned while queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	got := dequeueN(t, q, 1)
	assert.Equal(t, 1, got[0].ID)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue did not resume after dequeue")
	}
	assert.Equal(t, 2, dequeueN(t, q, 1)[0].ID)
}

func TestEnqueueHonoursContext(t *testing.T) {
	q, err := Open[item](1, "")
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Enqueue(context.Background(), item{ID: 1}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = q.Enqueue(ctx, item{ID: 2})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, q.Len())
}

func TestRequeueGoesFirst(t *testing.T) {
	q, err := Open[item](4, "")
	require.NoError(t, err)
	defer q.Close()

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, item{ID: 1}, item{ID: 2}))

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	q.Requeue(first)

	got := dequeueN(t, q, 2)
	assert.Equal(t, []item{{ID: 1}, {ID: 2}}, got)
}

func TestWaitDrained(t *testing.T) {
	q, err := Open[item](4, "")
	require.NoError(t, err)
	defer q.Close()

	ctx := context.Background()
	require.NoError(t, q.WaitDrained(ctx))
	require.NoError(t, q.Enqueue(ctx, item{ID: 1}))

	v, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v.ID)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.WaitDrained(short), context.DeadlineExceeded, "in-flight item is not drained")

	q.Done()
	wait, cancelWait := context.WithTimeout(ctx, 2*time.Second)
	defer cancelWait()
	assert.NoError(t, q.WaitDrained(wait))
}

func TestCloseStopsConsumers(t *testing.T) {
	q, err := Open[item](4, "")
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not return after close")
	}
	assert.ErrorIs(t, q.Enqueue(context.Background(), item{ID: 1}), ErrClosed)
}

func TestBacklogPersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "backlog.jsonl")
	ctx := context.Background()

	q1, err := Open[item](8, path)
	require.NoError(t, err)
	require.NoError(t, q1.Enqueue(ctx,
		item{ID: 1, Msg: "one"},
		item{ID: 2, Msg: "two"},
		item{ID: 3, Msg: "three"},
	))
	assert.Equal(t, 1, dequeueN(t, q1, 1)[0].ID)

	second, err := q1.Dequeue(ctx)
	require.NoError(t, err)
	q1.Requeue(second)
	require.NoError(t, q1.Close())

	_, err = os.Stat(path)
	require.NoError(t, err, "backlog written on close")

	q2, err := Open[item](8, path)
	require.NoError(t, err)
	defer q2.Close()

	_, err = os.Stat(path)
	require.NoError(t, err, "backlog kept until the next close")

	require.NoError(t, q2.Enqueue(ctx, item{ID: 4, Msg: "four"}))
	got := dequeueN(t, q2, 3)
	assert.Equal(t, []item{{ID: 2, Msg: "two"}, {ID: 3, Msg: "three"}, {ID: 4, Msg: "four"}}, got)
	assert.NoError(t, q2.WaitDrained(ctx))

	require.NoError(t, q2.Close())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "drained queue removes the backlog")
}

func TestBacklogSurvivesUncleanExit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backlog.jsonl")
	ctx := context.Background()

	q1, err := Open[item](8, path)
	require.NoError(t, err)
	require.NoError(t, q1.Enqueue(ctx, item{ID: 1, Msg: "one"}, item{ID: 2, Msg: "two"}))
	require.NoError(t, q1.Close())

	// Loaded, partly consumed, never closed.
	q2, err := Open[item](8, path)
	require.NoError(t, err)
	assert.Equal(t, 1, dequeueN(t, q2, 1)[0].ID)

	q3, err := Open[item](8, path)
	require.NoError(t, err)
	defer q3.Close()
	assert.Equal(t, 2, q3.Len())
	assert.Equal(t, []item{{ID: 1, Msg: "one"}, {ID: 2, Msg: "two"}}, dequeueN(t, q3, 2))
}

func TestEmptyCloseWritesNoBacklog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backlog.jsonl")
	q, err := Open[item](2, path)
	require.NoError(t, err)
	require.NoError(t, q.Close())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
