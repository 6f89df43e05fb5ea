package dlq

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/soarflow/internal/event"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestDropsOldestPastMaxSize(t *testing.T) {
	t.Parallel()

	q := New(3)
	for i := 0; i < 5; i++ {
		q.Add(&event.Event{ID: fmt.Sprintf("e%d", i)}, errors.New("boom"), t0)
	}
	require.Equal(t, 3, q.Len())

	list := q.List()
	assert.Equal(t, "e2", list[0].Event.ID)
	assert.Equal(t, "e4", list[2].Event.ID)
}

func TestRetryableExcludesExhausted(t *testing.T) {
	t.Parallel()

	q := New(10)
	fresh := q.Add(&event.Event{ID: "fresh"}, errors.New("x"), t0)
	tired := q.Add(&event.Event{ID: "tired"}, errors.New("x"), t0)
	for i := 0; i < 3; i++ {
		_, ok := q.IncrementAttempts(tired.ID, errors.New("again"), t0.Add(time.Minute))
		require.True(t, ok)
	}

	got, _ := q.Get(tired.ID)
	assert.Equal(t, 4, got.Attempts)
	assert.Equal(t, "again", got.Error)

	retry := q.Retryable(3)
	require.Len(t, retry, 1)
	assert.Equal(t, fresh.ID, retry[0].ID)
}

func TestEntriesAreCopies(t *testing.T) {
	t.Parallel()

	q := New(10)
	ev := &event.Event{ID: "e1", Data: map[string]interface{}{"k": "v"}}
	e := q.Add(ev, nil, t0)
	ev.Data["k"] = "mutated"
	e.Event.Data["k"] = "also mutated"

	got, ok := q.Get(e.ID)
	require.True(t, ok)
	assert.Equal(t, "v", got.Event.Data["k"])
}

func TestRemoveAndPurge(t *testing.T) {
	t.Parallel()

	q := New(10)
	a := q.Add(&event.Event{ID: "a"}, nil, t0)
	q.Add(&event.Event{ID: "b"}, nil, t0)

	assert.True(t, q.Remove(a.ID))
	assert.False(t, q.Remove(a.ID))
	_, ok := q.IncrementAttempts(a.ID, nil, t0)
	assert.False(t, ok)

	assert.Equal(t, 1, q.Purge())
	assert.Zero(t, q.Len())
}
