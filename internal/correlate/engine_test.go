package correlate

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/soarflow/internal/event"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func ev(id string, data map[string]interface{}) *event.Event {
	return &event.Event{ID: id, Type: "auth.failure", Data: data}
}

func TestExtract(t *testing.T) {
	t.Parallel()

	e := New(Config{})
	keys := e.Extract(ev("e1", map[string]interface{}{
		"source_ip":       "10.0.0.1",
		"src_ip":          "10.0.0.1",
		"user":            "alice",
		"hostname":        "ws-1",
		"ioc":             []interface{}{"bad.example", "1.2.3.4"},
		"mitre_technique": "T1110",
		"incident_id":     "",
	}))

	assert.Equal(t, []string{
		"ip:10.0.0.1",
		"user:alice",
		"host:ws-1",
		"indicator:bad.example",
		"indicator:1.2.3.4",
		"mitre:T1110",
	}, keys)
}

func TestCorrelateWindowAndCap(t *testing.T) {
	t.Parallel()

	e := New(Config{TimeWindow: 10 * time.Minute, MaxEvents: 3})
	data := map[string]interface{}{"user": "bob"}

	first := e.Correlate(ev("e0", data), t0)
	assert.Equal(t, 0, first.Related["user:bob"])

	for i := 1; i <= 4; i++ {
		e.Correlate(ev(fmt.Sprintf("e%d", i), data), t0.Add(time.Duration(i)*time.Minute))
	}
	hist := e.Related("user:bob", t0.Add(4*time.Minute))
	require.Len(t, hist, 3)
	assert.Equal(t, "e2", hist[0].EventID)
	assert.Equal(t, "e4", hist[2].EventID)

	later := e.Correlate(ev("e5", data), t0.Add(13*time.Minute+30*time.Second))
	assert.Equal(t, 1, later.Related["user:bob"], "only e4 is inside the window")
}

func TestCleanup(t *testing.T) {
	t.Parallel()

	e := New(Config{TimeWindow: time.Minute})
	e.Correlate(ev("e1", map[string]interface{}{"host": "a"}), t0)
	e.Correlate(ev("e2", map[string]interface{}{"host": "b"}), t0.Add(50*time.Second))

	assert.Equal(t, 1, e.Cleanup(t0.Add(90*time.Second)))
	assert.Equal(t, []string{"host:b"}, e.Keys())
}
