package fieldpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() map[string]any {
	return map[string]any{
		"type": "auth.failure",
		"data": map[string]any{
			"user":  map[string]any{"name": "alice"},
			"ips":   []any{"10.0.0.1", "10.0.0.2"},
			"count": float64(3),
			"empty": "",
		},
		"labels": map[string]string{"env": "prod"},
	}
}

func TestLookup(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		want any
		ok   bool
	}{
		{"type", "auth.failure", true},
		{"data.user.name", "alice", true},
		{"data.ips.1", "10.0.0.2", true},
		{"data.ips.7", nil, false},
		{"data.count", float64(3), true},
		{"labels.env", "prod", true},
		{"data.user.name.first", nil, false},
		{"missing", nil, false},
		{"", nil, false},
		{" data . user . name ", "alice", true},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			got, ok := Lookup(sample(), tc.path)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestString(t *testing.T) {
	t.Parallel()

	s, ok := String(sample(), "data.count")
	require.True(t, ok)
	assert.Equal(t, "3", s)

	_, ok = String(sample(), "data.empty")
	assert.False(t, ok)

	_, ok = String(sample(), "data.user")
	assert.False(t, ok, "maps are not scalars")
}

func TestSet(t *testing.T) {
	t.Parallel()

	m := map[string]any{}
	require.NoError(t, Set(m, "a.b.c", 1))
	v, ok := Lookup(m, "a.b.c")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	m["x"] = "scalar"
	assert.Error(t, Set(m, "x.y", 2))
	assert.Error(t, Set(m, "", 2))
}

func TestCopy(t *testing.T) {
	t.Parallel()

	orig := map[string]any{
		"user": map[string]any{"name": "alice"},
		"tags": []any{"a", map[string]any{"k": "v"}},
	}
	cp := Copy(orig)
	cp["user"].(map[string]any)["name"] = "bob"
	cp["tags"].([]any)[1].(map[string]any)["k"] = "changed"

	name, _ := Lookup(orig, "user.name")
	assert.Equal(t, "alice", name)
	k, _ := Lookup(orig, "tags.1.k")
	assert.Equal(t, "v", k)
	assert.Nil(t, Copy(nil))
}
