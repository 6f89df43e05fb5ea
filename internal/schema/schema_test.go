package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryValidate(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Register(Schema{
		Type:     "auth.failure",
		Required: []string{"user", "source_ip"},
		Fields:   map[string]Kind{"attempts": KindNumber, "user": KindString},
		Patterns: map[string]string{"source_ip": `^\d+\.\d+\.\d+\.\d+$`},
	}))

	cases := []struct {
		name    string
		payload map[string]interface{}
		valid   bool
		errs    int
	}{
		{"valid", map[string]interface{}{"user": "alice", "source_ip": "10.0.0.1", "attempts": 3}, true, 0},
		{"missing required", map[string]interface{}{"user": "alice"}, false, 1},
		{"wrong kind", map[string]interface{}{"user": "alice", "source_ip": "10.0.0.1", "attempts": "three"}, false, 1},
		{"bad pattern", map[string]interface{}{"user": "alice", "source_ip": "not-an-ip"}, false, 1},
		{"everything wrong", map[string]interface{}{"user": 7}, false, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := r.Validate("auth.failure", tc.payload)
			assert.Equal(t, tc.valid, res.Valid)
			assert.Len(t, res.Errors, tc.errs, "%v", res.Errors)
		})
	}
}

func TestUnknownTypePasses(t *testing.T) {
	t.Parallel()

	res := NewRegistry().Validate("anything", nil)
	assert.True(t, res.Valid)
}

func TestReplaceIsAtomic(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Register(Schema{Type: "a"}))

	err := r.Replace([]Schema{{Type: "b"}, {Type: "c", Patterns: map[string]string{"x": "("}}})
	require.Error(t, err)
	assert.Equal(t, []string{"a"}, r.Types())

	require.NoError(t, r.Replace([]Schema{{Type: "b"}}))
	assert.False(t, r.Has("a"))
	assert.True(t, r.Has("b"))
}

func TestRegisterRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	err := NewRegistry().Register(Schema{Type: "x", Fields: map[string]Kind{"f": "uuid"}})
	assert.Error(t, err)
}
