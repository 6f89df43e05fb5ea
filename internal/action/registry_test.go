package action

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteUnknownAction(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	_, err := r.Execute(context.Background(), "isolate_host", nil, nil)
	require.ErrorIs(t, err, ErrActionNotFound)
}

func TestRegisterAndExecute(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	require.NoError(t, r.Register("echo", func(_ context.Context, params, scope map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"host": params["host"], "case": scope["case"]}, nil
	}, Options{}))
	require.Error(t, r.Register("echo", func(context.Context, map[string]interface{}, map[string]interface{}) (interface{}, error) {
		return nil, nil
	}, Options{}))
	assert.Panics(t, func() { r.MustRegister("", nil, Options{}) })

	got, err := r.Execute(context.Background(), "echo",
		map[string]interface{}{"host": "ws-1"}, map[string]interface{}{"case": 7})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"host": "ws-1", "case": 7}, got)

	info, ok := r.Lookup("echo")
	require.True(t, ok)
	assert.Equal(t, DefaultTimeout, info.Timeout)
	assert.True(t, info.Retryable)

	r.Unregister("echo")
	assert.False(t, r.Has("echo"))
}

func TestExecuteTimeout(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	release := make(chan struct{})
	defer close(release)
	r.MustRegister("hang", func(context.Context, map[string]interface{}, map[string]interface{}) (interface{}, error) {
		<-release
		return nil, nil
	}, Options{Timeout: 20 * time.Millisecond, NoRetry: true})

	_, err := r.Execute(context.Background(), "hang", nil, nil)
	require.ErrorIs(t, err, ErrActionTimeout)

	info, _ := r.Lookup("hang")
	assert.False(t, info.Retryable)
}

func TestExecuteRecoversPanics(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	r.MustRegister("boom", func(context.Context, map[string]interface{}, map[string]interface{}) (interface{}, error) {
		panic("nil host")
	}, Options{})
	r.MustRegister("fail", func(context.Context, map[string]interface{}, map[string]interface{}) (interface{}, error) {
		return nil, errors.New("edr unreachable")
	}, Options{})

	_, err := r.Execute(context.Background(), "boom", nil, nil)
	require.ErrorContains(t, err, "panicked")
	_, err = r.Execute(context.Background(), "fail", nil, nil)
	require.EqualError(t, err, "edr unreachable")
	assert.Equal(t, []string{"boom", "fail"}, r.Names())
}
