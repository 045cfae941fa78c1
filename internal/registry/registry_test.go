package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runcore/core/internal/model"
)

func echoHandler() Handler {
	return HandlerFunc(func(_ context.Context, params map[string]any) (map[string]any, error) {
		return params, nil
	})
}

func TestRegisterGetHas(t *testing.T) {
	r := New()
	require.False(t, r.Has(model.KindTask, "send_email"))
	require.Nil(t, r.Get(model.KindTask, "send_email"))

	err := r.Register(model.KindTask, "send_email", echoHandler(), map[string]any{"owner": "platform"}, false)
	require.NoError(t, err)

	assert.True(t, r.Has(model.KindTask, "send_email"))
	assert.NotNil(t, r.Get(model.KindTask, "send_email"))
	assert.False(t, r.Has(model.KindOperation, "send_email"), "kind is part of the key")
}

func TestRegisterDuplicateRejected(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(model.KindTask, "dup", echoHandler(), nil, false))

	err := r.Register(model.KindTask, "dup", echoHandler(), nil, false)
	require.Error(t, err)
	var alreadyErr *AlreadyRegisteredError
	require.ErrorAs(t, err, &alreadyErr)
	assert.Equal(t, Key{Kind: model.KindTask, Name: "dup"}, alreadyErr.Key)
}

func TestRegisterOverrideReplaces(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(model.KindTask, "dup", echoHandler(), nil, false))

	replacement := HandlerFunc(func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{"replaced": true}, nil
	})
	require.NoError(t, r.Register(model.KindTask, "dup", replacement, nil, true))

	out, err := r.Get(model.KindTask, "dup").Invoke(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"replaced": true}, out)
}

func TestUnregister(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(model.KindOperation, "noop", echoHandler(), nil, false))

	assert.True(t, r.Unregister(model.KindOperation, "noop"))
	assert.False(t, r.Has(model.KindOperation, "noop"))
	assert.False(t, r.Unregister(model.KindOperation, "noop"), "second unregister finds nothing")
}

func TestListFiltersAndSorts(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(model.KindTask, "zeta", echoHandler(), nil, false))
	require.NoError(t, r.Register(model.KindTask, "alpha", echoHandler(), nil, false))
	require.NoError(t, r.Register(model.KindWorkflow, "onboarding", echoHandler(), nil, false))

	all := r.List(nil)
	require.Len(t, all, 3)

	taskKind := model.KindTask
	tasks := r.List(&taskKind)
	require.Len(t, tasks, 2)
	assert.Equal(t, "alpha", tasks[0].Name)
	assert.Equal(t, "zeta", tasks[1].Name)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := "concurrent"
			_ = r.Register(model.KindTask, name, echoHandler(), nil, true)
			r.Get(model.KindTask, name)
			r.List(nil)
		}(i)
	}
	wg.Wait()
	assert.True(t, r.Has(model.KindTask, "concurrent"))
}
