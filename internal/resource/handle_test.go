package resource

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type model struct{ closed bool }

func TestHandle_InitOnFirstUse(t *testing.T) {
	inits := 0
	h := NewHandle("model", func(ctx context.Context) (*model, error) {
		inits++
		return &model{}, nil
	}, nil)

	assert.False(t, h.Ready())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.Acquire(context.Background())
			assert.NoError(t, err)
			h.Release()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, inits)
	assert.True(t, h.Ready())
	assert.Equal(t, 0, h.Refs())
}

func TestHandle_FailedInitIsRetried(t *testing.T) {
	attempts := 0
	h := NewHandle("model", func(ctx context.Context) (int, error) {
		attempts++
		if attempts == 1 {
			return 0, errors.New("weights not found")
		}
		return 42, nil
	}, nil)

	_, err := h.Acquire(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initialize model")

	v, err := h.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	h.Release()
}

func TestHandle_CloseWaitsForRelease(t *testing.T) {
	m := &model{}
	h := NewHandle("model", func(ctx context.Context) (*model, error) {
		return m, nil
	}, func(v *model) error {
		v.closed = true
		return nil
	})

	_, err := h.Acquire(context.Background())
	require.NoError(t, err)

	closed := make(chan error, 1)
	go func() { closed <- h.Close() }()

	select {
	case <-closed:
		t.Fatal("Close returned while a reference was held")
	case <-time.After(30 * time.Millisecond):
	}

	h.Release()
	require.NoError(t, <-closed)
	assert.True(t, m.closed)

	_, err = h.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHandle_CloseWithoutInit(t *testing.T) {
	called := false
	h := NewHandle("model", func(ctx context.Context) (int, error) {
		return 1, nil
	}, func(int) error {
		called = true
		return nil
	})

	require.NoError(t, h.Close())
	assert.False(t, called)
	require.NoError(t, h.Close())
}
