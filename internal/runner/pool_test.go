package runner

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantgraph/quantgraph/pkg/schema"
)

func TestPool_RunsTasks(t *testing.T) {
	p := NewPool(2, slog.New(slog.DiscardHandler))

	var mu sync.Mutex
	seen := 0
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(func() {
			mu.Lock()
			seen++
			mu.Unlock()
		}))
	}
	p.Close()

	assert.Equal(t, 10, seen)
	stats := p.Stats()
	assert.Equal(t, int64(10), stats.Submitted)
	assert.Equal(t, int64(10), stats.Completed)
	assert.Equal(t, int64(0), stats.Panics)
}

func TestPool_PanicIsolated(t *testing.T) {
	p := NewPool(1, slog.New(slog.DiscardHandler))

	require.NoError(t, p.Submit(func() { panic("boom") }))
	done := make(chan struct{})
	require.NoError(t, p.Submit(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker died after panic")
	}
	p.Close()
	assert.Equal(t, int64(1), p.Stats().Panics)
}

func TestPool_SubmitAfterClose(t *testing.T) {
	p := NewPool(1, slog.New(slog.DiscardHandler))
	p.Close()
	p.Close() // idempotent

	err := p.Submit(func() {})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))
}
