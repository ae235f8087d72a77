package groutine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGo_PropagatesName(t *testing.T) {
	got := make(chan string, 1)

	//nolint:staticcheck // nil parent context is part of the contract
	Go(nil, "poller", func(ctx context.Context) {
		got <- GetName(ctx)
	})

	select {
	case name := <-got:
		assert.Equal(t, "poller", name)
	case <-time.After(time.Second):
		t.Fatal("goroutine MUST run")
	}
}

func TestGoTracked_WaitsForCompletion(t *testing.T) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	names := make([]string, 0, 3)

	for _, n := range []string{"a", "b", "c"} {
		GoTracked(context.Background(), &wg, n, func(ctx context.Context) {
			mu.Lock()
			names = append(names, GetName(ctx))
			mu.Unlock()
		})
	}
	wg.Wait()

	assert.ElementsMatch(t, []string{"a", "b", "c"}, names)
}

func TestGetName_Empty(t *testing.T) {
	assert.Equal(t, "", GetName(context.Background()))
	//nolint:staticcheck // nil context is handled
	assert.Equal(t, "", GetName(nil))
}
