package chat_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentoven/chatrelay/internal/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	k := chat.NewKeyedMutex()
	ctx := context.Background()

	unlockA, err := k.Lock(ctx, "a")
	require.NoError(t, err)
	unlockB, err := k.Lock(ctx, "b")
	require.NoError(t, err, "another key is not blocked")
	assert.Equal(t, 2, k.Len())

	unlockA()
	unlockB()
	assert.Equal(t, 0, k.Len())
}

func TestKeyedMutex_Waits(t *testing.T) {
	k := chat.NewKeyedMutex()
	ctx := context.Background()

	unlock, err := k.Lock(ctx, "a")
	require.NoError(t, err)

	acquired := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		u, err := k.Lock(ctx, "a")
		if assert.NoError(t, err) {
			close(acquired)
			u()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(30 * time.Millisecond):
	}
	unlock()
	wg.Wait()
	assert.Equal(t, 0, k.Len())
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	k := chat.NewKeyedMutex()
	unlock, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // second call is a no-op
	assert.Equal(t, 0, k.Len())
}
