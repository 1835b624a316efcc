package actor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSerializesSameUser(t *testing.T) {
	r := NewRegistry(time.Minute, zerolog.Nop())

	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.Do(context.Background(), "u1", func(context.Context) error {
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				active.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, peak.Load())
}

func TestDoDoesNotBlockOtherUsers(t *testing.T) {
	r := NewRegistry(time.Minute, zerolog.Nop())

	started := make(chan struct{})
	unblock := make(chan struct{})
	go func() {
		_ = r.Do(context.Background(), "slow", func(context.Context) error {
			close(started)
			<-unblock
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ran := false
	require.NoError(t, r.Do(ctx, "fast", func(context.Context) error {
		ran = true
		return nil
	}))
	require.True(t, ran)
	close(unblock)
}

func TestDoHonorsContextWhileWaiting(t *testing.T) {
	r := NewRegistry(time.Minute, zerolog.Nop())

	started := make(chan struct{})
	unblock := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Do(context.Background(), "u1", func(context.Context) error {
			close(started)
			<-unblock
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	called := false
	err := r.Do(ctx, "u1", func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, called)

	close(unblock)
	<-done

	require.NoError(t, r.Do(context.Background(), "u1", func(context.Context) error { return nil }))
}

func TestDoReturnsFnError(t *testing.T) {
	r := NewRegistry(time.Minute, zerolog.Nop())
	boom := errors.New("boom")

	err := r.Do(context.Background(), "u1", func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)

	require.NoError(t, r.Do(context.Background(), "u1", func(context.Context) error { return nil }))
}

func TestReapDropsIdleHandles(t *testing.T) {
	r := NewRegistry(time.Minute, zerolog.Nop())
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	require.NoError(t, r.Do(context.Background(), "u1", func(context.Context) error { return nil }))
	require.NoError(t, r.Do(context.Background(), "u2", func(context.Context) error { return nil }))
	require.Equal(t, 2, r.Len())

	now = now.Add(30 * time.Second)
	require.Zero(t, r.Reap())

	require.NoError(t, r.Do(context.Background(), "u2", func(context.Context) error { return nil }))
	now = now.Add(45 * time.Second)
	require.Equal(t, 1, r.Reap())
	require.Equal(t, 1, r.Len())
}

func TestReapKeepsBusyHandles(t *testing.T) {
	r := NewRegistry(time.Minute, zerolog.Nop())
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	r.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	started := make(chan struct{})
	unblock := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Do(context.Background(), "u1", func(context.Context) error {
			close(started)
			<-unblock
			return nil
		})
	}()
	<-started

	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()
	require.Zero(t, r.Reap())

	close(unblock)
	<-done
}

func TestStartStop(t *testing.T) {
	r := NewRegistry(time.Minute, zerolog.Nop())
	r.Start()
	r.Start()
	r.Stop()
	r.Stop()
}
