package observable

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for value")
	}
	var zero T
	return zero
}

func TestValue_ReplaysCurrentThenUpdates(t *testing.T) {
	v := NewValue("a")
	v.Set("b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := v.Subscribe(ctx)

	require.Equal(t, "b", recv(t, ch))
	v.Set("c")
	v.Set("d")
	require.Equal(t, "c", recv(t, ch))
	require.Equal(t, "d", recv(t, ch))
}

func TestValue_SlowSubscriberKeepsNewest(t *testing.T) {
	v := NewValue(0, WithBuffer(2))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := v.Subscribe(ctx)

	for i := 1; i <= 10; i++ {
		v.Set(i)
	}

	var last int
	for len(ch) > 0 {
		last = recv(t, ch)
	}
	require.Equal(t, 10, last)
}

func TestValue_CancelClosesSubscription(t *testing.T) {
	v := NewValue(1)
	ctx, cancel := context.WithCancel(context.Background())
	ch := v.Subscribe(ctx)
	require.Equal(t, 1, recv(t, ch))

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return v.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestValue_CloseIsIdempotentAndReplaysAfterClose(t *testing.T) {
	v := NewValue("x")
	ch := v.Subscribe(context.Background())
	require.Equal(t, "x", recv(t, ch))

	v.Close()
	v.Close()
	_, ok := <-ch
	require.False(t, ok)

	late := v.Subscribe(context.Background())
	require.Equal(t, "x", recv(t, late))
	_, ok = <-late
	require.False(t, ok)
}
