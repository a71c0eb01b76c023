package mailbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMailbox_RunsClosuresInOrder(t *testing.T) {
	m := New(4)
	m.Start(context.Background(), nil)
	defer m.Stop()

	var got []int
	for i := 0; i < 100; i++ {
		require.NoError(t, m.Post(func() { got = append(got, i) }))
	}
	require.NoError(t, m.Call(context.Background(), func() {}))

	require.Len(t, got, 100)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestMailbox_StopRunsOnStopAndRejectsPosts(t *testing.T) {
	m := New(1)
	stopped := false
	m.Start(context.Background(), func() { stopped = true })
	m.Stop()
	m.Stop()

	require.True(t, stopped)
	require.ErrorIs(t, m.Post(func() {}), ErrClosed)
	require.ErrorIs(t, m.Call(context.Background(), func() {}), ErrClosed)
}
