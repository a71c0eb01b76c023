package credential

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/campuslink/pkg/persistence/kvstore"
)

type failingBackend struct {
	*kvstore.MemoryStore
	failPut bool
}

func (f *failingBackend) Put(ctx context.Context, key, value string) error {
	if f.failPut {
		return errors.New("disk full")
	}
	return f.MemoryStore.Put(ctx, key, value)
}

func next(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for credential update")
	}
	return ""
}

func TestStore_SetGetClear(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, kvstore.NewMemoryStore())
	require.NoError(t, err)

	_, ok := s.Get()
	require.False(t, ok)

	require.NoError(t, s.Set(ctx, "abc"))
	tok, ok := s.Get()
	require.True(t, ok)
	require.Equal(t, "abc", tok)

	require.NoError(t, s.Clear(ctx))
	_, ok = s.Get()
	require.False(t, ok)

	require.ErrorIs(t, s.Set(ctx, "  "), ErrEmptyToken)
}

func TestStore_RestoresAfterRestart(t *testing.T) {
	ctx := context.Background()
	dsn, err := kvstore.SQLiteDSNForFile(filepath.Join(t.TempDir(), "cred.db"))
	require.NoError(t, err)

	backend, err := kvstore.NewSQLiteStore(dsn)
	require.NoError(t, err)
	s, err := Open(ctx, backend)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "persisted"))
	s.Close()
	require.NoError(t, backend.Close())

	backend, err = kvstore.NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	s, err = Open(ctx, backend)
	require.NoError(t, err)
	tok, ok := s.Get()
	require.True(t, ok)
	require.Equal(t, "persisted", tok)
}

func TestStore_ObserveReplaysThenStreams(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, err := Open(ctx, kvstore.NewMemoryStore())
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "first"))

	ch := s.Observe(ctx)
	require.Equal(t, "first", next(t, ch))

	require.NoError(t, s.Set(ctx, "second"))
	require.NoError(t, s.Clear(ctx))
	require.Equal(t, "second", next(t, ch))
	require.Equal(t, "", next(t, ch))
}

func TestStore_FailedWriteKeepsPreviousValue(t *testing.T) {
	ctx := context.Background()
	backend := &failingBackend{MemoryStore: kvstore.NewMemoryStore()}
	s, err := Open(ctx, backend)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "good"))

	backend.failPut = true
	require.ErrorContains(t, s.Set(ctx, "bad"), "disk full")

	tok, ok := s.Get()
	require.True(t, ok)
	require.Equal(t, "good", tok)
}

func TestStore_ConcurrentWritersLeaveConsistentState(t *testing.T) {
	ctx := context.Background()
	backend := kvstore.NewMemoryStore()
	s, err := Open(ctx, backend)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%5 == 0 {
				_ = s.Clear(ctx)
				return
			}
			_ = s.Set(ctx, fmt.Sprintf("t%d", i))
		}(i)
	}
	wg.Wait()

	mem, _ := s.Get()
	stored, _, err := backend.Get(ctx, TokenKey)
	require.NoError(t, err)
	require.Equal(t, stored, mem)
}
