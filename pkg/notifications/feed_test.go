package notifications

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func note(id int64, min int) Entry {
	return Entry{ID: id, Title: "t", Body: "b", CreatedAt: base.Add(time.Duration(min) * time.Minute)}
}

type stubFetcher struct {
	page []Entry
	err  error
}

func (s stubFetcher) FetchNotifications(context.Context, int, int) ([]Entry, error) {
	return s.page, s.err
}

type stubMarker struct {
	err   error
	calls int
}

func (m *stubMarker) MarkAllRead(context.Context) error {
	m.calls++
	return m.err
}

type recordingSink struct {
	mu  sync.Mutex
	ids []int64
}

func (r *recordingSink) PublishAlert(_ context.Context, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, e.ID)
	return nil
}

func (r *recordingSink) IDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.ids...)
}

func feedIDs(s Snapshot) []int64 {
	out := make([]int64, 0, len(s.Entries))
	for _, e := range s.Entries {
		out = append(out, e.ID)
	}
	return out
}

func TestFeed_LoadAndLiveInsertDedupe(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	f := NewFeed(ctx, Options{
		Fetcher: stubFetcher{page: []Entry{note(1, 1), note(3, 3)}},
		Alerts:  sink,
	})
	t.Cleanup(f.Close)

	require.NoError(t, f.Load(ctx))
	require.NoError(t, f.Insert(note(2, 2)))
	require.NoError(t, f.Insert(note(3, 3)))
	require.NoError(t, f.Insert(note(2, 2)))
	require.NoError(t, f.Sync(ctx))

	snap := f.Snapshot()
	require.True(t, snap.Loaded)
	require.Equal(t, []int64{3, 2, 1}, feedIDs(snap))
	require.Equal(t, 3, snap.Unread)
	require.Equal(t, []int64{2}, sink.IDs())
}

func TestFeed_MarkReadAndMarkAllRead(t *testing.T) {
	ctx := context.Background()
	m := &stubMarker{}
	f := NewFeed(ctx, Options{Fetcher: stubFetcher{page: []Entry{note(1, 1), note(2, 2)}}, Marker: m})
	t.Cleanup(f.Close)
	require.NoError(t, f.Load(ctx))

	require.NoError(t, f.MarkRead(1))
	require.NoError(t, f.Sync(ctx))
	require.Equal(t, 1, f.Unread())

	require.NoError(t, f.MarkAllRead(ctx))
	require.Equal(t, 0, f.Unread())
	require.Equal(t, 1, m.calls)
}

func TestFeed_MarkAllReadFailureLeavesState(t *testing.T) {
	ctx := context.Background()
	m := &stubMarker{err: errors.New("401 unauthorized")}
	f := NewFeed(ctx, Options{Fetcher: stubFetcher{page: []Entry{note(1, 1)}}, Marker: m})
	t.Cleanup(f.Close)
	require.NoError(t, f.Load(ctx))

	require.ErrorContains(t, f.MarkAllRead(ctx), "401")
	require.Equal(t, 1, f.Unread())
}

func TestFeed_LoadErrorIsSurfaced(t *testing.T) {
	ctx := context.Background()
	f := NewFeed(ctx, Options{Fetcher: stubFetcher{err: errors.New("boom")}})
	t.Cleanup(f.Close)

	require.ErrorContains(t, f.Load(ctx), "boom")
	require.NoError(t, f.Sync(ctx))
	require.Error(t, f.Snapshot().Err)
	require.False(t, f.Snapshot().Loaded)
}

func TestFeed_ReloadKeepsReadState(t *testing.T) {
	ctx := context.Background()
	f := NewFeed(ctx, Options{Fetcher: stubFetcher{page: []Entry{note(1, 1)}}})
	t.Cleanup(f.Close)
	require.NoError(t, f.Load(ctx))
	require.NoError(t, f.MarkRead(1))
	require.NoError(t, f.Load(ctx))
	require.Equal(t, 0, f.Unread())
}

func TestParseSeverity(t *testing.T) {
	require.Equal(t, SeverityWarning, ParseSeverity("warning"))
	require.Equal(t, SeverityInfo, ParseSeverity("celebration"))
	require.Equal(t, SeverityInfo, ParseSeverity(""))
}
