package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/campuslink/pkg/api"
	"github.com/go-go-golems/campuslink/pkg/campustest"
	"github.com/go-go-golems/campuslink/pkg/credential"
	"github.com/go-go-golems/campuslink/pkg/notifications"
	"github.com/go-go-golems/campuslink/pkg/persistence/kvstore"
	"github.com/go-go-golems/campuslink/pkg/realtime"
	"github.com/go-go-golems/campuslink/pkg/transcript"
)

type recordingAlerts struct {
	mu  sync.Mutex
	ids []int64
}

func (r *recordingAlerts) PublishAlert(_ context.Context, e notifications.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, e.ID)
	return nil
}

func (r *recordingAlerts) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

type fixture struct {
	srv    *campustest.Server
	s      *Session
	creds  *credential.Store
	alerts *recordingAlerts
	uid    int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	srv := campustest.NewServer()
	t.Cleanup(srv.Close)
	uid := srv.AddUser("ana@campus.edu", "pw", "Ana")

	creds, err := credential.Open(ctx, kvstore.NewMemoryStore())
	require.NoError(t, err)
	cfg := realtime.DefaultConfig()
	cfg.InitialBackoff = 50 * time.Millisecond
	cfg.MaxBackoff = 100 * time.Millisecond
	cfg.Jitter = 0

	alerts := &recordingAlerts{}
	s, err := New(ctx, Options{
		API:         api.NewClient(srv.URL, creds),
		Credentials: creds,
		Channel:     realtime.NewChannel(nil, cfg),
		PushURL:     srv.WSURL(),
		Alerts:      alerts,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return &fixture{srv: srv, s: s, creds: creds, alerts: alerts, uid: uid}
}

func waitTopic(t *testing.T, sy *transcript.Synchronizer, pred func(transcript.View) bool) transcript.View {
	t.Helper()
	require.Eventually(t, func() bool { return pred(sy.Snapshot()) }, 3*time.Second, 10*time.Millisecond)
	return sy.Snapshot()
}

func bodies(v transcript.View) []string {
	out := make([]string, 0, len(v.Entries))
	for _, e := range v.Entries {
		out = append(out, e.Body)
	}
	return out
}

func TestSession_JoinMergesHistoryAndLive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.srv.AddHistory("general", f.uid, "first", time.Now().Add(-time.Minute))

	require.NoError(t, f.s.Login(ctx, "ana@campus.edu", "pw"))
	sy, release, err := f.s.Join(ctx, "general")
	require.NoError(t, err)
	defer release()

	v := waitTopic(t, sy, func(v transcript.View) bool { return v.State == transcript.StateReady })
	require.Equal(t, []string{"first"}, bodies(v))
	require.Equal(t, "Me", v.Entries[0].SenderLabel)
	require.Eventually(t, func() bool { return f.srv.Connections() == 1 }, 3*time.Second, 10*time.Millisecond)

	other := f.srv.AddUser("bo@campus.edu", "pw", "Bo")
	f.srv.PostLive("general", other, "second", time.Now())
	f.srv.PostLive("random", other, "elsewhere", time.Now())
	v = waitTopic(t, sy, func(v transcript.View) bool { return len(v.Entries) == 2 })
	require.Equal(t, []string{"first", "second"}, bodies(v))
	require.Equal(t, fmt.Sprintf("User %d", other), v.Entries[1].SenderLabel)
}

func TestSession_SendChatReconcilesWithEcho(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.s.Login(ctx, "ana@campus.edu", "pw"))

	_, err := f.s.SendChat(ctx, "general", "hello")
	require.ErrorIs(t, err, ErrNotJoined)

	sy, release, err := f.s.Join(ctx, "general")
	require.NoError(t, err)
	defer release()
	waitTopic(t, sy, func(v transcript.View) bool { return v.State == transcript.StateReady })
	require.Eventually(t, func() bool {
		return f.s.Channel().State().State == realtime.StateOpen && f.srv.Connections() == 1
	}, 3*time.Second, 10*time.Millisecond)

	local, err := f.s.SendChat(ctx, "general", "hello")
	require.NoError(t, err)
	require.True(t, local.Provisional)

	v := waitTopic(t, sy, func(v transcript.View) bool {
		return len(v.Entries) == 1 && v.Entries[0].Durable()
	})
	require.False(t, v.Entries[0].Provisional)
	require.Equal(t, "hello", v.Entries[0].Body)

	received := f.srv.Received()
	require.Len(t, received, 1)
	require.Equal(t, "message", received[0]["type"])
	require.Equal(t, "general", received[0]["channel"])

	_, err = f.s.SendChat(ctx, "general", "   ")
	require.ErrorIs(t, err, ErrEmptyBody)
}

func TestSession_ReconnectResyncsMissedMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.s.Login(ctx, "ana@campus.edu", "pw"))
	sy, release, err := f.s.Join(ctx, "general")
	require.NoError(t, err)
	defer release()
	waitTopic(t, sy, func(v transcript.View) bool { return v.State == transcript.StateReady })
	require.Eventually(t, func() bool { return f.srv.Connections() == 1 }, 3*time.Second, 10*time.Millisecond)

	f.srv.DropConnections()
	// Stored while nobody is connected, so only the resync can find it.
	f.srv.AddHistory("general", f.uid, "missed", time.Now())

	v := waitTopic(t, sy, func(v transcript.View) bool { return len(v.Entries) == 1 })
	require.Equal(t, []string{"missed"}, bodies(v))
	require.Eventually(t, func() bool { return f.srv.Connections() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestSession_ChannelFollowsDemandAndCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sy, release, err := f.s.Join(ctx, "general")
	require.NoError(t, err)
	// Signed out: the history fetch is rejected and no socket is opened.
	v := waitTopic(t, sy, func(v transcript.View) bool { return v.State == transcript.StateError })
	require.True(t, api.IsAuthError(v.Err))
	require.Zero(t, f.srv.Dials())

	require.NoError(t, f.s.Login(ctx, "ana@campus.edu", "pw"))
	require.Eventually(t, func() bool { return f.srv.Connections() == 1 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, sy.Retry())
	waitTopic(t, sy, func(v transcript.View) bool { return v.State == transcript.StateReady })

	// Joining the same topic twice shares the transcript.
	again, releaseAgain, err := f.s.Join(ctx, "general")
	require.NoError(t, err)
	require.Same(t, sy, again)
	release()
	require.Equal(t, transcript.StateReady, sy.Snapshot().State)
	releaseAgain()
	releaseAgain()

	waitTopic(t, sy, func(v transcript.View) bool { return v.State == transcript.StateClosed })
	require.Eventually(t, func() bool { return f.srv.Connections() == 0 }, 3*time.Second, 10*time.Millisecond)

	_, releaseFeed, err := f.s.WatchNotifications(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.srv.Connections() == 1 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, f.s.Logout(ctx))
	require.Eventually(t, func() bool { return f.srv.Connections() == 0 }, 3*time.Second, 10*time.Millisecond)
	releaseFeed()
}

func TestSession_LiveNotificationsReachFeedAndAlerts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.srv.AddNotification("Welcome", "Orientation at 10", "info", false)
	require.NoError(t, f.s.Login(ctx, "ana@campus.edu", "pw"))

	feed, release, err := f.s.WatchNotifications(ctx)
	require.NoError(t, err)
	defer release()
	require.Equal(t, 1, feed.Unread())
	require.Eventually(t, func() bool { return f.srv.Connections() == 1 }, 3*time.Second, 10*time.Millisecond)

	f.srv.AddNotification("Storm", "Campus closes at 3", "warning", true)
	require.Eventually(t, func() bool { return feed.Unread() == 2 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return f.alerts.Count() == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, notifications.SeverityWarning, feed.Snapshot().Entries[0].Severity)

	require.NoError(t, feed.MarkAllRead(ctx))
	require.Equal(t, 0, feed.Unread())
	require.True(t, f.srv.NotificationsRead())
}

func TestSession_RevokedTokenStopsChannel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.s.Login(ctx, "ana@campus.edu", "pw"))
	tok, _ := f.creds.Get()

	states := f.s.ChannelStates(ctx)
	_, release, err := f.s.WatchNotifications(ctx)
	require.NoError(t, err)
	defer release()
	require.Eventually(t, func() bool { return f.srv.Connections() == 1 }, 3*time.Second, 10*time.Millisecond)

	f.srv.RevokeToken(tok)
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-states:
			if ev.State == realtime.StateClosed && ev.Err != nil {
				require.ErrorIs(t, ev.Err, realtime.ErrUnauthorized)
				return
			}
		case <-deadline:
			t.Fatal("channel did not close on revoked token")
		}
	}
}

func TestSession_StaleTerminalEventKeepsCurrentChannel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.s.Login(ctx, "ana@campus.edu", "pw"))
	_, release, err := f.s.WatchNotifications(ctx)
	require.NoError(t, err)
	defer release()
	require.Eventually(t, func() bool { return f.srv.Connections() == 1 }, 3*time.Second, 10*time.Millisecond)

	connected := func() string {
		f.s.mu.Lock()
		defer f.s.mu.Unlock()
		return f.s.connected
	}
	current := connected()
	require.NotEmpty(t, current)

	feedStates := func(evs ...realtime.StateEvent) {
		ch := make(chan realtime.StateEvent, len(evs))
		for _, ev := range evs {
			ch <- ev
		}
		close(ch)
		f.s.watchChannel(ctx, ch)
	}

	feedStates(realtime.StateEvent{State: realtime.StateClosed, URL: f.srv.WSURL() + "/old-token", Err: realtime.ErrUnauthorized})
	require.Equal(t, current, connected())

	feedStates(realtime.StateEvent{State: realtime.StateClosed, URL: current, Err: realtime.ErrRetriesExhausted})
	require.Empty(t, connected())
}
