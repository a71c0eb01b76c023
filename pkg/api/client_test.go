package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/campuslink/pkg/api"
	"github.com/go-go-golems/campuslink/pkg/campustest"
	"github.com/go-go-golems/campuslink/pkg/notifications"
	"github.com/go-go-golems/campuslink/pkg/transcript"
)

type mutableToken struct {
	mu  sync.Mutex
	tok string
}

func (m *mutableToken) Get() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tok, m.tok != ""
}

func (m *mutableToken) Set(tok string) {
	m.mu.Lock()
	m.tok = tok
	m.mu.Unlock()
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestAuthTransport_AttachesCurrentToken(t *testing.T) {
	var seen []string
	base := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		seen = append(seen, r.Header.Get("Authorization"))
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: r}, nil
	})
	src := &mutableToken{}
	tr := &api.AuthTransport{Base: base, Source: src}

	req := httptest.NewRequest(http.MethodGet, "http://campus.test/api/v1/users/me", nil)
	_, err := tr.RoundTrip(req)
	require.NoError(t, err)

	src.Set("abc")
	_, err = tr.RoundTrip(req)
	require.NoError(t, err)

	src.Set("")
	_, err = tr.RoundTrip(req)
	require.NoError(t, err)

	require.Equal(t, []string{"", "Bearer abc", ""}, seen)
	require.Empty(t, req.Header.Get("Authorization"), "caller request must not be mutated")
}

func TestAuthTransport_PassesTransportErrorsThrough(t *testing.T) {
	boom := errors.New("connection refused")
	tr := &api.AuthTransport{
		Base:   roundTripFunc(func(*http.Request) (*http.Response, error) { return nil, boom }),
		Source: api.TokenSourceFunc(func() (string, bool) { return "abc", true }),
	}
	_, err := tr.RoundTrip(httptest.NewRequest(http.MethodGet, "http://campus.test/", nil))
	require.Same(t, boom, err)
}

func TestClient_LoginAndMe(t *testing.T) {
	srv := campustest.NewServer()
	defer srv.Close()
	uid := srv.AddUser("ana@campus.edu", "pw", "Ana")

	tokens := &mutableToken{}
	c := api.NewClient(srv.URL, tokens)
	ctx := context.Background()

	_, err := c.Me(ctx)
	require.True(t, api.IsAuthError(err))
	require.ErrorIs(t, err, api.ErrUnauthorized)

	_, err = c.Login(ctx, "ana@campus.edu", "wrong")
	var apiErr *api.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	require.False(t, api.IsAuthError(err))

	tok, err := c.Login(ctx, "ana@campus.edu", "pw")
	require.NoError(t, err)
	require.Equal(t, "bearer", tok.TokenType)
	tokens.Set(tok.AccessToken)

	me, err := c.Me(ctx)
	require.NoError(t, err)
	require.Equal(t, uid, me.ID)
	require.Equal(t, "Ana", me.DisplayName())

	auths := srv.Authorizations()
	require.Equal(t, "Bearer "+tok.AccessToken, auths[len(auths)-1])
}

func TestClient_FetchHistoryNewestFirst(t *testing.T) {
	srv := campustest.NewServer()
	defer srv.Close()
	uid := srv.AddUser("ana@campus.edu", "pw", "Ana")
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		srv.AddHistory("general", uid, "hi", base.Add(time.Duration(i)*time.Second))
	}
	srv.AddHistory("random", uid, "elsewhere", base)

	c := api.NewClient(srv.URL, api.TokenSourceFunc(func() (string, bool) { return srv.IssueToken(uid), true }))
	entries, err := c.FetchHistory(context.Background(), "general", 1, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.True(t, entries[0].SentAt.After(entries[1].SentAt))
	require.Equal(t, base.Add(3*time.Second), entries[0].SentAt)
	require.Equal(t, "Ana", entries[0].SenderLabel)
	require.Equal(t, transcript.OriginHistory, entries[0].Origin)
}

func TestClient_NotificationsAndReadAll(t *testing.T) {
	srv := campustest.NewServer()
	defer srv.Close()
	uid := srv.AddUser("ana@campus.edu", "pw", "Ana")
	srv.AddNotification("Fire drill", "At noon", "warning", false)
	tok := srv.IssueToken(uid)

	c := api.NewClient(srv.URL, api.TokenSourceFunc(func() (string, bool) { return tok, true }))
	ctx := context.Background()
	entries, err := c.FetchNotifications(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, notifications.SeverityWarning, entries[0].Severity)
	require.Equal(t, "At noon", entries[0].Body)
	require.False(t, entries[0].CreatedAt.IsZero())

	require.NoError(t, c.MarkAllRead(ctx))
	require.True(t, srv.NotificationsRead())
}

func TestClient_ListEndpoints(t *testing.T) {
	srv := campustest.NewServer()
	defer srv.Close()
	srv.SetList("events", []map[string]any{{"id": 1, "title": "Hackathon", "organizer_id": 3, "created_at": "2024-03-01T10:00:00"}})
	srv.SetList("clubs", []map[string]any{{"id": 2, "name": "Chess"}})

	c := api.NewClient(srv.URL, nil)
	ctx := context.Background()
	events, err := c.Events(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "Hackathon", events[0].Title)
	require.True(t, events[0].StartTime.IsZero())

	clubs, err := c.Clubs(ctx, 0, 100)
	require.NoError(t, err)
	require.Equal(t, "Chess", clubs[0].Name)

	plans, err := c.TravelPlans(ctx, 0, 100)
	require.NoError(t, err)
	require.Empty(t, plans)
}

func TestClient_RegisterAndCreateEndpoints(t *testing.T) {
	srv := campustest.NewServer()
	defer srv.Close()
	ctx := context.Background()
	tokens := &mutableToken{}
	c := api.NewClient(srv.URL, tokens)

	u, err := c.Register(ctx, api.RegisterRequest{Email: "cy@campus.edu", Password: "pw", FullName: "Cy"})
	require.NoError(t, err)
	require.NotZero(t, u.ID)
	require.Equal(t, "Cy", u.DisplayName())
	_, err = c.Register(ctx, api.RegisterRequest{Email: "cy@campus.edu", Password: "pw"})
	var apiErr *api.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	tok, err := c.Login(ctx, "cy@campus.edu", "pw")
	require.NoError(t, err)
	tokens.Set(tok.AccessToken)

	ev, err := c.CreateEvent(ctx, api.EventCreate{Title: "Hackathon", Location: "Lab 2", StartTime: "2026-11-01T10:00:00"})
	require.NoError(t, err)
	require.Equal(t, "Hackathon", ev.Title)
	require.Equal(t, u.ID, ev.OrganizerID)
	require.False(t, ev.StartTime.IsZero())
	require.NoError(t, c.RegisterForEvent(ctx, ev.ID))
	require.Equal(t, []int64{ev.ID}, srv.Registrations())

	events, err := c.Events(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	plan, err := c.CreateTravelPlan(ctx, api.TravelPlanCreate{Destination: "Airport", DateTime: "2026-11-02T08:00:00", Mode: "cab", SeatsAvailable: 3})
	require.NoError(t, err)
	require.Equal(t, 3, plan.SeatsAvailable)
	require.Len(t, srv.Created("travel"), 1)

	n, err := c.SendNotification(ctx, api.NotificationCreate{Title: "Fire drill", Message: "At 3"})
	require.NoError(t, err)
	require.Equal(t, "info", n.Type)
}

func TestClient_Verifications(t *testing.T) {
	srv := campustest.NewServer()
	defer srv.Close()
	uid := srv.AddUser("ana@campus.edu", "pw", "Ana")
	ctx := context.Background()
	c := api.NewClient(srv.URL, &mutableToken{tok: srv.IssueToken(uid)})

	err := c.RequestVerification(ctx, "notes.txt", strings.NewReader("x"))
	require.Error(t, err)
	require.NoError(t, c.RequestVerification(ctx, "/tmp/card.png", strings.NewReader("PNGDATA")))
	err = c.RequestVerification(ctx, "card.png", strings.NewReader("again"))
	require.ErrorContains(t, err, "pending verification request already exists")

	pending, err := c.Verifications(ctx, "")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, uid, pending[0].UserID)
	require.Equal(t, "Ana", pending[0].FullName)
	require.Equal(t, api.VerificationPending, pending[0].Status)
	require.Empty(t, pending[0].AdminNote)
	require.False(t, pending[0].CreatedAt.IsZero())
	require.Equal(t, []byte("PNGDATA"), srv.VerificationCard(pending[0].ID))

	require.NoError(t, c.RejectVerification(ctx, pending[0].ID, "blurry photo"))
	rejected, err := c.Verifications(ctx, api.VerificationRejected)
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	require.Equal(t, "blurry photo", rejected[0].AdminNote)

	require.NoError(t, c.RequestVerification(ctx, "card.pdf", strings.NewReader("PDF")))
	pending, err = c.Verifications(ctx, api.VerificationPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NoError(t, c.ApproveVerification(ctx, pending[0].ID))
	approved, err := c.Verifications(ctx, api.VerificationApproved)
	require.NoError(t, err)
	require.Len(t, approved, 1)

	require.True(t, api.IsNotFound(c.ApproveVerification(ctx, 9999)))
}

func TestClient_Colleges(t *testing.T) {
	srv := campustest.NewServer()
	defer srv.Close()
	srv.SetList("colleges", []map[string]any{{"id": 1, "name": "North Campus", "slug": "north", "invite_code": "AB12CD34", "is_active": true}})

	colleges, err := api.NewClient(srv.URL, nil).Colleges(context.Background(), 0, 100)
	require.NoError(t, err)
	require.Len(t, colleges, 1)
	require.Equal(t, "north", colleges[0].Slug)
	require.True(t, colleges[0].IsActive)
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 3, 1, 12, 30, 15, 123456000, time.UTC)
	for _, in := range []string{
		"2024-03-01T12:30:15.123456",
		"2024-03-01T12:30:15.123456Z",
		"2024-03-01T14:30:15.123456+02:00",
		"2024-03-01 12:30:15.123456",
	} {
		got, err := api.ParseTimestamp(in)
		require.NoError(t, err, in)
		require.True(t, want.Equal(got), in)
	}
	_, err := api.ParseTimestamp("yesterday")
	require.Error(t, err)
}
