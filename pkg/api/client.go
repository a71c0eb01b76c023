// Package api is the REST surface of the campus backend. Every request goes
// through AuthTransport, so the signed-in credential is attached without the
// callers knowing about it.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/campuslink/pkg/notifications"
	"github.com/go-go-golems/campuslink/pkg/transcript"
)

const (
	apiPrefix      = "/api/v1"
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 4 << 10
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*clientOptions)

type clientOptions struct {
	timeout time.Duration
	base    http.RoundTripper
}

func WithTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.timeout = d }
}

// WithBaseTransport replaces the transport beneath AuthTransport.
func WithBaseTransport(rt http.RoundTripper) ClientOption {
	return func(o *clientOptions) { o.base = rt }
}

func NewClient(baseURL string, tokens TokenSource, opts ...ClientOption) *Client {
	o := clientOptions{timeout: defaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   o.timeout,
			Transport: &AuthTransport{Base: o.base, Source: tokens},
		},
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

// Login exchanges credentials for a bearer token (OAuth2 password form).
func (c *Client) Login(ctx context.Context, username, password string) (TokenResponse, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)
	var out TokenResponse
	err := c.do(ctx, http.MethodPost, "/login/access-token", nil,
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", &out)
	if err != nil {
		return TokenResponse{}, err
	}
	if out.AccessToken == "" {
		return TokenResponse{}, errors.New("api: login response without access_token")
	}
	return out, nil
}

func (c *Client) Register(ctx context.Context, req RegisterRequest) (User, error) {
	var out User
	err := c.postJSON(ctx, "/users/", req, &out)
	return out, err
}

func (c *Client) Me(ctx context.Context) (User, error) {
	var out User
	err := c.get(ctx, "/users/me", nil, &out)
	return out, err
}

// ChatHistory returns one page of a channel, newest first.
func (c *Client) ChatHistory(ctx context.Context, channel string, skip, limit int) ([]Message, error) {
	var out []Message
	err := c.get(ctx, "/chat/"+url.PathEscape(channel), pageQuery(skip, limit), &out)
	return out, err
}

// FetchHistory adapts ChatHistory to transcript.HistoryFetcher.
func (c *Client) FetchHistory(ctx context.Context, topic string, skip, limit int) ([]transcript.Entry, error) {
	msgs, err := c.ChatHistory(ctx, topic, skip, limit)
	if err != nil {
		return nil, err
	}
	out := make([]transcript.Entry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Entry(transcript.OriginHistory))
	}
	return out, nil
}

func (c *Client) Notifications(ctx context.Context, skip, limit int) ([]Notification, error) {
	var out []Notification
	err := c.get(ctx, "/notifications/", pageQuery(skip, limit), &out)
	return out, err
}

// FetchNotifications adapts Notifications to notifications.Fetcher.
func (c *Client) FetchNotifications(ctx context.Context, skip, limit int) ([]notifications.Entry, error) {
	ns, err := c.Notifications(ctx, skip, limit)
	if err != nil {
		return nil, err
	}
	out := make([]notifications.Entry, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.Entry())
	}
	return out, nil
}

func (c *Client) MarkAllRead(ctx context.Context) error {
	return c.postJSON(ctx, "/notifications/read-all", nil, nil)
}

func (c *Client) SendNotification(ctx context.Context, n NotificationCreate) (Notification, error) {
	var out Notification
	err := c.postJSON(ctx, "/notifications/send", n, &out)
	return out, err
}

func (c *Client) Events(ctx context.Context, skip, limit int) ([]Event, error) {
	var out []Event
	err := c.get(ctx, "/events/", pageQuery(skip, limit), &out)
	return out, err
}

func (c *Client) CreateEvent(ctx context.Context, e EventCreate) (Event, error) {
	var out Event
	err := c.postJSON(ctx, "/events/", e, &out)
	return out, err
}

func (c *Client) RegisterForEvent(ctx context.Context, id int64) error {
	return c.postJSON(ctx, "/events/"+strconv.FormatInt(id, 10)+"/register", nil, nil)
}

func (c *Client) Clubs(ctx context.Context, skip, limit int) ([]Club, error) {
	var out []Club
	err := c.get(ctx, "/clubs/", pageQuery(skip, limit), &out)
	return out, err
}

func (c *Client) Communities(ctx context.Context, skip, limit int) ([]Community, error) {
	var out []Community
	err := c.get(ctx, "/communities/", pageQuery(skip, limit), &out)
	return out, err
}

func (c *Client) TravelPlans(ctx context.Context, skip, limit int) ([]TravelPlan, error) {
	var out []TravelPlan
	err := c.get(ctx, "/travel/", pageQuery(skip, limit), &out)
	return out, err
}

func (c *Client) CreateTravelPlan(ctx context.Context, p TravelPlanCreate) (TravelPlan, error) {
	var out TravelPlan
	err := c.postJSON(ctx, "/travel/", p, &out)
	return out, err
}

func (c *Client) Marketplace(ctx context.Context, skip, limit int) ([]MarketplaceItem, error) {
	var out []MarketplaceItem
	err := c.get(ctx, "/marketplace/", pageQuery(skip, limit), &out)
	return out, err
}

func (c *Client) Colleges(ctx context.Context, skip, limit int) ([]College, error) {
	var out []College
	err := c.get(ctx, "/colleges/", pageQuery(skip, limit), &out)
	return out, err
}

// Verifications lists requests in the given status; empty means pending.
func (c *Client) Verifications(ctx context.Context, status string) ([]Verification, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	var out []Verification
	err := c.get(ctx, "/verifications/", q, &out)
	return out, err
}

// RequestVerification uploads an ID card image or PDF for review.
func (c *Client) RequestVerification(ctx context.Context, filename string, card io.Reader) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return errors.Wrap(err, "api: build verification upload")
	}
	if _, err := io.Copy(part, card); err != nil {
		return errors.Wrap(err, "api: read id card")
	}
	if err := mw.Close(); err != nil {
		return errors.Wrap(err, "api: build verification upload")
	}
	return c.do(ctx, http.MethodPost, "/verifications/request", nil, &body, mw.FormDataContentType(), nil)
}

func (c *Client) ApproveVerification(ctx context.Context, id int64) error {
	return c.postJSON(ctx, "/verifications/"+strconv.FormatInt(id, 10)+"/approve", nil, nil)
}

// RejectVerification rejects a request; note is shown to the student.
func (c *Client) RejectVerification(ctx context.Context, id int64, note string) error {
	q := url.Values{}
	if note != "" {
		q.Set("note", note)
	}
	return c.do(ctx, http.MethodPost, "/verifications/"+strconv.FormatInt(id, 10)+"/reject", q, nil, "", nil)
}

func pageQuery(skip, limit int) url.Values {
	q := url.Values{}
	q.Set("skip", strconv.Itoa(max(skip, 0)))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q
}

func (c *Client) get(ctx context.Context, path string, q url.Values, result any) error {
	return c.do(ctx, http.MethodGet, path, q, nil, "", result)
}

func (c *Client) postJSON(ctx context.Context, path string, body any, result any) error {
	var r io.Reader
	contentType := ""
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "api: marshal body for %s", path)
		}
		r = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(ctx, http.MethodPost, path, nil, r, contentType, result)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body io.Reader, contentType string, result any) error {
	u := c.baseURL + apiPrefix + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return errors.Wrapf(err, "api: build %s %s", method, path)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "api: %s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()

	log.Debug().Str("component", "api").Str("method", method).Str("path", path).
		Int("status", resp.StatusCode).Dur("elapsed", time.Since(start)).Msg("request done")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{
			StatusCode: resp.StatusCode,
			Method:     method,
			Path:       path,
			Body:       strings.TrimSpace(string(raw)),
		}
	}
	if result == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return errors.Wrapf(err, "api: decode %s %s", method, path)
	}
	return nil
}
