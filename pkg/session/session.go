// Package session composes the sync core for one signed-in identity: the
// credential, the REST client, the push channel, the fanout, the per-topic
// transcripts and the notification feed.
//
// The push channel is connected exactly while a credential is present and at
// least one topic or notification watcher is active.
package session

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/campuslink/pkg/api"
	"github.com/go-go-golems/campuslink/pkg/credential"
	"github.com/go-go-golems/campuslink/pkg/fanout"
	"github.com/go-go-golems/campuslink/pkg/notifications"
	"github.com/go-go-golems/campuslink/pkg/realtime"
	"github.com/go-go-golems/campuslink/pkg/transcript"
)

var (
	ErrClosed    = errors.New("session: closed")
	ErrNotJoined = errors.New("session: topic not joined")
	ErrEmptyBody = errors.New("session: message body is empty")
)

type Options struct {
	API         *api.Client
	Credentials *credential.Store
	Channel     *realtime.Channel
	// PushURL is the websocket base; the token is appended as the last path
	// segment.
	PushURL               string
	Sync                  transcript.Options
	NotificationsPageSize int
	Alerts                notifications.AlertSink
}

type topic struct {
	sync *transcript.Synchronizer
	refs int
}

type Session struct {
	api     *api.Client
	creds   *credential.Store
	channel *realtime.Channel
	fanout  *fanout.Fanout
	feed    *notifications.Feed
	pushURL string
	syncOpt transcript.Options

	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group

	mu        sync.Mutex
	closed    bool
	token     string
	self      *api.User
	topics    map[string]*topic
	feedRefs  int
	connected string
}

// New wires the components and starts the session's goroutines. Close stops
// them.
func New(ctx context.Context, opts Options) (*Session, error) {
	if opts.API == nil || opts.Credentials == nil || opts.Channel == nil {
		return nil, errors.New("session: API, Credentials and Channel are required")
	}
	if opts.PushURL == "" {
		return nil, errors.New("session: PushURL is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		api:     opts.API,
		creds:   opts.Credentials,
		channel: opts.Channel,
		fanout:  fanout.New(),
		pushURL: strings.TrimRight(opts.PushURL, "/"),
		syncOpt: opts.Sync,
		ctx:     runCtx,
		cancel:  cancel,
		eg:      &errgroup.Group{},
		topics:  map[string]*topic{},
	}
	s.feed = notifications.NewFeed(runCtx, notifications.Options{
		PageSize: opts.NotificationsPageSize,
		Fetcher:  opts.API,
		Marker:   opts.API,
		Alerts:   opts.Alerts,
	})
	s.fanout.SetFeed(s.feed)

	creds := s.creds.Observe(runCtx)
	states := s.channel.States(runCtx)
	s.eg.Go(func() error { s.pump(runCtx); return nil })
	s.eg.Go(func() error { s.watchCredential(runCtx, creds); return nil })
	s.eg.Go(func() error { s.watchChannel(runCtx, states); return nil })
	return s, nil
}

func (s *Session) API() *api.Client { return s.api }

func (s *Session) Credentials() *credential.Store { return s.creds }

func (s *Session) Feed() *notifications.Feed { return s.feed }

func (s *Session) Fanout() *fanout.Fanout { return s.fanout }

func (s *Session) Channel() *realtime.Channel { return s.channel }

func (s *Session) ChannelStates(ctx context.Context) <-chan realtime.StateEvent {
	return s.channel.States(ctx)
}

// Login exchanges credentials for a token and stores it. The push channel
// follows through the credential observer.
func (s *Session) Login(ctx context.Context, username, password string) error {
	tok, err := s.api.Login(ctx, username, password)
	if err != nil {
		return err
	}
	return s.creds.Set(ctx, tok.AccessToken)
}

func (s *Session) Logout(ctx context.Context) error {
	return s.creds.Clear(ctx)
}

// Me returns the signed-in user, cached per token.
func (s *Session) Me(ctx context.Context) (api.User, error) {
	s.mu.Lock()
	if s.self != nil {
		u := *s.self
		s.mu.Unlock()
		return u, nil
	}
	token := s.token
	s.mu.Unlock()

	u, err := s.api.Me(ctx)
	if err != nil {
		return api.User{}, err
	}
	s.mu.Lock()
	if s.token == token {
		s.self = &u
	}
	s.mu.Unlock()
	return u, nil
}

// Join subscribes to a chat topic. The first join creates the transcript and
// starts its history fetch; release drops the reference and the last release
// closes the transcript, cancelling any fetch still running.
func (s *Session) Join(ctx context.Context, channel string) (*transcript.Synchronizer, func(), error) {
	channel = normalizeTopic(channel)
	var selfID int64
	if _, ok := s.creds.Get(); ok {
		me, err := s.Me(ctx)
		if err != nil {
			log.Warn().Err(err).Str("component", "session").Msg("could not resolve current user")
		}
		selfID = me.ID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrClosed
	}
	t, ok := s.topics[channel]
	if !ok {
		opts := s.syncOpt
		opts.SelfID = selfID
		sy := transcript.New(s.ctx, channel, s.api, opts)
		s.fanout.Register(channel, sy)
		if err := sy.Activate(); err != nil {
			s.fanout.Unregister(channel, sy)
			sy.Close()
			return nil, nil, errors.Wrapf(err, "activate topic %s", channel)
		}
		t = &topic{sync: sy}
		s.topics[channel] = t
		log.Info().Str("component", "session").Str("topic", channel).Msg("topic joined")
	}
	t.refs++
	s.reconcileLocked()

	var once sync.Once
	release := func() { once.Do(func() { s.leave(channel, t) }) }
	return t.sync, release, nil
}

func (s *Session) leave(channel string, t *topic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.refs--
	if t.refs > 0 {
		return
	}
	if cur, ok := s.topics[channel]; ok && cur == t {
		delete(s.topics, channel)
	}
	s.fanout.Unregister(channel, t.sync)
	t.sync.Close()
	log.Info().Str("component", "session").Str("topic", channel).Msg("topic left")
	s.reconcileLocked()
}

// WatchNotifications keeps the push channel up for the feed and loads its
// history on the first watcher.
func (s *Session) WatchNotifications(ctx context.Context) (*notifications.Feed, func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, ErrClosed
	}
	s.feedRefs++
	first := s.feedRefs == 1
	s.reconcileLocked()
	s.mu.Unlock()

	if first {
		if err := s.feed.Load(ctx); err != nil {
			log.Warn().Err(err).Str("component", "session").Msg("initial notification load failed")
		}
	}
	var once sync.Once
	release := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.feedRefs--
			s.reconcileLocked()
		})
	}
	return s.feed, release, nil
}

// SendChat shows body optimistically in the topic and sends it. On a send
// failure the optimistic entry is retracted and the error returned.
func (s *Session) SendChat(ctx context.Context, channel, body string) (transcript.Entry, error) {
	channel = normalizeTopic(channel)
	if strings.TrimSpace(body) == "" {
		return transcript.Entry{}, ErrEmptyBody
	}
	s.mu.Lock()
	t, ok := s.topics[channel]
	s.mu.Unlock()
	if !ok {
		return transcript.Entry{}, errors.Wrap(ErrNotJoined, channel)
	}
	me, err := s.Me(ctx)
	if err != nil {
		return transcript.Entry{}, errors.Wrap(err, "resolve sender")
	}

	local, err := t.sync.AddLocal(me.ID, body)
	if err != nil {
		return transcript.Entry{}, err
	}
	err = s.channel.SendJSON(api.OutboundMessage{Type: "message", Content: body, Channel: channel})
	if err != nil {
		_ = t.sync.Retract(local.LocalID)
		return transcript.Entry{}, err
	}
	return local, nil
}

// Close stops everything the session started. The credential store and the
// REST client stay usable.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	topics := s.topics
	s.topics = map[string]*topic{}
	s.mu.Unlock()

	s.cancel()
	s.channel.Close()
	for name, t := range topics {
		s.fanout.Unregister(name, t.sync)
		t.sync.Close()
	}
	s.feed.Close()
	return s.eg.Wait()
}

func (s *Session) pump(ctx context.Context) {
	in := s.channel.Receive()
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-in:
			s.fanout.Route(env)
		}
	}
}

func (s *Session) watchCredential(ctx context.Context, tokens <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case tok, ok := <-tokens:
			if !ok {
				return
			}
			s.mu.Lock()
			if tok != s.token {
				s.token = tok
				s.self = nil
			}
			s.reconcileLocked()
			s.mu.Unlock()
		}
	}
}

func (s *Session) watchChannel(ctx context.Context, states <-chan realtime.StateEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-states:
			if !ok {
				return
			}
			if ev.State == realtime.StateClosed && ev.Err != nil {
				// The run loop is done; the next demand change dials again.
				// A terminal event from a run that was already replaced says
				// nothing about the current one.
				s.mu.Lock()
				stale := ev.URL != s.connected
				if !stale {
					s.connected = ""
				}
				s.mu.Unlock()
				if stale {
					continue
				}
			}
			switch {
			case ev.State == realtime.StateOpen && ev.Reconnect:
				s.resyncAll(ctx)
			case ev.State == realtime.StateClosed && errors.Is(ev.Err, realtime.ErrUnauthorized):
				log.Warn().Str("component", "session").Msg("push channel rejected the credential; sign in again")
			case ev.State == realtime.StateClosed && errors.Is(ev.Err, realtime.ErrRetriesExhausted):
				log.Error().Err(ev.Err).Str("component", "session").Msg("push channel gave up reconnecting")
			}
		}
	}
}

// resyncAll refetches the newest page of every topic and the feed to cover
// frames lost while the channel was down.
func (s *Session) resyncAll(ctx context.Context) {
	s.mu.Lock()
	syncs := make([]*transcript.Synchronizer, 0, len(s.topics))
	for _, t := range s.topics {
		syncs = append(syncs, t.sync)
	}
	watchFeed := s.feedRefs > 0
	s.mu.Unlock()

	log.Info().Str("component", "session").Int("topics", len(syncs)).Msg("channel reconnected, resyncing")
	for _, sy := range syncs {
		_ = sy.Resync()
	}
	if watchFeed {
		s.eg.Go(func() error {
			if err := s.feed.Load(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("component", "session").Msg("notification resync failed")
			}
			return nil
		})
	}
}

// reconcileLocked connects or closes the push channel to match the current
// credential and demand.
func (s *Session) reconcileLocked() {
	want := ""
	if !s.closed && s.token != "" && (len(s.topics) > 0 || s.feedRefs > 0) {
		want = s.pushURL + "/" + url.PathEscape(s.token)
	}
	if want == s.connected {
		return
	}
	s.connected = want
	if want == "" {
		log.Debug().Str("component", "session").Msg("closing push channel")
		s.channel.Close()
		return
	}
	log.Debug().Str("component", "session").Msg("connecting push channel")
	s.channel.Connect(want)
}

func normalizeTopic(channel string) string {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return fanout.DefaultTopic
	}
	return channel
}
