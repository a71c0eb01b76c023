// Package transcript merges a topic's paginated history with its live stream
// into one ordered, deduplicated sequence.
//
// Every mutation of a Synchronizer runs on its mailbox goroutine. Callers on
// other goroutines (the realtime read loop, history fetches, the UI) only
// post closures, so the merged sequence is never touched concurrently.
package transcript

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/campuslink/pkg/mailbox"
	"github.com/go-go-golems/campuslink/pkg/observable"
)

// HistoryFetcher returns one page of a topic's history. Pages may come back
// in any order; skip counts entries from the newest.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, topic string, skip, limit int) ([]Entry, error)
}

type HistoryFetcherFunc func(ctx context.Context, topic string, skip, limit int) ([]Entry, error)

func (f HistoryFetcherFunc) FetchHistory(ctx context.Context, topic string, skip, limit int) ([]Entry, error) {
	return f(ctx, topic, skip, limit)
}

type Options struct {
	PageSize int
	// MatchTolerance bounds the SentAt difference between an optimistic local
	// entry and the durable entry that confirms it.
	MatchTolerance time.Duration
	// ProvisionalWindow is how long a local entry stays eligible for matching.
	// Past it the entry is kept as provisional for the rest of the topic's life.
	ProvisionalWindow time.Duration
	SelfID            int64
	SelfLabel         string
	Now               func() time.Time
}

func DefaultOptions() Options {
	return Options{
		PageSize:          50,
		MatchTolerance:    10 * time.Second,
		ProvisionalWindow: 2 * time.Minute,
		SelfLabel:         "Me",
		Now:               time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PageSize <= 0 {
		o.PageSize = d.PageSize
	}
	if o.MatchTolerance <= 0 {
		o.MatchTolerance = d.MatchTolerance
	}
	if o.ProvisionalWindow <= 0 {
		o.ProvisionalWindow = d.ProvisionalWindow
	}
	if o.SelfLabel == "" {
		o.SelfLabel = d.SelfLabel
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}

type fetchKind int

const (
	fetchNone fetchKind = iota
	fetchInitial
	fetchOlder
	fetchResync
)

func (k fetchKind) String() string {
	switch k {
	case fetchInitial:
		return "initial"
	case fetchOlder:
		return "older"
	case fetchResync:
		return "resync"
	default:
		return "none"
	}
}

type Synchronizer struct {
	topic   string
	fetcher HistoryFetcher
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc
	box    *mailbox.Mailbox
	views  *observable.Value[View]

	// Owned by the mailbox goroutine.
	state   State
	err     error
	entries []Entry
	durable map[int64]struct{}
	locals  map[string]struct{}
	// matchable holds the SentAt of locals still inside ProvisionalWindow.
	matchable   map[string]time.Time
	pending     []Entry
	fetched     int
	hasOlder    bool
	inFlight    fetchKind
	fetchSeq    uint64
	fetchCancel context.CancelFunc
	version     uint64
}

func New(ctx context.Context, topic string, fetcher HistoryFetcher, opts Options) *Synchronizer {
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	s := &Synchronizer{
		topic:     topic,
		fetcher:   fetcher,
		opts:      opts.withDefaults(),
		ctx:       runCtx,
		cancel:    cancel,
		box:       mailbox.New(256),
		views:     observable.NewValue(View{Topic: topic, State: StateIdle}),
		state:     StateIdle,
		durable:   map[int64]struct{}{},
		locals:    map[string]struct{}{},
		matchable: map[string]time.Time{},
	}
	s.box.Start(runCtx, s.onStop)
	return s
}

func (s *Synchronizer) Topic() string { return s.topic }

// Activate issues the initial history fetch. Live entries delivered before it
// resolves are buffered and merged with the page. Calling Activate again after
// a failed fetch retries it; while loading or ready it is a no-op.
func (s *Synchronizer) Activate() error {
	return s.box.Post(func() {
		if s.state != StateIdle && s.state != StateError {
			return
		}
		s.state = StateLoading
		s.err = nil
		s.startFetchLocked(fetchInitial, 0)
		s.publishLocked()
	})
}

func (s *Synchronizer) Retry() error { return s.Activate() }

// LoadOlder fetches the next older page. It is ignored unless the transcript
// is ready and no other fetch is running.
func (s *Synchronizer) LoadOlder() error {
	return s.box.Post(func() {
		if s.state != StateReady || s.inFlight != fetchNone || !s.hasOlder {
			return
		}
		s.startFetchLocked(fetchOlder, s.fetched)
	})
}

// Resync refetches the newest page, covering anything missed while the live
// stream was down. Duplicates are absorbed by the id index.
func (s *Synchronizer) Resync() error {
	return s.box.Post(func() {
		switch s.state {
		case StateReady:
			if s.inFlight == fetchResync {
				return
			}
			s.startFetchLocked(fetchResync, 0)
		case StateError:
			s.state = StateLoading
			s.err = nil
			s.startFetchLocked(fetchInitial, 0)
			s.publishLocked()
		}
	})
}

// Deliver hands a live entry to the topic. It is safe to call from any
// goroutine; the entry is applied on the mailbox goroutine in call order.
func (s *Synchronizer) Deliver(e Entry) error {
	if e.Origin == "" {
		e.Origin = OriginLive
	}
	return s.box.Post(func() {
		if s.state != StateReady {
			s.pending = append(s.pending, e)
			return
		}
		if s.insertLocked(e) {
			s.publishLocked()
		}
	})
}

// AddLocal records an optimistic entry for a message this client is sending.
// The returned entry carries the synthetic id used until the server echo or a
// history page confirms it.
func (s *Synchronizer) AddLocal(senderID int64, body string) (Entry, error) {
	e := Entry{
		LocalID:     uuid.NewString(),
		SenderID:    senderID,
		Body:        body,
		SentAt:      s.opts.Now(),
		Origin:      OriginLocal,
		Provisional: true,
	}
	s.labelLocked(&e)
	err := s.box.Post(func() {
		if s.state != StateReady {
			s.pending = append(s.pending, e)
			return
		}
		if s.insertLocked(e) {
			s.publishLocked()
		}
	})
	return e, err
}

// Retract removes a local entry whose send never reached the server. Durable
// entries cannot be retracted.
func (s *Synchronizer) Retract(localID string) error {
	return s.box.Post(func() {
		if i := slices.IndexFunc(s.pending, func(e Entry) bool { return !e.Durable() && e.LocalID == localID }); i >= 0 {
			s.pending = slices.Delete(s.pending, i, i+1)
			return
		}
		if _, ok := s.locals[localID]; !ok {
			return
		}
		i := slices.IndexFunc(s.entries, func(e Entry) bool { return !e.Durable() && e.LocalID == localID })
		if i < 0 {
			return
		}
		delete(s.locals, localID)
		delete(s.matchable, localID)
		s.entries = slices.Delete(s.entries, i, i+1)
		s.publishLocked()
	})
}

func (s *Synchronizer) Snapshot() View { return s.views.Get() }

// Subscribe yields the current view and every later one.
func (s *Synchronizer) Subscribe(ctx context.Context) <-chan View {
	return s.views.Subscribe(ctx)
}

// Close cancels any in-flight fetch and ends all subscriptions.
func (s *Synchronizer) Close() {
	s.cancel()
	s.box.Stop()
}

// Sync waits until every closure posted before it has run.
func (s *Synchronizer) Sync(ctx context.Context) error {
	return s.box.Call(ctx, func() {})
}

func (s *Synchronizer) onStop() {
	if s.fetchCancel != nil {
		s.fetchCancel()
		s.fetchCancel = nil
	}
	s.state = StateClosed
	s.pending = nil
	s.publishLocked()
	s.views.Close()
	log.Debug().Str("component", "transcript").Str("topic", s.topic).Msg("synchronizer closed")
}

func (s *Synchronizer) startFetchLocked(kind fetchKind, skip int) {
	if s.fetchCancel != nil {
		s.fetchCancel()
	}
	s.fetchSeq++
	seq := s.fetchSeq
	ctx, cancel := context.WithCancel(s.ctx)
	s.fetchCancel = cancel
	s.inFlight = kind
	limit := s.opts.PageSize
	topic := s.topic
	fetcher := s.fetcher

	log.Debug().Str("component", "transcript").Str("topic", topic).
		Str("kind", kind.String()).Int("skip", skip).Int("limit", limit).Msg("fetching history")

	go func() {
		var (
			page []Entry
			err  error
		)
		if fetcher == nil {
			err = errors.New("transcript: no history fetcher")
		} else {
			page, err = fetcher.FetchHistory(ctx, topic, skip, limit)
		}
		_ = s.box.Post(func() { s.applyFetchLocked(seq, kind, limit, page, err) })
	}()
}

func (s *Synchronizer) applyFetchLocked(seq uint64, kind fetchKind, limit int, page []Entry, err error) {
	if seq != s.fetchSeq {
		return
	}
	if s.fetchCancel != nil {
		s.fetchCancel()
		s.fetchCancel = nil
	}
	s.inFlight = fetchNone

	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Str("component", "transcript").Str("topic", s.topic).
			Str("kind", kind.String()).Msg("history fetch failed")
		if kind == fetchInitial {
			s.state = StateError
		}
		s.err = errors.Wrapf(err, "fetch %s history for %s", kind, s.topic)
		s.publishLocked()
		return
	}

	switch kind {
	case fetchInitial:
		// Local entries go first so history and buffered echoes can confirm them.
		var buffered []Entry
		for _, e := range s.pending {
			if e.Durable() {
				buffered = append(buffered, e)
				continue
			}
			s.insertLocked(e)
		}
		for _, e := range page {
			e.Origin = OriginHistory
			s.insertLocked(e)
		}
		for _, e := range buffered {
			s.insertLocked(e)
		}
		s.pending = nil
		s.fetched = len(page)
		s.hasOlder = len(page) >= limit
		s.state = StateReady
		s.err = nil
	case fetchOlder:
		for _, e := range page {
			e.Origin = OriginHistory
			s.insertLocked(e)
		}
		s.fetched += len(page)
		s.hasOlder = len(page) >= limit
		s.err = nil
	case fetchResync:
		for _, e := range page {
			e.Origin = OriginHistory
			s.insertLocked(e)
		}
		s.err = nil
	}
	log.Debug().Str("component", "transcript").Str("topic", s.topic).Str("kind", kind.String()).
		Int("page", len(page)).Int("entries", len(s.entries)).Msg("history merged")
	s.publishLocked()
}

// insertLocked applies the idempotent insert rule and reports whether the
// transcript changed.
func (s *Synchronizer) insertLocked(e Entry) bool {
	s.labelLocked(&e)
	switch {
	case e.Durable():
		if _, dup := s.durable[e.ID]; dup {
			return false
		}
		if i := s.matchLocalLocked(e); i >= 0 {
			delete(s.locals, s.entries[i].LocalID)
			delete(s.matchable, s.entries[i].LocalID)
			s.entries = slices.Delete(s.entries, i, i+1)
		}
		e.Provisional = false
		s.durable[e.ID] = struct{}{}
	default:
		if e.LocalID == "" {
			e.LocalID = uuid.NewString()
		}
		if _, dup := s.locals[e.LocalID]; dup {
			return false
		}
		e.Provisional = true
		s.locals[e.LocalID] = struct{}{}
		s.matchable[e.LocalID] = e.SentAt
	}
	idx := sort.Search(len(s.entries), func(i int) bool { return Less(e, s.entries[i]) })
	s.entries = slices.Insert(s.entries, idx, e)
	return true
}

// matchLocalLocked finds the optimistic entry a durable entry confirms: same
// sender and body, SentAt within MatchTolerance, still inside
// ProvisionalWindow. The closest SentAt wins, the oldest on ties.
func (s *Synchronizer) matchLocalLocked(e Entry) int {
	now := s.opts.Now()
	for id, sentAt := range s.matchable {
		if now.Sub(sentAt) > s.opts.ProvisionalWindow {
			// Expired locals stay in the transcript as unconfirmed.
			delete(s.matchable, id)
		}
	}
	if len(s.matchable) == 0 {
		return -1
	}
	best := -1
	var bestDelta time.Duration
	for i, cand := range s.entries {
		if cand.Durable() || !cand.Provisional {
			continue
		}
		if _, ok := s.matchable[cand.LocalID]; !ok {
			continue
		}
		if cand.SenderID != e.SenderID || cand.Body != e.Body {
			continue
		}
		delta := absDuration(e.SentAt.Sub(cand.SentAt))
		if delta > s.opts.MatchTolerance {
			continue
		}
		if best < 0 || delta < bestDelta {
			best, bestDelta = i, delta
		}
	}
	return best
}

func (s *Synchronizer) labelLocked(e *Entry) {
	if s.opts.SelfID != 0 && e.SenderID == s.opts.SelfID {
		e.SenderLabel = s.opts.SelfLabel
		return
	}
	if e.SenderLabel == "" {
		e.SenderLabel = fmt.Sprintf("User %d", e.SenderID)
	}
}

func (s *Synchronizer) publishLocked() {
	s.version++
	v := View{
		Topic:    s.topic,
		State:    s.state,
		Err:      s.err,
		HasOlder: s.hasOlder,
		Version:  s.version,
	}
	if s.state == StateReady {
		v.Entries = slices.Clone(s.entries)
	}
	s.views.Set(v)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
