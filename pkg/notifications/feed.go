// Package notifications keeps the signed-in user's notification feed: the
// REST history merged with notifications pushed over the realtime channel.
package notifications

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/campuslink/pkg/mailbox"
	"github.com/go-go-golems/campuslink/pkg/observable"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// ParseSeverity maps the server's notif_type onto a Severity, defaulting to
// info for anything unknown.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeveritySuccess, SeverityWarning, SeverityError:
		return Severity(s)
	default:
		return SeverityInfo
	}
}

type Entry struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Severity  Severity  `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
	Read      bool      `json:"read"`
}

// newer orders newest first, ties by id descending.
func newer(a, b Entry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

type Fetcher interface {
	FetchNotifications(ctx context.Context, skip, limit int) ([]Entry, error)
}

type Marker interface {
	MarkAllRead(ctx context.Context) error
}

// AlertSink receives every notification that first arrived live.
type AlertSink interface {
	PublishAlert(ctx context.Context, e Entry) error
}

type Snapshot struct {
	Entries []Entry
	Unread  int
	Loaded  bool
	Err     error
	Version uint64
}

type Options struct {
	PageSize int
	Fetcher  Fetcher
	Marker   Marker
	Alerts   AlertSink
}

// Feed is an actor: every mutation runs on its mailbox goroutine.
type Feed struct {
	opts  Options
	ctx   context.Context
	stop  context.CancelFunc
	box   *mailbox.Mailbox
	views *observable.Value[Snapshot]

	entries []Entry
	byID    map[int64]int
	loaded  bool
	err     error
	version uint64
}

func NewFeed(ctx context.Context, opts Options) *Feed {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	runCtx, cancel := context.WithCancel(ctx)
	f := &Feed{
		opts:  opts,
		ctx:   runCtx,
		stop:  cancel,
		box:   mailbox.New(256),
		views: observable.NewValue(Snapshot{}),
		byID:  map[int64]int{},
	}
	f.box.Start(runCtx, f.views.Close)
	return f
}

// Load fetches the newest page and merges it. Entries already present keep
// their local read state.
func (f *Feed) Load(ctx context.Context) error {
	if f.opts.Fetcher == nil {
		return errors.New("notifications: no fetcher configured")
	}
	page, err := f.opts.Fetcher.FetchNotifications(ctx, 0, f.opts.PageSize)
	if err != nil {
		err = errors.Wrap(err, "load notifications")
		_ = f.box.Post(func() {
			f.err = err
			f.publishLocked()
		})
		return err
	}
	return f.box.Call(ctx, func() {
		for _, e := range page {
			f.insertLocked(e)
		}
		f.loaded = true
		f.err = nil
		f.publishLocked()
	})
}

// Insert adds a live notification. Redelivery of a known id is ignored.
func (f *Feed) Insert(e Entry) error {
	return f.box.Post(func() {
		if !f.insertLocked(e) {
			return
		}
		f.publishLocked()
		if f.opts.Alerts != nil {
			if err := f.opts.Alerts.PublishAlert(f.ctx, e); err != nil {
				log.Warn().Err(err).Str("component", "notifications").Int64("id", e.ID).Msg("publish alert failed")
			}
		}
	})
}

func (f *Feed) MarkRead(id int64) error {
	return f.box.Post(func() {
		i, ok := f.byID[id]
		if !ok || f.entries[i].Read {
			return
		}
		f.entries[i].Read = true
		f.publishLocked()
	})
}

// MarkAllRead asks the server first and flips local state only once it
// accepted.
func (f *Feed) MarkAllRead(ctx context.Context) error {
	if f.opts.Marker != nil {
		if err := f.opts.Marker.MarkAllRead(ctx); err != nil {
			return errors.Wrap(err, "mark all notifications read")
		}
	}
	return f.box.Call(ctx, func() {
		changed := false
		for i := range f.entries {
			if !f.entries[i].Read {
				f.entries[i].Read = true
				changed = true
			}
		}
		if changed {
			f.publishLocked()
		}
	})
}

func (f *Feed) Unread() int { return f.views.Get().Unread }

func (f *Feed) Snapshot() Snapshot { return f.views.Get() }

func (f *Feed) Subscribe(ctx context.Context) <-chan Snapshot {
	return f.views.Subscribe(ctx)
}

func (f *Feed) Sync(ctx context.Context) error {
	return f.box.Call(ctx, func() {})
}

func (f *Feed) Close() {
	f.stop()
	f.box.Stop()
}

func (f *Feed) insertLocked(e Entry) bool {
	if _, dup := f.byID[e.ID]; dup {
		return false
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	idx := sort.Search(len(f.entries), func(i int) bool { return newer(e, f.entries[i]) })
	f.entries = slices.Insert(f.entries, idx, e)
	f.reindexLocked()
	return true
}

func (f *Feed) reindexLocked() {
	clear(f.byID)
	for i, e := range f.entries {
		f.byID[e.ID] = i
	}
}

func (f *Feed) publishLocked() {
	f.version++
	unread := 0
	for _, e := range f.entries {
		if !e.Read {
			unread++
		}
	}
	f.views.Set(Snapshot{
		Entries: slices.Clone(f.entries),
		Unread:  unread,
		Loaded:  f.loaded,
		Err:     f.err,
		Version: f.version,
	})
}
