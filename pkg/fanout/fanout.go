// Package fanout routes classified push frames to the component that owns the
// data: chat messages to their topic's transcript, notifications to the feed.
// It runs on the channel's read goroutine and only enqueues; it never touches
// merged state itself.
package fanout

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/campuslink/pkg/api"
	"github.com/go-go-golems/campuslink/pkg/notifications"
	"github.com/go-go-golems/campuslink/pkg/realtime"
	"github.com/go-go-golems/campuslink/pkg/transcript"
)

const DefaultTopic = "general"

// TopicSink accepts live entries for one topic. *transcript.Synchronizer
// implements it.
type TopicSink interface {
	Deliver(e transcript.Entry) error
}

type FeedSink interface {
	Insert(e notifications.Entry) error
}

type Outcome string

const (
	OutcomeMessage      Outcome = "message"
	OutcomeNotification Outcome = "notification"
	OutcomeNoTopic      Outcome = "no_topic"
	OutcomeNoFeed       Outcome = "no_feed"
	OutcomeUnknown      Outcome = "unknown"
	OutcomeMalformed    Outcome = "malformed"
)

type Stats struct {
	Messages      uint64
	Notifications uint64
	NoTopic       uint64
	Unknown       uint64
	Malformed     uint64
}

type Fanout struct {
	mu     sync.RWMutex
	topics map[string]TopicSink
	feed   FeedSink

	messages      atomic.Uint64
	notifications atomic.Uint64
	noTopic       atomic.Uint64
	unknown       atomic.Uint64
	malformed     atomic.Uint64
}

func New() *Fanout {
	return &Fanout{topics: map[string]TopicSink{}}
}

func (f *Fanout) Register(topic string, sink TopicSink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics[topic] = sink
}

// Unregister removes topic only if it is still bound to sink.
func (f *Fanout) Unregister(topic string, sink TopicSink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.topics[topic]; ok && cur == sink {
		delete(f.topics, topic)
	}
}

func (f *Fanout) SetFeed(feed FeedSink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feed = feed
}

// Route hands env to its owner. Bad input is logged and counted, never fatal.
func (f *Fanout) Route(env realtime.Envelope) Outcome {
	switch env.Type {
	case realtime.TypeMessage:
		return f.routeMessage(env)
	case realtime.TypeNotification:
		return f.routeNotification(env)
	default:
		f.unknown.Add(1)
		log.Warn().Str("component", "fanout").Str("type", env.RawType).Msg("dropping frame of unknown type")
		return OutcomeUnknown
	}
}

func (f *Fanout) routeMessage(env realtime.Envelope) Outcome {
	var m api.Message
	if err := env.Decode(&m); err != nil || m.ID == 0 {
		f.malformed.Add(1)
		log.Warn().Err(err).Str("component", "fanout").Msg("dropping chat frame without durable id")
		return OutcomeMalformed
	}
	topic := m.Channel
	if topic == "" {
		topic = DefaultTopic
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = api.Timestamp{Time: env.ReceivedAt.UTC()}
	}

	f.mu.RLock()
	sink := f.topics[topic]
	f.mu.RUnlock()
	if sink == nil {
		f.noTopic.Add(1)
		log.Debug().Str("component", "fanout").Str("topic", topic).Int64("id", m.ID).Msg("no active topic for message")
		return OutcomeNoTopic
	}
	if err := sink.Deliver(m.Entry(transcript.OriginLive)); err != nil {
		f.noTopic.Add(1)
		log.Debug().Err(err).Str("component", "fanout").Str("topic", topic).Msg("topic closed before delivery")
		return OutcomeNoTopic
	}
	f.messages.Add(1)
	return OutcomeMessage
}

func (f *Fanout) routeNotification(env realtime.Envelope) Outcome {
	var frame struct {
		ID        int64  `json:"id"`
		Title     string `json:"title"`
		Message   string `json:"message"`
		NotifType string `json:"notif_type"`
	}
	if err := env.Decode(&frame); err != nil || frame.ID == 0 {
		f.malformed.Add(1)
		log.Warn().Err(err).Str("component", "fanout").Msg("dropping notification frame without id")
		return OutcomeMalformed
	}

	f.mu.RLock()
	feed := f.feed
	f.mu.RUnlock()
	if feed == nil {
		log.Debug().Str("component", "fanout").Int64("id", frame.ID).Msg("no feed attached for notification")
		return OutcomeNoFeed
	}
	entry := notifications.Entry{
		ID:        frame.ID,
		Title:     frame.Title,
		Body:      frame.Message,
		Severity:  notifications.ParseSeverity(frame.NotifType),
		CreatedAt: env.ReceivedAt.UTC(),
	}
	if err := feed.Insert(entry); err != nil {
		log.Debug().Err(err).Str("component", "fanout").Msg("feed closed before delivery")
		return OutcomeNoFeed
	}
	f.notifications.Add(1)
	return OutcomeNotification
}

func (f *Fanout) Stats() Stats {
	return Stats{
		Messages:      f.messages.Load(),
		Notifications: f.notifications.Load(),
		NoTopic:       f.noTopic.Load(),
		Unknown:       f.unknown.Load(),
		Malformed:     f.malformed.Load(),
	}
}
