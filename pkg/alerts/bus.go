// Package alerts carries alert banners (live notifications) over watermill so
// the terminal client and any other process on the same Redis can show them.
package alerts

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/campuslink/pkg/notifications"
	"github.com/go-go-golems/campuslink/pkg/redisstream"
)

const Topic = "campuslink.alerts"

type Alert struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Severity  string    `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
}

func FromNotification(e notifications.Entry) Alert {
	return Alert{
		ID:        e.ID,
		Title:     e.Title,
		Body:      e.Body,
		Severity:  string(e.Severity),
		CreatedAt: e.CreatedAt,
	}
}

type groupEnsurer func(ctx context.Context, addr, stream, group string) error

type Bus struct {
	ps       *redisstream.PubSub
	settings redisstream.Settings
	// ensureGroup places the consumer group at the stream tail before the
	// first subscribe, so a new group does not replay old alerts.
	ensureGroup groupEnsurer
}

func NewBus(s redisstream.Settings) (*Bus, error) {
	ps, err := redisstream.Build(s)
	if err != nil {
		return nil, errors.Wrap(err, "alerts: build pubsub")
	}
	return &Bus{ps: ps, settings: s, ensureGroup: redisstream.EnsureGroupAtTail}, nil
}

// NewBusWith wraps an existing publisher/subscriber pair.
func NewBusWith(pub message.Publisher, sub message.Subscriber) *Bus {
	return &Bus{ps: &redisstream.PubSub{Publisher: pub, Subscriber: sub}}
}

func (b *Bus) Publish(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return errors.Wrap(err, "alerts: marshal")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("severity", a.Severity)
	if err := b.ps.Publisher.Publish(Topic, msg); err != nil {
		return errors.Wrap(err, "alerts: publish")
	}
	return nil
}

// PublishAlert lets the notification feed use the bus as its alert sink.
func (b *Bus) PublishAlert(ctx context.Context, e notifications.Entry) error {
	return b.Publish(ctx, FromNotification(e))
}

// Subscribe yields alerts until ctx is done. Undecodable messages are acked
// and dropped.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Alert, error) {
	if b.settings.Enabled && b.ensureGroup != nil {
		if err := b.ensureGroup(ctx, b.settings.Addr, Topic, b.settings.Group); err != nil {
			return nil, errors.Wrap(err, "alerts: ensure consumer group")
		}
	}
	msgs, err := b.ps.Subscriber.Subscribe(ctx, Topic)
	if err != nil {
		return nil, errors.Wrap(err, "alerts: subscribe")
	}
	out := make(chan Alert, 16)
	go func() {
		defer close(out)
		for msg := range msgs {
			var a Alert
			if err := json.Unmarshal(msg.Payload, &a); err != nil {
				log.Warn().Err(err).Str("component", "alerts").Str("uuid", msg.UUID).Msg("dropping undecodable alert")
				msg.Ack()
				continue
			}
			select {
			case out <- a:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

func (b *Bus) Close() error {
	return b.ps.Close()
}
