// Package events publishes interview lifecycle events on a watermill
// transport so that websocket clients, other instances and tooling can
// follow a session.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/grillo/pkg/interview"
	"github.com/go-go-golems/grillo/pkg/redisstream"
)

type Type string

const (
	TypeSessionStarted  Type = "session.started"
	TypeTurnRecorded    Type = "turn.recorded"
	TypeSessionFinished Type = "session.finished"
	TypeSessionEnded    Type = "session.ended_early"
	TypeReportReady     Type = "report.ready"
)

// Event is one lifecycle event. Only the fields relevant to Type are set.
type Event struct {
	ID        string             `json:"id"`
	Type      Type               `json:"type"`
	SessionID string             `json:"session_id"`
	At        time.Time          `json:"at"`
	Turn      int                `json:"turn,omitempty"`
	UserText  string             `json:"user_text,omitempty"`
	AIText    string             `json:"ai_text,omitempty"`
	Silent    bool               `json:"silent,omitempty"`
	Finished  bool               `json:"finished,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	Ratings   *interview.Ratings `json:"ratings,omitempty"`
}

// Publisher is what the interview service needs from the bus.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Topic is the stream a session's events go to.
func Topic(sessionID string) string {
	return "grillo.interview." + sessionID
}

// Bus publishes and subscribes to lifecycle events.
type Bus struct {
	transport *redisstream.Transport
	now       func() time.Time
}

var _ Publisher = &Bus{}

func NewBus(t *redisstream.Transport) *Bus {
	return &Bus{transport: t, now: time.Now}
}

func (b *Bus) Close() error {
	if b == nil || b.transport == nil {
		return nil
	}
	return b.transport.Close()
}

func (b *Bus) Publish(_ context.Context, ev Event) error {
	if ev.SessionID == "" {
		return errors.New("events: missing session id")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = b.now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "events: marshal")
	}
	msg := message.NewMessage(ev.ID, payload)
	msg.Metadata.Set("type", string(ev.Type))
	msg.Metadata.Set("session_id", ev.SessionID)
	if err := b.transport.Publisher.Publish(Topic(ev.SessionID), msg); err != nil {
		return errors.Wrap(err, "events: publish")
	}
	return nil
}

// Subscribe streams a session's events until ctx is cancelled. The returned
// channel is closed when the subscription ends.
func (b *Bus) Subscribe(ctx context.Context, sessionID string) (<-chan Event, error) {
	topic := Topic(sessionID)
	sub, err := b.transport.NewSubscriber(ctx, topic)
	if err != nil {
		return nil, errors.Wrap(err, "events: subscriber")
	}
	msgs, err := sub.Subscribe(ctx, topic)
	if err != nil {
		_ = sub.Close()
		return nil, errors.Wrap(err, "events: subscribe")
	}
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal(msg.Payload, &ev); err != nil {
					log.Warn().Err(err).Str("topic", topic).Msg("dropping undecodable event")
					msg.Ack()
					continue
				}
				msg.Ack()
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// LoggingPublisher wraps a Publisher so that publish failures are logged and
// never fail the caller.
type LoggingPublisher struct {
	Next Publisher
}

func (p LoggingPublisher) Publish(ctx context.Context, ev Event) error {
	if p.Next == nil {
		return nil
	}
	if err := p.Next.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("session_id", ev.SessionID).Str("type", string(ev.Type)).Msg("could not publish lifecycle event")
	}
	return nil
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
