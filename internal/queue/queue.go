// Package queue fans state-change notifications out to every API instance
// so each can drop its cached view.
package queue

import (
	"context"
	"errors"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// TypeStateWritten is published after every persisted write.
const TypeStateWritten = "state_written"

// ErrFull is returned when the in-memory buffer cannot take another message.
var ErrFull = errors.New("queue: buffer full")

// Message is one notification.
type Message struct {
	Type string `json:"type"`
	Body []byte `json:"body,omitempty"`
}

// Queue is the abstraction over different backends.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	Consume(ctx context.Context) (<-chan Message, error)
}

// InMemory is a bounded channel for single-process deployments.
type InMemory struct {
	ch chan Message
}

func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan Message, size)}
}

// Publish never blocks: notifications are idempotent, so a full buffer drops
// the message and reports ErrFull.
func (q *InMemory) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.ch <- msg:
		return nil
	default:
		return ErrFull
	}
}

// Consume returns a channel closed when ctx ends.
func (q *InMemory) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case msg := <-q.ch:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Redis broadcasts over a pub/sub channel so every subscriber sees every
// message.
type Redis struct {
	client  *redis.Client
	channel string
}

func NewRedis(client *redis.Client, channel string) *Redis {
	if channel == "" {
		channel = "amaliyah:state"
	}
	return &Redis{client: client, channel: channel}
}

func (q *Redis) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return q.client.Publish(ctx, q.channel, payload).Err()
}

// Consume subscribes and streams decoded messages until ctx ends. Payloads
// that fail to decode are skipped.
func (q *Redis) Consume(ctx context.Context) (<-chan Message, error) {
	sub := q.client.Subscribe(ctx, q.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}
	out := make(chan Message)
	go func() {
		defer close(out)
		defer sub.Close()
		in := sub.Channel()
		for {
			select {
			case raw, ok := <-in:
				if !ok {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
