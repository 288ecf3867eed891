// Package queue carries attendance events from the API to the worker.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultKey is the redis list that holds attendance events.
const DefaultKey = "attendance:records"

// Message is one event on the feed.
type Message struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Body json.RawMessage `json:"body"`
}

// NewMessage builds a message with a fresh id, encoding body as JSON.
func NewMessage(typ string, body any) (Message, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s event: %w", typ, err)
	}
	return Message{ID: uuid.NewString(), Type: typ, At: time.Now().UTC(), Body: raw}, nil
}

// Queue is the event feed. Publish must not block past ctx; Consume streams
// until ctx is done.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	Consume(ctx context.Context) (<-chan Message, error)
}

// forward hands msg to out unless ctx ends first.
func forward(ctx context.Context, out chan<- Message, msg Message) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// InMemory is a bounded channel feed for single-process deployments and tests.
type InMemory struct {
	events chan Message
}

// NewInMemory creates a feed that buffers up to size events.
func NewInMemory(size int) *InMemory {
	return &InMemory{events: make(chan Message, size)}
}

// Publish blocks while the buffer is full.
func (q *InMemory) Publish(ctx context.Context, msg Message) error {
	select {
	case q.events <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns a channel that closes when ctx is done.
func (q *InMemory) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-q.events:
				if !forward(ctx, out, msg) {
					return
				}
			}
		}
	}()
	return out, nil
}

// RedisQueue shares the feed between processes through one Redis list:
// producers LPUSH JSON messages and consumers BRPOP them.
type RedisQueue struct {
	client *redis.Client
	key    string
	wait   time.Duration
}

// NewRedisQueue uses DefaultKey when key is empty.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultKey
	}
	return &RedisQueue{client: client, key: key, wait: 5 * time.Second}
}

// Publish pushes msg onto the list.
func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, raw).Err(); err != nil {
		return fmt.Errorf("publish %s to %s: %w", msg.Type, q.key, err)
	}
	return nil
}

// Consume pops messages until ctx is done. Malformed entries are logged and
// dropped; connection errors back off for a second.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for ctx.Err() == nil {
			msg, ok := q.pop(ctx)
			if ok && !forward(ctx, out, msg) {
				return
			}
		}
	}()
	return out, nil
}

func (q *RedisQueue) pop(ctx context.Context) (Message, bool) {
	res, err := q.client.BRPop(ctx, q.wait, q.key).Result()
	switch {
	case err == nil:
	case errors.Is(err, redis.Nil), ctx.Err() != nil:
		return Message{}, false
	default:
		log.Printf("queue: brpop %s: %v", q.key, err)
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
		return Message{}, false
	}
	if len(res) != 2 {
		return Message{}, false
	}
	msg, err := Decode([]byte(res[1]))
	if err != nil {
		log.Printf("queue: dropping malformed message: %v", err)
		return Message{}, false
	}
	return msg, true
}

// Decode parses a message in wire form.
func Decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, errors.New("decode message: missing type")
	}
	return msg, nil
}
