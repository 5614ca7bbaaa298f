package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"qrgrad/internal/ceremony"
)

// MsgAnnounce carries a JSON-encoded ceremony.Announcement.
const MsgAnnounce = "announce"

// Message represents work to be processed by the announcer.
type Message struct {
	Type string `json:"type"`
	Body []byte `json:"body"`
}

// Queue is the abstraction over different backends.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	Consume(ctx context.Context) (<-chan Message, error)
}

// AnnouncementPublisher adapts a Queue to the scan flow's announcer
// hook. Mutations never block on the announcement being spoken; they
// only enqueue it.
type AnnouncementPublisher struct {
	q Queue
}

// NewAnnouncementPublisher wraps a queue.
func NewAnnouncementPublisher(q Queue) *AnnouncementPublisher {
	return &AnnouncementPublisher{q: q}
}

// EnqueueAnnouncement publishes an announce job.
func (p *AnnouncementPublisher) EnqueueAnnouncement(ctx context.Context, a ceremony.Announcement) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if err := p.q.Publish(ctx, Message{Type: MsgAnnounce, Body: body}); err != nil {
		return err
	}
	announcementsEnqueued.Inc()
	return nil
}

// DecodeAnnouncement unpacks an announce job.
func DecodeAnnouncement(msg Message) (ceremony.Announcement, error) {
	var a ceremony.Announcement
	err := json.Unmarshal(msg.Body, &a)
	return a, err
}

// InMemory is a minimal channel-backed queue for dev/testing.
type InMemory struct {
	ch chan Message
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan Message, size)}
}

// Publish enqueues a message.
func (q *InMemory) Publish(ctx context.Context, msg Message) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns a channel for workers.
func (q *InMemory) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case msg := <-q.ch:
				out <- msg
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisQueue implements a simple Redis list-backed queue.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue builds a queue using LPUSH/BRPOP semantics.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "qrgrad:announcements"
	}
	return &RedisQueue{client: client, key: key}
}

// Publish enqueues a message.
func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, raw).Err()
}

// Consume streams messages using BRPOP.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				continue
			}
			if len(res) == 2 {
				var msg Message
				if err := json.Unmarshal([]byte(res[1]), &msg); err == nil {
					out <- msg
				}
			}
		}
	}()
	return out, nil
}
