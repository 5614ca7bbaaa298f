// Package broadcast fans ceremony state snapshots out to every other
// connected surface. Delivery is best effort: no acks, no retries, no
// ordering beyond approximately-causal per sender. Receivers overwrite
// their local state with whatever arrives last.
package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"qrgrad/internal/ceremony"
	"qrgrad/internal/store"
)

// TypeCeremonyUpdate is the only message type on the wire.
const TypeCeremonyUpdate = "CEREMONY_UPDATE"

// Envelope is the published message: the entire ceremony state plus a
// timestamp in unix milliseconds. Origin identifies the publishing
// process; the pub/sub backends deliver publishes back to the sender's
// own subscription, and a sender must never overwrite its state with
// an echo of an older snapshot it published itself.
type Envelope struct {
	Type          string         `json:"type"`
	CeremonyState ceremony.State `json:"ceremonyState"`
	Timestamp     int64          `json:"timestamp"`
	Origin        string         `json:"origin"`
}

// Broadcaster publishes state snapshots and hands out subscriptions.
type Broadcaster interface {
	Publish(ctx context.Context, st ceremony.State) error
	Subscribe(ctx context.Context) (<-chan Envelope, error)
	// Origin returns the id stamped on this broadcaster's publishes so
	// subscribers can drop their own echoes.
	Origin() string
}

var published = promauto.NewCounter(prometheus.CounterOpts{
	Name: "qrgrad_broadcasts_published_total",
	Help: "Ceremony state snapshots published.",
})

func newEnvelope(st ceremony.State, origin string) Envelope {
	return Envelope{
		Type:          TypeCeremonyUpdate,
		CeremonyState: st,
		Timestamp:     time.Now().UnixMilli(),
		Origin:        origin,
	}
}

// mirror writes the envelope to the fallback key so surfaces that were
// not subscribed at publish time can catch up from the persistent
// store. Depth-one history, last write wins.
func mirror(ctx context.Context, kv store.KV, raw []byte) error {
	if kv == nil {
		return nil
	}
	return kv.Set(ctx, ceremony.KeySync, raw)
}

// LastKnown reads the mirrored envelope, nil when none was ever
// published.
func LastKnown(ctx context.Context, kv store.KV) (*Envelope, error) {
	raw, ok, err := kv.Get(ctx, ceremony.KeySync)
	if err != nil || !ok {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// InMemory is a channel fan-out bus for single-process deployments and
// tests. Slow subscribers drop messages rather than block a publish.
type InMemory struct {
	kv     store.KV
	origin string

	mu   sync.Mutex
	subs map[chan Envelope]struct{}
}

// NewInMemory creates the bus. kv may be nil to skip the mirror.
func NewInMemory(kv store.KV) *InMemory {
	return &InMemory{kv: kv, origin: uuid.NewString(), subs: make(map[chan Envelope]struct{})}
}

// Origin returns the id stamped on this bus's publishes.
func (b *InMemory) Origin() string {
	return b.origin
}

// Publish delivers the snapshot to every subscriber.
func (b *InMemory) Publish(ctx context.Context, st ceremony.State) error {
	env := newEnvelope(st, b.origin)
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := mirror(ctx, b.kv, raw); err != nil {
		return err
	}
	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- env:
		default:
		}
	}
	b.mu.Unlock()
	published.Inc()
	return nil
}

// Subscribe returns a channel of envelopes, closed when ctx ends.
func (b *InMemory) Subscribe(ctx context.Context) (<-chan Envelope, error) {
	ch := make(chan Envelope, 16)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// Redis broadcasts over redis pub/sub so admin and display surfaces on
// different processes see the same stream.
type Redis struct {
	client  *redis.Client
	channel string
	kv      store.KV
	origin  string
}

// NewRedis builds a broadcaster on the given pub/sub channel.
func NewRedis(client *redis.Client, channel string, kv store.KV) *Redis {
	if channel == "" {
		channel = "qrgrad:ceremony"
	}
	return &Redis{client: client, channel: channel, kv: kv, origin: uuid.NewString()}
}

// Origin returns the id stamped on this broadcaster's publishes.
func (b *Redis) Origin() string {
	return b.origin
}

// Publish PUBLISHes the envelope and mirrors it to the fallback key.
func (b *Redis) Publish(ctx context.Context, st ceremony.State) error {
	raw, err := json.Marshal(newEnvelope(st, b.origin))
	if err != nil {
		return err
	}
	if err := mirror(ctx, b.kv, raw); err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, raw).Err(); err != nil {
		return err
	}
	published.Inc()
	return nil
}

// Subscribe streams envelopes until ctx ends. Messages that fail to
// decode are dropped.
func (b *Redis) Subscribe(ctx context.Context) (<-chan Envelope, error) {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan Envelope, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					continue
				}
				select {
				case out <- env:
				default:
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
