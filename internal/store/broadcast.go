package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Broadcaster distributes change signals between writers of the same store.
// Signals carry no snapshot payload: a subscriber reloads from storage when
// it decides the change is relevant.
type Broadcaster interface {
	// Publish announces a change. Failures are advisory; persistence has
	// already succeeded by the time this is called.
	Publish(ctx context.Context, ch Change) error
	// Subscribe registers fn for changes affecting userID. The returned
	// cancel function stops delivery.
	Subscribe(ctx context.Context, userID string, fn func(Change)) (func(), error)
}

// LocalBroadcaster delivers changes between subscribers in the same process.
// Used in tests and single-process deployments.
type LocalBroadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]func(Change)
}

func NewLocalBroadcaster() *LocalBroadcaster {
	return &LocalBroadcaster{subs: make(map[string]map[int]func(Change))}
}

func (b *LocalBroadcaster) Publish(ctx context.Context, ch Change) error {
	b.mu.Lock()
	fns := make([]func(Change), 0, len(b.subs[ch.UserID]))
	for _, fn := range b.subs[ch.UserID] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(ch)
	}
	return nil
}

func (b *LocalBroadcaster) Subscribe(ctx context.Context, userID string, fn func(Change)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[userID] == nil {
		b.subs[userID] = make(map[int]func(Change))
	}
	id := b.nextID
	b.nextID++
	b.subs[userID][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[userID], id)
	}, nil
}

// RedisBroadcaster distributes changes over Redis pub/sub, one channel per
// user. Delivery is at-most-once; a missed signal only delays reload until
// the next conflict check.
type RedisBroadcaster struct {
	client *redis.Client
}

func NewRedisBroadcaster(client *redis.Client) *RedisBroadcaster {
	return &RedisBroadcaster{client: client}
}

func changeChannel(userID string) string {
	return "convoctx:changes:" + userID
}

func (b *RedisBroadcaster) Publish(ctx context.Context, ch Change) error {
	payload, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, changeChannel(ch.UserID), payload).Err()
}

func (b *RedisBroadcaster) Subscribe(ctx context.Context, userID string, fn func(Change)) (func(), error) {
	sub := b.client.Subscribe(ctx, changeChannel(userID))
	// Wait for the subscription to be confirmed so callers do not miss
	// changes published immediately after Subscribe returns.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}

	go func() {
		for msg := range sub.Channel() {
			var ch Change
			if err := json.Unmarshal([]byte(msg.Payload), &ch); err != nil {
				continue // malformed signal from an incompatible writer
			}
			fn(ch)
		}
	}()

	return func() { _ = sub.Close() }, nil
}
