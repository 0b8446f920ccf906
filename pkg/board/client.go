package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client provides instance-scoped Redis operations for the board.
// All keys and channels are automatically namespaced with the instance name.
// The client is thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb          *redis.Client
	instanceName string
}

// NewClient creates a new board client for the specified instance.
// The client automatically namespaces all keys and channels with the instance name.
// Returns an error if instanceName is empty.
func NewClient(redisOpts *redis.Options, instanceName string) (*Client, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &Client{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
	}, nil
}

// InstanceName returns the instance this client is namespaced to.
func (c *Client) InstanceName() string {
	return c.instanceName
}

// Close closes the Redis connection. Implements io.Closer.
// After calling Close(), the client should not be used.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
// Returns an error if Redis is not reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// PublishMessage publishes a broadcast message to the tab events channel.
// The message is validated before sending.
func (c *Client) PublishMessage(ctx context.Context, msg *BroadcastMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid broadcast message: %w", err)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast message: %w", err)
	}

	channel := TabEventsChannel(c.instanceName)
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish broadcast message: %w", err)
	}

	return nil
}

// PublishSyncBatch publishes a batch of operations to the authority's sync
// requests channel. The batch is validated before sending.
func (c *Client) PublishSyncBatch(ctx context.Context, batch *SyncBatch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid sync batch: %w", err)
	}

	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal sync batch: %w", err)
	}

	channel := SyncRequestsChannel(c.instanceName)
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish sync batch: %w", err)
	}

	return nil
}

// PublishStorageEvent publishes a storage change notification.
// Called by the persistence layer after every completed write so that other
// contexts can re-sync.
func (c *Client) PublishStorageEvent(ctx context.Context, ev *StorageEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal storage event: %w", err)
	}

	channel := StorageEventsChannel(c.instanceName)
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish storage event: %w", err)
	}

	return nil
}

// GetRaw reads a raw stored value. Returns (nil, redis.Nil) if the key does
// not exist. Use IsNotFound() to check for not-found errors.
func (c *Client) GetRaw(ctx context.Context, key string) ([]byte, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, redis.Nil
		}
		return nil, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	return data, nil
}

// SetRaw writes a raw value. A zero ttl stores the key without expiry
// (durable sync tier); a positive ttl is used for session-tier keys.
func (c *Client) SetRaw(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}
	return nil
}

// DeleteKey removes a stored key. Deleting a missing key is not an error.
func (c *Client) DeleteKey(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Keys returns all keys matching the given pattern. Used only for the
// explicit all-scopes view; normal loads address a single scope key.
func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := c.rdb.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys for pattern %s: %w", pattern, err)
	}
	return keys, nil
}

// MessageSubscription represents an active Pub/Sub subscription to tab
// broadcast messages. Caller must call Close() when done.
type MessageSubscription struct {
	events <-chan *BroadcastMessage
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of broadcast messages.
// The channel is closed when the subscription is closed or the context is cancelled.
func (s *MessageSubscription) Events() <-chan *BroadcastMessage {
	return s.events
}

// Errors returns the channel of subscription errors.
// Errors include JSON unmarshaling failures and other non-fatal issues.
// The subscription continues after errors - messages are skipped.
func (s *MessageSubscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *MessageSubscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// RawSubscription delivers undecoded payloads from the tab events channel.
// Used by receivers that run their own schema validation before decoding.
type RawSubscription struct {
	events <-chan []byte
	cancel func()
	once   sync.Once
}

// Events returns the channel of raw payloads.
func (s *RawSubscription) Events() <-chan []byte {
	return s.events
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
func (s *RawSubscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// BatchSubscription represents an active Pub/Sub subscription to sync batch
// submissions. Used by the authority daemon.
type BatchSubscription struct {
	events <-chan *SyncBatch
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of sync batches.
func (s *BatchSubscription) Events() <-chan *SyncBatch {
	return s.events
}

// Errors returns the channel of subscription errors.
func (s *BatchSubscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
func (s *BatchSubscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// StorageEventSubscription represents an active Pub/Sub subscription to
// storage change notifications.
type StorageEventSubscription struct {
	events <-chan *StorageEvent
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of storage events.
func (s *StorageEventSubscription) Events() <-chan *StorageEvent {
	return s.events
}

// Errors returns the channel of subscription errors.
func (s *StorageEventSubscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
func (s *StorageEventSubscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeMessages subscribes to tab broadcast messages for this instance.
// Caller must call subscription.Close() when done. Context cancellation also
// stops the subscription.
//
// Events are delivered on a buffered channel (size 10) to prevent blocking.
// If the subscriber is too slow, events may be dropped by Redis Pub/Sub
// (at-most-once delivery).
func (c *Client) SubscribeMessages(ctx context.Context) (*MessageSubscription, error) {
	events, errs, cancel := subscribeJSON[BroadcastMessage](ctx, c.rdb, TabEventsChannel(c.instanceName))
	return &MessageSubscription{events: events, errors: errs, cancel: cancel}, nil
}

// SubscribeRawMessages subscribes to tab broadcast messages without decoding
// them, leaving validation to the caller. Caller must call subscription.Close()
// when done.
func (c *Client) SubscribeRawMessages(ctx context.Context) (*RawSubscription, error) {
	pubsub := c.rdb.Subscribe(ctx, TabEventsChannel(c.instanceName))

	eventsChan := make(chan []byte, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case eventsChan <- []byte(msg.Payload):
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &RawSubscription{events: eventsChan, cancel: cancelFunc}, nil
}

// SubscribeSyncBatches subscribes to sync batch submissions for this instance.
// Caller must call subscription.Close() when done.
func (c *Client) SubscribeSyncBatches(ctx context.Context) (*BatchSubscription, error) {
	events, errs, cancel := subscribeJSON[SyncBatch](ctx, c.rdb, SyncRequestsChannel(c.instanceName))
	return &BatchSubscription{events: events, errors: errs, cancel: cancel}, nil
}

// SubscribeStorageEvents subscribes to storage change notifications for this
// instance. Caller must call subscription.Close() when done.
func (c *Client) SubscribeStorageEvents(ctx context.Context) (*StorageEventSubscription, error) {
	events, errs, cancel := subscribeJSON[StorageEvent](ctx, c.rdb, StorageEventsChannel(c.instanceName))
	return &StorageEventSubscription{events: events, errors: errs, cancel: cancel}, nil
}

// subscribeJSON subscribes to a channel and decodes each payload into T.
// Malformed payloads are reported on the error channel and skipped.
func subscribeJSON[T any](ctx context.Context, rdb *redis.Client, channel string) (<-chan *T, <-chan error, func()) {
	pubsub := rdb.Subscribe(ctx, channel)

	eventsChan := make(chan *T, 10)
	errorsChan := make(chan error, 10)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var decoded T
				if err := json.Unmarshal([]byte(msg.Payload), &decoded); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal %s payload: %w", channel, err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &decoded:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return eventsChan, errorsChan, cancelFunc
}

// IsNotFound returns true if the error is a Redis "key not found" error
// (redis.Nil). Use this to check if GetRaw returned "not found".
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}
