package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces every key and channel used by RedisStore.
const DefaultKeyPrefix = "crossroads:"

// RedisStore keeps extensions in Redis:
//
//	<prefix>extensions        set of tags
//	<prefix>extension:<tag>   hash: component, digest, size, created_at, updated_at
//	<prefix>current           tag of the active extension
//
// Activation changes are published on <prefix>current so that every
// replica can follow them with Subscribe.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// RedisOption configures NewRedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix replaces DefaultKeyPrefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// NewRedisStore wraps a connected client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: DefaultKeyPrefix, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenRedis connects to addr and verifies the connection.
func OpenRedis(ctx context.Context, addr, password string, db int, opts ...RedisOption) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStore(client, opts...), nil
}

func (s *RedisStore) tagsKey() string              { return s.prefix + "extensions" }
func (s *RedisStore) extensionKey(tag string) string { return s.prefix + "extension:" + tag }
func (s *RedisStore) currentKey() string           { return s.prefix + "current" }

// Channel is the pub/sub channel activation changes are published on.
func (s *RedisStore) Channel() string { return s.prefix + "current" }

// All implements Store.
func (s *RedisStore) All(ctx context.Context) ([]Metadata, error) {
	tags, err := s.client.SMembers(ctx, s.tagsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list extensions: %w", err)
	}
	sort.Strings(tags)
	out := make([]Metadata, 0, len(tags))
	for _, tag := range tags {
		m, err := s.Metadata(ctx, tag)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Metadata implements Store.
func (s *RedisStore) Metadata(ctx context.Context, tag string) (Metadata, error) {
	if err := ValidateTag(tag); err != nil {
		return Metadata{}, err
	}
	values, err := s.client.HMGet(ctx, s.extensionKey(tag), "digest", "size", "created_at", "updated_at").Result()
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read extension %s: %w", tag, err)
	}
	return parseMetadata(tag, values)
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, tag string) (Extension, error) {
	if err := ValidateTag(tag); err != nil {
		return Extension{}, err
	}
	values, err := s.client.HMGet(ctx, s.extensionKey(tag), "digest", "size", "created_at", "updated_at", "component").Result()
	if err != nil {
		return Extension{}, fmt.Errorf("failed to read extension %s: %w", tag, err)
	}
	m, err := parseMetadata(tag, values[:4])
	if err != nil {
		return Extension{}, err
	}
	component, ok := values[4].(string)
	if !ok {
		return Extension{}, fmt.Errorf("%w: %s", ErrNotFound, tag)
	}
	return Extension{Metadata: m, Binary: []byte(component)}, nil
}

// parseMetadata decodes HMGET results for digest, size, created_at and
// updated_at. A missing hash yields nil for every field.
func parseMetadata(tag string, values []interface{}) (Metadata, error) {
	fields := make([]string, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			return Metadata{}, fmt.Errorf("%w: %s", ErrNotFound, tag)
		}
		fields[i] = s
	}
	size, err := strconv.Atoi(fields[1])
	if err != nil {
		return Metadata{}, fmt.Errorf("corrupt size for %s: %w", tag, err)
	}
	created, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return Metadata{}, fmt.Errorf("corrupt created_at for %s: %w", tag, err)
	}
	updated, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return Metadata{}, fmt.Errorf("corrupt updated_at for %s: %w", tag, err)
	}
	return Metadata{Tag: tag, Digest: fields[0], Size: size, CreatedAt: created, UpdatedAt: updated}, nil
}

// Create implements Store.
func (s *RedisStore) Create(ctx context.Context, tag string, binary []byte) (Metadata, error) {
	if err := ValidateTag(tag); err != nil {
		return Metadata{}, err
	}
	// SADD is the arbiter: only one concurrent creator adds the tag.
	added, err := s.client.SAdd(ctx, s.tagsKey(), tag).Result()
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to create extension %s: %w", tag, err)
	}
	if added == 0 {
		return Metadata{}, fmt.Errorf("%w: %s", ErrTagExists, tag)
	}

	m := newMetadata(tag, binary, s.now())
	err = s.client.HSet(ctx, s.extensionKey(tag),
		"component", binary,
		"digest", m.Digest,
		"size", m.Size,
		"created_at", m.CreatedAt,
		"updated_at", m.UpdatedAt,
	).Err()
	if err != nil {
		s.client.SRem(ctx, s.tagsKey(), tag)
		return Metadata{}, fmt.Errorf("failed to create extension %s: %w", tag, err)
	}
	return m, nil
}

// Update implements Store. Updating the current extension announces its tag
// on Channel again so that followers reload it.
func (s *RedisStore) Update(ctx context.Context, tag string, binary []byte) (Metadata, error) {
	m, err := s.Metadata(ctx, tag)
	if err != nil {
		return Metadata{}, err
	}
	m = m.updated(binary, s.now())
	err = s.client.HSet(ctx, s.extensionKey(tag),
		"component", binary,
		"digest", m.Digest,
		"size", m.Size,
		"updated_at", m.UpdatedAt,
	).Err()
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to update extension %s: %w", tag, err)
	}

	// replicas running this tag must pick up the new binary
	current, err := s.client.Get(ctx, s.currentKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Metadata{}, fmt.Errorf("failed to read current extension: %w", err)
	}
	if current == tag {
		if err := s.publish(ctx, tag); err != nil {
			return Metadata{}, err
		}
	}
	return m, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, tag string) error {
	if err := ValidateTag(tag); err != nil {
		return err
	}
	removed, err := s.client.SRem(ctx, s.tagsKey(), tag).Result()
	if err != nil {
		return fmt.Errorf("failed to delete extension %s: %w", tag, err)
	}
	if removed == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, tag)
	}
	if err := s.client.Del(ctx, s.extensionKey(tag)).Err(); err != nil {
		return fmt.Errorf("failed to delete extension %s: %w", tag, err)
	}

	current, err := s.client.Get(ctx, s.currentKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to read current extension: %w", err)
	}
	if current == tag {
		return s.ClearCurrent(ctx)
	}
	return nil
}

// Current implements Store.
func (s *RedisStore) Current(ctx context.Context) (Extension, error) {
	tag, err := s.client.Get(ctx, s.currentKey()).Result()
	if errors.Is(err, redis.Nil) {
		return Extension{}, ErrNoCurrent
	}
	if err != nil {
		return Extension{}, fmt.Errorf("failed to read current extension: %w", err)
	}
	ext, err := s.Get(ctx, tag)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTag) {
		return Extension{}, ErrNoCurrent
	}
	return ext, err
}

// SetCurrent implements Store and announces the new tag on Channel.
func (s *RedisStore) SetCurrent(ctx context.Context, tag string) error {
	if err := ValidateTag(tag); err != nil {
		return err
	}
	member, err := s.client.SIsMember(ctx, s.tagsKey(), tag).Result()
	if err != nil {
		return fmt.Errorf("failed to set current extension: %w", err)
	}
	if !member {
		return fmt.Errorf("%w: %s", ErrNotFound, tag)
	}
	if err := s.client.Set(ctx, s.currentKey(), tag, 0).Err(); err != nil {
		return fmt.Errorf("failed to set current extension: %w", err)
	}
	return s.publish(ctx, tag)
}

// ClearCurrent implements Store and announces an empty tag on Channel.
func (s *RedisStore) ClearCurrent(ctx context.Context) error {
	if err := s.client.Del(ctx, s.currentKey()).Err(); err != nil {
		return fmt.Errorf("failed to clear current extension: %w", err)
	}
	return s.publish(ctx, "")
}

func (s *RedisStore) publish(ctx context.Context, tag string) error {
	if err := s.client.Publish(ctx, s.Channel(), tag).Err(); err != nil {
		return fmt.Errorf("failed to publish activation: %w", err)
	}
	return nil
}

// Subscribe calls fn with the tag of every activation published on Channel
// (empty when the current extension was cleared) until ctx is done.
//
// It returns once the subscription is confirmed or has failed; delivery
// continues in the background.
func (s *RedisStore) Subscribe(ctx context.Context, fn func(tag string)) error {
	pubsub := s.client.Subscribe(ctx, s.Channel())

	// Wait for subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				fn(msg.Payload)
			}
		}
	}()
	return nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
