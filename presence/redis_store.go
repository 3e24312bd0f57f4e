package presence

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// RedisStore keeps presence in Redis so several chat nodes can share one
// online count. Keys are {prefix}:{node}:{id} with the display name as value;
// node is a random UUID chosen when the store is created.
type RedisStore struct {
	client *redis.Client
	prefix string
	node   string
	group  singleflight.Group
}

// NewRedisStore creates a Store on client. Keys are namespaced by prefix.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := NewRedisStore(client, "linechat:presence")
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		node:   uuid.NewString(),
	}
}

// Node returns this store's node id.
func (s *RedisStore) Node() string {
	return s.node
}

func (s *RedisStore) key(id uint32) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, s.node, idKey(id))
}

// Join implements Store.
func (s *RedisStore) Join(ctx context.Context, id uint32, name string) error {
	if err := s.client.Set(ctx, s.key(id), name, 0).Err(); err != nil {
		return fmt.Errorf("failed to record presence: %w", err)
	}

	return nil
}

// Leave implements Store.
func (s *RedisStore) Leave(ctx context.Context, id uint32) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to remove presence: %w", err)
	}

	return nil
}

// Count implements Store by scanning every node's keys under the prefix.
// Concurrent callers share one scan, which runs detached from any single
// caller's cancellation; each caller still returns when its own ctx ends.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	ch := s.group.DoChan("count", func() (interface{}, error) {
		keys, err := s.scan(context.WithoutCancel(ctx), escapeGlob(s.prefix)+":*")
		if err != nil {
			return 0, err
		}

		n := 0
		for _, key := range keys {
			if s.owns(key) {
				n++
			}
		}

		return n, nil
	})

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}

		return res.Val.(int), nil
	}
}

// owns reports whether key has the {prefix}:{node}:{id} shape of this
// store's prefix, which excludes longer prefixes such as {prefix}:other.
func (s *RedisStore) owns(key string) bool {
	rest, ok := strings.CutPrefix(key, s.prefix+":")
	return ok && strings.Count(rest, ":") == 1
}

// Clear implements Store. It deletes only this node's keys.
func (s *RedisStore) Clear(ctx context.Context) error {
	keys, err := s.scan(ctx, fmt.Sprintf("%s:%s:*", escapeGlob(s.prefix), s.node))
	if err != nil {
		return err
	}

	if len(keys) == 0 {
		return nil
	}

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete presence keys: %w", err)
	}

	return nil
}

func (s *RedisStore) scan(ctx context.Context, match string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, match, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan presence keys: %w", err)
	}

	return keys, nil
}

// escapeGlob quotes the SCAN MATCH metacharacters in a literal prefix.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}

	return b.String()
}
