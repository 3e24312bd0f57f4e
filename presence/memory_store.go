package presence

import (
	"context"

	"github.com/patrickmn/go-cache"
)

// MemoryStore keeps presence in process memory. Entries never expire; they
// live until Leave or Clear.
type MemoryStore struct {
	cache *cache.Cache
}

// NewMemoryStore creates an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cache: cache.New(cache.NoExpiration, 0)}
}

// Join implements Store.
func (s *MemoryStore) Join(ctx context.Context, id uint32, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.cache.Set(idKey(id), name, cache.NoExpiration)
	return nil
}

// Leave implements Store.
func (s *MemoryStore) Leave(ctx context.Context, id uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.cache.Delete(idKey(id))
	return nil
}

// Count implements Store.
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	return s.cache.ItemCount(), nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.cache.Flush()
	return nil
}

// Name returns the display name recorded for id.
func (s *MemoryStore) Name(id uint32) (string, bool) {
	v, ok := s.cache.Get(idKey(id))
	if !ok {
		return "", false
	}

	name, ok := v.(string)
	return name, ok
}
