package resource

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wecode-ai/Wegent-sub007/internal/oerr"
)

// MemoryStore implements Store with in-memory storage.
type MemoryStore struct {
	mu        sync.RWMutex
	resources map[string]*Resource
}

// NewMemoryStore creates an empty in-memory resource store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{resources: make(map[string]*Resource)}
}

func (s *MemoryStore) GetByID(ctx context.Context, kind Kind, id string) (*Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, ok := s.resources[id]
	if !ok || res.DeletedAt != nil || res.Kind != kind {
		return nil, oerr.NotFound(string(kind), id)
	}
	clone := *res
	return &clone, nil
}

func (s *MemoryStore) GetByName(ctx context.Context, kind Kind, name, namespace string) (*Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, res := range s.resources {
		if res.DeletedAt != nil {
			continue
		}
		if res.Kind == kind && res.Name == name && res.Namespace == namespace {
			clone := *res
			return &clone, nil
		}
	}
	return nil, oerr.NotFound(string(kind), namespace+"/"+name)
}

func (s *MemoryStore) List(ctx context.Context, query Query) ([]*Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Resource
	for _, res := range s.resources {
		if res.DeletedAt != nil {
			continue
		}
		if query.Kind != "" && res.Kind != query.Kind {
			continue
		}
		if query.Namespace != "" && res.Namespace != query.Namespace {
			continue
		}
		if query.Name != "" && res.Name != query.Name {
			continue
		}
		clone := *res
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, res *Resource) (*Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	// Upsert key is (kind, name, namespace); a matching live document is
	// replaced in place.
	for _, existing := range s.resources {
		if existing.DeletedAt != nil {
			continue
		}
		if existing.Kind == res.Kind && existing.Name == res.Name && existing.Namespace == res.Namespace {
			existing.Spec = res.Spec
			existing.Status = res.Status
			existing.UpdatedAt = now
			clone := *existing
			return &clone, nil
		}
	}

	created := *res
	if created.ID == "" {
		created.ID = uuid.New().String()
	}
	created.CreatedAt = now
	created.UpdatedAt = now
	created.DeletedAt = nil
	s.resources[created.ID] = &created
	clone := created
	return &clone, nil
}

func (s *MemoryStore) SoftDelete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.resources[id]
	if !ok || res.DeletedAt != nil {
		return oerr.NotFound("resource", id)
	}
	now := time.Now()
	res.DeletedAt = &now
	return nil
}
