package scoring

import (
	"context"
	"sort"
	"sync"

	"github.com/finomaly/finomaly/internal/pagination"
)

// maxMemoryRuns bounds the in-memory history.
const maxMemoryRuns = 500

// MemoryRunStore is an in-memory implementation of RunStore for demo/test use.
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs []*Run
}

// NewMemoryRunStore creates an in-memory run history.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{}
}

func (s *MemoryRunStore) Record(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := *run
	s.runs = append(s.runs, &r)
	if len(s.runs) > maxMemoryRuns {
		s.runs = s.runs[len(s.runs)-maxMemoryRuns:]
	}
	return nil
}

func (s *MemoryRunStore) ListRecent(ctx context.Context, limit int, after *pagination.Cursor) ([]*Run, error) {
	s.mu.RLock()
	ordered := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		if after.After(r.StartedAt, r.ID) {
			ordered = append(ordered, r)
		}
	}
	s.mu.RUnlock()

	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].StartedAt.Equal(ordered[j].StartedAt) {
			return ordered[i].StartedAt.After(ordered[j].StartedAt)
		}
		return ordered[i].ID > ordered[j].ID
	})
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[:limit]
	}

	result := make([]*Run, len(ordered))
	for i, r := range ordered {
		c := *r
		result[i] = &c
	}
	return result, nil
}
