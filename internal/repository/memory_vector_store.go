package repository

import (
	"context"
	"math"
	"sort"
	"sync"

	"lumina-iq/internal/model"
	"lumina-iq/pkg/apperr"
)

// MemoryVectorStore 是进程内的暴力检索实现，用于本地开发与测试。
type MemoryVectorStore struct {
	mu      sync.RWMutex
	records map[string]model.VectorRecord
	order   []string
}

func NewMemoryVectorStore() *MemoryVectorStore {
	return &MemoryVectorStore{records: make(map[string]model.VectorRecord)}
}

func (s *MemoryVectorStore) Name() string { return "memory" }

func (s *MemoryVectorStore) EnsureCollection(context.Context) error { return nil }

func (s *MemoryVectorStore) Ping(context.Context) error { return nil }

func (s *MemoryVectorStore) Upsert(_ context.Context, records []model.VectorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if r.ID == "" || len(r.Vector) == 0 {
			return apperr.New(apperr.Validation, "memory.Upsert", "record id and vector are required")
		}
		if _, ok := s.records[r.ID]; !ok {
			s.order = append(s.order, r.ID)
		}
		s.records[r.ID] = r
	}
	return nil
}

func (s *MemoryVectorStore) Search(_ context.Context, vector []float32, topK int, filter model.Filter, scoreThreshold float64) ([]model.SearchHit, error) {
	if len(vector) == 0 {
		return nil, apperr.New(apperr.Validation, "memory.Search", "query vector required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []model.SearchHit
	for _, id := range s.order {
		r := s.records[id]
		if !matches(r.Payload, filter) {
			continue
		}
		score := cosine(vector, r.Vector)
		if scoreThreshold > 0 && score < scoreThreshold {
			continue
		}
		hits = append(hits, toHit(r, score))
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (s *MemoryVectorStore) Delete(_ context.Context, filter model.Filter) error {
	if len(filter) == 0 {
		return apperr.New(apperr.Validation, "memory.Delete", "refusing to delete without a filter")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.order[:0]
	for _, id := range s.order {
		if matches(s.records[id].Payload, filter) {
			delete(s.records, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return nil
}

// Scroll 的游标是下一条记录在插入顺序中的位置。
func (s *MemoryVectorStore) Scroll(_ context.Context, filter model.Filter, limit int, offset string) ([]model.SearchHit, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	started := offset == ""
	var hits []model.SearchHit
	for _, id := range s.order {
		if !started {
			if id != offset {
				continue
			}
			started = true
		}
		r := s.records[id]
		if !matches(r.Payload, filter) {
			continue
		}
		if len(hits) == limit {
			return hits, id, nil
		}
		hits = append(hits, toHit(r, 0))
	}
	return hits, "", nil
}

func (s *MemoryVectorStore) Exists(ctx context.Context, filter model.Filter) (bool, error) {
	hits, _, err := s.Scroll(ctx, filter, 1, "")
	return len(hits) > 0, err
}

// Count 返回匹配过滤条件的记录数。
func (s *MemoryVectorStore) Count(filter model.Filter) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, id := range s.order {
		if matches(s.records[id].Payload, filter) {
			n++
		}
	}
	return n
}

func matches(payload map[string]any, filter model.Filter) bool {
	for k, v := range filter {
		if payload[k] != v {
			return false
		}
	}
	return true
}

func toHit(r model.VectorRecord, score float64) model.SearchHit {
	payload := make(map[string]any, len(r.Payload)+1)
	for k, v := range r.Payload {
		payload[k] = v
	}
	payload[model.PayloadText] = r.Text
	return model.SearchHit{ID: r.ID, Score: score, Text: r.Text, Payload: payload}
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
