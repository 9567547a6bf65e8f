// Package factstore holds the facts shared between the call tracker and
// the policy rules.
package factstore

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/sweeney/telephony-policy/internal/policy"
)

type record struct {
	seq    uint64
	name   string
	fields map[string]any
}

// MemStore is an in-memory fact store. It is safe for concurrent use.
type MemStore struct {
	mu    sync.Mutex
	facts map[string]*record
	seq   uint64
}

var _ policy.FactStore = (*MemStore)(nil)

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{facts: make(map[string]*record)}
}

func (s *MemStore) Insert(_ context.Context, name string, fields map[string]any) (string, error) {
	if name == "" {
		return "", fmt.Errorf("inserting fact: empty name")
	}
	for k, v := range fields {
		if err := checkValue(k, v); err != nil {
			return "", err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	handle := uuid.NewString()
	s.facts[handle] = &record{seq: s.seq, name: name, fields: maps.Clone(fields)}
	if s.facts[handle].fields == nil {
		s.facts[handle].fields = map[string]any{}
	}
	return handle, nil
}

func (s *MemStore) Get(_ context.Context, handle string) (*policy.Fact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.facts[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %s", policy.ErrFactNotFound, handle)
	}
	return r.fact(handle), nil
}

func (s *MemStore) Set(_ context.Context, handle string, fields map[string]any) error {
	for k, v := range fields {
		if err := checkValue(k, v); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.facts[handle]
	if !ok {
		return fmt.Errorf("%w: %s", policy.ErrFactNotFound, handle)
	}
	maps.Copy(r.fields, fields)
	return nil
}

func (s *MemStore) Unset(_ context.Context, handle string, field string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.facts[handle]
	if !ok {
		return fmt.Errorf("%w: %s", policy.ErrFactNotFound, handle)
	}
	delete(r.fields, field)
	return nil
}

func (s *MemStore) Remove(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.facts[handle]; !ok {
		return fmt.Errorf("%w: %s", policy.ErrFactNotFound, handle)
	}
	delete(s.facts, handle)
	return nil
}

// ByName returns the facts called name in insertion order.
func (s *MemStore) ByName(_ context.Context, name string) ([]*policy.Fact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type hit struct {
		handle string
		r      *record
	}
	var hits []hit
	for h, r := range s.facts {
		if r.name == name {
			hits = append(hits, hit{h, r})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].r.seq < hits[j].r.seq })

	facts := make([]*policy.Fact, len(hits))
	for i, h := range hits {
		facts[i] = h.r.fact(h.handle)
	}
	return facts, nil
}

// Len returns the number of stored facts.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.facts)
}

func (r *record) fact(handle string) *policy.Fact {
	return &policy.Fact{Handle: handle, Name: r.name, Fields: maps.Clone(r.fields)}
}

func checkValue(field string, v any) error {
	switch v.(type) {
	case string, int:
		return nil
	default:
		return fmt.Errorf("field %s: unsupported value type %T", field, v)
	}
}
