package storage

import (
	"context"
	"slices"
	"sync"

	"cruisectl/internal/cruise"
)

// Memory is the reference backend: every table lives in process memory
// behind one RWMutex.
type Memory struct {
	mu      sync.RWMutex
	cruises map[string]*cruise.State
	status  []StatusRecord
	closed  bool

	// commit runs under the write lock with the cruise table as it will look
	// after the mutation. An error aborts the mutation. The file backend uses
	// it to persist before anything becomes visible.
	commit       func(next map[string]*cruise.State) error
	commitStatus func(rec StatusRecord) error
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{cruises: map[string]*cruise.State{}}
}

func (m *Memory) Put(_ context.Context, st *cruise.State) (bool, error) {
	cp := st.Clone()
	cp.Normalize()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	_, replaced := m.cruises[cp.ID]
	if err := m.swapLocked(cp.ID, cp); err != nil {
		return false, err
	}
	return replaced, nil
}

func (m *Memory) Create(_ context.Context, st *cruise.State) error {
	cp := st.Clone()
	cp.Normalize()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.cruises[cp.ID]; ok {
		return alreadyExists(cp.ID)
	}
	return m.swapLocked(cp.ID, cp)
}

func (m *Memory) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if _, ok := m.cruises[id]; !ok {
		return false, nil
	}
	if err := m.swapLocked(id, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Memory) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.idsLocked(), nil
}

func (m *Memory) View(_ context.Context, id string, fn func(st *cruise.State) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	st, ok := m.cruises[id]
	if !ok {
		return cruise.CruiseNotFound(id)
	}
	return fn(st)
}

func (m *Memory) ViewAll(_ context.Context, fn func(st *cruise.State) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	for _, id := range m.idsLocked() {
		if err := fn(m.cruises[id]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Update(_ context.Context, id string, fn func(st *cruise.State) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cur, ok := m.cruises[id]
	if !ok {
		return cruise.CruiseNotFound(id)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return err
	}
	return m.swapLocked(id, next)
}

func (m *Memory) AppendStatus(_ context.Context, rec StatusRecord) error {
	rec.Payload = append([]byte(nil), rec.Payload...)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.commitStatus != nil {
		if err := m.commitStatus(rec); err != nil {
			return err
		}
	}
	m.status = append(m.status, rec)
	return nil
}

func (m *Memory) Statuses(_ context.Context, limit int) ([]StatusRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	n := len(m.status)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]StatusRecord, 0, n)
	for i := len(m.status) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.status[i])
	}
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// swapLocked installs st under id (st == nil deletes). Callers hold m.mu.
func (m *Memory) swapLocked(id string, st *cruise.State) error {
	if m.commit == nil {
		if st == nil {
			delete(m.cruises, id)
		} else {
			m.cruises[id] = st
		}
		return nil
	}

	next := make(map[string]*cruise.State, len(m.cruises)+1)
	for k, v := range m.cruises {
		next[k] = v
	}
	if st == nil {
		delete(next, id)
	} else {
		next[id] = st
	}
	if err := m.commit(next); err != nil {
		return err
	}
	m.cruises = next
	return nil
}

func (m *Memory) idsLocked() []string {
	ids := make([]string, 0, len(m.cruises))
	for id := range m.cruises {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
