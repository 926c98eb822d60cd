package verification

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/medportal/portal/internal/platform/registry"
)

// -- Mock Repository --

type mockRepo struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*Entry

	getErr    error
	createErr error
	// beforeCreate runs under no lock before the insert is applied.
	beforeCreate func(e *Entry)
}

func newMockRepo() *mockRepo {
	return &mockRepo{entries: make(map[uuid.UUID]*Entry)}
}

func (m *mockRepo) find(t IdentifierType, identifier string) *Entry {
	for _, e := range m.entries {
		if e.IdentifierType == t && e.Identifier == identifier {
			return e
		}
	}
	return nil
}

func (m *mockRepo) Get(_ context.Context, t IdentifierType, identifier string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	e := m.find(t, identifier)
	if e == nil {
		return nil, ErrEntryNotFound
	}
	return e.clone(), nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return e.clone(), nil
}

func (m *mockRepo) Create(_ context.Context, e *Entry) error {
	if m.beforeCreate != nil {
		m.beforeCreate(e)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if m.find(e.IdentifierType, e.Identifier) != nil {
		return ErrDuplicate
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.VersionID = 1
	e.CreatedAt = time.Now().UTC()
	e.UpdatedAt = e.CreatedAt
	m.entries[e.ID] = e.clone()
	return nil
}

func (m *mockRepo) Update(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.entries[e.ID]
	if !ok || cur.VersionID != e.VersionID {
		return ErrStaleVersion
	}
	e.VersionID++
	e.UpdatedAt = time.Now().UTC()
	m.entries[e.ID] = e.clone()
	return nil
}

func (m *mockRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*Entry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Entry
	for _, e := range m.entries {
		if f.IdentifierType != "" && e.IdentifierType != f.IdentifierType {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (m *mockRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.entries {
		if e.ExpiredAt(now) {
			delete(m.entries, id)
			n++
		}
	}
	return n, nil
}

func (m *mockRepo) put(e *Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.VersionID == 0 {
		e.VersionID = 1
	}
	m.entries[e.ID] = e.clone()
}

func (m *mockRepo) remove(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
}

// -- Spy Registry --

type spyRegistry struct {
	channel string
	match   *registry.Match
	err     error
	calls   atomic.Int32
	// gate, when set, blocks Lookup until closed.
	gate chan struct{}
}

func (s *spyRegistry) Channel() string { return s.channel }

func (s *spyRegistry) Lookup(ctx context.Context, _ string) (*registry.Match, error) {
	s.calls.Add(1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.match == nil {
		return nil, registry.ErrNotFound
	}
	m := *s.match
	return &m, nil
}

// -- Transaction runner --

type passTx struct {
	calls int
}

func (p *passTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	p.calls++
	return fn(ctx)
}

// ctxRepo fails writes and reads on a done context, the way pgx does.
type ctxRepo struct {
	*mockRepo
}

func (r ctxRepo) Get(ctx context.Context, t IdentifierType, identifier string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.mockRepo.Get(ctx, t, identifier)
}

func (r ctxRepo) Create(ctx context.Context, e *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.mockRepo.Create(ctx, e)
}

func (r ctxRepo) Update(ctx context.Context, e *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.mockRepo.Update(ctx, e)
}
