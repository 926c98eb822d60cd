package accessgrant

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medportal/portal/internal/domain/record"
)

// memStore backs both the request repository and the record store so that
// InTx can roll back both together.
type memStore struct {
	mu       sync.Mutex
	requests map[uuid.UUID]*AccessRequest
	records  map[uuid.UUID]*record.Record
	perms    []record.Permission

	// failAppends makes the next n AppendPermission calls fail.
	failAppends int
	txCalls     int
}

func newMemStore() *memStore {
	return &memStore{
		requests: make(map[uuid.UUID]*AccessRequest),
		records:  make(map[uuid.UUID]*record.Record),
	}
}

var errInjected = errors.New("could not serialize access due to concurrent update")

func copyRequest(ar *AccessRequest) *AccessRequest {
	c := *ar
	c.RecordCategories = append([]string(nil), ar.RecordCategories...)
	return &c
}

func (s *memStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	s.txCalls++
	reqs := make(map[uuid.UUID]*AccessRequest, len(s.requests))
	for id, ar := range s.requests {
		reqs[id] = copyRequest(ar)
	}
	perms := append([]record.Permission(nil), s.perms...)
	s.mu.Unlock()

	if err := fn(ctx); err != nil {
		s.mu.Lock()
		s.requests = reqs
		s.perms = perms
		s.mu.Unlock()
		return err
	}
	return nil
}

// -- Repository --

func (s *memStore) Create(_ context.Context, ar *AccessRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ar.ID == uuid.Nil {
		ar.ID = uuid.New()
	}
	ar.CreatedAt = time.Now().UTC()
	ar.UpdatedAt = ar.CreatedAt
	s.requests[ar.ID] = copyRequest(ar)
	return nil
}

func (s *memStore) GetByID(_ context.Context, id uuid.UUID) (*AccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ar, ok := s.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return copyRequest(ar), nil
}

func (s *memStore) Resolve(_ context.Context, ar *AccessRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.requests[ar.ID]
	if !ok || cur.Status != StatusPending {
		return ErrNotPending
	}
	s.requests[ar.ID] = copyRequest(ar)
	return nil
}

func (s *memStore) SetRevoked(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ar, ok := s.requests[id]
	if !ok {
		return ErrRequestNotFound
	}
	if ar.RevokedAt == nil {
		ar.RevokedAt = &at
	}
	return nil
}

func (s *memStore) listBy(match func(*AccessRequest) bool, limit, offset int) ([]*AccessRequest, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*AccessRequest
	for _, ar := range s.requests {
		if match(ar) {
			out = append(out, copyRequest(ar))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
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

func (s *memStore) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*AccessRequest, int, error) {
	return s.listBy(func(ar *AccessRequest) bool { return ar.PatientID == patientID }, limit, offset)
}

func (s *memStore) ListByDoctor(_ context.Context, doctorID uuid.UUID, limit, offset int) ([]*AccessRequest, int, error) {
	return s.listBy(func(ar *AccessRequest) bool { return ar.DoctorID == doctorID }, limit, offset)
}

// -- RecordStore --

func (s *memStore) addRecords(patientID uuid.UUID, cat record.Category, n int) []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uuid.UUID, n)
	for i := 0; i < n; i++ {
		r := &record.Record{ID: uuid.New(), PatientID: patientID, Category: cat, Title: string(cat)}
		s.records[r.ID] = r
		ids[i] = r.ID
	}
	return ids
}

func (s *memStore) ListRecordsByPatientAndCategories(_ context.Context, patientID uuid.UUID, categories []record.Category) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[record.Category]bool)
	for _, c := range categories {
		want[c] = true
	}
	var ids []uuid.UUID
	for _, r := range s.records {
		if r.PatientID == patientID && want[r.Category] {
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}

func (s *memStore) AppendPermission(_ context.Context, recordID uuid.UUID, p record.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppends > 0 {
		s.failAppends--
		return errInjected
	}
	for _, existing := range s.perms {
		if existing.RecordID == recordID && existing.DoctorID == p.DoctorID && existing.AccessRequestID == p.AccessRequestID {
			return nil
		}
	}
	p.RecordID = recordID
	s.perms = append(s.perms, p)
	return nil
}

func (s *memStore) RemovePermission(_ context.Context, recordID, doctorID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		kept []record.Permission
		n    int64
	)
	for _, p := range s.perms {
		if p.RecordID == recordID && p.DoctorID == doctorID {
			n++
			continue
		}
		kept = append(kept, p)
	}
	s.perms = kept
	return n, nil
}

func (s *memStore) ListPermissionsByPatient(_ context.Context, patientID uuid.UUID) ([]record.PatientPermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []record.PatientPermission
	for _, p := range s.perms {
		r, ok := s.records[p.RecordID]
		if ok && r.PatientID == patientID {
			out = append(out, record.PatientPermission{Permission: p, Category: r.Category})
		}
	}
	return out, nil
}

func (s *memStore) permissionsFor(doctorID uuid.UUID) []record.Permission {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []record.Permission
	for _, p := range s.perms {
		if p.DoctorID == doctorID {
			out = append(out, p)
		}
	}
	return out
}

func (s *memStore) categoryOf(recordID uuid.UUID) record.Category {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[recordID].Category
}
