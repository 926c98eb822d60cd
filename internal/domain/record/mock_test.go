package record

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

type mockRepo struct {
	records     map[uuid.UUID]*Record
	permissions []Permission
}

func newMockRepo() *mockRepo {
	return &mockRepo{records: make(map[uuid.UUID]*Record)}
}

func (m *mockRepo) Create(_ context.Context, r *Record) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	cp := *r
	m.records[r.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Record, error) {
	r, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *mockRepo) ListByPatient(_ context.Context, patientID uuid.UUID) ([]*Record, error) {
	var out []*Record
	for _, r := range m.records {
		if r.PatientID == patientID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out, nil
}

func (m *mockRepo) ListAccessibleByDoctor(ctx context.Context, patientID, doctorID uuid.UUID, now time.Time) ([]*Record, error) {
	all, _ := m.ListByPatient(ctx, patientID)
	var out []*Record
	for _, r := range all {
		for _, p := range m.permissions {
			if p.RecordID == r.ID && p.DoctorID == doctorID && p.ActiveAt(now) {
				out = append(out, r)
				break
			}
		}
	}
	return out, nil
}

func (m *mockRepo) ListRecordsByPatientAndCategories(_ context.Context, patientID uuid.UUID, categories []Category) ([]uuid.UUID, error) {
	want := make(map[Category]bool)
	for _, c := range categories {
		want[c] = true
	}
	var ids []uuid.UUID
	for _, r := range m.records {
		if r.PatientID == patientID && want[r.Category] {
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}

func (m *mockRepo) AppendPermission(_ context.Context, recordID uuid.UUID, p Permission) error {
	for _, existing := range m.permissions {
		if existing.RecordID == recordID && existing.DoctorID == p.DoctorID && existing.AccessRequestID == p.AccessRequestID {
			return nil
		}
	}
	p.RecordID = recordID
	m.permissions = append(m.permissions, p)
	return nil
}

func (m *mockRepo) RemovePermission(_ context.Context, recordID, doctorID uuid.UUID) (int64, error) {
	kept := m.permissions[:0]
	var n int64
	for _, p := range m.permissions {
		if p.RecordID == recordID && p.DoctorID == doctorID {
			n++
			continue
		}
		kept = append(kept, p)
	}
	m.permissions = kept
	return n, nil
}

func (m *mockRepo) ListPermissionsByPatient(_ context.Context, patientID uuid.UUID) ([]PatientPermission, error) {
	var out []PatientPermission
	for _, p := range m.permissions {
		r, ok := m.records[p.RecordID]
		if ok && r.PatientID == patientID {
			out = append(out, PatientPermission{Permission: p, Category: r.Category})
		}
	}
	return out, nil
}

func (m *mockRepo) Update(_ context.Context, r *Record) error {
	cur, ok := m.records[r.ID]
	if !ok {
		return ErrRecordNotFound
	}
	cur.Title = r.Title
	cur.Description = r.Description
	cur.UpdatedAt = time.Now()
	r.UpdatedAt = cur.UpdatedAt
	return nil
}

func (m *mockRepo) ListPermissionsForDoctor(_ context.Context, recordID, doctorID uuid.UUID) ([]Permission, error) {
	var out []Permission
	for _, p := range m.permissions {
		if p.RecordID == recordID && p.DoctorID == doctorID {
			out = append(out, p)
		}
	}
	return out, nil
}
