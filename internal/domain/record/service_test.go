package record

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/medportal/portal/internal/platform/apperr"
	"github.com/medportal/portal/internal/platform/auth"
)

func patient(id uuid.UUID) auth.Principal {
	return auth.Principal{UserID: id, Roles: []string{auth.RolePatient}}
}

func doctor(id uuid.UUID) auth.Principal {
	return auth.Principal{UserID: id, Roles: []string{auth.RoleDoctor}}
}

func TestService_Create(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo)
	pid := uuid.New()

	r := &Record{Title: "  CBC panel ", Category: "LAB-RESULTS"}
	if err := svc.Create(context.Background(), patient(pid), r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.PatientID != pid || r.Category != CategoryLabResults || r.Title != "CBC panel" {
		t.Errorf("unexpected record: %+v", r)
	}

	def := &Record{Title: "Discharge summary"}
	if err := svc.Create(context.Background(), patient(pid), def); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if def.Category != CategoryGeneral {
		t.Errorf("expected default category general, got %s", def.Category)
	}
}

func TestService_Create_Validation(t *testing.T) {
	svc := NewService(newMockRepo())
	pid := uuid.New()

	err := svc.Create(context.Background(), patient(pid), &Record{Title: ""})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	err = svc.Create(context.Background(), patient(pid), &Record{Title: "x", Category: "dental"})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	err = svc.Create(context.Background(), doctor(uuid.New()), &Record{Title: "x"})
	if !errors.Is(err, apperr.ErrAuthorization) {
		t.Errorf("expected authorization error, got %v", err)
	}
}

func TestService_ListAccessible(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	ctx := context.Background()

	pid, did := uuid.New(), uuid.New()
	a := &Record{PatientID: pid, Title: "a", Category: CategoryLabResults}
	b := &Record{PatientID: pid, Title: "b", Category: CategoryImaging}
	c := &Record{PatientID: pid, Title: "c", Category: CategoryGeneral}
	for _, r := range []*Record{a, b, c} {
		repo.Create(ctx, r)
	}
	reqID := uuid.New()
	repo.AppendPermission(ctx, a.ID, Permission{DoctorID: did, AccessRequestID: reqID, Granted: true, ExpiresAt: now.Add(time.Hour)})
	repo.AppendPermission(ctx, b.ID, Permission{DoctorID: did, AccessRequestID: reqID, Granted: true, ExpiresAt: now})

	own, err := svc.ListAccessible(ctx, patient(pid), pid)
	if err != nil || len(own) != 3 {
		t.Fatalf("patient should see all own records, got %d, %v", len(own), err)
	}

	seen, err := svc.ListAccessible(ctx, doctor(did), pid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seen) != 1 || seen[0].ID != a.ID {
		t.Errorf("doctor should only see the record with an unexpired permission, got %v", seen)
	}

	admin := auth.Principal{UserID: uuid.New(), Roles: []string{auth.RoleAdmin}}
	if all, _ := svc.ListAccessible(ctx, admin, pid); len(all) != 3 {
		t.Errorf("admin should see all records, got %d", len(all))
	}

	if _, err := svc.ListAccessible(ctx, patient(uuid.New()), pid); !errors.Is(err, apperr.ErrAuthorization) {
		t.Errorf("expected authorization error for another patient, got %v", err)
	}
}

func TestService_Update_EnforcesWriteLevel(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo)
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	pid, reader, writer, stranger := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	ctx := context.Background()

	rec := &Record{Title: "MRI knee", Category: CategoryImaging}
	if err := svc.Create(ctx, patient(pid), rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	grant := func(doctorID uuid.UUID, level string, expires time.Time) {
		repo.permissions = append(repo.permissions, Permission{
			RecordID: rec.ID, DoctorID: doctorID, AccessRequestID: uuid.New(),
			Granted: true, GrantedAt: now.Add(-time.Hour), ExpiresAt: expires, AccessLevel: level,
		})
	}
	grant(reader, AccessRead, now.Add(24*time.Hour))
	grant(writer, AccessWrite, now.Add(24*time.Hour))
	grant(stranger, AccessWrite, now.Add(-time.Minute))

	title := "MRI left knee"
	desc := "radiologist notes added"
	updated, err := svc.Update(ctx, doctor(writer), rec.ID, UpdateInput{Title: &title, Description: &desc})
	if err != nil {
		t.Fatalf("writer update: %v", err)
	}
	if updated.Title != title || updated.Description != desc {
		t.Errorf("unexpected record: %+v", updated)
	}

	tests := []struct {
		name string
		p    auth.Principal
	}{
		{"read grant", doctor(reader)},
		{"expired write grant", doctor(stranger)},
		{"no grant", doctor(uuid.New())},
		{"other patient", patient(uuid.New())},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Update(ctx, tt.p, rec.ID, UpdateInput{Title: &title})
			if !errors.Is(err, apperr.ErrAuthorization) {
				t.Errorf("expected authorization error, got %v", err)
			}
		})
	}

	own := "Knee MRI"
	if _, err := svc.Update(ctx, patient(pid), rec.ID, UpdateInput{Title: &own}); err != nil {
		t.Fatalf("owner update: %v", err)
	}
	stored, _ := repo.GetByID(ctx, rec.ID)
	if stored.Title != own || stored.Description != desc {
		t.Errorf("unexpected stored record: %+v", stored)
	}

	blank := "  "
	if _, err := svc.Update(ctx, patient(pid), rec.ID, UpdateInput{Title: &blank}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, err := svc.Update(ctx, patient(pid), uuid.New(), UpdateInput{}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}
