package record

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medportal/portal/internal/platform/apperr"
	"github.com/medportal/portal/internal/platform/auth"
)

const maxTitleLen = 255

type Service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// Create stores a record shell for the calling patient. Attachments are
// handled by the blob store and referenced elsewhere.
func (s *Service) Create(ctx context.Context, p auth.Principal, r *Record) error {
	if !p.HasRole(auth.RolePatient) {
		return apperr.Authorization("only patients may create records")
	}
	r.Title = strings.TrimSpace(r.Title)
	if r.Title == "" {
		return apperr.Validation("title is required")
	}
	if len(r.Title) > maxTitleLen {
		return apperr.Validation("title must be at most %d characters", maxTitleLen)
	}
	if r.Category == "" {
		r.Category = CategoryGeneral
	}
	cat, err := ParseCategory(string(r.Category))
	if err != nil {
		return err
	}
	r.Category = cat
	r.PatientID = p.UserID
	if err := s.repo.Create(ctx, r); err != nil {
		return fmt.Errorf("create record: %w", err)
	}
	return nil
}

// ListAccessible returns the records of patientID the caller may read.
// Doctors only see records they hold an unexpired permission on.
func (s *Service) ListAccessible(ctx context.Context, p auth.Principal, patientID uuid.UUID) ([]*Record, error) {
	var (
		out []*Record
		err error
	)
	switch {
	case p.HasRole(auth.RoleAdmin):
		out, err = s.repo.ListByPatient(ctx, patientID)
	case p.HasRole(auth.RolePatient) && p.UserID == patientID:
		out, err = s.repo.ListByPatient(ctx, patientID)
	case p.HasRole(auth.RoleDoctor):
		out, err = s.repo.ListAccessibleByDoctor(ctx, patientID, p.UserID, s.now())
	default:
		return nil, apperr.Authorization("not allowed to view these records")
	}
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return out, nil
}

// UpdateInput carries the editable fields. Nil leaves a field unchanged.
type UpdateInput struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
}

// Update edits a record. The owning patient may always edit; a doctor needs
// an unexpired write permission on the record.
func (s *Service) Update(ctx context.Context, p auth.Principal, recordID uuid.UUID, in UpdateInput) (*Record, error) {
	rec, err := s.repo.GetByID(ctx, recordID)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, apperr.NotFound("record %s not found", recordID)
	}
	if err != nil {
		return nil, fmt.Errorf("load record: %w", err)
	}

	switch {
	case p.HasRole(auth.RolePatient) && p.UserID == rec.PatientID:
	case p.HasRole(auth.RoleDoctor):
		if err := s.requireWrite(ctx, p.UserID, rec.ID); err != nil {
			return nil, err
		}
	default:
		return nil, apperr.Authorization("not allowed to edit this record")
	}

	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return nil, apperr.Validation("title is required")
		}
		if len(title) > maxTitleLen {
			return nil, apperr.Validation("title must be at most %d characters", maxTitleLen)
		}
		rec.Title = title
	}
	if in.Description != nil {
		rec.Description = strings.TrimSpace(*in.Description)
	}
	if err := s.repo.Update(ctx, rec); err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, apperr.NotFound("record %s not found", recordID)
		}
		return nil, fmt.Errorf("update record: %w", err)
	}
	return rec, nil
}

func (s *Service) requireWrite(ctx context.Context, doctorID, recordID uuid.UUID) error {
	perms, err := s.repo.ListPermissionsForDoctor(ctx, recordID, doctorID)
	if err != nil {
		return fmt.Errorf("load permissions: %w", err)
	}
	now := s.now()
	readable := false
	for _, perm := range perms {
		if perm.WritableAt(now) {
			return nil
		}
		readable = readable || perm.ActiveAt(now)
	}
	if readable {
		return apperr.Authorization("access to this record is read-only")
	}
	return apperr.Authorization("no active access to this record")
}
