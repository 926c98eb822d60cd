package accessgrant

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrRequestNotFound = errors.New("access request not found")
	// ErrNotPending is returned by Resolve when another writer resolved the
	// request first.
	ErrNotPending = errors.New("access request is no longer pending")
)

type Repository interface {
	Create(ctx context.Context, r *AccessRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*AccessRequest, error)
	// Resolve writes the status, response fields and expiry of r, but only
	// while the stored request is still pending.
	Resolve(ctx context.Context, r *AccessRequest) error
	// SetRevoked stamps revoked_at once; later calls keep the first stamp.
	SetRevoked(ctx context.Context, id uuid.UUID, at time.Time) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*AccessRequest, int, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*AccessRequest, int, error)
}
