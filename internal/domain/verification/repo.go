package verification

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEntryNotFound = errors.New("verification entry not found")
	// ErrDuplicate is returned by Create when another writer inserted the
	// same (type, identifier) first.
	ErrDuplicate = errors.New("verification entry already exists")
	// ErrStaleVersion is returned by Update when VersionID no longer matches.
	ErrStaleVersion = errors.New("verification entry was modified concurrently")
)

type ListFilter struct {
	IdentifierType IdentifierType
	Status         Status
}

type Repository interface {
	Get(ctx context.Context, t IdentifierType, identifier string) (*Entry, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Entry, error)
	Create(ctx context.Context, e *Entry) error
	// Update writes e if its VersionID is current and bumps VersionID.
	Update(ctx context.Context, e *Entry) error
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Entry, int, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
