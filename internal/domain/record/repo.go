package record

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrRecordNotFound = errors.New("medical record not found")

type Repository interface {
	Create(ctx context.Context, r *Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	// Update writes title and description.
	Update(ctx context.Context, r *Record) error
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Record, error)
	// ListAccessibleByDoctor returns the patient's records on which doctorID
	// holds a permission that is active at now.
	ListAccessibleByDoctor(ctx context.Context, patientID, doctorID uuid.UUID, now time.Time) ([]*Record, error)

	ListRecordsByPatientAndCategories(ctx context.Context, patientID uuid.UUID, categories []Category) ([]uuid.UUID, error)
	// AppendPermission is idempotent on (record, doctor, access request).
	AppendPermission(ctx context.Context, recordID uuid.UUID, p Permission) error
	// RemovePermission deletes every permission doctorID holds on recordID,
	// expired ones included.
	RemovePermission(ctx context.Context, recordID, doctorID uuid.UUID) (int64, error)
	ListPermissionsByPatient(ctx context.Context, patientID uuid.UUID) ([]PatientPermission, error)
	ListPermissionsForDoctor(ctx context.Context, recordID, doctorID uuid.UUID) ([]Permission, error)
}
