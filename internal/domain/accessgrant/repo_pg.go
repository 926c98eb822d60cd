package accessgrant

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/medportal/portal/internal/platform/db"
)

type repoPG struct {
	pool db.Querier
}

func NewRepo(pool db.Querier) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const requestColumns = `id, patient_id, doctor_id, reason, access_level, record_categories, urgency,
	status, COALESCE(response_message, ''), responded_at, expires_at, revoked_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*AccessRequest, error) {
	var (
		ar     AccessRequest
		status string
	)
	err := row.Scan(&ar.ID, &ar.PatientID, &ar.DoctorID, &ar.Reason, &ar.AccessLevel, &ar.RecordCategories,
		&ar.Urgency, &status, &ar.ResponseMessage, &ar.RespondedAt, &ar.ExpiresAt, &ar.RevokedAt,
		&ar.CreatedAt, &ar.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	ar.Status = Status(status)
	return &ar, nil
}

func (r *repoPG) Create(ctx context.Context, ar *AccessRequest) error {
	if ar.ID == uuid.Nil {
		ar.ID = uuid.New()
	}
	if ar.Status == "" {
		ar.Status = StatusPending
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO access_request (
			id, patient_id, doctor_id, reason, access_level, record_categories, urgency, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		ar.ID, ar.PatientID, ar.DoctorID, ar.Reason, ar.AccessLevel, ar.RecordCategories,
		ar.Urgency, string(ar.Status),
	).Scan(&ar.CreatedAt, &ar.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*AccessRequest, error) {
	return scanRequest(r.conn(ctx).QueryRow(ctx, `SELECT `+requestColumns+` FROM access_request WHERE id = $1`, id))
}

func (r *repoPG) Resolve(ctx context.Context, ar *AccessRequest) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE access_request SET
			status = $2, response_message = NULLIF($3, ''), responded_at = $4, expires_at = $5,
			updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING updated_at`,
		ar.ID, string(ar.Status), ar.ResponseMessage, ar.RespondedAt, ar.ExpiresAt,
	).Scan(&ar.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotPending
	}
	return err
}

func (r *repoPG) SetRevoked(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE access_request SET revoked_at = COALESCE(revoked_at, $2), updated_at = NOW() WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRequestNotFound
	}
	return nil
}

func (r *repoPG) list(ctx context.Context, column string, id uuid.UUID, limit, offset int) ([]*AccessRequest, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM access_request WHERE `+column+` = $1`, id).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+requestColumns+` FROM access_request WHERE `+column+` = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		id, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*AccessRequest
	for rows.Next() {
		ar, err := scanRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, ar)
	}
	return out, total, rows.Err()
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*AccessRequest, int, error) {
	return r.list(ctx, "patient_id", patientID, limit, offset)
}

func (r *repoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*AccessRequest, int, error) {
	return r.list(ctx, "doctor_id", doctorID, limit, offset)
}
