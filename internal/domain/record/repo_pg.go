package record

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

const recordColumns = `id, patient_id, category, title, COALESCE(description, ''), created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec Record
		cat string
	)
	if err := row.Scan(&rec.ID, &rec.PatientID, &cat, &rec.Title, &rec.Description, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Category = Category(cat)
	return &rec, nil
}

func collectRecords(rows pgx.Rows) ([]*Record, error) {
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *repoPG) Create(ctx context.Context, rec *Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO medical_record (id, patient_id, category, title, description)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
		RETURNING created_at, updated_at`,
		rec.ID, rec.PatientID, string(rec.Category), rec.Title, rec.Description,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	rec, err := scanRecord(r.conn(ctx).QueryRow(ctx, `SELECT `+recordColumns+` FROM medical_record WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

func (r *repoPG) Update(ctx context.Context, rec *Record) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE medical_record SET title = $2, description = NULLIF($3, ''), updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		rec.ID, rec.Title, rec.Description,
	).Scan(&rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrRecordNotFound
	}
	return err
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Record, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+recordColumns+` FROM medical_record WHERE patient_id = $1 ORDER BY created_at DESC`, patientID)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func (r *repoPG) ListAccessibleByDoctor(ctx context.Context, patientID, doctorID uuid.UUID, now time.Time) ([]*Record, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+recordColumns+` FROM medical_record m
		WHERE m.patient_id = $1 AND EXISTS (
			SELECT 1 FROM record_access_permission p
			WHERE p.record_id = m.id AND p.doctor_id = $2 AND p.granted AND p.expires_at > $3
		)
		ORDER BY m.created_at DESC`, patientID, doctorID, now)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func (r *repoPG) ListRecordsByPatientAndCategories(ctx context.Context, patientID uuid.UUID, categories []Category) ([]uuid.UUID, error) {
	cats := make([]string, len(categories))
	for i, c := range categories {
		cats[i] = string(c)
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT id FROM medical_record WHERE patient_id = $1 AND category = ANY($2) ORDER BY created_at`,
		patientID, cats)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *repoPG) AppendPermission(ctx context.Context, recordID uuid.UUID, p Permission) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO record_access_permission (
			record_id, doctor_id, access_request_id, granted, granted_at, expires_at, access_level
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (record_id, doctor_id, access_request_id) DO NOTHING`,
		recordID, p.DoctorID, p.AccessRequestID, p.Granted, p.GrantedAt, p.ExpiresAt, p.AccessLevel)
	return err
}

func (r *repoPG) RemovePermission(ctx context.Context, recordID, doctorID uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM record_access_permission WHERE record_id = $1 AND doctor_id = $2`, recordID, doctorID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *repoPG) ListPermissionsByPatient(ctx context.Context, patientID uuid.UUID) ([]PatientPermission, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT p.record_id, p.doctor_id, p.access_request_id, p.granted, p.granted_at,
			p.expires_at, p.access_level, m.category
		FROM record_access_permission p
		JOIN medical_record m ON m.id = p.record_id
		WHERE m.patient_id = $1
		ORDER BY p.granted_at`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PatientPermission
	for rows.Next() {
		var (
			pp  PatientPermission
			cat string
		)
		if err := rows.Scan(&pp.RecordID, &pp.DoctorID, &pp.AccessRequestID, &pp.Granted, &pp.GrantedAt,
			&pp.ExpiresAt, &pp.AccessLevel, &cat); err != nil {
			return nil, err
		}
		pp.Category = Category(cat)
		out = append(out, pp)
	}
	return out, rows.Err()
}

func (r *repoPG) ListPermissionsForDoctor(ctx context.Context, recordID, doctorID uuid.UUID) ([]Permission, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT record_id, doctor_id, access_request_id, granted, granted_at, expires_at, access_level
		FROM record_access_permission
		WHERE record_id = $1 AND doctor_id = $2`, recordID, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.RecordID, &p.DoctorID, &p.AccessRequestID, &p.Granted, &p.GrantedAt,
			&p.ExpiresAt, &p.AccessLevel); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
