package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

const entryColumns = `id, identifier_type, identifier, status, details, alternate_identifiers,
	source, raw_payload, attempts, admin_review, version_id, created_at, updated_at, expires_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *repoPG) scanEntry(row rowScanner) (*Entry, error) {
	var (
		e                                   Entry
		typ, status                         string
		source                              *string
		details, alt, raw, attempts, review []byte
	)
	err := row.Scan(&e.ID, &typ, &e.Identifier, &status, &details, &alt,
		&source, &raw, &attempts, &review, &e.VersionID, &e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	e.IdentifierType = IdentifierType(typ)
	e.Status = Status(status)
	if source != nil {
		e.Source = *source
	}
	if len(details) > 0 && string(details) != "null" {
		e.Details = &Details{}
		if err := json.Unmarshal(details, e.Details); err != nil {
			return nil, fmt.Errorf("decode details: %w", err)
		}
	}
	if len(alt) > 0 {
		if err := json.Unmarshal(alt, &e.AlternateIdentifiers); err != nil {
			return nil, fmt.Errorf("decode alternate identifiers: %w", err)
		}
	}
	if len(raw) > 0 {
		e.RawPayload = json.RawMessage(raw)
	}
	if len(attempts) > 0 {
		if err := json.Unmarshal(attempts, &e.Attempts); err != nil {
			return nil, fmt.Errorf("decode attempts: %w", err)
		}
	}
	if len(review) > 0 && string(review) != "null" {
		e.AdminReview = &AdminReview{}
		if err := json.Unmarshal(review, e.AdminReview); err != nil {
			return nil, fmt.Errorf("decode admin review: %w", err)
		}
	}
	return &e, nil
}

// encoded holds the JSONB columns of an entry.
type encoded struct {
	details, alt, raw, attempts, review []byte
	source                              *string
}

func encode(e *Entry) (*encoded, error) {
	var (
		out encoded
		err error
	)
	if e.Details != nil {
		if out.details, err = json.Marshal(e.Details); err != nil {
			return nil, err
		}
	}
	alt := e.AlternateIdentifiers
	if alt == nil {
		alt = map[string]string{}
	}
	if out.alt, err = json.Marshal(alt); err != nil {
		return nil, err
	}
	if len(e.RawPayload) > 0 {
		out.raw = []byte(e.RawPayload)
	}
	attempts := e.Attempts
	if attempts == nil {
		attempts = []Attempt{}
	}
	if out.attempts, err = json.Marshal(attempts); err != nil {
		return nil, err
	}
	if e.AdminReview != nil {
		if out.review, err = json.Marshal(e.AdminReview); err != nil {
			return nil, err
		}
	}
	if e.Source != "" {
		s := e.Source
		out.source = &s
	}
	return &out, nil
}

func (r *repoPG) Get(ctx context.Context, t IdentifierType, identifier string) (*Entry, error) {
	return r.scanEntry(r.conn(ctx).QueryRow(ctx,
		`SELECT `+entryColumns+` FROM verification_cache WHERE identifier_type = $1 AND identifier = $2`,
		string(t), identifier))
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return r.scanEntry(r.conn(ctx).QueryRow(ctx,
		`SELECT `+entryColumns+` FROM verification_cache WHERE id = $1`, id))
}

func (r *repoPG) Create(ctx context.Context, e *Entry) error {
	enc, err := encode(e)
	if err != nil {
		return err
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.VersionID = 1
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO verification_cache (
			id, identifier_type, identifier, status, details, alternate_identifiers,
			source, raw_payload, attempts, admin_review, version_id, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11)
		RETURNING created_at, updated_at`,
		e.ID, string(e.IdentifierType), e.Identifier, string(e.Status), enc.details, enc.alt,
		enc.source, enc.raw, enc.attempts, enc.review, e.ExpiresAt,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r *repoPG) Update(ctx context.Context, e *Entry) error {
	enc, err := encode(e)
	if err != nil {
		return err
	}
	err = r.conn(ctx).QueryRow(ctx, `
		UPDATE verification_cache SET
			status = $3, details = $4, alternate_identifiers = $5, source = $6,
			raw_payload = $7, attempts = $8, admin_review = $9, expires_at = $10,
			version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1 AND version_id = $2
		RETURNING version_id, updated_at`,
		e.ID, e.VersionID, string(e.Status), enc.details, enc.alt, enc.source,
		enc.raw, enc.attempts, enc.review, e.ExpiresAt,
	).Scan(&e.VersionID, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrStaleVersion
	}
	return err
}

func (r *repoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Entry, int, error) {
	where := ` WHERE ($1 = '' OR identifier_type = $1) AND ($2 = '' OR status = $2)`
	args := []interface{}{string(f.IdentifierType), string(f.Status)}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM verification_cache`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+entryColumns+` FROM verification_cache`+where+` ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := r.scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

func (r *repoPG) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM verification_cache WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
