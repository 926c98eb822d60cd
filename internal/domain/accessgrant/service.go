package accessgrant

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medportal/portal/internal/domain/record"
	"github.com/medportal/portal/internal/platform/apperr"
	"github.com/medportal/portal/internal/platform/audit"
	"github.com/medportal/portal/internal/platform/auth"
)

// RecordStore is the part of the record repository the engine writes
// permissions through.
type RecordStore interface {
	ListRecordsByPatientAndCategories(ctx context.Context, patientID uuid.UUID, categories []record.Category) ([]uuid.UUID, error)
	AppendPermission(ctx context.Context, recordID uuid.UUID, p record.Permission) error
	RemovePermission(ctx context.Context, recordID, doctorID uuid.UUID) (int64, error)
	ListPermissionsByPatient(ctx context.Context, patientID uuid.UUID) ([]record.PatientPermission, error)
}

// TxRunner runs fn in a transaction. *db.Transactor satisfies it.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Config struct {
	DefaultDurationDays int
	MaxDurationDays     int
	// FanoutRetries is how many times a failed approval is retried before
	// the caller gets a retryable error.
	FanoutRetries int
}

// Engine manages access requests and the record permissions they grant.
type Engine struct {
	requests Repository
	records  RecordStore
	tx       TxRunner
	sink     audit.Sink
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
}

func NewEngine(requests Repository, records RecordStore, tx TxRunner, sink audit.Sink, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.DefaultDurationDays <= 0 {
		cfg.DefaultDurationDays = DefaultDurationDays
	}
	if cfg.MaxDurationDays <= 0 {
		cfg.MaxDurationDays = MaxDurationDays
	}
	if cfg.FanoutRetries < 0 {
		cfg.FanoutRetries = 0
	}
	return &Engine{
		requests: requests,
		records:  records,
		tx:       tx,
		sink:     sink,
		cfg:      cfg,
		logger:   logger.With().Str("component", "accessgrant").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) emit(ctx context.Context, ev audit.Event) error {
	if e.sink == nil {
		return nil
	}
	if err := e.sink.Emit(ctx, ev); err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}
	return nil
}

func loadRequest(ctx context.Context, repo Repository, id uuid.UUID) (*AccessRequest, error) {
	ar, err := repo.GetByID(ctx, id)
	if errors.Is(err, ErrRequestNotFound) {
		return nil, apperr.NotFound("access request %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load access request: %w", err)
	}
	return ar, nil
}

// Request files a pending access request from the calling doctor.
func (e *Engine) Request(ctx context.Context, p auth.Principal, in RequestInput) (*AccessRequest, error) {
	if !p.HasRole(auth.RoleDoctor) {
		return nil, apperr.Authorization("only doctors may request access")
	}
	if err := in.normalize(); err != nil {
		return nil, err
	}

	ar := &AccessRequest{
		PatientID:        in.PatientID,
		DoctorID:         p.UserID,
		Reason:           in.Reason,
		AccessLevel:      in.AccessLevel,
		RecordCategories: in.RecordCategories,
		Urgency:          in.Urgency,
		Status:           StatusPending,
	}
	err := e.tx.InTx(ctx, func(ctx context.Context) error {
		if err := e.requests.Create(ctx, ar); err != nil {
			return fmt.Errorf("create access request: %w", err)
		}
		return e.emit(ctx, audit.NewEvent(audit.ActionAccessRequested, p.UserID, auth.RoleDoctor,
			"access_request", ar.ID.String(), map[string]interface{}{
				"patientId":        ar.PatientID.String(),
				"accessLevel":      ar.AccessLevel,
				"recordCategories": ar.RecordCategories,
				"urgency":          ar.Urgency,
			}))
	})
	if err != nil {
		return nil, err
	}
	return ar, nil
}

// Respond approves or denies a pending request on behalf of the owning
// patient. Approval grants a permission on every matching record and only
// commits together with the status change.
func (e *Engine) Respond(ctx context.Context, p auth.Principal, requestID uuid.UUID, in RespondInput) (*Decision, error) {
	action := strings.ToLower(strings.TrimSpace(in.Action))
	switch action {
	case ActionApprove:
		days := in.DurationDays
		if days == 0 {
			days = e.cfg.DefaultDurationDays
		}
		if days < 0 || days > e.cfg.MaxDurationDays {
			return nil, apperr.Validation("durationDays must be between 1 and %d", e.cfg.MaxDurationDays)
		}
		return e.approve(ctx, p, requestID, strings.TrimSpace(in.ResponseMessage), days)
	case ActionDeny:
		return e.deny(ctx, p, requestID, strings.TrimSpace(in.ResponseMessage))
	default:
		return nil, apperr.Validation("action must be approve or deny")
	}
}

// loadPending fetches the request and checks the caller owns it and that it
// has not been resolved yet.
func (e *Engine) loadPending(ctx context.Context, p auth.Principal, id uuid.UUID) (*AccessRequest, error) {
	ar, err := loadRequest(ctx, e.requests, id)
	if err != nil {
		return nil, err
	}
	if ar.PatientID != p.UserID {
		return nil, apperr.Authorization("only the patient who owns this request may respond")
	}
	if ar.Status != StatusPending {
		return nil, apperr.Conflict("access request already %s", ar.Status)
	}
	return ar, nil
}

func (e *Engine) resolve(ctx context.Context, ar *AccessRequest) error {
	err := e.requests.Resolve(ctx, ar)
	if errors.Is(err, ErrNotPending) {
		return apperr.Conflict("access request was resolved concurrently")
	}
	if err != nil {
		return fmt.Errorf("resolve access request: %w", err)
	}
	return nil
}

func (e *Engine) deny(ctx context.Context, p auth.Principal, id uuid.UUID, msg string) (*Decision, error) {
	var out *AccessRequest
	err := e.tx.InTx(ctx, func(ctx context.Context) error {
		ar, err := e.loadPending(ctx, p, id)
		if err != nil {
			return err
		}
		now := e.now()
		ar.Status = StatusDenied
		ar.ResponseMessage = msg
		ar.RespondedAt = &now
		if err := e.resolve(ctx, ar); err != nil {
			return err
		}
		out = ar
		return e.emit(ctx, audit.NewEvent(audit.ActionAccessDenied, p.UserID, auth.RolePatient,
			"access_request", ar.ID.String(), map[string]interface{}{
				"doctorId": ar.DoctorID.String(),
			}))
	})
	if err != nil {
		return nil, err
	}
	return &Decision{Message: "Access request denied successfully", Request: out}, nil
}

// isFinal reports errors that a retry cannot fix.
func isFinal(err error) bool {
	return errors.Is(err, apperr.ErrValidation) ||
		errors.Is(err, apperr.ErrAuthorization) ||
		errors.Is(err, apperr.ErrNotFound) ||
		errors.Is(err, apperr.ErrConflict) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// withRetries runs attempt until it succeeds, fails with an error a retry
// cannot fix, or FanoutRetries extra attempts are used up.
func (e *Engine) withRetries(logCtx string, attempt func() error) error {
	var lastErr error
	for i := 0; i <= e.cfg.FanoutRetries; i++ {
		err := attempt()
		if err == nil {
			return nil
		}
		if isFinal(err) {
			return err
		}
		lastErr = err
		e.logger.Warn().Err(err).
			Str("grant", logCtx).
			Int("attempt", i+1).
			Msg("grant fan-out failed")
	}
	return lastErr
}

func (e *Engine) approve(ctx context.Context, p auth.Principal, id uuid.UUID, msg string, days int) (*Decision, error) {
	var dec *Decision
	err := e.withRetries(id.String(), func() error {
		var err error
		dec, err = e.approveOnce(ctx, p, id, msg, days)
		return err
	})
	if err != nil {
		if isFinal(err) {
			return nil, err
		}
		return nil, apperr.Retryable(err, "granting access failed, the request is still pending")
	}
	return dec, nil
}

// grant recomputes the patient's records matching ar's categories, appends a
// permission on each and flips ar from pending to approved. It must run
// inside a transaction.
func (e *Engine) grant(ctx context.Context, ar *AccessRequest, msg string, days int) ([]uuid.UUID, error) {
	cats, err := record.ExpandCategories(ar.RecordCategories)
	if err != nil {
		return nil, fmt.Errorf("stored categories: %w", err)
	}

	now := e.now()
	expires := now.Add(time.Duration(days) * 24 * time.Hour)

	ids, err := e.records.ListRecordsByPatientAndCategories(ctx, ar.PatientID, cats)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	for _, recordID := range ids {
		perm := record.Permission{
			RecordID:        recordID,
			DoctorID:        ar.DoctorID,
			AccessRequestID: ar.ID,
			Granted:         true,
			GrantedAt:       now,
			ExpiresAt:       expires,
			AccessLevel:     ar.AccessLevel,
		}
		if err := e.records.AppendPermission(ctx, recordID, perm); err != nil {
			return nil, fmt.Errorf("grant record %s: %w", recordID, err)
		}
	}

	ar.Status = StatusApproved
	ar.ResponseMessage = msg
	ar.RespondedAt = &now
	ar.ExpiresAt = &expires
	if err := e.resolve(ctx, ar); err != nil {
		return nil, err
	}
	return ids, nil
}

// approveOnce grants the pending request in one transaction.
func (e *Engine) approveOnce(ctx context.Context, p auth.Principal, id uuid.UUID, msg string, days int) (*Decision, error) {
	var dec *Decision
	err := e.tx.InTx(ctx, func(ctx context.Context) error {
		ar, err := e.loadPending(ctx, p, id)
		if err != nil {
			return err
		}
		ids, err := e.grant(ctx, ar, msg, days)
		if err != nil {
			return err
		}
		if err := e.emit(ctx, audit.NewEvent(audit.ActionAccessApproved, p.UserID, auth.RolePatient,
			"access_request", ar.ID.String(), map[string]interface{}{
				"doctorId":     ar.DoctorID.String(),
				"recordCount":  len(ids),
				"durationDays": days,
				"expiresAt":    *ar.ExpiresAt,
			})); err != nil {
			return err
		}
		dec = &Decision{Message: "Access request approved successfully", Request: ar, GrantedRecordIDs: ids}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dec, nil
}

// Share grants doctorID access to the calling patient's records without a
// prior request. An access request is recorded and approved in the same
// transaction as the fan-out, so the grant can be revoked like any other.
func (e *Engine) Share(ctx context.Context, p auth.Principal, in ShareInput) (*ShareResult, error) {
	if !p.HasRole(auth.RolePatient) {
		return nil, apperr.Authorization("only patients may share their records")
	}
	if err := in.normalize(); err != nil {
		return nil, err
	}
	if in.DoctorID == p.UserID {
		return nil, apperr.Validation("cannot share records with yourself")
	}
	days := in.DurationDays
	if days == 0 {
		days = e.cfg.DefaultDurationDays
	}
	if days < 0 || days > e.cfg.MaxDurationDays {
		return nil, apperr.Validation("durationDays must be between 1 and %d", e.cfg.MaxDurationDays)
	}

	var res *ShareResult
	err := e.withRetries("share:"+in.DoctorID.String(), func() error {
		return e.tx.InTx(ctx, func(ctx context.Context) error {
			ar := &AccessRequest{
				PatientID:        p.UserID,
				DoctorID:         in.DoctorID,
				Reason:           "shared by patient",
				AccessLevel:      in.AccessLevel,
				RecordCategories: in.RecordCategories,
				Urgency:          UrgencyRoutine,
				Status:           StatusPending,
			}
			if err := e.requests.Create(ctx, ar); err != nil {
				return fmt.Errorf("create access request: %w", err)
			}
			ids, err := e.grant(ctx, ar, in.Message, days)
			if err != nil {
				return err
			}
			if err := e.emit(ctx, audit.NewEvent(audit.ActionAccessShared, p.UserID, auth.RolePatient,
				"access_request", ar.ID.String(), map[string]interface{}{
					"doctorId":         ar.DoctorID.String(),
					"accessLevel":      ar.AccessLevel,
					"recordCategories": ar.RecordCategories,
					"recordCount":      len(ids),
					"durationDays":     days,
					"expiresAt":        *ar.ExpiresAt,
				})); err != nil {
				return err
			}
			res = &ShareResult{
				Message:          "Access shared successfully",
				Request:          ar,
				RecordsUpdated:   len(ids),
				GrantedRecordIDs: ids,
			}
			return nil
		})
	})
	if err != nil {
		if isFinal(err) {
			return nil, err
		}
		return nil, apperr.Retryable(err, "sharing access failed, nothing was granted")
	}
	return res, nil
}

// Revoke removes every permission the request's doctor holds on the
// patient's records, expired ones included, and returns how many records
// changed.
func (e *Engine) Revoke(ctx context.Context, p auth.Principal, accessID uuid.UUID) (int, error) {
	var updated int
	err := e.tx.InTx(ctx, func(ctx context.Context) error {
		ar, err := loadRequest(ctx, e.requests, accessID)
		if err != nil {
			return err
		}
		if ar.PatientID != p.UserID {
			return apperr.Authorization("only the patient who granted access may revoke it")
		}
		if ar.Status != StatusApproved {
			return apperr.Conflict("only approved access can be revoked, request is %s", ar.Status)
		}

		ids, err := e.records.ListRecordsByPatientAndCategories(ctx, ar.PatientID, record.Categories)
		if err != nil {
			return fmt.Errorf("list records: %w", err)
		}
		updated = 0
		for _, recordID := range ids {
			n, err := e.records.RemovePermission(ctx, recordID, ar.DoctorID)
			if err != nil {
				return fmt.Errorf("revoke record %s: %w", recordID, err)
			}
			if n > 0 {
				updated++
			}
		}
		if err := e.requests.SetRevoked(ctx, ar.ID, e.now()); err != nil {
			return fmt.Errorf("mark access request revoked: %w", err)
		}
		return e.emit(ctx, audit.NewEvent(audit.ActionAccessRevoked, p.UserID, auth.RolePatient,
			"access_request", ar.ID.String(), map[string]interface{}{
				"doctorId":       ar.DoctorID.String(),
				"recordsUpdated": updated,
			}))
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

type sharedAgg struct {
	item    SharedAccess
	records map[uuid.UUID]bool
	cats    map[record.Category]bool
}

func (a *sharedAgg) add(pp record.PatientPermission) {
	if a.records == nil {
		a.records = make(map[uuid.UUID]bool)
		a.cats = make(map[record.Category]bool)
	}
	a.item.DoctorID = pp.DoctorID
	a.records[pp.RecordID] = true
	a.cats[pp.Category] = true
	if !pp.GrantedAt.Before(a.item.GrantedAt) {
		a.item.GrantedAt = pp.GrantedAt
		a.item.AccessID = pp.AccessRequestID
		a.item.AccessLevel = pp.AccessLevel
	}
	if pp.ExpiresAt.After(a.item.ExpiresAt) {
		a.item.ExpiresAt = pp.ExpiresAt
	}
}

func (a *sharedAgg) summary(now time.Time) SharedAccess {
	item := a.item
	item.RecordCount = len(a.records)
	for _, c := range record.Categories {
		if a.cats[c] {
			item.Categories = append(item.Categories, c)
		}
	}
	item.Status = DeriveStatus(item.ExpiresAt, now)
	return item
}

// ListSharedAccess aggregates the patient's permissions per doctor. A doctor
// with any active permission is summarized from the active ones only; a
// doctor whose permissions have all lapsed is reported as expired. Status is
// evaluated against the current time on every call.
func (e *Engine) ListSharedAccess(ctx context.Context, p auth.Principal, patientID uuid.UUID) ([]SharedAccess, error) {
	if p.UserID != patientID && !p.HasRole(auth.RoleAdmin) {
		return nil, apperr.Authorization("not allowed to view this patient's shared access")
	}
	perms, err := e.records.ListPermissionsByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}

	now := e.now()
	active := make(map[uuid.UUID]*sharedAgg)
	lapsed := make(map[uuid.UUID]*sharedAgg)
	for _, pp := range perms {
		if !pp.Granted {
			continue
		}
		bucket := lapsed
		if pp.ActiveAt(now) {
			bucket = active
		}
		a, ok := bucket[pp.DoctorID]
		if !ok {
			a = &sharedAgg{}
			bucket[pp.DoctorID] = a
		}
		a.add(pp)
	}

	out := make([]SharedAccess, 0, len(active)+len(lapsed))
	for _, a := range active {
		out = append(out, a.summary(now))
	}
	for doctorID, a := range lapsed {
		if _, ok := active[doctorID]; ok {
			continue
		}
		out = append(out, a.summary(now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GrantedAt.After(out[j].GrantedAt) })
	return out, nil
}

func (e *Engine) ListForPatient(ctx context.Context, p auth.Principal, limit, offset int) ([]*AccessRequest, int, error) {
	if !p.HasRole(auth.RolePatient) {
		return nil, 0, apperr.Authorization("only patients have incoming access requests")
	}
	return e.requests.ListByPatient(ctx, p.UserID, limit, offset)
}

func (e *Engine) ListForDoctor(ctx context.Context, p auth.Principal, limit, offset int) ([]*AccessRequest, int, error) {
	if !p.HasRole(auth.RoleDoctor) {
		return nil, 0, apperr.Authorization("only doctors have outgoing access requests")
	}
	return e.requests.ListByDoctor(ctx, p.UserID, limit, offset)
}

// Get returns a request visible to its patient, its doctor or an admin.
func (e *Engine) Get(ctx context.Context, p auth.Principal, id uuid.UUID) (*AccessRequest, error) {
	ar, err := loadRequest(ctx, e.requests, id)
	if err != nil {
		return nil, err
	}
	if ar.PatientID != p.UserID && ar.DoctorID != p.UserID && !p.HasRole(auth.RoleAdmin) {
		return nil, apperr.NotFound("access request %s not found", id)
	}
	return ar, nil
}
