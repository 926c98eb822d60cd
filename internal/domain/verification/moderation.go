package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medportal/portal/internal/platform/apperr"
	"github.com/medportal/portal/internal/platform/audit"
	"github.com/medportal/portal/internal/platform/auth"
	"github.com/medportal/portal/internal/platform/cache"
)

// TxRunner runs fn in a transaction. *db.Transactor satisfies it.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Moderator resolves entries parked in manual review.
type Moderator struct {
	repo   Repository
	tx     TxRunner
	sink   audit.Sink
	hot    cache.Store
	logger zerolog.Logger
	now    func() time.Time
}

func NewModerator(repo Repository, tx TxRunner, sink audit.Sink, hot cache.Store, logger zerolog.Logger) *Moderator {
	return &Moderator{
		repo:   repo,
		tx:     tx,
		sink:   sink,
		hot:    hot,
		logger: logger.With().Str("component", "verification_moderation").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type ModerationResult struct {
	Entry           *Entry `json:"entry"`
	AlreadyResolved bool   `json:"alreadyResolved"`
}

func (m *Moderator) Approve(ctx context.Context, p auth.Principal, entryID uuid.UUID, notes string) (*ModerationResult, error) {
	return m.decide(ctx, p, entryID, StatusVerified, strings.TrimSpace(notes))
}

// Reject marks the entry unverified. Notes are mandatory.
func (m *Moderator) Reject(ctx context.Context, p auth.Principal, entryID uuid.UUID, notes string) (*ModerationResult, error) {
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return nil, apperr.Validation("notes are required when rejecting a verification")
	}
	return m.decide(ctx, p, entryID, StatusUnverified, notes)
}

func requireAdmin(p auth.Principal) error {
	if !p.HasRole(auth.RoleAdmin) {
		return apperr.Authorization("only administrators may moderate verifications")
	}
	return nil
}

func moderationAction(t IdentifierType, target Status) string {
	switch {
	case t == TypeHospitalID && target == StatusVerified:
		return audit.ActionHospitalIDVerified
	case t == TypeHospitalID:
		return audit.ActionHospitalIDRejected
	case target == StatusVerified:
		return audit.ActionDoctorLicenseVerified
	default:
		return audit.ActionDoctorLicenseRejected
	}
}

func (m *Moderator) decide(ctx context.Context, p auth.Principal, entryID uuid.UUID, target Status, notes string) (*ModerationResult, error) {
	if err := requireAdmin(p); err != nil {
		return nil, err
	}

	var res ModerationResult
	err := m.tx.InTx(ctx, func(ctx context.Context) error {
		e, err := m.repo.GetByID(ctx, entryID)
		if errors.Is(err, ErrEntryNotFound) {
			return apperr.NotFound("verification entry %s not found", entryID)
		}
		if err != nil {
			return fmt.Errorf("load verification entry: %w", err)
		}

		switch e.Status {
		case target:
			res = ModerationResult{Entry: e, AlreadyResolved: true}
			return nil
		case StatusManualReview:
		case StatusError:
			return apperr.Conflict("verification entry is in error state and cannot be moderated")
		default:
			return apperr.Conflict("verification entry is already %s", e.Status)
		}

		e.Status = target
		if e.Details == nil {
			e.Details = &Details{}
		}
		e.Details.Valid = target == StatusVerified
		if e.Source == "" {
			e.Source = SourceManual
		}
		e.AdminReview = &AdminReview{ReviewerID: p.UserID, ReviewedAt: m.now(), Notes: notes}

		if err := m.repo.Update(ctx, e); err != nil {
			if errors.Is(err, ErrStaleVersion) {
				return apperr.Conflict("verification entry was modified concurrently, reload and retry")
			}
			return fmt.Errorf("update verification entry: %w", err)
		}

		decision := "approve"
		if target == StatusUnverified {
			decision = "reject"
		}
		ev := audit.NewEvent(moderationAction(e.IdentifierType, target), p.UserID, auth.RoleAdmin,
			"verification_entry", e.ID.String(), map[string]interface{}{
				"identifierType": string(e.IdentifierType),
				"identifier":     e.Identifier,
				"action":         decision,
				"notes":          notes,
			})
		ev.Severity = audit.SeverityHigh
		if m.sink != nil {
			if err := m.sink.Emit(ctx, ev); err != nil {
				return fmt.Errorf("record audit event: %w", err)
			}
		}
		res = ModerationResult{Entry: e}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !res.AlreadyResolved && m.hot != nil {
		if err := m.hot.Delete(ctx, hotKey(res.Entry.IdentifierType, res.Entry.Identifier)); err != nil {
			m.logger.Warn().Err(err).Str("entry_id", entryID.String()).Msg("hot cache invalidation failed")
		}
	}
	return &res, nil
}

// ListForReview returns the moderation queue. status defaults to
// manual_review; "all" disables the status filter.
func (m *Moderator) ListForReview(ctx context.Context, p auth.Principal, typ, status string, limit, offset int) ([]*Entry, int, error) {
	if err := requireAdmin(p); err != nil {
		return nil, 0, err
	}
	var f ListFilter
	if typ != "" {
		t, err := ParseIdentifierType(typ)
		if err != nil {
			return nil, 0, err
		}
		f.IdentifierType = t
	}
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "":
		f.Status = StatusManualReview
	case "all":
	default:
		st, err := ParseStatus(status)
		if err != nil {
			return nil, 0, err
		}
		f.Status = st
	}
	return m.repo.List(ctx, f, limit, offset)
}

// Sweep hard-deletes entries whose TTL has passed.
func (m *Moderator) Sweep(ctx context.Context) (int64, error) {
	n, err := m.repo.DeleteExpired(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("sweep expired verifications: %w", err)
	}
	m.logger.Info().Int64("deleted", n).Msg("expired verifications swept")
	return n, nil
}
