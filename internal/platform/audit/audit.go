// Package audit records state transitions of credential verification and
// record sharing as structured events.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medportal/portal/internal/platform/db"
)

const (
	ActionDoctorLicenseVerified = "DOCTOR_LICENSE_VERIFIED"
	ActionDoctorLicenseRejected = "DOCTOR_LICENSE_REJECTED"
	ActionHospitalIDVerified    = "HOSPITAL_ID_VERIFIED"
	ActionHospitalIDRejected    = "HOSPITAL_ID_REJECTED"
	ActionAccessRequested       = "ACCESS_REQUESTED"
	ActionAccessApproved        = "ACCESS_APPROVED"
	ActionAccessDenied          = "ACCESS_DENIED"
	ActionAccessRevoked         = "ACCESS_REVOKED"
	ActionAccessShared          = "ACCESS_SHARED"
)

const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityHigh    = "high"
)

// Event is one audit record.
type Event struct {
	ID         uuid.UUID              `json:"id"`
	Action     string                 `json:"action"`
	ActorID    *uuid.UUID             `json:"actorId,omitempty"`
	ActorRole  string                 `json:"actorRole,omitempty"`
	TargetType string                 `json:"targetType"`
	TargetID   string                 `json:"targetId"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Severity   string                 `json:"severity"`
	Timestamp  time.Time              `json:"timestamp"`
}

// NewEvent fills id, timestamp and severity.
func NewEvent(action string, actorID uuid.UUID, actorRole, targetType, targetID string, details map[string]interface{}) Event {
	ev := Event{
		ID:         uuid.New(),
		Action:     action,
		ActorRole:  actorRole,
		TargetType: targetType,
		TargetID:   targetID,
		Details:    details,
		Severity:   SeverityInfo,
		Timestamp:  time.Now().UTC(),
	}
	if actorID != uuid.Nil {
		id := actorID
		ev.ActorID = &id
	}
	return ev
}

// Sink consumes audit events. Emit runs inside the caller's transaction when
// the context carries one, so a failed Emit aborts the state change.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// PGSink appends events to the audit_log table.
type PGSink struct {
	pool db.Querier
}

func NewPGSink(pool db.Querier) *PGSink {
	return &PGSink{pool: pool}
}

func (s *PGSink) Emit(ctx context.Context, ev Event) error {
	details, err := json.Marshal(ev.Details)
	if err != nil {
		return fmt.Errorf("audit: marshal details: %w", err)
	}
	if ev.Details == nil {
		details = []byte("{}")
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Severity == "" {
		ev.Severity = SeverityInfo
	}

	_, err = db.Conn(ctx, s.pool).Exec(ctx, `
		INSERT INTO audit_log (id, action, actor_id, actor_role, target_type, target_id, details, severity, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID, ev.Action, ev.ActorID, ev.ActorRole, ev.TargetType, ev.TargetID, details, ev.Severity, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("audit: insert %s: %w", ev.Action, err)
	}
	return nil
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Emit(_ context.Context, ev Event) error {
	evt := s.logger.Info()
	if ev.Severity == SeverityWarning || ev.Severity == SeverityHigh {
		evt = s.logger.Warn()
	}
	if ev.ActorID != nil {
		evt = evt.Str("actor_id", ev.ActorID.String())
	}
	evt.
		Str("audit_id", ev.ID.String()).
		Str("action", ev.Action).
		Str("actor_role", ev.ActorRole).
		Str("target_type", ev.TargetType).
		Str("target_id", ev.TargetID).
		Interface("details", ev.Details).
		Time("timestamp", ev.Timestamp).
		Msg("audit event")
	return nil
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemorySink keeps events in memory for tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

func (m *MemorySink) Emit(_ context.Context, ev Event) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Actions returns the recorded action names in order.
func (m *MemorySink) Actions() []string {
	evs := m.Events()
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Action
	}
	return out
}
