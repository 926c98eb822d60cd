package accessgrant

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medportal/portal/internal/domain/record"
	"github.com/medportal/portal/internal/platform/apperr"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

const (
	AccessRead  = record.AccessRead
	AccessWrite = record.AccessWrite
)

const (
	UrgencyRoutine   = "routine"
	UrgencyUrgent    = "urgent"
	UrgencyEmergency = "emergency"
)

const (
	ActionApprove = "approve"
	ActionDeny    = "deny"
)

const (
	DefaultDurationDays = 30
	MaxDurationDays     = 365
)

// AccessRequest is a doctor's request to read or write a patient's records.
// Status moves from pending to approved or denied exactly once.
type AccessRequest struct {
	ID               uuid.UUID  `json:"id"`
	PatientID        uuid.UUID  `json:"patientId"`
	DoctorID         uuid.UUID  `json:"doctorId"`
	Reason           string     `json:"reason"`
	AccessLevel      string     `json:"accessLevel"`
	RecordCategories []string   `json:"recordCategories"`
	Urgency          string     `json:"urgency"`
	Status           Status     `json:"status"`
	ResponseMessage  string     `json:"responseMessage,omitempty"`
	RespondedAt      *time.Time `json:"respondedAt,omitempty"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
	RevokedAt        *time.Time `json:"revokedAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

type SharedStatus string

const (
	SharedActive  SharedStatus = "active"
	SharedExpired SharedStatus = "expired"
)

// DeriveStatus is the only place the active/expired distinction is made.
// It is never persisted.
func DeriveStatus(expiresAt, now time.Time) SharedStatus {
	if now.Before(expiresAt) {
		return SharedActive
	}
	return SharedExpired
}

// SharedAccess summarizes what one doctor can see of a patient's records.
type SharedAccess struct {
	// AccessID is the access request behind the most recent grant; it is the
	// id used to revoke.
	AccessID    uuid.UUID         `json:"accessId"`
	DoctorID    uuid.UUID         `json:"doctorId"`
	AccessLevel string            `json:"accessLevel"`
	Categories  []record.Category `json:"categories"`
	RecordCount int               `json:"recordCount"`
	GrantedAt   time.Time         `json:"grantedAt"`
	ExpiresAt   time.Time         `json:"expiresAt"`
	Status      SharedStatus      `json:"status"`
}

// Decision is the outcome of Respond. GrantedRecordIDs is the manifest of
// records the approval fanned out to.
type Decision struct {
	Message          string         `json:"message"`
	Request          *AccessRequest `json:"request"`
	GrantedRecordIDs []uuid.UUID    `json:"grantedRecordIds,omitempty"`
}

type RequestInput struct {
	PatientID        uuid.UUID `json:"patientId"`
	Reason           string    `json:"reason"`
	AccessLevel      string    `json:"accessLevel"`
	RecordCategories []string  `json:"recordCategories"`
	Urgency          string    `json:"urgency"`
}

type RespondInput struct {
	Action          string `json:"action"`
	ResponseMessage string `json:"responseMessage"`
	DurationDays    int    `json:"durationDays"`
}

// ShareInput grants a doctor access directly, without a prior request.
// ExpiresIn accepts the dashboard's duration tokens ("7d", "30d", "1y") and is
// only consulted when DurationDays is zero.
type ShareInput struct {
	DoctorID         uuid.UUID `json:"doctorId"`
	AccessLevel      string    `json:"accessLevel"`
	RecordCategories []string  `json:"recordCategories"`
	DurationDays     int       `json:"durationDays"`
	ExpiresIn        string    `json:"expiresIn"`
	Message          string    `json:"message"`
}

// ShareResult is the outcome of a direct share. Request is the approved
// access request backing the grant; its id is the accessId used to revoke.
type ShareResult struct {
	Message          string         `json:"message"`
	Request          *AccessRequest `json:"request"`
	RecordsUpdated   int            `json:"recordsUpdated"`
	GrantedRecordIDs []uuid.UUID    `json:"grantedRecordIds,omitempty"`
}

// ParseExpiresIn converts "<n>d", "<n>w" or "<n>y" into days. Empty means 0.
func ParseExpiresIn(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	unit := s[len(s)-1]
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, apperr.Validation("expiresIn %q must look like 7d, 2w or 1y", s)
	}
	switch unit {
	case 'd':
		return n, nil
	case 'w':
		return n * 7, nil
	case 'y':
		return n * 365, nil
	}
	return 0, apperr.Validation("expiresIn %q must look like 7d, 2w or 1y", s)
}

func normalizeAccessLevel(level string) (string, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		return AccessRead, nil
	}
	if level != AccessRead && level != AccessWrite {
		return "", apperr.Validation("accessLevel must be read or write")
	}
	return level, nil
}

// normalizeCategories validates the list and returns it lowercased and
// deduplicated in input order.
func normalizeCategories(in []string) ([]string, error) {
	if _, err := record.ExpandCategories(in); err != nil {
		return nil, err
	}
	cats := make([]string, 0, len(in))
	seen := make(map[string]bool)
	for _, c := range in {
		c = strings.ToLower(strings.TrimSpace(c))
		if !seen[c] {
			seen[c] = true
			cats = append(cats, c)
		}
	}
	return cats, nil
}

// normalize validates in and fills defaults.
func (in *RequestInput) normalize() error {
	if in.PatientID == uuid.Nil {
		return apperr.Validation("patientId is required")
	}
	in.Reason = strings.TrimSpace(in.Reason)
	if in.Reason == "" {
		return apperr.Validation("reason is required")
	}

	level, err := normalizeAccessLevel(in.AccessLevel)
	if err != nil {
		return err
	}
	in.AccessLevel = level

	cats, err := normalizeCategories(in.RecordCategories)
	if err != nil {
		return err
	}
	in.RecordCategories = cats

	in.Urgency = strings.ToLower(strings.TrimSpace(in.Urgency))
	switch in.Urgency {
	case "":
		in.Urgency = UrgencyRoutine
	case UrgencyRoutine, UrgencyUrgent, UrgencyEmergency:
	default:
		return apperr.Validation("urgency must be routine, urgent or emergency")
	}
	return nil
}

// normalize validates in, defaulting categories to all and resolving
// ExpiresIn into DurationDays.
func (in *ShareInput) normalize() error {
	if in.DoctorID == uuid.Nil {
		return apperr.Validation("doctorId is required")
	}
	level, err := normalizeAccessLevel(in.AccessLevel)
	if err != nil {
		return err
	}
	in.AccessLevel = level

	if len(in.RecordCategories) == 0 {
		in.RecordCategories = []string{record.CategoryAll}
	}
	cats, err := normalizeCategories(in.RecordCategories)
	if err != nil {
		return err
	}
	in.RecordCategories = cats

	if in.DurationDays == 0 {
		days, err := ParseExpiresIn(in.ExpiresIn)
		if err != nil {
			return err
		}
		in.DurationDays = days
	}
	in.Message = strings.TrimSpace(in.Message)
	return nil
}
