package verification

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medportal/portal/internal/platform/apperr"
)

type IdentifierType string

const (
	TypeDoctorLicense IdentifierType = "doctor_license"
	TypeHospitalID    IdentifierType = "hospital_id"
)

type Status string

const (
	StatusVerified     Status = "verified"
	StatusUnverified   Status = "unverified"
	StatusManualReview Status = "manual_review"
	StatusError        Status = "error"
)

const (
	SourceRegistryAPI = "registry_api"
	SourceScrape      = "scrape"
	SourceManual      = "manual"
)

var validStatuses = map[Status]bool{
	StatusVerified: true, StatusUnverified: true, StatusManualReview: true, StatusError: true,
}

const maxIdentifierLen = 64

var identifierPattern = regexp.MustCompile(`^[A-Z0-9/_.\-]+$`)

// Details is the normalized registry answer stored with an entry.
type Details struct {
	Valid              bool                   `json:"valid"`
	Name               string                 `json:"name,omitempty"`
	CredentialType     string                 `json:"credentialType,omitempty"`
	Jurisdiction       string                 `json:"jurisdiction,omitempty"`
	RegistrationStatus string                 `json:"registrationStatus,omitempty"`
	RegistrationNumber string                 `json:"registrationNumber,omitempty"`
	Extra              map[string]interface{} `json:"extra,omitempty"`
}

// Attempt is one entry of the append-only registry call trail.
type Attempt struct {
	Channel   string    `json:"channel"`
	Attempted bool      `json:"attempted"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type AdminReview struct {
	ReviewerID uuid.UUID `json:"reviewerId"`
	ReviewedAt time.Time `json:"reviewedAt"`
	Notes      string    `json:"notes,omitempty"`
}

// Entry is a cached verification outcome, unique per (IdentifierType,
// Identifier).
type Entry struct {
	ID                   uuid.UUID         `json:"id"`
	IdentifierType       IdentifierType    `json:"identifierType"`
	Identifier           string            `json:"identifier"`
	Status               Status            `json:"status"`
	Details              *Details          `json:"details,omitempty"`
	AlternateIdentifiers map[string]string `json:"alternateIdentifiers,omitempty"`
	Source               string            `json:"source,omitempty"`
	RawPayload           json.RawMessage   `json:"rawPayload,omitempty"`
	Attempts             []Attempt         `json:"attempts"`
	AdminReview          *AdminReview      `json:"adminReview,omitempty"`
	VersionID            int               `json:"versionId"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
	ExpiresAt            time.Time         `json:"expiresAt"`
}

// ExpiredAt reports whether the entry must be treated as absent at now.
func (e *Entry) ExpiredAt(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Attempts = append([]Attempt(nil), e.Attempts...)
	if e.Details != nil {
		d := *e.Details
		c.Details = &d
	}
	if e.AdminReview != nil {
		r := *e.AdminReview
		c.AdminReview = &r
	}
	return &c
}

// Result is what Verify returns to callers.
type Result struct {
	EntryID        uuid.UUID      `json:"entryId"`
	IdentifierType IdentifierType `json:"identifierType"`
	Identifier     string         `json:"identifier"`
	Valid          bool           `json:"valid"`
	Status         Status         `json:"status"`
	Source         string         `json:"source,omitempty"`
	Details        *Details       `json:"details,omitempty"`
	FromCache      bool           `json:"fromCache"`
	CachedAt       *time.Time     `json:"cachedAt,omitempty"`
	Message        string         `json:"message,omitempty"`
}

func newResult(e *Entry, fromCache bool) *Result {
	r := &Result{
		EntryID:        e.ID,
		IdentifierType: e.IdentifierType,
		Identifier:     e.Identifier,
		Valid:          e.Status == StatusVerified,
		Status:         e.Status,
		Source:         e.Source,
		Details:        e.Details,
		FromCache:      fromCache,
	}
	if fromCache {
		at := e.UpdatedAt
		r.CachedAt = &at
	}
	if e.Status == StatusManualReview {
		r.Message = pendingMessage(e.IdentifierType)
	}
	return r
}

func pendingMessage(t IdentifierType) string {
	if t == TypeHospitalID {
		return "Hospital ID not found. Your hospital registration is pending manual verification."
	}
	return "License number not found. Your registration is pending manual verification."
}

// ParseIdentifierType accepts the canonical names and the short route forms
// "doctor" and "hospital".
func ParseIdentifierType(s string) (IdentifierType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(TypeDoctorLicense), "doctor":
		return TypeDoctorLicense, nil
	case string(TypeHospitalID), "hospital":
		return TypeHospitalID, nil
	}
	return "", apperr.Validation("unknown identifier type %q", s)
}

// NormalizeIdentifier trims and uppercases raw and checks length and
// character set.
func NormalizeIdentifier(raw string) (string, error) {
	id := strings.ToUpper(strings.TrimSpace(raw))
	if id == "" {
		return "", apperr.Validation("identifier is required")
	}
	if len(id) > maxIdentifierLen {
		return "", apperr.Validation("identifier must be at most %d characters", maxIdentifierLen)
	}
	if !identifierPattern.MatchString(id) {
		return "", apperr.Validation("identifier may only contain letters, digits and / _ . -")
	}
	return id, nil
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !validStatuses[st] {
		return "", apperr.Validation("unknown status %q", s)
	}
	return st, nil
}
