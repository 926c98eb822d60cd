package record

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medportal/portal/internal/platform/apperr"
)

type Category string

const (
	CategoryGeneral      Category = "general"
	CategoryLabResults   Category = "lab-results"
	CategoryPrescription Category = "prescription"
	CategoryImaging      Category = "imaging"
	CategoryEmergency    Category = "emergency"
	CategoryConsultation Category = "consultation"

	// CategoryAll is accepted in grant requests and expands to every category.
	CategoryAll = "all"
)

// Categories lists every record category in display order.
var Categories = []Category{
	CategoryGeneral,
	CategoryLabResults,
	CategoryPrescription,
	CategoryImaging,
	CategoryEmergency,
	CategoryConsultation,
}

func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Categories {
		if c == known {
			return c, nil
		}
	}
	return "", apperr.Validation("unknown record category %q", s)
}

// ExpandCategories validates in and resolves "all". The result is
// de-duplicated and keeps the order of Categories.
func ExpandCategories(in []string) ([]Category, error) {
	if len(in) == 0 {
		return nil, apperr.Validation("at least one record category is required")
	}
	want := make(map[Category]bool, len(in))
	for _, s := range in {
		if strings.EqualFold(strings.TrimSpace(s), CategoryAll) {
			return append([]Category(nil), Categories...), nil
		}
		c, err := ParseCategory(s)
		if err != nil {
			return nil, err
		}
		want[c] = true
	}
	out := make([]Category, 0, len(want))
	for _, c := range Categories {
		if want[c] {
			out = append(out, c)
		}
	}
	return out, nil
}

type Record struct {
	ID          uuid.UUID `json:"id"`
	PatientID   uuid.UUID `json:"patientId"`
	Category    Category  `json:"category"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Permission access levels. Read lets a doctor list the record; write also
// lets them edit it.
const (
	AccessRead  = "read"
	AccessWrite = "write"
)

// Permission grants one doctor access to one record until ExpiresAt.
type Permission struct {
	RecordID        uuid.UUID `json:"recordId"`
	DoctorID        uuid.UUID `json:"doctorId"`
	AccessRequestID uuid.UUID `json:"accessRequestId"`
	Granted         bool      `json:"granted"`
	GrantedAt       time.Time `json:"grantedAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
	AccessLevel     string    `json:"accessLevel"`
}

// ActiveAt reports whether the permission is usable at now. Expired rows are
// kept until revoked but never grant access.
func (p Permission) ActiveAt(now time.Time) bool {
	return p.Granted && now.Before(p.ExpiresAt)
}

// WritableAt reports whether the permission allows editing at now.
func (p Permission) WritableAt(now time.Time) bool {
	return p.ActiveAt(now) && p.AccessLevel == AccessWrite
}

// PatientPermission is a permission joined with the category of its record.
type PatientPermission struct {
	Permission
	Category Category `json:"category"`
}
