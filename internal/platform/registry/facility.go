package registry

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const FacilityChannel = "abdm_api"

// FacilityClient queries the national health facility registry. It needs an
// API key; without one every lookup is ErrNotConfigured.
type FacilityClient struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
}

func NewFacilityClient(baseURL, apiKey string, timeout time.Duration) *FacilityClient {
	return &FacilityClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		timeout: timeout,
		http:    &http.Client{},
	}
}

func (c *FacilityClient) Channel() string { return FacilityChannel }

func (c *FacilityClient) Lookup(ctx context.Context, facilityID string) (*Match, error) {
	if c.apiKey == "" {
		return nil, ErrNotConfigured
	}

	u := c.baseURL + "/health-facility/search?facility-id=" + url.QueryEscape(facilityID)
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.apiKey)

	record, raw, err := httpGetJSON(ctx, c.http, c.timeout, u, h)
	if err != nil {
		return nil, err
	}
	m := normalizeFacility(record, facilityID)
	m.RawPayload = raw
	return m, nil
}

func normalizeFacility(r map[string]interface{}, facilityID string) *Match {
	beds := 0
	if v, ok := r["beds"].(float64); ok {
		beds = int(v)
	}
	accreditation := []interface{}{}
	if v, ok := r["accreditations"].([]interface{}); ok {
		accreditation = v
	}

	return &Match{
		Valid:              true,
		Name:               str(r, "name", "facilityName"),
		CredentialType:     orDefault(str(r, "hospitalType", "facilityType"), "General"),
		Jurisdiction:       str(r, "state", "stateName"),
		StatusText:         orDefault(str(r, "registrationStatus"), "Active"),
		RegistrationNumber: orDefault(str(r, "facilityId"), facilityID),
		Extra: map[string]interface{}{
			"district":      str(r, "district", "districtName"),
			"beds":          beds,
			"accreditation": accreditation,
			"abdmStatus":    "verified",
			"nabhStatus":    orDefault(str(r, "nabhStatus"), "pending"),
		},
		AlternateIdentifiers: map[string]string{
			"abdmFacilityId": orDefault(str(r, "facilityId"), facilityID),
		},
	}
}
