package registry

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DoctorChannel = "nmc_api"

// DoctorCouncilClient queries the medical council register by registration
// number.
type DoctorCouncilClient struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
}

func NewDoctorCouncilClient(baseURL string, timeout time.Duration) *DoctorCouncilClient {
	return &DoctorCouncilClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		http:    &http.Client{},
	}
}

func (c *DoctorCouncilClient) Channel() string { return DoctorChannel }

func (c *DoctorCouncilClient) Lookup(ctx context.Context, licenseNumber string) (*Match, error) {
	u := c.baseURL + "/MCIRest/open/getList?regnNo=" + url.QueryEscape(licenseNumber)
	record, raw, err := httpGetJSON(ctx, c.http, c.timeout, u, nil)
	if err != nil {
		return nil, err
	}
	m := normalizeDoctor(record, licenseNumber)
	m.RawPayload = raw
	return m, nil
}

// normalizeDoctor maps a council record, whose keys come in both camelCase
// and PascalCase, onto Match.
func normalizeDoctor(r map[string]interface{}, licenseNumber string) *Match {
	council := orDefault(str(r, "council", "Council"), "NMC")
	return &Match{
		Valid:              true,
		Name:               str(r, "name", "Name"),
		CredentialType:     "medical_license",
		Jurisdiction:       council,
		StatusText:         orDefault(str(r, "status", "Status"), "Active"),
		RegistrationNumber: orDefault(str(r, "registrationNumber", "RegistrationNumber"), licenseNumber),
		Extra: map[string]interface{}{
			"council":       council,
			"stateCouncil":  str(r, "stateCouncil", "StateCouncil"),
			"qualification": str(r, "qualification", "Qualification"),
		},
	}
}
