package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func serve(t *testing.T, status int, body string, check func(r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDoctorCouncilClient_ArrayResponse(t *testing.T) {
	srv := serve(t, http.StatusOK, `[{"Name":"Dr. Asha Rao","Council":"Karnataka Medical Council","Qualification":"MBBS","Status":"Active","StateCouncil":"KMC"}]`, func(r *http.Request) {
		if r.URL.Path != "/MCIRest/open/getList" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("regnNo"); got != "AB123" {
			t.Errorf("expected regnNo=AB123, got %s", got)
		}
	})

	m, err := NewDoctorCouncilClient(srv.URL+"/", time.Second).Lookup(context.Background(), "AB123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.Valid || m.Name != "Dr. Asha Rao" {
		t.Errorf("unexpected match: %+v", m)
	}
	if m.Jurisdiction != "Karnataka Medical Council" || m.StatusText != "Active" {
		t.Errorf("unexpected jurisdiction/status: %q %q", m.Jurisdiction, m.StatusText)
	}
	if m.RegistrationNumber != "AB123" {
		t.Errorf("expected registration number to fall back to the query, got %q", m.RegistrationNumber)
	}
	if m.Extra["qualification"] != "MBBS" || m.Extra["stateCouncil"] != "KMC" {
		t.Errorf("unexpected extra: %v", m.Extra)
	}
	if len(m.RawPayload) == 0 || m.RawPayload[0] != '{' {
		t.Errorf("expected raw payload of the first record, got %s", m.RawPayload)
	}
}

func TestDoctorCouncilClient_ObjectResponseDefaults(t *testing.T) {
	srv := serve(t, http.StatusOK, `{"name":"Dr. Vikram Shah","registrationNumber":"MH-7781"}`, nil)

	m, err := NewDoctorCouncilClient(srv.URL, time.Second).Lookup(context.Background(), "MH7781")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Jurisdiction != "NMC" {
		t.Errorf("expected default council NMC, got %q", m.Jurisdiction)
	}
	if m.StatusText != "Active" {
		t.Errorf("expected default status Active, got %q", m.StatusText)
	}
	if m.RegistrationNumber != "MH-7781" {
		t.Errorf("expected registry number, got %q", m.RegistrationNumber)
	}
}

func TestDoctorCouncilClient_NotFoundShapes(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"empty array", http.StatusOK, `[]`},
		{"null", http.StatusOK, `null`},
		{"empty body", http.StatusOK, ``},
		{"empty object", http.StatusOK, `{}`},
		{"404", http.StatusNotFound, `{"error":"no record"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serve(t, tt.status, tt.body, nil)
			_, err := NewDoctorCouncilClient(srv.URL, time.Second).Lookup(context.Background(), "X1")
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestDoctorCouncilClient_ServerError(t *testing.T) {
	srv := serve(t, http.StatusBadGateway, `upstream down`, nil)
	_, err := NewDoctorCouncilClient(srv.URL, time.Second).Lookup(context.Background(), "X1")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("expected transport error distinct from ErrNotFound, got %v", err)
	}
}

func TestDoctorCouncilClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	start := time.Now()
	_, err := NewDoctorCouncilClient(srv.URL, 50*time.Millisecond).Lookup(context.Background(), "X1")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Errorf("lookup did not honor timeout, took %s", time.Since(start))
	}
}

func TestFacilityClient_RequiresAPIKey(t *testing.T) {
	called := false
	srv := serve(t, http.StatusOK, `{}`, func(r *http.Request) { called = true })

	_, err := NewFacilityClient(srv.URL, "", time.Second).Lookup(context.Background(), "IN2910000123")
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
	if called {
		t.Error("registry must not be called without an API key")
	}
}

func TestFacilityClient_Lookup(t *testing.T) {
	body := `{"facilityName":"City General Hospital","stateName":"Kerala","districtName":"Ernakulam","facilityType":"Multi-speciality","beds":250,"accreditations":["NABH"],"facilityId":"IN3210000042"}`
	srv := serve(t, http.StatusOK, body, func(r *http.Request) {
		if r.URL.Path != "/health-facility/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("facility-id") != "IN3210000042" {
			t.Errorf("unexpected facility-id %s", r.URL.Query().Get("facility-id"))
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("expected bearer key, got %q", r.Header.Get("Authorization"))
		}
	})

	m, err := NewFacilityClient(srv.URL, "secret", time.Second).Lookup(context.Background(), "IN3210000042")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Name != "City General Hospital" || m.Jurisdiction != "Kerala" || m.CredentialType != "Multi-speciality" {
		t.Errorf("unexpected match: %+v", m)
	}
	if m.Extra["district"] != "Ernakulam" || m.Extra["beds"] != 250 {
		t.Errorf("unexpected extra: %v", m.Extra)
	}
	if m.Extra["abdmStatus"] != "verified" || m.Extra["nabhStatus"] != "pending" {
		t.Errorf("unexpected accreditation status: %v", m.Extra)
	}
	if m.AlternateIdentifiers["abdmFacilityId"] != "IN3210000042" {
		t.Errorf("unexpected alternate ids: %v", m.AlternateIdentifiers)
	}
}

func TestNormalizeFacility_Defaults(t *testing.T) {
	m := normalizeFacility(map[string]interface{}{"name": "Rural PHC", "state": "Bihar", "facilityId": float64(99887766)}, "PHC1")
	if m.CredentialType != "General" {
		t.Errorf("expected default type General, got %q", m.CredentialType)
	}
	if m.Extra["beds"] != 0 {
		t.Errorf("expected zero beds, got %v", m.Extra["beds"])
	}
	if m.AlternateIdentifiers["abdmFacilityId"] != "99887766" {
		t.Errorf("expected numeric facility id rendered plainly, got %q", m.AlternateIdentifiers["abdmFacilityId"])
	}
}

func TestChannels(t *testing.T) {
	if NewDoctorCouncilClient("http://x", 0).Channel() != DoctorChannel {
		t.Error("unexpected doctor channel")
	}
	if NewFacilityClient("http://x", "", 0).Channel() != FacilityChannel {
		t.Error("unexpected facility channel")
	}
}
