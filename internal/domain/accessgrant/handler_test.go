package accessgrant

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medportal/portal/internal/domain/record"
	"github.com/medportal/portal/internal/platform/auth"
)

func newTestContext(e *echo.Echo, method, body string, p *auth.Principal, id string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, "/", nil)
	}
	if p != nil {
		req = req.WithContext(auth.WithPrincipal(req.Context(), *p))
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if id != "" {
		c.SetParamNames("id")
		c.SetParamValues(id)
	}
	return c, rec
}

func httpCode(err error) int {
	if he, ok := err.(*echo.HTTPError); ok {
		return he.Code
	}
	return 0
}

func TestHandler_RequestApproveRevoke(t *testing.T) {
	f := newEngineFixture(t)
	f.store.addRecords(f.patientID, record.CategoryLabResults, 2)
	h := NewHandler(f.engine)
	e := echo.New()
	doc, pat := f.doctor(), f.patient()

	body := `{"patientId":"` + f.patientID.String() + `","reason":"pre-op review","accessLevel":"read","recordCategories":["lab-results"],"urgency":"urgent"}`
	c, rec := newTestContext(e, http.MethodPost, body, &doc, "")
	if err := h.CreateRequest(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var ar AccessRequest
	json.Unmarshal(rec.Body.Bytes(), &ar)
	if ar.Status != StatusPending || ar.Urgency != UrgencyUrgent {
		t.Fatalf("unexpected request: %+v", ar)
	}

	c, rec = newTestContext(e, http.MethodPatch, `{"action":"approve","durationDays":7}`, &pat, ar.ID.String())
	if err := h.RespondToRequest(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var dec Decision
	json.Unmarshal(rec.Body.Bytes(), &dec)
	if dec.Request == nil || dec.Request.Status != StatusApproved || len(dec.GrantedRecordIDs) != 2 {
		t.Fatalf("unexpected decision: %s", rec.Body.String())
	}

	c, rec = newTestContext(e, http.MethodGet, "", &pat, "")
	if err := h.ListSharedAccess(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var shared struct {
		SharedAccess []SharedAccess `json:"sharedAccess"`
	}
	json.Unmarshal(rec.Body.Bytes(), &shared)
	if len(shared.SharedAccess) != 1 || shared.SharedAccess[0].Status != SharedActive {
		t.Fatalf("unexpected shared access: %s", rec.Body.String())
	}

	c, rec = newTestContext(e, http.MethodDelete, "", &pat, shared.SharedAccess[0].AccessID.String())
	if err := h.RevokeAccess(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var revoked struct {
		RecordsUpdated int `json:"recordsUpdated"`
	}
	json.Unmarshal(rec.Body.Bytes(), &revoked)
	if revoked.RecordsUpdated != 2 {
		t.Errorf("expected 2 records updated, got %s", rec.Body.String())
	}
}

func TestHandler_ListRequests_ByRole(t *testing.T) {
	f := newEngineFixture(t)
	f.request(t, "general")
	h := NewHandler(f.engine)
	e := echo.New()

	for _, p := range []auth.Principal{f.doctor(), f.patient()} {
		p := p
		c, rec := newTestContext(e, http.MethodGet, "", &p, "")
		if err := h.ListRequests(c); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		var body struct {
			Total int `json:"total"`
		}
		json.Unmarshal(rec.Body.Bytes(), &body)
		if body.Total != 1 {
			t.Errorf("%s: expected 1 request, got %s", p.PrimaryRole(), rec.Body.String())
		}
	}
}

func TestHandler_Errors(t *testing.T) {
	f := newEngineFixture(t)
	ar := f.request(t, "general")
	h := NewHandler(f.engine)
	e := echo.New()
	pat := f.patient()
	stranger := auth.Principal{UserID: uuid.New(), Roles: []string{auth.RolePatient}}

	c, _ := newTestContext(e, http.MethodPatch, `{"action":"approve"}`, &pat, "bad")
	if code := httpCode(h.RespondToRequest(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad id, got %d", code)
	}

	c, _ = newTestContext(e, http.MethodPatch, `{"action":"approve"}`, &stranger, ar.ID.String())
	if code := httpCode(h.RespondToRequest(c)); code != http.StatusForbidden {
		t.Errorf("expected 403 for non-owner, got %d", code)
	}

	c, _ = newTestContext(e, http.MethodPatch, `{"action":"deny"}`, &pat, ar.ID.String())
	if err := h.RespondToRequest(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c, _ = newTestContext(e, http.MethodPatch, `{"action":"approve"}`, &pat, ar.ID.String())
	if code := httpCode(h.RespondToRequest(c)); code != http.StatusConflict {
		t.Errorf("expected 409 for resolved request, got %d", code)
	}

	c, _ = newTestContext(e, http.MethodGet, "", nil, ar.ID.String())
	if code := httpCode(h.GetRequest(c)); code != http.StatusUnauthorized {
		t.Errorf("expected 401 without principal, got %d", code)
	}
}

func TestHandler_RoutesEnforceRoles(t *testing.T) {
	f := newEngineFixture(t)
	h := NewHandler(f.engine)
	e := echo.New()
	pat := f.patient()
	h.RegisterRoutes(e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.SetRequest(c.Request().WithContext(auth.WithPrincipal(c.Request().Context(), pat)))
			return next(c)
		}
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/access-requests", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("patients may not create requests, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/shared-access", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for shared access, got %d", rec.Code)
	}
}

func TestHandler_ShareAccess(t *testing.T) {
	f := newEngineFixture(t)
	f.store.addRecords(f.patientID, record.CategoryImaging, 3)
	h := NewHandler(f.engine)
	e := echo.New()
	pat := f.patient()

	body := `{"doctorId":"` + f.doctorID.String() + `","accessLevel":"read","expiresIn":"90d","recordCategories":["all"]}`
	c, rec := newTestContext(e, http.MethodPost, body, &pat, "")
	if err := h.ShareAccess(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var res ShareResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.RecordsUpdated != 3 || res.Request == nil || res.Request.Status != StatusApproved {
		t.Fatalf("unexpected share result: %s", rec.Body.String())
	}

	c, _ = newTestContext(e, http.MethodPost, `{"doctorId":"`+f.doctorID.String()+`","expiresIn":"forever"}`, &pat, "")
	if code := httpCode(h.ShareAccess(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad expiresIn, got %d", code)
	}

	doc := f.doctor()
	c, _ = newTestContext(e, http.MethodPost, body, &doc, "")
	if code := httpCode(h.ShareAccess(c)); code != http.StatusForbidden {
		t.Errorf("expected 403 for doctor, got %d", code)
	}
}
