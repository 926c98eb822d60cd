package verification

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medportal/portal/internal/platform/apperr"
	"github.com/medportal/portal/internal/platform/auth"
	"github.com/medportal/portal/pkg/pagination"
)

type Handler struct {
	gw  *Gateway
	mod *Moderator
}

func NewHandler(gw *Gateway, mod *Moderator) *Handler {
	return &Handler{gw: gw, mod: mod}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Public: registration flows verify before an account exists.
	api.POST("/verifications/doctor", h.VerifyDoctor)
	api.GET("/verifications/doctor/:identifier", h.lookup(TypeDoctorLicense))
	api.POST("/verifications/hospital", h.VerifyHospital)
	api.GET("/verifications/hospital/:identifier", h.lookup(TypeHospitalID))

	admin := api.Group("/admin/verifications", auth.RequireRole(auth.RoleAdmin))
	admin.GET("", h.ListForReview)
	admin.POST("/:id/approve", h.Approve)
	admin.POST("/:id/reject", h.Reject)
}

type doctorRequest struct {
	LicenseNumber string `json:"licenseNumber"`
}

type hospitalRequest struct {
	HospitalID string `json:"hospitalId"`
}

type moderationRequest struct {
	Notes string `json:"notes"`
}

func (h *Handler) VerifyDoctor(c echo.Context) error {
	var req doctorRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.gw.Verify(c.Request().Context(), TypeDoctorLicense, req.LicenseNumber)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) VerifyHospital(c echo.Context) error {
	var req hospitalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.gw.Verify(c.Request().Context(), TypeHospitalID, req.HospitalID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) lookup(t IdentifierType) echo.HandlerFunc {
	return func(c echo.Context) error {
		res, err := h.gw.Lookup(c.Request().Context(), t, c.Param("identifier"))
		if err != nil {
			return apperr.HTTPError(err)
		}
		return c.JSON(http.StatusOK, res)
	}
}

func (h *Handler) ListForReview(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.mod.ListForReview(c.Request().Context(), p,
		c.QueryParam("type"), c.QueryParam("status"), pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if items == nil {
		items = []*Entry{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Approve(c echo.Context) error {
	return h.moderate(c, h.mod.Approve)
}

func (h *Handler) Reject(c echo.Context) error {
	return h.moderate(c, h.mod.Reject)
}

type decideFunc func(ctx context.Context, p auth.Principal, id uuid.UUID, notes string) (*ModerationResult, error)

func (h *Handler) moderate(c echo.Context, decide decideFunc) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req moderationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := decide(c.Request().Context(), p, id, req.Notes)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}
