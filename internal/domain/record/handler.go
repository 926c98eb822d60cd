package record

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medportal/portal/internal/platform/apperr"
	"github.com/medportal/portal/internal/platform/auth"
	"github.com/medportal/portal/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleDoctor, auth.RoleAdmin))
	readGroup.GET("/patients/:patientId/records", h.ListRecords)

	writeGroup := api.Group("", auth.RequireRole(auth.RolePatient))
	writeGroup.POST("/records", h.CreateRecord)

	editGroup := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleDoctor))
	editGroup.PATCH("/records/:id", h.UpdateRecord)
}

type createRecordRequest struct {
	Category    string `json:"category"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (h *Handler) CreateRecord(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	var req createRecordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rec := &Record{Category: Category(req.Category), Title: req.Title, Description: req.Description}
	if err := h.svc.Create(c.Request().Context(), p, rec); err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) ListRecords(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	patientID, err := uuid.Parse(c.Param("patientId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	records, err := h.svc.ListAccessible(c.Request().Context(), p, patientID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	pg := pagination.FromContext(c)
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Page(records, pg), len(records), pg.Limit, pg.Offset))
}

func (h *Handler) UpdateRecord(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var in UpdateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rec, err := h.svc.Update(c.Request().Context(), p, id, in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}
