package accessgrant

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medportal/portal/internal/platform/apperr"
	"github.com/medportal/portal/internal/platform/auth"
	"github.com/medportal/portal/pkg/pagination"
)

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	doctorGroup := api.Group("", auth.RequireRole(auth.RoleDoctor))
	doctorGroup.POST("/access-requests", h.CreateRequest)

	readGroup := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RolePatient))
	readGroup.GET("/access-requests", h.ListRequests)
	readGroup.GET("/access-requests/:id", h.GetRequest)

	patientGroup := api.Group("", auth.RequireRole(auth.RolePatient))
	patientGroup.PATCH("/access-requests/:id", h.RespondToRequest)
	patientGroup.GET("/shared-access", h.ListSharedAccess)
	patientGroup.POST("/shared-access", h.ShareAccess)
	patientGroup.DELETE("/shared-access/:id", h.RevokeAccess)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) CreateRequest(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	var in RequestInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ar, err := h.engine.Request(c.Request().Context(), p, in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, ar)
}

func (h *Handler) ListRequests(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	var (
		items []*AccessRequest
		total int
	)
	if p.HasRole(auth.RoleDoctor) {
		items, total, err = h.engine.ListForDoctor(c.Request().Context(), p, pg.Limit, pg.Offset)
	} else {
		items, total, err = h.engine.ListForPatient(c.Request().Context(), p, pg.Limit, pg.Offset)
	}
	if err != nil {
		return apperr.HTTPError(err)
	}
	if items == nil {
		items = []*AccessRequest{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetRequest(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ar, err := h.engine.Get(c.Request().Context(), p, id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, ar)
}

func (h *Handler) RespondToRequest(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in RespondInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	dec, err := h.engine.Respond(c.Request().Context(), p, id, in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, dec)
}

func (h *Handler) ListSharedAccess(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	items, err := h.engine.ListSharedAccess(c.Request().Context(), p, p.UserID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"sharedAccess": items})
}

func (h *Handler) ShareAccess(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	var in ShareInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.engine.Share(c.Request().Context(), p, in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) RevokeAccess(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	n, err := h.engine.Revoke(c.Request().Context(), p, id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message":        "Access revoked successfully",
		"recordsUpdated": n,
	})
}
