package conflict

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mpi/mpi/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/conflicts", h.ListConflicts)
	api.GET("/conflicts/:id", h.GetConflict)
	api.POST("/conflicts", h.CreateConflict)
	api.POST("/conflicts/:id/resolve", h.ResolveConflict)
}

func (h *Handler) ListConflicts(c echo.Context) error {
	pg := pagination.FromContext(c)
	filter := ListFilter{
		Status:       Status(c.QueryParam("status")),
		ResourceType: c.QueryParam("resource_type"),
	}
	if v := c.QueryParam("patient_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		filter.PatientID = id
	}

	items, total, err := h.svc.ListConflicts(c.Request().Context(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetConflict(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.GetConflict(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "conflict not found")
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) CreateConflict(c echo.Context) error {
	var rec Record
	if err := c.Bind(&rec); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.RecordDivergence(c.Request().Context(), &rec); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, rec)
}

type resolveRequest struct {
	Action     string  `json:"action"`
	ResolverID string  `json:"resolver_id"`
	Notes      *string `json:"notes,omitempty"`
}

func (h *Handler) ResolveConflict(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	rec, err := h.svc.Resolve(c.Request().Context(), id, ResolutionAction(req.Action), req.ResolverID, req.Notes)
	if err != nil {
		var resolved *AlreadyResolvedError
		if errors.As(err, &resolved) {
			return echo.NewHTTPError(http.StatusConflict, resolved.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, rec)
}
