package matching

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
	api.GET("/match/candidates", h.ListCandidates)
	api.GET("/match/candidates/:id", h.GetCandidate)
	api.GET("/match/stats", h.GetStats)
	api.POST("/match/candidates/:id/review", h.ReviewCandidate)
	api.POST("/match/candidates/:id/merge", h.MergeCandidate)
	api.GET("/patients/:id/merges", h.ListPatientMerges)
}

func (h *Handler) ListCandidates(c echo.Context) error {
	pg := pagination.FromContext(c)
	filter := ListFilter{
		Status:   Status(c.QueryParam("status")),
		Priority: Priority(c.QueryParam("priority")),
		Search:   c.QueryParam("search"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status filter")
	}

	items, total, err := h.svc.ListCandidates(c.Request().Context(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetCandidate(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	detail, err := h.svc.GetCandidate(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "candidate not found")
	}
	return c.JSON(http.StatusOK, detail)
}

func (h *Handler) GetStats(c echo.Context) error {
	stats, err := h.svc.GetStats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}

type reviewRequest struct {
	ReviewerID string  `json:"reviewer_id"`
	Decision   string  `json:"decision"`
	Notes      *string `json:"notes,omitempty"`
}

func (h *Handler) ReviewCandidate(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req reviewRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	candidate, err := h.svc.ReviewCandidate(c.Request().Context(), id, req.ReviewerID, Status(req.Decision), req.Notes)
	if err != nil {
		var conflict *StateConflictError
		if errors.As(err, &conflict) {
			return echo.NewHTTPError(http.StatusConflict, conflict.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, candidate)
}

func (h *Handler) MergeCandidate(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	record, err := h.svc.MergeCandidate(c.Request().Context(), id)
	if err != nil {
		var mf *MergeFailureError
		if errors.As(err, &mf) {
			return echo.NewHTTPError(http.StatusInternalServerError, mf.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, record)
}

func (h *Handler) ListPatientMerges(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	records, err := h.svc.ListMergesForPatient(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, records)
}
