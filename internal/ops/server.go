// Package ops serves the operational HTTP surface: health, run history, and
// per-file audit trails. It is an internal diagnostics API, not a claims
// query API.
package ops

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/acme/claims/internal/platform/db"
	"github.com/acme/claims/internal/platform/middleware"
)

const defaultRunsLimit = 50

type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// NewServer builds the echo instance with the standard middleware chain and
// all ops routes registered.
func NewServer(pool *pgxpool.Pool, store Store, log zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Recovery(log))
	e.Use(middleware.Logger(log))
	e.Use(middleware.RequestTimeout(30 * time.Second))

	e.GET("/health", db.HealthHandler(pool))

	h := NewHandler(store)
	h.RegisterRoutes(e.Group("/api"))
	return e
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/runs", h.ListRuns)
	api.GET("/runs/:id", h.GetRun)
	api.GET("/files/:fileId/audit", h.GetFileAudit)
}

func (h *Handler) ListRuns(c echo.Context) error {
	limit := defaultRunsLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}

	runs, err := h.store.RecentRuns(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"runs": runs})
}

func (h *Handler) GetRun(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}

	ctx := c.Request().Context()
	run, err := h.store.RunByID(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	files, err := h.store.RunFiles(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"run": run, "files": files})
}

func (h *Handler) GetFileAudit(c echo.Context) error {
	fileID := c.Param("fileId")
	if fileID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing file id")
	}

	rows, err := h.store.FileAudit(c.Request().Context(), fileID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if len(rows) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "no audit trail for file")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"file_id": fileID, "attempts": rows})
}
