// handlers_health.go - Liveness of the server and its session store
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const storeProbeTimeout = 2 * time.Second

// HealthHandlerImpl implements the HealthHandler interface
type HealthHandlerImpl struct {
	version string
	backend string
	store   StoreProbe
	log     *zap.SugaredLogger
}

// NewHealthHandler creates a health handler. A nil store skips the store probe.
func NewHealthHandler(version, backend string, store StoreProbe, log *zap.SugaredLogger) HealthHandler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &HealthHandlerImpl{
		version: version,
		backend: backend,
		store:   store,
		log:     log,
	}
}

// HandleHealth answers 200 while the store responds, 503 otherwise
func (h *HealthHandlerImpl) HandleHealth(c echo.Context) error {
	body := map[string]interface{}{
		"status":  "ok",
		"version": h.version,
		"store":   h.backend,
	}

	if h.store != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), storeProbeTimeout)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			h.log.Warnw("health", "store", h.backend, "ERROR", err)
			body["status"] = "unavailable"
			return c.JSON(http.StatusServiceUnavailable, body)
		}
	}

	return c.JSON(http.StatusOK, body)
}
