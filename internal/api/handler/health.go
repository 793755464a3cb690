package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/ashokvn/mlpipe/internal/api/response"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health. The
// endpoint is public; it reports the database and cache independently and
// answers 503 when the database is down. A cache outage only degrades the
// response because rate limiting fails open.
func NewHealthHandler(db, cache Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		dbStatus := "ok"
		if err := db.Ping(ctx); err != nil {
			dbStatus = "unreachable"
		}
		cacheStatus := "ok"
		if err := cache.Ping(ctx); err != nil {
			cacheStatus = "unreachable"
		}

		status := "ok"
		httpStatus := http.StatusOK
		switch {
		case dbStatus != "ok":
			status = "unavailable"
			httpStatus = http.StatusServiceUnavailable
		case cacheStatus != "ok":
			status = "degraded"
		}

		body := map[string]any{
			"status":   status,
			"database": dbStatus,
			"cache":    cacheStatus,
		}
		if httpStatus != http.StatusOK {
			response.Error(w, httpStatus, "UNHEALTHY", "A required dependency is unreachable", body)
			return
		}
		response.JSON(w, body)
	}
}
