package handlers

import (
	"context"
	"net/http"
	"time"

	"binspire-simulator/pkg/utils"

	"go.uber.org/zap"
)

// Pinger is satisfied by the database pool
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health reports whether the shared database pool is reachable
// GET /health
func Health(db Pinger, log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			log.Warnw("Health check failed", "error", err)
			utils.Error(w, http.StatusServiceUnavailable, "database unreachable")
			return
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}
}
