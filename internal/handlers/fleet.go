package handlers

import (
	"net/http"

	"binspire-simulator/internal/fleet"
	"binspire-simulator/internal/websocket"
	"binspire-simulator/pkg/utils"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// FleetController is the part of the orchestrator the HTTP surface needs
type FleetController interface {
	Status() []fleet.LoopStatus
	Cancel(binID string) bool
}

// StatusFeed provides the latest status message of every bin
type StatusFeed interface {
	Latest() []websocket.StatusEvent
}

// GetFleetStatus lists every device loop and whether it is still running
// GET /api/fleet
func GetFleetStatus(f FleetController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		loops := f.Status()

		running := 0
		for _, l := range loops {
			if l.Running {
				running++
			}
		}

		utils.Success(w, map[string]interface{}{
			"running": running,
			"total":   len(loops),
			"loops":   loops,
		})
	}
}

// StopLoop cancels a single device loop
// POST /api/fleet/{binId}/stop
func StopLoop(f FleetController, log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		binID := chi.URLParam(r, "binId")
		if binID == "" {
			utils.Error(w, http.StatusBadRequest, "Bin ID is required")
			return
		}

		if !f.Cancel(binID) {
			utils.Error(w, http.StatusNotFound, "Unknown bin")
			return
		}

		log.Infow("Loop stop requested over HTTP", "bin_id", binID)
		utils.JSON(w, http.StatusAccepted, map[string]interface{}{
			"success": true,
			"binId":   binID,
		})
	}
}

// GetLatestStatuses returns the most recent status message seen for every bin
// GET /api/statuses
func GetLatestStatuses(feed StatusFeed) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		utils.Success(w, feed.Latest())
	}
}
