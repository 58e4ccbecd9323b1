package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"pipagent/internal/core"
	"pipagent/internal/types"
)

// TripHandler lets a signed-in user read and replace their saved trips.
type TripHandler struct {
	trips  types.TripWriter
	logger *slog.Logger
}

// NewTripHandler creates a TripHandler.
func NewTripHandler(trips types.TripWriter, logger *slog.Logger) *TripHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TripHandler{trips: trips, logger: logger}
}

// RegisterRoutes mounts the trip endpoints. Both require a bearer token.
func (h *TripHandler) RegisterRoutes(r chi.Router) {
	r.Use(core.RequireAuth)
	r.Get("/", h.HandleList)
	r.Put("/", h.HandleReplace)
}

type tripsPayload struct {
	Trips []types.Trip `json:"trips"`
}

// HandleList handles GET /trips.
func (h *TripHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	actor, _ := types.GetActor(r.Context())

	trips, err := h.trips.GetUserTrips(r.Context(), actor.ID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to load trips", "user_id", actor.ID, "error", err)
		core.Error(w, r, err)
		return
	}
	if trips == nil {
		trips = []types.Trip{}
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: tripsPayload{Trips: trips}})
}

// HandleReplace handles PUT /trips. The body replaces the caller's whole
// trip list; unknown trip, day and activity fields are preserved.
func (h *TripHandler) HandleReplace(w http.ResponseWriter, r *http.Request) {
	actor, _ := types.GetActor(r.Context())

	var req tripsPayload
	if err := core.DecodeJSON(w, r, &req, true); err != nil {
		core.Error(w, r, err)
		return
	}

	for i := range req.Trips {
		if strings.TrimSpace(req.Trips[i].ID) == "" {
			core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidTrip,
				"every trip needs an id", nil, map[string]any{"index": i}))
			return
		}
		req.Trips[i].UserID = actor.ID
	}
	if req.Trips == nil {
		req.Trips = []types.Trip{}
	}

	if err := h.trips.SaveUserTrips(r.Context(), actor.ID, req.Trips); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to save trips", "user_id", actor.ID, "error", err)
		core.Error(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "trips saved", "user_id", actor.ID, "count", len(req.Trips))
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: req})
}
