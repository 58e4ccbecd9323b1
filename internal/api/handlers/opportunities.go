// Package handlers contains the HTTP handlers for the Pip agent API.
//
// Opportunity routes:
//   - GET    /opportunities/new       list unacknowledged tips, marking the caller active
//   - POST   /opportunities/{id}/seen acknowledge one tip
//   - DELETE /opportunities/all       clear every tip of the caller
//   - POST   /opportunities/live      create the close-by discovery tip
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"pipagent/internal/core"
	"pipagent/internal/opportunities"
	"pipagent/internal/types"
)

const maxBodySize = 1 << 20

// OpportunityService is the store contract the handler depends on.
// *opportunities.Store satisfies it.
type OpportunityService interface {
	NewForUser(ctx context.Context, userID string) ([]types.Opportunity, error)
	MarkSeen(ctx context.Context, userID, opportunityID string) error
	DeleteForUser(ctx context.Context, userID string) (int, error)
	CreateIfNotExists(ctx context.Context, opp types.Opportunity, fingerprint string) (*types.Opportunity, error)
}

// ActivityTracker records that a user polled. *presence.Registry satisfies it.
type ActivityTracker interface {
	MarkActive(uid string)
}

// OpportunityHandler serves the opportunity routes.
type OpportunityHandler struct {
	store            OpportunityService
	presence         ActivityTracker
	validator        *core.Validator
	rules            opportunities.RuleConfig
	allowUIDFallback bool
	logger           *slog.Logger
}

// OpportunityHandlerConfig holds the handler's optional settings.
type OpportunityHandlerConfig struct {
	Rules opportunities.RuleConfig
	// AllowUIDFallback lets unauthenticated callers name themselves with a
	// uid query parameter or body field.
	AllowUIDFallback bool
}

// NewOpportunityHandler creates an OpportunityHandler.
func NewOpportunityHandler(
	store OpportunityService,
	presence ActivityTracker,
	val *core.Validator,
	cfg OpportunityHandlerConfig,
	logger *slog.Logger,
) *OpportunityHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpportunityHandler{
		store:            store,
		presence:         presence,
		validator:        val,
		rules:            cfg.Rules,
		allowUIDFallback: cfg.AllowUIDFallback,
		logger:           logger,
	}
}

// RegisterRoutes mounts the opportunity endpoints.
func (h *OpportunityHandler) RegisterRoutes(r chi.Router) {
	r.Get("/new", h.HandleListNew)
	r.Post("/{id}/seen", h.HandleMarkSeen)
	r.Delete("/all", h.HandleDeleteAll)
	r.Post("/live", h.HandleCreateLive)
}

type opportunityListResponse struct {
	Opportunities []types.Opportunity `json:"opportunities"`
}

type deleteResponse struct {
	Deleted int `json:"deleted"`
}

type seenResponse struct {
	OpportunityID string `json:"opportunityId"`
	Status        string `json:"status"`
}

type liveRequest struct {
	UID    string   `json:"uid"`
	TripID string   `json:"tripId"`
	Lat    *float64 `json:"lat" validate:"required,min=-90,max=90"`
	Lng    *float64 `json:"lng" validate:"required,min=-180,max=180"`
}

type liveResponse struct {
	Opportunity *types.Opportunity `json:"opportunity,omitempty"`
	Created     bool               `json:"created"`
}

// uidBody is the optional body accepted by routes that allow the uid fallback.
type uidBody struct {
	UID string `json:"uid"`
}

// HandleListNew handles GET /opportunities/new.
func (h *OpportunityHandler) HandleListNew(w http.ResponseWriter, r *http.Request) {
	uid, err := h.resolveUserID(r, "")
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if h.presence != nil {
		h.presence.MarkActive(uid)
	}

	list, err := h.store.NewForUser(r.Context(), uid)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to list opportunities", "user_id", uid, "error", err)
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: opportunityListResponse{Opportunities: list}})
}

// HandleMarkSeen handles POST /opportunities/{id}/seen.
func (h *OpportunityHandler) HandleMarkSeen(w http.ResponseWriter, r *http.Request) {
	var body uidBody
	if err := decodeOptionalBody(w, r, &body); err != nil {
		core.Error(w, r, err)
		return
	}
	uid, err := h.resolveUserID(r, body.UID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "Opportunity id is required", nil))
		return
	}

	if err := h.store.MarkSeen(r.Context(), uid, id); err != nil {
		if !types.IsCode(err, types.ErrCodeNotFoundOpportunity) {
			h.logger.ErrorContext(r.Context(), "failed to mark opportunity seen", "user_id", uid, "opportunity_id", id, "error", err)
		}
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: seenResponse{
		OpportunityID: id,
		Status:        string(types.OpportunityStatusSeen),
	}})
}

// HandleDeleteAll handles DELETE /opportunities/all.
func (h *OpportunityHandler) HandleDeleteAll(w http.ResponseWriter, r *http.Request) {
	var body uidBody
	if err := decodeOptionalBody(w, r, &body); err != nil {
		core.Error(w, r, err)
		return
	}
	uid, err := h.resolveUserID(r, body.UID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	n, err := h.store.DeleteForUser(r.Context(), uid)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to delete opportunities", "user_id", uid, "error", err)
		core.Error(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "opportunities cleared", "user_id", uid, "deleted", n)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: deleteResponse{Deleted: n}})
}

// HandleCreateLive handles POST /opportunities/live. A repeat request from
// the same spot returns 200 with created=false.
func (h *OpportunityHandler) HandleCreateLive(w http.ResponseWriter, r *http.Request) {
	var req liveRequest
	if err := core.DecodeJSON(w, r, &req, false); err != nil {
		core.Error(w, r, err)
		return
	}
	uid, err := h.resolveUserID(r, req.UID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	candidate := opportunities.LiveOpportunity(uid, req.TripID, *req.Lat, *req.Lng, h.rules)
	created, err := h.store.CreateIfNotExists(r.Context(), candidate.Opportunity, candidate.Fingerprint)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to create live opportunity", "user_id", uid, "error", err)
		core.Error(w, r, err)
		return
	}
	if created == nil {
		core.JSON(w, r, http.StatusOK, core.APIResponse{Data: liveResponse{Created: false}})
		return
	}
	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: liveResponse{Opportunity: created, Created: true}})
}

// resolveUserID returns the caller's uid: the verified bearer subject when
// present, otherwise (if allowed) the uid query parameter, then bodyUID.
// An authenticated caller naming a different uid is rejected.
func (h *OpportunityHandler) resolveUserID(r *http.Request, bodyUID string) (string, error) {
	claimed := strings.TrimSpace(r.URL.Query().Get("uid"))
	if claimed == "" {
		claimed = strings.TrimSpace(bodyUID)
	}

	if actor, ok := types.GetActor(r.Context()); ok && actor.IsAuthenticated() && actor.ID != "" {
		if claimed != "" && claimed != actor.ID {
			return "", types.NewAppError(types.ErrCodeForbiddenUser, "uid does not match the authenticated user", nil)
		}
		return actor.ID, nil
	}

	if h.allowUIDFallback && claimed != "" {
		return claimed, nil
	}
	return "", types.NewAppError(types.ErrCodeAuthTokenMissing, "Authentication required", nil)
}

// decodeOptionalBody decodes a JSON body into dst when one is present. An
// empty body is not an error.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return types.NewAppError(types.ErrCodeValidationInvalidBody, "request body must not exceed 1MB", err)
		}
		return types.NewAppError(types.ErrCodeValidationInvalidBody, "failed to read request body", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidBody, "request body must be valid JSON", err)
	}
	return nil
}
