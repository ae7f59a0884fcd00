package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"hwconfirm/internal/httputil"
	"hwconfirm/internal/model"
	"hwconfirm/internal/service"
	"hwconfirm/internal/transport/http/middleware"
)

type ConfirmationHandler struct {
	confirmationService *service.ConfirmationService
}

func NewConfirmationHandler(confirmationService *service.ConfirmationService) *ConfirmationHandler {
	return &ConfirmationHandler{
		confirmationService: confirmationService,
	}
}

// Request sends a challenge to the device and returns once the broker has it.
// The outcome arrives later on the push channel or through GetStatus.
func (h *ConfirmationHandler) Request(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req model.RequestConfirmationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httputil.WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.DeviceID == "" {
		httputil.WriteBadRequest(w, "deviceId is required")
		return
	}

	c, err := h.confirmationService.RequestConfirmation(r.Context(), userID, req.DeviceID, req.Action)
	if err != nil {
		httputil.WriteServiceError(w, err, "Failed to request confirmation")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, model.RequestConfirmationResponse{
		Success:        true,
		ConfirmationID: c.ID,
		Message:        "Confirmation request sent to device",
	})
}

func (h *ConfirmationHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "Authentication required")
		return
	}

	c, err := h.confirmationService.GetStatus(r.Context(), chi.URLParam(r, "confirmationId"), userID)
	if err != nil {
		httputil.WriteServiceError(w, err, "Failed to get confirmation")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, c)
}

func (h *ConfirmationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "Authentication required")
		return
	}

	list, err := h.confirmationService.ListForUser(r.Context(), userID)
	if err != nil {
		httputil.WriteServiceError(w, err, "Failed to list confirmations")
		return
	}
	if list == nil {
		list = []model.Confirmation{}
	}

	httputil.WriteJSON(w, http.StatusOK, model.ConfirmationListResponse{Confirmations: list})
}

func (h *ConfirmationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "Authentication required")
		return
	}

	c, err := h.confirmationService.Cancel(r.Context(), chi.URLParam(r, "confirmationId"), userID)
	if err != nil {
		httputil.WriteServiceError(w, err, "Failed to cancel confirmation")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, c)
}
