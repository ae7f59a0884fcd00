package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"hwconfirm/internal/httputil"
	"hwconfirm/internal/model"
	"hwconfirm/internal/service"
	"hwconfirm/internal/transport/http/middleware"
)

type DeviceHandler struct {
	deviceService *service.DeviceService
}

func NewDeviceHandler(deviceService *service.DeviceService) *DeviceHandler {
	return &DeviceHandler{
		deviceService: deviceService,
	}
}

// UserID echoes the identity the request was authenticated as.
func (h *DeviceHandler) UserID(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "Authentication required")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{"userId": userID})
}

func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "Authentication required")
		return
	}

	devices, err := h.deviceService.ListByOwner(r.Context(), userID)
	if err != nil {
		httputil.WriteServiceError(w, err, "Failed to list devices")
		return
	}
	if devices == nil {
		devices = []model.Device{}
	}

	httputil.WriteJSON(w, http.StatusOK, model.DeviceListResponse{Devices: devices})
}

func (h *DeviceHandler) Register(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req model.RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.DeviceID == "" || req.DeviceSecret == "" {
		httputil.WriteBadRequest(w, "deviceId and deviceSecret are required")
		return
	}

	device, err := h.deviceService.Register(r.Context(), req.DeviceID, req.DeviceSecret, userID, req.DeviceName)
	if err != nil {
		httputil.WriteServiceError(w, err, "Failed to register device")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, model.RegisterDeviceResponse{
		Success:    true,
		Message:    "Device registered successfully",
		DeviceID:   device.ID,
		DeviceName: device.DisplayName,
	})
}

func (h *DeviceHandler) Remove(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "Authentication required")
		return
	}

	deviceID := chi.URLParam(r, "deviceId")
	if err := h.deviceService.Remove(r.Context(), deviceID, userID); err != nil {
		httputil.WriteServiceError(w, err, "Failed to remove device")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Device removed",
	})
}
