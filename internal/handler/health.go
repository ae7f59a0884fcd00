package handler

import (
	"net/http"
	"time"

	"hwconfirm/internal/httputil"
)

// BrokerStatus reports the message broker connection state.
type BrokerStatus interface {
	Status() string
}

type HealthHandler struct {
	broker BrokerStatus
}

func NewHealthHandler(broker BrokerStatus) *HealthHandler {
	return &HealthHandler{broker: broker}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"mqtt":      h.broker.Status(),
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}
