package handlers

import (
	"context"

	"github.com/LettoKarvat/RCAFORM/internal/server/dto"
)

// HealthHandler handles health check requests.
type HealthHandler struct {
	svc     *Services
	version string
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(svc *Services, version string) *HealthHandler {
	return &HealthHandler{svc: svc, version: version}
}

// Health reports the backend kind and the number of records waiting for a
// resync. It does not contact the remote store.
func (h *HealthHandler) Health(ctx context.Context, _ *dto.EmptyRequest) (*dto.HealthResponse, error) {
	return &dto.HealthResponse{
		Status:  "ok",
		Backend: h.svc.Backend,
		Version: h.version,
		Pending: h.svc.Collection.Pending(ctx),
	}, nil
}
