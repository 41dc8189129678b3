package address

import (
	"log/slog"

	"addrhist/internal/address/handler"
	"addrhist/internal/address/service"
	"addrhist/internal/platform/metrics"
)

// Service resolves and appends address history segments.
type Service = service.Service

// Handler wires HTTP endpoints to the address service.
type Handler = handler.Handler

// NewService constructs the address service with required dependencies.
func NewService(store service.Store, tx service.TxRunner, opts ...service.Option) *Service {
	return service.New(store, tx, opts...)
}

// NewHandler constructs the HTTP handler for person and address routes.
func NewHandler(s *Service, logger *slog.Logger, m *metrics.Metrics) *Handler {
	return handler.New(s, logger, m)
}
