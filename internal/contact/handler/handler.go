package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"idlink/internal/contact/models"
	"idlink/internal/platform/metrics"
	"idlink/internal/platform/middleware"
	"idlink/internal/transport/http/shared"
	dErrors "idlink/pkg/domain-errors"
	"idlink/pkg/requestcontext"
)

// Service defines the resolver operation consumed by this handler.
type Service interface {
	Resolve(ctx context.Context, fragment models.Fragment) (*models.ConsolidatedView, error)
}

// Handler serves the identity reconciliation endpoint.
type Handler struct {
	logger   *slog.Logger
	resolver Service
	metrics  *metrics.Metrics
	limiter  func(http.Handler) http.Handler
}

// New creates the contact Handler. metrics and limiter may be nil.
func New(resolver Service, logger *slog.Logger, m *metrics.Metrics, limiter func(http.Handler) http.Handler) *Handler {
	return &Handler{logger: logger, resolver: resolver, metrics: m, limiter: limiter}
}

// Register mounts the identify route with the standard middleware chain.
func (h *Handler) Register(r chi.Router) {
	sub := chi.NewRouter()
	sub.Use(middleware.Recovery(h.logger))
	sub.Use(middleware.RequestID)
	sub.Use(middleware.RequestTime)
	sub.Use(middleware.ClientIP)
	sub.Use(middleware.Logger(h.logger))
	sub.Use(middleware.Timeout(15 * time.Second))
	sub.Use(middleware.ContentTypeJSON)
	sub.Use(middleware.Latency(h.metrics, "/identify"))
	if h.limiter != nil {
		sub.Use(h.limiter)
	}
	sub.Post("/identify", h.handleIdentify)

	r.Mount("/", sub)
}

// handleIdentify validates fragment syntax, hands the normalized fragment to
// the resolver, and maps the result onto the wire shape.
func (h *Handler) handleIdentify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	var req models.IdentifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "invalid identify request body",
			"request_id", requestID,
			"error", err.Error(),
		)
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	fragment, err := sanitizeRequest(req)
	if err != nil {
		h.logger.WarnContext(ctx, "identify request rejected",
			"request_id", requestID,
			"error", err.Error(),
		)
		shared.WriteError(w, err)
		return
	}

	view, err := h.resolver.Resolve(ctx, fragment)
	if err != nil {
		if dErrors.Is(err, dErrors.CodeBadRequest) {
			shared.WriteError(w, err)
			return
		}
		h.logger.ErrorContext(ctx, "identify failed",
			"request_id", requestID,
			"error", err.Error(),
		)
		shared.WriteError(w, err)
		return
	}

	shared.WriteJSON(w, http.StatusOK, models.IdentifyResponse{Contact: *view})
}
