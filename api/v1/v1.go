// Package v1 serves the ledgerwatch status endpoints.
package v1

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/waveyops/ledgerwatch/analyzer/governance"
	"github.com/waveyops/ledgerwatch/api/common"
	"github.com/waveyops/ledgerwatch/log"
	"github.com/waveyops/ledgerwatch/metrics"
)

type ContextKey string

const (
	// RequestIDContextKey is used to set a request id for tracing
	// in a request context.
	RequestIDContextKey ContextKey = "request_id"
	moduleName                     = "api_v1"
)

var knownStatuses = map[string]bool{
	string(governance.StatusOpen):           true,
	string(governance.StatusPassed):         true,
	string(governance.StatusFailed):         true,
	string(governance.StatusCancelled):      true,
	string(governance.StatusExecutionDelay): true,
	string(governance.StatusExecutable):     true,
	string(governance.StatusExpired):        true,
	string(governance.StatusExecuted):       true,
}

// Handler is the ledgerwatch V1 API handler.
type Handler struct {
	store   StatusStore
	logger  *log.Logger
	metrics metrics.RequestMetrics
}

// NewHandler creates a new V1 API handler.
func NewHandler(store StatusStore, l *log.Logger) *Handler {
	return &Handler{
		store:   store,
		logger:  l.WithModule(moduleName),
		metrics: metrics.NewDefaultRequestMetrics(moduleName),
	}
}

// RegisterRoutes implements the APIHandler interface.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Use(h.MetricsMiddleware)
		r.Get("/streams", h.ListStreams)
		r.Get("/proposals", h.ListProposals)
	})
}

// Name implements the APIHandler interface.
func (h *Handler) Name() string {
	return moduleName
}

// MetricsMiddleware is a middleware that measures the start and end of each request,
// as well as other useful request information.
func (h *Handler) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		h.logger.Debug("starting request",
			"endpoint", r.URL.Path,
			"request_id", requestID,
		)
		t := time.Now()
		timer := h.metrics.RequestTimer(r.URL.Path)
		defer func() {
			h.logger.Info("ending request",
				"endpoint", r.URL.Path,
				"query_params", r.URL.RawQuery,
				"request_id", requestID,
				"status_code", ww.Status(),
				"time", time.Since(t),
			)
			timer.ObserveDuration()
		}()

		next.ServeHTTP(ww, r.WithContext(
			context.WithValue(r.Context(), RequestIDContextKey, requestID),
		))
	})
}

// ListStreams reports the cursor, observed head and lag of every stream.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	list, err := h.store.Streams(ctx)
	if err != nil {
		h.logAndReply(ctx, "failed to list streams", w, err)
		h.metrics.RequestCounter(r.URL.Path, "failure", "database_error").Inc()
		return
	}
	h.reply(ctx, w, r, list)
}

// ListProposals lists the latest proposals, optionally filtered by status.
func (h *Handler) ListProposals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	p, err := common.NewPagination(r)
	if err != nil {
		h.logAndReply(ctx, "bad pagination", w, err)
		h.metrics.RequestCounter(r.URL.Path, "failure", "bad_request").Inc()
		return
	}
	status := r.URL.Query().Get("status")
	if status != "" && !knownStatuses[status] {
		h.logAndReply(ctx, "unknown proposal status", w, fmt.Errorf("%w: unknown status %q", common.ErrBadRequest, status))
		h.metrics.RequestCounter(r.URL.Path, "failure", "bad_request").Inc()
		return
	}

	list, err := h.store.Proposals(ctx, status, p)
	if err != nil {
		h.logAndReply(ctx, "failed to list proposals", w, err)
		h.metrics.RequestCounter(r.URL.Path, "failure", "database_error").Inc()
		return
	}
	h.reply(ctx, w, r, list)
}

func (h *Handler) reply(ctx context.Context, w http.ResponseWriter, r *http.Request, body interface{}) {
	resp, err := json.Marshal(body)
	if err != nil {
		h.logAndReply(ctx, "failed to marshal response", w, err)
		h.metrics.RequestCounter(r.URL.Path, "failure", "serde_error").Inc()
		return
	}

	w.Header().Set("content-type", "application/json")
	if _, err := w.Write(resp); err != nil {
		h.logger.Error("failed to write response",
			"request_id", ctx.Value(RequestIDContextKey),
			"error", err,
		)
		h.metrics.RequestCounter(r.URL.Path, "failure", "http_error").Inc()
	} else {
		h.metrics.RequestCounter(r.URL.Path, "success").Inc()
	}
}

func (h *Handler) logAndReply(ctx context.Context, msg string, w http.ResponseWriter, err error) {
	h.logger.Error(msg,
		"request_id", ctx.Value(RequestIDContextKey),
		"error", err,
	)
	if err = common.ReplyWithError(w, err); err != nil {
		h.logger.Error("failed to reply with error",
			"request_id", ctx.Value(RequestIDContextKey),
			"error", err,
		)
	}
}
