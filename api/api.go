// Package api defines the ledgerwatch status API.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	v1 "github.com/waveyops/ledgerwatch/api/v1"
	"github.com/waveyops/ledgerwatch/log"
)

const (
	moduleName = "api"
)

// APIHandler is a handler that handles API requests.
type APIHandler interface {
	// RegisterRoutes registers routes for this API Handler
	RegisterRoutes(chi.Router)

	// Name returns the name of this API handler.
	Name() string
}

// StatusAPI reports stream progress and governance state.
type StatusAPI struct {
	router   *chi.Mux
	handlers []APIHandler
	logger   *log.Logger
}

// NewStatusAPI creates a new status API.
func NewStatusAPI(store v1.StatusStore, l *log.Logger) *StatusAPI {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", Health)

	handlers := []APIHandler{
		v1.NewHandler(store, l),
	}
	for _, handler := range handlers {
		handler.RegisterRoutes(r)
	}

	return &StatusAPI{
		router:   r,
		handlers: handlers,
		logger:   l.WithModule(moduleName),
	}
}

// Router gets the router for this Handler.
func (a *StatusAPI) Router() *chi.Mux {
	return a.router
}

// Health reports that the process is serving.
func Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("content-type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
