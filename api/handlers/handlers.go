// Package handlers exposes datasets, blocks and dashboards over HTTP.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/malbeclabs/insights/api/catalog"
	"github.com/malbeclabs/insights/query/pkg/dberror"
	"github.com/malbeclabs/insights/query/pkg/engine"
	"github.com/malbeclabs/insights/query/pkg/executor"
)

const maxBodyBytes = 1 << 20

// Store is the catalog the handlers read datasets and blocks from.
type Store interface {
	CreateDataset(ctx context.Context, ds engine.Dataset) (catalog.Dataset, error)
	UpdateDataset(ctx context.Context, ds engine.Dataset) (catalog.Dataset, error)
	GetDataset(ctx context.Context, id uuid.UUID) (catalog.Dataset, error)
	ListDatasets(ctx context.Context, limit, offset int) ([]catalog.Dataset, int, error)
	GetDatasets(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]engine.Dataset, error)

	CreateBlock(ctx context.Context, blk engine.Block) (catalog.Block, error)
	GetBlock(ctx context.Context, id uuid.UUID) (catalog.Block, error)
	GetBlocks(ctx context.Context, ids []uuid.UUID) ([]engine.Block, error)
	ListBlocks(ctx context.Context, datasetID uuid.UUID) ([]catalog.Block, error)
}

type Config struct {
	Logger   *slog.Logger
	Engine   *engine.Engine
	Executor *executor.Executor
	Store    Store

	// Warehouse runs analytical statements. It is separate from the catalog
	// pool when WAREHOUSE_DATABASE_URL is set.
	Warehouse executor.Conn

	// QueryLimiter rate limits the endpoints that hit the warehouse. Nil
	// disables rate limiting.
	QueryLimiter *RateLimiter
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Engine == nil {
		return errors.New("engine is required")
	}
	if cfg.Executor == nil {
		return errors.New("executor is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Warehouse == nil {
		return errors.New("warehouse connection is required")
	}
	return nil
}

type Handler struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate handler config: %w", err)
	}
	return &Handler{log: cfg.Logger, cfg: cfg}, nil
}

// Routes mounts every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)

	limited := func(r chi.Router) {
		if h.cfg.QueryLimiter != nil {
			r.Use(RateLimitMiddleware(h.cfg.QueryLimiter))
		}
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/datasets", func(r chi.Router) {
			r.Get("/", h.ListDatasets)
			r.Post("/", h.CreateDataset)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetDataset)
				r.Put("/", h.UpdateDataset)
				r.Get("/columns", h.GetColumns)
				r.Group(func(r chi.Router) {
					limited(r)
					r.Get("/preview", h.PreviewDataset)
					r.Post("/query", h.QueryDataset)
				})
			})
		})

		r.Route("/blocks", func(r chi.Router) {
			r.Get("/", h.ListBlocks)
			r.Post("/", h.CreateBlock)
			r.Get("/{id}", h.GetBlock)
			r.Group(func(r chi.Router) {
				limited(r)
				r.Get("/{id}/data", h.GetBlockData)
			})
		})

		r.Group(func(r chi.Router) {
			limited(r)
			r.Post("/dashboards/render", h.RenderDashboard)
		})
	})
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorStatus maps an error onto an HTTP status and a short machine-readable
// code.
func errorStatus(err error) (int, string) {
	var secErr *dberror.SecurityError
	var valErr *dberror.ValidationError
	switch {
	case errors.As(err, &secErr):
		return http.StatusBadRequest, "security"
	case errors.As(err, &valErr):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, catalog.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, catalog.ErrConflict):
		return http.StatusConflict, "conflict"
	}

	if kind, ok := dberror.KindOf(err); ok {
		switch kind {
		case dberror.KindTimeout:
			return http.StatusGatewayTimeout, "timeout"
		case dberror.KindConnection:
			return http.StatusServiceUnavailable, "connection"
		default:
			return http.StatusUnprocessableEntity, "query"
		}
	}
	return http.StatusInternalServerError, "internal"
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)

	msg := dberror.UserMessage(err)
	switch code {
	case "not_found", "conflict":
		msg = err.Error()
	case "internal":
		h.log.Error("handlers: request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "Internal server error"
	}
	writeJSON(w, status, ErrorResponse{Error: code, Message: msg})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: msg})
}

// decodeBody decodes a JSON body of at most maxBodyBytes into v. Malformed
// bodies are validation errors.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	data, err := readBody(w, r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		var valErr *dberror.ValidationError
		if errors.As(err, &valErr) {
			return valErr
		}
		return dberror.Validationf("", "decode", "invalid request body: %v", err)
	}
	return nil
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, dberror.Validationf("", "decode", "failed to read request body: %v", err)
	}
	return data, nil
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz reports whether the warehouse accepts statements.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.cfg.Executor.Ping(r.Context(), h.cfg.Warehouse); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
