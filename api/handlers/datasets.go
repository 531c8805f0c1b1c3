package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/malbeclabs/insights/api/catalog"
	"github.com/malbeclabs/insights/query/pkg/builder"
	"github.com/malbeclabs/insights/query/pkg/dberror"
	"github.com/malbeclabs/insights/query/pkg/engine"
	"github.com/malbeclabs/insights/query/pkg/executor"
	"github.com/malbeclabs/insights/query/pkg/result"
	"github.com/malbeclabs/insights/query/pkg/semantic"
)

// DatasetRequest is the body of dataset create and update requests.
type DatasetRequest struct {
	Name      string `json:"name"`
	BaseQuery string `json:"base_query"`
}

type ColumnsResponse struct {
	Columns []semantic.ColumnMetadata `json:"columns"`
}

// PreviewResponse holds the first rows of a dataset.
type PreviewResponse struct {
	Columns []executor.Column `json:"columns"`
	Rows    []result.Row      `json:"rows"`
}

// CreateDataset validates and introspects the base query, then stores the
// dataset with its full column set.
func (h *Handler) CreateDataset(w http.ResponseWriter, r *http.Request) {
	var req DatasetRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		h.writeError(w, r, dberror.Validationf("name", "create", "dataset name is required"))
		return
	}

	columns, err := h.cfg.Engine.Register(r.Context(), h.cfg.Warehouse, req.BaseQuery)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ds, err := h.cfg.Store.CreateDataset(r.Context(), engine.Dataset{
		Name:      req.Name,
		BaseQuery: strings.TrimSpace(req.BaseQuery),
		Columns:   columns,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log.Info("handlers: dataset created", "id", ds.ID, "name", ds.Name, "columns", len(ds.Columns))
	writeJSON(w, http.StatusCreated, ds)
}

// UpdateDataset replaces the base query and re-introspects its columns. An
// empty name keeps the current one.
func (h *Handler) UpdateDataset(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req DatasetRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	current, err := h.cfg.Store.GetDataset(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	columns, err := h.cfg.Engine.Register(r.Context(), h.cfg.Warehouse, req.BaseQuery)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = current.Name
	}
	ds, err := h.cfg.Store.UpdateDataset(r.Context(), engine.Dataset{
		ID:        id,
		Name:      name,
		BaseQuery: strings.TrimSpace(req.BaseQuery),
		Columns:   columns,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (h *Handler) GetDataset(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	ds, err := h.cfg.Store.GetDataset(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (h *Handler) ListDatasets(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r, DefaultLimit)
	items, total, err := h.cfg.Store.ListDatasets(r.Context(), p.Limit, p.Offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PaginatedResponse[catalog.Dataset]{
		Items:  items,
		Total:  total,
		Limit:  p.Limit,
		Offset: p.Offset,
	})
}

// GetColumns lists the dataset's columns, datetime first, then measures,
// then dimensions.
func (h *Handler) GetColumns(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	ds, err := h.cfg.Store.GetDataset(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ColumnsResponse{Columns: semantic.SortForDisplay(ds.Columns)})
}

func (h *Handler) PreviewDataset(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	limit := builder.DefaultPreviewLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeBadRequest(w, "limit must be an integer")
			return
		}
		limit = n
	}

	ds, err := h.cfg.Store.GetDataset(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rs, err := h.cfg.Engine.Preview(r.Context(), h.cfg.Warehouse, ds.Dataset, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := PreviewResponse{Columns: rs.Columns, Rows: rs.Rows}
	if resp.Rows == nil {
		resp.Rows = []result.Row{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// QueryDataset runs the intent in the body against the dataset. Query
// parameters of the form field__op=value add dynamic filters. The intent may
// not carry raw WHERE fragments.
func (h *Handler) QueryDataset(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	intent, err := builder.DecodeIntent(body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	// Raw fragments only come from stored blocks and dashboard renders.
	if intent.Filters.Custom != "" {
		h.writeError(w, r, dberror.Validationf("filters.custom", "query", "raw SQL filters are not accepted on ad-hoc queries"))
		return
	}
	if intent.Filters.BlockFilter != "" {
		h.writeError(w, r, dberror.Validationf("filters.block_filter", "query", "raw SQL filters are not accepted on ad-hoc queries"))
		return
	}

	ds, err := h.cfg.Store.GetDataset(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	dynamic, err := builder.ParseFilterParams(h.log, r.URL.Query(), ds.Columns, nil)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	intent.Filters = intent.Filters.Merge(dynamic)

	data, err := h.cfg.Engine.Run(r.Context(), h.cfg.Warehouse, ds.Dataset, intent)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}
