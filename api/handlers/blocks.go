package handlers

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/malbeclabs/insights/api/catalog"
	"github.com/malbeclabs/insights/api/metrics"
	"github.com/malbeclabs/insights/query/pkg/builder"
	"github.com/malbeclabs/insights/query/pkg/dberror"
	"github.com/malbeclabs/insights/query/pkg/engine"
	"github.com/malbeclabs/insights/query/pkg/semantic"
	"github.com/malbeclabs/insights/query/pkg/sqlsafe"
)

// RenderRequest is the body of a dashboard render.
type RenderRequest struct {
	BlockIDs       []uuid.UUID `json:"block_ids"`
	InstanceFilter string      `json:"instance_filter,omitempty"`
}

type RenderResponse struct {
	Blocks []engine.RenderedBlock `json:"blocks"`
}

type BlocksResponse struct {
	Blocks []catalog.Block `json:"blocks"`
}

// CreateBlock validates a block and checks that its intent compiles against
// the dataset before storing it.
func (h *Handler) CreateBlock(w http.ResponseWriter, r *http.Request) {
	var blk engine.Block
	if err := decodeBody(w, r, &blk); err != nil {
		h.writeError(w, r, err)
		return
	}
	blk.ID = uuid.Nil
	blk.ApplyDefaults()
	if err := blk.Validate(); err != nil {
		h.writeError(w, r, err)
		return
	}

	ds, err := h.cfg.Store.GetDataset(r.Context(), blk.DatasetID)
	if errors.Is(err, catalog.ErrNotFound) {
		h.writeError(w, r, dberror.Validationf("dataset_id", "block", "dataset %s not found", blk.DatasetID))
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if _, err := builder.Compile(ds.BaseQuery, ds.Columns, blk.Intent); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := sqlsafe.ValidateFragment(blk.BlockFilter); err != nil {
		h.writeError(w, r, err)
		return
	}

	stored, err := h.cfg.Store.CreateBlock(r.Context(), blk)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log.Info("handlers: block created", "block", stored.String())
	writeJSON(w, http.StatusCreated, stored)
}

// ListBlocks lists every block, or the blocks of ?dataset_id=.
func (h *Handler) ListBlocks(w http.ResponseWriter, r *http.Request) {
	datasetID := uuid.Nil
	if raw := r.URL.Query().Get("dataset_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeBadRequest(w, "invalid dataset_id")
			return
		}
		datasetID = id
	}
	blocks, err := h.cfg.Store.ListBlocks(r.Context(), datasetID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BlocksResponse{Blocks: blocks})
}

func (h *Handler) GetBlock(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	blk, err := h.cfg.Store.GetBlock(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, blk)
}

// GetBlockData renders a single block. Query parameters of the form
// field__op=value add dynamic filters.
func (h *Handler) GetBlockData(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	blk, err := h.cfg.Store.GetBlock(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	datasets, err := h.cfg.Store.GetDatasets(r.Context(), []uuid.UUID{blk.DatasetID})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	applied, err := builder.ParseFilterParams(h.log, r.URL.Query(), datasets[blk.DatasetID].Columns, nil)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	rendered := h.cfg.Engine.RenderDashboard(r.Context(), h.cfg.Warehouse, engine.RenderRequest{
		Blocks:   []engine.Block{blk.Block},
		Datasets: datasets,
		Applied:  applied,
	})
	rb := rendered[0]
	metrics.RecordBlock(rb.Success)
	if rb.Err != nil {
		h.writeError(w, r, rb.Err)
		return
	}
	writeJSON(w, http.StatusOK, rb)
}

// RenderDashboard renders the requested blocks concurrently. A failing block
// is reported in its own entry and does not fail the request.
func (h *Handler) RenderDashboard(w http.ResponseWriter, r *http.Request) {
	var req RenderRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := sqlsafe.ValidateFragment(req.InstanceFilter); err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(req.BlockIDs) == 0 {
		writeJSON(w, http.StatusOK, RenderResponse{Blocks: []engine.RenderedBlock{}})
		return
	}

	blocks, err := h.cfg.Store.GetBlocks(r.Context(), req.BlockIDs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ids := make([]uuid.UUID, 0, len(blocks))
	seen := make(map[uuid.UUID]bool, len(blocks))
	for _, b := range blocks {
		if !seen[b.DatasetID] {
			seen[b.DatasetID] = true
			ids = append(ids, b.DatasetID)
		}
	}
	datasets, err := h.cfg.Store.GetDatasets(r.Context(), ids)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	applied, err := builder.ParseFilterParams(h.log, r.URL.Query(), unionColumns(ids, datasets), nil)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	rendered := h.cfg.Engine.RenderDashboard(r.Context(), h.cfg.Warehouse, engine.RenderRequest{
		Blocks:         blocks,
		Datasets:       datasets,
		InstanceFilter: req.InstanceFilter,
		Applied:        applied,
	})
	for _, rb := range rendered {
		metrics.RecordBlock(rb.Success)
	}
	writeJSON(w, http.StatusOK, RenderResponse{Blocks: rendered})
}

// unionColumns returns the columns of the datasets in ids order. A name seen
// in an earlier dataset wins.
func unionColumns(ids []uuid.UUID, datasets map[uuid.UUID]engine.Dataset) []semantic.ColumnMetadata {
	seen := make(map[string]bool)
	var out []semantic.ColumnMetadata
	for _, id := range ids {
		for _, c := range datasets[id].Columns {
			if !seen[c.Name] {
				seen[c.Name] = true
				out = append(out, c)
			}
		}
	}
	return out
}
