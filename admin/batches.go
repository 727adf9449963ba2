package admin

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// handleNodeBatches pages through the outgoing batches of a node in batch
// ID order
func (h *AdminHandlers) handleNodeBatches(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")

	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	from, err := parseFrom(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	batches, err := h.store.OutgoingBatches(nodeID)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	start := 0
	for start < len(batches) && batches[start].BatchID <= from {
		start++
	}
	page := batches[start:]

	hasMore := len(page) > limit
	if hasMore {
		page = page[:limit]
	}

	lastKey := ""
	if hasMore && len(page) > 0 {
		lastKey = strconv.FormatInt(page[len(page)-1].BatchID, 10)
	}

	writeJSONResponse(w, page, hasMore, lastKey)
}

// handleBatchEvents returns the data events of one batch
func (h *AdminHandlers) handleBatchEvents(w http.ResponseWriter, r *http.Request) {
	batchID, err := strconv.ParseInt(chi.URLParam(r, "batchID"), 10, 64)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid batch ID")
		return
	}

	events, err := h.store.DataEvents(batchID)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSONResponse(w, events, false, "")
}
