package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/cdcroute/model"
)

// handleStatus reports the routing service and the sessions in flight
func (h *AdminHandlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"node_id":              h.nodeID,
		"running":              h.service.Running(),
		"last_pass_at":         formatTime(h.service.LastPassAt()),
		"consecutive_failures": h.service.ConsecutiveFailures(),
		"last_results":         h.service.LastResults(),
		"sessions":             h.sessions.SessionStats(),
	}

	writeJSONResponse(w, response, false, "")
}

// handleHealth fails once routing passes keep failing
func (h *AdminHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	failures := h.service.ConsecutiveFailures()
	healthy := h.service.Running() && failures == 0

	response := map[string]interface{}{
		"healthy":              healthy,
		"consecutive_failures": failures,
	}

	if !healthy {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSONResponse(w, response, false, "")
}

type channelView struct {
	ChannelID      string `json:"channel_id"`
	BatchAlgorithm string `json:"batch_algorithm"`
	MaxBatchSize   int64  `json:"max_batch_size"`
	MaxDataToRoute int    `json:"max_data_to_route"`
	Enabled        bool   `json:"enabled"`
	Watermark      int64  `json:"watermark"`
	Gaps           int    `json:"gaps"`
}

// handleChannels lists configured channels with their routing progress
func (h *AdminHandlers) handleChannels(w http.ResponseWriter, r *http.Request) {
	channels := h.sessions.Channels()
	out := make([]channelView, 0, len(channels))

	for _, ch := range channels {
		gaps, err := h.store.DataGaps(ch.ChannelID)
		if err != nil {
			writeErrorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		watermark, err := h.store.Watermark(ch.ChannelID)
		if err != nil {
			writeErrorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}

		out = append(out, channelView{
			ChannelID:      ch.ChannelID,
			BatchAlgorithm: ch.BatchAlgorithm,
			MaxBatchSize:   ch.MaxBatchSize,
			MaxDataToRoute: ch.MaxDataToRoute,
			Enabled:        ch.Enabled,
			Watermark:      watermark,
			Gaps:           len(gaps),
		})
	}

	writeJSONResponse(w, out, false, "")
}

type gapView struct {
	StartID int64 `json:"start_id"`
	EndID   int64 `json:"end_id"`
}

func toGapViews(gaps []model.DataGap) []gapView {
	out := make([]gapView, 0, len(gaps))
	for _, g := range gaps {
		out = append(out, gapView{StartID: g.StartID, EndID: g.EndID})
	}
	return out
}

// handleGaps returns the persisted gaps of every channel
func (h *AdminHandlers) handleGaps(w http.ResponseWriter, r *http.Request) {
	out := make(map[string][]gapView)
	for _, ch := range h.sessions.Channels() {
		gaps, err := h.store.DataGaps(ch.ChannelID)
		if err != nil {
			writeErrorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		out[ch.ChannelID] = toGapViews(gaps)
	}

	writeJSONResponse(w, out, false, "")
}

// handleChannelGaps returns the persisted gaps of one channel
func (h *AdminHandlers) handleChannelGaps(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channel")
	if h.findChannel(channelID) == nil {
		writeErrorResponse(w, http.StatusNotFound, "channel '"+channelID+"' not found")
		return
	}

	gaps, err := h.store.DataGaps(channelID)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSONResponse(w, toGapViews(gaps), false, "")
}
