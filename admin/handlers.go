package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/maxpert/cdcroute/model"
	"github.com/maxpert/cdcroute/route"
	"github.com/maxpert/cdcroute/router"
	"github.com/rs/zerolog/log"
)

// ServiceStatus is the view of the routing service the admin API reports
type ServiceStatus interface {
	Running() bool
	LastResults() []router.PassResult
	LastPassAt() time.Time
	ConsecutiveFailures() int
}

// SessionSource exposes the configured channels and live routing sessions
type SessionSource interface {
	Channels() []*model.NodeChannel
	SessionStats() []route.StatsSnapshot
}

// RoutingStore is the part of the routing store the admin API uses
type RoutingStore interface {
	AppendData(data *model.Data) (int64, error)
	DataGaps(channelID string) ([]model.DataGap, error)
	Watermark(channelID string) (int64, error)
	OutgoingBatches(nodeID string) ([]*model.OutgoingBatch, error)
	DataEvents(batchID int64) ([]model.DataEvent, error)
}

// AdminHandlers serves the routing admin API
type AdminHandlers struct {
	nodeID   string
	service  ServiceStatus
	sessions SessionSource
	store    RoutingStore
}

func NewAdminHandlers(nodeID string, service ServiceStatus, sessions SessionSource, store RoutingStore) *AdminHandlers {
	return &AdminHandlers{
		nodeID:   nodeID,
		service:  service,
		sessions: sessions,
		store:    store,
	}
}

// findChannel returns the configured channel with channelID, or nil
func (h *AdminHandlers) findChannel(channelID string) *model.NodeChannel {
	for _, ch := range h.sessions.Channels() {
		if ch.ChannelID == channelID {
			return ch
		}
	}
	return nil
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}, hasMore bool, lastKey string) {
	response := map[string]interface{}{
		"data": data,
	}

	if hasMore || lastKey != "" {
		response["has_more"] = hasMore
		if lastKey != "" {
			response["last_key"] = lastKey
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}

	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}

	if limit > 1024 {
		return 0, fmt.Errorf("limit cannot exceed 1024")
	}

	return limit, nil
}

// parseFrom parses the batch ID to resume listing after
func parseFrom(r *http.Request) (int64, error) {
	fromStr := r.URL.Query().Get("from")
	if fromStr == "" {
		return 0, nil
	}

	from, err := strconv.ParseInt(fromStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid from parameter: %w", err)
	}
	return from, nil
}

// formatTime renders t as RFC 3339, empty for the zero time
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
