package admin

import (
	"encoding/json"
	"net/http"

	"github.com/maxpert/cdcroute/model"
)

type captureRequest struct {
	ChannelID     string `json:"channel_id"`
	TableName     string `json:"table"`
	EventType     string `json:"event_type"`
	RowData       string `json:"row_data"`
	PKData        string `json:"pk_data"`
	OldData       string `json:"old_data"`
	TransactionID string `json:"transaction_id"`
	SourceNodeID  string `json:"source_node_id"`
}

// handleCapture appends captured changes to the data log. The body is one
// JSON array of changes, appended in order.
func (h *AdminHandlers) handleCapture(w http.ResponseWriter, r *http.Request) {
	var reqs []captureRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20)).Decode(&reqs); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	changes := make([]*model.Data, 0, len(reqs))
	for _, req := range reqs {
		if req.ChannelID == "" || req.TableName == "" {
			writeErrorResponse(w, http.StatusBadRequest, "channel_id and table are required")
			return
		}
		ev := model.EventType(req.EventType)
		switch ev {
		case model.EventInsert, model.EventUpdate, model.EventDelete, model.EventSQL:
		default:
			writeErrorResponse(w, http.StatusBadRequest, "invalid event_type: "+req.EventType)
			return
		}

		changes = append(changes, &model.Data{
			ChannelID:     req.ChannelID,
			TableName:     req.TableName,
			EventType:     ev,
			RowData:       req.RowData,
			PKData:        req.PKData,
			OldData:       req.OldData,
			TransactionID: req.TransactionID,
			SourceNodeID:  req.SourceNodeID,
		})
	}

	ids := make([]int64, 0, len(changes))
	for _, d := range changes {
		id, err := h.store.AppendData(d)
		if err != nil {
			writeErrorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		ids = append(ids, id)
	}

	writeJSONResponse(w, map[string]interface{}{"data_ids": ids}, false, "")
}
