package http

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// handleStream serves GET /api/v1/facilities/{facilityID}/insights/stream.
// Every wake of the facility rebuilds the payload from the ledger. A quiet
// heartbeat interval re-checks the ledger, since a wake that lands while an
// event is being written has no waiter, and sends a keepalive comment when
// nothing changed.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()
	facilityID := chi.URLParam(r, "facilityID")

	resp, err := h.snapshot(ctx, facilityID)
	if err != nil {
		h.respondError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	last, ok := writeEvent(w, "insights", resp)
	if !ok {
		return
	}
	flusher.Flush()

	for {
		changed, err := h.waiter.WaitForChange(ctx, facilityID, h.heartbeat)
		if err != nil {
			return
		}
		resp, err := h.snapshot(ctx, facilityID)
		if err != nil {
			if ctx.Err() == nil {
				h.logger.Warn("insights stream rebuild failed", zap.String("facility_id", facilityID), zap.Error(err))
			}
			return
		}
		if !changed {
			current, err := json.Marshal(resp.Insights)
			if err == nil && bytes.Equal(current, last) {
				if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
					return
				}
				flusher.Flush()
				continue
			}
		}
		if last, ok = writeEvent(w, "insights", resp); !ok {
			return
		}
		flusher.Flush()
	}
}

// writeEvent writes one event and returns the encoded insight list for change detection.
func writeEvent(w http.ResponseWriter, event string, resp insightsResponse) ([]byte, bool) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, false
	}
	if _, err := w.Write([]byte("event: " + event + "\ndata: ")); err != nil {
		return nil, false
	}
	if _, err := w.Write(data); err != nil {
		return nil, false
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return nil, false
	}
	list, err := json.Marshal(resp.Insights)
	if err != nil {
		return nil, false
	}
	return list, true
}
