package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	logx "jobd/pkg/logx"
)

const sseBuffer = 64

// handleEvents streams status events as Server-Sent Events.
//
// ?job=<id> limits the stream to one job. Events published before the client
// connected are not replayed, and a client too slow to drain its buffer
// misses events rather than slowing the engine.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
		return
	}
	var onlyJob int64
	if v := r.URL.Query().Get("job"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad job"})
			return
		}
		onlyJob = id
	}

	events, unsub := s.eng.Subscribe(sseBuffer)
	defer unsub()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	fl.Flush()

	ping := time.NewTicker(s.cfg.KeepAlive)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			fl.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if onlyJob != 0 && ev.Job.ID != onlyJob {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.log.Warn("sse encode failed", logx.String("type", string(ev.Type)), logx.Err(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			fl.Flush()
		}
	}
}
