package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"partyrsvp/internal/util"
)

// serveStream pushes every new state of a dedicated view subscription as a
// server-sent event. Slow clients only ever see the latest state.
func serveStream[T any](w http.ResponseWriter, r *http.Request, heartbeat time.Duration, watch func(context.Context, func(T)) (func(), error)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	logger := util.LoggerFromContext(r.Context())

	updates := make(chan T, 1)
	push := func(v T) {
		select {
		case updates <- v:
		default:
			select {
			case <-updates:
			default:
			}
			updates <- v
		}
	}
	stop, err := watch(r.Context(), push)
	if err != nil {
		logger.Error("open stream failed", "err", err)
		writeError(w, http.StatusBadGateway, "stream unavailable")
		return
	}
	defer stop()

	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case v := <-updates:
			data, err := json.Marshal(v)
			if err != nil {
				logger.Error("encode stream event failed", "err", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
