package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const keepAlive = 15 * time.Second

// Stream serves committed approval events of the caller's company as
// Server-Sent Events.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.svc.Stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "stream_disabled", "CRD-0503", "streaming disabled")
		return
	}
	rc := http.NewResponseController(w)
	// The server write timeout would cut the stream.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	ch := a.svc.Stream.Subscribe(ctx, actor(r).CompanyID)

	_, _ = w.Write([]byte(": stream started\n\n"))
	if err := rc.Flush(); err != nil {
		return
	}

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = w.Write([]byte(": keep-alive\n\n"))
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Kind, payload)
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
