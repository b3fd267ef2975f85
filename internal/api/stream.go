package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"fieldserve/internal/realtime"
)

var (
	workChannel = realtime.WorkChannel
	userChannel = realtime.UserChannel
)

// heartbeatEvery is a var so tests can shorten it.
var heartbeatEvery = 15 * time.Second

// stream serves one broker channel as server-sent events until the client
// goes away. hb is echoed in every heartbeat.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, channel string, hb map[string]any) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.Broker.Subscribe(channel)
	defer s.Broker.Unsubscribe(channel, ch)

	heartbeat := func() {
		hb["ts"] = time.Now().UTC().Format(time.RFC3339)
		b, _ := json.Marshal(hb)
		fmt.Fprintf(w, "event: heartbeat\n")
		fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
	}
	heartbeat()
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	done := r.Context().Done()
	for {
		select {
		case <-done:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			b, _ := json.Marshal(evt.Data)
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		case <-ticker.C:
			heartbeat()
		}
	}
}
