package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/patchbay-dev/patchbay/pkg/errdefs"
	"github.com/patchbay-dev/patchbay/pkg/metrics"
)

// ssePingInterval keeps idle streams alive through proxies.
const ssePingInterval = 30 * time.Second

// handleEvents streams gateway lifecycle events as server-sent events.
// ?types=a,b narrows the stream to the named event classes. Subscribers
// that fall behind lose events rather than slowing the publisher; the
// terminal close event ends the stream on gateway shutdown.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.writeError(w, errdefs.New(errdefs.CodeInternal, "no event bus wired"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, errdefs.New(errdefs.CodeInternal, "streaming unsupported"))
		return
	}

	var filter []string
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter = append(filter, t)
			}
		}
	}

	sub := s.bus.Subscribe(filter...)
	defer sub.Close()
	metrics.SSESubscribers.Inc()
	defer metrics.SSESubscribers.Dec()

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ping := time.NewTicker(ssePingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, open := <-sub.C:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Debug().Err(err).Str("type", ev.Type).Msg("event marshal failed")
				continue
			}
			if ev.ID != "" {
				fmt.Fprintf(w, "id: %s\n", ev.ID)
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}
