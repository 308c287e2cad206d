package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/heimgewebe/sichter/app/store"
)

// handleEventsStream handles GET /api/v1/events/stream - server-sent events.
// Replays the last ?replay= events and then streams live ones. Heartbeat
// frames keep idle connections from being reaped by intermediaries; they are
// connection-local and never persisted.
func (s *Server) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	replay := s.defReplay
	if v := r.URL.Query().Get("replay"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			s.writeJSONError(w, http.StatusBadRequest, "replay must be a non-negative integer")
			return
		}
		replay = parsed
	}
	if replay > s.maxTail {
		replay = s.maxTail
	}

	heartbeat := s.defHeartbeat
	if v := r.URL.Query().Get("heartbeat"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed <= 0 {
			s.writeJSONError(w, http.StatusBadRequest, "heartbeat must be a positive duration")
			return
		}
		heartbeat = parsed
	}

	replayed, live, cancel, err := s.events.Subscribe(replay)
	if err != nil {
		log.Printf("[WARN] failed to subscribe to event stream: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to subscribe")
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	log.Printf("[DEBUG] stream connected from %s, replay:%d heartbeat:%v", r.RemoteAddr, replay, heartbeat)

	for _, ev := range replayed {
		if werr := writeSSEEvent(w, ev); werr != nil {
			log.Printf("[DEBUG] stream write failed during replay: %v", werr)
			return
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Printf("[DEBUG] stream disconnected from %s", r.RemoteAddr)
			return
		case ev, open := <-live:
			if !open {
				return
			}
			if werr := writeSSEEvent(w, ev); werr != nil {
				log.Printf("[DEBUG] stream write failed: %v", werr)
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, werr := fmt.Fprintf(w, "event: heartbeat\ndata: {\"ts\":%d}\n\n", time.Now().Unix()); werr != nil {
				log.Printf("[DEBUG] stream heartbeat failed: %v", werr)
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single event as an SSE data frame
func writeSSEEvent(w http.ResponseWriter, ev store.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event %d: %w", ev.Seq, err)
	}
	if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Seq, data); err != nil {
		return fmt.Errorf("failed to write event %d: %w", ev.Seq, err)
	}
	return nil
}
