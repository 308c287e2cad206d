package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/heimgewebe/sichter/app/enums"
	"github.com/heimgewebe/sichter/app/store"
	"github.com/heimgewebe/sichter/app/sysinfo"
)

// submitRequest is the submission payload. Mode and AutoPR are pointers so
// absent fields can be defaulted without conflating them with zero values.
type submitRequest struct {
	Repo   string  `json:"repo"`
	Mode   *string `json:"mode,omitempty"`
	AutoPR *bool   `json:"auto_pr,omitempty"`
}

// handleSubmitJob handles POST /api/v1/jobs - submit a scan job for one repo
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !repoPattern.MatchString(req.Repo) {
		s.writeJSONError(w, http.StatusBadRequest, "repo must match owner/name")
		return
	}

	mode := enums.ScanModeChanged.String()
	if req.Mode != nil {
		mode = *req.Mode
	}
	autoPR := true
	if req.AutoPR != nil {
		autoPR = *req.AutoPR
	}

	kind := enums.JobKindScanChanged
	if mode == enums.ScanModeAll.String() {
		kind = enums.JobKindScanAll
	}

	job, err := s.queue.Submit(store.JobSpec{Kind: kind.String(), Mode: mode, Repo: req.Repo, AutoPR: autoPR})
	if err != nil {
		if errors.Is(err, store.ErrValidation) {
			s.writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("[WARN] failed to submit job for %s: %v", req.Repo, err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}

	log.Printf("[INFO] job %s submitted, repo:%s mode:%s", job.ID, job.Repo, job.Mode)
	s.writeJSON(w, http.StatusAccepted, job)
}

// handleSweep handles POST /api/v1/sweep - submit a PR sweep over all configured repos
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Submit(store.JobSpec{Kind: enums.JobKindPRSweep.String()})
	if err != nil {
		log.Printf("[WARN] failed to submit sweep: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to submit sweep")
		return
	}

	log.Printf("[INFO] sweep %s submitted", job.ID)
	s.writeJSON(w, http.StatusAccepted, job)
}

// handleEventsTail handles GET /api/v1/events?n= - last n events, oldest first
func (s *Server) handleEventsTail(w http.ResponseWriter, r *http.Request) {
	n := 100
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			s.writeJSONError(w, http.StatusBadRequest, "n must be a non-negative integer")
			return
		}
		n = parsed
	}
	if n > s.maxTail {
		n = s.maxTail
	}

	events, err := s.events.Tail(n)
	if err != nil {
		log.Printf("[WARN] failed to read event tail: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to read events")
		return
	}
	if events == nil {
		events = []store.Event{}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// handleQueue handles GET /api/v1/queue - pending jobs, oldest first
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.queue.PeekAll()
	if err != nil {
		log.Printf("[WARN] failed to read queue: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to read queue")
		return
	}
	if jobs == nil {
		jobs = []store.Job{}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

// handleOverview handles GET /api/v1/overview - one-call dashboard snapshot
func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.queue.PeekAll()
	if err != nil {
		log.Printf("[WARN] failed to read queue for overview: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to read queue")
		return
	}
	if jobs == nil {
		jobs = []store.Job{}
	}

	events, err := s.events.Tail(20)
	if err != nil {
		log.Printf("[WARN] failed to read events for overview: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to read events")
		return
	}
	if events == nil {
		events = []store.Event{}
	}

	status := sysinfo.Unknown()
	if s.prober != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if probed, perr := s.prober.Status(ctx); perr != nil {
			log.Printf("[WARN] worker status probe failed: %v", perr)
		} else {
			status = probed
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"queue":  map[string]any{"size": len(jobs), "items": jobs},
		"worker": status,
		"events": events,
		"now":    time.Now().UTC(),
	})
}
