package store

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/heimgewebe/sichter/app/enums"
)

// Job is a queued unit of analysis work. Jobs are insert-only on the
// submission side and removed by the worker after processing; nothing
// updates a queued job in place.
type Job struct {
	ID         string         `db:"id" json:"id"`
	Kind       enums.JobKind  `db:"kind" json:"type"`
	Mode       enums.ScanMode `db:"mode" json:"mode"`
	Repo       string         `db:"repo" json:"repo,omitempty"`
	AutoPR     bool           `db:"auto_pr" json:"auto_pr"`
	EnqueuedAt time.Time      `db:"-" json:"enqueued_at"`
}

// JobSpec is an unvalidated submission payload
type JobSpec struct {
	Kind   string `json:"type"`
	Mode   string `json:"mode"`
	Repo   string `json:"repo,omitempty"`
	AutoPR bool   `json:"auto_pr"`
}

// claimSet tracks job ids currently claimed by the worker. Claims are
// process-local: on restart the job is still in the table and gets re-run,
// which matches the durable-admission guarantee.
type claimSet struct {
	mu  sync.Mutex
	ids map[string]bool
}

func newClaimSet() claimSet {
	return claimSet{ids: map[string]bool{}}
}

// Submit validates a job spec, assigns a time-ordered id and persists the job.
// The job is durable before Submit returns.
func (s *Store) Submit(spec JobSpec) (Job, error) {
	kind, err := enums.ParseJobKind(spec.Kind)
	if err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if spec.Mode == "" {
		spec.Mode = enums.ScanModeChanged.String()
	}
	mode, err := enums.ParseScanMode(spec.Mode)
	if err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	now := time.Now()
	job := Job{
		ID:         newJobID(now),
		Kind:       kind,
		Mode:       mode,
		Repo:       spec.Repo,
		AutoPR:     spec.AutoPR,
		EnqueuedAt: now,
	}

	_, err = s.db.Exec(`INSERT INTO jobs (id, kind, mode, repo, auto_pr, enqueued_at) VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.Kind.String(), job.Mode.String(), job.Repo, job.AutoPR, now.Unix())
	if err != nil {
		return Job{}, fmt.Errorf("failed to insert job: %w", err)
	}
	return job, nil
}

// PeekAll returns pending jobs in FIFO order, excluding the job currently
// claimed by the worker.
func (s *Store) PeekAll() ([]Job, error) {
	jobs, err := s.allJobs()
	if err != nil {
		return nil, err
	}

	s.claims.mu.Lock()
	defer s.claims.mu.Unlock()

	pending := make([]Job, 0, len(jobs))
	for _, job := range jobs {
		if s.claims.ids[job.ID] {
			continue
		}
		pending = append(pending, job)
	}
	return pending, nil
}

// ClaimNext claims the oldest unclaimed job. It returns nil when the queue is
// empty; callers implement their own poll cadence. Two concurrent calls never
// return the same job.
func (s *Store) ClaimNext() (*Job, error) {
	jobs, err := s.allJobs()
	if err != nil {
		return nil, err
	}

	s.claims.mu.Lock()
	defer s.claims.mu.Unlock()

	for i := range jobs {
		if s.claims.ids[jobs[i].ID] {
			continue
		}
		s.claims.ids[jobs[i].ID] = true
		return &jobs[i], nil
	}
	return nil, nil
}

// Remove deletes a job and releases its claim. Removing a non-existent id is
// not an error.
func (s *Store) Remove(id string) error {
	if _, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}

	s.claims.mu.Lock()
	delete(s.claims.ids, id)
	s.claims.mu.Unlock()
	return nil
}

// allJobs loads every stored job ordered by id. Ids embed the enqueue time,
// so lexicographic order is FIFO order.
func (s *Store) allJobs() ([]Job, error) {
	var rows []struct {
		Job
		EnqueuedAt int64 `db:"enqueued_at"`
	}
	if err := s.db.Select(&rows, `SELECT id, kind, mode, repo, auto_pr, enqueued_at FROM jobs ORDER BY id ASC`); err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}

	jobs := make([]Job, 0, len(rows))
	for _, r := range rows {
		job := r.Job
		job.EnqueuedAt = time.Unix(r.EnqueuedAt, 0)
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// newJobID makes a unique id with a zero-padded nanosecond prefix, keeping
// natural string ordering aligned with creation order.
func newJobID(now time.Time) string {
	return fmt.Sprintf("%020d-%s", now.UnixNano(), strings.ReplaceAll(uuid.New().String(), "-", ""))
}
