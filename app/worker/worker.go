// Package worker implements the single background consumer: it claims queued
// jobs one at a time, executes them via external collaborators and records
// progress in the event log. Job failures never stop the loop; only storage
// failures do.
package worker

import (
	"context"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/heimgewebe/sichter/app/enums"
	"github.com/heimgewebe/sichter/app/store"
)

// Queue defines the claim/remove side of the job queue
type Queue interface {
	ClaimNext() (*store.Job, error)
	Remove(id string) error
}

// EventLog defines the append side of the event log
type EventLog interface {
	Append(ev store.Event) (store.Event, error)
}

// CheckRunner runs static analysis over a repository. It returns captured
// output regardless of the error.
type CheckRunner interface {
	Run(ctx context.Context, repo string, mode enums.ScanMode) (string, error)
}

// PRPublisher opens or updates a pull request for a repository
type PRPublisher interface {
	Publish(ctx context.Context, repo string) (string, error)
}

// Repeater retries a failed function according to its strategy
type Repeater interface {
	Do(ctx context.Context, fun func() error, errs ...error) error
}

// FailureNotifier delivers an out-of-band notification for a failed job
type FailureNotifier interface {
	OnJobFailed(ctx context.Context, jobID, errText string)
}

// Worker is the single active consumer of the job queue
type Worker struct {
	Queue        Queue
	Events       EventLog
	Checks       CheckRunner
	PRs          PRPublisher
	Repeater     Repeater        // optional, collaborator calls run once if nil
	Notifier     FailureNotifier // optional
	Repos        RepoSet         // targets for PRSweep jobs
	PollInterval time.Duration
}

// Run processes jobs until ctx is canceled. The in-flight job always reaches
// its terminal event and removal before the loop exits. The returned error is
// non-nil only for storage failures.
func (w *Worker) Run(ctx context.Context) error {
	poll := w.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	log.Printf("[INFO] worker started, poll interval %v", poll)

	for {
		job, err := w.Queue.ClaimNext()
		if err != nil {
			return fmt.Errorf("queue storage unavailable: %w", err)
		}

		if job == nil {
			select {
			case <-ctx.Done():
				log.Printf("[INFO] worker stopped")
				return nil
			case <-time.After(poll):
			}
			continue
		}

		if err := w.process(ctx, *job); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			log.Printf("[INFO] worker stopped")
			return nil
		default:
		}
	}
}

// process runs a single claimed job through its full lifecycle. Collaborator
// errors are terminal for the job but not for the caller; only event log or
// queue storage failures propagate.
func (w *Worker) process(ctx context.Context, job store.Job) error {
	log.Printf("[INFO] processing job %s, kind %s, mode %s, repo %q", job.ID, job.Kind, job.Mode, job.Repo)

	if err := w.emit(store.Event{Kind: "job.started", Payload: jobPayload(job)}); err != nil {
		return err
	}

	output, jobErr := w.dispatch(ctx, job)

	if jobErr != nil {
		log.Printf("[WARN] job %s failed: %v", job.ID, jobErr)
		payload := jobPayload(job)
		payload["error"] = jobErr.Error()
		if err := w.emit(store.Event{Kind: "job.failed", Line: output, Payload: payload}); err != nil {
			return err
		}
		if w.Notifier != nil {
			w.Notifier.OnJobFailed(ctx, job.ID, jobErr.Error())
		}
	} else {
		log.Printf("[INFO] job %s done", job.ID)
		if err := w.emit(store.Event{Kind: "job.done", Line: output, Payload: jobPayload(job)}); err != nil {
			return err
		}
	}

	// remove only after the terminal event is durable, failed or not.
	// a failed job is not resubmitted automatically.
	if err := w.Queue.Remove(job.ID); err != nil {
		return fmt.Errorf("failed to retire job %s: %w", job.ID, err)
	}
	return nil
}

// dispatch routes the job to its collaborator by kind
func (w *Worker) dispatch(ctx context.Context, job store.Job) (string, error) {
	switch job.Kind {
	case enums.JobKindScanChanged, enums.JobKindScanAll:
		return w.runChecks(ctx, job)
	case enums.JobKindPRSweep:
		return w.runSweep(ctx, job)
	default:
		return "", fmt.Errorf("no dispatch for job kind %q", job.Kind)
	}
}

// runChecks invokes the check runner over the job's repo and mode, retried
// per the configured repeater strategy
func (w *Worker) runChecks(ctx context.Context, job store.Job) (string, error) {
	mode := job.Mode
	if job.Kind == enums.JobKindScanAll {
		mode = enums.ScanModeAll
	}

	var output string
	run := func() error {
		out, err := w.Checks.Run(ctx, job.Repo, mode)
		output = out
		return err
	}

	var err error
	if w.Repeater != nil {
		err = w.Repeater.Do(ctx, run)
	} else {
		err = run()
	}
	if err != nil {
		return output, fmt.Errorf("check run failed for repo %q: %w", job.Repo, err)
	}
	return output, nil
}

// runSweep publishes PRs across the configured repo set, one repo at a time.
// The first failing repo fails the job; remaining repos are left for the next
// sweep.
func (w *Worker) runSweep(ctx context.Context, job store.Job) (string, error) {
	repos := w.Repos.Targets()
	if len(repos) == 0 {
		return "", fmt.Errorf("no repos configured for sweep")
	}

	var lastOut string
	for _, repo := range repos {
		out, err := w.PRs.Publish(ctx, repo)
		lastOut = out
		if err != nil {
			return out, fmt.Errorf("pr publish failed for repo %q: %w", repo, err)
		}
		payload := jobPayload(job)
		payload["repo"] = repo
		if emitErr := w.emit(store.Event{Kind: "sweep.repo", Line: out, Payload: payload}); emitErr != nil {
			return out, emitErr
		}
	}
	return lastOut, nil
}

func (w *Worker) emit(ev store.Event) error {
	if _, err := w.Events.Append(ev); err != nil {
		return fmt.Errorf("event log unavailable: %w", err)
	}
	return nil
}

func jobPayload(job store.Job) map[string]any {
	p := map[string]any{"job_id": job.ID, "type": job.Kind.String(), "mode": job.Mode.String()}
	if job.Repo != "" {
		p["repo"] = job.Repo
	}
	return p
}
