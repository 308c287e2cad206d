package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimgewebe/sichter/app/enums"
	"github.com/heimgewebe/sichter/app/events"
	"github.com/heimgewebe/sichter/app/store"
)

type mockChecks struct {
	mu    sync.Mutex
	calls []string
	out   string
	err   error
}

func (m *mockChecks) Run(_ context.Context, repo string, mode enums.ScanMode) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, repo+":"+mode.String())
	return m.out, m.err
}

type mockPRs struct {
	mu     sync.Mutex
	calls  []string
	out    string
	err    error
	failOn string // repo that fails, all others succeed
}

func (m *mockPRs) Publish(_ context.Context, repo string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, repo)
	if m.err != nil {
		return m.out, m.err
	}
	if m.failOn != "" && repo == m.failOn {
		return m.out, fmt.Errorf("publish rejected")
	}
	return m.out, nil
}

type mockNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (m *mockNotifier) OnJobFailed(_ context.Context, jobID, errText string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, jobID+":"+errText)
}

func prepWorker(t *testing.T) (*Worker, *store.Store, *events.Log, *mockChecks, *mockPRs) {
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	log := events.NewLog(s, 0)
	checks := &mockChecks{out: "checks passed"}
	prs := &mockPRs{out: "pr opened"}

	w := &Worker{
		Queue:        s,
		Events:       log,
		Checks:       checks,
		PRs:          prs,
		Repos:        RepoSet{Org: "heimgewebe", Repos: []string{"webstoff", "leitstand"}},
		PollInterval: 10 * time.Millisecond,
	}
	return w, s, log, checks, prs
}

// runUntilDrained runs the worker until the queue is empty, then cancels
func runUntilDrained(t *testing.T, w *Worker, s *store.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		jobs, err := s.PeekAll()
		require.NoError(t, err)
		return len(jobs) == 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorker_ProcessScanJob(t *testing.T) {
	w, s, log, checks, _ := prepWorker(t)

	job, err := s.Submit(store.JobSpec{Kind: "ScanChanged", Mode: "changed", Repo: "heimgewebe/webstoff"})
	require.NoError(t, err)

	jobs, err := s.PeekAll()
	require.NoError(t, err)
	require.Len(t, jobs, 1, "job visible before processing")

	runUntilDrained(t, w, s)

	assert.Equal(t, []string{"heimgewebe/webstoff:changed"}, checks.calls)

	tail, err := log.Tail(10)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "job.started", tail[0].Kind)
	assert.Equal(t, job.ID, tail[0].Payload["job_id"])
	assert.Equal(t, "job.done", tail[1].Kind)
	assert.Equal(t, job.ID, tail[1].Payload["job_id"])
	assert.Equal(t, "checks passed", tail[1].Line)
}

func TestWorker_ScanAllForcesAllMode(t *testing.T) {
	w, s, _, checks, _ := prepWorker(t)

	_, err := s.Submit(store.JobSpec{Kind: "ScanAll", Mode: "changed", Repo: "heimgewebe/webstoff"})
	require.NoError(t, err)

	runUntilDrained(t, w, s)

	assert.Equal(t, []string{"heimgewebe/webstoff:all"}, checks.calls)
}

func TestWorker_FailedJobStillRetired(t *testing.T) {
	w, s, log, checks, _ := prepWorker(t)
	checks.err = errors.New("linter crashed")
	checks.out = "stack trace here"
	notifier := &mockNotifier{}
	w.Notifier = notifier

	job, err := s.Submit(store.JobSpec{Kind: "ScanChanged", Mode: "changed", Repo: "heimgewebe/webstoff"})
	require.NoError(t, err)

	runUntilDrained(t, w, s)

	tail, werr := log.Tail(10)
	require.NoError(t, werr)
	require.Len(t, tail, 2)
	assert.Equal(t, "job.started", tail[0].Kind)
	assert.Equal(t, "job.failed", tail[1].Kind)
	assert.Equal(t, "stack trace here", tail[1].Line)
	assert.Contains(t, tail[1].Payload["error"], "linter crashed")

	// failure reaches the notifier and the job is gone, not requeued
	require.Len(t, notifier.calls, 1)
	assert.Contains(t, notifier.calls[0], job.ID)

	next, err := s.ClaimNext()
	require.NoError(t, err)
	assert.Nil(t, next, "failed job is not resubmitted")
}

func TestWorker_FailureDoesNotStopLoop(t *testing.T) {
	w, s, log, checks, _ := prepWorker(t)
	checks.err = errors.New("always fails")

	for range 3 {
		_, err := s.Submit(store.JobSpec{Kind: "ScanChanged", Mode: "changed", Repo: "heimgewebe/webstoff"})
		require.NoError(t, err)
	}

	runUntilDrained(t, w, s)

	assert.Len(t, checks.calls, 3, "all jobs processed despite failures")

	tail, err := log.Tail(100)
	require.NoError(t, err)
	failed := 0
	for _, ev := range tail {
		if ev.Kind == "job.failed" {
			failed++
		}
	}
	assert.Equal(t, 3, failed)
}

func TestWorker_Sweep(t *testing.T) {
	w, s, log, _, prs := prepWorker(t)

	_, err := s.Submit(store.JobSpec{Kind: "PRSweep"})
	require.NoError(t, err)

	runUntilDrained(t, w, s)

	assert.Equal(t, []string{"heimgewebe/webstoff", "heimgewebe/leitstand"}, prs.calls)

	tail, err := log.Tail(10)
	require.NoError(t, err)
	require.Len(t, tail, 4) // started, 2x sweep.repo, done
	assert.Equal(t, "job.started", tail[0].Kind)
	assert.Equal(t, "sweep.repo", tail[1].Kind)
	assert.Equal(t, "heimgewebe/webstoff", tail[1].Payload["repo"])
	assert.Equal(t, "sweep.repo", tail[2].Kind)
	assert.Equal(t, "heimgewebe/leitstand", tail[2].Payload["repo"])
	assert.Equal(t, "job.done", tail[3].Kind)
}

func TestWorker_SweepStopsOnFirstFailure(t *testing.T) {
	w, s, log, _, prs := prepWorker(t)
	prs.failOn = "heimgewebe/webstoff"

	_, err := s.Submit(store.JobSpec{Kind: "PRSweep"})
	require.NoError(t, err)

	runUntilDrained(t, w, s)

	assert.Equal(t, []string{"heimgewebe/webstoff"}, prs.calls, "second repo never attempted")

	tail, err := log.Tail(10)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "job.failed", tail[1].Kind)
}

func TestWorker_SweepWithNoRepos(t *testing.T) {
	w, s, log, _, _ := prepWorker(t)
	w.Repos = RepoSet{}

	_, err := s.Submit(store.JobSpec{Kind: "PRSweep"})
	require.NoError(t, err)

	runUntilDrained(t, w, s)

	tail, err := log.Tail(10)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "job.failed", tail[1].Kind)
	assert.Contains(t, tail[1].Payload["error"], "no repos configured")
}

func TestWorker_StopsOnCancel(t *testing.T) {
	w, _, _, _, _ := prepWorker(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}

func TestWorker_SubmitProcessObserve(t *testing.T) {
	// full lifecycle: submit, watch the queue drain, check the event trail
	w, s, log, _, _ := prepWorker(t)

	job, err := s.Submit(store.JobSpec{Kind: "ScanChanged", Mode: "changed", Repo: "heimgewebe/webstoff"})
	require.NoError(t, err)

	_, live, cancelSub, err := log.Subscribe(0)
	require.NoError(t, err)
	defer cancelSub()

	runUntilDrained(t, w, s)

	var kinds []string
	for range 2 {
		select {
		case ev := <-live:
			assert.Equal(t, job.ID, ev.Payload["job_id"])
			kinds = append(kinds, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("missing lifecycle event")
		}
	}
	assert.Equal(t, []string{"job.started", "job.done"}, kinds)
}
