package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/heimgewebe/sichter/app/enums"
)

// runShell executes a configured command via the shell with extra environment
// variables, returning the tail of its combined output
func runShell(ctx context.Context, command string, maxLines int, env ...string) (string, error) {
	tail := newOutputTail(maxLines)

	cmd := exec.CommandContext(ctx, "sh", "-c", command) // nolint gosec // command comes from operator config
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = tail
	cmd.Stderr = tail

	err := cmd.Run()
	return tail.String(), err
}

// CmdCheckRunner runs a configured shell command as the check collaborator.
// The target repo and mode are passed via SICHTER_REPO and SICHTER_MODE
// environment variables; combined stdout+stderr is captured up to MaxLines.
type CmdCheckRunner struct {
	Command  string
	MaxLines int
}

// Run executes the check command for a repo and mode
func (c *CmdCheckRunner) Run(ctx context.Context, repo string, mode enums.ScanMode) (string, error) {
	out, err := runShell(ctx, c.Command, c.MaxLines, "SICHTER_REPO="+repo, "SICHTER_MODE="+mode.String())
	if err != nil {
		return out, fmt.Errorf("check command failed: %w", err)
	}
	return out, nil
}

// CmdPRPublisher runs a configured shell command as the PR-publishing
// collaborator, typically wrapping a git-host CLI. The target repo is passed
// via SICHTER_REPO.
type CmdPRPublisher struct {
	Command  string
	MaxLines int
}

// Publish executes the PR command for a repo
func (p *CmdPRPublisher) Publish(ctx context.Context, repo string) (string, error) {
	out, err := runShell(ctx, p.Command, p.MaxLines, "SICHTER_REPO="+repo)
	if err != nil {
		return out, fmt.Errorf("pr command failed: %w", err)
	}
	return out, nil
}
