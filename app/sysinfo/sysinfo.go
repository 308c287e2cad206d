// Package sysinfo probes the worker's service supervisor for process status.
// The probe shells out to systemctl and cross-checks the reported PID with
// live process info; callers treat any probe failure as "unknown" status.
package sysinfo

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/shirou/gopsutil/v4/process"
)

// WorkerStatus is a point-in-time snapshot of the worker process as seen by
// the service supervisor. Not persisted anywhere.
type WorkerStatus struct {
	ActiveState string     `json:"active_state"`
	SubState    string     `json:"sub_state,omitempty"`
	MainPID     int32      `json:"main_pid,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	LastExit    *time.Time `json:"last_exit,omitempty"`
}

// Unknown is the degraded status used when the probe fails
func Unknown() WorkerStatus {
	return WorkerStatus{ActiveState: "unknown"}
}

// Probe reads worker status from systemd
type Probe struct {
	Unit string
}

// NewProbe creates a probe for the given systemd unit
func NewProbe(unit string) *Probe {
	return &Probe{Unit: unit}
}

// Status queries systemctl for the unit and enriches the result with live
// process info for the reported main PID.
func (p *Probe) Status(ctx context.Context) (WorkerStatus, error) {
	if p.Unit == "" {
		return WorkerStatus{}, fmt.Errorf("no worker unit configured")
	}

	out, err := exec.CommandContext(ctx, "systemctl", "show", p.Unit, "--no-pager",
		"--property=ActiveState,SubState,MainPID,ActiveEnterTimestamp,ExecMainExitTimestamp").Output()
	if err != nil {
		return WorkerStatus{}, fmt.Errorf("systemctl show failed for unit %s: %w", p.Unit, err)
	}

	status := parseShowOutput(string(out))
	p.enrichFromProcess(ctx, &status)
	return status, nil
}

// parseShowOutput parses systemctl show key=value lines into a WorkerStatus
func parseShowOutput(out string) WorkerStatus {
	var status WorkerStatus
	for line := range strings.Lines(out) {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "ActiveState":
			status.ActiveState = value
		case "SubState":
			status.SubState = value
		case "MainPID":
			if pid, err := strconv.ParseInt(value, 10, 32); err == nil && pid > 0 {
				status.MainPID = int32(pid)
			}
		case "ActiveEnterTimestamp":
			status.Since = parseSystemdTime(value)
		case "ExecMainExitTimestamp":
			status.LastExit = parseSystemdTime(value)
		}
	}
	if status.ActiveState == "" {
		status.ActiveState = "unknown"
	}
	return status
}

// enrichFromProcess fills Since from the process create time when systemd
// didn't report it, and logs a mismatch when the reported PID is gone.
func (p *Probe) enrichFromProcess(ctx context.Context, status *WorkerStatus) {
	if status.MainPID == 0 {
		return
	}

	proc, err := process.NewProcessWithContext(ctx, status.MainPID)
	if err != nil {
		log.Printf("[WARN] unit %s reports main pid %d but process is not accessible: %v", p.Unit, status.MainPID, err)
		return
	}

	if status.Since == nil {
		if created, err := proc.CreateTimeWithContext(ctx); err == nil && created > 0 {
			t := time.UnixMilli(created)
			status.Since = &t
		}
	}
}

// parseSystemdTime parses systemctl's timestamp format, returning nil for
// empty or n/a values
func parseSystemdTime(value string) *time.Time {
	if value == "" || value == "n/a" {
		return nil
	}
	// format like "Mon 2026-08-24 10:00:00 UTC"
	if t, err := time.Parse("Mon 2006-01-02 15:04:05 MST", value); err == nil {
		return &t
	}
	// some systemd versions omit the weekday
	if t, err := time.Parse("2006-01-02 15:04:05 MST", value); err == nil {
		return &t
	}
	return nil
}
