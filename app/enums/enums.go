// Package enums provides type-safe enumeration types shared by the queue,
// worker and web layers. Each type is a thin string-backed value with a
// Parse function used to validate external input before it reaches storage.
package enums

import "fmt"

// JobKind represents the kind of analysis work a job requests.
type JobKind string

// known job kinds
const (
	JobKindScanChanged JobKind = "ScanChanged"
	JobKindScanAll     JobKind = "ScanAll"
	JobKindPRSweep     JobKind = "PRSweep"
)

// String returns the string representation of the job kind
func (k JobKind) String() string { return string(k) }

// ParseJobKind converts a string to a JobKind, rejecting unknown values
func ParseJobKind(s string) (JobKind, error) {
	switch JobKind(s) {
	case JobKindScanChanged, JobKindScanAll, JobKindPRSweep:
		return JobKind(s), nil
	}
	return "", fmt.Errorf("unknown job kind %q", s)
}

// ScanMode represents the scope of an analysis run.
type ScanMode string

// known scan modes
const (
	ScanModeChanged ScanMode = "changed"
	ScanModeAll     ScanMode = "all"
)

// String returns the string representation of the scan mode
func (m ScanMode) String() string { return string(m) }

// ParseScanMode converts a string to a ScanMode, rejecting unknown values
func ParseScanMode(s string) (ScanMode, error) {
	switch ScanMode(s) {
	case ScanModeChanged, ScanModeAll:
		return ScanMode(s), nil
	}
	return "", fmt.Errorf("unknown scan mode %q", s)
}
