package model

// Job status
type JobStatus string

const (
	JobStatusStarting  JobStatus = "starting"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions may occur
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransition reports whether moving from s to next is a legal lifecycle step
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case JobStatusStarting:
		return next == JobStatusRunning || next == JobStatusFailed || next == JobStatusCompleted
	case JobStatusRunning:
		return next == JobStatusCompleted || next == JobStatusFailed
	default:
		return false
	}
}

// Job kinds
type JobKind string

const (
	JobKindItemList      JobKind = "item-list"
	JobKindRemoteCompute JobKind = "remote-compute"
	JobKindLocalProcess  JobKind = "local-process"
)

// Failure kinds
type FailureKind string

const (
	FailureInvalidInput  FailureKind = "invalid_input"
	FailureNotFound      FailureKind = "not_found"
	FailureForbidden     FailureKind = "forbidden"
	FailureRateLimited   FailureKind = "rate_limited"
	FailureTimeout       FailureKind = "timeout"
	FailureNetwork       FailureKind = "network_error"
	FailureUpstreamError FailureKind = "upstream_error"
	FailureException     FailureKind = "exception"
)

// Install modes for the sheet archiver
type InstallMode string

const (
	InstallModeLocal  InstallMode = "local"
	InstallModeDocker InstallMode = "docker"
	InstallModeACI    InstallMode = "aci"
)
