package model

import "time"

// BatchStartRequest represents the request to archive every URL of a sheet
type BatchStartRequest struct {
	SheetURL    string `json:"sheetUrl" validate:"required,url"`
	PreValidate bool   `json:"preValidate"`
}

// RemoteStartRequest represents the request to run the sheet archiver remotely
type RemoteStartRequest struct {
	SheetURL      string `json:"sheetUrl" validate:"required,url"`
	URLCount      *int   `json:"urlCount" validate:"omitempty,min=0"`
	VideoURLCount *int   `json:"videoUrlCount" validate:"omitempty,min=0"`
}

// JobStartResponse represents the response after a job was accepted
type JobStartResponse struct {
	JobID          string      `json:"jobId"`
	Kind           JobKind     `json:"kind"`
	Status         JobStatus   `json:"status"`
	SpreadsheetID  string      `json:"spreadsheetId"`
	InstallMode    InstallMode `json:"installMode,omitempty"`
	Estimate       *Estimate   `json:"estimate,omitempty"`
	EstimatedTime  string      `json:"estimatedTime,omitempty"`
	CheckStatusURL string      `json:"checkStatusUrl"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// JobStatusResponse represents the status of a job at query time
type JobStatusResponse struct {
	ID              string        `json:"id"`
	Kind            JobKind       `json:"kind"`
	Status          JobStatus     `json:"status"`
	Target          string        `json:"target,omitempty"`
	SheetName       string        `json:"sheetName,omitempty"`
	StartedAt       time.Time     `json:"startedAt"`
	EndedAt         *time.Time    `json:"endedAt,omitempty"`
	DurationSeconds float64       `json:"durationSeconds"`
	Log             string        `json:"log"`
	ErrorMessage    *string       `json:"errorMessage,omitempty"`
	RemoteHandle    *string       `json:"remoteHandle,omitempty"`
	Summary         *BatchSummary `json:"summary,omitempty"`
	Estimate        *Estimate     `json:"estimate,omitempty"`
	ReportURL       string        `json:"reportUrl,omitempty"`
}

// NewJobStatusResponse builds the status view of a job snapshot
func NewJobStatusResponse(job *Job, now time.Time) *JobStatusResponse {
	resp := &JobStatusResponse{
		ID:              job.ID,
		Kind:            job.Kind,
		Status:          job.Status,
		Target:          job.Target,
		SheetName:       job.SheetName,
		StartedAt:       job.StartedAt,
		EndedAt:         job.EndedAt,
		DurationSeconds: job.Duration(now).Seconds(),
		Log:             job.Log,
		Summary:         job.Summary,
		Estimate:        job.Estimate,
		ReportURL:       job.ReportURL,
	}
	if job.ErrorMessage != "" {
		msg := job.ErrorMessage
		resp.ErrorMessage = &msg
	}
	if job.RemoteHandle != "" {
		handle := job.RemoteHandle
		resp.RemoteHandle = &handle
	}
	return resp
}
