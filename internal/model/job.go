package model

import "time"

// Job represents one tracked unit of asynchronous work
type Job struct {
	ID           string        `json:"id"`
	Kind         JobKind       `json:"kind"`
	Status       JobStatus     `json:"status"`
	Target       string        `json:"target,omitempty"` // spreadsheet id
	SheetName    string        `json:"sheetName,omitempty"`
	StartedAt    time.Time     `json:"startedAt"`
	EndedAt      *time.Time    `json:"endedAt,omitempty"`
	Log          string        `json:"log"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	RemoteHandle string        `json:"remoteHandle,omitempty"`
	Summary      *BatchSummary `json:"summary,omitempty"`
	Estimate     *Estimate     `json:"estimate,omitempty"`
	ReportURL    string        `json:"reportUrl,omitempty"`
}

// Duration returns how long the job has been running, or ran in total once ended
func (j *Job) Duration(now time.Time) time.Duration {
	if j.EndedAt != nil {
		return j.EndedAt.Sub(j.StartedAt)
	}
	return now.Sub(j.StartedAt)
}

// Terminal reports whether the job has reached completed or failed
func (j *Job) Terminal() bool {
	return j.Status.Terminal()
}

// BatchSummary aggregates the outcome of an item-list run
type BatchSummary struct {
	TotalRecords int     `json:"totalRecords"`
	Processed    int     `json:"processedCount"`
	Archived     int     `json:"archivedCount"`
	Failed       int     `json:"failedCount"`
	Skipped      int     `json:"skippedCount"`
	SuccessRate  float64 `json:"successRate"`
}

// Estimate is a non-authoritative processing time estimate shown to callers
type Estimate struct {
	URLCount     int `json:"urlCount"`
	VideoCount   int `json:"videoUrlCount"`
	RegularCount int `json:"regularUrlCount"`
	MinSeconds   int `json:"minSeconds"`
	MaxSeconds   int `json:"maxSeconds"`
}

// BatchTaskPayload is the dispatched payload of an item-list job
type BatchTaskPayload struct {
	JobID         string `json:"jobId"`
	SpreadsheetID string `json:"spreadsheetId"`
	GID           *int   `json:"gid,omitempty"`
	PreValidate   bool   `json:"preValidate"`
}

// RemoteTaskPayload is the dispatched payload of a remote-compute or local-process job
type RemoteTaskPayload struct {
	JobID         string `json:"jobId"`
	SpreadsheetID string `json:"spreadsheetId"`
}
