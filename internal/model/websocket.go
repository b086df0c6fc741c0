package model

import "time"

// WebSocket message types
const (
	WSMessageTypeStatus = "status"
	WSMessageTypeLog    = "log"
	WSMessageTypePing   = "ping"
	WSMessageTypePong   = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSStatusMessage is sent when a job changes state or result fields
type WSStatusMessage struct {
	Type         string        `json:"type"`
	JobID        string        `json:"jobId"`
	Status       JobStatus     `json:"status"`
	Previous     JobStatus     `json:"previousStatus,omitempty"`
	EndedAt      *time.Time    `json:"endedAt,omitempty"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	RemoteHandle string        `json:"remoteHandle,omitempty"`
	Summary      *BatchSummary `json:"summary,omitempty"`
	ReportURL    string        `json:"reportUrl,omitempty"`
}

// WSLogMessage carries one appended job log line
type WSLogMessage struct {
	Type  string `json:"type"`
	JobID string `json:"jobId"`
	Line  string `json:"line"`
}
