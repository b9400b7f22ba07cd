package model

import "time"

// WebSocket message types
const (
	WSMessageTypeStatus = "status"
	WSMessageTypeError  = "error"
	WSMessageTypePing   = "ping"
	WSMessageTypePong   = "pong"
)

// WebSocket error codes
const (
	WSErrorCodeJobFailed = "JOB_FAILED"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSStatusMessage represents a lifecycle status change for one object
type WSStatusMessage struct {
	Type      string           `json:"type"`
	ObjectKey string           `json:"objectKey"`
	Status    ProcessingStatus `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
}

// WSErrorMessage represents an error
type WSErrorMessage struct {
	Type      string  `json:"type"`
	ObjectKey string  `json:"objectKey"`
	Error     WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
