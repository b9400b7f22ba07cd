package model

// ProcessingStatus is the lifecycle state reported to the INSV backend
type ProcessingStatus string

const (
	StatusPending          ProcessingStatus = "pending"
	StatusInProgress       ProcessingStatus = "in_progress"
	StatusParsingInsv      ProcessingStatus = "parsing_insv"
	StatusParsingSlam      ProcessingStatus = "parsing_slam"
	StatusParsingGPS       ProcessingStatus = "parsing_gps"
	StatusProcessed        ProcessingStatus = "processed"
	StatusFailed           ProcessingStatus = "failed"
	StatusFailTooMuchRetry ProcessingStatus = "failTooMuchRetry"
)

var ValidStatuses = []ProcessingStatus{
	StatusPending, StatusInProgress, StatusParsingInsv, StatusParsingSlam,
	StatusParsingGPS, StatusProcessed, StatusFailed, StatusFailTooMuchRetry,
}

// IsValid reports whether s is one of the statuses the backend accepts
func (s ProcessingStatus) IsValid() bool {
	for _, v := range ValidStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Message kinds
type MessageKind int

const (
	MessageKindUnrecognized MessageKind = iota
	MessageKindStorageEvent
	MessageKindDirect
)

func (k MessageKind) String() string {
	switch k {
	case MessageKindStorageEvent:
		return "storage_event"
	case MessageKindDirect:
		return "direct"
	default:
		return "unrecognized"
	}
}
