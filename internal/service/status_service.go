package service

import (
	"context"

	"github.com/bimefy/slam-worker/internal/model"
)

// StatusReporter reports job lifecycle status. Implementations log and
// swallow their own failures.
type StatusReporter interface {
	UpdateStatus(ctx context.Context, objectKey string, status model.ProcessingStatus)
}

// JobReporter is a StatusReporter that can also explain why a job failed
type JobReporter interface {
	StatusReporter
	ReportFailure(ctx context.Context, objectKey string, cause error)
}

// MetadataReporter pushes the source size and normalized trajectory of a job
type MetadataReporter interface {
	UpdateMetadata(ctx context.Context, objectKey string, size int64, keyframeData any)
}

// EventBroadcaster relays job events to live subscribers
type EventBroadcaster interface {
	BroadcastStatus(objectKey string, status model.ProcessingStatus)
	BroadcastError(objectKey, code, message string)
}

// StatusService fans a status change out to the backend and to live subscribers
type StatusService struct {
	backend StatusReporter
	events  EventBroadcaster
}

func NewStatusService(backend StatusReporter, events EventBroadcaster) *StatusService {
	return &StatusService{backend: backend, events: events}
}

func (s *StatusService) UpdateStatus(ctx context.Context, objectKey string, status model.ProcessingStatus) {
	s.backend.UpdateStatus(ctx, objectKey, status)
	if s.events != nil {
		s.events.BroadcastStatus(objectKey, status)
	}
}

// ReportFailure pushes failed and tells subscribers the cause
func (s *StatusService) ReportFailure(ctx context.Context, objectKey string, cause error) {
	s.UpdateStatus(ctx, objectKey, model.StatusFailed)
	if s.events != nil && cause != nil {
		s.events.BroadcastError(objectKey, model.WSErrorCodeJobFailed, cause.Error())
	}
}
