package model

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// VideoExtension is the only source object suffix the worker processes
const VideoExtension = ".mp4"

// StorageEvent is an S3 event notification envelope
type StorageEvent struct {
	Records []S3Record `json:"Records"`
}

// S3Record is one record of a storage event
type S3Record struct {
	EventSource string   `json:"eventSource"`
	EventName   string   `json:"eventName"`
	S3          S3Entity `json:"s3"`
}

// S3Entity holds the bucket and object of a record
type S3Entity struct {
	Bucket S3Bucket `json:"bucket"`
	Object S3Object `json:"object"`
}

type S3Bucket struct {
	Name string `json:"name"`
}

type S3Object struct {
	Key  string `json:"key"` // URL-encoded
	Size int64  `json:"size,omitempty"`
}

// DirectDescriptor names a job explicitly
type DirectDescriptor struct {
	Bucket    string `json:"bucket" validate:"required"`
	ObjectKey string `json:"object_key" validate:"required"`
}

// JobMessage is a decoded queue body. Exactly one of Event and Direct is set
// unless Kind is MessageKindUnrecognized.
type JobMessage struct {
	Kind   MessageKind
	Event  *StorageEvent
	Direct *DirectDescriptor
}

// DecodeJobMessage decodes a queue body into one of the two accepted shapes.
// A body that is not a JSON object yields MessageKindUnrecognized and an error.
func DecodeJobMessage(body string) (JobMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return JobMessage{Kind: MessageKindUnrecognized}, fmt.Errorf("failed to decode message body: %w", err)
	}
	if fields == nil {
		return JobMessage{Kind: MessageKindUnrecognized}, fmt.Errorf("message body is null")
	}

	if _, ok := fields["Records"]; ok {
		var event StorageEvent
		if err := json.Unmarshal([]byte(body), &event); err != nil {
			return JobMessage{Kind: MessageKindUnrecognized}, fmt.Errorf("failed to decode storage event: %w", err)
		}
		return JobMessage{Kind: MessageKindStorageEvent, Event: &event}, nil
	}

	var direct DirectDescriptor
	if err := json.Unmarshal([]byte(body), &direct); err != nil {
		return JobMessage{Kind: MessageKindUnrecognized}, fmt.Errorf("failed to decode job descriptor: %w", err)
	}
	return JobMessage{Kind: MessageKindDirect, Direct: &direct}, nil
}

// IsObjectCreated reports whether the record announces a new object
func (r S3Record) IsObjectCreated() bool {
	if r.EventSource != "" && !strings.HasSuffix(r.EventSource, ":s3") {
		return false
	}
	return strings.HasPrefix(r.EventName, "ObjectCreated")
}

// ObjectKey returns the decoded object key. Event keys are form-encoded, so
// '+' stands for a space.
func (r S3Record) ObjectKey() string {
	key, err := url.QueryUnescape(r.S3.Object.Key)
	if err != nil {
		return r.S3.Object.Key
	}
	return key
}

// IsVideoKey reports whether key names a processable video (case-insensitive)
func IsVideoKey(key string) bool {
	return strings.HasSuffix(strings.ToLower(key), VideoExtension)
}
