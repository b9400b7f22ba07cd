package model

import "time"

// RetryRecord tracks attempts for one object key
type RetryRecord struct {
	ObjectKey   string    `json:"objectKey"`
	RetryCount  int       `json:"retryCount"`
	LastAttempt time.Time `json:"lastAttempt"`
}

// RetryData is the ledger document, keyed by object key
type RetryData map[string]RetryRecord

// RetryStats summarises the ledger
type RetryStats struct {
	TotalFiles        int         `json:"totalFiles"`
	FilesByRetryCount map[int]int `json:"filesByRetryCount"`
	OldestRecord      string      `json:"oldestRecord,omitempty"`
	NewestRecord      string      `json:"newestRecord,omitempty"`
}
