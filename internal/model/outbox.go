package model

import "time"

// OutboxTask carries one pending etcd mirror write. Payload is the JSON of
// the v1.Entry to publish; Path is its mirrored keyspace location.
type OutboxTask struct {
	ID         int64  `json:"id" gorm:"primaryKey"`
	Path       string `json:"path" gorm:"size:512;index"`
	Payload    string `json:"payload" gorm:"type:text"`
	Status     int    `json:"status" gorm:"index"`
	RetryCount int    `json:"retry_count" gorm:"default:0"`
	TraceID    string `json:"trace_id" gorm:"size:64;index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

const (
	StatusPending   = 0
	StatusCompleted = 1
	StatusFailed    = 2
)
