package store

import (
	"context"
	"time"
)

// TaskRecord is one finished task as kept in the journal.
type TaskRecord struct {
	Seq         int64     `json:"seq"`
	DeviceID    string    `json:"device_id"`
	StreamID    int       `json:"stream_id"`
	TaskID      uint16    `json:"task_id"`
	Type        string    `json:"type"`
	State       string    `json:"state"`
	ErrorCode   uint32    `json:"error_code"`
	RetryCount  int       `json:"retry_count"`
	SubmittedAt time.Time `json:"submitted_at"`
	FinishedAt  time.Time `json:"finished_at"`
	LatencyUS   int64     `json:"latency_us"`
}

// StreamEvent records a status change of a stream, such as a task failure.
type StreamEvent struct {
	DeviceID  string    `json:"device_id"`
	StreamID  int       `json:"stream_id"`
	Kind      string    `json:"kind"`
	TaskID    uint16    `json:"task_id"`
	ErrorCode uint32    `json:"error_code"`
	At        time.Time `json:"at"`
}

// Stream event kinds.
const (
	EventTaskFailed  = "task_failed"
	EventTaskAborted = "task_aborted"
)

// TaskQuery selects journal records. Empty fields match everything.
type TaskQuery struct {
	DeviceID string
	State    string
	Limit    int
	Offset   int
}

// Stats holds aggregate statistics over the journal.
type Stats struct {
	Total        int            `json:"total"`
	CountByState map[string]int `json:"count_by_state"`
	CountByType  map[string]int `json:"count_by_type"`
	AvgLatencyUS float64        `json:"avg_latency_us"`
	TotalRetries int            `json:"total_retries"`
	StreamEvents int            `json:"stream_events"`
}

// Journal persists finished tasks and stream events.
type Journal interface {
	RecordTasks(ctx context.Context, records []TaskRecord) error
	RecordStreamEvent(ctx context.Context, ev StreamEvent) error
	ListTasks(ctx context.Context, q TaskQuery) ([]TaskRecord, int, error)
	ListStreamEvents(ctx context.Context, deviceID string, limit int) ([]StreamEvent, error)
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}
