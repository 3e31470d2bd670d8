package store

import (
	"context"
	"testing"
	"time"
)

func newTestJournal(t *testing.T) *SQLiteJournal {
	t.Helper()
	j, err := NewSQLiteJournal(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteJournal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func makeTestRecord(device string, id uint16, state string) TaskRecord {
	submitted := time.Now().UTC().Truncate(time.Second)
	return TaskRecord{
		DeviceID:    device,
		StreamID:    1,
		TaskID:      id,
		Type:        "kernel",
		State:       state,
		SubmittedAt: submitted,
		FinishedAt:  submitted.Add(250 * time.Microsecond),
		LatencyUS:   250,
	}
}

func TestRecordAndListTasks(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	records := []TaskRecord{
		makeTestRecord("dev-a", 1, "completed"),
		makeTestRecord("dev-a", 2, "failed"),
		makeTestRecord("dev-a", 3, "completed"),
	}
	records[1].ErrorCode = 0x21
	if err := j.RecordTasks(ctx, records); err != nil {
		t.Fatalf("RecordTasks: %v", err)
	}

	got, total, err := j.ListTasks(ctx, TaskQuery{Limit: 10})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if len(got) != 3 {
		t.Fatalf("len(records) = %d, want 3", len(got))
	}
	// Newest first.
	if got[0].TaskID != 3 || got[2].TaskID != 1 {
		t.Errorf("order = %d..%d, want 3..1", got[0].TaskID, got[2].TaskID)
	}
	if got[1].ErrorCode != 0x21 {
		t.Errorf("ErrorCode = %#x, want 0x21", got[1].ErrorCode)
	}
	if got[1].DeviceID != "dev-a" || got[1].Type != "kernel" {
		t.Errorf("record = %+v", got[1])
	}
	if !got[0].SubmittedAt.Equal(records[2].SubmittedAt) {
		t.Errorf("SubmittedAt = %v, want %v", got[0].SubmittedAt, records[2].SubmittedAt)
	}
}

func TestRecordTasksEmpty(t *testing.T) {
	j := newTestJournal(t)
	if err := j.RecordTasks(context.Background(), nil); err != nil {
		t.Fatalf("RecordTasks(nil): %v", err)
	}
}

func TestListTasksPagination(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	var records []TaskRecord
	for i := range 5 {
		records = append(records, makeTestRecord("dev-a", uint16(i+1), "completed"))
	}
	if err := j.RecordTasks(ctx, records); err != nil {
		t.Fatalf("RecordTasks: %v", err)
	}

	page1, total, err := j.ListTasks(ctx, TaskQuery{Limit: 2})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 5 || len(page1) != 2 {
		t.Errorf("page 1: total=%d len=%d, want 5 and 2", total, len(page1))
	}

	page3, _, err := j.ListTasks(ctx, TaskQuery{Limit: 2, Offset: 4})
	if err != nil {
		t.Fatalf("ListTasks page 3: %v", err)
	}
	if len(page3) != 1 || page3[0].TaskID != 1 {
		t.Errorf("page 3 = %+v, want only task 1", page3)
	}
}

func TestListTasksFilters(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	if err := j.RecordTasks(ctx, []TaskRecord{
		makeTestRecord("dev-a", 1, "completed"),
		makeTestRecord("dev-b", 1, "failed"),
		makeTestRecord("dev-b", 2, "completed"),
	}); err != nil {
		t.Fatalf("RecordTasks: %v", err)
	}

	got, total, err := j.ListTasks(ctx, TaskQuery{DeviceID: "dev-b"})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 2 || len(got) != 2 {
		t.Errorf("dev-b: total=%d len=%d, want 2", total, len(got))
	}

	got, total, err = j.ListTasks(ctx, TaskQuery{DeviceID: "dev-b", State: "failed"})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 1 || got[0].State != "failed" {
		t.Errorf("dev-b failed: total=%d records=%+v", total, got)
	}
}

func TestListTasksEmpty(t *testing.T) {
	j := newTestJournal(t)

	records, total, err := j.ListTasks(context.Background(), TaskQuery{Limit: 10})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 0 {
		t.Errorf("total = %d, want 0", total)
	}
	if records != nil {
		t.Errorf("records = %v, want nil", records)
	}
}

func TestStreamEvents(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	for i, dev := range []string{"dev-a", "dev-b", "dev-a"} {
		if err := j.RecordStreamEvent(ctx, StreamEvent{
			DeviceID:  dev,
			StreamID:  i,
			Kind:      EventTaskFailed,
			TaskID:    uint16(i + 1),
			ErrorCode: 0x10,
			At:        now,
		}); err != nil {
			t.Fatalf("RecordStreamEvent: %v", err)
		}
	}

	all, err := j.ListStreamEvents(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListStreamEvents: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("len(all) = %d, want 3", len(all))
	}

	devA, err := j.ListStreamEvents(ctx, "dev-a", 1)
	if err != nil {
		t.Fatalf("ListStreamEvents: %v", err)
	}
	if len(devA) != 1 || devA[0].TaskID != 3 {
		t.Errorf("dev-a newest = %+v, want task 3", devA)
	}
}

func TestStats(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	records := []TaskRecord{
		makeTestRecord("dev-a", 1, "completed"),
		makeTestRecord("dev-a", 2, "completed"),
		makeTestRecord("dev-a", 3, "failed"),
		makeTestRecord("dev-a", 4, "aborted"),
	}
	records[0].LatencyUS = 100
	records[1].LatencyUS = 200
	records[2].LatencyUS = 300
	records[3].LatencyUS = 400
	records[3].Type = "copy"
	records[1].RetryCount = 3
	if err := j.RecordTasks(ctx, records); err != nil {
		t.Fatalf("RecordTasks: %v", err)
	}
	if err := j.RecordStreamEvent(ctx, StreamEvent{DeviceID: "dev-a", Kind: EventTaskFailed, TaskID: 3, At: time.Now()}); err != nil {
		t.Fatalf("RecordStreamEvent: %v", err)
	}

	stats, err := j.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 4 {
		t.Errorf("Total = %d, want 4", stats.Total)
	}
	if stats.CountByState["completed"] != 2 {
		t.Errorf("completed = %d, want 2", stats.CountByState["completed"])
	}
	if stats.CountByType["kernel"] != 3 || stats.CountByType["copy"] != 1 {
		t.Errorf("CountByType = %v", stats.CountByType)
	}
	if stats.AvgLatencyUS != 250 {
		t.Errorf("AvgLatencyUS = %f, want 250", stats.AvgLatencyUS)
	}
	if stats.TotalRetries != 3 {
		t.Errorf("TotalRetries = %d, want 3", stats.TotalRetries)
	}
	if stats.StreamEvents != 1 {
		t.Errorf("StreamEvents = %d, want 1", stats.StreamEvents)
	}
}

func TestStatsEmpty(t *testing.T) {
	j := newTestJournal(t)

	stats, err := j.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 0 || stats.AvgLatencyUS != 0 {
		t.Errorf("stats = %+v, want zero", stats)
	}
}

func TestMigrationIdempotency(t *testing.T) {
	j, err := NewSQLiteJournal(":memory:")
	if err != nil {
		t.Fatalf("First open: %v", err)
	}
	defer j.Close()

	for _, stmt := range []string{createTasksTable, createTasksIndex, createStreamEventsTable} {
		if _, err := j.db.Exec(stmt); err != nil {
			t.Fatalf("Second migration: %v", err)
		}
	}
}

func TestLatencyUS(t *testing.T) {
	start := time.Now()
	if got := latencyUS(start, start.Add(3*time.Millisecond)); got != 3000 {
		t.Errorf("latencyUS = %d, want 3000", got)
	}
	if got := latencyUS(time.Time{}, start); got != 0 {
		t.Errorf("latencyUS(zero) = %d, want 0", got)
	}
	if got := latencyUS(start, start.Add(-time.Second)); got != 0 {
		t.Errorf("latencyUS(negative) = %d, want 0", got)
	}
}
