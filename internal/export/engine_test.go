package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/masurp/travelgram-tracking/internal/blobstore"
	"github.com/masurp/travelgram-tracking/internal/event"
	"github.com/masurp/travelgram-tracking/internal/eventstore"
)

func newTestEngine(t *testing.T) (*Engine, *eventstore.Store, *blobstore.MemoryStore) {
	t.Helper()
	blob := blobstore.NewMemoryStore()
	store := eventstore.New(blob, "tracking")
	return NewEngine(store, Options{}), store, blob
}

func stamped(action, username, text string, ts time.Time) event.Event {
	return event.Event{
		Action:    action,
		Username:  username,
		Text:      text,
		Timestamp: ts.UTC().Format("2006-01-02T15:04:05.000Z"),
	}
}

func seedBatches(t *testing.T, store *eventstore.Store, batches [][]event.Event) {
	t.Helper()
	for _, batch := range batches {
		if _, err := store.AppendBatch(context.Background(), batch); err != nil {
			t.Fatalf("seed batch: %v", err)
		}
	}
}

func runJob(t *testing.T, engine *Engine, format Format, start, end string) *Job {
	t.Helper()
	job, err := engine.Create(context.Background(), format, start, end)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if job.Status != StatusPending {
		t.Fatalf("created job status %q, want pending", job.Status)
	}
	engine.Wait()

	done, err := engine.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Get after completion: %v", err)
	}
	return done
}

func TestCSVExportScenario(t *testing.T) {
	engine, store, blob := newTestEngine(t)

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	seedBatches(t, store, [][]event.Event{
		{stamped("view_post", "alice", "", base), stamped("like_post", "alice", "", base.Add(time.Minute))},
		{stamped("view_post", "bob", "", base.Add(2*time.Minute)), stamped("search", "bob", "beach", base.Add(3*time.Minute))},
		{stamped("view_ad", "carol", "", base.Add(4*time.Minute)), stamped("click_ad", "carol", "", base.Add(5*time.Minute))},
	})

	job := runJob(t, engine, FormatCSV, "", "")
	if job.Status != StatusCompleted {
		t.Fatalf("status %q (error %q), want completed", job.Status, job.Error)
	}
	if job.Progress.TotalFiles != 3 || job.Progress.FilesProcessed != 3 {
		t.Fatalf("files %d/%d, want 3/3", job.Progress.FilesProcessed, job.Progress.TotalFiles)
	}
	if job.Progress.EventsProcessed != 6 {
		t.Fatalf("eventsProcessed=%d, want 6", job.Progress.EventsProcessed)
	}
	if job.CompletedAt == nil || job.FileURL == "" {
		t.Fatal("completed job missing completedAt or fileUrl")
	}

	key := strings.TrimPrefix(job.FileURL, "mem://")
	data, err := blob.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 7 {
		t.Fatalf("CSV has %d lines, want 7 (header + 6 rows)", len(lines))
	}
	if lines[0] != "timestamp,action,username,postId,postOwner,text,condition,contentUrl,participantId" {
		t.Fatalf("unexpected header: %s", lines[0])
	}
}

func TestJSONExportSortedAscending(t *testing.T) {
	engine, store, blob := newTestEngine(t)

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	// Deliberately out of order across batches.
	seedBatches(t, store, [][]event.Event{
		{stamped("view_post", "alice", "", base.Add(3*time.Minute))},
		{stamped("view_post", "alice", "", base)},
		{stamped("view_post", "alice", "", base.Add(time.Minute))},
	})

	job := runJob(t, engine, FormatJSON, "", "")
	if job.Status != StatusCompleted {
		t.Fatalf("status %q (error %q)", job.Status, job.Error)
	}

	key := strings.TrimPrefix(job.FileURL, "mem://")
	data, err := blob.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	var events []event.Event
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("exported %d events, want 3", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp < events[i-1].Timestamp {
			t.Fatalf("events not sorted ascending: %s after %s", events[i].Timestamp, events[i-1].Timestamp)
		}
	}
}

func TestJSONExportOfEmptyStoreIsEmptyArray(t *testing.T) {
	engine, _, blob := newTestEngine(t)

	job := runJob(t, engine, FormatJSON, "", "")
	if job.Status != StatusCompleted {
		t.Fatalf("status %q (error %q), want completed", job.Status, job.Error)
	}
	if job.Progress.TotalFiles != 0 || job.Progress.EventsProcessed != 0 {
		t.Fatalf("progress %+v, want zero", job.Progress)
	}

	key := strings.TrimPrefix(job.FileURL, "mem://")
	data, err := blob.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "[]" {
		t.Fatalf("empty-store artifact = %q, want []", got)
	}
}

func TestJSONExportFilteringEverythingOutIsEmptyArray(t *testing.T) {
	engine, store, blob := newTestEngine(t)

	seedBatches(t, store, [][]event.Event{
		{stamped("view_post", "alice", "", time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))},
	})

	job := runJob(t, engine, FormatJSON, "2027-01-01", "2027-01-02")
	if job.Status != StatusCompleted {
		t.Fatalf("status %q (error %q), want completed", job.Status, job.Error)
	}

	key := strings.TrimPrefix(job.FileURL, "mem://")
	data, err := blob.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "[]" {
		t.Fatalf("filtered-out artifact = %q, want []", got)
	}
}

func TestDateRangeFilterInclusive(t *testing.T) {
	engine, store, blob := newTestEngine(t)

	a := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	b := time.Date(2026, 5, 3, 0, 0, 0, 0, time.UTC)
	seedBatches(t, store, [][]event.Event{
		{
			stamped("view_post", "u", "before", a.Add(-time.Second)),
			stamped("view_post", "u", "on-start", a),
		},
		{
			stamped("view_post", "u", "inside", a.Add(24*time.Hour)),
			stamped("view_post", "u", "on-end", b),
			stamped("view_post", "u", "after", b.Add(time.Second)),
		},
	})

	job := runJob(t, engine, FormatJSON,
		a.Format(time.RFC3339), b.Format(time.RFC3339))
	if job.Status != StatusCompleted {
		t.Fatalf("status %q (error %q)", job.Status, job.Error)
	}
	if job.Progress.EventsProcessed != 3 {
		t.Fatalf("filtered eventsProcessed=%d, want 3", job.Progress.EventsProcessed)
	}

	key := strings.TrimPrefix(job.FileURL, "mem://")
	data, _ := blob.Get(context.Background(), key)
	var events []event.Event
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	var texts []string
	for _, ev := range events {
		texts = append(texts, ev.Text)
	}
	want := []string{"on-start", "inside", "on-end"}
	if strings.Join(texts, ",") != strings.Join(want, ",") {
		t.Fatalf("filtered events %v, want %v", texts, want)
	}
}

func TestCSVQuoteEscapingRoundTrips(t *testing.T) {
	engine, store, blob := newTestEngine(t)

	tricky := `she said "hello, world" and left`
	ev := stamped("comment_post", "alice", tricky, time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	ev.Condition = map[string]any{"arm": "treatment", "wave": 2}
	seedBatches(t, store, [][]event.Event{{ev}})

	job := runJob(t, engine, FormatCSV, "", "")
	if job.Status != StatusCompleted {
		t.Fatalf("status %q (error %q)", job.Status, job.Error)
	}

	key := strings.TrimPrefix(job.FileURL, "mem://")
	data, _ := blob.Get(context.Background(), key)

	records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	if err != nil {
		t.Fatalf("standard CSV parser rejected output: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("parsed %d records, want 2", len(records))
	}
	if got := records[1][5]; got != tricky {
		t.Fatalf("text column %q, want %q", got, tricky)
	}
	var cond map[string]any
	if err := json.Unmarshal([]byte(records[1][6]), &cond); err != nil {
		t.Fatalf("condition column is not JSON: %v (%q)", err, records[1][6])
	}
	if cond["arm"] != "treatment" {
		t.Fatalf("condition arm %v, want treatment", cond["arm"])
	}
}

func TestJobFailsOnCorruptObject(t *testing.T) {
	engine, store, blob := newTestEngine(t)
	ctx := context.Background()

	seedBatches(t, store, [][]event.Event{
		{stamped("view_post", "alice", "", time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))},
	})
	blob.Put(ctx, "tracking/2026-05-01/corrupt.json", []byte("{not json"), "application/json")

	job := runJob(t, engine, FormatJSON, "", "")
	if job.Status != StatusFailed {
		t.Fatalf("status %q, want failed", job.Status)
	}
	if job.Error == "" {
		t.Fatal("failed job carries no error string")
	}

	// No partial artifact may be published.
	artifacts, err := blob.List(ctx, store.ExportsPrefix())
	if err != nil {
		t.Fatal(err)
	}
	if len(artifacts) != 0 {
		t.Fatalf("failed job published artifacts: %+v", artifacts)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.Create(ctx, "xml", "", ""); err == nil {
		t.Fatal("expected error for unsupported format")
	}
	if _, err := engine.Create(ctx, FormatJSON, "not-a-date", ""); err == nil {
		t.Fatal("expected error for invalid start date")
	}
}

func TestGetUnknownJob(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	if _, err := engine.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListMergesMemoryAndSnapshots(t *testing.T) {
	blob := blobstore.NewMemoryStore()
	store := eventstore.New(blob, "tracking")
	ctx := context.Background()

	seedBatches(t, store, [][]event.Event{
		{stamped("view_post", "alice", "", time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))},
	})

	// A job created by a previous process is only visible as a snapshot.
	first := NewEngine(store, Options{})
	firstJob, err := first.Create(ctx, FormatJSON, "", "")
	if err != nil {
		t.Fatal(err)
	}
	first.Wait()

	second := NewEngine(store, Options{})
	secondJob, err := second.Create(ctx, FormatCSV, "", "")
	if err != nil {
		t.Fatal(err)
	}
	second.Wait()

	jobs, err := second.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("listed %d jobs, want 2", len(jobs))
	}
	ids := map[string]bool{}
	for _, j := range jobs {
		ids[j.ID] = true
		if j.Status != StatusCompleted {
			t.Fatalf("job %s status %q, want completed", j.ID, j.Status)
		}
	}
	if !ids[firstJob.ID] || !ids[secondJob.ID] {
		t.Fatalf("listing missing a job: %v", ids)
	}
}
