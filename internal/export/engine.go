package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/masurp/travelgram-tracking/internal/blobstore"
	"github.com/masurp/travelgram-tracking/internal/event"
	"github.com/masurp/travelgram-tracking/internal/eventstore"
)

// ErrNotFound is returned when no job snapshot exists for an id.
var ErrNotFound = errors.New("export job not found")

// Options tunes the engine. The zero value is usable.
type Options struct {
	// PauseBetweenFiles yields between store objects so a large export
	// does not starve ingestion. Zero disables the pause.
	PauseBetweenFiles time.Duration
}

// Engine runs export jobs. In-memory jobs are a write-through cache over
// the persisted snapshots: every mutation writes the authoritative
// snapshot first, then updates the map.
type Engine struct {
	store *eventstore.Store
	opts  Options

	mu   sync.Mutex
	jobs map[string]*Job

	now func() time.Time

	// wg tracks running workers so tests and shutdown can wait for them.
	wg sync.WaitGroup
}

// NewEngine creates an engine over the given event store.
func NewEngine(store *eventstore.Store, opts Options) *Engine {
	return &Engine{
		store: store,
		opts:  opts,
		jobs:  make(map[string]*Job),
		now:   time.Now,
	}
}

// SetClock overrides the engine clock. Test hook.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Wait blocks until all running workers have reached a terminal state.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) snapshotKey(id string) string {
	return e.store.JobsPrefix() + id + ".json"
}

// persist writes the job snapshot, then updates the in-memory copy.
func (e *Engine) persist(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	if _, err := e.store.Blob().Put(ctx, e.snapshotKey(job.ID), data, "application/json"); err != nil {
		return fmt.Errorf("persist job %s: %w", job.ID, err)
	}

	e.mu.Lock()
	e.jobs[job.ID] = job.clone()
	e.mu.Unlock()
	return nil
}

// parseBound parses a date filter, accepting RFC 3339 or a bare date. A
// bare end date is widened to the end of that day so the bound stays
// inclusive.
func parseBound(s string, end bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	if end {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

// Create allocates a job, persists its pending snapshot, and starts the
// background worker. It returns as soon as the snapshot is written.
func (e *Engine) Create(ctx context.Context, format Format, startDate, endDate string) (*Job, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("unsupported format %q", format)
	}
	start, err := parseBound(startDate, false)
	if err != nil {
		return nil, err
	}
	end, err := parseBound(endDate, true)
	if err != nil {
		return nil, err
	}

	job := &Job{
		ID:        uuid.NewString(),
		Status:    StatusPending,
		Format:    format,
		StartDate: startDate,
		EndDate:   endDate,
		CreatedAt: e.now().UTC(),
	}
	if err := e.persist(ctx, job); err != nil {
		return nil, err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(job.clone(), start, end)
	}()

	log.Info().Str("job", job.ID).Str("format", string(format)).Msg("Export job created")
	return job.clone(), nil
}

// run drives a job to a terminal state. Any error along the way marks the
// job failed with the error string; no partial artifact is published.
func (e *Engine) run(job *Job, start, end time.Time) {
	ctx := context.Background()

	fail := func(err error) {
		job.Status = StatusFailed
		job.Error = err.Error()
		if perr := e.persist(ctx, job); perr != nil {
			log.Error().Err(perr).Str("job", job.ID).Msg("Failed to persist failed job")
		}
		log.Error().Err(err).Str("job", job.ID).Msg("Export job failed")
	}

	job.Status = StatusProcessing
	if err := e.persist(ctx, job); err != nil {
		fail(err)
		return
	}

	batches, err := e.store.ListBatches(ctx)
	if err != nil {
		fail(err)
		return
	}
	job.Progress.TotalFiles = len(batches)
	if err := e.persist(ctx, job); err != nil {
		fail(err)
		return
	}

	// Non-nil so an empty export serializes as the empty array, not null.
	merged := []event.Event{}
	for _, info := range batches {
		events, err := e.store.FetchBatch(ctx, info.Key)
		if err != nil {
			fail(err)
			return
		}
		for _, ev := range events {
			if ev.InRange(start, end) {
				merged = append(merged, ev)
			}
		}

		job.Progress.FilesProcessed++
		job.Progress.EventsProcessed = len(merged)
		if err := e.persist(ctx, job); err != nil {
			// Progress is advisory; the terminal snapshot is what matters.
			log.Warn().Err(err).Str("job", job.ID).Msg("Failed to persist progress")
		}

		if e.opts.PauseBetweenFiles > 0 {
			time.Sleep(e.opts.PauseBetweenFiles)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Before(merged[j]) })

	var (
		data        []byte
		contentType string
	)
	switch job.Format {
	case FormatCSV:
		data, err = encodeCSV(merged)
		contentType = "text/csv"
	default:
		data, err = json.Marshal(merged)
		contentType = "application/json"
	}
	if err != nil {
		fail(err)
		return
	}

	key := fmt.Sprintf("%sexport-%s.%s", e.store.ExportsPrefix(), job.ID, job.Format)
	info, err := e.store.Blob().Put(ctx, key, data, contentType)
	if err != nil {
		fail(err)
		return
	}

	done := e.now().UTC()
	job.Status = StatusCompleted
	job.CompletedAt = &done
	job.FileURL = info.URL
	if err := e.persist(ctx, job); err != nil {
		log.Error().Err(err).Str("job", job.ID).Msg("Failed to persist completed job")
	}

	log.Info().
		Str("job", job.ID).
		Int("files", job.Progress.FilesProcessed).
		Int("events", job.Progress.EventsProcessed).
		Str("url", info.URL).
		Msg("Export job completed")
}

// Get reads a job snapshot directly from the store.
func (e *Engine) Get(ctx context.Context, id string) (*Job, error) {
	data, err := e.store.Blob().Get(ctx, e.snapshotKey(id))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// List merges in-memory jobs with any snapshots persisted by other
// processes, de-duplicated by id with memory's copy preferred, newest
// first.
func (e *Engine) List(ctx context.Context) ([]*Job, error) {
	e.mu.Lock()
	jobs := make(map[string]*Job, len(e.jobs))
	for id, job := range e.jobs {
		jobs[id] = job.clone()
	}
	e.mu.Unlock()

	infos, err := e.store.Blob().List(ctx, e.store.JobsPrefix())
	if err != nil {
		return nil, fmt.Errorf("list job snapshots: %w", err)
	}
	for _, info := range infos {
		id := strings.TrimSuffix(strings.TrimPrefix(info.Key, e.store.JobsPrefix()), ".json")
		if _, ok := jobs[id]; ok {
			continue
		}
		job, err := e.Get(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("key", info.Key).Msg("Skipping unreadable job snapshot")
			continue
		}
		jobs[id] = job
	}

	out := make([]*Job, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
