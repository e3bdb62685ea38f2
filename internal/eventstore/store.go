// Package eventstore persists event batches as immutable objects in the
// blob store and maintains a derived manifest over them.
//
// Layout under the configured namespace:
//
//	<ns>/<yyyy-mm-dd>/<timestamp>-<random>.json   one object per batch
//	<ns>/index.json                               derived manifest
//	<ns>/jobs/<id>.json                           export job snapshots
//	<ns>/exports/export-<id>.<json|csv>           export artifacts
//
// Batch objects are never mutated. The manifest is a cache: it holds no
// information absent from the objects themselves and is always
// reconstructible by listing the namespace.
package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/masurp/travelgram-tracking/internal/blobstore"
	"github.com/masurp/travelgram-tracking/internal/event"
)

const (
	indexObject  = "index.json"
	jobsPrefix   = "jobs/"
	exportPrefix = "exports/"
)

// Manifest is the derived index over all current batch objects, newest
// first.
type Manifest struct {
	UpdatedAt time.Time              `json:"updatedAt"`
	Files     []blobstore.ObjectInfo `json:"files"`
}

// CleanupResult reports the outcome of a retention sweep, per object.
type CleanupResult struct {
	Deleted int             `json:"deleted"`
	Failed  int             `json:"failed"`
	Results []ObjectOutcome `json:"results"`
}

// ObjectOutcome is the per-object entry in a CleanupResult.
type ObjectOutcome struct {
	Key     string `json:"pathname"`
	Deleted bool   `json:"deleted"`
	Error   string `json:"error,omitempty"`
}

// Store is the append-only event store.
type Store struct {
	blob      blobstore.ObjectStore
	namespace string

	mu    sync.Mutex
	cache *Manifest

	now func() time.Time
}

// New wraps an object store with the event-store layout under namespace.
func New(blob blobstore.ObjectStore, namespace string) *Store {
	return &Store{
		blob:      blob,
		namespace: strings.TrimSuffix(namespace, "/"),
		now:       time.Now,
	}
}

// SetClock overrides the key-generation clock. Test hook.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Namespace returns the key prefix this store owns.
func (s *Store) Namespace() string { return s.namespace }

// JobsPrefix returns the key prefix for export job snapshots.
func (s *Store) JobsPrefix() string { return s.namespace + "/" + jobsPrefix }

// ExportsPrefix returns the key prefix for export artifacts.
func (s *Store) ExportsPrefix() string { return s.namespace + "/" + exportPrefix }

// Blob exposes the underlying object store for collaborators that manage
// their own keys inside the namespace (the export engine).
func (s *Store) Blob() blobstore.ObjectStore { return s.blob }

// batchKey builds a collision-resistant, date-partitioned object key.
func (s *Store) batchKey(t time.Time) string {
	stamp := t.UTC().Format("2006-01-02T15-04-05.000Z")
	suffix := uuid.NewString()[:8]
	return fmt.Sprintf("%s/%s/%s-%s.json", s.namespace, t.UTC().Format("2006-01-02"), stamp, suffix)
}

// AppendBatch writes events verbatim as one new immutable object and
// returns its metadata. It never mutates an existing object, so concurrent
// appends cannot conflict.
func (s *Store) AppendBatch(ctx context.Context, events []event.Event) (blobstore.ObjectInfo, error) {
	if len(events) == 0 {
		return blobstore.ObjectInfo{}, fmt.Errorf("empty batch")
	}

	data, err := json.Marshal(events)
	if err != nil {
		return blobstore.ObjectInfo{}, fmt.Errorf("encode batch: %w", err)
	}

	info, err := s.blob.Put(ctx, s.batchKey(s.now()), data, "application/json")
	if err != nil {
		return blobstore.ObjectInfo{}, fmt.Errorf("store batch: %w", err)
	}
	return info, nil
}

// isBatchObject filters out the manifest, job snapshots and export
// artifacts, which share the namespace but are not event data.
func (s *Store) isBatchObject(key string) bool {
	rel := strings.TrimPrefix(key, s.namespace+"/")
	if rel == indexObject {
		return false
	}
	if strings.HasPrefix(rel, jobsPrefix) || strings.HasPrefix(rel, exportPrefix) {
		return false
	}
	return strings.HasSuffix(rel, ".json")
}

// ListBatches returns metadata for every batch object, newest upload
// first.
func (s *Store) ListBatches(ctx context.Context) ([]blobstore.ObjectInfo, error) {
	all, err := s.blob.List(ctx, s.namespace+"/")
	if err != nil {
		return nil, fmt.Errorf("list namespace: %w", err)
	}

	batches := make([]blobstore.ObjectInfo, 0, len(all))
	for _, info := range all {
		if s.isBatchObject(info.Key) {
			batches = append(batches, info)
		}
	}
	sort.Slice(batches, func(i, j int) bool {
		return batches[i].UploadedAt.After(batches[j].UploadedAt)
	})
	return batches, nil
}

// FetchBatch reads one batch object and decodes its event array.
func (s *Store) FetchBatch(ctx context.Context, key string) ([]event.Event, error) {
	data, err := s.blob.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var events []event.Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return events, nil
}

// RebuildIndex lists the namespace and persists a fresh manifest. It is a
// point-in-time snapshot: an append racing the rebuild may or may not be
// included, which is acceptable because the manifest is advisory. Last
// writer wins.
func (s *Store) RebuildIndex(ctx context.Context) (*Manifest, error) {
	batches, err := s.ListBatches(ctx)
	if err != nil {
		return nil, err
	}

	manifest := &Manifest{UpdatedAt: s.now().UTC(), Files: batches}
	data, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if _, err := s.blob.Put(ctx, s.namespace+"/"+indexObject, data, "application/json"); err != nil {
		return nil, fmt.Errorf("store manifest: %w", err)
	}

	s.mu.Lock()
	s.cache = manifest
	s.mu.Unlock()

	log.Debug().Int("files", len(manifest.Files)).Msg("Rebuilt tracking index")
	return manifest, nil
}

// Index returns the current manifest, rebuilding when forced or when no
// manifest exists yet.
func (s *Store) Index(ctx context.Context, force bool) (*Manifest, error) {
	if !force {
		s.mu.Lock()
		cached := s.cache
		s.mu.Unlock()
		if cached != nil {
			return cached, nil
		}

		data, err := s.blob.Get(ctx, s.namespace+"/"+indexObject)
		if err == nil {
			var manifest Manifest
			uerr := json.Unmarshal(data, &manifest)
			if uerr == nil {
				s.mu.Lock()
				s.cache = &manifest
				s.mu.Unlock()
				return &manifest, nil
			}
			log.Warn().Err(uerr).Msg("Stored manifest is corrupt, rebuilding")
		}
	}
	return s.RebuildIndex(ctx)
}

// Cleanup deletes batch objects older than the given number of days
// (days=0 deletes everything older than now) and rebuilds the index.
// Individual deletion failures are recorded and skipped, never aborting
// the sweep.
func (s *Store) Cleanup(ctx context.Context, days int) (*CleanupResult, error) {
	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)
	return s.deleteWhere(ctx, func(info blobstore.ObjectInfo) bool {
		return info.UploadedAt.Before(cutoff)
	})
}

// DeleteAll removes every batch object unconditionally and rebuilds the
// index.
func (s *Store) DeleteAll(ctx context.Context) (*CleanupResult, error) {
	return s.deleteWhere(ctx, func(blobstore.ObjectInfo) bool { return true })
}

func (s *Store) deleteWhere(ctx context.Context, match func(blobstore.ObjectInfo) bool) (*CleanupResult, error) {
	batches, err := s.ListBatches(ctx)
	if err != nil {
		return nil, err
	}

	result := &CleanupResult{}
	for _, info := range batches {
		if !match(info) {
			continue
		}
		outcome := ObjectOutcome{Key: info.Key, Deleted: true}
		if err := s.blob.Delete(ctx, info.Key); err != nil {
			outcome.Deleted = false
			outcome.Error = err.Error()
			result.Failed++
			log.Error().Err(err).Str("key", info.Key).Msg("Failed to delete batch object")
		} else {
			result.Deleted++
		}
		result.Results = append(result.Results, outcome)
	}

	if _, err := s.RebuildIndex(ctx); err != nil {
		log.Error().Err(err).Msg("Index rebuild after cleanup failed")
	}
	return result, nil
}
