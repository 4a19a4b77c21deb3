// Package datastore holds the shared data store: a thread-safe keyed
// container for the large tabular payloads a pipeline run produces,
// decoupled from the control-flow state the engine merges.
package datastore

import (
	"sync"

	"github.com/quantgraph/quantgraph/pkg/schema"
)

// Bucket names. Fixed at compile time; Update rejects anything else.
const (
	BucketOHLCV      = "ohlcv"
	BucketIndicators = "indicators"
	BucketSignal     = "signal"
	BucketBacktest   = "backtest_results"
)

// Buckets lists the store's bucket names in canonical order.
func Buckets() []string {
	return []string{BucketOHLCV, BucketIndicators, BucketSignal, BucketBacktest}
}

// Store is the process-wide container for named tabular datasets.
// Construct one per process (or per test) and inject it into every step
// runtime; it is never a package-level global.
type Store struct {
	mu      sync.Mutex
	buckets map[string]map[string]*schema.Dataset
}

// New creates an empty store with all buckets present.
func New() *Store {
	s := &Store{buckets: make(map[string]map[string]*schema.Dataset, 4)}
	for _, b := range Buckets() {
		s.buckets[b] = make(map[string]*schema.Dataset)
	}
	return s
}

// Update merges entries into the named bucket by key, overwriting
// existing keys and preserving untouched ones.
func (s *Store) Update(bucket string, entries map[string]*schema.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dst, ok := s.buckets[bucket]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeUnknownBucket, "unknown bucket %q", bucket)
	}
	if entries == nil {
		return schema.NewErrorf(schema.ErrCodeTypeMismatch, "nil entries for bucket %q", bucket)
	}
	for k, v := range entries {
		dst[k] = v
	}
	return nil
}

// Override unconditionally replaces the bucket's contents. A nil entries
// map or an unknown bucket is a silent no-op, so callers can clear or
// skip buckets uniformly; an empty non-nil map clears the bucket.
func (s *Store) Override(bucket string, entries map[string]*schema.Dataset) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[bucket]; !ok || entries == nil {
		return
	}
	fresh := make(map[string]*schema.Dataset, len(entries))
	for k, v := range entries {
		fresh[k] = v
	}
	s.buckets[bucket] = fresh
}

// Snapshot returns a copy of all buckets. The returned maps never alias
// internal storage; the datasets themselves are shared, as they are
// treated as append-only within a run.
func (s *Store) Snapshot() map[string]map[string]*schema.Dataset {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]map[string]*schema.Dataset, len(s.buckets))
	for b, entries := range s.buckets {
		out[b] = copyBucket(entries)
	}
	return out
}

// GetField returns a copy of a single bucket, with the same aliasing
// guarantee as Snapshot.
func (s *Store) GetField(bucket string) (map[string]*schema.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.buckets[bucket]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownBucket, "unknown bucket %q", bucket)
	}
	return copyBucket(entries), nil
}

// Summaries computes per-dataset summaries for every bucket, the
// environment quality rules evaluate against.
func (s *Store) Summaries() map[string]map[string]schema.DatasetSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]map[string]schema.DatasetSummary, len(s.buckets))
	for b, entries := range s.buckets {
		bs := make(map[string]schema.DatasetSummary, len(entries))
		for k, ds := range entries {
			bs[k] = ds.Summary()
		}
		out[b] = bs
	}
	return out
}

func copyBucket(entries map[string]*schema.Dataset) map[string]*schema.Dataset {
	out := make(map[string]*schema.Dataset, len(entries))
	for k, v := range entries {
		out[k] = v
	}
	return out
}
