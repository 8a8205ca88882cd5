// Package versioned implements read-modify-write cycles over a backend with
// a bounded retry-on-conflict budget.
package versioned

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/LettoKarvat/RCAFORM/internal/storage/backend"
	"github.com/LettoKarvat/RCAFORM/internal/storage/entity"
)

// ErrPersistConflict is returned when every attempt of a read-modify-write
// cycle lost to a concurrent writer.
var ErrPersistConflict = errors.New("persist conflict")

// PersistConflictError reports an exhausted retry budget.
type PersistConflictError struct {
	Attempts int
	Last     error
}

func (e *PersistConflictError) Error() string {
	return fmt.Sprintf("persist conflict after %d attempts: %v", e.Attempts, e.Last)
}

// Is makes errors.Is(err, ErrPersistConflict) true.
func (e *PersistConflictError) Is(target error) bool {
	return target == ErrPersistConflict
}

func (e *PersistConflictError) Unwrap() error {
	return e.Last
}

// Options configures a Store.
type Options struct {
	// Retries is the number of extra attempts after a version conflict.
	Retries int
	// Timeout bounds every Fetch and Commit call.
	Timeout time.Duration
	// Serialize makes read-modify-write cycles of this Store run one at a
	// time.
	Serialize bool
	// Metrics is optional.
	Metrics *Metrics
}

// DefaultOptions returns one retry, a 10s timeout and serialized writes.
func DefaultOptions() Options {
	return Options{Retries: 1, Timeout: 10 * time.Second, Serialize: true}
}

// Mutator computes the new collection from the current one. It receives a
// copy it may modify. Returning an error aborts the cycle without a commit.
type Mutator func(items []entity.Record) ([]entity.Record, error)

var tracer = otel.Tracer("rcaform/versioned")

// Store wraps a backend and remembers the last version it observed.
type Store struct {
	b    backend.Backend
	opts Options
	sem  chan struct{}

	mu   sync.Mutex
	last backend.Version
}

// New returns a Store over b.
func New(b backend.Backend, opts Options) *Store {
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	s := &Store{b: b, opts: opts}
	if opts.Serialize {
		s.sem = make(chan struct{}, 1)
	}
	return s
}

// Backend returns the wrapped backend.
func (s *Store) Backend() backend.Backend {
	return s.b
}

// LastVersion returns the version seen by the latest successful Fetch or
// Commit.
func (s *Store) LastVersion() backend.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Store) observe(v backend.Version) {
	s.mu.Lock()
	s.last = v
	s.mu.Unlock()
}

// Fetch returns the current collection. A missing document is returned as an
// empty snapshot with no version.
func (s *Store) Fetch(ctx context.Context) (*backend.Snapshot, error) {
	ctx, span := tracer.Start(ctx, "versioned.Fetch", trace.WithAttributes(attribute.String("backend", s.b.Name())))
	defer span.End()
	snap, err := s.fetch(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		s.opts.Metrics.fetch(s.b.Name(), err)
		return nil, err
	}
	s.opts.Metrics.fetch(s.b.Name(), nil)
	return snap, nil
}

func (s *Store) fetch(ctx context.Context) (*backend.Snapshot, error) {
	cctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	snap, err := s.b.Fetch(cctx)
	if errors.Is(err, backend.ErrNotFound) {
		s.observe("")
		return &backend.Snapshot{}, nil
	}
	if err != nil {
		return nil, classify("fetch", err)
	}
	s.observe(snap.Version)
	return snap, nil
}

func (s *Store) commit(ctx context.Context, items []entity.Record, expected backend.Version) (backend.Version, error) {
	cctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	v, err := s.b.Commit(cctx, items, expected)
	if err != nil {
		return "", classify("commit", err)
	}
	s.observe(v)
	return v, nil
}

// ReadModifyWrite fetches the collection, applies mutate and commits the
// result with the fetched version as precondition. On a version conflict the
// whole cycle is retried, up to Options.Retries times; then it fails with a
// *PersistConflictError.
func (s *Store) ReadModifyWrite(ctx context.Context, mutate Mutator) (*backend.Snapshot, error) {
	ctx, span := tracer.Start(ctx, "versioned.ReadModifyWrite", trace.WithAttributes(attribute.String("backend", s.b.Name())))
	defer span.End()
	start := time.Now()

	if s.sem != nil {
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-ctx.Done():
			return nil, backend.Unavailable("commit", ctx.Err())
		}
	}

	snap, attempts, err := s.readModifyWrite(ctx, mutate)
	span.SetAttributes(attribute.Int("attempts", attempts))
	s.opts.Metrics.cycle(s.b.Name(), attempts, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read-modify-write failed")
		return nil, err
	}
	return snap, nil
}

func (s *Store) readModifyWrite(ctx context.Context, mutate Mutator) (*backend.Snapshot, int, error) {
	var last error
	for attempt := 1; attempt <= s.opts.Retries+1; attempt++ {
		cur, err := s.fetch(ctx)
		if err != nil {
			return nil, attempt, err
		}
		items, err := mutate(entity.CloneAll(cur.Items))
		if err != nil {
			return nil, attempt, err
		}
		if items == nil {
			items = []entity.Record{}
		}
		v, err := s.commit(ctx, items, cur.Version)
		if err == nil {
			return &backend.Snapshot{Items: items, Version: v}, attempt, nil
		}
		if !errors.Is(err, backend.ErrVersionConflict) {
			return nil, attempt, err
		}
		last = err
		slog.DebugContext(ctx, "Version conflict, retrying", "backend", s.b.Name(), "attempt", attempt, "err", err)
	}
	return nil, s.opts.Retries + 1, &PersistConflictError{Attempts: s.opts.Retries + 1, Last: last}
}

// classify keeps errors of the backend taxonomy and wraps everything else,
// deadlines included, as ErrUnavailable.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, backend.ErrVersionConflict),
		errors.Is(err, backend.ErrUnavailable),
		errors.Is(err, backend.ErrMalformed),
		errors.Is(err, backend.ErrNotFound):
		return err
	default:
		return backend.Unavailable(op, err)
	}
}
