// Package collection implements record level operations on top of a
// versioned store, with a local mirror used as a read fallback and a write
// safety net.
package collection

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/LettoKarvat/RCAFORM/internal/storage/backend"
	"github.com/LettoKarvat/RCAFORM/internal/storage/entity"
	"github.com/LettoKarvat/RCAFORM/internal/storage/mirror"
	"github.com/LettoKarvat/RCAFORM/internal/storage/versioned"
)

// DefaultKey is the mirror key of the collection.
const DefaultKey = "rca_form_data"

// Options configures a Service.
type Options struct {
	// Mirror is optional. Without it remote failures are returned as is.
	Mirror *mirror.Mirror
	// Key defaults to DefaultKey.
	Key string
	// Now defaults to time.Now.
	Now func() time.Time
}

// Service runs record operations against a versioned store.
type Service struct {
	store  *versioned.Store
	mirror *mirror.Mirror
	key    string
	now    func() time.Time

	group singleflight.Group

	// mu guards read-modify-put sequences on the mirror keys.
	mu sync.Mutex
}

// New returns a Service.
func New(store *versioned.Store, opts Options) *Service {
	if opts.Key == "" {
		opts.Key = DefaultKey
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{store: store, mirror: opts.Mirror, key: opts.Key, now: opts.Now}
}

// Submission is a new record as received from a caller.
type Submission struct {
	Payload json.RawMessage
	Origin  entity.Origin
}

// Append stores a new record with a generated id and creation time.
//
// When the remote write fails the record is kept in the mirror and queued
// for Resync, and the error is still returned.
func (s *Service) Append(ctx context.Context, sub Submission) (*entity.Record, error) {
	if !entity.IsObject(sub.Payload) {
		return nil, &ValidationError{Field: "body", Reason: "must be a JSON object"}
	}
	now := s.now()
	rec := entity.Record{
		ID:        entity.NewID(now),
		CreatedAt: entity.FormatTime(now),
		Data:      sub.Payload,
		Origin:    sub.Origin,
	}
	snap, err := s.store.ReadModifyWrite(ctx, func(items []entity.Record) ([]entity.Record, error) {
		for hasID(items, rec.ID) {
			rec.ID = entity.NewID(now)
		}
		return append(items, rec), nil
	})
	if err != nil {
		s.keepPending(ctx, rec)
		return nil, err
	}
	s.saveMirror(ctx, snap.Items)
	return &rec, nil
}

// ReplaceAll normalizes items and overwrites the whole collection with them.
// It returns the number of records saved.
//
// The overwrite is based on whatever the caller last read: records appended
// since then are lost.
func (s *Service) ReplaceAll(ctx context.Context, items []json.RawMessage) (int, error) {
	records, err := NormalizeAll(items, s.now())
	if err != nil {
		return 0, err
	}
	snap, err := s.store.ReadModifyWrite(ctx, func([]entity.Record) ([]entity.Record, error) {
		return entity.CloneAll(records), nil
	})
	if err != nil {
		s.keepIntent(ctx, func([]entity.Record) []entity.Record { return records })
		return 0, err
	}
	s.saveMirror(ctx, snap.Items)
	return len(records), nil
}

// Get returns the record with the given id.
func (s *Service) Get(ctx context.Context, id string) (*entity.Record, error) {
	items, _, err := s.items(ctx)
	if err != nil {
		return nil, err
	}
	i := indexOf(items, id)
	if i < 0 {
		return nil, ErrRecordNotFound
	}
	r := items[i].Clone()
	return &r, nil
}

// Update replaces the payload of one record. The id, creation time and
// origin are kept.
func (s *Service) Update(ctx context.Context, id string, payload json.RawMessage) (*entity.Record, error) {
	if !entity.IsObject(payload) {
		return nil, &ValidationError{Field: "body", Reason: "must be a JSON object"}
	}
	var out entity.Record
	snap, err := s.store.ReadModifyWrite(ctx, func(items []entity.Record) ([]entity.Record, error) {
		i := indexOf(items, id)
		if i < 0 {
			return nil, ErrRecordNotFound
		}
		items[i].Data = slices.Clone(payload)
		out = items[i].Clone()
		return items, nil
	})
	if err != nil {
		return nil, err
	}
	s.saveMirror(ctx, snap.Items)
	return &out, nil
}

// Delete removes one record.
func (s *Service) Delete(ctx context.Context, id string) error {
	snap, err := s.store.ReadModifyWrite(ctx, func(items []entity.Record) ([]entity.Record, error) {
		i := indexOf(items, id)
		if i < 0 {
			return nil, ErrRecordNotFound
		}
		return slices.Delete(items, i, i+1), nil
	})
	if err != nil {
		return err
	}
	s.saveMirror(ctx, snap.Items)
	return nil
}

// Resync appends the records queued by failed appends that are not stored
// remotely yet, then removes the records it handled from the queue. It
// returns the number of records appended.
func (s *Service) Resync(ctx context.Context) (int, error) {
	pending := s.pending(ctx)
	if len(pending) == 0 {
		return 0, nil
	}
	added := 0
	snap, err := s.store.ReadModifyWrite(ctx, func(items []entity.Record) ([]entity.Record, error) {
		added = 0
		for _, r := range pending {
			if hasID(items, r.ID) {
				continue
			}
			items = append(items, r.Clone())
			added++
		}
		return items, nil
	})
	if err != nil {
		return 0, err
	}
	s.saveMirror(ctx, snap.Items)
	s.dropPending(ctx, pending)
	slog.InfoContext(ctx, "Resynced pending records", "pending", len(pending), "added", added)
	return added, nil
}

// Pending returns the number of records waiting for Resync.
func (s *Service) Pending(ctx context.Context) int {
	return len(s.pending(ctx))
}

// Refresh reads the remote collection into the mirror.
func (s *Service) Refresh(ctx context.Context) error {
	_, err := s.fetch(ctx)
	return err
}

// fetch reads the remote collection, coalescing concurrent callers, and
// refreshes the mirror.
func (s *Service) fetch(ctx context.Context) ([]entity.Record, error) {
	v, err, _ := s.group.Do("fetch", func() (any, error) {
		// One caller canceling must not fail the others.
		snap, err := s.store.Fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		s.saveMirror(ctx, snap.Items)
		return snap.Items, nil
	})
	if err != nil {
		return nil, err
	}
	return entity.CloneAll(v.([]entity.Record)), nil
}

// items returns the remote collection, or the mirror copy with degraded set
// when the remote cannot be read.
func (s *Service) items(ctx context.Context) ([]entity.Record, bool, error) {
	items, err := s.fetch(ctx)
	if err == nil {
		return items, false, nil
	}
	if s.mirror == nil || !(errors.Is(err, backend.ErrUnavailable) || errors.Is(err, backend.ErrMalformed)) {
		return nil, false, err
	}
	var local []entity.Record
	if _, merr := s.mirror.Get(s.key, &local); merr != nil {
		slog.WarnContext(ctx, "Failed to read mirror", "key", s.key, "err", merr)
		return nil, false, err
	}
	slog.WarnContext(ctx, "Serving collection from mirror", "key", s.key, "items", len(local), "err", err)
	return local, true, nil
}

func (s *Service) pendingKey() string {
	return s.key + ".pending"
}

func (s *Service) syncedKey() string {
	return s.key + ".synced"
}

func (s *Service) saveMirror(ctx context.Context, items []entity.Record) {
	if s.mirror == nil {
		return
	}
	if items == nil {
		items = []entity.Record{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mirror.Put(s.key, items); err != nil {
		slog.WarnContext(ctx, "Failed to update mirror", "key", s.key, "err", err)
		return
	}
	if err := s.mirror.Put(s.syncedKey(), entity.FormatTime(s.now())); err != nil {
		slog.WarnContext(ctx, "Failed to update mirror", "key", s.syncedKey(), "err", err)
	}
}

// keepIntent writes the state a failed write meant to produce to the mirror.
func (s *Service) keepIntent(ctx context.Context, apply func([]entity.Record) []entity.Record) {
	if s.mirror == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(ctx, apply)
}

func (s *Service) applyLocked(ctx context.Context, apply func([]entity.Record) []entity.Record) {
	var local []entity.Record
	if _, err := s.mirror.Get(s.key, &local); err != nil {
		slog.WarnContext(ctx, "Failed to read mirror", "key", s.key, "err", err)
	}
	if err := s.mirror.Put(s.key, apply(local)); err != nil {
		slog.WarnContext(ctx, "Failed to update mirror", "key", s.key, "err", err)
	}
}

// keepPending adds rec to the mirror copy and to the resync queue.
func (s *Service) keepPending(ctx context.Context, rec entity.Record) {
	if s.mirror == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(ctx, func(items []entity.Record) []entity.Record {
		if hasID(items, rec.ID) {
			return items
		}
		return append(items, rec)
	})
	pending := append(s.pending(ctx), rec)
	if err := s.mirror.Put(s.pendingKey(), pending); err != nil {
		slog.ErrorContext(ctx, "Failed to queue record", "id", rec.ID, "err", err)
		return
	}
	slog.WarnContext(ctx, "Queued record for resync", "id", rec.ID, "pending", len(pending))
}

// dropPending removes done from the resync queue. Records queued after done
// was read stay queued.
func (s *Service) dropPending(ctx context.Context, done []entity.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	left := slices.DeleteFunc(s.pending(ctx), func(r entity.Record) bool { return hasID(done, r.ID) })
	var err error
	if len(left) == 0 {
		err = s.mirror.Delete(s.pendingKey())
	} else {
		err = s.mirror.Put(s.pendingKey(), left)
	}
	if err != nil {
		slog.WarnContext(ctx, "Failed to update pending records", "key", s.pendingKey(), "err", err)
	}
}

func (s *Service) pending(ctx context.Context) []entity.Record {
	if s.mirror == nil {
		return nil
	}
	var pending []entity.Record
	if _, err := s.mirror.Get(s.pendingKey(), &pending); err != nil {
		slog.WarnContext(ctx, "Failed to read pending records", "key", s.pendingKey(), "err", err)
		return nil
	}
	return pending
}

func (s *Service) syncedAt() string {
	if s.mirror == nil {
		return ""
	}
	var at string
	_, _ = s.mirror.Get(s.syncedKey(), &at)
	return at
}

func indexOf(items []entity.Record, id string) int {
	return slices.IndexFunc(items, func(r entity.Record) bool { return r.ID == id })
}

func hasID(items []entity.Record, id string) bool {
	return indexOf(items, id) >= 0
}
