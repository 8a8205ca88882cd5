package collection

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LettoKarvat/RCAFORM/internal/storage/backend"
	"github.com/LettoKarvat/RCAFORM/internal/storage/entity"
	"github.com/LettoKarvat/RCAFORM/internal/storage/mirror"
	"github.com/LettoKarvat/RCAFORM/internal/storage/versioned"
)

var idPattern = regexp.MustCompile(`^[0-9a-z]+-[0-9a-z]{6}$`)

// flaky fails every call while down is set.
type flaky struct {
	backend.Memory
	down atomic.Bool

	// beforeCommit, when set, runs at the start of every Commit.
	beforeCommit func()
}

func (f *flaky) Fetch(ctx context.Context) (*backend.Snapshot, error) {
	if f.down.Load() {
		return nil, backend.Unavailable("fetch", errors.New("connection refused"))
	}
	return f.Memory.Fetch(ctx)
}

func (f *flaky) Commit(ctx context.Context, items []entity.Record, expected backend.Version) (backend.Version, error) {
	if f.beforeCommit != nil {
		f.beforeCommit()
	}
	if f.down.Load() {
		return "", backend.Unavailable("commit", errors.New("connection refused"))
	}
	return f.Memory.Commit(ctx, items, expected)
}

type testEnv struct {
	b      *flaky
	mirror *mirror.Mirror
	svc    *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	m, err := mirror.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	b := &flaky{}
	svc := New(versioned.New(b, versioned.DefaultOptions()), Options{
		Mirror: m,
		Now:    func() time.Time { return time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC) },
	})
	return &testEnv{b: b, mirror: m, svc: svc}
}

func submit(t *testing.T, svc *Service, payload string) *entity.Record {
	t.Helper()
	r, err := svc.Append(t.Context(), Submission{Payload: json.RawMessage(payload)})
	if err != nil {
		t.Fatalf("Append(%s) failed: %v", payload, err)
	}
	return r
}

func TestAppend(t *testing.T) {
	t.Parallel()

	t.Run("empty collection", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		r, err := env.svc.Append(t.Context(), Submission{
			Payload: json.RawMessage(`{"forma":"whatsapp"}`),
			Origin:  entity.Origin{IP: "1.2.3.4", UA: "curl/8"},
		})
		if err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
		if !idPattern.MatchString(r.ID) {
			t.Errorf("ID = %q does not match %s", r.ID, idPattern)
		}
		if r.CreatedAt != "2025-08-01T12:00:00.000Z" {
			t.Errorf("CreatedAt = %q", r.CreatedAt)
		}
		l, err := env.svc.List(t.Context(), Filter{})
		if err != nil {
			t.Fatal(err)
		}
		if l.Total != 1 || len(l.Items) != 1 || l.Items[0].ID != r.ID || l.Items[0].IP != "1.2.3.4" {
			t.Errorf("List() = %+v", l)
		}
		if l.Degraded {
			t.Error("List() is degraded")
		}
		if l.SyncedAt == "" {
			t.Error("List().SyncedAt is empty")
		}
	})

	t.Run("serial appends", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		const n = 15
		seen := map[string]bool{}
		for range n {
			r := submit(t, env.svc, `{"a":1}`)
			if seen[r.ID] {
				t.Fatalf("duplicate id %q", r.ID)
			}
			seen[r.ID] = true
		}
		l, err := env.svc.List(t.Context(), Filter{})
		if err != nil {
			t.Fatal(err)
		}
		if len(l.Items) != n {
			t.Errorf("len(items) = %d, want %d", len(l.Items), n)
		}
	})

	t.Run("concurrent services", func(t *testing.T) {
		t.Parallel()
		b := &backend.Memory{}
		opts := versioned.Options{Retries: 1, Timeout: 5 * time.Second}
		s1 := New(versioned.New(b, opts), Options{})
		s2 := New(versioned.New(b, opts), Options{})
		var wg sync.WaitGroup
		errs := make(chan error, 2)
		for _, s := range []*Service{s1, s2} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Append(context.Background(), Submission{Payload: json.RawMessage(`{}`)})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Errorf("Append() failed: %v", err)
			}
		}
		snap, err := b.Fetch(t.Context())
		if err != nil {
			t.Fatal(err)
		}
		if len(snap.Items) != 2 {
			t.Errorf("len(items) = %d, want 2", len(snap.Items))
		}
	})

	t.Run("not an object", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		for _, p := range []string{`[1]`, `"x"`, `null`, `{`, ``} {
			_, err := env.svc.Append(t.Context(), Submission{Payload: json.RawMessage(p)})
			if !errors.Is(err, ErrValidation) {
				t.Errorf("Append(%q) = %v, want ErrValidation", p, err)
			}
		}
	})

	t.Run("remote failure queues and resyncs", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		first := submit(t, env.svc, `{"n":1}`)

		env.b.down.Store(true)
		_, err := env.svc.Append(t.Context(), Submission{Payload: json.RawMessage(`{"n":2}`)})
		if !errors.Is(err, backend.ErrUnavailable) {
			t.Fatalf("Append() = %v, want ErrUnavailable", err)
		}
		if got := env.svc.Pending(t.Context()); got != 1 {
			t.Errorf("Pending() = %d, want 1", got)
		}
		l, err := env.svc.List(t.Context(), Filter{})
		if err != nil {
			t.Fatalf("List() failed: %v", err)
		}
		if !l.Degraded || len(l.Items) != 2 {
			t.Errorf("List() = %d items, degraded %v; want 2, true", len(l.Items), l.Degraded)
		}

		env.b.down.Store(false)
		n, err := env.svc.Resync(t.Context())
		if err != nil {
			t.Fatalf("Resync() failed: %v", err)
		}
		if n != 1 {
			t.Errorf("Resync() = %d, want 1", n)
		}
		if got := env.svc.Pending(t.Context()); got != 0 {
			t.Errorf("Pending() after Resync = %d", got)
		}
		snap, err := env.b.Memory.Fetch(t.Context())
		if err != nil {
			t.Fatal(err)
		}
		if len(snap.Items) != 2 || snap.Items[0].ID != first.ID {
			t.Errorf("remote items = %+v", snap.Items)
		}
		// A second resync is a no-op.
		if n, err := env.svc.Resync(t.Context()); err != nil || n != 0 {
			t.Errorf("Resync() = %d, %v, want 0", n, err)
		}
	})

	t.Run("concurrent failures are all queued", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		env.b.down.Store(true)
		const n = 20
		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				payload := json.RawMessage(`{"n":` + strconv.Itoa(i) + `}`)
				if _, err := env.svc.Append(context.Background(), Submission{Payload: payload}); !errors.Is(err, backend.ErrUnavailable) {
					t.Errorf("Append() = %v, want ErrUnavailable", err)
				}
			}()
		}
		wg.Wait()
		if got := env.svc.Pending(t.Context()); got != n {
			t.Errorf("Pending() = %d, want %d", got, n)
		}
		var local []entity.Record
		if _, err := env.mirror.Get(DefaultKey, &local); err != nil {
			t.Fatal(err)
		}
		if len(local) != n {
			t.Errorf("mirror holds %d records, want %d", len(local), n)
		}

		env.b.down.Store(false)
		if added, err := env.svc.Resync(t.Context()); err != nil || added != n {
			t.Errorf("Resync() = %d, %v, want %d", added, err, n)
		}
	})

	t.Run("resync keeps records queued meanwhile", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		env.b.down.Store(true)
		if _, err := env.svc.Append(t.Context(), Submission{Payload: json.RawMessage(`{"n":1}`)}); err == nil {
			t.Fatal("Append() succeeded against a down backend")
		}
		env.b.down.Store(false)

		late := entity.Record{ID: "late-000001", CreatedAt: "2025-08-01T12:00:00.000Z", Data: json.RawMessage(`{"n":2}`)}
		var once sync.Once
		env.b.beforeCommit = func() {
			once.Do(func() { env.svc.keepPending(context.Background(), late) })
		}
		if added, err := env.svc.Resync(t.Context()); err != nil || added != 1 {
			t.Fatalf("Resync() = %d, %v, want 1", added, err)
		}
		if got := env.svc.Pending(t.Context()); got != 1 {
			t.Fatalf("Pending() = %d, want the record queued during Resync", got)
		}
		if added, err := env.svc.Resync(t.Context()); err != nil || added != 1 {
			t.Errorf("second Resync() = %d, %v, want 1", added, err)
		}
		if got := env.svc.Pending(t.Context()); got != 0 {
			t.Errorf("Pending() = %d, want 0", got)
		}
	})
}

func TestList_degraded(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	mirrored := []entity.Record{
		{ID: "a-000001", CreatedAt: "2025-01-01T00:00:00.000Z", Data: json.RawMessage(`{}`)},
		{ID: "a-000002", CreatedAt: "2025-01-02T00:00:00.000Z", Data: json.RawMessage(`{}`)},
		{ID: "a-000003", CreatedAt: "2025-01-03T00:00:00.000Z", Data: json.RawMessage(`{}`)},
	}
	if err := env.mirror.Put(DefaultKey, mirrored); err != nil {
		t.Fatal(err)
	}
	env.b.down.Store(true)
	l, err := env.svc.List(t.Context(), Filter{})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(l.Items) != 3 || l.Total != 3 || !l.Degraded {
		t.Errorf("List() = %d items, total %d, degraded %v; want 3, 3, true", len(l.Items), l.Total, l.Degraded)
	}
}

func TestList_noMirror(t *testing.T) {
	t.Parallel()
	b := &flaky{}
	b.down.Store(true)
	svc := New(versioned.New(b, versioned.DefaultOptions()), Options{})
	if _, err := svc.List(t.Context(), Filter{}); !errors.Is(err, backend.ErrUnavailable) {
		t.Errorf("List() = %v, want ErrUnavailable", err)
	}
}

func TestReplaceAll(t *testing.T) {
	t.Parallel()

	t.Run("idempotent", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		xs := []json.RawMessage{
			json.RawMessage(`{"codigoRca":"R1","timestamp":"2024-05-05T10:00:00Z"}`),
			json.RawMessage(`{"id":7,"codigoRca":"R2"}`),
			json.RawMessage(`{"id":"k-000001","createdAt":"2025-01-01T00:00:00.000Z","data":{"x":1},"ua":"curl"}`),
		}
		n, err := env.svc.ReplaceAll(t.Context(), xs)
		if err != nil || n != 3 {
			t.Fatalf("ReplaceAll() = %d, %v", n, err)
		}
		first, err := env.svc.List(t.Context(), Filter{})
		if err != nil {
			t.Fatal(err)
		}
		again := make([]json.RawMessage, len(first.Items))
		for i := range first.Items {
			b, err := json.Marshal(first.Items[i])
			if err != nil {
				t.Fatal(err)
			}
			again[i] = b
		}
		if _, err := env.svc.ReplaceAll(t.Context(), again); err != nil {
			t.Fatal(err)
		}
		second, err := env.svc.List(t.Context(), Filter{})
		if err != nil {
			t.Fatal(err)
		}
		a, _ := json.Marshal(first.Items)
		b, _ := json.Marshal(second.Items)
		if !bytes.Equal(a, b) {
			t.Errorf("ReplaceAll is not idempotent:\n%s\n%s", a, b)
		}
		if first.Items[1].ID != "7" || first.Items[0].CreatedAt != "2024-05-05T10:00:00Z" {
			t.Errorf("normalized items = %s", a)
		}
	})

	t.Run("not an object leaves store unchanged", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		r := submit(t, env.svc, `{"a":1}`)
		_, err := env.svc.ReplaceAll(t.Context(), []json.RawMessage{json.RawMessage(`{}`), json.RawMessage(`42`)})
		var ve *ValidationError
		if !errors.As(err, &ve) || ve.Field != "items[1]" {
			t.Fatalf("ReplaceAll() = %v, want ValidationError on items[1]", err)
		}
		l, err := env.svc.List(t.Context(), Filter{})
		if err != nil {
			t.Fatal(err)
		}
		if len(l.Items) != 1 || l.Items[0].ID != r.ID {
			t.Errorf("store changed: %+v", l.Items)
		}
	})

	t.Run("clear all", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		submit(t, env.svc, `{"a":1}`)
		if n, err := env.svc.ReplaceAll(t.Context(), nil); err != nil || n != 0 {
			t.Fatalf("ReplaceAll(nil) = %d, %v", n, err)
		}
		l, err := env.svc.List(t.Context(), Filter{})
		if err != nil {
			t.Fatal(err)
		}
		if len(l.Items) != 0 || l.Items == nil {
			t.Errorf("List() = %#v, want empty non-nil", l.Items)
		}
	})
}

func TestGetUpdateDelete(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	r := submit(t, env.svc, `{"nome":"Ana"}`)
	other := submit(t, env.svc, `{"nome":"Bia"}`)

	got, err := env.svc.Get(t.Context(), r.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if string(got.Data) != `{"nome":"Ana"}` {
		t.Errorf("Get().Data = %s", got.Data)
	}

	u, err := env.svc.Update(t.Context(), r.ID, json.RawMessage(`{"nome":"Ana Maria"}`))
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if u.ID != r.ID || u.CreatedAt != r.CreatedAt || string(u.Data) != `{"nome":"Ana Maria"}` {
		t.Errorf("Update() = %+v", u)
	}
	if _, err := env.svc.Update(t.Context(), r.ID, json.RawMessage(`[]`)); !errors.Is(err, ErrValidation) {
		t.Errorf("Update(array) = %v, want ErrValidation", err)
	}
	if _, err := env.svc.Update(t.Context(), "missing", json.RawMessage(`{}`)); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Update(missing) = %v, want ErrRecordNotFound", err)
	}

	if err := env.svc.Delete(t.Context(), r.ID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if err := env.svc.Delete(t.Context(), r.ID); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Delete() twice = %v, want ErrRecordNotFound", err)
	}
	if _, err := env.svc.Get(t.Context(), r.ID); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Get(deleted) = %v, want ErrRecordNotFound", err)
	}
	l, err := env.svc.List(t.Context(), Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(l.Items) != 1 || l.Items[0].ID != other.ID {
		t.Errorf("List() = %+v", l.Items)
	}
}

func TestList_filter(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	_, err := env.svc.ReplaceAll(t.Context(), []json.RawMessage{
		json.RawMessage(`{"id":"a","createdAt":"2025-01-02T00:00:00.000Z","data":{"nome":"Carla","idade":30}}`),
		json.RawMessage(`{"id":"b","createdAt":"2025-01-03T00:00:00.000Z","data":{"nome":"ana","idade":25}}`),
		json.RawMessage(`{"id":"c","createdAt":"2025-01-01T00:00:00.000Z","data":{"nome":"Bruno","cidade":"Anapolis"}}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name   string
		filter Filter
		want   string
	}{
		{"stored order", Filter{}, "a,b,c"},
		{"reverse", Filter{Desc: true}, "c,b,a"},
		{"createdAt", Filter{SortBy: "createdAt"}, "c,a,b"},
		{"createdAt desc", Filter{SortBy: "createdAt", Desc: true}, "b,a,c"},
		{"payload field", Filter{SortBy: "nome"}, "c,a,b"},
		{"query is case insensitive", Filter{Query: "ANA"}, "b,c"},
		{"query matches id", Filter{Query: "c"}, "a,c"},
		{"query matches numbers", Filter{Query: "25"}, "b"},
		{"no match", Filter{Query: "zzz"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := env.svc.List(t.Context(), tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			var got []byte
			for i, r := range l.Items {
				if i > 0 {
					got = append(got, ',')
				}
				got = append(got, r.ID...)
			}
			if string(got) != tt.want {
				t.Errorf("List(%+v) = %s, want %s", tt.filter, got, tt.want)
			}
			if l.Total != 3 {
				t.Errorf("Total = %d, want 3", l.Total)
			}
		})
	}
}

func TestExportCSV(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	_, err := env.svc.ReplaceAll(t.Context(), []json.RawMessage{
		json.RawMessage(`{"id":"a","createdAt":"2025-01-01T00:00:00.000Z","data":{"nome":"Ana, Maria","ok":true},"ip":"1.2.3.4"}`),
		json.RawMessage(`{"id":"b","createdAt":"2025-01-02T00:00:00.000Z","data":{"cidade":"Goiânia"},"ua":"curl"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := env.svc.ExportCSV(t.Context(), &buf, Filter{}); err != nil {
		t.Fatalf("ExportCSV() failed: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("invalid CSV: %v", err)
	}
	want := [][]string{
		{"id", "createdAt", "cidade", "nome", "ok", "ip", "ua"},
		{"a", "2025-01-01T00:00:00.000Z", "", "Ana, Maria", "true", "1.2.3.4", ""},
		{"b", "2025-01-02T00:00:00.000Z", "Goiânia", "", "", "", "curl"},
	}
	if len(rows) != len(want) {
		t.Fatalf("got %d rows, want %d: %v", len(rows), len(want), rows)
	}
	for i := range want {
		for j := range want[i] {
			if rows[i][j] != want[i][j] {
				t.Errorf("row %d col %d = %q, want %q", i, j, rows[i][j], want[i][j])
			}
		}
	}
}
