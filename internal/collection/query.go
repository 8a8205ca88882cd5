package collection

import (
	"bytes"
	"cmp"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"slices"
	"strings"

	"github.com/LettoKarvat/RCAFORM/internal/storage/entity"
)

// Filter selects and orders records for List and ExportCSV.
type Filter struct {
	// Query keeps records whose id or any payload value contains it, case
	// insensitively.
	Query string
	// SortBy is "createdAt", "id" or a payload field. Empty keeps the stored
	// order.
	SortBy string
	Desc   bool
}

// Listing is the result of List.
type Listing struct {
	Items []entity.Record `json:"items"`
	// Total is the number of records before filtering.
	Total int `json:"total"`
	// Degraded is set when Items come from the mirror because the remote
	// store could not be read.
	Degraded bool `json:"degraded,omitempty"`
	// SyncedAt is the time of the last successful remote read or write.
	SyncedAt string `json:"syncedAt,omitempty"`
}

// List returns the collection, filtered and sorted.
func (s *Service) List(ctx context.Context, f Filter) (*Listing, error) {
	items, degraded, err := s.items(ctx)
	if err != nil {
		return nil, err
	}
	out := &Listing{Total: len(items), Degraded: degraded, SyncedAt: s.syncedAt()}
	out.Items = f.Apply(items)
	return out, nil
}

// Apply filters and sorts items in place and returns the result.
func (f *Filter) Apply(items []entity.Record) []entity.Record {
	if q := strings.ToLower(strings.TrimSpace(f.Query)); q != "" {
		items = slices.DeleteFunc(items, func(r entity.Record) bool { return !matches(&r, q) })
	}
	if f.SortBy != "" {
		slices.SortStableFunc(items, func(a, b entity.Record) int {
			c := compareField(&a, &b, f.SortBy)
			if f.Desc {
				return -c
			}
			return c
		})
	} else if f.Desc {
		slices.Reverse(items)
	}
	if items == nil {
		items = []entity.Record{}
	}
	return items
}

func matches(r *entity.Record, q string) bool {
	if strings.Contains(strings.ToLower(r.ID), q) {
		return true
	}
	p, err := r.Payload()
	if err != nil {
		return false
	}
	for _, v := range p {
		if s := scalar(v); s != "" && strings.Contains(strings.ToLower(s), q) {
			return true
		}
	}
	return false
}

func compareField(a, b *entity.Record, field string) int {
	switch field {
	case "createdAt":
		ta, oka := a.Created()
		tb, okb := b.Created()
		if oka && okb {
			return ta.Compare(tb)
		}
		return cmp.Compare(a.CreatedAt, b.CreatedAt)
	case "id":
		return cmp.Compare(a.ID, b.ID)
	}
	return cmp.Compare(payloadField(a, field), payloadField(b, field))
}

func payloadField(r *entity.Record, field string) string {
	p, err := r.Payload()
	if err != nil {
		return ""
	}
	return scalar(p[field])
}

// scalar renders strings, numbers and booleans. Nested values are kept as
// compact JSON.
func scalar(v json.RawMessage) string {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || string(v) == "null" {
		return ""
	}
	if v[0] == '"' {
		return entity.StringField(v)
	}
	if s := entity.StringField(v); s != "" {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return string(v)
	}
	return buf.String()
}

// ExportCSV writes the filtered collection as CSV: id, createdAt, every
// payload field sorted by name, then ip and ua.
func (s *Service) ExportCSV(ctx context.Context, w io.Writer, f Filter) error {
	l, err := s.List(ctx, f)
	if err != nil {
		return err
	}
	return WriteCSV(w, l.Items)
}

// WriteCSV writes records as CSV.
func WriteCSV(w io.Writer, items []entity.Record) error {
	var fields []string
	seen := map[string]bool{}
	payloads := make([]map[string]json.RawMessage, len(items))
	for i := range items {
		p, err := items[i].Payload()
		if err != nil {
			continue
		}
		payloads[i] = p
		for k := range p {
			if !seen[k] {
				seen[k] = true
				fields = append(fields, k)
			}
		}
	}
	slices.Sort(fields)

	cw := csv.NewWriter(w)
	header := append(append([]string{"id", "createdAt"}, fields...), "ip", "ua")
	if err := cw.Write(header); err != nil {
		return err
	}
	for i := range items {
		row := make([]string, 0, len(header))
		row = append(row, items[i].ID, items[i].CreatedAt)
		for _, k := range fields {
			row = append(row, scalar(payloads[i][k]))
		}
		row = append(row, items[i].IP, items[i].UA)
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
