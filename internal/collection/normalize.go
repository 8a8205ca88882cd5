package collection

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/LettoKarvat/RCAFORM/internal/storage/entity"
)

// Normalize converts a caller supplied item into a Record.
//
// An object with a "data" object is taken as a stored record. Any other
// object is a bare payload. The id is kept when present (a number is kept in
// decimal form) and generated otherwise. createdAt falls back to timestamp,
// then to now. It only fails when raw is not a JSON object.
func Normalize(raw json.RawMessage, now time.Time) (entity.Record, error) {
	if !entity.IsObject(raw) {
		return entity.Record{}, &ValidationError{Reason: "item is not a JSON object"}
	}
	var r entity.Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return entity.Record{}, &ValidationError{Reason: err.Error()}
	}
	if r.ID == "" {
		r.ID = entity.NewID(now)
	}
	if r.CreatedAt == "" {
		r.CreatedAt = entity.FormatTime(now)
	}
	return r, nil
}

// NormalizeAll normalizes items and gives a fresh id to any record repeating
// an earlier id.
func NormalizeAll(items []json.RawMessage, now time.Time) ([]entity.Record, error) {
	out := make([]entity.Record, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for i, raw := range items {
		r, err := Normalize(raw, now)
		if err != nil {
			return nil, &ValidationError{Field: fmt.Sprintf("items[%d]", i), Reason: err.Error()}
		}
		for {
			if _, dup := seen[r.ID]; !dup {
				break
			}
			r.ID = entity.NewID(now)
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	return out, nil
}
