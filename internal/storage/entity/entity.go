// Package entity defines the records stored in a collection document.
//
// A collection is persisted as one JSON array of [Record]. Two element shapes
// are accepted on read:
//   - the stored shape {"id", "createdAt", "data": {...}, "ip", "ua", ...}
//   - a bare payload object (legacy documents written by the browser-only
//     revisions), where the whole object is the payload and "id" and
//     "timestamp" are read from it.
//
// Both decode to the same [Record]; encoding always produces the stored shape.
package entity

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// TimeFormat is the layout of CreatedAt for records created by this package.
// It matches JavaScript's Date.prototype.toISOString.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// ErrNotObject is returned when a record or payload is not a JSON object.
var ErrNotObject = errors.New("not a JSON object")

// Origin is optional request metadata captured when a record is submitted.
type Origin struct {
	IP      string `json:"ip,omitempty" jsonschema:"description=Caller address"`
	UA      string `json:"ua,omitempty" jsonschema:"description=Caller user agent"`
	Country string `json:"country,omitempty" jsonschema:"description=ISO 3166-1 alpha-2 country of the caller address"`
	Browser string `json:"browser,omitempty"`
	OS      string `json:"os,omitempty"`
}

// IsZero reports whether no origin metadata was captured.
func (o *Origin) IsZero() bool {
	return *o == Origin{}
}

// Record is one submitted form entry.
type Record struct {
	// ID is unique within a collection and never changes.
	ID string `json:"id" jsonschema:"description=Unique record identifier"`
	// CreatedAt is set once when the record is created.
	CreatedAt string `json:"createdAt"`
	// Data is the opaque payload. It is always a JSON object.
	Data json.RawMessage `json:"data" jsonschema:"type=object"`
	Origin
}

// Clone returns a deep copy.
func (r *Record) Clone() Record {
	c := *r
	c.Data = bytes.Clone(r.Data)
	return c
}

// Created parses CreatedAt. Legacy records may carry free-form timestamps, in
// which case false is returned.
func (r *Record) Created() (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, time.DateTime, "02/01/2006 15:04:05", "02/01/2006, 15:04:05"} {
		if t, err := time.Parse(layout, r.CreatedAt); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Payload decodes Data into a map of raw values.
func (r *Record) Payload() (map[string]json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(r.Data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrNotObject
	}
	return m, nil
}

// MarshalJSON encodes the stored shape. A nil payload is written as {}.
func (r Record) MarshalJSON() ([]byte, error) {
	type stored Record
	s := stored(r)
	if len(s.Data) == 0 {
		s.Data = json.RawMessage("{}")
	}
	return json.Marshal(s)
}

// UnmarshalJSON accepts both the stored shape and a bare payload object.
func (r *Record) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	if fields == nil {
		return ErrNotObject
	}
	if data, ok := fields["data"]; ok && IsObject(data) {
		// Field by field so that a numeric id or a stray type never fails
		// the whole record.
		*r = Record{
			ID:        StringField(fields["id"]),
			CreatedAt: StringField(fields["createdAt"]),
			Data:      bytes.Clone(data),
			Origin: Origin{
				IP:      StringField(fields["ip"]),
				UA:      StringField(fields["ua"]),
				Country: StringField(fields["country"]),
				Browser: StringField(fields["browser"]),
				OS:      StringField(fields["os"]),
			},
		}
		if r.CreatedAt == "" {
			r.CreatedAt = StringField(fields["timestamp"])
		}
		return nil
	}
	// Bare payload: keep the whole object and lift the identifying fields.
	*r = Record{
		ID:        StringField(fields["id"]),
		CreatedAt: StringField(fields["createdAt"]),
		Data:      bytes.Clone(b),
	}
	if r.CreatedAt == "" {
		r.CreatedAt = StringField(fields["timestamp"])
	}
	return nil
}

// IsObject reports whether raw holds a JSON object.
func IsObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return false
	}
	return json.Valid(raw)
}

// StringField renders a raw JSON scalar as a string. Strings are unquoted and
// numbers are kept in their decimal form; anything else yields "".
func StringField(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return ""
		}
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return n.String()
	default:
		return ""
	}
}

// CloneAll deep copies a slice of records. nil stays nil.
func CloneAll(items []Record) []Record {
	if items == nil {
		return nil
	}
	out := make([]Record, len(items))
	for i := range items {
		out[i] = items[i].Clone()
	}
	return out
}
