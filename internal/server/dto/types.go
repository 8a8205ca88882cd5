package dto

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
)

// Record is a stored form entry as returned by the API.
type Record struct {
	ID        string          `json:"id"`
	CreatedAt string          `json:"createdAt"`
	Data      json.RawMessage `json:"data"`
	IP        string          `json:"ip,omitempty"`
	UA        string          `json:"ua,omitempty"`
	Country   string          `json:"country,omitempty"`
	Browser   string          `json:"browser,omitempty"`
	OS        string          `json:"os,omitempty"`
}

// EmptyRequest is used by endpoints without input.
type EmptyRequest struct{}

// Validate implements Validatable.
func (*EmptyRequest) Validate() error {
	return nil
}

// ListRequest is GET /collection.
type ListRequest struct {
	Query string `query:"q"`
	Sort  string `query:"sort"`
	Order string `query:"order"`
}

// Validate implements Validatable.
func (r *ListRequest) Validate() error {
	switch strings.ToLower(r.Order) {
	case "", "asc", "desc":
		return nil
	}
	return BadRequest("order must be asc or desc").WithDetail("field", "order")
}

// Desc reports whether descending order was requested.
func (r *ListRequest) Desc() bool {
	return strings.EqualFold(r.Order, "desc")
}

// ListResponse is the response of GET /collection.
type ListResponse struct {
	Items    []Record `json:"items"`
	Total    int      `json:"total"`
	Degraded bool     `json:"degraded,omitempty"`
	SyncedAt string   `json:"syncedAt,omitempty"`
}

// Respond flags responses served from the local mirror.
func (r *ListResponse) Respond(h http.Header) int {
	if r.Degraded {
		h.Set("X-Collection-Degraded", "true")
	}
	return http.StatusOK
}

// SubmitRequest is POST /collection: any JSON object.
type SubmitRequest struct {
	Payload json.RawMessage
}

// UnmarshalJSON keeps the body as is.
func (r *SubmitRequest) UnmarshalJSON(b []byte) error {
	r.Payload = bytes.Clone(b)
	return nil
}

// Validate implements Validatable.
func (r *SubmitRequest) Validate() error {
	if !isObject(r.Payload) {
		return BadRequest("body must be a JSON object")
	}
	return nil
}

// SubmitResponse is the stored record.
type SubmitResponse struct {
	Record
}

// Respond implements the 201 Created status.
func (*SubmitResponse) Respond(http.Header) int {
	return http.StatusCreated
}

// ReplaceRequest is PUT /collection.
type ReplaceRequest struct {
	Items json.RawMessage `json:"items"`
}

// Validate implements Validatable.
func (r *ReplaceRequest) Validate() error {
	b := bytes.TrimSpace(r.Items)
	if len(b) == 0 || b[0] != '[' {
		return BadRequest("expected {\"items\": [...]}").WithDetail("field", "items")
	}
	return nil
}

// ReplaceResponse is the response of PUT /collection.
type ReplaceResponse struct {
	Saved int `json:"saved"`
}

// RecordRequest addresses one record.
type RecordRequest struct {
	ID string `path:"id"`
}

// Validate implements Validatable.
func (r *RecordRequest) Validate() error {
	if r.ID == "" {
		return BadRequest("id is required").WithDetail("field", "id")
	}
	return nil
}

// UpdateRequest is PATCH /collection/{id}. The body is the new payload.
type UpdateRequest struct {
	ID      string `path:"id"`
	Payload json.RawMessage
}

// UnmarshalJSON keeps the body as is.
func (r *UpdateRequest) UnmarshalJSON(b []byte) error {
	r.Payload = bytes.Clone(b)
	return nil
}

// Validate implements Validatable.
func (r *UpdateRequest) Validate() error {
	if r.ID == "" {
		return BadRequest("id is required").WithDetail("field", "id")
	}
	if !isObject(r.Payload) {
		return BadRequest("body must be a JSON object")
	}
	return nil
}

// DeleteResponse is the response of DELETE /collection/{id}.
type DeleteResponse struct {
	Deleted string `json:"deleted"`
}

// ResyncResponse is the response of POST /collection/resync.
type ResyncResponse struct {
	Added   int `json:"added"`
	Pending int `json:"pending"`
}

// SessionResponse is the response of POST /collection/session.
type SessionResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
}

// HealthResponse is the response of GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
	Version string `json:"version,omitempty"`
	Pending int    `json:"pending"`
}

func isObject(b json.RawMessage) bool {
	b = bytes.TrimSpace(b)
	return len(b) > 0 && b[0] == '{' && json.Valid(b)
}
