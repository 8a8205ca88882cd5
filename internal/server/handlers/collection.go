package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mssola/useragent"

	"github.com/LettoKarvat/RCAFORM/internal/collection"
	"github.com/LettoKarvat/RCAFORM/internal/server/dto"
	"github.com/LettoKarvat/RCAFORM/internal/server/reqctx"
	"github.com/LettoKarvat/RCAFORM/internal/storage/entity"
)

// CollectionHandler serves the form collection.
type CollectionHandler struct {
	svc *collection.Service
}

// NewCollectionHandler creates a new collection handler.
func NewCollectionHandler(svc *collection.Service) *CollectionHandler {
	return &CollectionHandler{svc: svc}
}

// List returns the records, filtered and sorted as requested.
func (h *CollectionHandler) List(ctx context.Context, req *dto.ListRequest) (*dto.ListResponse, error) {
	l, err := h.svc.List(ctx, listFilter(req))
	if err != nil {
		return nil, ToAPIError(err)
	}
	return &dto.ListResponse{
		Items:    recordsToDTO(l.Items),
		Total:    l.Total,
		Degraded: l.Degraded,
		SyncedAt: l.SyncedAt,
	}, nil
}

// Submit stores a new record. Origin metadata is taken from the request.
func (h *CollectionHandler) Submit(ctx context.Context, req *dto.SubmitRequest) (*dto.SubmitResponse, error) {
	rec, err := h.svc.Append(ctx, collection.Submission{Payload: req.Payload, Origin: originFrom(ctx)})
	if err != nil {
		return nil, ToAPIError(err)
	}
	return &dto.SubmitResponse{Record: recordToDTO(rec)}, nil
}

// Replace overwrites the whole collection.
func (h *CollectionHandler) Replace(ctx context.Context, req *dto.ReplaceRequest) (*dto.ReplaceResponse, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(req.Items, &items); err != nil {
		return nil, dto.BadRequest(`expected {"items": [...]}`).WithDetail("field", "items").Wrap(err)
	}
	n, err := h.svc.ReplaceAll(ctx, items)
	if err != nil {
		return nil, ToAPIError(err)
	}
	slog.InfoContext(ctx, "Collection replaced", "saved", n)
	return &dto.ReplaceResponse{Saved: n}, nil
}

// Get returns one record.
func (h *CollectionHandler) Get(ctx context.Context, req *dto.RecordRequest) (*dto.Record, error) {
	rec, err := h.svc.Get(ctx, req.ID)
	if err != nil {
		return nil, ToAPIError(err)
	}
	out := recordToDTO(rec)
	return &out, nil
}

// Update replaces the payload of one record.
func (h *CollectionHandler) Update(ctx context.Context, req *dto.UpdateRequest) (*dto.Record, error) {
	rec, err := h.svc.Update(ctx, req.ID, req.Payload)
	if err != nil {
		return nil, ToAPIError(err)
	}
	out := recordToDTO(rec)
	return &out, nil
}

// Delete removes one record.
func (h *CollectionHandler) Delete(ctx context.Context, req *dto.RecordRequest) (*dto.DeleteResponse, error) {
	if err := h.svc.Delete(ctx, req.ID); err != nil {
		return nil, ToAPIError(err)
	}
	return &dto.DeleteResponse{Deleted: req.ID}, nil
}

// Resync pushes the records kept locally by failed submissions.
func (h *CollectionHandler) Resync(ctx context.Context, _ *dto.EmptyRequest) (*dto.ResyncResponse, error) {
	added, err := h.svc.Resync(ctx)
	if err != nil {
		return nil, ToAPIError(err)
	}
	return &dto.ResyncResponse{Added: added, Pending: h.svc.Pending(ctx)}, nil
}

// ExportCSV streams the filtered collection as a CSV attachment.
func (h *CollectionHandler) ExportCSV(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := &dto.ListRequest{Query: q.Get("q"), Sort: q.Get("sort"), Order: q.Get("order")}
	if err := req.Validate(); err != nil {
		writeErrorResponse(w, err)
		return
	}
	var buf bytes.Buffer
	if err := h.svc.ExportCSV(r.Context(), &buf, listFilter(req)); err != nil {
		slog.ErrorContext(r.Context(), "Failed to export collection", "err", err)
		writeErrorResponse(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="rca_form_data.csv"`)
	if _, err := buf.WriteTo(w); err != nil {
		slog.WarnContext(r.Context(), "Failed to write CSV", "err", err)
	}
}

func listFilter(req *dto.ListRequest) collection.Filter {
	return collection.Filter{Query: strings.TrimSpace(req.Query), SortBy: req.Sort, Desc: req.Desc()}
}

// originFrom collects the caller metadata stored with a new record.
func originFrom(ctx context.Context) entity.Origin {
	o := entity.Origin{
		IP:      reqctx.ClientIP(ctx),
		UA:      reqctx.UserAgent(ctx),
		Country: reqctx.CountryCode(ctx),
	}
	if o.UA != "" {
		ua := useragent.New(o.UA)
		name, version := ua.Browser()
		o.Browser = strings.TrimSpace(name + " " + version)
		o.OS = ua.OS()
	}
	return o
}
