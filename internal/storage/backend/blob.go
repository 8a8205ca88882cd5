package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/LettoKarvat/RCAFORM/internal/storage/entity"
)

// BlobOptions configures a Blob backend.
type BlobOptions struct {
	// URL is the object URL.
	URL string
	// Token is sent as a bearer token when set.
	Token string
	// Codec defaults to CodecFor("", URL).
	Codec Codec
}

// Blob stores the collection as a single object behind an HTTP endpoint that
// supports entity tags and conditional requests (S3-compatible stores, most
// blob services, WebDAV). The version is the ETag.
//
// Updates send If-Match and creates send If-None-Match: *, so the precondition
// is enforced by the server.
type Blob struct {
	url    string
	codec  Codec
	client *http.Client
}

// NewBlob returns a Blob backend.
func NewBlob(opts BlobOptions) (*Blob, error) {
	if opts.URL == "" {
		return nil, errors.New("blob backend: url is required")
	}
	if opts.Codec == nil {
		c, err := CodecFor("", opts.URL)
		if err != nil {
			return nil, err
		}
		opts.Codec = c
	}
	return &Blob{url: opts.URL, codec: opts.Codec, client: newHTTPClient(opts.Token)}, nil
}

// Name implements Backend.
func (b *Blob) Name() string {
	return "blob"
}

// Fetch implements Backend.
func (b *Blob) Fetch(ctx context.Context) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url, http.NoBody)
	if err != nil {
		return nil, Unavailable("fetch", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, Unavailable("fetch", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, Unavailable("fetch", statusError(resp))
	}
	etag := resp.Header.Get("ETag")
	data, err := readBody(resp)
	if err != nil {
		return nil, Unavailable("fetch", err)
	}
	items, err := b.codec.Decode(data)
	if err != nil {
		return nil, err
	}
	if etag == "" {
		return nil, Unavailable("fetch", errors.New("server did not return an ETag"))
	}
	return &Snapshot{Items: items, Version: Version(etag)}, nil
}

// Commit implements Backend.
func (b *Blob) Commit(ctx context.Context, items []entity.Record, expected Version) (Version, error) {
	data, err := b.codec.Encode(items)
	if err != nil {
		return "", fmt.Errorf("failed to encode collection: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, b.url, bytes.NewReader(data))
	if err != nil {
		return "", Unavailable("commit", err)
	}
	req.Header.Set("Content-Type", contentType(b.codec))
	if expected.IsZero() {
		req.Header.Set("If-None-Match", "*")
	} else {
		req.Header.Set("If-Match", string(expected))
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return "", Unavailable("commit", err)
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
	case http.StatusPreconditionFailed, http.StatusConflict:
		_ = statusError(resp)
		return "", &ConflictError{Expected: expected}
	default:
		return "", Unavailable("commit", statusError(resp))
	}
	_ = resp.Body.Close()
	if etag := resp.Header.Get("ETag"); etag != "" {
		return Version(etag), nil
	}
	return b.head(ctx)
}

// head asks for the ETag when the PUT response did not carry one.
func (b *Blob) head(ctx context.Context) (Version, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, b.url, http.NoBody)
	if err != nil {
		return "", Unavailable("commit", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return "", Unavailable("commit", err)
	}
	_ = resp.Body.Close()
	etag := resp.Header.Get("ETag")
	if resp.StatusCode != http.StatusOK || etag == "" {
		return "", Unavailable("commit", fmt.Errorf("no ETag after write (HTTP %d)", resp.StatusCode))
	}
	return Version(etag), nil
}

func contentType(c Codec) string {
	if _, ok := c.(ModuleCodec); ok {
		return "text/javascript; charset=utf-8"
	}
	return "application/json"
}
