package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/LettoKarvat/RCAFORM/internal/storage/entity"
)

// IDStore persists a single identifier, such as the id of a bin created on
// first write.
type IDStore interface {
	Load() (string, error)
	Store(id string) error
}

// JSONBinOptions configures a JSONBin backend.
type JSONBinOptions struct {
	MasterKey string
	AccessKey string
	// BinID is the bin to use. When empty, the id is read from IDs and a bin
	// is created on the first commit.
	BinID string
	IDs   IDStore
	// BaseURL defaults to https://api.jsonbin.io/v3.
	BaseURL string
	// Name is sent as X-Bin-Name when a bin is created.
	Name string
}

// JSONBin stores the collection in a JSONBin.io v3 bin. The version is a
// content hash of the bin record.
//
// The API has no conditional update, so Commit compares the current hash then
// writes. Two writers racing between the two requests can both succeed and
// the second overwrites the first. Create is emulated the same way: a bin is
// created only if no bin id is known yet.
type JSONBin struct {
	opts   JSONBinOptions
	client *http.Client

	mu    sync.Mutex
	binID string
}

// NewJSONBin returns a JSONBin backend.
func NewJSONBin(opts JSONBinOptions) (*JSONBin, error) {
	if opts.MasterKey == "" && opts.AccessKey == "" {
		return nil, errors.New("jsonbin backend: master key or access key is required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.jsonbin.io/v3"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	j := &JSONBin{opts: opts, client: newHTTPClient(""), binID: opts.BinID}
	if j.binID == "" && opts.IDs != nil {
		id, err := opts.IDs.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load bin id: %w", err)
		}
		j.binID = id
	}
	return j, nil
}

// Name implements Backend.
func (j *JSONBin) Name() string {
	return "jsonbin"
}

// BinID returns the current bin id, empty until a bin exists.
func (j *JSONBin) BinID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.binID
}

type jsonbinResponse struct {
	Record   json.RawMessage `json:"record"`
	Metadata struct {
		ID string `json:"id"`
	} `json:"metadata"`
	Message string `json:"message"`
}

func (j *JSONBin) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var r io.Reader = http.NoBody
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, j.opts.BaseURL+path, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if j.opts.MasterKey != "" {
		req.Header.Set("X-Master-Key", j.opts.MasterKey)
	}
	if j.opts.AccessKey != "" {
		req.Header.Set("X-Access-Key", j.opts.AccessKey)
	}
	if method == http.MethodPost && j.opts.Name != "" {
		req.Header.Set("X-Bin-Name", j.opts.Name)
	}
	return j.client.Do(req)
}

// Fetch implements Backend.
func (j *JSONBin) Fetch(ctx context.Context) (*Snapshot, error) {
	binID := j.BinID()
	if binID == "" {
		return nil, ErrNotFound
	}
	record, err := j.latest(ctx, binID)
	if err != nil {
		return nil, err
	}
	items, err := JSONCodec{}.Decode(record)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Items: items, Version: recordVersion(record)}, nil
}

func (j *JSONBin) latest(ctx context.Context, binID string) ([]byte, error) {
	resp, err := j.do(ctx, http.MethodGet, "/b/"+binID+"/latest", nil)
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
	b, err := readBody(resp)
	if err != nil {
		return nil, Unavailable("fetch", err)
	}
	var out jsonbinResponse
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("%w: bin response: %w", ErrMalformed, err)
	}
	return out.Record, nil
}

// Commit implements Backend.
func (j *JSONBin) Commit(ctx context.Context, items []entity.Record, expected Version) (Version, error) {
	data, err := JSONCodec{}.Encode(items)
	if err != nil {
		return "", fmt.Errorf("failed to encode collection: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.binID == "" {
		if !expected.IsZero() {
			return "", &ConflictError{Expected: expected}
		}
		return j.create(ctx, data)
	}
	if expected.IsZero() {
		return "", &ConflictError{Expected: expected}
	}
	record, err := j.latest(ctx, j.binID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", &ConflictError{Expected: expected}
		}
		return "", err
	}
	if current := recordVersion(record); current != expected {
		return "", &ConflictError{Expected: expected, Current: current}
	}
	resp, err := j.do(ctx, http.MethodPut, "/b/"+j.binID, data)
	if err != nil {
		return "", Unavailable("commit", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", Unavailable("commit", statusError(resp))
	}
	b, err := readBody(resp)
	if err != nil {
		return "", Unavailable("commit", err)
	}
	var out jsonbinResponse
	if err := json.Unmarshal(b, &out); err == nil && len(out.Record) != 0 {
		return recordVersion(out.Record), nil
	}
	return recordVersion(data), nil
}

// create makes a new bin holding data. Must be called with j.mu held.
func (j *JSONBin) create(ctx context.Context, data []byte) (Version, error) {
	resp, err := j.do(ctx, http.MethodPost, "/b", data)
	if err != nil {
		return "", Unavailable("commit", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", Unavailable("commit", statusError(resp))
	}
	b, err := readBody(resp)
	if err != nil {
		return "", Unavailable("commit", err)
	}
	var out jsonbinResponse
	if err := json.Unmarshal(b, &out); err != nil || out.Metadata.ID == "" {
		return "", Unavailable("commit", fmt.Errorf("bin created without metadata.id: %s", b))
	}
	j.binID = out.Metadata.ID
	if j.opts.IDs != nil {
		if err := j.opts.IDs.Store(j.binID); err != nil {
			slog.WarnContext(ctx, "Bin created but its id was not saved; set it in the configuration", "bin", j.binID, "err", err)
		}
	}
	if len(out.Record) != 0 {
		return recordVersion(out.Record), nil
	}
	return recordVersion(data), nil
}

// recordVersion hashes the compacted record so formatting differences between
// what was sent and what the API echoes do not change the version.
func recordVersion(record []byte) Version {
	var buf bytes.Buffer
	if err := json.Compact(&buf, record); err != nil {
		return contentVersion(record)
	}
	return contentVersion(buf.Bytes())
}
