package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/LettoKarvat/RCAFORM/internal/storage/entity"
)

// GitHubOptions configures a GitHub backend.
type GitHubOptions struct {
	Owner  string
	Repo   string
	Path   string
	Branch string
	Token  string
	// Codec defaults to CodecFor("", Path).
	Codec Codec
	// BaseURL defaults to https://api.github.com.
	BaseURL string
	// CommitterName and CommitterEmail are optional.
	CommitterName  string
	CommitterEmail string
}

// GitHub stores the collection as a file in a GitHub repository through the
// repository contents API. The version is the blob SHA of the file.
//
// GitHub enforces the precondition server side: an update carries the sha
// it replaces and a create carries none, so both are atomic.
type GitHub struct {
	opts   GitHubOptions
	client *http.Client
}

// NewGitHub returns a GitHub backend.
func NewGitHub(opts GitHubOptions) (*GitHub, error) {
	if opts.Owner == "" || opts.Repo == "" || opts.Path == "" {
		return nil, errors.New("github backend: owner, repo and path are required")
	}
	if opts.Token == "" {
		return nil, errors.New("github backend: token is required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.github.com"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	opts.Path = strings.TrimLeft(opts.Path, "/")
	if opts.Codec == nil {
		c, err := CodecFor("", opts.Path)
		if err != nil {
			return nil, err
		}
		opts.Codec = c
	}
	return &GitHub{opts: opts, client: newHTTPClient(opts.Token)}, nil
}

// Name implements Backend.
func (g *GitHub) Name() string {
	return "github"
}

type githubContent struct {
	SHA         string `json:"sha"`
	Content     string `json:"content"`
	Encoding    string `json:"encoding"`
	DownloadURL string `json:"download_url"`
}

type githubPutRequest struct {
	Message   string           `json:"message"`
	Content   string           `json:"content"`
	SHA       string           `json:"sha,omitempty"`
	Branch    string           `json:"branch,omitempty"`
	Committer *githubCommitter `json:"committer,omitempty"`
}

type githubCommitter struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type githubPutResponse struct {
	Content githubContent `json:"content"`
}

func (g *GitHub) contentsURL(withRef bool) string {
	u := fmt.Sprintf("%s/repos/%s/%s/contents/%s", g.opts.BaseURL,
		url.PathEscape(g.opts.Owner), url.PathEscape(g.opts.Repo), escapePath(g.opts.Path))
	if withRef && g.opts.Branch != "" {
		u += "?ref=" + url.QueryEscape(g.opts.Branch)
	}
	return u
}

func (g *GitHub) newRequest(ctx context.Context, method, u string, body []byte) (*http.Request, error) {
	var r io.Reader = http.NoBody
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Fetch implements Backend.
func (g *GitHub) Fetch(ctx context.Context) (*Snapshot, error) {
	c, err := g.get(ctx)
	if err != nil {
		return nil, err
	}
	data, err := g.content(ctx, c)
	if err != nil {
		return nil, err
	}
	items, err := g.opts.Codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", g.opts.Path, err)
	}
	return &Snapshot{Items: items, Version: Version(c.SHA)}, nil
}

func (g *GitHub) get(ctx context.Context) (*githubContent, error) {
	req, err := g.newRequest(ctx, http.MethodGet, g.contentsURL(true), nil)
	if err != nil {
		return nil, Unavailable("fetch", err)
	}
	resp, err := g.client.Do(req)
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
	var c githubContent
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("%w: contents response: %w", ErrMalformed, err)
	}
	return &c, nil
}

// content decodes the inline content, falling back to download_url for files
// larger than 1MB for which GitHub omits it.
func (g *GitHub) content(ctx context.Context, c *githubContent) ([]byte, error) {
	if c.Encoding == "base64" && c.Content != "" {
		// GitHub wraps base64 at 60 columns.
		data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(c.Content, "\n", ""))
		if err != nil {
			return nil, fmt.Errorf("%w: content: %w", ErrMalformed, err)
		}
		return data, nil
	}
	if c.DownloadURL == "" {
		return nil, nil
	}
	req, err := g.newRequest(ctx, http.MethodGet, c.DownloadURL, nil)
	if err != nil {
		return nil, Unavailable("fetch", err)
	}
	req.Header.Set("Accept", "application/vnd.github.raw")
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, Unavailable("fetch", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, Unavailable("fetch", statusError(resp))
	}
	data, err := readBody(resp)
	if err != nil {
		return nil, Unavailable("fetch", err)
	}
	return data, nil
}

// Commit implements Backend.
func (g *GitHub) Commit(ctx context.Context, items []entity.Record, expected Version) (Version, error) {
	data, err := g.opts.Codec.Encode(items)
	if err != nil {
		return "", fmt.Errorf("failed to encode collection: %w", err)
	}
	body := githubPutRequest{
		Message: "chore(data): update " + g.opts.Path,
		Content: base64.StdEncoding.EncodeToString(data),
		SHA:     string(expected),
		Branch:  g.opts.Branch,
	}
	if g.opts.CommitterName != "" && g.opts.CommitterEmail != "" {
		body.Committer = &githubCommitter{Name: g.opts.CommitterName, Email: g.opts.CommitterEmail}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := g.newRequest(ctx, http.MethodPut, g.contentsURL(false), raw)
	if err != nil {
		return "", Unavailable("commit", err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return "", Unavailable("commit", err)
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusConflict, http.StatusUnprocessableEntity:
		// 409: sha does not match. 422: sha missing for an existing file.
		_ = statusError(resp)
		return "", &ConflictError{Expected: expected}
	case http.StatusNotFound:
		if !expected.IsZero() {
			_ = resp.Body.Close()
			return "", &ConflictError{Expected: expected}
		}
		return "", Unavailable("commit", statusError(resp))
	default:
		return "", Unavailable("commit", statusError(resp))
	}
	b, err := readBody(resp)
	if err != nil {
		return "", Unavailable("commit", err)
	}
	var out githubPutResponse
	if err := json.Unmarshal(b, &out); err != nil || out.Content.SHA == "" {
		return "", Unavailable("commit", fmt.Errorf("unexpected contents response: %s", b))
	}
	return Version(out.Content.SHA), nil
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}
