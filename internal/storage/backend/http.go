package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const maxDocumentSize = 32 << 20

// defaultHTTPTimeout bounds a single remote call when the caller's context
// has no deadline.
const defaultHTTPTimeout = 30 * time.Second

// newHTTPClient returns a client that authenticates with a bearer token when
// one is given.
func newHTTPClient(token string) *http.Client {
	if token == "" {
		return &http.Client{Timeout: defaultHTTPTimeout}
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	c := oauth2.NewClient(context.Background(), ts)
	c.Timeout = defaultHTTPTimeout
	return c
}

// StatusError is an unexpected HTTP status from a remote store.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// readBody reads at most maxDocumentSize bytes and closes the body.
func readBody(resp *http.Response) ([]byte, error) {
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxDocumentSize {
		return nil, fmt.Errorf("%w: document exceeds %d bytes", ErrMalformed, maxDocumentSize)
	}
	return b, nil
}

// statusError drains resp and returns its status as an error.
func statusError(resp *http.Response) error {
	b, _ := readBody(resp)
	body := strings.TrimSpace(string(b))
	if len(body) > 200 {
		body = body[:200] + "…"
	}
	return &StatusError{StatusCode: resp.StatusCode, Body: body}
}
