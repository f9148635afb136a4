// Package blob is the client for the remote blob store that holds one
// encrypted database snapshot per user. Uploads are conditional: the server
// applies an upload only when the caller's If-Match tag still names the
// current version, which is what lets two devices sync against the same blob
// without a lock.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrPreconditionFailed is returned when a conditional upload loses the race:
// the blob changed since the version tag was read. The caller must re-download,
// re-merge, and try again.
var ErrPreconditionFailed = errors.New("blob version changed since download")

// ErrNoBlob is returned when the user has no blob yet (first sync from a
// fresh account).
var ErrNoBlob = errors.New("no blob stored for user")

// TransportError marks a failure as transient: network trouble or a 5xx from
// the server. The sync engine retries these with backoff; everything else is
// permanent.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("blob %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Client talks to the blob store over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client targeting the given blob store base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Download fetches the current blob and its version tag. ErrNoBlob means the
// user has never uploaded.
func (c *Client) Download(ctx context.Context, authToken string) ([]byte, string, error) {
	resp, err := c.do(ctx, http.MethodGet, authToken, "", nil)
	if err != nil {
		return nil, "", &TransportError{Op: "download", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, "", ErrNoBlob
	case resp.StatusCode >= 500:
		return nil, "", &TransportError{Op: "download", Err: fmt.Errorf("server status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, "", fmt.Errorf("downloading blob: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", &TransportError{Op: "download", Err: err}
	}
	return data, resp.Header.Get("ETag"), nil
}

// Upload stores data conditionally. ifMatch is the version tag from the
// matching Download, or empty for a create that requires no blob to exist
// yet. On success the new version tag is returned.
func (c *Client) Upload(ctx context.Context, authToken string, data []byte, ifMatch string) (string, error) {
	resp, err := c.do(ctx, http.MethodPut, authToken, ifMatch, bytes.NewReader(data))
	if err != nil {
		return "", &TransportError{Op: "upload", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPreconditionFailed:
		return "", ErrPreconditionFailed
	case resp.StatusCode >= 500:
		return "", &TransportError{Op: "upload", Err: fmt.Errorf("server status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		return "", fmt.Errorf("uploading blob: unexpected status %d", resp.StatusCode)
	}
	return resp.Header.Get("ETag"), nil
}

// Delete removes the user's blob. Deleting a missing blob is not an error.
func (c *Client) Delete(ctx context.Context, authToken string) error {
	resp, err := c.do(ctx, http.MethodDelete, authToken, "", nil)
	if err != nil {
		return &TransportError{Op: "delete", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return &TransportError{Op: "delete", Err: fmt.Errorf("server status %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusNoContent, resp.StatusCode == http.StatusNotFound:
		return nil
	}
	return fmt.Errorf("deleting blob: unexpected status %d", resp.StatusCode)
}

func (c *Client) do(ctx context.Context, method, authToken, ifMatch string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/blob", body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+authToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	if ifMatch != "" {
		req.Header.Set("If-Match", ifMatch)
	} else if method == http.MethodPut {
		// Create only if nothing exists yet.
		req.Header.Set("If-None-Match", "*")
	}
	return c.httpClient.Do(req)
}

// IsRetryable reports whether err is a transient failure worth retrying.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
