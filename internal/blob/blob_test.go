package blob

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// fakeBlobServer implements the conditional-upload contract: PUT succeeds
// only when If-Match names the current version (or If-None-Match: * and no
// blob exists).
type fakeBlobServer struct {
	mu      sync.Mutex
	data    []byte
	version int
}

func (f *fakeBlobServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		if r.URL.Path != "/blob" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		tag := fmt.Sprintf("%q", fmt.Sprintf("v%d", f.version))
		switch r.Method {
		case http.MethodGet:
			if f.data == nil {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("ETag", tag)
			w.Write(f.data)
		case http.MethodPut:
			if f.data == nil {
				if r.Header.Get("If-None-Match") != "*" {
					w.WriteHeader(http.StatusPreconditionFailed)
					return
				}
			} else if r.Header.Get("If-Match") != tag {
				w.WriteHeader(http.StatusPreconditionFailed)
				return
			}
			body := make([]byte, r.ContentLength)
			r.Body.Read(body)
			f.data = body
			f.version++
			w.Header().Set("ETag", fmt.Sprintf("%q", fmt.Sprintf("v%d", f.version)))
			w.WriteHeader(http.StatusOK)
		case http.MethodDelete:
			f.data = nil
			w.WriteHeader(http.StatusNoContent)
		}
	})
}

func newTestClient(t *testing.T) (*Client, *fakeBlobServer) {
	t.Helper()
	fake := &fakeBlobServer{}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	return New(srv.URL), fake
}

func TestDownloadMissingBlob(t *testing.T) {
	c, _ := newTestClient(t)

	_, _, err := c.Download(context.Background(), "token")
	if !errors.Is(err, ErrNoBlob) {
		t.Errorf("expected ErrNoBlob, got %v", err)
	}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	tag, err := c.Upload(ctx, "token", []byte("snapshot-1"), "")
	if err != nil {
		t.Fatalf("initial Upload: %v", err)
	}
	if tag == "" {
		t.Fatal("expected version tag from upload")
	}

	data, gotTag, err := c.Download(ctx, "token")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(data) != "snapshot-1" {
		t.Errorf("data mismatch: %q", data)
	}
	if gotTag != tag {
		t.Errorf("tag mismatch: %q vs %q", gotTag, tag)
	}

	// Conditional replace with the current tag succeeds and bumps the tag.
	tag2, err := c.Upload(ctx, "token", []byte("snapshot-2"), tag)
	if err != nil {
		t.Fatalf("conditional Upload: %v", err)
	}
	if tag2 == tag {
		t.Error("expected new version tag after upload")
	}
}

func TestUploadLosesRace(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	tag, err := c.Upload(ctx, "token", []byte("device-a"), "")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	// Another device uploads first.
	if _, err := c.Upload(ctx, "token", []byte("device-b"), tag); err != nil {
		t.Fatalf("device-b Upload: %v", err)
	}

	// Our stale tag must be rejected, and the rejection is not retryable.
	_, err = c.Upload(ctx, "token", []byte("device-a-again"), tag)
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed, got %v", err)
	}
	if IsRetryable(err) {
		t.Error("precondition failure must not be classified retryable")
	}

	// Blind create against an existing blob is also rejected.
	if _, err := c.Upload(ctx, "token", []byte("x"), ""); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("expected ErrPreconditionFailed for blind create, got %v", err)
	}
}

func TestServerErrorsAreRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL)
	ctx := context.Background()

	if _, _, err := c.Download(ctx, "token"); !IsRetryable(err) {
		t.Errorf("expected retryable download error, got %v", err)
	}
	if _, err := c.Upload(ctx, "token", []byte("x"), ""); !IsRetryable(err) {
		t.Errorf("expected retryable upload error, got %v", err)
	}
	if err := c.Delete(ctx, "token"); !IsRetryable(err) {
		t.Errorf("expected retryable delete error, got %v", err)
	}
}

func TestConnectionFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse all connections

	c := New(srv.URL)
	if _, _, err := c.Download(context.Background(), "token"); !IsRetryable(err) {
		t.Errorf("expected retryable connection error, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	if _, err := c.Upload(ctx, "token", []byte("snapshot"), ""); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := c.Delete(ctx, "token"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := c.Download(ctx, "token"); !errors.Is(err, ErrNoBlob) {
		t.Errorf("expected ErrNoBlob after delete, got %v", err)
	}
	// Deleting again is fine.
	if err := c.Delete(ctx, "token"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}
