// Package testutil provides shared test utilities and mocks for zipperd tests.
package testutil

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/zipperd/zipperd/internal/storage"
	"github.com/zipperd/zipperd/pkg/wire"
)

// TempDir creates a temporary directory for testing and returns a cleanup function.
func TempDir(t *testing.T) (string, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "zipperd-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	return dir, func() {
		_ = os.RemoveAll(dir)
	}
}

// TempFile creates a temporary file with the given content and returns its path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// NewLocalBucket creates a disk-backed bucket rooted in a fresh temp dir.
func NewLocalBucket(t *testing.T, name string) (*storage.LocalClient, storage.Bucket) {
	t.Helper()
	client, err := storage.NewLocalClient(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	return client, client.Bucket(name)
}

// SeedBucket writes the given objects into a bucket.
func SeedBucket(t *testing.T, bucket storage.Bucket, objects map[string][]byte) {
	t.Helper()
	for name, data := range objects {
		w := bucket.Object(name).NewWriter(context.Background())
		if _, err := w.Write(data); err != nil {
			t.Fatalf("failed to seed object %s: %v", name, err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("failed to seed object %s: %v", name, err)
		}
	}
}

// NotificationRecorder is an HTTP endpoint that captures decoded
// notification messages for assertions.
type NotificationRecorder struct {
	mu       sync.Mutex
	messages []*wire.UserNotificationMessage
	server   *httptest.Server
}

// NewNotificationRecorder starts a recording notification endpoint. The
// server is shut down via t.Cleanup.
func NewNotificationRecorder(t *testing.T) *NotificationRecorder {
	t.Helper()
	r := &NotificationRecorder{}
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		msg, err := wire.DecodeUserNotification(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		r.mu.Lock()
		r.messages = append(r.messages, msg)
		r.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(r.server.Close)
	return r
}

// URL is the endpoint to point a notification sender at.
func (r *NotificationRecorder) URL() string {
	return r.server.URL
}

// Messages returns a snapshot of everything received so far.
func (r *NotificationRecorder) Messages() []*wire.UserNotificationMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*wire.UserNotificationMessage, len(r.messages))
	copy(out, r.messages)
	return out
}
