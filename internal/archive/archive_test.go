package archive

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/oszuidwest/clapfinder/internal/config"
	"github.com/oszuidwest/clapfinder/internal/eventlog"
	"github.com/oszuidwest/clapfinder/internal/types"
)

type fakeStore struct {
	mu      sync.Mutex
	puts    map[string]string
	deletes []string
	putErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{puts: make(map[string]string)}
}

func (f *fakeStore) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts[*in.Key] = string(data)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeStore) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func testS3Config() types.S3Config {
	return types.S3Config{
		Bucket:          "claps",
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		Prefix:          "/logs/",
		IntervalMinutes: 5,
	}
}

// newTestArchiver returns an archiver with one event in its log.
func newTestArchiver(t *testing.T, store *fakeStore) (*Archiver, *eventlog.Logger) {
	t.Helper()
	cfg := config.New(filepath.Join(t.TempDir(), "config.json"))
	if err := cfg.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.SetArchiveConfig(testS3Config()); err != nil {
		t.Fatalf("SetArchiveConfig: %v", err)
	}

	events, err := eventlog.NewLogger(cfg.Snapshot().EventLogPath)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	t.Cleanup(func() { _ = events.Close() })
	if err := events.LogListening(eventlog.ListeningStarted, "default"); err != nil {
		t.Fatal(err)
	}

	a := New(cfg, events, nil)
	a.newStore = func(*types.S3Config) objectStore { return store }
	return a, events
}

func TestUploadNow(t *testing.T) {
	store := newFakeStore()
	a, _ := newTestArchiver(t, store)

	key, err := a.UploadNow(t.Context())
	if err != nil {
		t.Fatalf("UploadNow() error = %v", err)
	}
	if !strings.HasPrefix(key, "logs/") || !strings.HasSuffix(key, ".jsonl") {
		t.Errorf("key = %q", key)
	}
	if body := store.puts[key]; !strings.Contains(body, "listening_started") {
		t.Errorf("uploaded body = %q", body)
	}

	status := a.Status()
	if !status.Enabled || status.LastKey != key || status.LastUpload.IsZero() {
		t.Errorf("Status() = %+v", status)
	}
}

func TestPeriodicUploadSkipsUnchangedLog(t *testing.T) {
	store := newFakeStore()
	a, events := newTestArchiver(t, store)

	if _, err := a.upload(t.Context(), false); err != nil {
		t.Fatalf("first upload: %v", err)
	}
	key, err := a.upload(t.Context(), false)
	if err != nil || key != "" {
		t.Fatalf("unchanged upload = %q, %v; want skipped", key, err)
	}

	_ = events.LogListening(eventlog.ListeningStopped, "default")
	if key, err := a.upload(t.Context(), false); err != nil || key == "" {
		t.Errorf("changed upload = %q, %v; want a new key", key, err)
	}
}

func TestUploadFailureIsRecorded(t *testing.T) {
	store := newFakeStore()
	store.putErr = errors.New("access denied")
	a, events := newTestArchiver(t, store)

	if _, err := a.UploadNow(t.Context()); err == nil {
		t.Fatal("UploadNow() succeeded, want error")
	}
	if got := a.Status().LastError; got != "access denied" {
		t.Errorf("LastError = %q", got)
	}

	logged, _, err := eventlog.ReadLast(events.Path(), 1, 0, eventlog.FilterArchive)
	if err != nil || len(logged) != 1 || logged[0].Type != eventlog.ArchiveFailed {
		t.Errorf("archive events = %+v, %v", logged, err)
	}
}

func TestUploadNotConfigured(t *testing.T) {
	cfg := config.New(filepath.Join(t.TempDir(), "config.json"))
	if err := cfg.Load(); err != nil {
		t.Fatal(err)
	}
	a := New(cfg, nil, nil)
	if _, err := a.UploadNow(t.Context()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("UploadNow() error = %v, want ErrNotConfigured", err)
	}

	a.Start()
	if a.Status().Running {
		t.Error("archiver running without configuration")
	}
}

func TestStartStop(t *testing.T) {
	a, _ := newTestArchiver(t, newFakeStore())
	a.Start()
	status := a.Status()
	if !status.Running || status.Interval != (5*time.Minute).String() {
		t.Errorf("Status() after Start = %+v", status)
	}
	a.Stop()
	if a.Status().Running {
		t.Error("archiver still running after Stop")
	}
}

func TestObjectKey(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 30, 45, 0, time.UTC)
	tests := []struct {
		prefix, device, want string
	}{
		{"", "Clap Finder", "2026/03/01/clap-finder-20260301T123045Z.jsonl"},
		{"/archive/", "Kitchen #2", "archive/2026/03/01/kitchen-2-20260301T123045Z.jsonl"},
		{"a/b", "!!!", "a/b/2026/03/01/clapfinder-20260301T123045Z.jsonl"},
	}
	for _, tt := range tests {
		if got := ObjectKey(tt.prefix, tt.device, ts); got != tt.want {
			t.Errorf("ObjectKey(%q, %q) = %q, want %q", tt.prefix, tt.device, got, tt.want)
		}
	}
}

func TestTestConnectionFake(t *testing.T) {
	store := newFakeStore()
	cfg := testS3Config()
	if err := testConnection(t.Context(), store, &cfg); err != nil {
		t.Fatalf("testConnection() error = %v", err)
	}
	if len(store.puts) != 1 || len(store.deletes) != 1 {
		t.Errorf("puts = %d, deletes = %d; want 1, 1", len(store.puts), len(store.deletes))
	}

	if err := testConnection(t.Context(), store, &types.S3Config{}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("empty config error = %v, want ErrNotConfigured", err)
	}
}

func TestTestConnectionEndpoint(t *testing.T) {
	var mu sync.Mutex
	var methods []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		methods = append(methods, r.Method+" "+strings.SplitN(r.URL.Path, "/", 3)[1])
		mu.Unlock()
		_, _ = io.Copy(io.Discard, r.Body)
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testS3Config()
	cfg.Endpoint = srv.URL
	if err := TestConnection(t.Context(), &cfg); err != nil {
		t.Fatalf("TestConnection() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(methods) != 2 || methods[0] != "PUT claps" || methods[1] != "DELETE claps" {
		t.Errorf("requests = %v, want path-style PUT and DELETE on the bucket", methods)
	}
}
