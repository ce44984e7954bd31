// Package archive periodically uploads the event log to S3-compatible
// object storage.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/oszuidwest/clapfinder/internal/alarm"
	"github.com/oszuidwest/clapfinder/internal/config"
	"github.com/oszuidwest/clapfinder/internal/eventlog"
	"github.com/oszuidwest/clapfinder/internal/metrics"
	"github.com/oszuidwest/clapfinder/internal/types"
)

// Sentinel errors for archive operations.
var (
	ErrNotConfigured = errors.New("S3 archive is not configured")
	ErrNoEventLog    = errors.New("event log does not exist yet")
)

const uploadTimeout = 60 * time.Second

// objectStore is the subset of the S3 API used by the archiver.
type objectStore interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// newClient creates an S3 client for cfg. A custom endpoint switches to
// path-style addressing for S3-compatible services.
func newClient(cfg *types.S3Config) *s3.Client {
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")

	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	return s3.New(s3.Options{}, func(o *s3.Options) {
		o.Credentials = creds
		o.Region = region
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
}

// Status describes the archiver.
type Status struct {
	Enabled    bool      `json:"enabled"`
	Running    bool      `json:"running"`
	Interval   string    `json:"interval,omitempty"`
	LastUpload time.Time `json:"last_upload,omitzero"`
	LastKey    string    `json:"last_key,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// Archiver uploads the event log on a fixed interval.
type Archiver struct {
	cfg     *config.Config
	events  *eventlog.Logger
	metrics *metrics.Metrics

	// newStore is replaced in tests.
	newStore func(*types.S3Config) objectStore

	mu         sync.Mutex
	task       *alarm.Task
	interval   time.Duration
	lastUpload time.Time
	lastKey    string
	lastError  string
	lastSize   int64
	lastMod    time.Time
}

// New creates a stopped archiver. Upload results are recorded in events.
func New(cfg *config.Config, events *eventlog.Logger, m *metrics.Metrics) *Archiver {
	return &Archiver{
		cfg:     cfg,
		events:  events,
		metrics: m,
		newStore: func(c *types.S3Config) objectStore {
			return newClient(c)
		},
	}
}

// Start begins periodic uploads when the archive is configured. The first
// upload happens one interval after Start.
func (a *Archiver) Start() {
	snap := a.cfg.Snapshot()
	if !snap.HasArchive() {
		slog.Info("event log archive disabled")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.task != nil && a.task.Running() {
		return
	}

	a.interval = snap.ArchiveInterval()
	a.task = alarm.NewTask("archive", a.interval, func(ctx context.Context, i int) bool {
		if i == 0 {
			return true
		}
		if _, err := a.upload(ctx, false); err != nil && !errors.Is(err, ErrNoEventLog) {
			slog.Warn("event log archive failed", "error", err)
		}
		return true
	})
	a.task.Start()
	slog.Info("event log archive started", "bucket", snap.Archive.Bucket, "interval", a.interval)
}

// Stop ends periodic uploads.
func (a *Archiver) Stop() {
	a.mu.Lock()
	task := a.task
	a.task = nil
	a.mu.Unlock()

	if task != nil {
		task.Stop()
	}
}

// Restart applies changed archive settings.
func (a *Archiver) Restart() {
	a.Stop()
	a.Start()
}

// UploadNow uploads the event log immediately, even when unchanged since
// the last upload, and returns the object key.
func (a *Archiver) UploadNow(ctx context.Context) (string, error) {
	return a.upload(ctx, true)
}

// Status returns the archiver status.
func (a *Archiver) Status() Status {
	snap := a.cfg.Snapshot()

	a.mu.Lock()
	defer a.mu.Unlock()

	status := Status{
		Enabled:    snap.HasArchive(),
		Running:    a.task != nil && a.task.Running(),
		LastUpload: a.lastUpload,
		LastKey:    a.lastKey,
		LastError:  a.lastError,
	}
	if status.Running {
		status.Interval = a.interval.String()
	}
	return status
}

// upload sends the event log to the bucket. Unless force is set, an
// unchanged log is not uploaded again.
func (a *Archiver) upload(ctx context.Context, force bool) (string, error) {
	snap := a.cfg.Snapshot()
	if !snap.HasArchive() {
		return "", ErrNotConfigured
	}

	info, err := os.Stat(snap.EventLogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoEventLog
		}
		return "", fmt.Errorf("stat event log: %w", err)
	}

	a.mu.Lock()
	unchanged := info.Size() == a.lastSize && info.ModTime().Equal(a.lastMod)
	a.mu.Unlock()
	if unchanged && !force {
		slog.Debug("event log unchanged, skipping archive")
		return "", nil
	}

	data, err := os.ReadFile(snap.EventLogPath)
	if err != nil {
		return "", fmt.Errorf("read event log: %w", err)
	}

	key := ObjectKey(snap.Archive.Prefix, snap.DeviceName, time.Now())
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	_, err = a.newStore(&snap.Archive).PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(snap.Archive.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/x-ndjson"),
	})
	a.metrics.RecordArchiveUpload(err)

	if err != nil {
		a.mu.Lock()
		a.lastError = err.Error()
		a.mu.Unlock()
		_ = a.events.LogError(eventlog.ArchiveFailed, err.Error(), 0, 0)
		return "", fmt.Errorf("upload event log: %w", err)
	}

	_ = a.events.LogArchive(key)
	// The archive entry itself does not count as a change.
	if after, err := os.Stat(snap.EventLogPath); err == nil {
		info = after
	}

	a.mu.Lock()
	a.lastError = ""
	a.lastUpload = time.Now()
	a.lastKey = key
	a.lastSize = info.Size()
	a.lastMod = info.ModTime()
	a.mu.Unlock()

	slog.Info("event log archived", "bucket", snap.Archive.Bucket, "key", key, "bytes", len(data))
	return key, nil
}

// ObjectKey returns the object key of an event log upload at t.
func ObjectKey(prefix, device string, t time.Time) string {
	name := slug(device)
	if name == "" {
		name = "clapfinder"
	}
	file := fmt.Sprintf("%s-%s.jsonl", name, t.UTC().Format("20060102T150405Z"))
	return path.Join(strings.Trim(prefix, "/"), t.UTC().Format("2006/01/02"), file)
}

// slug lowercases s and replaces everything but letters and digits with dashes.
func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// TestConnection verifies the S3 settings by uploading and deleting a probe
// object.
func TestConnection(ctx context.Context, cfg *types.S3Config) error {
	return testConnection(ctx, newClient(cfg), cfg)
}

func testConnection(ctx context.Context, store objectStore, cfg *types.S3Config) error {
	if cfg.Bucket == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return ErrNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	testKey := path.Join(strings.Trim(cfg.Prefix, "/"), fmt.Sprintf("test-connection-%d.txt", time.Now().UnixNano()))
	testContent := []byte("clapfinder connection test")

	_, err := store.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(cfg.Bucket),
		Key:           aws.String(testKey),
		Body:          bytes.NewReader(testContent),
		ContentLength: aws.Int64(int64(len(testContent))),
	})
	if err != nil {
		return fmt.Errorf("upload test file: %w", err)
	}

	_, err = store.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(cfg.Bucket),
		Key:    aws.String(testKey),
	})
	if err != nil {
		slog.Warn("failed to delete test file", "key", testKey, "error", err)
	}

	return nil
}
