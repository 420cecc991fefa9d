// Package archive uploads batch save reports to object storage for audit.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/example/roster-sync/internal/save"
)

const (
	defaultQueueSize    = 256
	defaultFlushTimeout = 5 * time.Second
	objectTimeLayout    = "20060102T150405.000000000Z"
)

var reportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "archive",
	Name:      "reports_total",
	Help:      "Batch reports handled by the archive worker.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(reportsTotal)
}

// Uploader stores one object.
type Uploader interface {
	Upload(ctx context.Context, path string, data []byte) error
}

// MinioUploader writes objects into a bucket.
type MinioUploader struct {
	client *minio.Client
	bucket string
}

// NewMinioUploader wraps client for bucket.
func NewMinioUploader(client *minio.Client, bucket string) *MinioUploader {
	return &MinioUploader{client: client, bucket: bucket}
}

// Upload implements Uploader.
func (u *MinioUploader) Upload(ctx context.Context, path string, data []byte) error {
	_, err := u.client.PutObject(ctx, u.bucket, path, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

// EnsureBucket creates bucket when it does not exist.
func EnsureBucket(ctx context.Context, client *minio.Client, bucket, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return nil
}

// Worker queues reports and uploads them in the background. Enqueue never
// blocks the save path; reports are dropped when the queue is full.
type Worker struct {
	uploader     Uploader
	queue        chan save.Report
	done         chan struct{}
	flushTimeout time.Duration
	logger       zerolog.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithQueueSize sets the report buffer.
func WithQueueSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.queue = make(chan save.Report, n)
		}
	}
}

// NewWorker constructs a worker writing through uploader.
func NewWorker(uploader Uploader, logger zerolog.Logger, opts ...Option) *Worker {
	w := &Worker{
		uploader:     uploader,
		queue:        make(chan save.Report, defaultQueueSize),
		done:         make(chan struct{}),
		flushTimeout: defaultFlushTimeout,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Enqueue implements save.Reporter.
func (w *Worker) Enqueue(report save.Report) {
	select {
	case w.queue <- report:
	default:
		reportsTotal.WithLabelValues("dropped").Inc()
		w.logger.Warn().Str("view", string(report.View)).Msg("archive queue full; report dropped")
	}
}

// Start uploads queued reports until ctx is cancelled, then drains what is
// left within the flush timeout.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

// Done is closed after the worker has drained its queue.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case report := <-w.queue:
			w.process(ctx, report)
		case <-ctx.Done():
			w.drain()
			return
		}
	}
}

func (w *Worker) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), w.flushTimeout)
	defer cancel()
	for {
		select {
		case report := <-w.queue:
			w.process(ctx, report)
		default:
			return
		}
	}
}

func (w *Worker) process(ctx context.Context, report save.Report) {
	data, err := json.Marshal(report)
	if err != nil {
		reportsTotal.WithLabelValues("error").Inc()
		w.logger.Error().Err(err).Msg("encode batch report")
		return
	}
	path := ObjectPath(report)
	if err := w.uploader.Upload(ctx, path, data); err != nil {
		reportsTotal.WithLabelValues("error").Inc()
		w.logger.Error().Err(err).Str("path", path).Msg("batch report upload failed")
		return
	}
	reportsTotal.WithLabelValues("ok").Inc()
	w.logger.Debug().Str("path", path).Msg("batch report archived")
}

// ObjectPath returns reports/<collection>/<scope key>/<view>/<finished>.json.
func ObjectPath(r save.Report) string {
	return fmt.Sprintf("reports/%s/%s/%s/%s.json",
		r.Scope.Collection, r.Scope.Key, r.View, r.FinishedAt.UTC().Format(objectTimeLayout))
}
