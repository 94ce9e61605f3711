package tracelog

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"minewatch/internal/config"
)

// Archiver ships rotated trace-log files to S3 as gzipped objects.
type Archiver struct {
	client *s3.Client
	cfg    config.ArchiveConfig
	logger *slog.Logger

	objectsUploaded atomic.Int64
	bytesUploaded   atomic.Int64
	uploadErrors    atomic.Int64
}

// NewArchiver creates an Archiver from the configuration. Static credentials
// are used when provided; otherwise the default AWS credential chain applies.
func NewArchiver(ctx context.Context, cfg config.ArchiveConfig, logger *slog.Logger) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("tracelog: archive bucket is required")
	}
	if cfg.Region == "" {
		return nil, errors.New("tracelog: archive region is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		opts = append(opts, awsconfig.WithCredentialsProvider(creds))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("tracelog: load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	a := &Archiver{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		cfg:    cfg,
		logger: logger,
	}

	logger.Info("trace log archiver initialized",
		"bucket", cfg.Bucket,
		"region", cfg.Region,
		"prefix", cfg.Prefix,
	)

	return a, nil
}

// ArchiveFile gzips the file, uploads it under the configured prefix and
// removes the local copy on success.
func (a *Archiver) ArchiveFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("tracelog: read %s: %w", path, err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return fmt.Errorf("tracelog: compress %s: %w", path, err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("tracelog: compress %s: %w", path, err)
	}

	key := a.cfg.Prefix + filepath.Base(path) + ".gz"

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/gzip"),
	})
	if err != nil {
		a.uploadErrors.Add(1)
		return fmt.Errorf("tracelog: upload %s: %w", key, err)
	}

	a.objectsUploaded.Add(1)
	a.bytesUploaded.Add(int64(buf.Len()))

	a.logger.Info("trace log archived",
		"key", key,
		"raw_bytes", len(data),
		"compressed_bytes", buf.Len(),
	)

	if err := os.Remove(path); err != nil {
		a.logger.Warn("failed to remove archived file", "error", err, "file", path)
	}

	return nil
}

// Stats reports archiver counters.
func (a *Archiver) Stats() (objects, bytesUploaded, uploadErrors int64) {
	return a.objectsUploaded.Load(), a.bytesUploaded.Load(), a.uploadErrors.Load()
}

// WriteMetrics appends archiver counters in Prometheus text format.
func (a *Archiver) WriteMetrics(w io.Writer) {
	objects, bytesUploaded, uploadErrors := a.Stats()

	fmt.Fprintf(w, "# HELP minewatch_trace_archive_objects_total Trace log files uploaded to S3\n")
	fmt.Fprintf(w, "# TYPE minewatch_trace_archive_objects_total counter\n")
	fmt.Fprintf(w, "minewatch_trace_archive_objects_total %d\n\n", objects)

	fmt.Fprintf(w, "# HELP minewatch_trace_archive_bytes_total Compressed bytes uploaded to S3\n")
	fmt.Fprintf(w, "# TYPE minewatch_trace_archive_bytes_total counter\n")
	fmt.Fprintf(w, "minewatch_trace_archive_bytes_total %d\n\n", bytesUploaded)

	fmt.Fprintf(w, "# HELP minewatch_trace_archive_errors_total Failed trace log uploads\n")
	fmt.Fprintf(w, "# TYPE minewatch_trace_archive_errors_total counter\n")
	fmt.Fprintf(w, "minewatch_trace_archive_errors_total %d\n", uploadErrors)
}
