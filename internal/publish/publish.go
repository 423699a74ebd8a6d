// Package publish uploads the final products of a run to a blob bucket.
//
// The destination is a gocloud.dev/blob URL. file:// (fileblob) and mem://
// (memblob) are always available; other drivers such as s3blob are linked
// in by importing them in the main package.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
)

// Publisher copies files into a bucket under a key prefix.
type Publisher struct {
	bucket *blob.Bucket
	prefix string
	log    zerolog.Logger
}

// Open opens the bucket at uri. Every key is placed under prefix, which is
// typically the run ID.
func Open(ctx context.Context, uri, prefix string, log zerolog.Logger) (*Publisher, error) {
	bucket, err := blob.OpenBucket(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", uri, err)
	}
	return NewWithBucket(bucket, prefix, log), nil
}

// NewWithBucket wraps an already opened bucket.
func NewWithBucket(bucket *blob.Bucket, prefix string, log zerolog.Logger) *Publisher {
	return &Publisher{bucket: bucket, prefix: strings.Trim(prefix, "/"), log: log}
}

// Close closes the bucket.
func (p *Publisher) Close() error {
	return p.bucket.Close()
}

// Key returns the bucket key of a local file.
func (p *Publisher) Key(file string) string {
	if p.prefix == "" {
		return filepath.Base(file)
	}
	return path.Join(p.prefix, filepath.Base(file))
}

// Publish uploads every file that exists and returns the keys written.
// Symlinked products are uploaded as the file they point to. Files that do
// not exist are skipped; upload errors are joined and returned after all
// files were attempted.
func (p *Publisher) Publish(ctx context.Context, files []string) ([]string, error) {
	var (
		keys []string
		errs []error
	)
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			p.log.Debug().Str("file", f).Msg("Not publishing missing product")
			continue
		}
		key := p.Key(f)
		if err := p.upload(ctx, f, key); err != nil {
			errs = append(errs, err)
			continue
		}
		p.log.Info().Str("file", f).Str("key", key).Msg("Published")
		keys = append(keys, key)
	}
	return keys, errors.Join(errs...)
}

func (p *Publisher) upload(ctx context.Context, file, key string) error {
	src, err := os.Open(file)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	wr, err := p.bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: contentType(file)})
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}

	if _, err := io.Copy(wr, src); err != nil {
		_ = wr.Close()
		_ = p.bucket.Delete(ctx, key)
		return fmt.Errorf("publish %s: %w", key, err)
	}
	if err := wr.Close(); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}

func contentType(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".tif", ".tiff":
		return "image/tiff"
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	case ".kml":
		return "application/vnd.google-earth.kml+xml"
	default:
		return "text/plain"
	}
}
