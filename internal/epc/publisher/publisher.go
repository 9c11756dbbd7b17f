// Package publisher mirrors the dated raw and processed files to object storage.
package publisher

import (
	"context"
	"path"
	"path/filepath"

	"btr_pipeline/platform/apperr"
	"btr_pipeline/platform/logger"

	"golang.org/x/sync/errgroup"
)

// ObjectStore is the storage backend the publisher writes to.
type ObjectStore interface {
	EnsureBucketExists(ctx context.Context, bucket string) error
	PutFile(ctx context.Context, bucket, key, path, contentType string) error
}

// File is one local file to mirror under a folder of the bucket.
type File struct {
	Folder      string
	Path        string
	ContentType string
}

// Key returns the object key of f.
func (f File) Key() string {
	return path.Join(f.Folder, filepath.Base(f.Path))
}

// Publisher uploads run outputs to a single bucket.
type Publisher struct {
	store  ObjectStore
	bucket string
	log    *logger.Logger
}

// New creates a publisher.
func New(store ObjectStore, bucket string, log *logger.Logger) *Publisher {
	return &Publisher{store: store, bucket: bucket, log: log}
}

// Bucket returns the target bucket name.
func (p *Publisher) Bucket() string {
	return p.bucket
}

// EnsureBucket creates the target bucket when missing.
func (p *Publisher) EnsureBucket(ctx context.Context) error {
	if err := p.store.EnsureBucketExists(ctx, p.bucket); err != nil {
		return apperr.Storage("ensure bucket", err)
	}
	return nil
}

// Publish uploads every file concurrently and returns the first failure.
func (p *Publisher) Publish(ctx context.Context, files []File) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, f := range files {
		g.Go(func() error {
			if err := p.store.PutFile(gctx, p.bucket, f.Key(), f.Path, f.ContentType); err != nil {
				return apperr.Storage("publish "+f.Key(), err)
			}
			p.log.Debug("published object", "bucket", p.bucket, "key", f.Key())
			return nil
		})
	}
	return g.Wait()
}
