// Package gcs implements a mediacache.StreamGetter reading media from a
// Google Cloud Storage bucket
package gcs

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	gcs "cloud.google.com/go/storage"
	"github.com/pkg/errors"

	"github.com/Luzifer/mediacache/pkg/mediacache"
)

// Source implements the mediacache.StreamGetter interface for GCS
type Source struct {
	bucket string
	client *gcs.Client
	prefix string
}

var _ mediacache.StreamGetter = (*Source)(nil)

// New returns a new GCS source for a gs://bucket/prefix URI. Objects are
// looked up as <prefix>/<folder>/<location>.
func New(ctx context.Context, bucketURI string) (*Source, error) {
	uri, err := url.Parse(bucketURI)
	if err != nil {
		return nil, errors.Wrap(err, "parse GCS bucket URI")
	}

	if uri.Scheme != "gs" || uri.Host == "" {
		return nil, errors.New("invalid GCS bucket URI")
	}

	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "create GCS client")
	}

	return &Source{
		bucket: uri.Host,
		client: client,
		prefix: strings.TrimLeft(uri.Path, "/"),
	}, nil
}

// Close releases the GCS client
func (s Source) Close() error {
	return errors.Wrap(s.client.Close(), "close GCS client")
}

// Size implements the mediacache.StreamGetter Size method
func (s Source) Size(ctx context.Context, cfg mediacache.FolderConfig, location string) (int64, error) {
	attrs, err := s.object(cfg, location).Attrs(ctx)
	switch {
	case err == nil:
		// This is fine

	case errors.Is(err, gcs.ErrObjectNotExist):
		return 0, os.ErrNotExist // Surrounding code reacts on ErrNotExist

	default:
		return 0, errors.Wrap(err, "get object meta")
	}

	return attrs.Size, nil
}

// OpenStream implements the mediacache.StreamGetter OpenStream method
func (s Source) OpenStream(ctx context.Context, cfg mediacache.FolderConfig, location string) (io.ReadCloser, error) {
	r, err := s.object(cfg, location).NewReader(ctx)
	switch {
	case err == nil:
		// This is fine

	case errors.Is(err, gcs.ErrObjectNotExist):
		return nil, os.ErrNotExist

	default:
		return nil, errors.Wrap(err, "get object reader")
	}

	return r, nil
}

func (s Source) object(cfg mediacache.FolderConfig, location string) *gcs.ObjectHandle {
	objectPath := strings.TrimLeft(path.Join(s.prefix, cfg.Qualifier, location), "/")
	return s.client.Bucket(s.bucket).Object(objectPath)
}
