// Package storage defines the interface to talk to the storage backends
// persisting cached media
package storage

import (
	"context"
	"io"
	"time"
)

type (
	// Meta contains the metadata written next to a cached file
	Meta struct {
		Tenant      string
		CacheFolder string
		Folder      string
		Location    string
		Size        int64
		LastCached  time.Time
	}

	// Storage is the interface to implement when building a storage backend
	Storage interface {
		// List returns the cache paths of all data files below dir
		List(ctx context.Context, dir string) ([]string, error)
		LoadMeta(ctx context.Context, cachePath string) (*Meta, error)
		RemoveFile(ctx context.Context, cachePath string) error
		StoreFile(ctx context.Context, cachePath string, metadata *Meta, data io.Reader) error
	}
)
