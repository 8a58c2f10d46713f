// Package local implements a storage.Storage backend for local file storage
package local

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Luzifer/mediacache/pkg/storage"
)

const (
	metaSuffix                = ".meta"
	storageLocalDirPermission = 0o700
	tempFilePattern           = ".cache-*"
)

// Storage implements the storage.Storage interface for local file storage
type Storage struct {
	basePath string
}

var _ storage.Storage = Storage{}

// New returns a new local file storage
func New(basePath string) Storage { return Storage{basePath} }

// BasePath returns the directory all cache paths are relative to
func (s Storage) BasePath() string { return s.basePath }

// List implements the storage.Storage List method
func (s Storage) List(ctx context.Context, dir string) ([]string, error) {
	root := filepath.Join(s.basePath, filepath.FromSlash(dir))

	var out []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == root {
				return filepath.SkipDir
			}
			return err
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if d.IsDir() || strings.HasSuffix(p, metaSuffix) {
			return nil
		}

		rel, err := filepath.Rel(s.basePath, p)
		if err != nil {
			return errors.Wrap(err, "make path relative")
		}

		out = append(out, filepath.ToSlash(rel))
		return nil
	})

	return out, errors.Wrap(err, "walk cache dir")
}

// LoadMeta implements the storage.Storage LoadMeta method
func (s Storage) LoadMeta(_ context.Context, cachePath string) (*storage.Meta, error) {
	metaPath := s.fullPath(cachePath) + metaSuffix

	f, err := os.Open(metaPath) //#nosec:G304 // Safe source of variable
	if err != nil {
		return nil, errors.Wrap(err, "open metadata file")
	}
	defer func() {
		if err := f.Close(); err != nil {
			logrus.WithError(err).Error("closing metadata file (leaked fd)")
		}
	}()

	out := new(storage.Meta)
	return out, errors.Wrap(
		json.NewDecoder(f).Decode(out),
		"decode metadata file",
	)
}

// RemoveFile implements the storage.Storage RemoveFile method. A missing
// data file is reported as error, a missing metadata file is not.
func (s Storage) RemoveFile(_ context.Context, cachePath string) error {
	fullPath := s.fullPath(cachePath)

	if err := os.Remove(fullPath + metaSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logrus.WithError(err).WithField("path", fullPath).Warn("removing metadata file")
	}

	return errors.Wrap(os.Remove(fullPath), "remove cache file")
}

// StoreFile implements the storage.Storage StoreFile method. The data file
// is moved into place before its metadata is written.
func (s Storage) StoreFile(_ context.Context, cachePath string, metadata *storage.Meta, data io.Reader) (err error) {
	fullPath := s.fullPath(cachePath)

	if err = os.MkdirAll(path.Dir(fullPath), storageLocalDirPermission); err != nil {
		return errors.Wrap(err, "create cache dir")
	}

	tmp, err := os.CreateTemp(path.Dir(fullPath), tempFilePattern)
	if err != nil {
		return errors.Wrap(err, "create cache file")
	}
	defer func() {
		if err != nil {
			if rmErr := os.Remove(tmp.Name()); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				logrus.WithError(rmErr).Error("removing partial cache file")
			}
		}
	}()

	written, err := io.Copy(tmp, data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return errors.Wrap(err, "write cache file")
	}

	metadata.Size = written
	metadata.LastCached = time.Now()

	if err = os.Rename(tmp.Name(), fullPath); err != nil {
		return errors.Wrap(err, "move cache file into place")
	}

	// A data file without metadata is removed by the startup sweep, a
	// metadata file without data would never be listed
	if err = s.saveMeta(fullPath, metadata); err != nil {
		for _, p := range []string{fullPath, fullPath + metaSuffix} {
			if rmErr := os.Remove(p); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				logrus.WithError(rmErr).WithField("path", p).Error("removing leftovers of failed write")
			}
		}
		return err
	}

	return nil
}

func (Storage) saveMeta(fullPath string, metadata *storage.Meta) error {
	f, err := os.Create(fullPath + metaSuffix) //#nosec:G304 // Safe source of variable
	if err != nil {
		return errors.Wrap(err, "create cache meta file")
	}
	defer func() {
		if err := f.Close(); err != nil {
			logrus.WithError(err).Error("closing metadata file (leaked fd)")
		}
	}()

	return errors.Wrap(
		json.NewEncoder(f).Encode(metadata),
		"write cache meta file",
	)
}

func (s Storage) fullPath(cachePath string) string {
	return path.Join(s.basePath, cachePath)
}
