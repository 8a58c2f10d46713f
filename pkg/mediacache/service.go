// Package mediacache implements a local disk cache in front of an expensive
// media source. Resources are fetched once, persisted below the data
// directory and registered with a bounded index whose evictions remove the
// files again.
package mediacache

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Luzifer/mediacache/pkg/region"
	"github.com/Luzifer/mediacache/pkg/storage"
)

const getResourceMaxRetries = 5

// ErrResourceUnavailable is returned when the index did not yield a
// usable resource within the retry bound
var ErrResourceUnavailable = errors.New("resource unavailable after retries")

type (
	// StreamGetter gives access to the source of a resource
	StreamGetter interface {
		// Size returns the size of the resource in bytes, -1 if unknown
		Size(ctx context.Context, cfg FolderConfig, location string) (int64, error)
		OpenStream(ctx context.Context, cfg FolderConfig, location string) (io.ReadCloser, error)
	}

	// Index is the bounded cache index holding the units
	Index interface {
		AddListener(fn region.Listener[Key, *Unit])
		GetWithLoader(ctx context.Context, key Key, loader region.Loader[Key, *Unit]) (*Unit, error)
		Invalidate(key Key) bool
		InvalidateValue(key Key, value *Unit) bool
		MaxEntries() int64
		Put(key Key, value *Unit) bool
	}

	// Service is the entry point to the media cache
	Service struct {
		index   Index
		storage storage.Storage
		dataDir string
		tempDir string
		logger  logrus.FieldLogger
		newID   func() string
	}

	// Option configures a Service
	Option func(*Service)

	// projection extracts the resource handed to the caller from a unit,
	// reporting false for a unit which can no longer serve readers
	projection[T any] func(*Unit) (T, bool, error)
)

// WithLogger sets the logger used for housekeeping messages
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) { s.logger = l }
}

// WithTempDir sets the directory used for resources bypassing the cache,
// defaults to os.TempDir
func WithTempDir(dir string) Option {
	return func(s *Service) { s.tempDir = dir }
}

// New creates a Service storing files through the given storage, which
// must resolve its cache paths relative to dataDir, and registers the
// eviction listener with the index.
func New(index Index, store storage.Storage, dataDir string, opts ...Option) *Service {
	s := &Service{
		index:   index,
		storage: store,
		dataDir: dataDir,
		logger:  logrus.StandardLogger(),
		newID:   newUniqueSuffix,
	}

	for _, o := range opts {
		o(s)
	}

	index.AddListener(s.handleEvent)
	return s
}

// StoreOrGetAsFile returns an open file with the contents of the resource.
// The caller must close the file.
func (s *Service) StoreOrGetAsFile(ctx context.Context, tenantID string, cfg FolderConfig, location string, src StreamGetter) (*os.File, error) {
	bypass, err := s.isBypass(ctx, cfg, location, src)
	if err != nil {
		return nil, err
	}

	if bypass {
		return s.streamToTempFile(ctx, cfg, location, src)
	}

	return loadResource[*os.File](ctx, s, tenantID, cfg, location, src, func(u *Unit) (*os.File, bool, error) {
		f, err := u.File()
		return f, f != nil, err
	})
}

// StoreOrGetAsStream returns a reader on the contents of the resource.
// The caller must close the reader.
func (s *Service) StoreOrGetAsStream(ctx context.Context, tenantID string, cfg FolderConfig, location string, src StreamGetter) (io.ReadCloser, error) {
	bypass, err := s.isBypass(ctx, cfg, location, src)
	if err != nil {
		return nil, err
	}

	if bypass {
		f, err := s.streamToTempFile(ctx, cfg, location, src)
		if err != nil {
			return nil, err
		}
		return f, nil
	}

	return loadResource[io.ReadCloser](ctx, s, tenantID, cfg, location, src, func(u *Unit) (io.ReadCloser, bool, error) {
		rc, err := u.Stream()
		return rc, rc != nil, err
	})
}

// Invalidate drops the cached copy of the resource. The file itself is
// removed by the eviction listener.
func (s *Service) Invalidate(tenantID string, cfg FolderConfig, location string) bool {
	if cfg.Validate() != nil {
		return false
	}
	return s.index.Invalidate(NewKey(tenantID, cfg.CacheFolder(), location))
}

// isBypass tells whether the resource is too large for the index and must
// not be cached. Resources of unknown size are never cached. Folders
// which would escape the cache roots are rejected before the source is
// asked.
func (s *Service) isBypass(ctx context.Context, cfg FolderConfig, location string, src StreamGetter) (bool, error) {
	if err := cfg.Validate(); err != nil {
		return false, err
	}

	size, err := src.Size(ctx, cfg, location)
	if err != nil {
		return false, errors.Wrap(err, "get resource size")
	}

	if size < 0 {
		return true, nil
	}

	return ConvertBytesToWeight(size) > s.index.MaxEntries(), nil
}

// streamToTempFile copies the resource into a temporary file which is
// unlinked once written: the data lives exactly as long as the returned
// handle.
func (s *Service) streamToTempFile(ctx context.Context, cfg FolderConfig, location string, src StreamGetter) (*os.File, error) {
	r, err := src.OpenStream(ctx, cfg, location)
	if err != nil {
		return nil, errors.Wrap(err, "cannot materialize resource: open source")
	}
	defer func() {
		if err := r.Close(); err != nil {
			s.logger.WithError(err).Error("closing source stream (leaked fd)")
		}
	}()

	tmp, err := os.CreateTemp(s.tempDir, tempFilePattern(location))
	if err != nil {
		return nil, errors.Wrap(err, "cannot materialize resource: create temp file")
	}

	discard := func(cause error, msg string) error {
		tmp.Close() //nolint:errcheck,gosec // Already failing
		if rmErr := os.Remove(tmp.Name()); rmErr != nil {
			s.logger.WithError(rmErr).WithField("path", tmp.Name()).Debug("removing partial temp file")
		}
		return errors.Wrap(cause, "cannot materialize resource: "+msg)
	}

	if _, err = io.Copy(tmp, r); err != nil {
		return nil, discard(err, "copy to temp file")
	}

	if _, err = tmp.Seek(0, io.SeekStart); err != nil {
		return nil, discard(err, "rewind temp file")
	}

	if err = os.Remove(tmp.Name()); err != nil {
		// Platforms without delete-while-open keep the file until an
		// external sweep of the temp dir
		s.logger.WithError(err).WithField("path", tmp.Name()).Warn("unlinking temp file")
	}

	return tmp, nil
}

// loadResource runs the get-or-load protocol against the index: a unit
// might be torn down by a concurrent eviction between being returned and
// being read, so the lookup is retried a bounded number of times.
// Errors from the loader are returned unchanged.
func loadResource[T any](
	ctx context.Context,
	s *Service,
	tenantID string,
	cfg FolderConfig,
	location string,
	src StreamGetter,
	project projection[T],
) (T, error) {
	var (
		key    = NewKey(tenantID, cfg.CacheFolder(), location)
		loader = s.newLoader(cfg, location, src)
		logger = s.logger.WithField("key", key.String())
		zero   T
	)

	for attempt := 1; attempt <= getResourceMaxRetries; attempt++ {
		unit, err := s.index.GetWithLoader(ctx, key, loader)
		if err != nil {
			return zero, err
		}

		res, ok, err := project(unit)
		if err != nil {
			return zero, err
		}

		if ok {
			logger.WithFields(logrus.Fields{
				"attempt":    attempt,
				"loader_ran": loader.isLoaded(unit),
			}).Debug("resolved cached resource")
			return res, nil
		}

		if !unit.Evicted() {
			// The file vanished below a live unit, drop exactly that
			// unit so the next attempt loads again
			s.index.InvalidateValue(key, unit)
		}

		logger.WithField("attempt", attempt).Debug("cache unit unusable, retrying")
	}

	return zero, errors.Wrapf(ErrResourceUnavailable, "%d attempts", getResourceMaxRetries)
}

func (s *Service) absolutePath(cachePath string) string {
	return filepath.Join(s.dataDir, filepath.FromSlash(cachePath))
}

func tempFilePattern(location string) string {
	base := strings.NewReplacer("*", "_", string(os.PathSeparator), "_", "/", "_").Replace(filepath.Base(location))
	return "mediacache-" + base + "-*.tmp"
}
