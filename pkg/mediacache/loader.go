package mediacache

import (
	"context"
	"encoding/base64"
	"path"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Luzifer/mediacache/pkg/storage"
)

// CacheFileNameDelim separates the encoded location from the uniqueness
// suffix in cache file names
const CacheFileNameDelim = "__H__"

// resourceLoader fetches a resource from its source and persists it into
// the cache folder when the index reports a miss
type resourceLoader struct {
	svc      *Service
	cfg      FolderConfig
	location string
	src      StreamGetter

	mu   sync.Mutex
	unit *Unit
}

func (s *Service) newLoader(cfg FolderConfig, location string, src StreamGetter) *resourceLoader {
	return &resourceLoader{svc: s, cfg: cfg, location: location, src: src}
}

// Load implements the region.Loader interface. Every call fetches the
// source and writes a new file, errors are returned unchanged.
func (l *resourceLoader) Load(ctx context.Context, key Key) (*Unit, error) {
	cachePath := path.Join(l.cfg.CacheFolderPath(), l.svc.buildMediaID(l.location))

	stream, err := l.src.OpenStream(ctx, l.cfg, l.location)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := stream.Close(); err != nil {
			l.svc.logger.WithError(err).Error("closing source stream (leaked fd)")
		}
	}()

	meta := &storage.Meta{
		Tenant:      key.TenantID(),
		CacheFolder: key.CacheFolder(),
		Folder:      l.cfg.Qualifier,
		Location:    l.location,
	}

	if err = l.svc.storage.StoreFile(ctx, cachePath, meta, stream); err != nil {
		return nil, err
	}

	unit := newUnit(key, cachePath, l.svc.absolutePath(cachePath), meta.Size)

	l.svc.logger.WithFields(logrus.Fields{
		"key":  key.String(),
		"path": unit.Path(),
		"size": unit.Size(),
	}).Debug("stored media in local cache")

	l.mu.Lock()
	l.unit = unit
	l.mu.Unlock()

	return unit, nil
}

// isLoaded tells whether the given unit was produced by this loader, so
// whether this caller ran the load. Callers joining a load started by
// another caller report false although their lookup missed as well.
func (l *resourceLoader) isLoaded(u *Unit) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.unit != nil && l.unit == u
}

// buildMediaID generates the file name for a new cached copy of location
func (s *Service) buildMediaID(location string) string {
	return base64.URLEncoding.EncodeToString([]byte(location)) + CacheFileNameDelim + s.newID()
}

func newUniqueSuffix() string { return uuid.New().String() }
