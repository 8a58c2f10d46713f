package mediacache

import (
	"fmt"
	"path"
	"strings"

	"github.com/pkg/errors"
)

const (
	// DefaultCacheFolder is the cache root used when the folder does not
	// override it through LocalCacheRootFolderKey
	DefaultCacheFolder = "cache"
	// LocalCacheRootFolderKey is the folder parameter overriding the cache
	// root directory
	LocalCacheRootFolderKey = "local.cache.rootCacheFolder"

	mediaCacheUnitCode = "__MEDIA__"
)

// ErrInvalidFolder signals a folder whose qualifier or cache folder is
// not a single path segment
var ErrInvalidFolder = errors.New("invalid media folder")

type (
	// FolderConfig describes a logical media folder. It is read-only for
	// the cache and passed in on every call.
	FolderConfig struct {
		Qualifier  string            `yaml:"qualifier"`
		Parameters map[string]string `yaml:"parameters"`
	}

	// Key identifies one cached resource. Keys are compared by value and
	// are safe to use as map keys.
	Key struct {
		tenantID    string
		cacheFolder string
		location    string
	}
)

// Parameter returns the folder parameter or the given default when unset
func (f FolderConfig) Parameter(key, def string) string {
	if v, ok := f.Parameters[key]; ok && v != "" {
		return v
	}
	return def
}

// CacheFolder returns the cache root directory name for the folder
func (f FolderConfig) CacheFolder() string {
	return f.Parameter(LocalCacheRootFolderKey, DefaultCacheFolder)
}

// Validate ensures the qualifier and the cache folder each name exactly
// one directory below the data directory
func (f FolderConfig) Validate() error {
	if !isPathSegment(f.Qualifier) {
		return errors.Wrapf(ErrInvalidFolder, "qualifier %q", f.Qualifier)
	}

	if !isPathSegment(f.CacheFolder()) {
		return errors.Wrapf(ErrInvalidFolder, "cache folder %q", f.CacheFolder())
	}

	return nil
}

// CacheFolderPath returns the storage-relative directory holding the
// cached files of the folder
func (f FolderConfig) CacheFolderPath() string {
	return path.Join(f.CacheFolder(), f.Qualifier)
}

// NewKey creates the key for a location inside a cache folder of a tenant
func NewKey(tenantID, cacheFolder, location string) Key {
	return Key{tenantID: tenantID, cacheFolder: cacheFolder, location: location}
}

// TenantID returns the tenant the key belongs to
func (k Key) TenantID() string { return k.tenantID }

// CacheFolder returns the cache root directory name of the key
func (k Key) CacheFolder() string { return k.cacheFolder }

// Location returns the original resource location
func (k Key) Location() string { return k.location }

// TypeCode returns a tag allowing the index to partition entries by
// cache folder
func (k Key) TypeCode() string { return mediaCacheUnitCode + k.cacheFolder }

func (k Key) String() string {
	return fmt.Sprintf("MediaCacheKey[tenantId=%q, location=%q, cacheFolder=%q]", k.tenantID, k.location, k.cacheFolder)
}

func isPathSegment(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}
