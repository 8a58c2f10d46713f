package mediacache

import (
	"io"
	"io/fs"
	"os"
	"sync/atomic"

	"github.com/pkg/errors"
)

// WeightUnit is the number of bytes making up one unit of cache weight
const WeightUnit = 1024

// Unit is one cached resource on disk. It is created by the loader, lives
// in the index and is marked evicted when the index drops it. An evicted
// unit never hands out new readers.
type Unit struct {
	key          Key
	cachePath    string
	absolutePath string
	size         int64

	evicted atomic.Bool
}

// ConvertBytesToWeight converts a size in bytes to cache weight units,
// rounding up. Every resource weighs at least one unit.
func ConvertBytesToWeight(size int64) int64 {
	if size <= 0 {
		return 1
	}
	return (size + WeightUnit - 1) / WeightUnit
}

// UnitWeight is the weigher to use for the index holding units
func UnitWeight(u *Unit) int64 {
	if u == nil {
		return 1
	}
	return ConvertBytesToWeight(u.size)
}

func newUnit(key Key, cachePath, absolutePath string, size int64) *Unit {
	return &Unit{
		key:          key,
		cachePath:    cachePath,
		absolutePath: absolutePath,
		size:         size,
	}
}

// Key returns the key the unit was loaded for
func (u *Unit) Key() Key { return u.key }

// Path returns the absolute path of the backing file
func (u *Unit) Path() string { return u.absolutePath }

// Size returns the size of the backing file in bytes
func (u *Unit) Size() int64 { return u.size }

// Evicted reports whether the index already dropped the unit
func (u *Unit) Evicted() bool { return u.evicted.Load() }

// MarkEvicted flags the unit as evicted, the flag is never cleared
func (u *Unit) MarkEvicted() { u.evicted.Store(true) }

// CachedFileExists reports whether the backing file is still present
func (u *Unit) CachedFileExists() bool {
	_, err := os.Stat(u.absolutePath)
	return err == nil
}

// File opens the backing file for reading. A nil file without error means
// the unit is no longer usable (evicted or file gone) and the caller
// should load the resource again.
func (u *Unit) File() (*os.File, error) {
	if u.Evicted() {
		return nil, nil
	}

	f, err := os.Open(u.absolutePath) //#nosec:G304 // Path is generated by the loader
	switch {
	case err == nil:
		// This is fine

	case errors.Is(err, fs.ErrNotExist):
		return nil, nil

	default:
		return nil, errors.Wrap(err, "open cached file")
	}

	// Eviction might have happened while opening
	if u.Evicted() {
		f.Close() //nolint:errcheck,gosec // Read-only handle
		return nil, nil
	}

	return f, nil
}

// Stream opens a reader on the backing file, see File for the nil semantics
func (u *Unit) Stream() (io.ReadCloser, error) {
	f, err := u.File()
	if f == nil || err != nil {
		return nil, err
	}
	return f, nil
}

func (u *Unit) String() string {
	return "MediaCacheUnit[" + u.absolutePath + "]"
}
