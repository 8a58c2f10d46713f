// Package folders loads the media folder configurations the cache is
// operated with
package folders

import (
	"os"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Luzifer/mediacache/pkg/mediacache"
)

type (
	// Registry holds the known folder configurations by qualifier
	Registry struct {
		folders map[string]mediacache.FolderConfig
	}

	fileContent struct {
		Folders []mediacache.FolderConfig `yaml:"folders"`
	}
)

// Load reads a YAML file in the format
//
//	folders:
//	  - qualifier: product
//	    parameters:
//	      local.cache.rootCacheFolder: productcache
//
// An empty path yields an empty registry.
func Load(filename string) (*Registry, error) {
	if filename == "" {
		return New(nil)
	}

	f, err := os.Open(filename) //#nosec:G304 // Path is given by the operator
	if err != nil {
		return nil, errors.Wrap(err, "open folder config")
	}
	defer func() {
		if err := f.Close(); err != nil {
			logrus.WithError(err).Error("closing folder config (leaked fd)")
		}
	}()

	var content fileContent
	if err = yaml.NewDecoder(f).Decode(&content); err != nil {
		return nil, errors.Wrap(err, "decode folder config")
	}

	return New(content.Folders)
}

// New creates a registry from a list of folder configurations
func New(folders []mediacache.FolderConfig) (*Registry, error) {
	r := &Registry{folders: make(map[string]mediacache.FolderConfig, len(folders))}

	for _, f := range folders {
		if err := f.Validate(); err != nil {
			return nil, errors.Wrap(err, "validate folder")
		}

		if _, ok := r.folders[f.Qualifier]; ok {
			return nil, errors.Errorf("duplicate folder %q", f.Qualifier)
		}

		r.folders[f.Qualifier] = f
	}

	return r, nil
}

// Get returns the configuration for the qualifier
func (r *Registry) Get(qualifier string) (mediacache.FolderConfig, bool) {
	f, ok := r.folders[qualifier]
	return f, ok
}

// GetOrDefault returns the configuration for the qualifier or a
// configuration without parameters for unknown qualifiers
func (r *Registry) GetOrDefault(qualifier string) mediacache.FolderConfig {
	if f, ok := r.folders[qualifier]; ok {
		return f
	}
	return mediacache.FolderConfig{Qualifier: qualifier}
}

// All returns all configured folders sorted by qualifier
func (r *Registry) All() []mediacache.FolderConfig {
	out := make([]mediacache.FolderConfig, 0, len(r.folders))
	for _, f := range r.folders {
		out = append(out, f)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Qualifier < out[j].Qualifier })
	return out
}
