package folders

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Luzifer/mediacache/pkg/mediacache"
)

func TestLoad(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "folders.yaml")
	require.NoError(t, os.WriteFile(fn, []byte(`folders:
  - qualifier: product
    parameters:
      local.cache.rootCacheFolder: productcache
  - qualifier: docs
`), 0o600))

	r, err := Load(fn)
	require.NoError(t, err)

	product, ok := r.Get("product")
	require.True(t, ok)
	assert.Equal(t, "productcache/product", product.CacheFolderPath())

	docs, ok := r.Get("docs")
	require.True(t, ok)
	assert.Equal(t, mediacache.DefaultCacheFolder, docs.CacheFolder())

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "docs", all[0].Qualifier)

	assert.Equal(t, mediacache.FolderConfig{Qualifier: "other"}, r.GetOrDefault("other"))
}

func TestLoadWithoutFile(t *testing.T) {
	r, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, r.All())
}

func TestNewRejectsInvalidFolders(t *testing.T) {
	_, err := New([]mediacache.FolderConfig{{}})
	assert.Error(t, err)

	_, err = New([]mediacache.FolderConfig{{Qualifier: "a"}, {Qualifier: "a"}})
	assert.Error(t, err)

	for _, q := range []string{".", "..", "a/b", `a\b`} {
		_, err = New([]mediacache.FolderConfig{{Qualifier: q}})
		assert.ErrorIs(t, err, mediacache.ErrInvalidFolder, q)
	}

	_, err = New([]mediacache.FolderConfig{{
		Qualifier:  "a",
		Parameters: map[string]string{mediacache.LocalCacheRootFolderKey: "../elsewhere"},
	}})
	assert.ErrorIs(t, err, mediacache.ErrInvalidFolder)
}
