package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/distribution/ingest/registry/storage/cache/cachecheck"
	cacheprovider "github.com/distribution/ingest/registry/storage/cache/provider"
)

// TestInMemoryBlobInfoCache checks the in memory implementation is working
// correctly.
func TestInMemoryBlobInfoCache(t *testing.T) {
	opts := NewCacheOptions(UnlimitedSize)
	cache, err := NewBlobDescriptorCacheProvider(context.Background(), opts)
	require.NoError(t, err)
	cachecheck.CheckBlobDescriptorCache(t, cache)
}

func TestInMemoryCacheEviction(t *testing.T) {
	cache, err := New(2)
	require.NoError(t, err)
	cachecheck.CheckBlobDescriptorCacheEviction(t, cache, 2)
}

func TestInMemoryProviderRegistered(t *testing.T) {
	cache, err := cacheprovider.Get(context.Background(), "inmemory", NewCacheOptions(10))
	require.NoError(t, err)
	require.NotNil(t, cache)
}
