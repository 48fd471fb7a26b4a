package cacheprovider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/distribution/ingest/registry/storage/cache"
)

// InitFunc is the type of a CacheProvider factory function and is
// used to register the constructor for different CacheProvider backends.
type InitFunc func(ctx context.Context, options map[string]any) (cache.BlobDescriptorCacheProvider, error)

var (
	cacheProviders   = make(map[string]InitFunc)
	cacheProvidersMu sync.RWMutex
)

// Register is used to register an InitFunc for
// a CacheProvider backend with the given name.
func Register(name string, initFunc InitFunc) error {
	cacheProvidersMu.Lock()
	defer cacheProvidersMu.Unlock()

	if _, exists := cacheProviders[name]; exists {
		return fmt.Errorf("name already registered: %s", name)
	}

	cacheProviders[name] = initFunc

	return nil
}

// Get constructs a CacheProvider with the given options using the named backend.
func Get(ctx context.Context, name string, options map[string]any) (cache.BlobDescriptorCacheProvider, error) {
	cacheProvidersMu.RLock()
	initFunc, exists := cacheProviders[name]
	cacheProvidersMu.RUnlock()

	if exists {
		return initFunc(ctx, options)
	}
	return nil, fmt.Errorf("no cache Provider registered with name: %s", name)
}

// Names returns the registered provider names in sorted order.
func Names() []string {
	cacheProvidersMu.RLock()
	defer cacheProvidersMu.RUnlock()

	names := make([]string, 0, len(cacheProviders))
	for name := range cacheProviders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
