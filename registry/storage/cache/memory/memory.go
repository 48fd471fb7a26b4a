package memory

import (
	"context"
	"math"

	"github.com/hashicorp/golang-lru/arc/v2"
	"github.com/mitchellh/mapstructure"

	"github.com/distribution/ingest"
	"github.com/distribution/ingest/digest"
	"github.com/distribution/ingest/registry/storage/cache"
	"github.com/distribution/ingest/registry/storage/cache/metrics"
	cacheprovider "github.com/distribution/ingest/registry/storage/cache/provider"
)

// init registers the inmemory cacheprovider.
func init() {
	if err := cacheprovider.Register("inmemory", NewBlobDescriptorCacheProvider); err != nil {
		panic(err)
	}
}

const (
	// DefaultSize is the default cache size to use if no size is explicitly
	// configured.
	DefaultSize = 10000

	// UnlimitedSize indicates the cache size should not be limited.
	UnlimitedSize = math.MaxInt
)

type inMemoryBlobDescriptorCacheProvider struct {
	lru *arc.ARCCache[digest.Digest, ingest.Descriptor]
}

// NewBlobDescriptorCacheProvider returns a new ARC based cache for storing
// blob descriptor data.
func NewBlobDescriptorCacheProvider(ctx context.Context, options map[string]any) (cache.BlobDescriptorCacheProvider, error) {
	var c Memory
	if err := mapstructure.WeakDecode(options["params"], &c); err != nil {
		return nil, err
	}

	size := DefaultSize
	if c.Size > 0 {
		size = c.Size
	}

	return New(size)
}

// New returns an in-memory cache holding at most size descriptors, timed
// under the cache_inmemory metric.
func New(size int) (cache.BlobDescriptorCacheProvider, error) {
	lruCache, err := arc.NewARC[digest.Digest, ingest.Descriptor](size)
	if err != nil {
		// NewARC can only fail if size is <= 0
		return nil, err
	}
	return metrics.NewPrometheusCacheProvider(
		&inMemoryBlobDescriptorCacheProvider{
			lru: lruCache,
		},
		"cache_inmemory",
		"Number of seconds taken by the in-memory cache",
	), nil
}

func (imbdcp *inMemoryBlobDescriptorCacheProvider) Stat(ctx context.Context, dgst digest.Digest) (ingest.Descriptor, error) {
	if err := digest.Validate(dgst); err != nil {
		return ingest.Descriptor{}, err
	}

	descriptor, ok := imbdcp.lru.Get(dgst)
	if ok {
		return descriptor, nil
	}
	return ingest.Descriptor{}, ingest.ErrBlobUnknown
}

func (imbdcp *inMemoryBlobDescriptorCacheProvider) Clear(ctx context.Context, dgst digest.Digest) error {
	if !imbdcp.lru.Contains(dgst) {
		return ingest.ErrBlobUnknown
	}
	imbdcp.lru.Remove(dgst)
	return nil
}

// SetDescriptor replaces any cached descriptor of dgst. The canonical digest
// of desc is cached as well.
func (imbdcp *inMemoryBlobDescriptorCacheProvider) SetDescriptor(ctx context.Context, dgst digest.Digest, desc ingest.Descriptor) error {
	if err := digest.Validate(dgst); err != nil {
		return err
	}

	if err := cache.ValidateDescriptor(desc); err != nil {
		return err
	}

	if dgst != desc.Digest {
		imbdcp.lru.Add(desc.Digest, desc)
	}
	imbdcp.lru.Add(dgst, desc)
	return nil
}

// Memory configures inmemory cache
type Memory struct {
	Size int `yaml:"size,omitempty" mapstructure:"size"`
}

// NewCacheOptions returns new memory cache options.
func NewCacheOptions(size int) map[string]any {
	return map[string]any{
		"params": map[string]any{
			"size": size,
		},
	}
}
