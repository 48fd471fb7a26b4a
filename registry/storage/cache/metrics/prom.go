package metrics

import (
	"context"
	"time"

	"github.com/docker/go-metrics"
	"github.com/opencontainers/go-digest"

	"github.com/distribution/ingest"
	prometheus "github.com/distribution/ingest/metrics"
	"github.com/distribution/ingest/registry/storage/cache"
)

type prometheusCacheProvider struct {
	cache.BlobDescriptorCacheProvider
	latencyTimer metrics.LabeledTimer
}

// NewPrometheusCacheProvider wraps a cache provider, timing every operation
// under the given metric name.
func NewPrometheusCacheProvider(wrap cache.BlobDescriptorCacheProvider, name, help string) cache.BlobDescriptorCacheProvider {
	return &prometheusCacheProvider{
		wrap,
		// TODO: May want to have fine grained buckets since redis calls are generally <1ms and the default minimum bucket is 5ms.
		prometheus.StorageNamespace.NewLabeledTimer(name, help, "operation"),
	}
}

func (p *prometheusCacheProvider) Stat(ctx context.Context, dgst digest.Digest) (ingest.Descriptor, error) {
	start := time.Now()
	d, e := p.BlobDescriptorCacheProvider.Stat(ctx, dgst)
	p.latencyTimer.WithValues("Stat").UpdateSince(start)
	return d, e
}

func (p *prometheusCacheProvider) SetDescriptor(ctx context.Context, dgst digest.Digest, desc ingest.Descriptor) error {
	start := time.Now()
	e := p.BlobDescriptorCacheProvider.SetDescriptor(ctx, dgst, desc)
	p.latencyTimer.WithValues("SetDescriptor").UpdateSince(start)
	return e
}

func (p *prometheusCacheProvider) Clear(ctx context.Context, dgst digest.Digest) error {
	start := time.Now()
	e := p.BlobDescriptorCacheProvider.Clear(ctx, dgst)
	p.latencyTimer.WithValues("Clear").UpdateSince(start)
	return e
}
