// Package cachecheck holds the checks every blob descriptor cache must pass.
package cachecheck

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/distribution/ingest"
	"github.com/distribution/ingest/digest"
	"github.com/distribution/ingest/registry/storage/cache"
)

// CheckBlobDescriptorCache takes a cache implementation through a common set
// of operations. If adding new tests, please add them here so new
// implementations get the benefit. This should be used for unit tests.
func CheckBlobDescriptorCache(t *testing.T, provider cache.BlobDescriptorCacheProvider) {
	ctx := context.Background()

	checkBlobDescriptorCacheEmpty(ctx, t, provider)
	checkBlobDescriptorCacheSetAndRead(ctx, t, provider)
	checkBlobDescriptorCacheAlias(ctx, t, provider)
	checkBlobDescriptorCacheReplace(ctx, t, provider)
	checkBlobDescriptorCacheClear(ctx, t, provider)
}

func checkBlobDescriptorCacheEmpty(ctx context.Context, t *testing.T, provider cache.BlobDescriptorCacheProvider) {
	_, err := provider.Stat(ctx, "sha384:cafe")
	require.Error(t, err, "expected invalid digest to be rejected")

	_, err = provider.Stat(ctx, "sha256:abc111111111111111111111111111111111111111111111111111111111111a")
	require.ErrorIs(t, err, ingest.ErrBlobUnknown)

	err = provider.SetDescriptor(ctx, "", ingest.Descriptor{
		Digest:    "sha384:abc",
		Size:      10,
		MediaType: "application/octet-stream",
	})
	require.Error(t, err, "expected invalid digest to be rejected")

	err = provider.SetDescriptor(ctx, "sha384:abc111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111", ingest.Descriptor{
		Digest:    "sha384:abc",
		Size:      10,
		MediaType: "application/octet-stream",
	})
	require.Error(t, err, "expected invalid descriptor digest to be rejected")
}

func checkBlobDescriptorCacheSetAndRead(ctx context.Context, t *testing.T, provider cache.BlobDescriptorCacheProvider) {
	localDigest := digest.Digest("sha384:abc111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111")
	expected := ingest.Descriptor{
		Digest:    "sha256:abc1111111111111111111111111111111111111111111111111111111111111",
		Size:      10,
		MediaType: "application/octet-stream",
		Digests: map[string]string{
			"sha256": "abc1111111111111111111111111111111111111111111111111111111111111",
			"sha384": "abc111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111",
		},
	}

	require.NoError(t, provider.SetDescriptor(ctx, localDigest, expected))

	desc, err := provider.Stat(ctx, localDigest)
	require.NoError(t, err)
	require.Equal(t, expected, desc)

	// also check that we set the canonical key ("digest")
	desc, err = provider.Stat(ctx, expected.Digest)
	require.NoError(t, err)
	require.Equal(t, expected, desc)
}

func checkBlobDescriptorCacheAlias(ctx context.Context, t *testing.T, provider cache.BlobDescriptorCacheProvider) {
	alias := digest.Digest("blake3:abc1111111111111111111111111111111111111111111111111111111111111")
	expected := ingest.Descriptor{
		Digest:    "sha256:abc2222222222222222222222222222222222222222222222222222222222222",
		Size:      10,
		MediaType: "text/plain",
	}

	require.NoError(t, provider.SetDescriptor(ctx, expected.Digest, expected))
	require.NoError(t, provider.SetDescriptor(ctx, alias, expected))

	desc, err := provider.Stat(ctx, alias)
	require.NoError(t, err)
	require.Equal(t, expected, desc)
}

// checkBlobDescriptorCacheReplace checks that a cache keeps the last
// descriptor it was given. The blob store decides which media type a blob
// keeps, caches never second-guess it.
func checkBlobDescriptorCacheReplace(ctx context.Context, t *testing.T, provider cache.BlobDescriptorCacheProvider) {
	alias := digest.Digest("blake3:abc3333333333333333333333333333333333333333333333333333333333333")
	first := ingest.Descriptor{
		Digest:    "sha256:abc3333333333333333333333333333333333333333333333333333333333333",
		Size:      10,
		MediaType: "text/plain",
	}
	require.NoError(t, provider.SetDescriptor(ctx, alias, first))

	replaced := first
	replaced.MediaType = "application/json"
	replaced.Digests = map[string]string{
		"sha256": "abc3333333333333333333333333333333333333333333333333333333333333",
		"blake3": "abc3333333333333333333333333333333333333333333333333333333333333",
	}
	require.NoError(t, provider.SetDescriptor(ctx, alias, replaced))

	for _, dgst := range []digest.Digest{alias, first.Digest} {
		desc, err := provider.Stat(ctx, dgst)
		require.NoError(t, err)
		require.Equal(t, replaced, desc, "%s", dgst)
	}
}

func checkBlobDescriptorCacheClear(ctx context.Context, t *testing.T, provider cache.BlobDescriptorCacheProvider) {
	localDigest := digest.Digest("sha384:def111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111")
	expected := ingest.Descriptor{
		Digest:    "sha256:def1111111111111111111111111111111111111111111111111111111111111",
		Size:      10,
		MediaType: "application/octet-stream",
	}

	require.NoError(t, provider.SetDescriptor(ctx, localDigest, expected))

	desc, err := provider.Stat(ctx, localDigest)
	require.NoError(t, err)
	require.Equal(t, expected, desc)

	require.NoError(t, provider.Clear(ctx, localDigest))

	_, err = provider.Stat(ctx, localDigest)
	require.ErrorIs(t, err, ingest.ErrBlobUnknown)

	err = provider.Clear(ctx, localDigest)
	require.ErrorIs(t, err, ingest.ErrBlobUnknown)
}

// CheckBlobDescriptorCacheEviction fills a cache bounded to size entries and
// checks that older entries make room for newer ones.
func CheckBlobDescriptorCacheEviction(t *testing.T, provider cache.BlobDescriptorCacheProvider, size int) {
	ctx := context.Background()

	var digests []digest.Digest
	for i := 0; i < size*2; i++ {
		dgst := digest.Digest(fmt.Sprintf("sha256:%064x", i))
		digests = append(digests, dgst)
		require.NoError(t, provider.SetDescriptor(ctx, dgst, ingest.Descriptor{
			Digest:    dgst,
			Size:      int64(i),
			MediaType: "application/octet-stream",
		}))
	}

	known := 0
	for _, dgst := range digests {
		if _, err := provider.Stat(ctx, dgst); err == nil {
			known++
		}
	}
	require.LessOrEqual(t, known, size)

	desc, err := provider.Stat(ctx, digests[len(digests)-1])
	require.NoError(t, err)
	require.Equal(t, int64(size*2-1), desc.Size)
}
