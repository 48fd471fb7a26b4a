// Package cache provides facilities to speed up access to the storage
// backend.
package cache

import (
	"fmt"

	"github.com/distribution/ingest"
	"github.com/distribution/ingest/digest"
)

// BlobDescriptorCacheProvider caches blob descriptors by digest. A
// descriptor may be stored under any of the digests of its content.
type BlobDescriptorCacheProvider interface {
	ingest.BlobDescriptorService
}

// ValidateDescriptor provides a helper function to ensure that caches have
// common criteria for admitting descriptors.
func ValidateDescriptor(desc ingest.Descriptor) error {
	if err := digest.Validate(desc.Digest); err != nil {
		return err
	}

	if desc.Size < 0 {
		return fmt.Errorf("cache: invalid length in descriptor: %v < 0", desc.Size)
	}

	if desc.MediaType == "" {
		return fmt.Errorf("cache: empty mediatype on descriptor: %v", desc)
	}

	return nil
}
