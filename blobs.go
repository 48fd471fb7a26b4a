package ingest

import (
	"context"
	"io"
	"time"

	"github.com/opencontainers/go-digest"
)

// Descriptor describes ingested content. Digest is the canonical digest the
// content is stored under; Digests holds every digest computed while the
// content was written, keyed by algorithm name.
type Descriptor struct {
	// MediaType describe the type of the content.
	MediaType string `json:"mediaType,omitempty"`

	// Size in bytes of content.
	Size int64 `json:"size"`

	// Digest uniquely identifies the content.
	Digest digest.Digest `json:"digest,omitempty"`

	Digests map[string]string `json:"digests,omitempty"`
}

// Descriptor returns the descriptor, to make it satisfy the Describable
// interface.
func (d Descriptor) Descriptor() Descriptor {
	return d
}

// Describable is an interface for descriptors
type Describable interface {
	Descriptor() Descriptor
}

// BlobStatter makes blob descriptors available by digest.
type BlobStatter interface {
	Stat(ctx context.Context, dgst digest.Digest) (Descriptor, error)
}

// BlobDeleter enables deleting blobs from storage.
type BlobDeleter interface {
	Delete(ctx context.Context, dgst digest.Digest) error
}

// BlobDescriptorService manages metadata about a blob by digest. Most
// implementations will not expose such an interface explicitly. Such mappings
// should be maintained by interacting with the BlobIngester interface.
type BlobDescriptorService interface {
	BlobStatter

	// SetDescriptor assigns the descriptor to the digest. The provided digest and
	// the digest in the descriptor must map to identical content but they may
	// differ on their algorithm.
	SetDescriptor(ctx context.Context, dgst digest.Digest, desc Descriptor) error

	// Clear enables descriptors to be unlinked
	Clear(ctx context.Context, dgst digest.Digest) error
}

// BlobIngester persists chunk sequences as content-addressed blobs. The
// expected descriptor is optional: a non-empty Digest or positive Size is
// verified against the written content before the blob is committed.
type BlobIngester interface {
	Ingest(ctx context.Context, expected Descriptor, chunks ...ChunkSource) (Descriptor, error)
}

// BlobProvider opens stored blobs for reading.
type BlobProvider interface {
	Open(ctx context.Context, dgst digest.Digest) (io.ReadCloser, Descriptor, error)
}

// BlobUploader manages upload sessions, uploads whose chunks arrive one
// request at a time.
type BlobUploader interface {
	// StartUpload opens an empty upload session.
	StartUpload(ctx context.Context) (BlobUpload, error)

	// ResumeUpload returns the session id, or ErrBlobUploadUnknown.
	ResumeUpload(ctx context.Context, id string) (BlobUpload, error)
}

// BlobUpload is an upload session. Chunks are staged in the order they are
// appended and handed to the ingester as one chunk sequence on Commit.
type BlobUpload interface {
	// ID identifies the session.
	ID() string

	// StartedAt returns the time the session was started.
	StartedAt() time.Time

	// Size is the number of bytes staged so far.
	Size() int64

	// Chunks is the number of chunks staged so far.
	Chunks() int

	// AppendChunk stages the content of chunk. offset must be the current
	// Size, otherwise ErrBlobUploadInvalidOffset is returned and nothing is
	// staged. It returns the number of bytes staged.
	AppendChunk(ctx context.Context, offset int64, chunk io.Reader) (int64, error)

	// Commit ingests the staged chunks, verified against expected, and ends
	// the session. The session ends on failure as well.
	Commit(ctx context.Context, expected Descriptor) (Descriptor, error)

	// Cancel discards the session and its staged chunks.
	Cancel(ctx context.Context) error
}

// BlobStore groups the operations on ingested blobs.
type BlobStore interface {
	BlobStatter
	BlobIngester
	BlobUploader
	BlobProvider
	BlobDeleter
}
