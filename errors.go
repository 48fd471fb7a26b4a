package ingest

import (
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
)

var (
	// ErrNoAlgorithms is returned when a digest set is requested without
	// any algorithm.
	ErrNoAlgorithms = errors.New("no digest algorithms configured")

	// ErrBlobUnknown when blob is not found.
	ErrBlobUnknown = errors.New("unknown blob")

	// ErrBlobInvalidLength returned when the blob has an expected length on
	// commit, meaning mismatched with the descriptor or an invalid value.
	ErrBlobInvalidLength = errors.New("blob invalid length")

	// ErrUnsupported is returned when an unimplemented or unsupported action is
	// performed
	ErrUnsupported = errors.New("operation unsupported")

	// ErrBlobUploadUnknown is returned when an upload session is unknown,
	// either never started or already committed or cancelled.
	ErrBlobUploadUnknown = errors.New("blob upload unknown")
)

// ErrBlobUploadInvalidOffset is returned when a chunk is appended anywhere
// but at the end of an upload session. Size is the current size of the
// session, the only offset accepted.
type ErrBlobUploadInvalidOffset struct {
	Offset int64
	Size   int64
}

func (err ErrBlobUploadInvalidOffset) Error() string {
	return fmt.Sprintf("chunk offset %d does not match upload size %d", err.Offset, err.Size)
}

// ErrUnsupportedAlgorithm is returned when a digest algorithm name does not
// map to a known hashing primitive. It is always reported before any byte
// is written.
type ErrUnsupportedAlgorithm struct {
	Algorithm string
}

func (err ErrUnsupportedAlgorithm) Error() string {
	return fmt.Sprintf("unsupported digest algorithm: %q", err.Algorithm)
}

// SinkWriteError is returned when writing to or flushing the sink fails.
// Bytes already written are not rolled back.
type SinkWriteError struct {
	Err error
}

func (err SinkWriteError) Error() string {
	return fmt.Sprintf("sink write failed: %v", err.Err)
}

func (err SinkWriteError) Unwrap() error {
	return err.Err
}

// ChunkReadError is returned when a chunk source fails mid-read. Index is
// the position of the failing source in the chunk sequence.
type ChunkReadError struct {
	Index int
	Err   error
}

func (err ChunkReadError) Error() string {
	return fmt.Sprintf("reading chunk %d failed: %v", err.Index, err.Err)
}

func (err ChunkReadError) Unwrap() error {
	return err.Err
}

// ErrBlobInvalidDigest returned when digest check fails.
type ErrBlobInvalidDigest struct {
	Digest digest.Digest
	Reason error
}

func (err ErrBlobInvalidDigest) Error() string {
	return fmt.Sprintf("invalid digest for referenced layer: %v, %v",
		err.Digest, err.Reason)
}

func (err ErrBlobInvalidDigest) Unwrap() error {
	return err.Reason
}
