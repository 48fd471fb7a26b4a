// Package ingest defines the interfaces shared by the components of the
// blob ingestion service. The goal is to persist arbitrarily large byte
// streams while computing every configured content digest in the same pass.
//
// # Chunks and sinks
//
// Incoming content arrives as an ordered sequence of ChunkSource values (a
// network response body, an uploaded request body, a file segment). The
// writer in the storage package reads each source in bounded sub-chunks,
// writes every sub-chunk to a Sink and feeds the same bytes to a set of
// digest accumulators. Once every source is exhausted the sink is flushed
// and the digests are finalized into a Result.
//
// # Blobs
//
// A stored blob is identified by its canonical digest, the digest computed
// with the first configured algorithm. The Descriptor carries the canonical
// digest alongside every other digest computed during ingestion so callers
// can address, verify or deduplicate content with whichever algorithm they
// prefer.
package ingest
