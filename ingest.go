package ingest

import (
	"io"

	"github.com/opencontainers/go-digest"
)

// ChunkSource yields the bytes of one chunk of an incoming stream. A source
// is exhausted once Read returns io.EOF. The caller owns the source; readers
// of a ChunkSource never close it.
type ChunkSource interface {
	io.Reader
}

// Sink is the writable destination of an ingestion. Flush must make every
// byte previously written visible to subsequent readers of the same
// destination. Digests are only trusted once Flush has returned.
type Sink interface {
	io.Writer
	Flush() error
}

// Result is the outcome of a successful write. Size is the number of bytes
// written to the sink and Digests maps every configured algorithm name to
// the lowercase hex digest of exactly those bytes.
type Result struct {
	Size    int64             `json:"size"`
	Digests map[string]string `json:"digests"`
}

// Digest returns the typed digest for the algorithm, if it was computed.
func (r Result) Digest(algorithm string) (digest.Digest, bool) {
	hex, ok := r.Digests[algorithm]
	if !ok {
		return "", false
	}
	return digest.NewDigestFromEncoded(digest.Algorithm(algorithm), hex), true
}

// WriteState tracks the progress of a single write operation.
type WriteState int

const (
	// WriteStateNotStarted is the state before any byte has been read.
	WriteStateNotStarted WriteState = iota
	// WriteStateAccumulating is entered with the first read attempt and
	// lasts while sub-chunks are copied and hashed.
	WriteStateAccumulating
	// WriteStateFlushed is reached once the sink has been flushed.
	WriteStateFlushed
	// WriteStateFinalized is terminal; only then is a Result valid.
	WriteStateFinalized
	// WriteStateAborted is terminal and never carries a Result.
	WriteStateAborted
)

var writeStateNames = map[WriteState]string{
	WriteStateNotStarted:   "not-started",
	WriteStateAccumulating: "accumulating",
	WriteStateFlushed:      "flushed",
	WriteStateFinalized:    "finalized",
	WriteStateAborted:      "aborted",
}

func (s WriteState) String() string {
	if name, ok := writeStateNames[s]; ok {
		return name
	}
	return "unknown"
}
