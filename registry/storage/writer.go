package storage

import (
	"bufio"
	"context"
	"errors"
	"io"
	"time"

	"github.com/distribution/ingest"
	"github.com/distribution/ingest/digest"
	"github.com/distribution/ingest/internal/dcontext"
	prometheus "github.com/distribution/ingest/metrics"
)

// DefaultSubChunkLimit caps the number of bytes read from a chunk source in a
// single call, and so the memory held by one write.
const DefaultSubChunkLimit = 2_000_000

var (
	writeBytes    = prometheus.WriterNamespace.NewCounter("bytes", "The number of bytes written to sinks")
	writeTimer    = prometheus.WriterNamespace.NewTimer("write", "The number of seconds a write takes")
	writeOutcomes = prometheus.WriterNamespace.NewLabeledCounter("writes", "The number of writes by final state", "state")
)

// DigestWriter copies chunk sequences to a sink while computing a fixed set
// of digests over the copied bytes. A DigestWriter holds no per-write state
// and may be shared between goroutines.
type DigestWriter struct {
	algorithms    []digest.Algorithm
	subChunkLimit int
}

// WriterOption configures a DigestWriter.
type WriterOption func(*DigestWriter)

// WithSubChunkLimit sets the maximum size of a single read from a chunk
// source. Values below one are ignored.
func WithSubChunkLimit(n int) WriterOption {
	return func(w *DigestWriter) {
		if n > 0 {
			w.subChunkLimit = n
		}
	}
}

// NewDigestWriter returns a writer computing the given algorithms. The
// algorithms are validated when a write starts.
func NewDigestWriter(algs []digest.Algorithm, opts ...WriterOption) *DigestWriter {
	w := &DigestWriter{
		algorithms:    append([]digest.Algorithm(nil), algs...),
		subChunkLimit: DefaultSubChunkLimit,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Algorithms returns the configured algorithms.
func (w *DigestWriter) Algorithms() []digest.Algorithm {
	return append([]digest.Algorithm(nil), w.algorithms...)
}

// Write reads every chunk to exhaustion, in order, writing each sub-chunk to
// sink and feeding it to the digests. Once all chunks are consumed the sink is
// flushed and the digests are finalized. On error no Result is returned and
// whatever was already written to sink is left for the caller to discard.
func (w *DigestWriter) Write(ctx context.Context, sink ingest.Sink, chunks ...ingest.ChunkSource) (ingest.Result, error) {
	defer writeTimer.UpdateSince(time.Now())

	state := ingest.WriteStateNotStarted
	logger := dcontext.GetLogger(ctx)

	result, err := w.write(ctx, sink, chunks, &state)
	if err != nil {
		state = ingest.WriteStateAborted
		logger.WithError(err).Errorf("digest write aborted after %d bytes", result.Size)
		writeOutcomes.WithValues(state.String()).Inc(1)
		return ingest.Result{}, err
	}

	dcontext.GetLoggerWithField(ctx, "size", result.Size).Debugf("digest write %s", state)
	writeOutcomes.WithValues(state.String()).Inc(1)
	return result, nil
}

func (w *DigestWriter) write(ctx context.Context, sink ingest.Sink, chunks []ingest.ChunkSource, state *ingest.WriteState) (ingest.Result, error) {
	set, err := digest.NewSet(w.algorithms...)
	if err != nil {
		return ingest.Result{}, err
	}

	*state = ingest.WriteStateAccumulating

	var size int64
	buf := make([]byte, w.subChunkLimit)
	for i, chunk := range chunks {
		for {
			if err := ctx.Err(); err != nil {
				return ingest.Result{Size: size}, ingest.ChunkReadError{Index: i, Err: err}
			}

			n, rerr := chunk.Read(buf)
			if n > 0 {
				if err := writeFull(sink, buf[:n]); err != nil {
					return ingest.Result{Size: size}, err
				}
				size += int64(n)
				writeBytes.Inc(float64(n))

				if err := set.UpdateAll(buf[:n]); err != nil {
					return ingest.Result{Size: size}, err
				}
			}

			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				return ingest.Result{Size: size}, ingest.ChunkReadError{Index: i, Err: rerr}
			}
		}
	}

	if err := sink.Flush(); err != nil {
		return ingest.Result{Size: size}, ingest.SinkWriteError{Err: err}
	}
	*state = ingest.WriteStateFlushed

	digests, err := set.FinalizeAll()
	if err != nil {
		return ingest.Result{Size: size}, err
	}
	*state = ingest.WriteStateFinalized

	return ingest.Result{Size: size, Digests: digests}, nil
}

func writeFull(sink io.Writer, p []byte) error {
	n, err := sink.Write(p)
	if err == nil && n != len(p) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return ingest.SinkWriteError{Err: err}
	}
	return nil
}

// Write copies chunks to sink with a DigestWriter using the default sub-chunk
// limit.
func Write(ctx context.Context, sink ingest.Sink, algs []digest.Algorithm, chunks ...ingest.ChunkSource) (ingest.Result, error) {
	return NewDigestWriter(algs).Write(ctx, sink, chunks...)
}

// NewBufferedSink returns a sink buffering writes to w. Flush writes the
// buffered bytes through to w.
func NewBufferedSink(w io.Writer) ingest.Sink {
	return bufio.NewWriterSize(w, DefaultSubChunkLimit)
}

type nopFlushSink struct {
	io.Writer
}

func (nopFlushSink) Flush() error { return nil }

// NopFlushSink returns a sink writing directly to w whose Flush does nothing.
// It suits unbuffered writers such as an *os.File or a bytes.Buffer.
func NopFlushSink(w io.Writer) ingest.Sink {
	return nopFlushSink{Writer: w}
}

// IsWriteError reports whether err was raised by the sink or a chunk source,
// as opposed to a configuration error detected before any I/O.
func IsWriteError(err error) bool {
	var sinkErr ingest.SinkWriteError
	var readErr ingest.ChunkReadError
	return errors.As(err, &sinkErr) || errors.As(err, &readErr)
}
