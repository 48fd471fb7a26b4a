package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/require"

	"github.com/distribution/ingest"
	"github.com/distribution/ingest/digest"
	"github.com/distribution/ingest/registry/storage/driver/inmemory"
)

func hexOf(sum []byte) string {
	return hex.EncodeToString(sum)
}

func expectedDigests(p []byte) map[string]string {
	sha256sum := sha256.Sum256(p)
	sha512sum := sha512.Sum512(p)
	md5sum := md5.Sum(p)
	return map[string]string{
		"sha256": hexOf(sha256sum[:]),
		"sha512": hexOf(sha512sum[:]),
		"md5":    hexOf(md5sum[:]),
	}
}

var testAlgorithms = []digest.Algorithm{digest.SHA256, digest.SHA512, digest.MD5}

func chunksOf(parts ...[]byte) []ingest.ChunkSource {
	chunks := make([]ingest.ChunkSource, 0, len(parts))
	for _, part := range parts {
		chunks = append(chunks, bytes.NewReader(part))
	}
	return chunks
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	p := make([]byte, n)
	_, err := rand.Read(p)
	require.NoError(t, err)
	return p
}

func TestWriteHelloWorld(t *testing.T) {
	var out bytes.Buffer
	result, err := Write(context.Background(), NopFlushSink(&out), []digest.Algorithm{digest.SHA256},
		strings.NewReader("hello, "), strings.NewReader("world!"))
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("hello, world!"))
	require.Equal(t, int64(13), result.Size)
	require.Equal(t, map[string]string{"sha256": hexOf(sum[:])}, result.Digests)
	require.Equal(t, "hello, world!", out.String())

	dgst, ok := result.Digest("sha256")
	require.True(t, ok)
	require.Equal(t, "sha256:"+hexOf(sum[:]), dgst.String())
}

func TestWritePartitionInvariance(t *testing.T) {
	content := randomBytes(t, 64*1024+17)
	expected := expectedDigests(content)

	partitions := map[string][][]byte{
		"single": {content},
		"halves": {content[:len(content)/2], content[len(content)/2:]},
		"uneven": {content[:1], content[1:4097], content[4097:4098], content[4098:]},
	}
	var bytewise [][]byte
	for i := 0; i < len(content); i += 997 {
		end := i + 997
		if end > len(content) {
			end = len(content)
		}
		bytewise = append(bytewise, content[i:end])
	}
	partitions["prime-sized"] = bytewise

	for _, limit := range []int{1, 7, 4096, DefaultSubChunkLimit} {
		for name, parts := range partitions {
			var out bytes.Buffer
			w := NewDigestWriter(testAlgorithms, WithSubChunkLimit(limit))
			result, err := w.Write(context.Background(), NopFlushSink(&out), chunksOf(parts...)...)
			require.NoError(t, err, "%s/%d", name, limit)
			require.Equal(t, int64(len(content)), result.Size, "%s/%d", name, limit)
			require.Equal(t, expected, result.Digests, "%s/%d", name, limit)
			require.Equal(t, content, out.Bytes(), "%s/%d", name, limit)
		}
	}
}

func TestWriteIsIdempotent(t *testing.T) {
	content := randomBytes(t, 10_000)
	w := NewDigestWriter(testAlgorithms, WithSubChunkLimit(333))

	var first, second bytes.Buffer
	r1, err := w.Write(context.Background(), NopFlushSink(&first), bytes.NewReader(content))
	require.NoError(t, err)
	r2, err := w.Write(context.Background(), NopFlushSink(&second), bytes.NewReader(content))
	require.NoError(t, err)

	require.Equal(t, r1, r2)
	require.Equal(t, first.Bytes(), second.Bytes())
}

func TestWriteEmptyInput(t *testing.T) {
	expected := expectedDigests(nil)

	for name, chunks := range map[string][]ingest.ChunkSource{
		"no chunks":    nil,
		"empty chunks": chunksOf(nil, []byte{}, nil),
	} {
		var out bytes.Buffer
		result, err := NewDigestWriter(testAlgorithms).Write(context.Background(), NopFlushSink(&out), chunks...)
		require.NoError(t, err, name)
		require.Equal(t, int64(0), result.Size, name)
		require.Equal(t, expected, result.Digests, name)
		require.Zero(t, out.Len(), name)
	}
}

// boundedSink records the size of every write it receives.
type boundedSink struct {
	bytes.Buffer
	writes  []int
	flushes int
}

func (s *boundedSink) Write(p []byte) (int, error) {
	s.writes = append(s.writes, len(p))
	return s.Buffer.Write(p)
}

func (s *boundedSink) Flush() error {
	s.flushes++
	return nil
}

func TestWriteBoundsSubChunks(t *testing.T) {
	content := randomBytes(t, 1000)
	sink := &boundedSink{}

	result, err := NewDigestWriter(testAlgorithms, WithSubChunkLimit(64)).
		Write(context.Background(), sink, bytes.NewReader(content), bytes.NewReader(content[:10]))
	require.NoError(t, err)
	require.Equal(t, int64(1010), result.Size)
	require.Equal(t, 1, sink.flushes)

	total := 0
	for _, n := range sink.writes {
		require.LessOrEqual(t, n, 64)
		require.Positive(t, n)
		total += n
	}
	require.Equal(t, 1010, total)
}

func TestWriteIgnoresInvalidSubChunkLimit(t *testing.T) {
	w := NewDigestWriter(testAlgorithms, WithSubChunkLimit(0), WithSubChunkLimit(-5))
	require.Equal(t, DefaultSubChunkLimit, w.subChunkLimit)
}

func TestWriteUnsupportedAlgorithmLeavesSinkUntouched(t *testing.T) {
	sink := &boundedSink{}
	chunk := bytes.NewReader([]byte("payload"))

	result, err := NewDigestWriter([]digest.Algorithm{digest.SHA256, "crc-none"}).
		Write(context.Background(), sink, chunk)
	require.Error(t, err)
	require.Equal(t, ingest.Result{}, result)

	var unsupported ingest.ErrUnsupportedAlgorithm
	require.ErrorAs(t, err, &unsupported)
	require.Equal(t, "crc-none", unsupported.Algorithm)
	require.False(t, IsWriteError(err))

	require.Empty(t, sink.writes)
	require.Zero(t, sink.flushes)
	require.Equal(t, 7, chunk.Len(), "chunk must not be read")
}

func TestWriteNoAlgorithms(t *testing.T) {
	sink := &boundedSink{}
	_, err := NewDigestWriter(nil).Write(context.Background(), sink, strings.NewReader("x"))
	require.ErrorIs(t, err, ingest.ErrNoAlgorithms)
	require.Empty(t, sink.writes)
}

type failingSink struct {
	writeErr error
	flushErr error
	short    bool
}

func (s failingSink) Write(p []byte) (int, error) {
	if s.short {
		return len(p) / 2, nil
	}
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	return len(p), nil
}

func (s failingSink) Flush() error {
	return s.flushErr
}

func TestWriteSinkFailures(t *testing.T) {
	errDisk := errors.New("disk full")

	for name, tc := range map[string]struct {
		sink     failingSink
		expected error
	}{
		"write": {sink: failingSink{writeErr: errDisk}, expected: errDisk},
		"short": {sink: failingSink{short: true}, expected: io.ErrShortWrite},
		"flush": {sink: failingSink{flushErr: errDisk}, expected: errDisk},
	} {
		result, err := Write(context.Background(), tc.sink, testAlgorithms, strings.NewReader("some content"))
		require.Error(t, err, name)
		require.Equal(t, ingest.Result{}, result, name)
		require.ErrorIs(t, err, tc.expected, name)

		var sinkErr ingest.SinkWriteError
		require.ErrorAs(t, err, &sinkErr, name)
		require.True(t, IsWriteError(err), name)
	}
}

func TestWriteChunkReadFailure(t *testing.T) {
	errReset := errors.New("connection reset")
	var out bytes.Buffer

	result, err := Write(context.Background(), NopFlushSink(&out), testAlgorithms,
		strings.NewReader("first"),
		io.MultiReader(strings.NewReader("partial"), iotest.ErrReader(errReset)))
	require.Error(t, err)
	require.Equal(t, ingest.Result{}, result)
	require.ErrorIs(t, err, errReset)

	var readErr ingest.ChunkReadError
	require.ErrorAs(t, err, &readErr)
	require.Equal(t, 1, readErr.Index)

	// bytes already written are not rolled back
	require.Equal(t, "firstpartial", out.String())
}

func TestWriteContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink := &boundedSink{}
	_, err := Write(ctx, sink, testAlgorithms, strings.NewReader("never read"))
	require.ErrorIs(t, err, context.Canceled)

	var readErr ingest.ChunkReadError
	require.ErrorAs(t, err, &readErr)
	require.Equal(t, 0, readErr.Index)
	require.Empty(t, sink.writes)
	require.Zero(t, sink.flushes)
}

// stutterReader returns (0, nil) before every read of the wrapped reader.
type stutterReader struct {
	r       io.Reader
	stalled bool
}

func (s *stutterReader) Read(p []byte) (int, error) {
	s.stalled = !s.stalled
	if s.stalled {
		return 0, nil
	}
	return s.r.Read(p)
}

func TestWriteUnusualReaders(t *testing.T) {
	content := randomBytes(t, 4096)
	expected := expectedDigests(content)

	for name, chunk := range map[string]ingest.ChunkSource{
		"one byte":   iotest.OneByteReader(bytes.NewReader(content)),
		"half":       iotest.HalfReader(bytes.NewReader(content)),
		"data + EOF": iotest.DataErrReader(bytes.NewReader(content)),
		"stutter":    &stutterReader{r: bytes.NewReader(content)},
	} {
		var out bytes.Buffer
		result, err := NewDigestWriter(testAlgorithms, WithSubChunkLimit(1000)).
			Write(context.Background(), NopFlushSink(&out), chunk)
		require.NoError(t, err, name)
		require.Equal(t, int64(len(content)), result.Size, name)
		require.Equal(t, expected, result.Digests, name)
		require.Equal(t, content, out.Bytes(), name)
	}
}

func TestBufferedSinkFlushesOnCompletion(t *testing.T) {
	var out bytes.Buffer
	sink := NewBufferedSink(&out)

	_, err := sink.Write([]byte("buffered"))
	require.NoError(t, err)
	require.Zero(t, out.Len())

	result, err := Write(context.Background(), sink, testAlgorithms, strings.NewReader(" content"))
	require.NoError(t, err)
	require.Equal(t, int64(8), result.Size)
	require.Equal(t, "buffered content", out.String())
}

func TestWriteToDriverFileWriter(t *testing.T) {
	ctx := context.Background()
	d := inmemory.New()
	content := randomBytes(t, 100_000)

	fw, err := d.Writer(ctx, "/uploads/test/data", false)
	require.NoError(t, err)
	defer fw.Close()

	result, err := NewDigestWriter(testAlgorithms, WithSubChunkLimit(4096)).Write(ctx, fw, bytes.NewReader(content))
	require.NoError(t, err)
	require.Equal(t, expectedDigests(content), result.Digests)

	// flushed bytes are visible before commit
	stored, err := d.GetContent(ctx, "/uploads/test/data")
	require.NoError(t, err)
	require.Equal(t, content, stored)
}

func TestDigestWriterConcurrentWrites(t *testing.T) {
	w := NewDigestWriter(testAlgorithms, WithSubChunkLimit(512))
	contents := make([][]byte, 8)
	for i := range contents {
		contents[i] = randomBytes(t, 10_000+i)
	}

	type outcome struct {
		index  int
		result ingest.Result
		err    error
	}
	outcomes := make(chan outcome, len(contents))
	for i, content := range contents {
		go func(i int, content []byte) {
			var out bytes.Buffer
			result, err := w.Write(context.Background(), NopFlushSink(&out), bytes.NewReader(content))
			outcomes <- outcome{index: i, result: result, err: err}
		}(i, content)
	}

	for range contents {
		o := <-outcomes
		require.NoError(t, o.err)
		require.Equal(t, expectedDigests(contents[o.index]), o.result.Digests)
	}
}
