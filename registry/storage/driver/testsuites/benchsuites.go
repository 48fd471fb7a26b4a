package testsuites

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"testing"
)

// DriverBenchmarkSuite measures a driver under the access patterns of
// ingestion: a blob streamed in small writes and moved into place, and
// upload sessions staging, listing, reading and discarding chunk files.
type DriverBenchmarkSuite struct {
	Suite *DriverSuite
}

func NewDriverBenchmarkSuite(ds *DriverSuite) *DriverBenchmarkSuite {
	return &DriverBenchmarkSuite{Suite: ds}
}

// BenchmarkIngest1KB streams 1KB in 256B writes.
func (s *DriverBenchmarkSuite) BenchmarkIngest1KB(b *testing.B) {
	s.benchmarkIngest(b, 1024, 256)
}

// BenchmarkIngest1MB streams 1MB in 32KB writes.
func (s *DriverBenchmarkSuite) BenchmarkIngest1MB(b *testing.B) {
	s.benchmarkIngest(b, 1024*1024, 32*1024)
}

// BenchmarkIngest64MB streams 64MB in 1MB writes.
func (s *DriverBenchmarkSuite) BenchmarkIngest64MB(b *testing.B) {
	s.benchmarkIngest(b, 64*1024*1024, 1024*1024)
}

// benchmarkIngest writes size bytes to a temporary file in writes of
// writeSize, commits it and moves it to its content path.
func (s *DriverBenchmarkSuite) benchmarkIngest(b *testing.B, size, writeSize int64) {
	b.SetBytes(size)
	root := randomPath(8)
	defer s.cleanup(b, root)

	content := randomContents(size)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tmp := path.Join(root, "tmp", randomFilename(36), "data")
		w, err := s.Suite.StorageDriver.Writer(s.Suite.ctx, tmp, false)
		s.Suite.Require().NoError(err)

		for off := int64(0); off < size; off += writeSize {
			end := min(off+writeSize, size)
			_, err := w.Write(content[off:end])
			s.Suite.Require().NoError(err)
		}
		s.Suite.Require().Equal(size, w.Size())
		s.Suite.Require().NoError(w.Commit(s.Suite.ctx))
		s.Suite.Require().NoError(w.Close())

		dst := path.Join(root, "blobs", fmt.Sprintf("%d", i), "data")
		s.Suite.Require().NoError(s.Suite.StorageDriver.Move(s.Suite.ctx, tmp, dst))
	}
}

// BenchmarkStage5Chunks stages five 64KB chunks per session.
func (s *DriverBenchmarkSuite) BenchmarkStage5Chunks(b *testing.B) {
	s.benchmarkStageChunks(b, 5, 64*1024)
}

// BenchmarkStage50Chunks stages fifty 4KB chunks per session.
func (s *DriverBenchmarkSuite) BenchmarkStage50Chunks(b *testing.B) {
	s.benchmarkStageChunks(b, 50, 4*1024)
}

func (s *DriverBenchmarkSuite) benchmarkStageChunks(b *testing.B, numChunks, chunkSize int64) {
	b.SetBytes(numChunks * chunkSize)
	root := randomPath(8)
	defer s.cleanup(b, root)

	chunk := randomContents(chunkSize)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.stageSession(b, root, numChunks, chunk)
	}
}

// BenchmarkLoad5Chunks lists and stats a session of five chunks.
func (s *DriverBenchmarkSuite) BenchmarkLoad5Chunks(b *testing.B) {
	s.benchmarkLoadSession(b, 5)
}

// BenchmarkLoad50Chunks lists and stats a session of fifty chunks.
func (s *DriverBenchmarkSuite) BenchmarkLoad50Chunks(b *testing.B) {
	s.benchmarkLoadSession(b, 50)
}

// benchmarkLoadSession measures what resuming a session costs: a listing
// of its chunk directory and a stat per chunk.
func (s *DriverBenchmarkSuite) benchmarkLoadSession(b *testing.B, numChunks int64) {
	root := randomPath(8)
	defer s.cleanup(b, root)

	chunks := s.stageSession(b, root, numChunks, randomContents(16))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		files, err := s.Suite.StorageDriver.List(s.Suite.ctx, chunks)
		s.Suite.Require().NoError(err)
		s.Suite.Require().Equal(numChunks, int64(len(files)))

		for _, f := range files {
			fi, err := s.Suite.StorageDriver.Stat(s.Suite.ctx, f)
			s.Suite.Require().NoError(err)
			s.Suite.Require().Equal(int64(16), fi.Size())
		}
	}
}

// BenchmarkRead50Chunks reads back fifty staged 4KB chunks in order.
func (s *DriverBenchmarkSuite) BenchmarkRead50Chunks(b *testing.B) {
	const numChunks, chunkSize = 50, 4 * 1024

	b.SetBytes(numChunks * chunkSize)
	root := randomPath(8)
	defer s.cleanup(b, root)

	chunks := s.stageSession(b, root, numChunks, randomContents(chunkSize))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var total int64
		for j := int64(0); j < numChunks; j++ {
			rc, err := s.Suite.StorageDriver.Reader(s.Suite.ctx, chunkPath(chunks, j*chunkSize), 0)
			s.Suite.Require().NoError(err)
			n, err := io.Copy(io.Discard, rc)
			s.Suite.Require().NoError(err)
			s.Suite.Require().NoError(rc.Close())
			total += n
		}
		s.Suite.Require().Equal(int64(numChunks*chunkSize), total)
	}
}

// BenchmarkDelete5Chunks removes sessions of five chunks.
func (s *DriverBenchmarkSuite) BenchmarkDelete5Chunks(b *testing.B) {
	s.benchmarkDeleteSession(b, 5)
}

// BenchmarkDelete50Chunks removes sessions of fifty chunks.
func (s *DriverBenchmarkSuite) BenchmarkDelete50Chunks(b *testing.B) {
	s.benchmarkDeleteSession(b, 50)
}

func (s *DriverBenchmarkSuite) benchmarkDeleteSession(b *testing.B, numChunks int64) {
	root := randomPath(8)
	defer s.cleanup(b, root)

	chunk := randomContents(16)
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		chunks := s.stageSession(b, root, numChunks, chunk)
		b.StartTimer()

		s.Suite.Require().NoError(s.Suite.StorageDriver.Delete(s.Suite.ctx, path.Dir(chunks)))
	}
}

// stageSession writes numChunks copies of chunk the way an upload session
// stages them and returns the chunk directory.
func (s *DriverBenchmarkSuite) stageSession(b *testing.B, root string, numChunks int64, chunk []byte) string {
	b.Helper()

	chunks := path.Join(root, "uploads", randomFilename(36), "chunks")
	size := int64(len(chunk))
	for j := int64(0); j < numChunks; j++ {
		w, err := s.Suite.StorageDriver.Writer(s.Suite.ctx, chunkPath(chunks, j*size), false)
		s.Suite.Require().NoError(err)

		n, err := io.Copy(w, bytes.NewReader(chunk))
		s.Suite.Require().NoError(err)
		s.Suite.Require().Equal(size, n)

		s.Suite.Require().NoError(w.Commit(s.Suite.ctx))
		s.Suite.Require().NoError(w.Close())
	}
	return chunks
}

func (s *DriverBenchmarkSuite) cleanup(b *testing.B, root string) {
	b.StopTimer()
	// nolint:errcheck
	s.Suite.StorageDriver.Delete(s.Suite.ctx, firstPart(root))
}

// chunkPath names a chunk by its zero padded offset, so a listing sorts in
// staging order.
func chunkPath(dir string, offset int64) string {
	return path.Join(dir, fmt.Sprintf("%020d", offset))
}
