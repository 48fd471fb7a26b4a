package inmemory

import (
	"testing"

	storagedriver "github.com/distribution/ingest/registry/storage/driver"
	"github.com/distribution/ingest/registry/storage/driver/testsuites"
)

func newDriverConstructor() (storagedriver.StorageDriver, error) {
	return New(), nil
}

func TestInMemoryDriverSuite(t *testing.T) {
	testsuites.Driver(t, newDriverConstructor, testsuites.NeverSkip)
}

func BenchmarkInMemoryDriverSuite(b *testing.B) {
	benchsuite := testsuites.NewDriverBenchmarkSuite(&testsuites.DriverSuite{
		Constructor: newDriverConstructor,
		SkipCheck:   testsuites.NeverSkip,
	})
	benchsuite.Suite.SetupSuite()
	b.Run("Ingest1KB", benchsuite.BenchmarkIngest1KB)
	b.Run("Ingest1MB", benchsuite.BenchmarkIngest1MB)
	b.Run("Stage5Chunks", benchsuite.BenchmarkStage5Chunks)
	b.Run("Stage50Chunks", benchsuite.BenchmarkStage50Chunks)
	b.Run("Load5Chunks", benchsuite.BenchmarkLoad5Chunks)
	b.Run("Load50Chunks", benchsuite.BenchmarkLoad50Chunks)
	b.Run("Read50Chunks", benchsuite.BenchmarkRead50Chunks)
	b.Run("Delete5Chunks", benchsuite.BenchmarkDelete5Chunks)
	b.Run("Delete50Chunks", benchsuite.BenchmarkDelete50Chunks)
}
