package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	storagedriver "github.com/distribution/ingest/registry/storage/driver"
	"github.com/distribution/ingest/registry/storage/driver/factory"
	"github.com/distribution/ingest/registry/storage/driver/testsuites"
)

func newDriverConstructor(tb testing.TB) testsuites.DriverConstructor {
	root := tb.TempDir()

	return func() (storagedriver.StorageDriver, error) {
		return FromParameters(map[string]any{
			"rootdirectory": root,
		})
	}
}

func TestFilesystemDriverSuite(t *testing.T) {
	testsuites.Driver(t, newDriverConstructor(t), testsuites.NeverSkip)
}

func BenchmarkFilesystemDriverSuite(b *testing.B) {
	benchsuite := testsuites.NewDriverBenchmarkSuite(&testsuites.DriverSuite{
		Constructor: newDriverConstructor(b),
		SkipCheck:   testsuites.NeverSkip,
	})
	benchsuite.Suite.SetupSuite()
	b.Run("Ingest1MB", benchsuite.BenchmarkIngest1MB)
	b.Run("Ingest64MB", benchsuite.BenchmarkIngest64MB)
	b.Run("Stage50Chunks", benchsuite.BenchmarkStage50Chunks)
	b.Run("Load50Chunks", benchsuite.BenchmarkLoad50Chunks)
	b.Run("Read50Chunks", benchsuite.BenchmarkRead50Chunks)
	b.Run("Delete50Chunks", benchsuite.BenchmarkDelete50Chunks)
}

func TestFromParametersImpl(t *testing.T) {
	tests := []struct {
		params   map[string]any // technically the yaml can contain anything
		expected DriverParameters
		pass     bool
	}{
		// check we use default threads and root dirs
		{
			params: map[string]any{},
			expected: DriverParameters{
				RootDirectory: defaultRootDirectory,
				MaxThreads:    defaultMaxThreads,
			},
			pass: true,
		},
		// Testing initiation with a string maxThreads which can't be parsed
		{
			params: map[string]any{
				"maxthreads": "fail",
			},
			expected: DriverParameters{},
			pass:     false,
		},
		{
			params: map[string]any{
				"maxthreads": uint64(50),
			},
			expected: DriverParameters{
				RootDirectory: defaultRootDirectory,
				MaxThreads:    uint64(50),
			},
			pass: true,
		},
		{
			params: map[string]any{
				"maxthreads": 50,
			},
			expected: DriverParameters{
				RootDirectory: defaultRootDirectory,
				MaxThreads:    uint64(50),
			},
			pass: true,
		},
		// check that we use minimum thread counts
		{
			params: map[string]any{
				"maxthreads": 1,
			},
			expected: DriverParameters{
				RootDirectory: defaultRootDirectory,
				MaxThreads:    minThreads,
			},
			pass: true,
		},
		{
			params: map[string]any{
				"rootdirectory": "/srv/ingest",
				"fsync":         "true",
			},
			expected: DriverParameters{
				RootDirectory: "/srv/ingest",
				MaxThreads:    defaultMaxThreads,
				Fsync:         true,
			},
			pass: true,
		},
	}

	for i, item := range tests {
		params, err := fromParametersImpl(item.params)

		if !item.pass {
			require.Error(t, err, "case %d", i)
			continue
		}
		require.NoError(t, err, "case %d", i)
		require.Equal(t, item.expected, *params, "case %d", i)
	}
}

func TestFactoryCreatesFilesystemDriver(t *testing.T) {
	root := t.TempDir()

	d, err := factory.Create(context.Background(), driverName, map[string]any{"rootdirectory": root})
	require.NoError(t, err)
	require.Equal(t, driverName, d.Name())

	require.NoError(t, d.PutContent(context.Background(), "/a/b", []byte("content")))
	_, err = os.Stat(filepath.Join(root, "a", "b"))
	require.NoError(t, err)
}
