package testsuites

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	storagedriver "github.com/distribution/ingest/registry/storage/driver"
)

func TestRandomPathIsValid(t *testing.T) {
	for length := int64(2); length <= 64; length++ {
		for i := 0; i < 50; i++ {
			p := randomPath(length)
			require.True(t, storagedriver.ValidPath(p), "invalid path %q", p)
			require.LessOrEqual(t, int64(len(p)), length, p)
		}
	}
}

func TestRandomFilenameHasNoSeparatorAtEnds(t *testing.T) {
	for i := 0; i < 200; i++ {
		name := randomFilename(8)
		require.Len(t, name, 8)
		require.Equal(t, -1, bytes.IndexByte(separatorChars, name[0]), name)
		require.Equal(t, -1, bytes.IndexByte(separatorChars, name[len(name)-1]), name)
	}
}
