package storage

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"testing/iotest"

	godigest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distribution/ingest"
	"github.com/distribution/ingest/internal/uuid"
	storagedriver "github.com/distribution/ingest/registry/storage/driver"
)

func appendChunks(t *testing.T, upload ingest.BlobUpload, parts ...[]byte) {
	t.Helper()

	for _, part := range parts {
		n, err := upload.AppendChunk(context.Background(), upload.Size(), bytes.NewReader(part))
		require.NoError(t, err)
		require.Equal(t, int64(len(part)), n)
	}
}

func TestUploadSessionCommit(t *testing.T) {
	ctx := context.Background()
	bs, driver := newTestBlobStore(t)

	content := randomBytes(t, 3000)
	upload, err := bs.StartUpload(ctx)
	require.NoError(t, err)
	require.True(t, uuid.Valid(upload.ID()))
	require.Zero(t, upload.Size())

	appendChunks(t, upload, content[:1000], content[1000:2500], content[2500:])
	require.Equal(t, int64(len(content)), upload.Size())
	require.Equal(t, 3, upload.Chunks())

	desc, err := upload.Commit(ctx, ingest.Descriptor{
		MediaType: "application/x-tar",
		Digest:    godigest.FromBytes(content),
		Size:      int64(len(content)),
	})
	require.NoError(t, err)
	require.Equal(t, godigest.FromBytes(content), desc.Digest)
	require.Equal(t, "application/x-tar", desc.MediaType)

	p, _ := readBlob(t, bs, desc.Digest)
	require.Equal(t, content, p)

	requireNoUploads(t, driver)

	_, err = bs.ResumeUpload(ctx, upload.ID())
	require.ErrorIs(t, err, ingest.ErrBlobUploadUnknown)
}

func TestUploadSessionResume(t *testing.T) {
	ctx := context.Background()
	bs, driver := newTestBlobStore(t)

	upload, err := bs.StartUpload(ctx)
	require.NoError(t, err)
	appendChunks(t, upload, []byte("hello, "), []byte("world"))

	// another instance sharing the driver picks up the session
	other, err := NewBlobStore(ctx, driver)
	require.NoError(t, err)

	resumed, err := other.ResumeUpload(ctx, upload.ID())
	require.NoError(t, err)
	assert.Equal(t, upload.ID(), resumed.ID())
	assert.Equal(t, int64(12), resumed.Size())
	assert.Equal(t, 2, resumed.Chunks())
	assert.True(t, upload.StartedAt().Equal(resumed.StartedAt()), "%v != %v", upload.StartedAt(), resumed.StartedAt())

	appendChunks(t, resumed, []byte("!"))

	desc, err := resumed.Commit(ctx, ingest.Descriptor{})
	require.NoError(t, err)
	require.Equal(t, godigest.FromString("hello, world!"), desc.Digest)

	// the stale handle sees the session is gone
	_, err = upload.AppendChunk(ctx, upload.Size(), strings.NewReader("late"))
	require.ErrorIs(t, err, ingest.ErrBlobUploadUnknown)
}

func TestUploadSessionChunkLayout(t *testing.T) {
	ctx := context.Background()
	bs, driver := newTestBlobStore(t)

	upload, err := bs.StartUpload(ctx)
	require.NoError(t, err)
	appendChunks(t, upload, []byte("abc"), []byte("defgh"))

	chunksPath, err := defaultPathMapper.path(uploadChunksPathSpec{id: upload.ID()})
	require.NoError(t, err)

	names, err := driver.List(ctx, chunksPath)
	require.NoError(t, err)
	require.Equal(t, []string{
		chunksPath + "/00000000000000000000",
		chunksPath + "/00000000000000000003",
	}, names)

	p, err := driver.GetContent(ctx, names[1])
	require.NoError(t, err)
	require.Equal(t, "defgh", string(p))
}

func TestUploadSessionInvalidOffset(t *testing.T) {
	ctx := context.Background()
	bs, _ := newTestBlobStore(t)

	upload, err := bs.StartUpload(ctx)
	require.NoError(t, err)
	appendChunks(t, upload, []byte("12345"))

	for _, offset := range []int64{0, 3, 6} {
		_, err = upload.AppendChunk(ctx, offset, strings.NewReader("678"))
		require.Equal(t, ingest.ErrBlobUploadInvalidOffset{Offset: offset, Size: 5}, err)
	}

	require.Equal(t, int64(5), upload.Size())
	require.Equal(t, 1, upload.Chunks())
}

func TestUploadSessionEmptyChunk(t *testing.T) {
	ctx := context.Background()
	bs, _ := newTestBlobStore(t)

	upload, err := bs.StartUpload(ctx)
	require.NoError(t, err)

	n, err := upload.AppendChunk(ctx, 0, bytes.NewReader(nil))
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, upload.Chunks())

	resumed, err := bs.ResumeUpload(ctx, upload.ID())
	require.NoError(t, err)
	require.Zero(t, resumed.Chunks())

	desc, err := resumed.Commit(ctx, ingest.Descriptor{})
	require.NoError(t, err)
	require.Equal(t, godigest.FromBytes(nil), desc.Digest)
}

func TestUploadSessionChunkReadError(t *testing.T) {
	ctx := context.Background()
	bs, driver := newTestBlobStore(t)

	upload, err := bs.StartUpload(ctx)
	require.NoError(t, err)
	appendChunks(t, upload, []byte("first"))

	_, err = upload.AppendChunk(ctx, upload.Size(), iotest.TimeoutReader(strings.NewReader("second")))
	var chunkErr ingest.ChunkReadError
	require.ErrorAs(t, err, &chunkErr)
	require.Equal(t, 1, chunkErr.Index)
	require.ErrorIs(t, err, iotest.ErrTimeout)

	readErr := errors.New("connection reset")
	_, err = upload.AppendChunk(ctx, upload.Size(), iotest.ErrReader(readErr))
	require.ErrorIs(t, err, readErr)

	resumed, err := bs.ResumeUpload(ctx, upload.ID())
	require.NoError(t, err)
	require.Equal(t, 1, resumed.Chunks(), "a failed chunk is not staged")
	require.Equal(t, int64(5), resumed.Size())

	chunkPath, err := defaultPathMapper.path(uploadChunkPathSpec{id: upload.ID(), offset: resumed.Size()})
	require.NoError(t, err)
	_, err = driver.Stat(ctx, chunkPath)
	require.ErrorAs(t, err, &storagedriver.PathNotFoundError{})
}

func TestUploadSessionCommitMismatch(t *testing.T) {
	ctx := context.Background()
	bs, driver := newTestBlobStore(t)

	upload, err := bs.StartUpload(ctx)
	require.NoError(t, err)
	appendChunks(t, upload, []byte("actual content"))

	_, err = upload.Commit(ctx, ingest.Descriptor{Digest: godigest.FromString("claimed content")})
	require.ErrorAs(t, err, &ingest.ErrBlobInvalidDigest{})

	requireNoUploads(t, driver)

	_, err = bs.ResumeUpload(ctx, upload.ID())
	require.ErrorIs(t, err, ingest.ErrBlobUploadUnknown)
}

func TestUploadSessionCancel(t *testing.T) {
	ctx := context.Background()
	bs, driver := newTestBlobStore(t)

	upload, err := bs.StartUpload(ctx)
	require.NoError(t, err)
	appendChunks(t, upload, []byte("discarded"))

	require.NoError(t, upload.Cancel(ctx))
	requireNoUploads(t, driver)

	_, err = bs.ResumeUpload(ctx, upload.ID())
	require.ErrorIs(t, err, ingest.ErrBlobUploadUnknown)

	require.ErrorIs(t, upload.Cancel(ctx), ingest.ErrBlobUploadUnknown)

	_, err = upload.Commit(ctx, ingest.Descriptor{})
	require.ErrorIs(t, err, ingest.ErrBlobUploadUnknown)
}

func TestResumeUploadUnknown(t *testing.T) {
	ctx := context.Background()
	bs, _ := newTestBlobStore(t)

	for _, id := range []string{
		uuid.NewString(),
		"",
		"../../blobs",
		"not-a-uuid",
	} {
		_, err := bs.ResumeUpload(ctx, id)
		require.ErrorIs(t, err, ingest.ErrBlobUploadUnknown, "%q", id)
	}
}
