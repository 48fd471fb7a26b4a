package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/distribution/ingest"
	"github.com/distribution/ingest/internal/dcontext"
	"github.com/distribution/ingest/internal/uuid"
	storagedriver "github.com/distribution/ingest/registry/storage/driver"
)

// uploadSession stages the chunks of an upload in the driver, one file per
// chunk, until the upload is committed. The driver is the only source of
// truth: every operation reloads the staged chunks, so a session survives
// restarts and may be resumed by any instance sharing the driver.
type uploadSession struct {
	bs        *blobStore
	id        string
	startedAt time.Time
	chunks    []stagedChunk
}

type stagedChunk struct {
	offset int64
	size   int64
	path   string
}

var _ ingest.BlobUpload = &uploadSession{}

// StartUpload opens an empty upload session.
func (bs *blobStore) StartUpload(ctx context.Context) (ingest.BlobUpload, error) {
	id := uuid.NewString()
	startedAt, err := bs.markStarted(ctx, id)
	if err != nil {
		return nil, err
	}

	dcontext.GetLoggerWithField(dcontext.WithUploadID(ctx, id), "upload.id", id).Debug("upload started")
	blobActions.WithValues("upload_started").Inc(1)

	return &uploadSession{
		bs:        bs,
		id:        id,
		startedAt: startedAt,
	}, nil
}

// ResumeUpload loads the session id from the driver.
func (bs *blobStore) ResumeUpload(ctx context.Context, id string) (ingest.BlobUpload, error) {
	if !uuid.Valid(id) {
		return nil, ingest.ErrBlobUploadUnknown
	}

	us := &uploadSession{bs: bs, id: id}
	if err := us.load(ctx); err != nil {
		return nil, err
	}
	return us, nil
}

// lockUpload serializes operations on the upload id within this process.
func (bs *blobStore) lockUpload(id string) func() {
	v, _ := bs.uploadLocks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (us *uploadSession) ID() string {
	return us.id
}

func (us *uploadSession) StartedAt() time.Time {
	return us.startedAt
}

func (us *uploadSession) Size() int64 {
	var size int64
	for _, chunk := range us.chunks {
		size += chunk.size
	}
	return size
}

func (us *uploadSession) Chunks() int {
	return len(us.chunks)
}

// load reads the start time and the staged chunks of the session. Chunk
// files must be contiguous, each starting where the previous one ends.
func (us *uploadSession) load(ctx context.Context) error {
	driver := us.bs.driver

	startedAtPath, err := us.bs.pm.path(uploadStartedAtPathSpec{id: us.id})
	if err != nil {
		return err
	}

	content, err := driver.GetContent(ctx, startedAtPath)
	if err != nil {
		var notFound storagedriver.PathNotFoundError
		if errors.As(err, &notFound) {
			return ingest.ErrBlobUploadUnknown
		}
		return err
	}

	startedAt, err := time.Parse(time.RFC3339Nano, string(content))
	if err != nil {
		return fmt.Errorf("upload %s: corrupt start time: %w", us.id, err)
	}

	chunksPath, err := us.bs.pm.path(uploadChunksPathSpec{id: us.id})
	if err != nil {
		return err
	}

	names, err := driver.List(ctx, chunksPath)
	if err != nil {
		var notFound storagedriver.PathNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
		names = nil
	}
	sort.Strings(names)

	chunks := make([]stagedChunk, 0, len(names))
	var size int64
	for _, name := range names {
		offset, err := strconv.ParseInt(path.Base(name), 10, 64)
		if err != nil {
			return fmt.Errorf("upload %s: unexpected file %q", us.id, name)
		}
		if offset != size {
			return fmt.Errorf("upload %s: chunk at offset %d, expected %d", us.id, offset, size)
		}

		fi, err := driver.Stat(ctx, name)
		if err != nil {
			return err
		}

		chunks = append(chunks, stagedChunk{
			offset: offset,
			size:   fi.Size(),
			path:   name,
		})
		size += fi.Size()
	}

	us.startedAt = startedAt
	us.chunks = chunks
	return nil
}

// AppendChunk stages chunk as the next chunk of the session. An empty chunk
// is accepted and stages nothing.
func (us *uploadSession) AppendChunk(ctx context.Context, offset int64, chunk io.Reader) (int64, error) {
	defer blobTimer.WithValues("append").UpdateSince(time.Now())

	unlock := us.bs.lockUpload(us.id)
	defer unlock()

	if err := us.load(ctx); err != nil {
		return 0, err
	}

	if size := us.Size(); offset != size {
		return 0, ingest.ErrBlobUploadInvalidOffset{Offset: offset, Size: size}
	}

	chunkPath, err := us.bs.pm.path(uploadChunkPathSpec{id: us.id, offset: offset})
	if err != nil {
		return 0, err
	}

	fw, err := us.bs.driver.Writer(ctx, chunkPath, false)
	if err != nil {
		return 0, err
	}

	cr := &chunkReader{Reader: chunk}
	n, err := io.Copy(fw, cr)
	if err != nil {
		if cerr := fw.Cancel(ctx); cerr != nil {
			dcontext.GetLogger(ctx).WithError(cerr).Error("error cancelling chunk")
		}
		if cr.err != nil {
			return 0, ingest.ChunkReadError{Index: len(us.chunks), Err: cr.err}
		}
		return 0, ingest.SinkWriteError{Err: err}
	}

	if n == 0 {
		return 0, fw.Cancel(ctx)
	}

	if err := fw.Commit(ctx); err != nil {
		fw.Cancel(ctx)
		return 0, err
	}

	if err := fw.Close(); err != nil {
		return 0, err
	}

	us.chunks = append(us.chunks, stagedChunk{
		offset: offset,
		size:   n,
		path:   chunkPath,
	})

	dcontext.GetLoggerWithFields(ctx, map[any]any{
		"upload.id":     us.id,
		"chunk.offset":  offset,
		"chunk.size":    n,
		"upload.chunks": len(us.chunks),
	}).Debug("chunk staged")
	blobActions.WithValues("chunk_staged").Inc(1)

	return n, nil
}

// Commit ingests the staged chunks in order. The session is removed
// whatever the outcome.
func (us *uploadSession) Commit(ctx context.Context, expected ingest.Descriptor) (ingest.Descriptor, error) {
	unlock := us.bs.lockUpload(us.id)
	defer unlock()
	defer us.bs.uploadLocks.Delete(us.id)

	ctx = dcontext.WithUploadID(ctx, us.id)

	if err := us.load(ctx); err != nil {
		return ingest.Descriptor{}, err
	}
	defer us.bs.removeUpload(ctx, us.id)

	sources := make([]ingest.ChunkSource, len(us.chunks))
	readers := make([]*stagedChunkReader, len(us.chunks))
	for i, chunk := range us.chunks {
		readers[i] = &stagedChunkReader{ctx: ctx, driver: us.bs.driver, path: chunk.path}
		sources[i] = readers[i]
	}
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()

	desc, err := us.bs.Ingest(ctx, expected, sources...)
	if err != nil {
		return ingest.Descriptor{}, err
	}

	blobActions.WithValues("upload_committed").Inc(1)
	return desc, nil
}

// Cancel removes the session and every staged chunk.
func (us *uploadSession) Cancel(ctx context.Context) error {
	unlock := us.bs.lockUpload(us.id)
	defer unlock()
	defer us.bs.uploadLocks.Delete(us.id)

	uploadPath, err := us.bs.pm.path(uploadPathSpec{id: us.id})
	if err != nil {
		return err
	}

	if err := us.bs.driver.Delete(ctx, uploadPath); err != nil {
		var notFound storagedriver.PathNotFoundError
		if errors.As(err, &notFound) {
			return ingest.ErrBlobUploadUnknown
		}
		return err
	}

	dcontext.GetLoggerWithField(ctx, "upload.id", us.id).Info("upload cancelled")
	blobActions.WithValues("upload_cancelled").Inc(1)
	return nil
}

// chunkReader remembers the error of the wrapped reader, telling read
// failures apart from write failures of io.Copy.
type chunkReader struct {
	io.Reader
	err error
}

func (cr *chunkReader) Read(p []byte) (int, error) {
	n, err := cr.Reader.Read(p)
	if err != nil && err != io.EOF {
		cr.err = err
	}
	return n, err
}

// stagedChunkReader opens a staged chunk on first read, so a commit holds
// one chunk file open at a time.
type stagedChunkReader struct {
	ctx    context.Context
	driver storagedriver.StorageDriver
	path   string

	rc     io.ReadCloser
	closed bool
}

func (r *stagedChunkReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, io.EOF
	}

	if r.rc == nil {
		rc, err := r.driver.Reader(r.ctx, r.path, 0)
		if err != nil {
			return 0, err
		}
		r.rc = rc
	}

	n, err := r.rc.Read(p)
	if err == io.EOF {
		r.Close()
	}
	return n, err
}

func (r *stagedChunkReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.rc == nil {
		return nil
	}
	return r.rc.Close()
}
