package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/distribution/ingest"
	"github.com/distribution/ingest/digest"
	"github.com/distribution/ingest/internal/dcontext"
	"github.com/distribution/ingest/internal/uuid"
	prometheus "github.com/distribution/ingest/metrics"
	"github.com/distribution/ingest/registry/storage/cache"
	storagedriver "github.com/distribution/ingest/registry/storage/driver"
)

// DefaultMediaType is assigned to blobs ingested without a media type.
const DefaultMediaType = "application/octet-stream"

// DefaultAlgorithms are computed when no algorithms are configured. The first
// one is canonical.
var DefaultAlgorithms = []digest.Algorithm{digest.SHA256, digest.SHA512}

var (
	blobActions = prometheus.StorageNamespace.NewLabeledCounter("blob_actions", "The number of blob operations by action", "action")
	blobTimer   = prometheus.StorageNamespace.NewLabeledTimer("blob", "The number of seconds blob operations take", "action")

	purgedUploads = prometheus.StorageNamespace.NewCounter("purged_uploads", "The number of stale uploads purged")
)

// blobStore persists ingested content in a storage driver, addressed by its
// canonical digest.
type blobStore struct {
	driver     storagedriver.StorageDriver
	pm         *pathMapper
	algorithms []digest.Algorithm
	writerOpts []WriterOption
	cache      cache.BlobDescriptorCacheProvider

	writer  *DigestWriter
	statter ingest.BlobDescriptorService

	// uploadLocks serializes the operations on one upload session.
	uploadLocks sync.Map
}

// BlobStoreOption is the type used for functional options for NewBlobStore.
type BlobStoreOption func(*blobStore) error

// WithAlgorithms sets the digest algorithms computed on ingestion. The first
// algorithm is canonical: blobs are stored under its digest.
func WithAlgorithms(algs ...digest.Algorithm) BlobStoreOption {
	return func(bs *blobStore) error {
		if _, err := digest.NewSet(algs...); err != nil {
			return err
		}
		bs.algorithms = append([]digest.Algorithm(nil), algs...)
		return nil
	}
}

// WithWriterOptions passes options to the DigestWriter used on ingestion.
func WithWriterOptions(opts ...WriterOption) BlobStoreOption {
	return func(bs *blobStore) error {
		bs.writerOpts = append(bs.writerOpts, opts...)
		return nil
	}
}

// WithDescriptorCache configures the blob store to use the provided
// descriptor cache in front of the storage driver.
func WithDescriptorCache(provider cache.BlobDescriptorCacheProvider) BlobStoreOption {
	return func(bs *blobStore) error {
		bs.cache = provider
		return nil
	}
}

// NewBlobStore creates a blob store backed by driver.
func NewBlobStore(ctx context.Context, driver storagedriver.StorageDriver, options ...BlobStoreOption) (ingest.BlobStore, error) {
	bs := &blobStore{
		driver:     driver,
		pm:         defaultPathMapper,
		algorithms: DefaultAlgorithms,
	}

	for _, option := range options {
		if err := option(bs); err != nil {
			return nil, err
		}
	}

	bs.writer = NewDigestWriter(bs.algorithms, bs.writerOpts...)

	var statter ingest.BlobDescriptorService = &blobStatter{
		driver: driver,
		pm:     bs.pm,
	}
	if bs.cache != nil {
		statter = cache.NewCachedBlobStatter(bs.cache, statter)
	}
	bs.statter = statter

	dcontext.GetLoggerWithField(ctx, "driver", driver.Name()).
		Infof("blob store computing %v", bs.algorithms)

	return bs, nil
}

// Stat returns the descriptor of the blob addressed by any of its digests.
func (bs *blobStore) Stat(ctx context.Context, dgst digest.Digest) (ingest.Descriptor, error) {
	if err := digest.Validate(dgst); err != nil {
		return ingest.Descriptor{}, ingest.ErrBlobInvalidDigest{Digest: dgst, Reason: err}
	}
	return bs.statter.Stat(ctx, dgst)
}

// Ingest writes chunks to a fresh upload, verifies the result against
// expected and moves the upload into the blob store. An upload failing for
// any reason is removed.
func (bs *blobStore) Ingest(ctx context.Context, expected ingest.Descriptor, chunks ...ingest.ChunkSource) (ingest.Descriptor, error) {
	defer blobTimer.WithValues("ingest").UpdateSince(time.Now())

	if expected.Digest != "" {
		if err := digest.Validate(expected.Digest); err != nil {
			return ingest.Descriptor{}, ingest.ErrBlobInvalidDigest{Digest: expected.Digest, Reason: err}
		}
	}

	id := uuid.NewString()
	ctx = dcontext.WithUploadID(ctx, id)
	logger := dcontext.GetLogger(ctx)

	result, err := bs.upload(ctx, id, chunks)
	if err != nil {
		bs.removeUpload(ctx, id)
		blobActions.WithValues("failed").Inc(1)
		return ingest.Descriptor{}, err
	}

	desc, err := bs.validate(expected, result)
	if err != nil {
		logger.WithError(err).Warn("discarding upload")
		bs.removeUpload(ctx, id)
		blobActions.WithValues("rejected").Inc(1)
		return ingest.Descriptor{}, err
	}

	existed, err := bs.moveBlob(ctx, id, desc)
	bs.removeUpload(ctx, id)
	if err != nil {
		return ingest.Descriptor{}, err
	}

	if existed {
		desc = bs.mergeStored(ctx, desc)
	}

	if err := bs.statter.SetDescriptor(ctx, desc.Digest, desc); err != nil {
		return ingest.Descriptor{}, err
	}

	dcontext.GetLoggerWithFields(ctx, map[any]any{
		"digest": desc.Digest,
		"size":   desc.Size,
	}).Info("blob ingested")
	blobActions.WithValues("ingested").Inc(1)

	return desc, nil
}

// upload streams chunks into the data file of the upload id.
func (bs *blobStore) upload(ctx context.Context, id string, chunks []ingest.ChunkSource) (ingest.Result, error) {
	if _, err := bs.markStarted(ctx, id); err != nil {
		return ingest.Result{}, err
	}

	dataPath, err := bs.pm.path(uploadDataPathSpec{id: id})
	if err != nil {
		return ingest.Result{}, err
	}

	fw, err := bs.driver.Writer(ctx, dataPath, false)
	if err != nil {
		return ingest.Result{}, err
	}

	result, err := bs.writer.Write(ctx, fw, chunks...)
	if err != nil {
		if cerr := fw.Cancel(ctx); cerr != nil {
			dcontext.GetLogger(ctx).WithError(cerr).Error("error cancelling upload")
		}
		return ingest.Result{}, err
	}

	if err := fw.Commit(ctx); err != nil {
		fw.Cancel(ctx)
		return ingest.Result{}, err
	}

	if err := fw.Close(); err != nil {
		return ingest.Result{}, err
	}

	return result, nil
}

// markStarted records the start time of the upload id. The upload purger
// removes uploads by this time.
func (bs *blobStore) markStarted(ctx context.Context, id string) (time.Time, error) {
	startedAtPath, err := bs.pm.path(uploadStartedAtPathSpec{id: id})
	if err != nil {
		return time.Time{}, err
	}

	startedAt := time.Now().UTC()
	if err := bs.driver.PutContent(ctx, startedAtPath, []byte(startedAt.Format(time.RFC3339Nano))); err != nil {
		return time.Time{}, err
	}
	return startedAt, nil
}

// validate checks the write result against the expected descriptor and
// returns the descriptor of the new blob.
func (bs *blobStore) validate(expected ingest.Descriptor, result ingest.Result) (ingest.Descriptor, error) {
	canonical, ok := result.Digest(string(bs.algorithms[0]))
	if !ok {
		return ingest.Descriptor{}, fmt.Errorf("canonical digest %s not computed", bs.algorithms[0])
	}

	if expected.Size > 0 && expected.Size != result.Size {
		return ingest.Descriptor{}, ingest.ErrBlobInvalidLength
	}

	if expected.Digest != "" {
		computed, ok := result.Digest(expected.Digest.Algorithm().String())
		if !ok {
			return ingest.Descriptor{}, ingest.ErrBlobInvalidDigest{
				Digest: expected.Digest,
				Reason: fmt.Errorf("algorithm %s is not computed by this store", expected.Digest.Algorithm()),
			}
		}
		if computed != expected.Digest {
			return ingest.Descriptor{}, ingest.ErrBlobInvalidDigest{
				Digest: expected.Digest,
				Reason: errors.New("content does not match digest"),
			}
		}
	}

	mediaType := expected.MediaType
	if mediaType == "" {
		mediaType = DefaultMediaType
	}

	return ingest.Descriptor{
		MediaType: mediaType,
		Size:      result.Size,
		Digest:    canonical,
		Digests:   result.Digests,
	}, nil
}

// moveBlob moves the upload data into the blob store and reports whether
// the content was already stored. Content already present under the same
// digest is kept as is.
func (bs *blobStore) moveBlob(ctx context.Context, id string, desc ingest.Descriptor) (bool, error) {
	blobPath, err := bs.pm.path(blobDataPathSpec{digest: desc.Digest})
	if err != nil {
		return false, err
	}

	ok, err := exists(ctx, bs.driver, blobPath)
	if err != nil {
		return false, err
	}
	if ok {
		// The blob store is content addressable, the stored content is
		// identical.
		dcontext.GetLoggerWithField(ctx, "digest", desc.Digest).Debug("blob exists, discarding upload")
		blobActions.WithValues("deduplicated").Inc(1)
		return true, nil
	}

	dataPath, err := bs.pm.path(uploadDataPathSpec{id: id})
	if err != nil {
		return false, err
	}

	return false, bs.driver.Move(ctx, dataPath, blobPath)
}

// mergeStored folds the stored descriptor of a deduplicated blob into desc.
// The first ingestion names the media type of a blob; digests computed by
// either ingestion are kept.
func (bs *blobStore) mergeStored(ctx context.Context, desc ingest.Descriptor) ingest.Descriptor {
	stored, err := bs.statter.Stat(ctx, desc.Digest)
	if err != nil {
		// A blob without descriptor takes the new one.
		return desc
	}

	merged := desc
	merged.MediaType = stored.MediaType
	merged.Digests = make(map[string]string, len(desc.Digests)+len(stored.Digests))
	for alg, hex := range stored.Digests {
		merged.Digests[alg] = hex
	}
	for alg, hex := range desc.Digests {
		merged.Digests[alg] = hex
	}
	return merged
}

// removeUpload deletes every file of the upload. Errors are logged, a
// leftover upload is garbage and never addressed.
func (bs *blobStore) removeUpload(ctx context.Context, id string) {
	dataPath, err := bs.pm.path(uploadDataPathSpec{id: id})
	if err != nil {
		return
	}

	if err := bs.driver.Delete(ctx, path.Dir(dataPath)); err != nil {
		var notFound storagedriver.PathNotFoundError
		if !errors.As(err, &notFound) {
			dcontext.GetLogger(ctx).WithError(err).Warn("error removing upload")
		}
	}
}

// Open returns a reader for the blob content.
func (bs *blobStore) Open(ctx context.Context, dgst digest.Digest) (io.ReadCloser, ingest.Descriptor, error) {
	defer blobTimer.WithValues("open").UpdateSince(time.Now())

	desc, err := bs.Stat(ctx, dgst)
	if err != nil {
		return nil, ingest.Descriptor{}, err
	}

	blobPath, err := bs.pm.path(blobDataPathSpec{digest: desc.Digest})
	if err != nil {
		return nil, ingest.Descriptor{}, err
	}

	rc, err := bs.driver.Reader(ctx, blobPath, 0)
	if err != nil {
		var notFound storagedriver.PathNotFoundError
		if errors.As(err, &notFound) {
			return nil, ingest.Descriptor{}, ingest.ErrBlobUnknown
		}
		return nil, ingest.Descriptor{}, err
	}

	blobActions.WithValues("opened").Inc(1)
	return rc, desc, nil
}

// Delete removes the blob and every alias of it.
func (bs *blobStore) Delete(ctx context.Context, dgst digest.Digest) error {
	defer blobTimer.WithValues("delete").UpdateSince(time.Now())

	desc, err := bs.Stat(ctx, dgst)
	if err != nil {
		return err
	}

	if bs.cache != nil {
		for _, alias := range aliases(desc) {
			if err := bs.cache.Clear(ctx, alias); err != nil && !errors.Is(err, ingest.ErrBlobUnknown) {
				dcontext.GetLoggerWithField(ctx, "digest", alias).WithError(err).Error("error clearing cached alias")
			}
		}
	}

	if err := bs.statter.Clear(ctx, desc.Digest); err != nil {
		return err
	}

	blobPath, err := bs.pm.path(blobPathSpec{digest: desc.Digest})
	if err != nil {
		return err
	}

	if err := bs.driver.Delete(ctx, blobPath); err != nil {
		var notFound storagedriver.PathNotFoundError
		if errors.As(err, &notFound) {
			return ingest.ErrBlobUnknown
		}
		return err
	}

	dcontext.GetLoggerWithField(ctx, "digest", desc.Digest).Info("blob deleted")
	blobActions.WithValues("deleted").Inc(1)
	return nil
}

// blobStatter reads blob descriptors from the files stored next to the blob
// data. It is the backend of the descriptor cache.
type blobStatter struct {
	driver storagedriver.StorageDriver
	pm     *pathMapper
}

var _ ingest.BlobDescriptorService = &blobStatter{}

// Stat resolves dgst to its canonical digest, following an alias link when
// dgst is not canonical, and reads the stored descriptor.
func (bs *blobStatter) Stat(ctx context.Context, dgst digest.Digest) (ingest.Descriptor, error) {
	desc, err := bs.readDescriptor(ctx, dgst)
	if err == nil {
		return desc, nil
	}
	if !errors.Is(err, ingest.ErrBlobUnknown) {
		return ingest.Descriptor{}, err
	}

	canonical, err := bs.readlink(ctx, dgst)
	if err != nil {
		return ingest.Descriptor{}, err
	}

	return bs.readDescriptor(ctx, canonical)
}

// SetDescriptor stores desc next to the blob and links every other digest
// of the content to it.
func (bs *blobStatter) SetDescriptor(ctx context.Context, dgst digest.Digest, desc ingest.Descriptor) error {
	if err := cache.ValidateDescriptor(desc); err != nil {
		return err
	}

	p, err := json.Marshal(desc)
	if err != nil {
		return err
	}

	descPath, err := bs.pm.path(blobDigestsPathSpec{digest: desc.Digest})
	if err != nil {
		return err
	}

	if err := bs.driver.PutContent(ctx, descPath, p); err != nil {
		return err
	}

	for _, alias := range aliases(desc) {
		linkPath, err := bs.pm.path(aliasLinkPathSpec{digest: alias})
		if err != nil {
			return err
		}

		// The contents of the link file are the canonical digest string.
		if err := bs.driver.PutContent(ctx, linkPath, []byte(desc.Digest)); err != nil {
			return err
		}
	}

	return nil
}

// Clear removes the alias links of the blob. The blob itself is removed by
// the blob store.
func (bs *blobStatter) Clear(ctx context.Context, dgst digest.Digest) error {
	desc, err := bs.Stat(ctx, dgst)
	if err != nil {
		return err
	}

	for _, alias := range aliases(desc) {
		linkPath, err := bs.pm.path(aliasLinkPathSpec{digest: alias})
		if err != nil {
			return err
		}

		if err := bs.driver.Delete(ctx, path.Dir(linkPath)); err != nil {
			var notFound storagedriver.PathNotFoundError
			if !errors.As(err, &notFound) {
				return err
			}
		}
	}

	return nil
}

func (bs *blobStatter) readDescriptor(ctx context.Context, dgst digest.Digest) (ingest.Descriptor, error) {
	descPath, err := bs.pm.path(blobDigestsPathSpec{digest: dgst})
	if err != nil {
		return ingest.Descriptor{}, err
	}

	p, err := bs.driver.GetContent(ctx, descPath)
	if err != nil {
		var notFound storagedriver.PathNotFoundError
		if errors.As(err, &notFound) {
			return ingest.Descriptor{}, ingest.ErrBlobUnknown
		}
		return ingest.Descriptor{}, err
	}

	var desc ingest.Descriptor
	if err := json.Unmarshal(p, &desc); err != nil {
		return ingest.Descriptor{}, fmt.Errorf("corrupt descriptor for %s: %w", dgst, err)
	}

	return desc, nil
}

// readlink returns the canonical digest an alias points to.
func (bs *blobStatter) readlink(ctx context.Context, dgst digest.Digest) (digest.Digest, error) {
	linkPath, err := bs.pm.path(aliasLinkPathSpec{digest: dgst})
	if err != nil {
		return "", err
	}

	content, err := bs.driver.GetContent(ctx, linkPath)
	if err != nil {
		var notFound storagedriver.PathNotFoundError
		if errors.As(err, &notFound) {
			return "", ingest.ErrBlobUnknown
		}
		return "", err
	}

	linked, err := digest.Parse(string(content))
	if err != nil {
		return "", fmt.Errorf("link %q invalid: %w", linkPath, err)
	}

	return linked, nil
}

// aliases returns every digest of desc other than the canonical one.
func aliases(desc ingest.Descriptor) []digest.Digest {
	var dgsts []digest.Digest
	for alg, hex := range desc.Digests {
		dgst := digest.NewDigestFromHex(digest.Algorithm(alg), hex)
		if dgst == desc.Digest {
			continue
		}
		dgsts = append(dgsts, dgst)
	}
	return dgsts
}

// exists reports whether or not the path exists. If the driver returns error
// other than storagedriver.PathNotFound, an error may be returned.
func exists(ctx context.Context, driver storagedriver.StorageDriver, p string) (bool, error) {
	if _, err := driver.Stat(ctx, p); err != nil {
		switch err := err.(type) {
		case storagedriver.PathNotFoundError:
			return false, nil
		default:
			return false, err
		}
	}

	return true, nil
}
