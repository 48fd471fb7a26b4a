package notifications

import (
	"context"
	"io"

	"github.com/opencontainers/go-digest"

	"github.com/distribution/ingest"
	"github.com/distribution/ingest/internal/dcontext"
)

// BlobListener describes a listener that can respond to blob related events.
type BlobListener interface {
	BlobPushed(ctx context.Context, desc ingest.Descriptor) error
	BlobPulled(ctx context.Context, desc ingest.Descriptor) error
	BlobDeleted(ctx context.Context, dgst digest.Digest) error
}

type blobStoreListener struct {
	ingest.BlobStore
	listener BlobListener
}

// Listen dispatches blob store events to the provided listener. Listener
// errors are logged and never fail the store operation.
func Listen(store ingest.BlobStore, listener BlobListener) ingest.BlobStore {
	return &blobStoreListener{
		BlobStore: store,
		listener:  listener,
	}
}

func (bsl *blobStoreListener) Ingest(ctx context.Context, expected ingest.Descriptor, chunks ...ingest.ChunkSource) (ingest.Descriptor, error) {
	desc, err := bsl.BlobStore.Ingest(ctx, expected, chunks...)
	if err == nil {
		if err := bsl.listener.BlobPushed(ctx, desc); err != nil {
			dcontext.GetLogger(ctx).Errorf("error dispatching blob push to listener: %v", err)
		}
	}

	return desc, err
}

func (bsl *blobStoreListener) Open(ctx context.Context, dgst digest.Digest) (io.ReadCloser, ingest.Descriptor, error) {
	rc, desc, err := bsl.BlobStore.Open(ctx, dgst)
	if err == nil {
		if err := bsl.listener.BlobPulled(ctx, desc); err != nil {
			dcontext.GetLogger(ctx).Errorf("error dispatching blob pull to listener: %v", err)
		}
	}

	return rc, desc, err
}

func (bsl *blobStoreListener) Delete(ctx context.Context, dgst digest.Digest) error {
	err := bsl.BlobStore.Delete(ctx, dgst)
	if err == nil {
		if err := bsl.listener.BlobDeleted(ctx, dgst); err != nil {
			dcontext.GetLogger(ctx).Errorf("error dispatching blob delete to listener: %v", err)
		}
	}

	return err
}

func (bsl *blobStoreListener) StartUpload(ctx context.Context) (ingest.BlobUpload, error) {
	upload, err := bsl.BlobStore.StartUpload(ctx)
	if err != nil {
		return nil, err
	}
	return &blobUploadListener{BlobUpload: upload, listener: bsl.listener}, nil
}

func (bsl *blobStoreListener) ResumeUpload(ctx context.Context, id string) (ingest.BlobUpload, error) {
	upload, err := bsl.BlobStore.ResumeUpload(ctx, id)
	if err != nil {
		return nil, err
	}
	return &blobUploadListener{BlobUpload: upload, listener: bsl.listener}, nil
}

// blobUploadListener reports a committed upload session as a pushed blob.
type blobUploadListener struct {
	ingest.BlobUpload
	listener BlobListener
}

func (bul *blobUploadListener) Commit(ctx context.Context, expected ingest.Descriptor) (ingest.Descriptor, error) {
	desc, err := bul.BlobUpload.Commit(ctx, expected)
	if err == nil {
		if err := bul.listener.BlobPushed(ctx, desc); err != nil {
			dcontext.GetLogger(ctx).Errorf("error dispatching blob push to listener: %v", err)
		}
	}

	return desc, err
}
