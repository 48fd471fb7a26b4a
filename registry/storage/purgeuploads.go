package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/distribution/ingest/internal/dcontext"
	storagedriver "github.com/distribution/ingest/registry/storage/driver"
)

// uploadData describes an upload found under the uploads root.
type uploadData struct {
	containingDir string
	startedAt     time.Time
}

// PurgeUploads deletes the uploads started before olderThan, upload sessions
// included, and returns the directories it removed. With actuallyDelete
// false nothing is removed and the directories that would be are returned.
// An upload whose start time cannot be read is kept and reported as an
// error.
func PurgeUploads(ctx context.Context, driver storagedriver.StorageDriver, olderThan time.Time, actuallyDelete bool) ([]string, []error) {
	logger := dcontext.GetLoggerWithField(ctx, "olderthan", olderThan)
	logger.Info("purging stale uploads")

	uploads, errs := outstandingUploads(ctx, driver)

	var deleted []string
	for _, upload := range uploads {
		if !upload.startedAt.Before(olderThan) {
			continue
		}

		if actuallyDelete {
			if err := driver.Delete(ctx, upload.containingDir); err != nil {
				var notFound storagedriver.PathNotFoundError
				if !errors.As(err, &notFound) {
					errs = append(errs, err)
					continue
				}
			}
		}
		deleted = append(deleted, upload.containingDir)
	}

	logger.Infof("purge uploads finished: %d purged, %d errors, dry run %t", len(deleted), len(errs), !actuallyDelete)
	purgedUploads.Inc(float64(len(deleted)))
	return deleted, errs
}

// outstandingUploads lists every upload directory with its start time.
func outstandingUploads(ctx context.Context, driver storagedriver.StorageDriver) ([]uploadData, []error) {
	root, err := defaultPathMapper.path(uploadsRootPathSpec{})
	if err != nil {
		return nil, []error{err}
	}

	dirs, err := driver.List(ctx, root)
	if err != nil {
		var notFound storagedriver.PathNotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, []error{err}
	}

	var (
		uploads []uploadData
		errs    []error
	)
	for _, dir := range dirs {
		startedAtPath, err := defaultPathMapper.path(uploadStartedAtPathSpec{id: path.Base(dir)})
		if err != nil {
			errs = append(errs, err)
			continue
		}

		content, err := driver.GetContent(ctx, startedAtPath)
		if err != nil {
			errs = append(errs, fmt.Errorf("upload %s: %w", dir, err))
			continue
		}

		startedAt, err := time.Parse(time.RFC3339Nano, string(content))
		if err != nil {
			errs = append(errs, fmt.Errorf("upload %s: corrupt start time: %w", dir, err))
			continue
		}

		uploads = append(uploads, uploadData{
			containingDir: dir,
			startedAt:     startedAt,
		})
	}

	return uploads, errs
}
