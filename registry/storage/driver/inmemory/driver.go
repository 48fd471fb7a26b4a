package inmemory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	storagedriver "github.com/distribution/ingest/registry/storage/driver"
	"github.com/distribution/ingest/registry/storage/driver/base"
	"github.com/distribution/ingest/registry/storage/driver/factory"
)

const driverName = "inmemory"

func init() {
	factory.Register(driverName, &inMemoryDriverFactory{})
}

// inMemoryDriverFactory implements the factory.StorageDriverFactory interface.
type inMemoryDriverFactory struct{}

func (factory *inMemoryDriverFactory) Create(ctx context.Context, parameters map[string]any) (storagedriver.StorageDriver, error) {
	return New(), nil
}

type file struct {
	data    []byte
	modTime time.Time
}

type driver struct {
	files map[string]*file
	mutex sync.RWMutex
}

// baseEmbed allows us to hide the Base embed.
type baseEmbed struct {
	base.Base
}

// Driver is a storagedriver.StorageDriver implementation backed by a local map.
// Intended solely for example and testing purposes.
type Driver struct {
	baseEmbed // embedded, hidden base driver.
}

var _ storagedriver.StorageDriver = &Driver{}

// New constructs a new Driver.
func New() *Driver {
	return &Driver{
		baseEmbed: baseEmbed{
			Base: base.Base{
				StorageDriver: &driver{
					files: make(map[string]*file),
				},
			},
		},
	}
}

// Implement the storagedriver.StorageDriver interface.

func (d *driver) Name() string {
	return driverName
}

// GetContent retrieves the content stored at "path" as a []byte.
func (d *driver) GetContent(ctx context.Context, path string) ([]byte, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	f, ok := d.files[path]
	if !ok {
		return nil, storagedriver.PathNotFoundError{Path: path}
	}

	return append([]byte(nil), f.data...), nil
}

// PutContent stores the []byte content at a location designated by "path".
func (d *driver) PutContent(ctx context.Context, path string, contents []byte) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.isDir(path) {
		return storagedriver.Error{DriverName: driverName, Detail: errors.New("path is a directory")}
	}

	d.files[path] = &file{data: append([]byte(nil), contents...), modTime: time.Now()}
	return nil
}

// Reader retrieves an io.ReadCloser for the content stored at "path" with a
// given byte offset.
func (d *driver) Reader(ctx context.Context, path string, offset int64) (io.ReadCloser, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	f, ok := d.files[path]
	if !ok {
		return nil, storagedriver.PathNotFoundError{Path: path}
	}

	if offset > int64(len(f.data)) {
		return nil, storagedriver.InvalidOffsetError{Path: path, Offset: offset}
	}

	// Readers see a snapshot of the content at open time.
	return io.NopCloser(bytes.NewReader(append([]byte(nil), f.data[offset:]...))), nil
}

// Writer returns a FileWriter which will store the content written to it
// at the location designated by "path" after the call to Commit.
func (d *driver) Writer(ctx context.Context, path string, append bool) (storagedriver.FileWriter, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.isDir(path) {
		return nil, storagedriver.Error{DriverName: driverName, Detail: errors.New("path is a directory")}
	}

	f, ok := d.files[path]
	if !ok || !append {
		f = &file{modTime: time.Now()}
		d.files[path] = f
	}

	return &writer{d: d, path: path, f: f, size: int64(len(f.data))}, nil
}

// Stat returns info about the provided path.
func (d *driver) Stat(ctx context.Context, path string) (storagedriver.FileInfo, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	fi := storagedriver.FileInfoFields{Path: path}

	if f, ok := d.files[path]; ok {
		fi.Size = int64(len(f.data))
		fi.ModTime = f.modTime
		return storagedriver.FileInfoInternal{FileInfoFields: fi}, nil
	}

	if d.isDir(path) {
		fi.IsDir = true
		for p, f := range d.files {
			if strings.HasPrefix(p, dirPrefix(path)) && f.modTime.After(fi.ModTime) {
				fi.ModTime = f.modTime
			}
		}
		return storagedriver.FileInfoInternal{FileInfoFields: fi}, nil
	}

	return nil, storagedriver.PathNotFoundError{Path: path}
}

// List returns a list of the objects that are direct descendants of the given
// path.
func (d *driver) List(ctx context.Context, path string) ([]string, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	prefix := dirPrefix(path)
	seen := make(map[string]struct{})
	for p := range d.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		child, _, _ := strings.Cut(strings.TrimPrefix(p, prefix), "/")
		seen[prefix+child] = struct{}{}
	}

	if len(seen) == 0 && path != "/" {
		return nil, storagedriver.PathNotFoundError{Path: path}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Move moves an object stored at sourcePath to destPath, removing the original
// object.
func (d *driver) Move(ctx context.Context, sourcePath string, destPath string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	moved := false
	for p, f := range d.files {
		switch {
		case p == sourcePath:
			d.files[destPath] = f
		case strings.HasPrefix(p, dirPrefix(sourcePath)):
			d.files[destPath+strings.TrimPrefix(p, sourcePath)] = f
		default:
			continue
		}
		delete(d.files, p)
		moved = true
	}

	if !moved {
		return storagedriver.PathNotFoundError{Path: sourcePath}
	}
	return nil
}

// Delete recursively deletes all objects stored at "path" and its subpaths.
func (d *driver) Delete(ctx context.Context, path string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	deleted := false
	for p := range d.files {
		if p == path || strings.HasPrefix(p, dirPrefix(path)) {
			delete(d.files, p)
			deleted = true
		}
	}

	if !deleted {
		return storagedriver.PathNotFoundError{Path: path}
	}
	return nil
}

// isDir must be called with the mutex held.
func (d *driver) isDir(path string) bool {
	prefix := dirPrefix(path)
	for p := range d.files {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func dirPrefix(path string) string {
	if strings.HasSuffix(path, "/") {
		return path
	}
	return path + "/"
}

var (
	errAlreadyClosed    = errors.New("already closed")
	errAlreadyCommitted = errors.New("already committed")
	errAlreadyCancelled = errors.New("already cancelled")
)

// writer buffers writes and publishes them to the file on Flush.
type writer struct {
	d         *driver
	path      string
	f         *file
	buffer    []byte
	size      int64
	closed    bool
	committed bool
	cancelled bool
}

func (w *writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errAlreadyClosed
	} else if w.committed {
		return 0, errAlreadyCommitted
	} else if w.cancelled {
		return 0, errAlreadyCancelled
	}

	w.buffer = append(w.buffer, p...)
	w.size += int64(len(p))
	return len(p), nil
}

func (w *writer) Size() int64 {
	return w.size
}

func (w *writer) Flush() error {
	if w.closed {
		return errAlreadyClosed
	}

	w.d.mutex.Lock()
	defer w.d.mutex.Unlock()

	w.f.data = append(w.f.data, w.buffer...)
	w.f.modTime = time.Now()
	w.buffer = nil
	return nil
}

func (w *writer) Close() error {
	if w.closed {
		return errAlreadyClosed
	}
	if err := w.Flush(); err != nil {
		return err
	}
	w.closed = true
	return nil
}

func (w *writer) Cancel(ctx context.Context) error {
	if w.closed {
		return errAlreadyClosed
	} else if w.committed {
		return errAlreadyCommitted
	}
	w.cancelled = true
	w.closed = true

	w.d.mutex.Lock()
	defer w.d.mutex.Unlock()

	if w.d.files[w.path] == w.f {
		delete(w.d.files, w.path)
	}
	return nil
}

func (w *writer) Commit(ctx context.Context) error {
	if w.closed {
		return errAlreadyClosed
	} else if w.committed {
		return errAlreadyCommitted
	} else if w.cancelled {
		return errAlreadyCancelled
	}
	if err := w.Flush(); err != nil {
		return err
	}
	w.committed = true
	return nil
}
