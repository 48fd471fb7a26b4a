// Package testsuites holds the conformance tests every storage driver must
// pass.
package testsuites

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"math/big"
	"path"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	storagedriver "github.com/distribution/ingest/registry/storage/driver"
)

// DriverConstructor is a function which returns a new
// storagedriver.StorageDriver.
type DriverConstructor func() (storagedriver.StorageDriver, error)

// SkipCheck is a function used to determine if a test suite should be skipped.
// If a SkipCheck returns a non-empty skip reason, the suite is skipped with
// the given reason.
type SkipCheck func() (reason string)

// NeverSkip is a default SkipCheck which never skips the suite.
var NeverSkip SkipCheck = func() string { return "" }

// DriverSuite is a testify suite for storagedriver.StorageDriver.
type DriverSuite struct {
	suite.Suite
	Constructor DriverConstructor
	SkipCheck
	storagedriver.StorageDriver
	ctx context.Context
}

// Driver runs the full suite against the driver built by the constructor.
func Driver(t *testing.T, driverConstructor DriverConstructor, skipCheck SkipCheck) {
	suite.Run(t, &DriverSuite{
		Constructor: driverConstructor,
		SkipCheck:   skipCheck,
		ctx:         context.Background(),
	})
}

// SetupSuite sets up the test suite for tests.
func (suite *DriverSuite) SetupSuite() {
	if reason := suite.SkipCheck(); reason != "" {
		suite.T().Skip(reason)
	}
	if suite.ctx == nil {
		suite.ctx = context.Background()
	}
	d, err := suite.Constructor()
	suite.Require().NoError(err)
	suite.StorageDriver = d
}

// TearDownTest tears down the test. It removes everything under the root
// directory created by the tests.
func (suite *DriverSuite) TearDownTest() {
	files, err := suite.StorageDriver.List(suite.ctx, "/")
	if err != nil {
		return
	}
	for _, file := range files {
		suite.deletePath(file)
	}
}

// TestValidPaths checks that various valid file paths are accepted by the
// storage driver.
func (suite *DriverSuite) TestValidPaths() {
	contents := randomContents(64)
	validFiles := []string{
		"/a",
		"/2",
		"/aa",
		"/a.a",
		"/0-9/abcdefg",
		"/abcdefg/z.75",
		"/abc/1.2.3.4.5-6_zyx/123.z/4",
		"/ingest/blob-store",
		"/123.abc",
		"/abc./abc",
		"/.abc",
		"/a--b",
		"/a-.b",
		"/_.abc",
	}

	for _, filename := range validFiles {
		err := suite.StorageDriver.PutContent(suite.ctx, filename, contents)
		suite.Require().NoError(err, filename)

		received, err := suite.StorageDriver.GetContent(suite.ctx, filename)
		suite.Require().NoError(err, filename)
		suite.Require().Equal(contents, received)
		suite.deletePath(firstPart(filename))
	}
}

// TestInvalidPaths checks that various invalid file paths are rejected by the
// storage driver.
func (suite *DriverSuite) TestInvalidPaths() {
	contents := randomContents(64)
	invalidFiles := []string{
		"",
		"/",
		"abc",
		"123.abc",
		"//bcd",
		"/abc_123/",
		"/abc//def",
		"/a b",
	}

	for _, filename := range invalidFiles {
		err := suite.StorageDriver.PutContent(suite.ctx, filename, contents)
		suite.Require().Error(err, filename)
		suite.Require().IsType(storagedriver.InvalidPathError{}, err)
		suite.Require().Contains(err.Error(), suite.StorageDriver.Name())

		_, err = suite.StorageDriver.GetContent(suite.ctx, filename)
		suite.Require().Error(err)
		suite.Require().IsType(storagedriver.InvalidPathError{}, err)
	}
}

// TestWriteRead1 tests a simple write-read workflow.
func (suite *DriverSuite) TestWriteRead1() {
	filename := randomPath(32)
	contents := []byte("a")
	suite.writeReadCompare(filename, contents)
}

// TestWriteReadLarge tests a write-read workflow with a file of a few
// megabytes.
func (suite *DriverSuite) TestWriteReadLarge() {
	filename := randomPath(32)
	contents := randomContents(5 * 1024 * 1024)
	suite.writeReadCompare(filename, contents)
}

// TestWriteReadNonUTF8 tests that non-utf8 data may be written to the storage
// driver safely.
func (suite *DriverSuite) TestWriteReadNonUTF8() {
	filename := randomPath(32)
	contents := []byte{0x80, 0x80, 0x80, 0x80}
	suite.writeReadCompare(filename, contents)
}

// TestTruncate tests that putting smaller contents than an original file does
// remove the excess contents.
func (suite *DriverSuite) TestTruncate() {
	filename := randomPath(32)
	contents := randomContents(1024 * 1024)
	suite.writeReadCompare(filename, contents)

	contents = randomContents(1024)
	suite.writeReadCompare(filename, contents)
}

// TestReadNonexistent tests reading content from an empty path.
func (suite *DriverSuite) TestReadNonexistent() {
	filename := randomPath(32)
	_, err := suite.StorageDriver.GetContent(suite.ctx, filename)
	suite.Require().Error(err)
	suite.Require().IsType(storagedriver.PathNotFoundError{}, err)
	suite.Require().Contains(err.Error(), suite.StorageDriver.Name())
}

// TestWriteReadStreams tests a simple write-read streaming workflow.
func (suite *DriverSuite) TestWriteReadStreams() {
	filename := randomPath(32)
	contents := randomContents(32 * 1024)
	suite.writeReadCompareStreams(filename, contents)
}

// TestWriterFlushMakesContentVisible checks that bytes become readable once
// Flush returns, before the writer is committed.
func (suite *DriverSuite) TestWriterFlushMakesContentVisible() {
	filename := randomPath(32)
	defer suite.deletePath(firstPart(filename))
	contents := randomContents(4096)

	writer, err := suite.StorageDriver.Writer(suite.ctx, filename, false)
	suite.Require().NoError(err)
	defer writer.Close()

	nn, err := io.Copy(writer, bytes.NewReader(contents))
	suite.Require().NoError(err)
	suite.Require().Equal(int64(len(contents)), nn)
	suite.Require().Equal(int64(len(contents)), writer.Size())

	suite.Require().NoError(writer.Flush())

	received, err := suite.StorageDriver.GetContent(suite.ctx, filename)
	suite.Require().NoError(err)
	suite.Require().Equal(contents, received)

	suite.Require().NoError(writer.Commit(suite.ctx))
}

// TestWriterCancelRemovesContent checks that a cancelled writer leaves no
// file behind.
func (suite *DriverSuite) TestWriterCancelRemovesContent() {
	filename := randomPath(32)
	defer suite.deletePath(firstPart(filename))

	writer, err := suite.StorageDriver.Writer(suite.ctx, filename, false)
	suite.Require().NoError(err)

	_, err = writer.Write(randomContents(1024))
	suite.Require().NoError(err)
	suite.Require().NoError(writer.Cancel(suite.ctx))

	_, err = writer.Write([]byte("more"))
	suite.Require().Error(err)

	_, err = suite.StorageDriver.Stat(suite.ctx, filename)
	suite.Require().Error(err)
	suite.Require().IsType(storagedriver.PathNotFoundError{}, err)
}

// TestWriterAppend checks that reopening a writer in append mode continues
// where the previous writer stopped.
func (suite *DriverSuite) TestWriterAppend() {
	filename := randomPath(32)
	defer suite.deletePath(firstPart(filename))
	first := randomContents(1024)
	second := randomContents(2048)

	writer, err := suite.StorageDriver.Writer(suite.ctx, filename, false)
	suite.Require().NoError(err)
	_, err = writer.Write(first)
	suite.Require().NoError(err)
	suite.Require().NoError(writer.Close())

	writer, err = suite.StorageDriver.Writer(suite.ctx, filename, true)
	suite.Require().NoError(err)
	suite.Require().Equal(int64(len(first)), writer.Size())
	_, err = writer.Write(second)
	suite.Require().NoError(err)
	suite.Require().NoError(writer.Commit(suite.ctx))
	suite.Require().NoError(writer.Close())

	received, err := suite.StorageDriver.GetContent(suite.ctx, filename)
	suite.Require().NoError(err)
	suite.Require().Equal(append(first, second...), received)
}

// TestReaderWithOffset tests that the appropriate data is streamed when
// reading with a given offset.
func (suite *DriverSuite) TestReaderWithOffset() {
	filename := randomPath(32)
	defer suite.deletePath(firstPart(filename))

	contents := randomContents(3 * 1024)
	suite.Require().NoError(suite.StorageDriver.PutContent(suite.ctx, filename, contents))

	reader, err := suite.StorageDriver.Reader(suite.ctx, filename, 1024)
	suite.Require().NoError(err)
	defer reader.Close()

	received, err := io.ReadAll(reader)
	suite.Require().NoError(err)
	suite.Require().Equal(contents[1024:], received)

	_, err = suite.StorageDriver.Reader(suite.ctx, filename, -1)
	suite.Require().Error(err)
	suite.Require().IsType(storagedriver.InvalidOffsetError{}, err)
}

// TestReadNonexistentStream tests that reading a stream for a nonexistent path
// fails.
func (suite *DriverSuite) TestReadNonexistentStream() {
	filename := randomPath(32)

	_, err := suite.StorageDriver.Reader(suite.ctx, filename, 0)
	suite.Require().Error(err)
	suite.Require().IsType(storagedriver.PathNotFoundError{}, err)
}

// TestList checks the returned list of keys after populating a directory tree.
func (suite *DriverSuite) TestList() {
	rootDirectory := "/" + randomFilename(int64(8+randomInt(8)))
	defer suite.deletePath(rootDirectory)

	parentDirectory := rootDirectory + "/" + randomFilename(int64(8+randomInt(8)))
	childFiles := make([]string, 20)
	for i := range childFiles {
		childFile := parentDirectory + "/" + randomFilename(int64(8+randomInt(8)))
		childFiles[i] = childFile
		suite.Require().NoError(suite.StorageDriver.PutContent(suite.ctx, childFile, randomContents(32)))
	}
	sort.Strings(childFiles)

	keys, err := suite.StorageDriver.List(suite.ctx, "/")
	suite.Require().NoError(err)
	suite.Require().Contains(keys, rootDirectory)

	keys, err = suite.StorageDriver.List(suite.ctx, rootDirectory)
	suite.Require().NoError(err)
	suite.Require().Equal([]string{parentDirectory}, keys)

	keys, err = suite.StorageDriver.List(suite.ctx, parentDirectory)
	suite.Require().NoError(err)
	sort.Strings(keys)
	suite.Require().Equal(childFiles, keys)

	_, err = suite.StorageDriver.List(suite.ctx, rootDirectory+"/missing")
	suite.Require().Error(err)
	suite.Require().IsType(storagedriver.PathNotFoundError{}, err)
}

// TestMove checks that a moved object no longer exists at the source path and
// does exist at the destination.
func (suite *DriverSuite) TestMove() {
	contents := randomContents(32)
	sourcePath := randomPath(32)
	destPath := randomPath(32)

	defer suite.deletePath(firstPart(sourcePath))
	defer suite.deletePath(firstPart(destPath))

	suite.Require().NoError(suite.StorageDriver.PutContent(suite.ctx, sourcePath, contents))
	suite.Require().NoError(suite.StorageDriver.Move(suite.ctx, sourcePath, destPath))

	received, err := suite.StorageDriver.GetContent(suite.ctx, destPath)
	suite.Require().NoError(err)
	suite.Require().Equal(contents, received)

	_, err = suite.StorageDriver.GetContent(suite.ctx, sourcePath)
	suite.Require().Error(err)
	suite.Require().IsType(storagedriver.PathNotFoundError{}, err)
}

// TestMoveNonexistent checks that moving a nonexistent key fails and does not
// delete the data at the destination path.
func (suite *DriverSuite) TestMoveNonexistent() {
	contents := randomContents(32)
	sourcePath := randomPath(32)
	destPath := randomPath(32)

	defer suite.deletePath(firstPart(destPath))

	suite.Require().NoError(suite.StorageDriver.PutContent(suite.ctx, destPath, contents))

	err := suite.StorageDriver.Move(suite.ctx, sourcePath, destPath)
	suite.Require().Error(err)
	suite.Require().IsType(storagedriver.PathNotFoundError{}, err)

	received, err := suite.StorageDriver.GetContent(suite.ctx, destPath)
	suite.Require().NoError(err)
	suite.Require().Equal(contents, received)
}

// TestDelete checks that the delete operation removes data from the storage
// driver.
func (suite *DriverSuite) TestDelete() {
	filename := randomPath(32)
	contents := randomContents(32)

	defer suite.deletePath(firstPart(filename))

	suite.Require().NoError(suite.StorageDriver.PutContent(suite.ctx, filename, contents))
	suite.Require().NoError(suite.StorageDriver.Delete(suite.ctx, filename))

	_, err := suite.StorageDriver.GetContent(suite.ctx, filename)
	suite.Require().Error(err)
	suite.Require().IsType(storagedriver.PathNotFoundError{}, err)
}

// TestDeleteNonexistent checks that removing a nonexistent key fails.
func (suite *DriverSuite) TestDeleteNonexistent() {
	filename := randomPath(32)
	err := suite.StorageDriver.Delete(suite.ctx, filename)
	suite.Require().Error(err)
	suite.Require().IsType(storagedriver.PathNotFoundError{}, err)
}

// TestDeleteFolder checks that deleting a folder removes all child elements.
func (suite *DriverSuite) TestDeleteFolder() {
	dirname := randomPath(32)
	filename1 := randomPath(32)
	filename2 := randomPath(32)
	contents := randomContents(32)

	defer suite.deletePath(firstPart(dirname))

	suite.Require().NoError(suite.StorageDriver.PutContent(suite.ctx, path.Join(dirname, filename1), contents))
	suite.Require().NoError(suite.StorageDriver.PutContent(suite.ctx, path.Join(dirname, filename2), contents))

	suite.Require().NoError(suite.StorageDriver.Delete(suite.ctx, dirname))

	for _, filename := range []string{filename1, filename2} {
		_, err := suite.StorageDriver.GetContent(suite.ctx, path.Join(dirname, filename))
		suite.Require().Error(err)
		suite.Require().IsType(storagedriver.PathNotFoundError{}, err)
	}
}

// TestStatCall verifies the implementation of the storagedriver's Stat call.
func (suite *DriverSuite) TestStatCall() {
	content := randomContents(4096)
	dirPath := randomPath(32)
	fileName := randomFilename(32)
	filePath := path.Join(dirPath, fileName)

	defer suite.deletePath(firstPart(dirPath))

	_, err := suite.StorageDriver.Stat(suite.ctx, dirPath)
	suite.Require().Error(err)
	suite.Require().IsType(storagedriver.PathNotFoundError{}, err)

	suite.Require().NoError(suite.StorageDriver.PutContent(suite.ctx, filePath, content))

	fi, err := suite.StorageDriver.Stat(suite.ctx, filePath)
	suite.Require().NoError(err)
	suite.Require().Equal(filePath, fi.Path())
	suite.Require().Equal(int64(len(content)), fi.Size())
	suite.Require().False(fi.IsDir())
	suite.Require().False(fi.ModTime().IsZero())

	fi, err = suite.StorageDriver.Stat(suite.ctx, dirPath)
	suite.Require().NoError(err)
	suite.Require().Equal(dirPath, fi.Path())
	suite.Require().True(fi.IsDir())
}

// TestConcurrentStreamReads checks that multiple clients can safely read from
// the same file simultaneously with various offsets.
func (suite *DriverSuite) TestConcurrentStreamReads() {
	var filesize int64 = 128 * 1024 * 1024

	if testing.Short() {
		filesize = 10 * 1024 * 1024
		suite.T().Log("Reducing file size to 10MB for short mode")
	}

	filename := randomPath(32)
	contents := randomContents(filesize)

	defer suite.deletePath(firstPart(filename))

	suite.Require().NoError(suite.StorageDriver.PutContent(suite.ctx, filename, contents))

	var wg sync.WaitGroup

	readContents := func() {
		defer wg.Done()
		offset := randomInt(filesize)
		reader, err := suite.StorageDriver.Reader(suite.ctx, filename, offset)
		suite.NoError(err)
		if err != nil {
			return
		}
		defer reader.Close()

		readContents, err := io.ReadAll(reader)
		suite.NoError(err)
		suite.Equal(contents[offset:], readContents)
	}

	wg.Add(10)
	for i := 0; i < 10; i++ {
		go readContents()
	}
	wg.Wait()
}

func (suite *DriverSuite) deletePath(path string) {
	// Not every test leaves content behind.
	_ = suite.StorageDriver.Delete(suite.ctx, path)
}

func (suite *DriverSuite) writeReadCompare(filename string, contents []byte) {
	defer suite.deletePath(firstPart(filename))

	suite.Require().NoError(suite.StorageDriver.PutContent(suite.ctx, filename, contents))

	readContents, err := suite.StorageDriver.GetContent(suite.ctx, filename)
	suite.Require().NoError(err)
	suite.Require().Equal(contents, readContents)
}

func (suite *DriverSuite) writeReadCompareStreams(filename string, contents []byte) {
	defer suite.deletePath(firstPart(filename))

	writer, err := suite.StorageDriver.Writer(suite.ctx, filename, false)
	suite.Require().NoError(err)
	nn, err := io.Copy(writer, bytes.NewReader(contents))
	suite.Require().NoError(err)
	suite.Require().Equal(int64(len(contents)), nn)

	suite.Require().NoError(writer.Commit(suite.ctx))
	suite.Require().NoError(writer.Close())

	reader, err := suite.StorageDriver.Reader(suite.ctx, filename, 0)
	suite.Require().NoError(err)
	defer reader.Close()

	readContents, err := io.ReadAll(reader)
	suite.Require().NoError(err)
	suite.Require().Equal(contents, readContents)
}

var (
	filenameChars  = []byte("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")
	separatorChars = []byte("._-")
)

func randomInt(max int64) int64 {
	if max <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		panic(err)
	}
	return n.Int64()
}

func randomPath(length int64) string {
	path := "/"
	for int64(len(path)) < length {
		chunkLength := randomInt(length-int64(len(path))) + 1
		chunk := randomFilename(chunkLength)
		path += chunk
		// A separator needs a path component after it.
		if length-int64(len(path)) > 1 {
			path += "/"
		}
	}
	return path
}

func randomFilename(length int64) string {
	b := make([]byte, length)
	wasSeparator := true
	for i := range b {
		if !wasSeparator && i < len(b)-1 && randomInt(4) == 0 {
			b[i] = separatorChars[randomInt(int64(len(separatorChars)))]
			wasSeparator = true
		} else {
			b[i] = filenameChars[randomInt(int64(len(filenameChars)))]
			wasSeparator = false
		}
	}
	return string(b)
}

func randomContents(length int64) []byte {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

// firstPart returns the first path element, the directory a test created.
func firstPart(filePath string) string {
	if filePath == "" {
		return "/"
	}
	for {
		if filePath[len(filePath)-1] == '/' {
			filePath = filePath[:len(filePath)-1]
		}

		dir, file := path.Split(filePath)
		if dir == "" && file == "" {
			return "/"
		}
		if dir == "/" || dir == "" {
			return "/" + file
		}
		if file == "" {
			return dir
		}
		filePath = dir
	}
}
