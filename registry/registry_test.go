package registry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	logstash "github.com/bshuster-repo/logrus-logstash-hook"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distribution/ingest"
	"github.com/distribution/ingest/configuration"
	_ "github.com/distribution/ingest/registry/storage/driver/inmemory"
)

const (
	helloWorldSHA256 = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	helloWorldMD5    = "5eb63bbbe01eeed093cb22bb8f5acdc3"
)

func setupRegistry(t *testing.T) *Registry {
	t.Helper()

	config := &configuration.Configuration{}
	config.HTTP.DrainTimeout = 10 * time.Second
	config.Log.AccessLog.Disabled = true
	config.Ingest.Algorithms = []string{"sha256"}
	config.Ingest.SubChunkLimit = configuration.DefaultSubChunkLimit
	config.Storage = map[string]configuration.Parameters{"inmemory": map[string]interface{}{}}

	registry, err := NewRegistry(context.Background(), config)
	require.NoError(t, err)
	return registry
}

func TestGracefulShutdown(t *testing.T) {
	registry := setupRegistry(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	errchan := make(chan error, 1)
	go func() {
		errchan <- registry.Serve(ln)
	}()

	// send incomplete request
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	fmt.Fprintf(conn, "GET /v1/ ")

	// give the server a chance to accept the connection before stopping
	time.Sleep(100 * time.Millisecond)

	// send stop signal
	quit <- os.Interrupt
	time.Sleep(100 * time.Millisecond)

	// try connecting again. it shouldn't
	_, err = net.Dial("tcp", addr)
	assert.Error(t, err, "managed to connect after stopping")

	// make sure earlier request is not disconnected and response can be received
	fmt.Fprintf(conn, "HTTP/1.1\r\nHost: 127.0.0.1\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "200 OK", resp.Status)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(body))

	select {
	case err := <-errchan:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestAlive(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	handler := alive("/", next)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestConfigureLogging(t *testing.T) {
	std := logrus.StandardLogger()
	formatter, level := std.Formatter, std.GetLevel()
	t.Cleanup(func() {
		logrus.SetFormatter(formatter)
		logrus.SetLevel(level)
	})

	config := &configuration.Configuration{}
	config.Log.Level = "debug"
	config.Log.Formatter = "logstash"
	config.Log.Fields = map[string]interface{}{"environment": "test"}

	ctx, err := configureLogging(context.Background(), config)
	require.NoError(t, err)
	assert.IsType(t, &logstash.LogstashFormatter{}, std.Formatter)
	assert.Equal(t, logrus.DebugLevel, std.GetLevel())
	assert.Equal(t, "test", ctx.Value("environment"))

	config.Log.Formatter = "json"
	_, err = configureLogging(context.Background(), config)
	require.NoError(t, err)
	assert.IsType(t, &logrus.JSONFormatter{}, std.Formatter)

	config.Log.Formatter = "yaml"
	_, err = configureLogging(context.Background(), config)
	assert.Error(t, err)
}

func TestConfigureAccessLog(t *testing.T) {
	config := &configuration.Configuration{}
	next := http.NotFoundHandler()

	config.Log.AccessLog.Formatter = "xml"
	_, err := configureAccessLog(config, next)
	assert.Error(t, err)

	config.Log.AccessLog.Disabled = true
	handler, err := configureAccessLog(config, next)
	require.NoError(t, err)
	assert.NotNil(t, handler)
}

func TestJSONLoggingHandler(t *testing.T) {
	var buf bytes.Buffer
	handler := JSONLoggingHandler(&buf, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, "abc")
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/blobs/", nil)
	req.Header.Set("User-Agent", "ingest-test")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry jsonLogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, http.MethodPost, entry.Method)
	assert.Equal(t, "/v1/blobs/", entry.Path)
	assert.Equal(t, http.StatusCreated, entry.Status)
	assert.Equal(t, 3, entry.Size)
	assert.Equal(t, "ingest-test", entry.UserAgent)
}

func TestRunWrite(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first")
	second := filepath.Join(dir, "second")
	output := filepath.Join(dir, "output")
	require.NoError(t, os.WriteFile(first, []byte("hello "), 0o644))
	require.NoError(t, os.WriteFile(second, []byte("world"), 0o644))

	var out bytes.Buffer
	opts := writeOptions{
		algorithms:    []string{"sha256", "md5"},
		subChunkLimit: 2,
		output:        output,
	}
	require.NoError(t, runWrite(context.Background(), strings.NewReader("unused"), &out, opts, []string{first, second}))

	var result ingest.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.Equal(t, int64(11), result.Size)
	assert.Equal(t, map[string]string{"sha256": helloWorldSHA256, "md5": helloWorldMD5}, result.Digests)

	written, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(written))
}

func TestRunWriteStdin(t *testing.T) {
	var out bytes.Buffer
	opts := writeOptions{
		algorithms:    []string{"sha256"},
		subChunkLimit: configuration.DefaultSubChunkLimit,
	}
	require.NoError(t, runWrite(context.Background(), strings.NewReader("hello world"), &out, opts, nil))

	var result ingest.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.Equal(t, int64(11), result.Size)
	assert.Equal(t, helloWorldSHA256, result.Digests["sha256"])
}

func TestRunWriteUnknownAlgorithm(t *testing.T) {
	opts := writeOptions{algorithms: []string{"crc32"}}
	err := runWrite(context.Background(), strings.NewReader(""), io.Discard, opts, nil)

	var unsupported ingest.ErrUnsupportedAlgorithm
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, "crc32", unsupported.Algorithm)
}

func TestRunWriteMissingInput(t *testing.T) {
	opts := writeOptions{algorithms: []string{"sha256"}}
	err := runWrite(context.Background(), strings.NewReader(""), io.Discard, opts, []string{filepath.Join(t.TempDir(), "missing")})
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestRunWriteFailureKeepsExistingOutput(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "output")
	require.NoError(t, os.WriteFile(output, []byte("previous"), 0o644))

	readErr := errors.New("connection reset")
	stdin := io.MultiReader(strings.NewReader("hello "), iotest.ErrReader(readErr))

	opts := writeOptions{
		algorithms:    []string{"sha256"},
		subChunkLimit: 2,
		output:        output,
	}
	err := runWrite(context.Background(), stdin, io.Discard, opts, nil)

	var chunkErr ingest.ChunkReadError
	require.ErrorAs(t, err, &chunkErr)
	assert.ErrorIs(t, err, readErr)

	written, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "previous", string(written))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary output must be removed")
}

func TestRunWriteFailureLeavesNoOutput(t *testing.T) {
	output := filepath.Join(t.TempDir(), "output")

	opts := writeOptions{
		algorithms:    []string{"sha256"},
		subChunkLimit: 2,
		output:        output,
	}
	err := runWrite(context.Background(), iotest.ErrReader(io.ErrUnexpectedEOF), io.Discard, opts, nil)
	require.Error(t, err)

	_, err = os.Stat(output)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func executeRoot(t *testing.T, stdin io.Reader, args ...string) (string, string, error) {
	t.Helper()

	saved := writeOpts
	t.Cleanup(func() {
		writeOpts = saved
		RootCmd.SetArgs(nil)
		RootCmd.SetIn(nil)
		RootCmd.SetOut(nil)
		RootCmd.SetErr(nil)
	})

	var stdout, stderr bytes.Buffer
	RootCmd.SetArgs(args)
	RootCmd.SetIn(stdin)
	RootCmd.SetOut(&stdout)
	RootCmd.SetErr(&stderr)

	err := RootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestWriteCommand(t *testing.T) {
	stdout, _, err := executeRoot(t, strings.NewReader("hello world"), "write")
	require.NoError(t, err)

	var result ingest.Result
	require.NoError(t, json.Unmarshal([]byte(stdout), &result))
	assert.Equal(t, int64(11), result.Size)
	assert.Equal(t, helloWorldSHA256, result.Digests["sha256"])
}

func TestWriteCommandError(t *testing.T) {
	stdout, stderr, err := executeRoot(t, strings.NewReader("hello world"), "write", "--algorithm", "crc32")

	var unsupported ingest.ErrUnsupportedAlgorithm
	require.ErrorAs(t, err, &unsupported)
	assert.Empty(t, stdout)
	assert.Contains(t, stderr, "write failed")
	assert.NotContains(t, stderr, "Usage:")
}

func TestResolveConfiguration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("version: 0.1\nstorage: inmemory\n"), 0o644))

	config, err := resolveConfiguration([]string{path})
	require.NoError(t, err)
	assert.Equal(t, "inmemory", config.Storage.Type())
	assert.Equal(t, configuration.DefaultAlgorithms, config.Ingest.Algorithms)

	t.Setenv("INGEST_CONFIGURATION_PATH", path)
	config, err = resolveConfiguration(nil)
	require.NoError(t, err)
	assert.Equal(t, "inmemory", config.Storage.Type())

	t.Setenv("INGEST_CONFIGURATION_PATH", "")
	_, err = resolveConfiguration(nil)
	assert.Error(t, err)
}
