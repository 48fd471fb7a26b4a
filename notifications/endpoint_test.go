package notifications

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedHandler holds every request until release is signalled, then answers
// with the recorder.
type gatedHandler struct {
	*envelopeRecorder
	arrived chan struct{}
	release chan struct{}
}

func newGatedHandler(t *testing.T) *gatedHandler {
	return &gatedHandler{
		envelopeRecorder: &envelopeRecorder{t: t},
		arrived:          make(chan struct{}),
		release:          make(chan struct{}),
	}
}

func (gh *gatedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	gh.arrived <- struct{}{}
	<-gh.release
	gh.envelopeRecorder.ServeHTTP(w, r)
}

func newTestEndpoint(t *testing.T, url string, config EndpointConfig) *Endpoint {
	t.Helper()

	config.Timeout = 10 * time.Second
	config.testOnlyDoNotRegister = true
	return NewEndpoint(t.Name(), url, config)
}

func TestEndpointSync(t *testing.T) {
	handler := newGatedHandler(t)
	server := httptest.NewServer(handler)
	defer server.Close()

	ep := newTestEndpoint(t, server.URL, EndpointConfig{Sync: true})
	event := createTestEvent(EventActionPush, "application/octet-stream")

	written := make(chan error, 1)
	go func() {
		written <- ep.Write(event)
	}()

	<-handler.arrived
	select {
	case <-written:
		t.Fatal("synchronous write returned before the endpoint answered")
	default:
	}

	var em EndpointMetrics
	ep.ReadMetrics(&em)
	assert.Zero(t, em.Successes)

	close(handler.release)
	require.NoError(t, <-written)

	ep.ReadMetrics(&em)
	assert.Equal(t, 1, em.Successes)
	assert.Equal(t, map[string]int{EventActionPush: 1}, em.Actions)
	assert.Equal(t, event.Target.Size, em.AnnouncedBytes)
	assert.Zero(t, em.Events, "synchronous endpoints do not queue")
}

func TestEndpointAsyncFlushesOnClose(t *testing.T) {
	handler := newGatedHandler(t)
	server := httptest.NewServer(handler)
	defer server.Close()

	ep := newTestEndpoint(t, server.URL, EndpointConfig{})

	sent := []Event{
		createTestEvent(EventActionPush, "application/octet-stream"),
		createTestEvent(EventActionPull, "application/octet-stream"),
		createTestEvent(EventActionDelete, "application/octet-stream"),
	}
	for _, event := range sent {
		require.NoError(t, ep.Write(event), "queued writes never block")
	}

	closed := make(chan error, 1)
	go func() {
		closed <- ep.Close()
	}()

	for range sent {
		<-handler.arrived
		handler.release <- struct{}{}
	}
	require.NoError(t, <-closed)

	var ids []string
	for _, envelope := range handler.received() {
		for _, event := range envelope.Events {
			ids = append(ids, event.ID)
		}
	}
	assert.Equal(t, []string{sent[0].ID, sent[1].ID, sent[2].ID}, ids, "events are delivered in order")

	var em EndpointMetrics
	ep.ReadMetrics(&em)
	assert.Equal(t, 3, em.Events)
	assert.Equal(t, 3, em.Successes)
	assert.Zero(t, em.Pending)
	assert.Equal(t, map[string]int{
		EventActionPush:   1,
		EventActionPull:   1,
		EventActionDelete: 1,
	}, em.Actions)
}

func TestEndpointIgnore(t *testing.T) {
	recorder := &envelopeRecorder{t: t}
	server := httptest.NewServer(recorder)
	defer server.Close()

	ep := newTestEndpoint(t, server.URL, EndpointConfig{
		Sync:              true,
		IgnoredMediaTypes: []string{"application/x-tar"},
		Ignore: IgnoreConfig{
			Actions: []string{EventActionPull},
		},
	})

	push := createTestEvent(EventActionPush, "application/octet-stream")
	for _, event := range []Event{
		push,
		createTestEvent(EventActionPull, "application/octet-stream"),
		createTestEvent(EventActionPush, "application/x-tar"),
	} {
		require.NoError(t, ep.Write(event))
	}

	received := recorder.received()
	require.Len(t, received, 1)
	require.Len(t, received[0].Events, 1)
	assert.Equal(t, push.ID, received[0].Events[0].ID)
}
