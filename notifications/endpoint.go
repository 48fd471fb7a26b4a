package notifications

import (
	"net/http"
	"time"

	events "github.com/docker/go-events"
)

// EndpointConfig covers the optional configuration parameters for an active
// endpoint.
type EndpointConfig struct {
	Headers           http.Header
	Timeout           time.Duration
	Threshold         int
	Backoff           time.Duration
	IgnoredMediaTypes []string
	Transport         *http.Transport `json:"-"`
	Ignore            IgnoreConfig
	// Sync makes Write block until the endpoint accepted the event or the
	// retrying sink gave up.
	Sync bool

	testOnlyDoNotRegister bool
}

// IgnoreConfig lists the target media types and actions an endpoint does not
// want to hear about.
type IgnoreConfig struct {
	MediaTypes []string
	Actions    []string
}

// defaults set any zero-valued fields to a reasonable default.
func (ec *EndpointConfig) defaults() {
	if ec.Timeout <= 0 {
		ec.Timeout = time.Second
	}

	if ec.Threshold <= 0 {
		ec.Threshold = 10
	}

	if ec.Backoff <= 0 {
		ec.Backoff = time.Second
	}

	if ec.Transport == nil {
		ec.Transport = http.DefaultTransport.(*http.Transport)
	}
}

// Endpoint is a reliable, queued, thread-safe sink that notify external http
// services when events are written. Writes are non-blocking unless Sync is
// set and always succeed for callers but events may be queued internally.
type Endpoint struct {
	events.Sink
	url  string
	name string

	EndpointConfig

	stats *endpointStats
}

// NewEndpoint returns a running endpoint, ready to receive events.
func NewEndpoint(name, url string, config EndpointConfig) *Endpoint {
	var endpoint Endpoint
	endpoint.name = name
	endpoint.url = url
	endpoint.EndpointConfig = config
	endpoint.defaults()
	endpoint.stats = newEndpointStats(name)

	// Events flow through the ignore filter, the queue unless Sync is set,
	// the breaker and finally the http sink.
	endpoint.Sink = newHTTPSink(
		endpoint.url, endpoint.Timeout, endpoint.Headers,
		endpoint.Transport, endpoint.stats)
	endpoint.Sink = events.NewRetryingSink(endpoint.Sink, events.NewBreaker(endpoint.Threshold, endpoint.Backoff))
	if !endpoint.Sync {
		endpoint.Sink = newEventQueue(endpoint.Sink, endpoint.stats)
	}
	mediaTypes := append(append([]string(nil), config.Ignore.MediaTypes...), config.IgnoredMediaTypes...)
	endpoint.Sink = newIgnoredSink(endpoint.Sink, mediaTypes, config.Ignore.Actions)

	if !config.testOnlyDoNotRegister {
		publish(&endpoint)
	}
	return &endpoint
}

// Name returns the name of the endpoint, generally used for debugging.
func (e *Endpoint) Name() string {
	return e.name
}

// URL returns the url of the endpoint.
func (e *Endpoint) URL() string {
	return e.url
}

// ReadMetrics populates em with a snapshot of the endpoint's counters.
func (e *Endpoint) ReadMetrics(em *EndpointMetrics) {
	*em = e.stats.snapshot()
}
