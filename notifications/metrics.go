package notifications

import (
	"expvar"
	"fmt"
	"net/http"
	"sync"

	events "github.com/docker/go-events"
	"github.com/docker/go-metrics"

	prometheus "github.com/distribution/ingest/metrics"
)

var (
	eventsCounter  = prometheus.NotificationsNamespace.NewLabeledCounter("events", "The number of blob events by delivery outcome", "outcome", "endpoint")
	pendingGauge   = prometheus.NotificationsNamespace.NewLabeledGauge("pending", "The number of blob events queued for delivery", metrics.Total, "endpoint")
	statusCounter  = prometheus.NotificationsNamespace.NewLabeledCounter("status", "The number of endpoint responses by status code", "code", "endpoint")
	announcedBytes = prometheus.NotificationsNamespace.NewLabeledCounter("announced_bytes", "The total size of the blobs delivered events refer to", "action", "endpoint")
)

// EndpointMetrics is a snapshot of the delivery counters of an endpoint.
// Event counts are per blob event, statuses per response.
type EndpointMetrics struct {
	Pending   int
	Events    int
	Successes int
	Failures  int
	Errors    int
	Statuses  map[string]int

	// Actions counts delivered events by blob action.
	Actions map[string]int
	// AnnouncedBytes sums the target sizes of delivered events.
	AnnouncedBytes int64
}

// endpointStats counts what happens to the events of one endpoint. It
// listens to both the http sink and the event queue of the endpoint.
type endpointStats struct {
	name string

	mu sync.Mutex
	EndpointMetrics
}

var (
	_ httpStatusListener = (*endpointStats)(nil)
	_ eventQueueListener = (*endpointStats)(nil)
)

func newEndpointStats(name string) *endpointStats {
	return &endpointStats{
		name: name,
		EndpointMetrics: EndpointMetrics{
			Statuses: make(map[string]int),
			Actions:  make(map[string]int),
		},
	}
}

// snapshot returns a copy of the counters safe to hand out.
func (s *endpointStats) snapshot() EndpointMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	em := s.EndpointMetrics
	em.Statuses = make(map[string]int, len(s.Statuses))
	for k, v := range s.Statuses {
		em.Statuses[k] = v
	}
	em.Actions = make(map[string]int, len(s.Actions))
	for k, v := range s.Actions {
		em.Actions[k] = v
	}
	return em
}

func statusText(status int) string {
	return fmt.Sprintf("%d %s", status, http.StatusText(status))
}

func (s *endpointStats) success(status int, events ...Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Statuses[statusText(status)] += len(events)
	s.Successes += len(events)
	for _, event := range events {
		s.Actions[event.Action]++
		s.AnnouncedBytes += event.Target.Size
		announcedBytes.WithValues(event.Action, s.name).Inc(float64(event.Target.Size))
	}

	statusCounter.WithValues(statusText(status), s.name).Inc(1)
	eventsCounter.WithValues("success", s.name).Inc(float64(len(events)))
}

func (s *endpointStats) failure(status int, events ...Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Statuses[statusText(status)] += len(events)
	s.Failures += len(events)

	statusCounter.WithValues(statusText(status), s.name).Inc(1)
	eventsCounter.WithValues("failure", s.name).Inc(float64(len(events)))
}

func (s *endpointStats) err(err error, events ...Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Errors += len(events)
	eventsCounter.WithValues("error", s.name).Inc(float64(len(events)))
}

func (s *endpointStats) ingress(event events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Events++
	s.Pending++
	eventsCounter.WithValues("queued", s.name).Inc(1)
	pendingGauge.WithValues(s.name).Inc(1)
}

func (s *endpointStats) egress(event events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Pending--
	pendingGauge.WithValues(s.name).Dec(1)
}

// published holds the endpoints reported under the ingest expvar map.
var published struct {
	mu        sync.Mutex
	endpoints []*Endpoint
}

func publish(e *Endpoint) {
	published.mu.Lock()
	defer published.mu.Unlock()

	published.endpoints = append(published.endpoints, e)
}

type endpointVar struct {
	Name    string          `json:"name"`
	URL     string          `json:"url"`
	Sync    bool            `json:"sync"`
	Metrics EndpointMetrics `json:"metrics"`
}

func init() {
	root, ok := expvar.Get("ingest").(*expvar.Map)
	if !ok {
		root = expvar.NewMap("ingest")
	}

	root.Set("notifications", expvar.Func(func() any {
		published.mu.Lock()
		defer published.mu.Unlock()

		vars := make([]endpointVar, 0, len(published.endpoints))
		for _, e := range published.endpoints {
			v := endpointVar{Name: e.Name(), URL: e.URL(), Sync: e.Sync}
			e.ReadMetrics(&v.Metrics)
			vars = append(vars, v)
		}
		return vars
	}))
}
