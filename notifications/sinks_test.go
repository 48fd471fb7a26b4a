package notifications

import (
	"bytes"
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	events "github.com/docker/go-events"

	"github.com/sirupsen/logrus"

	"github.com/distribution/ingest/internal/dcontext"
)

func TestEventQueue(t *testing.T) {
	const nevents = 1000
	var ts testSink
	stats := newEndpointStats("")
	eq := newEventQueue(
		// delayed sync simulates destination slower than channel comms
		&delayedSink{
			Sink:  &ts,
			delay: time.Millisecond * 1,
		}, stats)

	var wg sync.WaitGroup
	var event events.Event
	for i := 1; i <= nevents; i++ {
		event = createTestEvent("push", "blob")
		wg.Add(1)
		go func(event events.Event) {
			if err := eq.Write(event); err != nil {
				t.Errorf("error writing event block: %v", err)
			}
			wg.Done()
		}(event)
	}

	wg.Wait()
	if t.Failed() {
		t.FailNow()
	}
	checkClose(t, eq)

	ts.mu.Lock()
	defer ts.mu.Unlock()
	em := stats.snapshot()

	if ts.count != nevents {
		t.Fatalf("events did not make it to the sink: %d != %d", ts.count, 1000)
	}

	if !ts.closed {
		t.Fatalf("sink should have been closed")
	}

	if em.Events != nevents {
		t.Fatalf("unexpected ingress count: %d != %d", em.Events, nevents)
	}

	if em.Pending != 0 {
		t.Fatalf("unexpected egress count: %d != %d", em.Pending, 0)
	}
}

func TestIgnoredSink(t *testing.T) {
	blob := createTestEvent("push", "application/octet-stream")
	archive := createTestEvent("pull", "application/x-tar")

	type testcase struct {
		ignoreMediaTypes []string
		ignoreActions    []string
		expected         events.Event
	}

	tests := []testcase{
		{expected: blob},
		{ignoreMediaTypes: []string{"other"}, ignoreActions: []string{"other"}, expected: blob},
		{ignoreMediaTypes: []string{"application/octet-stream", "application/x-tar"}, ignoreActions: []string{"other"}},
		{ignoreMediaTypes: []string{"other"}, ignoreActions: []string{"pull"}, expected: blob},
		{ignoreMediaTypes: []string{"other"}, ignoreActions: []string{"pull", "push"}},
	}

	for _, tc := range tests {
		ts := &testSink{}
		s := newIgnoredSink(ts, tc.ignoreMediaTypes, tc.ignoreActions)

		if err := s.Write(blob); err != nil {
			t.Fatalf("error writing event: %v", err)
		}

		ts.mu.Lock()
		if !reflect.DeepEqual(ts.event, tc.expected) {
			t.Fatalf("unexpected event: %#v != %#v", ts.event, tc.expected)
		}
		ts.mu.Unlock()
	}

	tests = []testcase{
		{expected: archive},
		{ignoreMediaTypes: []string{"other"}, ignoreActions: []string{"other"}, expected: archive},
		{ignoreMediaTypes: []string{"application/octet-stream"}, ignoreActions: []string{"other"}, expected: archive},
		{ignoreMediaTypes: []string{"application/octet-stream", "application/x-tar"}, ignoreActions: []string{"other"}},
		{ignoreMediaTypes: []string{"other"}, ignoreActions: []string{"push"}, expected: archive},
		{ignoreMediaTypes: []string{"other"}, ignoreActions: []string{"pull", "push"}},
	}

	for _, tc := range tests {
		ts := &testSink{}
		s := newIgnoredSink(ts, tc.ignoreMediaTypes, tc.ignoreActions)

		if err := s.Write(archive); err != nil {
			t.Fatalf("error writing event: %v", err)
		}

		ts.mu.Lock()
		if !reflect.DeepEqual(ts.event, tc.expected) {
			t.Fatalf("unexpected event: %#v != %#v", ts.event, tc.expected)
		}
		ts.mu.Unlock()
	}
}

type testSink struct {
	event  events.Event
	count  int
	mu     sync.Mutex
	closed bool
}

func (ts *testSink) Write(event events.Event) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.event = event
	ts.count++
	return nil
}

func (ts *testSink) Close() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.closed = true

	logrus.Infof("closing testSink")
	return nil
}

type delayedSink struct {
	events.Sink
	delay time.Duration
}

func (ds *delayedSink) Write(event events.Event) error {
	time.Sleep(ds.delay)
	return ds.Sink.Write(event)
}

func checkClose(t *testing.T, sink events.Sink) {
	if err := sink.Close(); err != nil {
		t.Fatalf("unexpected error closing: %v", err)
	}

	// second close should not crash but should return an error.
	if err := sink.Close(); err == nil {
		t.Fatalf("no error on double close")
	}

	// Write after closed should be an error
	if err := sink.Write(Event{}); err == nil {
		t.Fatalf("write after closed did not have an error")
	} else if err != ErrSinkClosed {
		t.Fatalf("error should be ErrSinkClosed")
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.Out = &buf
	logger.Formatter = &logrus.JSONFormatter{}
	ctx := dcontext.WithLogger(context.Background(), logrus.NewEntry(logger))

	sink := NewLogSink(ctx)
	event := createTestEvent("push", "blob")
	if err := sink.Write(event); err != nil {
		t.Fatalf("unexpected error writing event: %v", err)
	}

	if !bytes.Contains(buf.Bytes(), []byte(event.ID)) {
		t.Fatalf("event id %q not logged: %s", event.ID, buf.String())
	}

	if err := sink.Write("not an event"); err == nil {
		t.Fatalf("expected error writing foreign event type")
	}

	checkClose(t, sink)
}

func TestBroadcaster(t *testing.T) {
	var first, second testSink
	b := NewBroadcaster(&first, &second)
	defer b.Close()

	event := createTestEvent("delete", "blob")
	if err := b.Write(event); err != nil {
		t.Fatalf("unexpected error writing event: %v", err)
	}

	// the broadcaster delivers asynchronously
	deadline := time.Now().Add(5 * time.Second)
	for _, ts := range []*testSink{&first, &second} {
		for {
			ts.mu.Lock()
			count, received := ts.count, ts.event
			ts.mu.Unlock()

			if count == 1 {
				if !reflect.DeepEqual(received, event) {
					t.Fatalf("unexpected event: %#v != %#v", received, event)
				}
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("sink did not receive event")
			}
			time.Sleep(time.Millisecond)
		}
	}
}
