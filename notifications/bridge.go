package notifications

import (
	"context"
	"net/http"
	"time"

	events "github.com/docker/go-events"
	"github.com/opencontainers/go-digest"

	"github.com/distribution/ingest"
	"github.com/distribution/ingest/internal/requestutil"
	"github.com/distribution/ingest/internal/uuid"
)

type bridge struct {
	ub      URLBuilder
	actor   ActorRecord
	source  SourceRecord
	request RequestRecord
	sink    events.Sink
}

var _ BlobListener = &bridge{}

// URLBuilder defines a subset of url builder to be used by the event listener.
type URLBuilder interface {
	BuildBlobURL(dgst digest.Digest) (string, error)
}

// NewBridge returns a notification listener that writes records to sink,
// using the actor and source. Any urls populated in the events created by
// this bridge will be created using the URLBuilder.
func NewBridge(ub URLBuilder, source SourceRecord, actor ActorRecord, request RequestRecord, sink events.Sink) BlobListener {
	return &bridge{
		ub:      ub,
		actor:   actor,
		source:  source,
		request: request,
		sink:    sink,
	}
}

// NewRequestRecord builds a RequestRecord for use in NewBridge from an
// http.Request, associating it with a request id.
func NewRequestRecord(id string, r *http.Request) RequestRecord {
	return RequestRecord{
		ID:        id,
		Addr:      requestutil.RemoteAddr(r),
		Host:      r.Host,
		Method:    r.Method,
		UserAgent: r.UserAgent(),
	}
}

func (b *bridge) BlobPushed(ctx context.Context, desc ingest.Descriptor) error {
	return b.createBlobEventAndWrite(EventActionPush, desc)
}

func (b *bridge) BlobPulled(ctx context.Context, desc ingest.Descriptor) error {
	return b.createBlobEventAndWrite(EventActionPull, desc)
}

func (b *bridge) BlobDeleted(ctx context.Context, dgst digest.Digest) error {
	event := b.createEvent(EventActionDelete)
	event.Target.Digest = dgst
	return b.sink.Write(*event)
}

func (b *bridge) createBlobEventAndWrite(action string, desc ingest.Descriptor) error {
	event, err := b.createBlobEvent(action, desc)
	if err != nil {
		return err
	}

	return b.sink.Write(*event)
}

func (b *bridge) createBlobEvent(action string, desc ingest.Descriptor) (*Event, error) {
	event := b.createEvent(action)
	event.Target.MediaType = desc.MediaType
	event.Target.Size = desc.Size
	event.Target.Digest = desc.Digest
	event.Target.Digests = desc.Digests

	var err error
	if b.ub != nil {
		event.Target.URL, err = b.ub.BuildBlobURL(desc.Digest)
		if err != nil {
			return nil, err
		}
	}

	return event, nil
}

// createEvent creates an event with actor and source populated.
func (b *bridge) createEvent(action string) *Event {
	event := createEvent(action)
	event.Source = b.source
	event.Actor = b.actor
	event.Request = b.request

	return event
}

// createEvent returns a new event, timestamped, with the specified action.
func createEvent(action string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Action:    action,
	}
}
