package notifications

import (
	"testing"

	events "github.com/docker/go-events"
	"github.com/opencontainers/go-digest"

	"github.com/distribution/ingest"
	"github.com/distribution/ingest/internal/uuid"
)

var (
	// common environment for expected blob events.

	source = SourceRecord{
		Addr:       "remote.test",
		InstanceID: uuid.NewString(),
	}
	ub = testURLBuilder("http://test.example.com/v1/blobs/")

	actor = ActorRecord{
		Name: "test",
	}
	request = RequestRecord{}
	payload = []byte("hello, world!")
	dgst    = digest.FromBytes(payload)
	desc    = ingest.Descriptor{
		MediaType: "text/plain",
		Size:      int64(len(payload)),
		Digest:    dgst,
		Digests:   map[string]string{"sha256": dgst.Encoded()},
	}
)

type testURLBuilder string

func (u testURLBuilder) BuildBlobURL(dgst digest.Digest) (string, error) {
	return string(u) + dgst.String(), nil
}

func TestEventBridgeBlobPushed(t *testing.T) {
	l := createTestEnv(testSinkFn(func(event events.Event) error {
		checkCommonBlob(t, EventActionPush, event)

		return nil
	}))

	if err := l.BlobPushed(nil, desc); err != nil {
		t.Fatalf("unexpected error notifying blob push: %v", err)
	}
}

func TestEventBridgeBlobPulled(t *testing.T) {
	l := createTestEnv(testSinkFn(func(event events.Event) error {
		checkCommonBlob(t, EventActionPull, event)

		return nil
	}))

	if err := l.BlobPulled(nil, desc); err != nil {
		t.Fatalf("unexpected error notifying blob pull: %v", err)
	}
}

func TestEventBridgeBlobDeleted(t *testing.T) {
	l := createTestEnv(testSinkFn(func(event events.Event) error {
		checkDeleted(t, EventActionDelete, event)

		return nil
	}))

	if err := l.BlobDeleted(nil, dgst); err != nil {
		t.Fatalf("unexpected error notifying blob delete: %v", err)
	}
}

func createTestEnv(fn testSinkFn) BlobListener {
	return NewBridge(ub, source, actor, request, fn)
}

func checkDeleted(t *testing.T, action string, event events.Event) {
	checkRecords(t, event)

	if event.(Event).Action != action {
		t.Fatalf("unexpected event action: %q != %q", event.(Event).Action, action)
	}

	if event.(Event).Target.Digest != dgst {
		t.Fatalf("unexpected digest on event target: %q != %q", event.(Event).Target.Digest, dgst)
	}
}

func checkCommonBlob(t *testing.T, action string, event events.Event) {
	checkRecords(t, event)

	if event.(Event).Action != action {
		t.Fatalf("unexpected event action: %q != %q", event.(Event).Action, action)
	}

	target := event.(Event).Target
	if target.Digest != dgst {
		t.Fatalf("unexpected digest on event target: %q != %q", target.Digest, dgst)
	}

	if target.Size != int64(len(payload)) {
		t.Fatalf("unexpected target size: %v != %v", target.Size, len(payload))
	}

	if target.MediaType != desc.MediaType {
		t.Fatalf("unexpected target media type: %q != %q", target.MediaType, desc.MediaType)
	}

	if target.Digests["sha256"] != dgst.Encoded() {
		t.Fatalf("unexpected target digests: %v", target.Digests)
	}

	u, _ := ub.BuildBlobURL(dgst)
	if target.URL != u {
		t.Fatalf("incorrect url passed: \n%q != \n%q", target.URL, u)
	}
}

func checkRecords(t *testing.T, event events.Event) {
	if event.(Event).ID == "" {
		t.Fatalf("event id not set")
	}

	if event.(Event).Timestamp.IsZero() {
		t.Fatalf("event timestamp not set")
	}

	if event.(Event).Source != source {
		t.Fatalf("source not equal: %#v != %#v", event.(Event).Source, source)
	}

	if event.(Event).Request != request {
		t.Fatalf("request not equal: %#v != %#v", event.(Event).Request, request)
	}

	if event.(Event).Actor != actor {
		t.Fatalf("request not equal: %#v != %#v", event.(Event).Actor, actor)
	}
}

type testSinkFn func(event events.Event) error

func (tsf testSinkFn) Write(event events.Event) error {
	return tsf(event)
}

func (tsf testSinkFn) Close() error { return nil }
