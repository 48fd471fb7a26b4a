package handlers

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	events "github.com/docker/go-events"
	"github.com/gorilla/mux"

	"github.com/distribution/ingest"
	"github.com/distribution/ingest/configuration"
	"github.com/distribution/ingest/digest"
	"github.com/distribution/ingest/internal/dcontext"
	"github.com/distribution/ingest/internal/uuid"
	prometheus "github.com/distribution/ingest/metrics"
	"github.com/distribution/ingest/notifications"
	"github.com/distribution/ingest/registry/api/errcode"
	v1 "github.com/distribution/ingest/registry/api/v1"
	"github.com/distribution/ingest/registry/purge"
	"github.com/distribution/ingest/registry/storage"
	"github.com/distribution/ingest/registry/storage/cache"
	cacheprovider "github.com/distribution/ingest/registry/storage/cache/provider"
	storagedriver "github.com/distribution/ingest/registry/storage/driver"
	"github.com/distribution/ingest/registry/storage/driver/factory"
)

const (
	// apiVersionHeader is set on every response of the application.
	apiVersionHeader = "Ingest-API-Version"

	// contentDigestHeader carries the canonical digest of a blob.
	contentDigestHeader = "Ingest-Content-Digest"
)

var (
	requestCount = prometheus.HTTPNamespace.NewLabeledCounter("requests", "The number of handled requests", "route", "code")
	requestTimer = prometheus.HTTPNamespace.NewLabeledTimer("request_duration", "The duration of handled requests", "route")
)

// App is a global ingest application object. Shared resources can be placed
// on this object that will be accessible from all requests. Any writable
// fields should be protected.
type App struct {
	context.Context

	Config *configuration.Configuration

	// InstanceID is a unique id assigned to the application on each creation.
	// Provides information in the logs and context to identify restarts.
	InstanceID string

	router     *mux.Router                 // main application router, configured with dispatchers
	driver     storagedriver.StorageDriver // driver maintains the app global storage driver instance.
	blobs      ingest.BlobStore            // blobs is the primary blob store for the app instance.
	algorithms []digest.Algorithm          // algorithms computed for every ingested blob, canonical first.

	// events contains notification related configuration.
	events struct {
		sink   events.Sink
		source notifications.SourceRecord
	}

	// stopPurger ends the upload purger, if one runs.
	stopPurger context.CancelFunc
}

// NewApp takes a configuration and returns a configured app, ready to serve
// requests. The app only implements ServeHTTP and can be wrapped in other
// handlers accordingly.
func NewApp(ctx context.Context, config *configuration.Configuration) *App {
	app := &App{
		Config:     config,
		Context:    ctx,
		InstanceID: uuid.NewString(),
		router:     v1.RouterWithPrefix(config.HTTP.Prefix),
	}

	app.Context = dcontext.WithLogger(app.Context, dcontext.GetLoggerWithField(app.Context, "app.id", app.InstanceID))

	// Register the handler dispatchers.
	app.register(v1.RouteNameBase, func(ctx *Context, r *http.Request) http.Handler {
		return http.HandlerFunc(apiBase)
	})
	app.register(v1.RouteNameBlobs, blobsDispatcher)
	app.register(v1.RouteNameBlob, blobDispatcher)
	app.register(v1.RouteNameUploads, uploadsDispatcher)
	app.register(v1.RouteNameUpload, uploadDispatcher)

	var err error
	app.driver, err = factory.Create(app, config.Storage.Type(), config.Storage.Parameters())
	if err != nil {
		panic(err)
	}

	app.algorithms, err = digest.ParseAlgorithms(config.Ingest.Algorithms...)
	if err != nil {
		panic(err)
	}

	options := []storage.BlobStoreOption{
		storage.WithAlgorithms(app.algorithms...),
		storage.WithWriterOptions(storage.WithSubChunkLimit(config.Ingest.SubChunkLimit)),
	}

	descriptorCache, err := app.configureDescriptorCache(config)
	if err != nil {
		panic(fmt.Sprintf("could not create descriptor cache: %v", err))
	}
	if descriptorCache != nil {
		options = append(options, storage.WithDescriptorCache(descriptorCache))
	}

	app.blobs, err = storage.NewBlobStore(app, app.driver, options...)
	if err != nil {
		panic("could not create blob store: " + err.Error())
	}

	app.configureEvents(config)

	if err := app.configureUploadPurger(config); err != nil {
		panic(err)
	}

	return app
}

// configureUploadPurger starts removing stale uploads, as configured by
// storage.maintenance.uploadpurging.
func (app *App) configureUploadPurger(config *configuration.Configuration) error {
	var section any
	if maintenance, ok := config.Storage["maintenance"]; ok {
		section = maintenance["uploadpurging"]
	}

	opts, err := purge.ParseConfig(section)
	if err != nil {
		return err
	}

	if !opts.Enabled {
		dcontext.GetLogger(app).Info("upload purging disabled")
		return nil
	}

	dcontext.GetLogger(app).Infof("upload purging: %s", opts)
	ctx, cancel := context.WithCancel(app)
	app.stopPurger = cancel
	go purge.NewPurger(app.driver, opts).Run(ctx)
	return nil
}

// configureDescriptorCache returns the descriptor cache named by the
// storage.cache.blobdescriptor parameter, or nil when caching is disabled.
func (app *App) configureDescriptorCache(config *configuration.Configuration) (cache.BlobDescriptorCacheProvider, error) {
	cc, ok := config.Storage["cache"]
	if !ok {
		return nil, nil
	}

	v, ok := cc["blobdescriptor"]
	if !ok {
		return nil, nil
	}

	name := fmt.Sprint(v)
	params := map[string]any{}
	switch name {
	case "redis":
		if config.Redis.Addr == "" {
			return nil, fmt.Errorf("redis configuration required to use for descriptor cache")
		}
		params = config.Redis.Options()
	case "inmemory":
		if size, ok := cc["blobdescriptorsize"]; ok {
			params["size"] = size
		}
	default:
		if name != "" {
			dcontext.GetLogger(app).Warnf("unknown cache type %q, caching disabled", name)
		}
		return nil, nil
	}

	provider, err := cacheprovider.Get(app, name, map[string]any{"params": params})
	if err != nil {
		return nil, err
	}
	dcontext.GetLogger(app).Infof("using %s blob descriptor cache", name)
	return provider, nil
}

// register a handler with the application, by route name. The handler will be
// passed through the application filters and context will be constructed at
// request time.
func (app *App) register(routeName string, dispatch dispatchFunc) {
	handler := app.dispatcher(dispatch)

	// Chain the handler with prometheus instrumented handler
	if app.Config.HTTP.Debug.Prometheus.Enabled {
		handler = instrumentHandler(routeName, handler)
	}

	app.router.GetRoute(routeName).Handler(handler)
}

// configureEvents prepares the event sink for action.
func (app *App) configureEvents(config *configuration.Configuration) {
	// Configure all of the endpoint sinks.
	var sinks []events.Sink
	for _, endpoint := range config.Notifications.Endpoints {
		if endpoint.Disabled {
			dcontext.GetLogger(app).Infof("endpoint %s disabled, skipping", endpoint.Name)
			continue
		}

		dcontext.GetLogger(app).Infof("configuring endpoint %v (%v), timeout=%s, headers=%v", endpoint.Name, endpoint.URL, endpoint.Timeout, endpoint.Headers)
		endpoint := notifications.NewEndpoint(endpoint.Name, endpoint.URL, notifications.EndpointConfig{
			Timeout:           endpoint.Timeout,
			Threshold:         endpoint.Threshold,
			Backoff:           endpoint.Backoff,
			Headers:           endpoint.Headers,
			IgnoredMediaTypes: endpoint.IgnoredMediaTypes,
			Ignore: notifications.IgnoreConfig{
				MediaTypes: endpoint.Ignore.MediaTypes,
				Actions:    endpoint.Ignore.Actions,
			},
		})

		sinks = append(sinks, endpoint)
	}

	if config.Notifications.Log {
		sinks = append(sinks, notifications.NewLogSink(app))
	}

	app.events.sink = notifications.NewBroadcaster(sinks...)

	// Populate the event source
	hostname, err := os.Hostname()
	if err != nil {
		hostname = config.HTTP.Addr
	} else {
		// try to pick the port off the config
		_, port, err := net.SplitHostPort(config.HTTP.Addr)
		if err == nil {
			hostname = net.JoinHostPort(hostname, port)
		}
	}

	app.events.source = notifications.SourceRecord{
		Addr:       hostname,
		InstanceID: app.InstanceID,
	}
}

// Shutdown stops the upload purger and closes the event sink, flushing
// queued notifications.
func (app *App) Shutdown() error {
	if app.stopPurger != nil {
		app.stopPurger()
	}
	return app.events.sink.Close()
}

func (app *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close() // ensure that request body is always closed.

	// Prepare the context with our own little decorations.
	ctx := r.Context()
	ctx = dcontext.WithRequest(ctx, r)
	ctx, w = dcontext.WithResponseWriter(ctx, w)
	ctx = dcontext.WithLogger(ctx, dcontext.GetRequestLogger(ctx))
	r = r.WithContext(ctx)

	// Set a header with the ingest API version for all responses.
	w.Header().Add(apiVersionHeader, "ingest/1.0")
	app.router.ServeHTTP(w, r)
}

// dispatchFunc takes a context and request and returns a constructed handler
// for the route. The dispatcher will use this to dynamically create request
// specific handlers for each endpoint without creating a new router for each
// request.
type dispatchFunc func(ctx *Context, r *http.Request) http.Handler

// dispatcher returns a handler that constructs a request specific context and
// handler, using the dispatch factory function.
func (app *App) dispatcher(dispatch dispatchFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for headerName, headerValues := range app.Config.HTTP.Headers {
			for _, value := range headerValues {
				w.Header().Add(headerName, value)
			}
		}

		context := app.context(w, r)

		defer func() {
			// Automated error response handling here. Handlers may return their
			// own errors if they need different behavior.
			if context.Errors.Len() > 0 {
				if err := errcode.ServeJSON(w, context.Errors); err != nil {
					dcontext.GetLogger(context).Errorf("error serving error json: %v (from %v)", err, context.Errors)
				}

				app.logError(context, context.Errors)
			}

			dcontext.GetResponseLogger(context).Infof("response completed")
		}()

		// decorate the blob store with an event bridge for this request.
		context.Blobs = notifications.Listen(app.blobs, app.eventBridge(context, r))

		dispatch(context, r).ServeHTTP(w, r)
	})
}

func (app *App) logError(ctx context.Context, errors errcode.Errors) {
	for _, e1 := range errors {
		var c context.Context

		switch e := e1.(type) {
		case errcode.Error:
			c = context.WithValue(ctx, errCodeKey{}, e.Code)
			c = context.WithValue(c, errMessageKey{}, e.Message)
			c = context.WithValue(c, errDetailKey{}, e.Detail)
		case errcode.ErrorCode:
			c = context.WithValue(ctx, errCodeKey{}, e)
			c = context.WithValue(c, errMessageKey{}, e.Message())
		default:
			// just normal go 'error'
			c = context.WithValue(ctx, errCodeKey{}, errcode.ErrorCodeUnknown)
			c = context.WithValue(c, errMessageKey{}, e.Error())
		}

		c = dcontext.WithLogger(c, dcontext.GetLogger(c,
			errCodeKey{},
			errMessageKey{},
			errDetailKey{}))
		dcontext.GetResponseLogger(c).Errorf("response completed with error")
	}
}

type errCodeKey struct{}

func (errCodeKey) String() string { return "err.code" }

type errMessageKey struct{}

func (errMessageKey) String() string { return "err.message" }

type errDetailKey struct{}

func (errDetailKey) String() string { return "err.detail" }

// context constructs the context object for the application. This only be
// called once per request.
func (app *App) context(w http.ResponseWriter, r *http.Request) *Context {
	ctx := r.Context()
	ctx = dcontext.WithVars(ctx, r)
	ctx = dcontext.WithLogger(ctx, dcontext.GetLogger(ctx, "vars.digest"))

	return &Context{
		App:        app,
		Context:    ctx,
		urlBuilder: v1.NewURLBuilderFromRequest(r, app.Config.HTTP.Prefix, false),
	}
}

// eventBridge returns a bridge for the current request, configured with the
// correct actor and source.
func (app *App) eventBridge(ctx *Context, r *http.Request) notifications.BlobListener {
	actor := notifications.ActorRecord{
		Name: getUserName(r),
	}
	request := notifications.NewRequestRecord(dcontext.GetRequestID(ctx), r)

	return notifications.NewBridge(ctx.urlBuilder, app.events.source, actor, request, app.events.sink)
}

// instrumentHandler counts and times requests of a route.
func instrumentHandler(routeName string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer requestTimer.WithValues(routeName).UpdateSince(time.Now())

		handler.ServeHTTP(w, r)

		status, _ := r.Context().Value("http.response.status").(int)
		requestCount.WithValues(routeName, strconv.Itoa(status)).Inc(1)
	})
}

// apiBase implements a simple yes-man for doing overall checks against the
// api.
func apiBase(w http.ResponseWriter, r *http.Request) {
	const emptyJSON = "{}"
	// Provide a simple /v1/ 200 OK response with empty json response.
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", fmt.Sprint(len(emptyJSON)))

	fmt.Fprint(w, emptyJSON)
}
