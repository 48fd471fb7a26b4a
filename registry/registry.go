package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	logstash "github.com/bshuster-repo/logrus-logstash-hook"
	"github.com/docker/go-metrics"
	gorhandlers "github.com/gorilla/handlers"
	"github.com/sirupsen/logrus"

	"github.com/distribution/ingest/configuration"
	"github.com/distribution/ingest/internal/dcontext"
	"github.com/distribution/ingest/registry/handlers"
	"github.com/distribution/ingest/version"
)

// defaultDebugMetricsPath is where metrics are served on the debug server
// when no path is configured.
const defaultDebugMetricsPath = "/metrics"

// quit is notified when the process receives a stop signal.
var quit = make(chan os.Signal, 1)

// A Registry represents a complete instance of the ingest service.
type Registry struct {
	config *configuration.Configuration
	app    *handlers.App
	server *http.Server
}

// NewRegistry creates a new registry from a context and configuration struct.
func NewRegistry(ctx context.Context, config *configuration.Configuration) (*Registry, error) {
	var err error
	ctx, err = configureLogging(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("error configuring logger: %v", err)
	}

	app := handlers.NewApp(ctx, config)

	var handler http.Handler = app
	handler = alive("/", handler)
	handler = panicHandler(handler)
	handler, err = configureAccessLog(config, handler)
	if err != nil {
		app.Shutdown()
		return nil, err
	}

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
	}

	return &Registry{
		app:    app,
		config: config,
		server: server,
	}, nil
}

// ListenAndServe listens on the configured address and serves requests
// until the process is told to stop.
func (registry *Registry) ListenAndServe() error {
	config := registry.config

	network := config.HTTP.Net
	if network == "" {
		network = "tcp"
	}

	ln, err := net.Listen(network, config.HTTP.Addr)
	if err != nil {
		return err
	}

	if config.HTTP.Debug.Addr != "" {
		if config.HTTP.Debug.Prometheus.Enabled {
			path := config.HTTP.Debug.Prometheus.Path
			if path == "" {
				path = defaultDebugMetricsPath
			}
			dcontext.GetLogger(registry.app).Info("providing prometheus metrics on ", path)
			http.Handle(path, metrics.Handler())
		}

		go func(addr string) {
			dcontext.GetLogger(registry.app).Infof("debug server listening %v", addr)
			if err := http.ListenAndServe(addr, nil); err != nil {
				dcontext.GetLogger(registry.app).Fatalf("error listening on debug interface: %v", err)
			}
		}(config.HTTP.Debug.Addr)
	}

	dcontext.GetLogger(registry.app).Infof("listening on %v", ln.Addr())

	return registry.Serve(ln)
}

// Serve serves requests accepted on ln. On SIGINT or SIGTERM the server stops
// accepting connections and waits up to the configured drain timeout for
// in-flight requests before the event sinks are closed.
func (registry *Registry) Serve(ln net.Listener) error {
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- registry.server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		registry.app.Shutdown()
		return err
	case <-quit:
		dcontext.GetLogger(registry.app).Info("stopping server gracefully. Draining connections for ", registry.config.HTTP.DrainTimeout)

		c, cancel := context.WithTimeout(context.Background(), registry.config.HTTP.DrainTimeout)
		defer cancel()

		err := registry.server.Shutdown(c)
		if serr := registry.app.Shutdown(); serr != nil && err == nil {
			err = serr
		}
		return err
	}
}

// configureAccessLog wraps handler with the configured access logger.
func configureAccessLog(config *configuration.Configuration, handler http.Handler) (http.Handler, error) {
	if config.Log.AccessLog.Disabled {
		return handler, nil
	}

	switch config.Log.AccessLog.Formatter {
	case "", "combined":
		return gorhandlers.CombinedLoggingHandler(os.Stdout, handler), nil
	case "json":
		return JSONLoggingHandler(os.Stdout, handler), nil
	default:
		return nil, fmt.Errorf("unsupported access log formatter: %q", config.Log.AccessLog.Formatter)
	}
}

// configureLogging prepares the context with a logger using the
// configuration.
func configureLogging(ctx context.Context, config *configuration.Configuration) (context.Context, error) {
	logrus.SetLevel(logLevel(config.Log.Level))
	logrus.SetReportCaller(config.Log.ReportCaller)

	formatter := config.Log.Formatter
	if formatter == "" {
		formatter = "text" // default formatter
	}

	switch formatter {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat:   time.RFC3339Nano,
			DisableHTMLEscape: true,
		})
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	case "logstash":
		logrus.SetFormatter(&logstash.LogstashFormatter{
			Formatter: &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano},
		})
	default:
		return ctx, fmt.Errorf("unsupported logging formatter: %q", config.Log.Formatter)
	}

	logrus.Debugf("using %q logging formatter", formatter)

	// log the application version with messages
	ctx = dcontext.WithVersion(ctx, version.Version())

	if len(config.Log.Fields) > 0 {
		// build up the static fields, if present.
		var fields []any
		for k := range config.Log.Fields {
			fields = append(fields, k)
		}

		ctx = dcontext.WithValues(ctx, config.Log.Fields)
		ctx = dcontext.WithLogger(ctx, dcontext.GetLogger(ctx, fields...))
	}

	return ctx, nil
}

func logLevel(level configuration.Loglevel) logrus.Level {
	l, err := logrus.ParseLevel(string(level))
	if err != nil {
		l = logrus.InfoLevel
		logrus.Warnf("error parsing level %q: %v, using %q", level, err, l)
	}

	return l
}

// panicHandler add an HTTP handler to web app. The handler recover the
// happening panic. logrus.Panic transmits panic message to pre-config log
// hooks.
func panicHandler(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if errors.Is(asError(err), http.ErrAbortHandler) {
					panic(err)
				}
				logrus.Panic(fmt.Sprintf("%v", err))
			}
		}()
		handler.ServeHTTP(w, r)
	})
}

func asError(v any) error {
	err, _ := v.(error)
	return err
}

// alive simply wraps the handler with a route that always returns an http 200
// response when the path is matched. If the path is not matched, the request
// is passed to the provided handler. There is no guarantee of anything but
// that the server is up.
func alive(path string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == path {
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			return
		}

		handler.ServeHTTP(w, r)
	})
}
