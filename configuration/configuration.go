package configuration

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/distribution/ingest/digest"
)

const (
	// DefaultSubChunkLimit is the largest read from a chunk source when no
	// limit is configured.
	DefaultSubChunkLimit = 2_000_000
)

// DefaultAlgorithms are the digest algorithms computed when none are
// configured. The first one is canonical.
var DefaultAlgorithms = []string{"sha256", "sha512"}

// Configuration is a versioned ingest service configuration, intended to be
// provided by a yaml file, and optionally modified by environment variables.
//
// Note that yaml field names should never include _ characters, since this is
// the separator used in environment variable names.
type Configuration struct {
	// Version is the version which defines the format of the rest of the configuration
	Version Version `yaml:"version"`

	// Log supports setting various parameters related to the logging
	// subsystem.
	Log Log `yaml:"log"`

	// Loglevel is the level at which operations are logged.
	//
	// Deprecated: Use Log.Level instead.
	Loglevel Loglevel `yaml:"loglevel,omitempty"`

	// Ingest configures the digests computed while content is written.
	Ingest Ingest `yaml:"ingest,omitempty"`

	// Storage is the configuration for the storage driver, the optional
	// descriptor cache under the "cache" key and upload purging under
	// "maintenance".
	Storage Storage `yaml:"storage"`

	// HTTP contains configuration parameters for the http interface.
	HTTP HTTP `yaml:"http,omitempty"`

	// Notifications specifies configuration about various endpoint to which
	// blob events are dispatched.
	Notifications Notifications `yaml:"notifications,omitempty"`

	// Redis configures the redis pool available to the descriptor cache.
	Redis Redis `yaml:"redis,omitempty"`
}

// Log configures the logging subsystem.
type Log struct {
	// AccessLog configures access logging.
	AccessLog struct {
		// Disabled disables access logging.
		Disabled bool `yaml:"disabled,omitempty"`

		// Formatter selects the access log format, "combined" (the
		// default) or "json".
		Formatter string `yaml:"formatter,omitempty"`
	} `yaml:"accesslog,omitempty"`

	// Level is the granularity at which operations are logged.
	Level Loglevel `yaml:"level,omitempty"`

	// Formatter overrides the default formatter with another. Options
	// include "text", "json" and "logstash".
	Formatter string `yaml:"formatter,omitempty"`

	// Fields allows users to specify static string fields to include in
	// the logger context.
	Fields map[string]interface{} `yaml:"fields,omitempty"`

	// ReportCaller allows user to configure the log to report the caller
	ReportCaller bool `yaml:"reportcaller,omitempty"`
}

// Ingest configures the streaming digest writer.
type Ingest struct {
	// Algorithms lists the digest algorithms computed for every blob. The
	// first algorithm is canonical: blobs are addressed by its digest.
	Algorithms []string `yaml:"algorithms,omitempty"`

	// SubChunkLimit caps the size of a single read from a chunk source.
	SubChunkLimit int `yaml:"subchunklimit,omitempty"`
}

// HTTP contains configuration parameters for the http interface.
type HTTP struct {
	// Addr specifies the bind address for the service instance.
	Addr string `yaml:"addr,omitempty"`

	// Net specifies the net portion of the bind address. A default empty value means tcp.
	Net string `yaml:"net,omitempty"`

	// Host specifies an externally-reachable address for the service, as a fully
	// qualified URL.
	Host string `yaml:"host,omitempty"`

	// Prefix is the path all routes are served under.
	Prefix string `yaml:"prefix,omitempty"`

	// DrainTimeout is the amount of time to wait for connections to drain
	// before shutting down when the service receives a stop signal
	DrainTimeout time.Duration `yaml:"draintimeout,omitempty"`

	// Headers is a set of headers to include in HTTP responses. A common
	// use case for this would be security headers such as
	// Strict-Transport-Security. The map keys are the header names, and
	// the values are the associated header payloads.
	Headers http.Header `yaml:"headers,omitempty"`

	// Debug configures the http debug interface, if specified. This can
	// include services such as pprof, expvar and other data that should
	// not be exposed externally. Left disabled by default.
	Debug Debug `yaml:"debug,omitempty"`
}

// Debug configures the debug server.
type Debug struct {
	// Addr specifies the bind address for the debug server.
	Addr string `yaml:"addr,omitempty"`

	// Prometheus configures the Prometheus telemetry endpoint.
	Prometheus struct {
		Enabled bool   `yaml:"enabled,omitempty"`
		Path    string `yaml:"path,omitempty"`
	} `yaml:"prometheus,omitempty"`
}

// v0_1Configuration is a Version 0.1 Configuration struct
// This is currently aliased to Configuration, as it is the current version
type v0_1Configuration Configuration

// UnmarshalYAML implements the yaml.Unmarshaler interface
// Unmarshals a string of the form X.Y into a Version, validating that X and Y can represent unsigned integers
func (version *Version) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var versionString string
	err := unmarshal(&versionString)
	if err != nil {
		return err
	}

	newVersion := Version(versionString)
	if _, err := newVersion.major(); err != nil {
		return err
	}

	if _, err := newVersion.minor(); err != nil {
		return err
	}

	*version = newVersion
	return nil
}

// CurrentVersion is the most recent Version that can be parsed
var CurrentVersion = MajorMinorVersion(0, 1)

// Loglevel is the level at which operations are logged
// This can be error, warn, info, or debug
type Loglevel string

// UnmarshalYAML implements the yaml.Umarshaler interface
// Unmarshals a string into a Loglevel, lowercasing the string and validating that it represents a
// valid loglevel
func (loglevel *Loglevel) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var loglevelString string
	err := unmarshal(&loglevelString)
	if err != nil {
		return err
	}

	loglevelString = strings.ToLower(loglevelString)
	switch loglevelString {
	case "error", "warn", "info", "debug":
	default:
		return fmt.Errorf("invalid loglevel %s Must be one of [error, warn, info, debug]", loglevelString)
	}

	*loglevel = Loglevel(loglevelString)
	return nil
}

// Parameters defines a key-value parameters mapping
type Parameters map[string]interface{}

// Storage defines the configuration for object storage
type Storage map[string]Parameters

// Type returns the storage driver type, such as filesystem or inmemory
func (storage Storage) Type() string {
	var storageType []string

	// Return only key in this map
	for k := range storage {
		switch k {
		case "cache", "maintenance":
			// allow configuration of caching and upload purging
		default:
			storageType = append(storageType, k)
		}
	}
	if len(storageType) > 1 {
		panic("multiple storage drivers specified in configuration or environment: " + strings.Join(storageType, ", "))
	}
	if len(storageType) == 1 {
		return storageType[0]
	}
	return ""
}

// Parameters returns the Parameters map for a Storage configuration
func (storage Storage) Parameters() Parameters {
	return storage[storage.Type()]
}

// setParameter changes the parameter at the provided key to the new value
func (storage Storage) setParameter(key string, value interface{}) {
	storage[storage.Type()][key] = value
}

// UnmarshalYAML implements the yaml.Unmarshaler interface
// Unmarshals a single item map into a Storage or a string into a Storage type with no parameters
func (storage *Storage) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var storageMap map[string]Parameters
	err := unmarshal(&storageMap)
	if err == nil {
		if len(storageMap) > 1 {
			types := make([]string, 0, len(storageMap))
			for k := range storageMap {
				switch k {
				case "cache", "maintenance":
					// allow configuration of caching and upload purging
				default:
					types = append(types, k)
				}
			}

			if len(types) > 1 {
				return fmt.Errorf("must provide exactly one storage type. Provided: %v", types)
			}
		}
		*storage = storageMap
		return nil
	}

	var storageType string
	err = unmarshal(&storageType)
	if err == nil {
		*storage = Storage{storageType: Parameters{}}
		return nil
	}

	return err
}

// MarshalYAML implements the yaml.Marshaler interface
func (storage Storage) MarshalYAML() (interface{}, error) {
	if storage.Parameters() == nil {
		return storage.Type(), nil
	}
	return map[string]Parameters(storage), nil
}

// Notifications configures multiple http endpoints.
type Notifications struct {
	// Log dispatches every event to the service log as well.
	Log bool `yaml:"log,omitempty"`

	// Endpoints is a list of http configurations for endpoints that
	// respond to webhook notifications. In the future, we may allow other
	// kinds of endpoints, such as external queues.
	Endpoints []Endpoint `yaml:"endpoints,omitempty"`
}

// Endpoint describes the configuration of an http webhook notification
// endpoint.
type Endpoint struct {
	Name              string        `yaml:"name"`              // identifies the endpoint in the service instance.
	Disabled          bool          `yaml:"disabled"`          // disables the endpoint
	URL               string        `yaml:"url"`               // post url for the endpoint.
	Headers           http.Header   `yaml:"headers"`           // static headers that should be added to all requests
	Timeout           time.Duration `yaml:"timeout"`           // HTTP timeout
	Threshold         int           `yaml:"threshold"`         // circuit breaker threshold before backing off on failure
	Backoff           time.Duration `yaml:"backoff"`           // backoff duration
	IgnoredMediaTypes []string      `yaml:"ignoredmediatypes"` // target media types to ignore
	Ignore            Ignore        `yaml:"ignore"`            // ignore event types
}

// Ignore configures mediaTypes and actions of the event, that it won't be
// propagated
type Ignore struct {
	MediaTypes []string `yaml:"mediatypes"` // target media types to ignore
	Actions    []string `yaml:"actions"`    // ignore action types
}

// Redis configures the redis pool used by the "redis" descriptor cache.
type Redis struct {
	// Addr specifies the redis instance available to the application.
	Addr string `yaml:"addr,omitempty"`

	// Password string to use when making a connection.
	Password string `yaml:"password,omitempty"`

	// DB specifies the database to connect to on the redis instance.
	DB int `yaml:"db,omitempty"`

	// DialTimeout is the timeout for connecting to a new connection.
	DialTimeout time.Duration `yaml:"dialtimeout,omitempty"`

	// ReadTimeout is the timeout for reading from a connection.
	ReadTimeout time.Duration `yaml:"readtimeout,omitempty"`

	// WriteTimeout is the timeout for writing to a connection.
	WriteTimeout time.Duration `yaml:"writetimeout,omitempty"`

	// Pool configures the behavior of the redis connection pool.
	Pool RedisPool `yaml:"pool,omitempty"`
}

// RedisPool configures the redis connection pool.
type RedisPool struct {
	// MaxIdle sets the maximum number of idle connections.
	MaxIdle int `yaml:"maxidle,omitempty"`

	// MaxActive sets the maximum number of connections that should be
	// opened before blocking a connection request.
	MaxActive int `yaml:"maxactive,omitempty"`

	// IdleTimeout sets the amount time to wait before closing
	// inactive connections.
	IdleTimeout time.Duration `yaml:"idletimeout,omitempty"`
}

// Options returns the redis settings as descriptor cache options.
func (redis Redis) Options() map[string]interface{} {
	return map[string]interface{}{
		"addr":         redis.Addr,
		"password":     redis.Password,
		"db":           redis.DB,
		"dialtimeout":  redis.DialTimeout,
		"readtimeout":  redis.ReadTimeout,
		"writetimeout": redis.WriteTimeout,
		"maxidle":      redis.Pool.MaxIdle,
		"maxactive":    redis.Pool.MaxActive,
		"idletimeout":  redis.Pool.IdleTimeout,
	}
}

// Parse parses an input configuration yaml document into a Configuration struct
// This should generally be capable of handling old configuration format versions
//
// Environment variables may be used to override configuration parameters other than version,
// following the scheme below:
// Configuration.Abc may be replaced by the value of INGEST_ABC,
// Configuration.Abc.Xyz may be replaced by the value of INGEST_ABC_XYZ, and so forth
func Parse(rd io.Reader) (*Configuration, error) {
	in, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}

	p := NewParser("ingest", []VersionedParseInfo{
		{
			Version: MajorMinorVersion(0, 1),
			ParseAs: reflect.TypeOf(v0_1Configuration{}),
			ConversionFunc: func(c interface{}) (interface{}, error) {
				if v0_1, ok := c.(*v0_1Configuration); ok {
					if v0_1.Log.Level == Loglevel("") {
						if v0_1.Loglevel != Loglevel("") {
							v0_1.Log.Level = v0_1.Loglevel
						} else {
							v0_1.Log.Level = Loglevel("info")
						}
					}
					if v0_1.Loglevel != Loglevel("") {
						v0_1.Loglevel = Loglevel("")
					}

					if len(v0_1.Ingest.Algorithms) == 0 {
						v0_1.Ingest.Algorithms = append([]string(nil), DefaultAlgorithms...)
					}
					if _, err := digest.ParseAlgorithms(v0_1.Ingest.Algorithms...); err != nil {
						return nil, err
					}
					if v0_1.Ingest.SubChunkLimit < 0 {
						return nil, fmt.Errorf("invalid subchunklimit %d", v0_1.Ingest.SubChunkLimit)
					}
					if v0_1.Ingest.SubChunkLimit == 0 {
						v0_1.Ingest.SubChunkLimit = DefaultSubChunkLimit
					}

					if v0_1.Storage.Type() == "" {
						return nil, errors.New("no storage configuration provided")
					}
					return (*Configuration)(v0_1), nil
				}
				return nil, fmt.Errorf("expected *v0_1Configuration, received %#v", c)
			},
		},
	})

	config := new(Configuration)
	err = p.Parse(in, config)
	if err != nil {
		return nil, err
	}

	return config, nil
}
