package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/gomodule/redigo/redis"
	"github.com/mitchellh/mapstructure"

	"github.com/distribution/ingest"
	"github.com/distribution/ingest/digest"
	"github.com/distribution/ingest/internal/dcontext"
	"github.com/distribution/ingest/registry/storage/cache"
	"github.com/distribution/ingest/registry/storage/cache/metrics"
	cacheprovider "github.com/distribution/ingest/registry/storage/cache/provider"
)

func init() {
	if err := cacheprovider.Register("redis", NewBlobDescriptorCacheProvider); err != nil {
		panic(err)
	}
}

// redisBlobDescriptorService provides an implementation of
// BlobDescriptorCacheProvider based on redis. Each descriptor is stored as a
// redis hash keyed by digest, holding the canonical digest, length, media
// type and the json encoded digest map. Aliases of a blob get their own hash
// with the same content.
type redisBlobDescriptorService struct {
	pool *redis.Pool
}

var _ ingest.BlobDescriptorService = &redisBlobDescriptorService{}

// Options configures the redis connection pool.
type Options struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dialtimeout"`
	ReadTimeout  time.Duration `mapstructure:"readtimeout"`
	WriteTimeout time.Duration `mapstructure:"writetimeout"`
	MaxIdle      int           `mapstructure:"maxidle"`
	MaxActive    int           `mapstructure:"maxactive"`
	IdleTimeout  time.Duration `mapstructure:"idletimeout"`
}

// NewPool returns a redis connection pool for the options. Connections are
// pinged when borrowed after a minute of idleness.
func NewPool(ctx context.Context, opts Options) *redis.Pool {
	return &redis.Pool{
		Dial: func() (redis.Conn, error) {
			conn, err := redis.Dial("tcp", opts.Addr,
				redis.DialConnectTimeout(opts.DialTimeout),
				redis.DialReadTimeout(opts.ReadTimeout),
				redis.DialWriteTimeout(opts.WriteTimeout),
				redis.DialPassword(opts.Password),
				redis.DialDatabase(opts.DB),
			)
			if err != nil {
				dcontext.GetLogger(ctx).Errorf("error connecting to redis instance %s: %v", opts.Addr, err)
				return nil, err
			}
			return conn, nil
		},
		MaxIdle:     opts.MaxIdle,
		MaxActive:   opts.MaxActive,
		IdleTimeout: opts.IdleTimeout,
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
		Wait: false, // if a connection is not available, proceed without cache.
	}
}

// NewBlobDescriptorCacheProvider builds a redis cache from the "params" entry
// of options, decoded into Options.
func NewBlobDescriptorCacheProvider(ctx context.Context, options map[string]any) (cache.BlobDescriptorCacheProvider, error) {
	var opts Options
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           &opts,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(options["params"]); err != nil {
		return nil, err
	}
	if opts.Addr == "" {
		return nil, errors.New("redis cache: addr is required")
	}

	return NewRedisBlobDescriptorCacheProvider(NewPool(ctx, opts)), nil
}

// NewRedisBlobDescriptorCacheProvider returns a new redis-based
// BlobDescriptorCacheProvider using the provided redis connection pool.
func NewRedisBlobDescriptorCacheProvider(pool *redis.Pool) cache.BlobDescriptorCacheProvider {
	return metrics.NewPrometheusCacheProvider(
		&redisBlobDescriptorService{
			pool: pool,
		},
		"cache_redis",
		"Number of seconds taken by redis",
	)
}

// Stat retrieves the descriptor data from the redis hash entry.
func (rbds *redisBlobDescriptorService) Stat(ctx context.Context, dgst digest.Digest) (ingest.Descriptor, error) {
	if err := digest.Validate(dgst); err != nil {
		return ingest.Descriptor{}, err
	}

	conn, err := rbds.pool.GetContext(ctx)
	if err != nil {
		return ingest.Descriptor{}, err
	}
	defer conn.Close()

	return rbds.stat(conn, dgst)
}

func (rbds *redisBlobDescriptorService) Clear(ctx context.Context, dgst digest.Digest) error {
	if err := digest.Validate(dgst); err != nil {
		return err
	}

	conn, err := rbds.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	res, err := redis.Int(conn.Do("DEL", rbds.blobDescriptorHashKey(dgst)))
	if err != nil {
		return err
	}
	if res == 0 {
		return ingest.ErrBlobUnknown
	}
	return nil
}

func (rbds *redisBlobDescriptorService) stat(conn redis.Conn, dgst digest.Digest) (ingest.Descriptor, error) {
	reply, err := redis.Values(conn.Do("HMGET", rbds.blobDescriptorHashKey(dgst), "digest", "size", "mediatype", "digests"))
	if err != nil {
		return ingest.Descriptor{}, err
	}

	// We treat a missing "size" field here as an unknown blob, which
	// causes a cache miss.
	if len(reply) < 4 || reply[0] == nil || reply[1] == nil { // don't care if mediatype is nil
		return ingest.Descriptor{}, ingest.ErrBlobUnknown
	}

	var desc ingest.Descriptor
	digestString, err := redis.String(reply[0], nil)
	if err != nil {
		return ingest.Descriptor{}, err
	}
	desc.Digest = digest.Digest(digestString)
	if desc.Size, err = redis.Int64(reply[1], nil); err != nil {
		return ingest.Descriptor{}, err
	}
	if reply[2] != nil {
		if desc.MediaType, err = redis.String(reply[2], nil); err != nil {
			return ingest.Descriptor{}, err
		}
	}

	var digests []byte
	if reply[3] != nil {
		if digests, err = redis.Bytes(reply[3], nil); err != nil {
			return ingest.Descriptor{}, err
		}
	}
	if len(digests) > 0 {
		if err := json.Unmarshal(digests, &desc.Digests); err != nil {
			return ingest.Descriptor{}, fmt.Errorf("redis cache: decoding digests of %s: %w", dgst, err)
		}
	}

	return desc, nil
}

// SetDescriptor sets the descriptor data for the given digest using a redis
// hash, replacing every field of a previous descriptor. A hash is used here
// since we may store unrelated fields about a blob in the future.
func (rbds *redisBlobDescriptorService) SetDescriptor(ctx context.Context, dgst digest.Digest, desc ingest.Descriptor) error {
	if err := digest.Validate(dgst); err != nil {
		return err
	}

	if err := cache.ValidateDescriptor(desc); err != nil {
		return err
	}

	conn, err := rbds.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := rbds.setDescriptor(conn, dgst, desc); err != nil {
		return err
	}

	// Also set the values for the canonical descriptor.
	if dgst != desc.Digest {
		return rbds.setDescriptor(conn, desc.Digest, desc)
	}
	return nil
}

func (rbds *redisBlobDescriptorService) setDescriptor(conn redis.Conn, dgst digest.Digest, desc ingest.Descriptor) error {
	var digests []byte
	if len(desc.Digests) > 0 {
		var err error
		if digests, err = json.Marshal(desc.Digests); err != nil {
			return err
		}
	}

	_, err := conn.Do("HSET", rbds.blobDescriptorHashKey(dgst),
		"digest", desc.Digest.String(),
		"size", desc.Size,
		"mediatype", desc.MediaType,
		"digests", digests)
	return err
}

// blobDescriptorHashKey returns the cache key for immutable blob meta data.
func (rbds *redisBlobDescriptorService) blobDescriptorHashKey(dgst digest.Digest) string {
	return "blobs::" + dgst.String()
}
