// Package purge schedules the removal of uploads that were started and never
// committed or cancelled.
package purge

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/distribution/ingest/internal/dcontext"
	"github.com/distribution/ingest/registry/storage"
	storagedriver "github.com/distribution/ingest/registry/storage/driver"
)

const (
	// DefaultAge is the age after which an upload is purged.
	DefaultAge = 168 * time.Hour

	// DefaultInterval separates two purge runs.
	DefaultInterval = 24 * time.Hour

	// maxJitter bounds the random delay before the first run, so instances
	// started together do not purge together.
	maxJitter = time.Hour
)

// Options configures upload purging. It is read from the
// storage.maintenance.uploadpurging section of the configuration.
type Options struct {
	Enabled  bool          `mapstructure:"enabled"`
	Age      time.Duration `mapstructure:"age"`
	Interval time.Duration `mapstructure:"interval"`
	DryRun   bool          `mapstructure:"dryrun"`
}

// ParseConfig decodes the uploadpurging section. Missing durations take
// their defaults; an absent section leaves purging enabled with defaults.
func ParseConfig(section any) (Options, error) {
	opts := Options{
		Enabled:  section == nil,
		Age:      DefaultAge,
		Interval: DefaultInterval,
	}
	if section == nil {
		return opts, nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     &opts,
	})
	if err != nil {
		return Options{}, err
	}

	if err := decoder.Decode(section); err != nil {
		return Options{}, fmt.Errorf("unable to parse upload purge configuration: %w", err)
	}

	if opts.Age <= 0 {
		return Options{}, fmt.Errorf("unable to parse upload purge configuration: age %s must be positive", opts.Age)
	}
	if opts.Interval <= 0 {
		return Options{}, fmt.Errorf("unable to parse upload purge configuration: interval %s must be positive", opts.Interval)
	}

	return opts, nil
}

func (o Options) String() string {
	return fmt.Sprintf("enabled=%t age=%s interval=%s dryrun=%t", o.Enabled, o.Age, o.Interval, o.DryRun)
}

// Purger removes stale uploads from a driver every interval.
type Purger struct {
	driver storagedriver.StorageDriver
	opts   Options
	jitter time.Duration
	now    func() time.Time
}

// NewPurger returns a purger for driver. The first run is delayed by a
// random jitter below one hour.
func NewPurger(driver storagedriver.StorageDriver, opts Options) *Purger {
	return &Purger{
		driver: driver,
		opts:   opts,
		jitter: time.Duration(rand.Int63n(int64(maxJitter))),
		now:    time.Now,
	}
}

// Run purges until ctx is done.
func (p *Purger) Run(ctx context.Context) {
	logger := dcontext.GetLogger(ctx)
	logger.Infof("starting upload purge in %s", p.jitter)

	timer := time.NewTimer(p.jitter)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		p.purge(ctx)

		logger.Infof("next upload purge in %s", p.opts.Interval)
		timer.Reset(p.opts.Interval)
	}
}

func (p *Purger) purge(ctx context.Context) []string {
	deleted, errs := storage.PurgeUploads(ctx, p.driver, p.now().Add(-p.opts.Age), !p.opts.DryRun)
	for _, err := range errs {
		dcontext.GetLogger(ctx).WithError(err).Warn("upload purge")
	}
	return deleted
}
