package intel

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/malwatch-project/malwatch/internal/config"
)

// Refresher periodically re-reads the configured feeds on their cron
// schedules and merges their records into the index.
type Refresher struct {
	logger zerolog.Logger
	index  *Index
	cron   *cron.Cron
	feeds  []FeedSource
	max    int
}

// NewRefresher wires one FeedSource per configured feed. Feeds with an
// invalid type fail construction; a missing file only fails that feed's
// refresh cycle.
func NewRefresher(cfg config.IntelConfig, index *Index, logger zerolog.Logger) (*Refresher, error) {
	r := &Refresher{
		logger: logger.With().Str("component", "intel_refresher").Logger(),
		index:  index,
		cron:   cron.New(),
		max:    cfg.MaxFetch,
	}
	for _, fc := range cfg.Feeds {
		src, err := NewFeedSource(fc)
		if err != nil {
			return nil, err
		}
		r.feeds = append(r.feeds, src)
		spec := fc.Cron
		if spec == "" {
			spec = "@every 1h"
		}
		if _, err := r.cron.AddFunc(spec, func() { r.refreshOne(src) }); err != nil {
			return nil, fmt.Errorf("scheduling feed %q: %w", fc.Name, err)
		}
	}
	return r, nil
}

// Start performs an initial synchronous refresh of every feed, then starts
// the cron scheduler.
func (r *Refresher) Start() {
	for _, src := range r.feeds {
		r.refreshOne(src)
	}
	r.cron.Start()
}

// Stop halts scheduling. In-flight refreshes run to completion.
func (r *Refresher) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// RefreshAll re-reads every feed once. Used by the SIGHUP reload path.
func (r *Refresher) RefreshAll() {
	for _, src := range r.feeds {
		r.refreshOne(src)
	}
}

func (r *Refresher) refreshOne(src FeedSource) {
	var recs []FeedRecord
	op := func() error {
		var err error
		recs, err = src.Fetch()
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 2 * time.Minute
	if err := backoff.Retry(op, bo); err != nil {
		r.logger.Error().Err(err).Str("feed", src.Name()).Msg("feed refresh failed, keeping stale entries")
		return
	}

	if r.max > 0 && len(recs) > r.max {
		recs = recs[:r.max]
	}
	merged, skipped := 0, 0
	for _, rec := range recs {
		changed, err := r.index.Ingest(rec)
		if err != nil {
			skipped++
			continue
		}
		if changed {
			merged++
		}
	}
	r.logger.Info().
		Str("feed", src.Name()).
		Int("records", len(recs)).
		Int("merged", merged).
		Int("skipped", skipped).
		Msg("feed refreshed")
}
