// Package tailer drives ingest: it follows the node's last-irreversible
// frontier, fetches new blocks with a bounded worker pool, and feeds them to
// the aggregator in strict block order. Fetching is the bottleneck and runs
// in parallel; application is serial by construction.
package tailer

import (
	"context"
	"flag"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/grafana/bpwatch/modules/aggregator"
	"github.com/grafana/bpwatch/pkg/chain"
	"github.com/grafana/bpwatch/pkg/pool"
)

var (
	metricBatchesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bpwatch",
		Name:      "tailer_batches_total",
		Help:      "Total number of block batches fetched and applied.",
	})
	metricBatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bpwatch",
		Name:      "tailer_batch_failures_total",
		Help:      "Total number of batches abandoned due to an error.",
	})
	metricFrontier = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bpwatch",
		Name:      "tailer_frontier_block",
		Help:      "The node's last irreversible block number.",
	})
)

type Config struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	FailureBackoff time.Duration `yaml:"failure_backoff"`
	MaxBatch       uint64        `yaml:"max_batch"`
	StartingBlock  uint64        `yaml:"starting_block"`
	Pool           pool.Config   `yaml:"pool"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.PollInterval, prefix+".poll-interval", time.Second, "How long to sleep when caught up with the frontier.")
	f.DurationVar(&cfg.FailureBackoff, prefix+".failure-backoff", 60*time.Second, "How long to sleep after an apply failure before refetching the batch.")
	f.Uint64Var(&cfg.MaxBatch, prefix+".max-batch", 1000, "Maximum blocks fetched per iteration.")
	f.Uint64Var(&cfg.StartingBlock, prefix+".starting-block", 1, "Block to start ingesting from when the database is empty.")
	cfg.Pool.RegisterFlagsAndApplyDefaults(prefix+".pool", f)
}

type Tailer struct {
	services.Service

	cfg    *Config
	client *chain.Client
	agg    *aggregator.Aggregator
	pool   *pool.Pool
	logger log.Logger

	last uint64
}

func New(cfg *Config, client *chain.Client, agg *aggregator.Aggregator, logger log.Logger) *Tailer {
	t := &Tailer{
		cfg:    cfg,
		client: client,
		agg:    agg,
		pool:   pool.NewPool(&cfg.Pool),
		logger: logger,
	}
	t.Service = services.NewBasicService(t.starting, t.running, t.stopping)
	return t
}

// starting resumes from the last persisted snapshot, or seeds the summary
// from the configured starting block on a fresh database.
func (t *Tailer) starting(ctx context.Context) error {
	found, err := t.agg.Resume()
	if err != nil {
		return err
	}

	if !found {
		block, err := t.client.GetBlock(ctx, t.cfg.StartingBlock)
		if err != nil {
			return errors.Wrapf(err, "fetching starting block %d", t.cfg.StartingBlock)
		}
		if err := t.agg.Seed(block); err != nil {
			return err
		}
		t.bootstrapSchedules(ctx, block)
	}

	t.last = t.agg.LastBlockNum()
	level.Info(t.logger).Log("msg", "tailer starting", "from_block", t.last)
	return nil
}

// bootstrapSchedules loads the rotations in force at the starting block.
// Header state is only retained by nodes for recent blocks, so a miss is
// survivable: imputation stays degraded until a new_producers block arrives.
func (t *Tailer) bootstrapSchedules(ctx context.Context, block *chain.Block) {
	state, err := t.client.GetBlockHeaderState(ctx, block.BlockNum)
	if err != nil {
		level.Warn(t.logger).Log("msg", "could not fetch header state for schedule bootstrap", "block", block.BlockNum, "err", err)
		return
	}

	for _, schedule := range []*chain.ProducerSchedule{state.ActiveSchedule, state.PendingSchedule} {
		if schedule == nil || len(schedule.Producers) == 0 {
			continue
		}
		if err := t.agg.SaveSchedule(schedule); err != nil {
			level.Warn(t.logger).Log("msg", "could not store bootstrap schedule", "version", schedule.Version, "err", err)
		}
	}
}

func (t *Tailer) running(ctx context.Context) error {
	for {
		if err := t.iterate(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			metricBatchFailures.Inc()
			level.Error(t.logger).Log("msg", "ingest iteration failed, backing off", "from_block", t.last, "err", err)
			if !sleepCtx(ctx, t.cfg.FailureBackoff) {
				return nil
			}
			if err := t.reset(); err != nil {
				// store reads failing is not survivable
				return errors.Wrap(err, "rewinding to last snapshot")
			}
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (t *Tailer) iterate(ctx context.Context) error {
	info, err := t.client.GetInfo(ctx)
	if err != nil {
		return errors.Wrap(err, "polling frontier")
	}

	frontier := info.LastIrreversibleBlockNum
	metricFrontier.Set(float64(frontier))

	if frontier <= t.last {
		sleepCtx(ctx, t.cfg.PollInterval)
		return nil
	}

	// bound the batch so snapshot cadence stays regular during catch-up
	target := frontier
	if target > t.last+t.cfg.MaxBatch {
		target = t.last + t.cfg.MaxBatch
	}

	level.Info(t.logger).Log("msg", "fetching blocks", "from", t.last+1, "to", target)

	payloads := make([]interface{}, 0, target-t.last)
	for num := t.last + 1; num <= target; num++ {
		payloads = append(payloads, num)
	}

	results, err := t.pool.RunJobs(ctx, payloads, func(ctx context.Context, payload interface{}) (interface{}, error) {
		return t.client.GetBlock(ctx, payload.(uint64))
	})
	if err != nil {
		return errors.Wrap(err, "fetching batch")
	}

	// apply strictly in block order; last advances only once the whole
	// batch is in
	for _, result := range results {
		block := result.(*chain.Block)
		if err := t.agg.ApplyBlock(block); err != nil {
			return errors.Wrapf(err, "applying block %d", block.BlockNum)
		}
	}
	t.last = target

	metricBatchesFetched.Inc()
	return nil
}

// reset rewinds to the last persisted snapshot after a failed batch. This is
// the same recovery a process restart performs, so refetching the range is
// safe: partially applied work that never reached a snapshot is discarded.
func (t *Tailer) reset() error {
	found, err := t.agg.Resume()
	if err != nil {
		return err
	}
	if !found {
		return errors.New("no snapshot to resume from")
	}
	t.last = t.agg.LastBlockNum()
	return nil
}

func (t *Tailer) stopping(_ error) error {
	t.pool.Shutdown()
	return nil
}

// sleepCtx returns false if the context was cancelled before the duration
// elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
