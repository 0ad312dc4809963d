// Package pool runs jobs across a bounded set of workers while preserving
// submission order in the results. Fetching is the parallel part of ingest;
// application is serial, so callers consume the ordered results one by one.
package pool

import (
	"context"
	"flag"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

var (
	metricQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bpwatch",
		Name:      "fetch_queue_length",
		Help:      "Current length of the fetch queue.",
	})
	metricQueueMax = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bpwatch",
		Name:      "fetch_queue_max",
		Help:      "Maximum number of items in the fetch queue.",
	})
)

type JobFunc func(ctx context.Context, payload interface{}) (interface{}, error)

type job struct {
	ctx     context.Context
	cancel  context.CancelFunc
	payload interface{}
	index   int
	fn      JobFunc

	wg      *sync.WaitGroup
	results []interface{}
	stopped *atomic.Bool
	err     *atomic.Error
}

type Config struct {
	MaxWorkers int `yaml:"max_workers"`
	QueueDepth int `yaml:"queue_depth"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.MaxWorkers, prefix+".max-workers", 8, "Number of concurrent fetch workers.")
	f.IntVar(&cfg.QueueDepth, prefix+".queue-depth", 2000, "Depth of the fetch work queue.")
}

type Pool struct {
	cfg  *Config
	size *atomic.Int32

	workQueue chan *job
}

func NewPool(cfg *Config) *Pool {
	if cfg == nil {
		cfg = defaultConfig()
	}

	q := make(chan *job, cfg.QueueDepth)
	p := &Pool{
		cfg:       cfg,
		workQueue: q,
		size:      atomic.NewInt32(0),
	}

	for i := 0; i < cfg.MaxWorkers; i++ {
		go p.worker(q)
	}

	metricQueueMax.Set(float64(cfg.QueueDepth))

	return p
}

// RunJobs executes fn over every payload and returns the results in
// submission order. The first job error cancels the remaining jobs and is
// returned; results of cancelled jobs are nil.
func (p *Pool) RunJobs(ctx context.Context, payloads []interface{}, fn JobFunc) ([]interface{}, error) {
	totalJobs := len(payloads)

	// sanity check before we even attempt to start adding jobs
	if int(p.size.Load())+totalJobs > p.cfg.QueueDepth {
		return nil, fmt.Errorf("queue doesn't have room for %d jobs", totalJobs)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]interface{}, totalJobs)
	wg := &sync.WaitGroup{}
	stopped := atomic.NewBool(false)
	err := atomic.NewError(nil)

	wg.Add(totalJobs)
	// add each job one at a time.  these might still fail
	for i, payload := range payloads {
		j := &job{
			ctx:     jobCtx,
			cancel:  cancel,
			fn:      fn,
			payload: payload,
			index:   i,
			wg:      wg,
			results: results,
			stopped: stopped,
			err:     err,
		}

		select {
		case p.workQueue <- j:
			p.size.Inc()
			metricQueueLength.Set(float64(p.size.Load()))
		default:
			stopped.Store(true)
			return nil, fmt.Errorf("failed to add a job due to queue being full")
		}
	}

	wg.Wait()

	if jobErr := err.Load(); jobErr != nil {
		return nil, jobErr
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return results, nil
}

func (p *Pool) Shutdown() {
	close(p.workQueue)
}

func (p *Pool) worker(q <-chan *job) {
	for j := range q {
		p.size.Dec()
		metricQueueLength.Set(float64(p.size.Load()))

		if j.stopped.Load() || j.ctx.Err() != nil {
			j.wg.Done()
			continue
		}

		result, err := j.fn(j.ctx, j.payload)
		if err != nil {
			// first error wins; cancelled siblings fail with ctx errors we
			// don't want to surface
			if j.stopped.CompareAndSwap(false, true) {
				j.err.Store(err)
				j.cancel()
			}
		} else {
			j.results[j.index] = result
		}
		j.wg.Done()
	}
}

// default is concurrency suited to a single upstream node
func defaultConfig() *Config {
	return &Config{
		MaxWorkers: 8,
		QueueDepth: 2000,
	}
}
