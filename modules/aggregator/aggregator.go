// Package aggregator applies finalized blocks, in order, to the cumulative
// summary. It reconstructs the producer rotation in force at each half-second
// slot, imputes slots no block arrived for, and persists a snapshot whenever
// the cursor crosses an epoch boundary. Exactly one goroutine drives it.
package aggregator

import (
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/grafana/bpwatch/bpwatchdb"
	"github.com/grafana/bpwatch/pkg/chain"
	"github.com/grafana/bpwatch/pkg/summary"
	util_log "github.com/grafana/bpwatch/pkg/util/log"
)

var (
	metricBlocksApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bpwatch",
		Name:      "aggregator_blocks_applied_total",
		Help:      "Total number of blocks applied.",
	})
	metricSlotsImputed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bpwatch",
		Name:      "aggregator_slots_imputed_total",
		Help:      "Total number of missed slots imputed between blocks.",
	})
	metricClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bpwatch",
		Name:      "aggregator_transactions_classified_total",
		Help:      "Observed single-action transactions by category.",
	}, []string{"category"})
	metricUnknownActions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bpwatch",
		Name:      "aggregator_transactions_unclassified_total",
		Help:      "Observed single-action transactions with no matching classifier.",
	})
	metricLastBlock = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bpwatch",
		Name:      "aggregator_last_block",
		Help:      "Highest block number incorporated into the summary.",
	})
)

type Aggregator struct {
	store  *bpwatchdb.Store
	logger log.Logger

	current *summary.BlockSummary
	cursor  time.Time

	// mirrors current.LastBlockNum so other goroutines can watch progress
	// without touching the summary
	lastBlockNum *atomic.Uint64

	classifiers   map[string][]ClassifierRule
	unknownLogger log.Logger

	// schedule versions we already logged as missing, so a long gap doesn't
	// flood the log
	missingSchedules map[uint32]struct{}
	scheduleCache    map[uint32][]string
}

func New(cfg *Config, store *bpwatchdb.Store, logger log.Logger) *Aggregator {
	classifiers := make(map[string][]ClassifierRule)
	for _, rule := range cfg.Classifiers {
		sig := summary.ActionSig(rule.Account, rule.Name)
		classifiers[sig] = append(classifiers[sig], rule)
	}

	return &Aggregator{
		store:            store,
		logger:           logger,
		lastBlockNum:     atomic.NewUint64(0),
		classifiers:      classifiers,
		unknownLogger:    util_log.NewRateLimitedLogger(1, level.Debug(logger)),
		missingSchedules: make(map[uint32]struct{}),
		scheduleCache:    make(map[uint32][]string),
	}
}

// Resume loads the newest persisted snapshot. Returns false when the store
// holds none and the caller must Seed instead.
func (a *Aggregator) Resume() (bool, error) {
	ts, sum, err := a.store.LastSnapshot()
	if err == bpwatchdb.ErrEmptyStore {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "resuming from store")
	}

	a.current = sum
	a.cursor = ts
	a.lastBlockNum.Store(sum.LastBlockNum)
	metricLastBlock.Set(float64(sum.LastBlockNum))
	level.Info(a.logger).Log("msg", "resumed from snapshot", "timestamp", ts, "last_block", sum.LastBlockNum)
	return true, nil
}

// Seed initializes the summary from the configured starting block and
// persists it so a restart before the first epoch boundary still resumes.
func (a *Aggregator) Seed(block *chain.Block) error {
	sum := summary.NewBlockSummary()
	sum.LastBlockNum = block.BlockNum
	sum.LastScheduleNum = block.ScheduleVersion

	a.current = sum
	a.cursor = block.Timestamp.Time

	if err := a.store.WriteSnapshot(a.cursor, a.current); err != nil {
		return errors.Wrap(err, "seeding store")
	}
	a.lastBlockNum.Store(sum.LastBlockNum)
	metricLastBlock.Set(float64(sum.LastBlockNum))
	level.Info(a.logger).Log("msg", "seeded from block", "block", block.BlockNum, "timestamp", a.cursor)
	return nil
}

// LastBlockNum is the tailer's resume point.
func (a *Aggregator) LastBlockNum() uint64 {
	return a.lastBlockNum.Load()
}

// Summary exposes the live cumulative aggregate. It is owned by the ingest
// goroutine; other goroutines read persisted snapshots through the store.
func (a *Aggregator) Summary() *summary.BlockSummary {
	return a.current
}

// ApplyBlock incorporates one finalized block. Blocks must arrive in strictly
// ascending block number; an error leaves the summary usable but means the
// caller must re-fetch and re-apply from its last good block.
func (a *Aggregator) ApplyBlock(block *chain.Block) error {
	if block.Producer == "" || block.Timestamp.IsZero() {
		return errors.Errorf("malformed block %d: missing producer or timestamp", block.BlockNum)
	}

	if block.NewProducers != nil {
		if err := a.SaveSchedule(block.NewProducers); err != nil {
			return err
		}
	}

	if err := a.imputeMissedSlots(block); err != nil {
		return err
	}

	blockSlot := summary.SlotForTime(block.Timestamp.Time)
	slotPos := int(blockSlot % summary.SlotsPerWindow)

	// verify the block really came from the producer owing its slot
	schedule, err := a.schedule(block.ScheduleVersion)
	switch {
	case err == bpwatchdb.ErrScheduleNotFound:
		a.logMissingSchedule(block.ScheduleVersion)
	case err != nil:
		return errors.Wrapf(err, "resolving schedule %d", block.ScheduleVersion)
	default:
		expected, pos := summary.ProducerForSlot(blockSlot, schedule)
		if expected != block.Producer {
			return errors.Errorf("block %d produced by %s but slot %d belongs to %s",
				block.BlockNum, block.Producer, blockSlot, expected)
		}
		slotPos = pos
	}

	a.current.Producer(block.Producer).ProcessBlock(block, slotPos)
	a.classify(block)

	a.current.LastBlockNum = block.BlockNum
	a.current.LastScheduleNum = block.ScheduleVersion

	if err := a.maybeSnapshot(); err != nil {
		return err
	}
	a.cursor = block.Timestamp.Time

	metricBlocksApplied.Inc()
	a.lastBlockNum.Store(block.BlockNum)
	metricLastBlock.Set(float64(block.BlockNum))
	return nil
}

// imputeMissedSlots attributes every slot between the cursor and the
// incoming block to the producer who owed it. Gaps are resolved against the
// schedule in force at the previous block; at a schedule transition this can
// misattribute up to one window of imputed slots, matching the chain's
// observed accounting.
func (a *Aggregator) imputeMissedSlots(block *chain.Block) error {
	cursorSlot := summary.SlotForTime(a.cursor)
	blockSlot := summary.SlotForTime(block.Timestamp.Time)
	if blockSlot-cursorSlot < 2 {
		return nil
	}

	schedule, err := a.schedule(a.current.LastScheduleNum)
	if err == bpwatchdb.ErrScheduleNotFound {
		a.logMissingSchedule(a.current.LastScheduleNum)
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "resolving schedule %d", a.current.LastScheduleNum)
	}

	for slot := cursorSlot + 1; slot < blockSlot; slot++ {
		producer, pos := summary.ProducerForSlot(slot, schedule)
		a.current.Producer(producer).MissBlock(pos)
		a.cursor = summary.TimeForSlot(slot)
		metricSlotsImputed.Inc()

		if err := a.maybeSnapshot(); err != nil {
			return err
		}
	}
	return nil
}

// maybeSnapshot persists the cumulative summary when the cursor sits on an
// epoch boundary (every ten full rotations, about 21 minutes).
func (a *Aggregator) maybeSnapshot() error {
	slot := summary.SlotForTime(a.cursor)
	if slot%summary.SnapshotIntervalSlots != 0 {
		return nil
	}

	level.Info(a.logger).Log("msg", "saving snapshot", "timestamp", a.cursor, "last_block", a.current.LastBlockNum)
	return errors.Wrap(a.store.WriteSnapshot(a.cursor, a.current), "persisting snapshot")
}

// SaveSchedule persists an incoming rotation and primes the cache. Also used
// by the tailer to store bootstrap schedules from the block header state.
func (a *Aggregator) SaveSchedule(s *chain.ProducerSchedule) error {
	names := s.Names()
	if err := a.store.WriteSchedule(s.Version, names); err != nil {
		return err
	}
	a.scheduleCache[s.Version] = names
	return nil
}

func (a *Aggregator) schedule(version uint32) ([]string, error) {
	if s, ok := a.scheduleCache[version]; ok {
		return s, nil
	}
	s, err := a.store.Schedule(version)
	if err != nil {
		return nil, err
	}
	a.scheduleCache[version] = s
	return s, nil
}

func (a *Aggregator) logMissingSchedule(version uint32) {
	if _, ok := a.missingSchedules[version]; ok {
		return
	}
	a.missingSchedules[version] = struct{}{}
	level.Warn(a.logger).Log("msg", "schedule version not in store, slot attribution degraded", "version", version)
}

// classify counts single-action transactions by display category. Purely
// observational; the per-signature histograms are recorded by ProcessBlock.
func (a *Aggregator) classify(block *chain.Block) {
	for _, tx := range block.Transactions {
		trx := tx.Trx.Transaction
		if trx == nil || len(trx.Actions) != 1 {
			continue
		}

		action := trx.Actions[0]
		sig := summary.ActionSig(action.Account, action.Name)

		if category, ok := a.categoryFor(sig, action); ok {
			metricClassified.WithLabelValues(category).Inc()
			continue
		}

		metricUnknownActions.Inc()
		_ = a.unknownLogger.Log("msg", "unclassified action", "action", sig)
	}
}

func (a *Aggregator) categoryFor(sig string, action chain.Action) (string, bool) {
	for _, rule := range a.classifiers[sig] {
		if matches(rule, action) {
			return rule.Category, true
		}
	}
	return "", false
}

func matches(rule ClassifierRule, action chain.Action) bool {
	for field, want := range rule.Match {
		got, ok := action.Data[field]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", got) != want {
			return false
		}
	}
	return true
}
