// Package bpwatchdb is the embedded store for producer-performance
// snapshots. It keeps two ordered keyspaces in a single bolt file: block_db,
// cumulative BlockSummary snapshots keyed by ISO-8601 timestamp, and
// schedule_db, producer rotations keyed by schedule version. Bolt gives the
// query path a consistent read view while the aggregator commits writes.
package bpwatchdb

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	bolt "go.etcd.io/bbolt"

	"github.com/grafana/bpwatch/pkg/summary"
)

var (
	metricSnapshotWrites = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bpwatch",
		Name:      "db_snapshot_writes_total",
		Help:      "Total number of snapshots written.",
	})
	metricSnapshotBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bpwatch",
		Name:      "db_snapshot_bytes",
		Help:      "Size of serialized snapshots.",
		Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
	})
	metricScheduleWrites = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bpwatch",
		Name:      "db_schedule_writes_total",
		Help:      "Total number of producer schedules written.",
	})
)

var (
	bucketBlocks    = []byte("block_db")
	bucketSchedules = []byte("schedule_db")

	// ErrEmptyStore is returned by reads against a store with no snapshots.
	ErrEmptyStore = errors.New("no snapshots in store")
	// ErrNoSnapshot is returned when a seek finds no snapshot at or after
	// the requested bound.
	ErrNoSnapshot = errors.New("no snapshot at or after bound")
	// ErrScheduleNotFound is returned for unknown schedule versions.
	ErrScheduleNotFound = errors.New("schedule version not in store")
)

// genesisSchedule is the hard-coded schedule version 0: the single bootstrap
// producer before the first voted rotation takes effect.
var genesisSchedule = []string{"eosio"}

// timeKeyLayout is fixed width so keys order lexicographically. Millisecond
// precision is enough for the half-second slot grid.
const timeKeyLayout = "2006-01-02T15:04:05.000Z"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TimeKey renders a snapshot key.
func TimeKey(t time.Time) []byte {
	return []byte(t.UTC().Format(timeKeyLayout))
}

// ParseTimeKey is the inverse of TimeKey.
func ParseTimeKey(k []byte) (time.Time, error) {
	return time.Parse(timeKeyLayout, string(k))
}

func scheduleKey(version uint32) []byte {
	k := make([]byte, 8)
	binary.LittleEndian.PutUint64(k, uint64(version))
	return k
}

type Store struct {
	db     *bolt.DB
	logger log.Logger
}

// New opens or creates the database. Open failures are fatal to the process;
// the supervisor restarts us.
func New(cfg *Config, logger log.Logger) (*Store, error) {
	db, err := bolt.Open(cfg.Path, 0644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening database at %s", cfg.Path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketBlocks); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketSchedules)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "creating buckets")
	}

	level.Info(logger).Log("msg", "database open", "path", cfg.Path)

	return &Store{
		db:     db,
		logger: logger,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// WriteSnapshot persists the cumulative summary under its timestamp key.
// Rewriting an existing key is allowed; restart replay hits the same
// boundaries it already saved.
func (s *Store) WriteSnapshot(ts time.Time, sum *summary.BlockSummary) error {
	b, err := summary.Marshal(sum)
	if err != nil {
		return errors.Wrap(err, "serializing snapshot")
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlocks).Put(TimeKey(ts), b)
	})
	if err != nil {
		return errors.Wrap(err, "writing snapshot")
	}

	metricSnapshotWrites.Inc()
	metricSnapshotBytes.Observe(float64(len(b)))
	return nil
}

// FirstSnapshot returns the oldest snapshot.
func (s *Store) FirstSnapshot() (time.Time, *summary.BlockSummary, error) {
	return s.readSnapshot(func(c *bolt.Cursor) ([]byte, []byte) {
		return c.First()
	})
}

// LastSnapshot returns the newest snapshot.
func (s *Store) LastSnapshot() (time.Time, *summary.BlockSummary, error) {
	return s.readSnapshot(func(c *bolt.Cursor) ([]byte, []byte) {
		return c.Last()
	})
}

// SeekSnapshot returns the first snapshot at or after t, or ErrNoSnapshot.
func (s *Store) SeekSnapshot(t time.Time) (time.Time, *summary.BlockSummary, error) {
	return s.readSnapshot(func(c *bolt.Cursor) ([]byte, []byte) {
		return c.Seek(TimeKey(t))
	})
}

func (s *Store) readSnapshot(position func(*bolt.Cursor) ([]byte, []byte)) (time.Time, *summary.BlockSummary, error) {
	var ts time.Time
	var sum *summary.BlockSummary

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBlocks).Cursor()
		if k, _ := c.First(); k == nil {
			return ErrEmptyStore
		}

		k, v := position(c)
		if k == nil {
			return ErrNoSnapshot
		}

		var err error
		ts, err = ParseTimeKey(k)
		if err != nil {
			return errors.Wrap(err, "corrupt snapshot key")
		}
		sum, err = summary.Unmarshal(v)
		return err
	})
	if err != nil {
		return time.Time{}, nil, err
	}
	return ts, sum, nil
}

// WriteSchedule persists a producer rotation under its version. Reads issued
// after this returns see the write.
func (s *Store) WriteSchedule(version uint32, producers []string) error {
	b, err := json.Marshal(producers)
	if err != nil {
		return errors.Wrap(err, "serializing schedule")
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put(scheduleKey(version), b)
	})
	if err != nil {
		return errors.Wrapf(err, "writing schedule %d", version)
	}

	metricScheduleWrites.Inc()
	level.Info(s.logger).Log("msg", "schedule stored", "version", version, "producers", len(producers))
	return nil
}

// Schedule returns the producer rotation for a version. Version 0 never
// touches the store.
func (s *Store) Schedule(version uint32) ([]string, error) {
	if version == 0 {
		return genesisSchedule, nil
	}

	var producers []string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSchedules).Get(scheduleKey(version))
		if v == nil {
			return ErrScheduleNotFound
		}
		return json.Unmarshal(v, &producers)
	})
	if err != nil {
		return nil, err
	}
	return producers, nil
}

// snapshotAfter positions the cursor at the first key strictly greater than
// prev that is also >= target. Used by the range walk.
func snapshotAfter(c *bolt.Cursor, prev []byte, target []byte) ([]byte, []byte) {
	k, v := c.Seek(target)
	for k != nil && bytes.Compare(k, prev) <= 0 {
		k, v = c.Next()
	}
	return k, v
}
