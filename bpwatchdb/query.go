package bpwatchdb

import (
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/grafana/bpwatch/pkg/summary"
)

// DefaultStep is one snapshot interval.
const DefaultStep = 1260 * time.Second

// RangeEntry is one step of a time-range query: the delta accumulated
// between the previous emitted snapshot and the one at Timestamp.
type RangeEntry struct {
	Timestamp time.Time
	Summary   *summary.BlockSummary
}

// FetchSingle returns the delta between the snapshot at or after from (or
// the first) and the snapshot at or after to (or the last). Deltas, never
// cumulative values, are the contract renderers depend on.
func (s *Store) FetchSingle(from, to *time.Time) (*summary.BlockSummary, error) {
	var a, b *summary.BlockSummary
	var err error

	if from != nil {
		_, a, err = s.SeekSnapshot(*from)
	} else {
		_, a, err = s.FirstSnapshot()
	}
	if err != nil {
		return nil, err
	}

	if to != nil {
		_, b, err = s.SeekSnapshot(*to)
	} else {
		_, b, err = s.LastSnapshot()
	}
	if err != nil {
		return nil, err
	}

	if b.LastBlockNum < a.LastBlockNum {
		return nil, errors.New("range bounds are reversed")
	}

	delta := b.Sub(a)
	delta.Minify()
	return delta, nil
}

// FetchByTimeRange walks snapshots from the first at or after from, stepping
// forward by step each time, and emits the delta between consecutive visited
// snapshots. Stops past to or at store exhaustion. A step smaller than the
// snapshot cadence degenerates to consecutive-snapshot deltas.
func (s *Store) FetchByTimeRange(from, to *time.Time, step time.Duration) ([]RangeEntry, error) {
	if step <= 0 {
		step = DefaultStep
	}

	var entries []RangeEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBlocks).Cursor()

		var k, v []byte
		if from != nil {
			k, v = c.Seek(TimeKey(*from))
		} else {
			k, v = c.First()
		}
		if k == nil {
			return ErrNoSnapshot
		}

		prevKey := append([]byte(nil), k...)
		prevTime, err := ParseTimeKey(k)
		if err != nil {
			return errors.Wrap(err, "corrupt snapshot key")
		}
		prev, err := summary.Unmarshal(v)
		if err != nil {
			return err
		}

		for {
			target := TimeKey(prevTime.Add(step))
			k, v = snapshotAfter(c, prevKey, target)
			if k == nil {
				return nil
			}

			ts, err := ParseTimeKey(k)
			if err != nil {
				return errors.Wrap(err, "corrupt snapshot key")
			}
			if to != nil && ts.After(*to) {
				return nil
			}

			cur, err := summary.Unmarshal(v)
			if err != nil {
				return err
			}

			delta := cur.Sub(prev)
			delta.Minify()
			entries = append(entries, RangeEntry{Timestamp: ts, Summary: delta})

			prevKey = append(prevKey[:0], k...)
			prevTime = ts
			prev = cur
		}
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
