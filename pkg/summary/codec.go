package summary

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/grafana/bpwatch/pkg/stats"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// codecVersion tags the persisted snapshot schema. Bump on incompatible
// change; Unmarshal rejects versions it does not know.
const codecVersion = 1

type envelope struct {
	Version     int           `json:"version"`
	BucketCount int           `json:"bucket_count"`
	Summary     *BlockSummary `json:"summary"`
}

// Marshal serializes a snapshot for persistence.
func Marshal(s *BlockSummary) ([]byte, error) {
	return json.Marshal(&envelope{
		Version:     codecVersion,
		BucketCount: stats.NumBuckets,
		Summary:     s,
	})
}

// Unmarshal deserializes a persisted snapshot, rejecting snapshots written by
// an incompatible build.
func Unmarshal(b []byte) (*BlockSummary, error) {
	env := &envelope{}
	if err := json.Unmarshal(b, env); err != nil {
		return nil, errors.Wrap(err, "parsing snapshot")
	}
	if env.Version != codecVersion {
		return nil, errors.Errorf("unsupported snapshot version %d", env.Version)
	}
	if env.BucketCount != stats.NumBuckets {
		return nil, errors.Errorf("snapshot has %d histogram buckets, this build expects %d", env.BucketCount, stats.NumBuckets)
	}
	if env.Summary == nil {
		return nil, errors.New("snapshot missing summary")
	}
	if env.Summary.Producers == nil {
		env.Summary.Producers = make(map[string]*BpData)
	}
	for _, data := range env.Summary.Producers {
		if data.TxData == nil {
			data.TxData = make(map[string]*stats.Stats)
		}
		for sig, st := range data.TxData {
			if len(st.Measurements) != stats.NumBuckets {
				return nil, errors.Errorf("action %s has %d buckets, expected %d", sig, len(st.Measurements), stats.NumBuckets)
			}
		}
	}
	return env.Summary, nil
}
