package chain

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Info is the subset of /v1/chain/get_info this process cares about.
type Info struct {
	HeadBlockNum             uint64 `json:"head_block_num"`
	LastIrreversibleBlockNum uint64 `json:"last_irreversible_block_num"`
}

// Block is the subset of a /v1/chain/get_block response used for aggregation.
type Block struct {
	Timestamp       BlockTime         `json:"timestamp"`
	Producer        string            `json:"producer"`
	BlockNum        uint64            `json:"block_num"`
	ScheduleVersion uint32            `json:"schedule_version"`
	NewProducers    *ProducerSchedule `json:"new_producers"`
	Transactions    []Transaction     `json:"transactions"`
}

// ProducerSchedule is a versioned producer rotation as embedded in blocks and
// block header states.
type ProducerSchedule struct {
	Version   uint32        `json:"version"`
	Producers []ProducerKey `json:"producers"`
}

type ProducerKey struct {
	ProducerName string `json:"producer_name"`
}

// Names flattens the schedule to its ordered producer names.
func (s *ProducerSchedule) Names() []string {
	names := make([]string, 0, len(s.Producers))
	for _, p := range s.Producers {
		names = append(names, p.ProducerName)
	}
	return names
}

// HeaderState is the subset of /v1/chain/get_block_header_state used to
// bootstrap the schedule store.
type HeaderState struct {
	BlockNum        uint64            `json:"block_num"`
	ActiveSchedule  *ProducerSchedule `json:"active_schedule"`
	PendingSchedule *ProducerSchedule `json:"pending_schedule"`
}

type Transaction struct {
	Status     string `json:"status"`
	CPUUsageUs int64  `json:"cpu_usage_us"`
	Trx        Trx    `json:"trx"`
}

// Trx is the polymorphic transaction body: a packed-transaction id string or
// the structured object form. Only the structured form carries actions and
// contributes statistics.
type Trx struct {
	// PackedID is set for the string form.
	PackedID string
	// Transaction is set for the object form.
	Transaction *SignedTransaction
}

func (t *Trx) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &t.PackedID)
	}

	var obj struct {
		Transaction *SignedTransaction `json:"transaction"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	t.Transaction = obj.Transaction
	return nil
}

func (t Trx) MarshalJSON() ([]byte, error) {
	if t.Transaction != nil {
		return json.Marshal(struct {
			Transaction *SignedTransaction `json:"transaction"`
		}{t.Transaction})
	}
	return json.Marshal(t.PackedID)
}

type SignedTransaction struct {
	Actions []Action `json:"actions"`
}

type Action struct {
	Account string     `json:"account"`
	Name    string     `json:"name"`
	Data    ActionData `json:"data"`
}

// ActionData is the abi-decoded action payload. Nodes return a hex string
// when they cannot decode; that form carries no queryable fields.
type ActionData map[string]interface{}

func (d *ActionData) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		*d = nil
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*d = m
	return nil
}

// BlockTime parses the node's zone-less ISO-8601 timestamps as UTC.
type BlockTime struct {
	time.Time
}

var blockTimeLayouts = []string{
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

func (t *BlockTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for _, layout := range blockTimeLayouts {
		parsed, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unparseable block timestamp %q", s)
}

func (t BlockTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format("2006-01-02T15:04:05.000"))
}
