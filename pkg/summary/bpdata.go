// Package summary holds the per-producer aggregates and the cumulative
// snapshot they roll up into. Everything here supports exact add/sub so that
// two snapshots can be differenced into the aggregate over the time between
// them.
package summary

import (
	"github.com/grafana/bpwatch/pkg/chain"
	"github.com/grafana/bpwatch/pkg/stats"
)

// BpData is one producer's running totals: CPU histograms per action
// signature and hit/miss counters per slot position. BlocksProduced[i] never
// exceeds SlotsPassed[i].
type BpData struct {
	TxData         map[string]*stats.Stats `json:"tx_data"`
	SlotsPassed    [SlotsPerWindow]int64   `json:"slots_passed"`
	BlocksProduced [SlotsPerWindow]int64   `json:"blocks_produced"`
}

func NewBpData() *BpData {
	return &BpData{
		TxData: make(map[string]*stats.Stats),
	}
}

// MissBlock records a slot the producer owed but did not fill.
func (b *BpData) MissBlock(slot int) {
	b.SlotsPassed[slot]++
}

// ProcessBlock records a produced block and observes the CPU billed to each
// of its single-action structured transactions. Packed-form transactions and
// multi-action transactions are skipped: the former carry no actions, and the
// latter's CPU cost cannot be attributed to a single action class.
func (b *BpData) ProcessBlock(block *chain.Block, slot int) {
	b.SlotsPassed[slot]++
	b.BlocksProduced[slot]++

	for _, tx := range block.Transactions {
		trx := tx.Trx.Transaction
		if trx == nil {
			continue
		}
		if len(trx.Actions) != 1 {
			continue
		}

		action := trx.Actions[0]
		sig := ActionSig(action.Account, action.Name)
		st, ok := b.TxData[sig]
		if !ok {
			st = stats.New()
			b.TxData[sig] = st
		}
		st.Observe(float64(tx.CPUUsageUs))
	}
}

// ActionSig is the map key for an action class.
func ActionSig(account, name string) string {
	return account + ":" + name
}

func (b *BpData) SlotsPassedTotal() int64 {
	var total int64
	for _, n := range b.SlotsPassed {
		total += n
	}
	return total
}

func (b *BpData) BlocksProducedTotal() int64 {
	var total int64
	for _, n := range b.BlocksProduced {
		total += n
	}
	return total
}

// Add returns a new BpData with the union of both operands' action stats and
// summed slot counters.
func (b *BpData) Add(o *BpData) *BpData {
	result := NewBpData()
	for sig, data := range b.TxData {
		result.TxData[sig] = data.Clone()
	}
	for sig, data := range o.TxData {
		if existing, ok := result.TxData[sig]; ok {
			result.TxData[sig] = existing.Add(data)
		} else {
			result.TxData[sig] = data.Clone()
		}
	}
	for i := range result.SlotsPassed {
		result.SlotsPassed[i] = b.SlotsPassed[i] + o.SlotsPassed[i]
		result.BlocksProduced[i] = b.BlocksProduced[i] + o.BlocksProduced[i]
	}
	return result
}

// Sub returns a new BpData holding the componentwise difference.
func (b *BpData) Sub(o *BpData) *BpData {
	result := NewBpData()
	for sig, data := range b.TxData {
		result.TxData[sig] = data.Clone()
	}
	for sig, data := range o.TxData {
		if existing, ok := result.TxData[sig]; ok {
			result.TxData[sig] = existing.Sub(data)
		} else {
			result.TxData[sig] = stats.New().Sub(data)
		}
	}
	for i := range result.SlotsPassed {
		result.SlotsPassed[i] = b.SlotsPassed[i] - o.SlotsPassed[i]
		result.BlocksProduced[i] = b.BlocksProduced[i] - o.BlocksProduced[i]
	}
	return result
}

// Minify drops action entries with no observations. Used on deltas before
// they are returned.
func (b *BpData) Minify() {
	for sig, data := range b.TxData {
		if data.Count == 0 {
			delete(b.TxData, sig)
		}
	}
}

// Clone returns a deep copy.
func (b *BpData) Clone() *BpData {
	c := NewBpData()
	for sig, data := range b.TxData {
		c.TxData[sig] = data.Clone()
	}
	c.SlotsPassed = b.SlotsPassed
	c.BlocksProduced = b.BlocksProduced
	return c
}
