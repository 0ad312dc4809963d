package summary

// BlockSummary is the cumulative aggregate since ingest start. Snapshots of
// it are persisted on epoch boundaries; the delta between any two persisted
// snapshots is itself a BlockSummary.
type BlockSummary struct {
	Producers       map[string]*BpData `json:"producers"`
	LastBlockNum    uint64             `json:"last_block_num"`
	LastScheduleNum uint32             `json:"last_schedule_num"`
}

func NewBlockSummary() *BlockSummary {
	return &BlockSummary{
		Producers: make(map[string]*BpData),
	}
}

// Producer returns the aggregate for the named producer, creating it on
// first touch.
func (s *BlockSummary) Producer(name string) *BpData {
	b, ok := s.Producers[name]
	if !ok {
		b = NewBpData()
		s.Producers[name] = b
	}
	return b
}

// Sub returns the delta between this summary and an earlier one. The result
// carries the receiver's block and schedule cursor.
func (s *BlockSummary) Sub(o *BlockSummary) *BlockSummary {
	result := NewBlockSummary()
	result.LastBlockNum = s.LastBlockNum
	result.LastScheduleNum = s.LastScheduleNum

	for name, data := range s.Producers {
		if other, ok := o.Producers[name]; ok {
			result.Producers[name] = data.Sub(other)
		} else {
			result.Producers[name] = data.Clone()
		}
	}
	return result
}

// Minify drops empty action entries and producers with no slot history.
func (s *BlockSummary) Minify() {
	for name, data := range s.Producers {
		data.Minify()
		if data.SlotsPassedTotal() == 0 && len(data.TxData) == 0 {
			delete(s.Producers, name)
		}
	}
}

// Clone returns a deep copy.
func (s *BlockSummary) Clone() *BlockSummary {
	c := NewBlockSummary()
	c.LastBlockNum = s.LastBlockNum
	c.LastScheduleNum = s.LastScheduleNum
	for name, data := range s.Producers {
		c.Producers[name] = data.Clone()
	}
	return c
}
