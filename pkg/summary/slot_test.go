package summary

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotForTime(t *testing.T) {
	epoch := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, int64(0), SlotForTime(epoch))
	assert.Equal(t, int64(1), SlotForTime(epoch.Add(500*time.Millisecond)))
	assert.Equal(t, int64(2), SlotForTime(epoch.Add(time.Second)))
	assert.Equal(t, int64(120), SlotForTime(epoch.Add(time.Minute)))
}

func TestTimeForSlotRoundTrip(t *testing.T) {
	for _, slot := range []int64{0, 1, 251, 252, 1000000, 1161590461} {
		assert.Equal(t, slot, SlotForTime(TimeForSlot(slot)))
	}
}

func TestScheduleRotation(t *testing.T) {
	schedule := make([]string, ProducersPerSchedule)
	for i := range schedule {
		schedule[i] = fmt.Sprintf("producer%03d", i)
	}

	rotation := int64(len(schedule) * SlotsPerWindow)
	require.Equal(t, int64(252), rotation)

	for _, k := range []int64{0, 1, 11, 12, 13, 251, 252, 300, 99999} {
		producer, pos := ProducerForTime(TimeForSlot(k), schedule)
		assert.Equal(t, schedule[(k%rotation)/SlotsPerWindow], producer, "slot %d", k)
		assert.Equal(t, int(k%SlotsPerWindow), pos, "slot %d", k)
	}
}

func TestGenesisSchedule(t *testing.T) {
	producer, pos := ProducerForSlot(500, []string{"eosio"})
	assert.Equal(t, "eosio", producer)
	assert.Equal(t, 8, pos)
}
