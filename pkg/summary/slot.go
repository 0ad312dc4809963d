package summary

import "time"

// The chain divides time into half-second slots counted from the 2000-01-01
// epoch. Each producer owns 12 consecutive slots (a six second window), and a
// 21-producer rotation covers 252 slots.
const (
	SlotMillis     = 500
	SlotsPerWindow = 12

	// ProducersPerSchedule is the rotation size on a live chain. The genesis
	// schedule is the single bootstrap producer.
	ProducersPerSchedule = 21

	// SnapshotIntervalSlots is ten full rotations, roughly 21 minutes.
	SnapshotIntervalSlots = ProducersPerSchedule * SlotsPerWindow * 10

	epochMillis = 946684800000 // 2000-01-01T00:00:00Z
)

// SlotForTime maps a timestamp onto the half-second slot grid.
func SlotForTime(t time.Time) int64 {
	return (t.UnixMilli() - epochMillis) / SlotMillis
}

// TimeForSlot is the inverse of SlotForTime.
func TimeForSlot(slot int64) time.Time {
	return time.UnixMilli(epochMillis + slot*SlotMillis).UTC()
}

// ProducerForSlot returns the producer owing the given slot under the given
// schedule and the slot's position within that producer's window.
func ProducerForSlot(slot int64, schedule []string) (string, int) {
	rotation := int64(len(schedule) * SlotsPerWindow)
	return schedule[(slot%rotation)/SlotsPerWindow], int(slot % SlotsPerWindow)
}

// ProducerForTime is ProducerForSlot on the slot containing t.
func ProducerForTime(t time.Time, schedule []string) (string, int) {
	return ProducerForSlot(SlotForTime(t), schedule)
}
