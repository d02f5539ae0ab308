package availability

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/scheduling-api/internal/model"
)

func slotAt(providerID uuid.UUID, start time.Time) *model.Slot {
	s := &model.Slot{
		ProviderID:      &providerID,
		StartTime:       start,
		DurationMinutes: 30,
		Status:          model.SlotStatusOpen,
	}
	s.ID = uuid.New()
	return s
}

func TestRollUpIntoSegments(t *testing.T) {
	provider := uuid.New()
	day := time.Date(2026, 9, 7, 9, 0, 0, 0, time.UTC)

	// 9:00, 9:30, 10:00 contiguous; 11:30 isolated.
	slots := []*model.Slot{
		slotAt(provider, day),
		slotAt(provider, day.Add(30*time.Minute)),
		slotAt(provider, day.Add(60*time.Minute)),
		slotAt(provider, day.Add(150*time.Minute)),
	}

	segments := rollUpIntoSegments(slots)
	require.Len(t, segments, 2)
	assert.Len(t, segments[0].slots, 3)
	assert.Len(t, segments[1].slots, 1)
	assert.Equal(t, day, segments[0].start())
	assert.Equal(t, day.Add(150*time.Minute), segments[1].start())
}

func TestMergeByDuration30(t *testing.T) {
	provider := uuid.New()
	day := time.Date(2026, 9, 7, 9, 0, 0, 0, time.UTC)
	slots := []*model.Slot{
		slotAt(provider, day),
		slotAt(provider, day.Add(30*time.Minute)),
	}

	units := mergeByDuration(rollUpIntoSegments(slots), model.Durations30)
	require.Len(t, units, 2)
	for _, u := range units {
		assert.Equal(t, 30, u.DurationMinutes)
		assert.Len(t, u.AppointmentIDs, 1)
	}
}

func TestMergeByDuration60RequiresTopOfHourPair(t *testing.T) {
	provider := uuid.New()
	day := time.Date(2026, 9, 7, 9, 0, 0, 0, time.UTC)

	// 9:00+9:30 pair merges; a lone 10:30 cannot host a 60-minute visit.
	slots := []*model.Slot{
		slotAt(provider, day),
		slotAt(provider, day.Add(30*time.Minute)),
		slotAt(provider, day.Add(90*time.Minute)),
	}

	units := mergeByDuration(rollUpIntoSegments(slots), model.Durations60)
	require.Len(t, units, 1)
	assert.Equal(t, 60, units[0].DurationMinutes)
	assert.Equal(t, day, units[0].StartTime)
	assert.Len(t, units[0].AppointmentIDs, 2)
}

func TestMergeByDuration60MidHourPairDrops(t *testing.T) {
	provider := uuid.New()
	// 9:30+10:00 is contiguous but does not start on the hour.
	day := time.Date(2026, 9, 7, 9, 30, 0, 0, time.UTC)
	slots := []*model.Slot{
		slotAt(provider, day),
		slotAt(provider, day.Add(30*time.Minute)),
	}

	units := mergeByDuration(rollUpIntoSegments(slots), model.Durations60)
	assert.Empty(t, units)
}

func TestMergeByDuration30or60SuppressesSecondHalf(t *testing.T) {
	provider := uuid.New()
	day := time.Date(2026, 9, 7, 9, 0, 0, 0, time.UTC)

	// 9:00-10:00 contiguous: the 9:30 row is the second half of the
	// 60-minute unit and must not also be offered as a 30.
	slots := []*model.Slot{
		slotAt(provider, day),
		slotAt(provider, day.Add(30*time.Minute)),
	}

	units := mergeByDuration(rollUpIntoSegments(slots), model.Durations30or60)
	require.Len(t, units, 1)
	assert.Equal(t, 60, units[0].DurationMinutes)
}

func TestMergeByDuration30or60LoneMidHourStays(t *testing.T) {
	provider := uuid.New()
	start := time.Date(2026, 9, 7, 9, 30, 0, 0, time.UTC)

	units := mergeByDuration(rollUpIntoSegments([]*model.Slot{slotAt(provider, start)}), model.Durations30or60)
	require.Len(t, units, 1)
	assert.Equal(t, 30, units[0].DurationMinutes)
	assert.Equal(t, start, units[0].StartTime)
}

func TestMergeByDuration30or60TopOfHourWithoutFollower(t *testing.T) {
	provider := uuid.New()
	start := time.Date(2026, 9, 7, 9, 0, 0, 0, time.UTC)

	units := mergeByDuration(rollUpIntoSegments([]*model.Slot{slotAt(provider, start)}), model.Durations30or60)
	require.Len(t, units, 1)
	assert.Equal(t, 30, units[0].DurationMinutes)
}
