package availability

import (
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/scheduling-api/internal/model"
)

// segment is a maximal run of back-to-back open slots for one provider.
type segment struct {
	providerID uuid.UUID
	slots      []*model.Slot
}

func (s *segment) start() time.Time {
	return s.slots[0].StartTime
}

// rollUpIntoSegments walks slots sorted by start time and starts a new
// segment whenever the gap to the previous slot's end is not exactly that
// slot's duration. Input must be for a single provider.
func rollUpIntoSegments(slots []*model.Slot) []segment {
	var segments []segment
	for _, slot := range slots {
		n := len(segments)
		if n > 0 {
			last := &segments[n-1]
			prev := last.slots[len(last.slots)-1]
			if prev.EndTime().Equal(slot.StartTime) {
				last.slots = append(last.slots, slot)
				continue
			}
		}
		if slot.ProviderID == nil {
			continue
		}
		segments = append(segments, segment{providerID: *slot.ProviderID, slots: []*model.Slot{slot}})
	}
	return segments
}

// mergeByDuration turns segments into the bookable units the duration
// policy advertises:
//
//   - 30-only: every slot is its own 30-minute unit.
//   - 60-only: a top-of-hour slot with an immediate follower becomes one
//     60-minute unit; mid-hour slots without a top-of-hour partner drop.
//   - 30-or-60: a top-of-hour slot with a follower merges to 60; one
//     without a follower stays 30; a mid-hour slot stays 30 only when it
//     has no immediately preceding top-of-hour slot, so the second half of
//     a 60-minute unit is never offered twice.
func mergeByDuration(segments []segment, policy model.DurationPolicy) []model.BookableUnit {
	var units []model.BookableUnit
	for _, seg := range segments {
		switch policy {
		case model.Durations30:
			for _, slot := range seg.slots {
				units = append(units, unitOf(seg.providerID, []*model.Slot{slot}, 30))
			}
		case model.Durations60:
			for i := 0; i < len(seg.slots); i++ {
				if model.TopOfHour(seg.slots[i].StartTime) && follows(seg.slots, i) {
					units = append(units, unitOf(seg.providerID, seg.slots[i:i+2], 60))
					i++
				}
			}
		case model.Durations30or60:
			for i := 0; i < len(seg.slots); i++ {
				slot := seg.slots[i]
				if model.TopOfHour(slot.StartTime) {
					if follows(seg.slots, i) {
						units = append(units, unitOf(seg.providerID, seg.slots[i:i+2], 60))
						i++
					} else {
						units = append(units, unitOf(seg.providerID, []*model.Slot{slot}, 30))
					}
					continue
				}
				if !precededByTopOfHour(seg.slots, i) {
					units = append(units, unitOf(seg.providerID, []*model.Slot{slot}, 30))
				}
			}
		}
	}
	return units
}

// follows reports whether slots[i+1] exists and starts exactly at
// slots[i]'s end.
func follows(slots []*model.Slot, i int) bool {
	return i+1 < len(slots) && slots[i].EndTime().Equal(slots[i+1].StartTime)
}

// precededByTopOfHour reports whether slots[i-1] exists, is top-of-hour,
// and ends exactly at slots[i]'s start.
func precededByTopOfHour(slots []*model.Slot, i int) bool {
	return i > 0 && model.TopOfHour(slots[i-1].StartTime) && slots[i-1].EndTime().Equal(slots[i].StartTime)
}

func unitOf(providerID uuid.UUID, slots []*model.Slot, duration int) model.BookableUnit {
	ids := make([]uuid.UUID, len(slots))
	for i, s := range slots {
		ids[i] = s.ID
	}
	pid := providerID
	return model.BookableUnit{
		AppointmentIDs:  ids,
		ProviderID:      &pid,
		StartTime:       slots[0].StartTime,
		DurationMinutes: duration,
	}
}
