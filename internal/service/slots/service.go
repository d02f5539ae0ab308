package slots

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/scheduling-api/internal/model"
	"github.com/jwalitptl/scheduling-api/internal/repository"
	apperrors "github.com/jwalitptl/scheduling-api/pkg/errors"
)

// Service creates open capacity: bulk generation over a date range, single
// slots, and recurring weekday patterns. All rows are 30-minute atoms;
// merged visits are assembled at read time.
type Service struct {
	slots repository.SlotRepository
}

func NewService(slots repository.SlotRepository) *Service {
	return &Service{slots: slots}
}

type GenerateRequest struct {
	ProviderID   uuid.UUID      `json:"provider_id" validate:"required"`
	DepartmentID uuid.UUID      `json:"department_id" validate:"required"`
	From         time.Time      `json:"from" validate:"required"`
	To           time.Time      `json:"to" validate:"required"`
	DayStartHour int            `json:"day_start_hour" validate:"min=0,max=23"`
	DayEndHour   int            `json:"day_end_hour" validate:"min=1,max=24"`
	Weekdays     []time.Weekday `json:"weekdays"`
	VisitType    model.VisitType `json:"visit_type"`
}

// Generate bulk-creates open 30-minute rows on the requested weekdays
// between the day bounds. Collisions with existing non-cancelled rows are
// skipped; the returned count covers actual inserts only.
func (s *Service) Generate(ctx context.Context, req GenerateRequest) (int, error) {
	if !req.From.Before(req.To) {
		return 0, apperrors.Argument("from must precede to")
	}
	if req.DayStartHour >= req.DayEndHour {
		return 0, apperrors.Argument("day_start_hour must precede day_end_hour")
	}

	allowed := make(map[time.Weekday]struct{}, len(req.Weekdays))
	for _, d := range req.Weekdays {
		allowed[d] = struct{}{}
	}

	providerID := req.ProviderID
	var batch []*model.Slot
	for day := req.From; day.Before(req.To); day = day.AddDate(0, 0, 1) {
		if len(allowed) > 0 {
			if _, ok := allowed[day.Weekday()]; !ok {
				continue
			}
		}
		start := time.Date(day.Year(), day.Month(), day.Day(), req.DayStartHour, 0, 0, 0, day.Location())
		end := time.Date(day.Year(), day.Month(), day.Day(), req.DayEndHour, 0, 0, 0, day.Location())
		for t := start; t.Before(end); t = t.Add(model.SlotMinutes * time.Minute) {
			batch = append(batch, &model.Slot{
				ProviderID:      &providerID,
				DepartmentID:    req.DepartmentID,
				StartTime:       t,
				DurationMinutes: model.SlotMinutes,
				VisitType:       req.VisitType,
			})
		}
	}

	if len(batch) == 0 {
		return 0, nil
	}
	inserted, err := s.slots.InsertOpen(ctx, batch)
	if err != nil {
		return 0, apperrors.Service("failed to generate slots", err)
	}
	return int(inserted), nil
}

// CreateSingle creates one open slot at an aligned start time.
func (s *Service) CreateSingle(ctx context.Context, providerID, departmentID uuid.UUID, start time.Time, visitType model.VisitType) (*model.Slot, error) {
	if !model.AlignedToSlot(start) {
		return nil, apperrors.Argument("start time must align to a 30-minute boundary")
	}
	slot := &model.Slot{
		ProviderID:      &providerID,
		DepartmentID:    departmentID,
		StartTime:       start,
		DurationMinutes: model.SlotMinutes,
		VisitType:       visitType,
	}
	inserted, err := s.slots.InsertOpen(ctx, []*model.Slot{slot})
	if err != nil {
		return nil, apperrors.Service("failed to create slot", err)
	}
	if inserted == 0 {
		return nil, apperrors.Conflict("a slot already exists at this time")
	}
	return slot, nil
}
