package ranking

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/scheduling-api/internal/config"
	"github.com/jwalitptl/scheduling-api/internal/model"
	"github.com/jwalitptl/scheduling-api/internal/repository/repositorytest"
)

func seedProvider(store *repositorytest.FakeSlots, employment model.EmploymentType, openAt time.Time, extraOpen int) *model.Provider {
	p := &model.Provider{EmploymentType: employment, Active: true, LicenseStatus: model.LicenseActive}
	p.ID = uuid.New()
	store.Seed(&model.Slot{ProviderID: &p.ID, StartTime: openAt, DurationMinutes: 30})
	for i := 0; i < extraOpen; i++ {
		store.Seed(&model.Slot{ProviderID: &p.ID, StartTime: openAt.Add(time.Duration(i+1) * time.Hour), DurationMinutes: 30})
	}
	return p
}

func rankParams(patient *model.Patient, providers ...*model.Provider) *model.SchedulingParams {
	params := &model.SchedulingParams{
		Patient:        patient,
		DurationPolicy: model.Durations30or60,
		Providers:      make(map[uuid.UUID]*model.Provider),
		From:           time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		To:             time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC),
		ExcludedDates:  map[string]struct{}{},
		ExcludedMonths: map[string]struct{}{},
	}
	for _, p := range providers {
		params.Providers[p.ID] = p
		params.ProviderIDs = append(params.ProviderIDs, p.ID)
	}
	return params
}

func TestRankProvidersPrefersPriorRelationship(t *testing.T) {
	store := repositorytest.NewFakeSlots()
	start := time.Date(2026, 9, 7, 9, 0, 0, 0, time.UTC)

	known := seedProvider(store, model.EmploymentContractor, start, 0)
	stranger := seedProvider(store, model.EmploymentContractor, start, 0)

	patient := &model.Patient{Timezone: "UTC"}
	patient.ID = uuid.New()

	// A completed past visit with the known provider.
	pid := patient.ID
	store.Seed(&model.Slot{
		ProviderID:      &known.ID,
		PatientID:       &pid,
		StartTime:       start.AddDate(0, -1, 0),
		DurationMinutes: 30,
		Status:          model.SlotStatusCompleted,
	})

	svc := NewService(store, config.PolicyConfig{CapacityWindow: 30 * 24 * time.Hour})
	svc.WithClock(func() time.Time { return start.Add(-24 * time.Hour) })

	candidates, err := svc.RankProviders(context.Background(), rankParams(patient, known, stranger), start, 30, 1)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, known.ID, candidates[0].Provider.ID)
	assert.Less(t, candidates[0].Score, candidates[1].Score)
}

func TestRankProvidersPrefersStaff(t *testing.T) {
	store := repositorytest.NewFakeSlots()
	start := time.Date(2026, 9, 7, 9, 0, 0, 0, time.UTC)

	staff := seedProvider(store, model.EmploymentW2, start, 0)
	contractor := seedProvider(store, model.EmploymentContractor, start, 0)

	patient := &model.Patient{Timezone: "UTC"}
	patient.ID = uuid.New()

	svc := NewService(store, config.PolicyConfig{CapacityWindow: 30 * 24 * time.Hour})
	svc.WithClock(func() time.Time { return start.Add(-24 * time.Hour) })

	candidates, err := svc.RankProviders(context.Background(), rankParams(patient, staff, contractor), start, 30, 42)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, staff.ID, candidates[0].Provider.ID)
}

func TestRankProvidersSkipsWithoutContiguousRows(t *testing.T) {
	store := repositorytest.NewFakeSlots()
	start := time.Date(2026, 9, 7, 9, 0, 0, 0, time.UTC)

	// Only the first half hour exists; a 60-minute request finds nobody.
	short := seedProvider(store, model.EmploymentW2, start, 0)

	patient := &model.Patient{Timezone: "UTC"}
	patient.ID = uuid.New()

	svc := NewService(store, config.PolicyConfig{CapacityWindow: 30 * 24 * time.Hour})
	svc.WithClock(func() time.Time { return start.Add(-24 * time.Hour) })

	candidates, err := svc.RankProviders(context.Background(), rankParams(patient, short), start, 60, 7)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestSeedFromIdentityIsStable(t *testing.T) {
	assert.Equal(t, SeedFromIdentity("caller-1"), SeedFromIdentity("caller-1"))
	assert.NotEqual(t, SeedFromIdentity("caller-1"), SeedFromIdentity("caller-2"))
}
