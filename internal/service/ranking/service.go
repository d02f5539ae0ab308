package ranking

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/scheduling-api/internal/config"
	"github.com/jwalitptl/scheduling-api/internal/model"
	"github.com/jwalitptl/scheduling-api/internal/repository"
	apperrors "github.com/jwalitptl/scheduling-api/pkg/errors"
)

// Candidate is one provider able to host the requested time, with the
// physical rows that would back the booking. Lower score is preferred.
type Candidate struct {
	Provider *model.Provider
	Slots    []*model.Slot
	Score    float64
}

// Service scores and orders candidate providers for a specific start time.
// Prior relationship and staff employment pull the score down; saturated
// calendars push it up. Equal scores are shuffled with a permutation
// seeded by the caller identity, so distribution stays fair but
// reproducible within one request.
type Service struct {
	slots  repository.SlotRepository
	policy config.PolicyConfig
	now    func() time.Time
}

func NewService(slots repository.SlotRepository, policy config.PolicyConfig) *Service {
	return &Service{slots: slots, policy: policy, now: time.Now}
}

// WithClock substitutes the time source; used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) RankProviders(ctx context.Context, params *model.SchedulingParams, start time.Time, durationMinutes int, seed int64) ([]Candidate, error) {
	if len(params.ProviderIDs) == 0 {
		return nil, nil
	}

	byProvider, err := s.slots.ListContiguousOpen(ctx, params.ProviderIDs, start, durationMinutes)
	if err != nil {
		return nil, apperrors.Service("failed to find contiguous open slots", err)
	}
	if len(byProvider) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, 0, len(byProvider))
	for id := range byProvider {
		ids = append(ids, id)
	}

	now := s.now()
	capacity, err := s.slots.CountOpenByProvider(ctx, ids, now, now.Add(s.policy.CapacityWindow))
	if err != nil {
		return nil, apperrors.Service("failed to count provider capacity", err)
	}

	candidates := make([]Candidate, 0, len(byProvider))
	for id, slots := range byProvider {
		provider, ok := params.Providers[id]
		if !ok {
			continue
		}
		prior, err := s.slots.HasPriorBooking(ctx, params.Patient.ID, id)
		if err != nil {
			return nil, apperrors.Service("failed to check prior relationship", err)
		}
		candidates = append(candidates, Candidate{
			Provider: provider,
			Slots:    slots,
			Score:    score(prior, provider.IsW2(), capacity[id]),
		})
	}

	// Shuffle first, then stable-sort: equally scored providers keep the
	// shuffled order instead of an alphabetical bias.
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score < candidates[j].Score
	})
	return candidates, nil
}

func score(priorRelationship, isW2 bool, capacity int) float64 {
	s := 0.0
	if !priorRelationship {
		s += 2
	}
	if !isW2 {
		s += 1
	}
	return s + 1/math.Floor(float64(capacity)/20+1)
}

// SeedFromIdentity derives the shuffle seed from the caller/session
// identifier.
func SeedFromIdentity(identity string) int64 {
	h := fnv.New64a()
	h.Write([]byte(identity))
	return int64(h.Sum64())
}
