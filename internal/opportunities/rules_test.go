package opportunities

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipagent/internal/types"
)

// fixedRandom returns the same values on every call.
type fixedRandom struct {
	f float64
	n int
}

func (r fixedRandom) Float64() float64 { return r.f }
func (r fixedRandom) IntN(n int) int {
	if r.n >= n {
		return n - 1
	}
	return r.n
}

var (
	alwaysPass = fixedRandom{f: 0.99}
	neverPass  = fixedRandom{f: 0.0}
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func rating(v float64) *types.Rating {
	r := types.Rating(v)
	return &r
}

func fingerprints(cands []Candidate) []string {
	out := make([]string, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.Fingerprint)
	}
	return out
}

func findByPrefix(cands []Candidate, prefix string) []Candidate {
	var out []Candidate
	for _, c := range cands {
		if strings.HasPrefix(c.Fingerprint, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func louvreTrip() types.Trip {
	return types.Trip{
		ID:     "T1",
		UserID: "U1",
		Itinerary: types.Days{{
			City: "Paris",
			Activities: []types.Activity{
				{Title: "Louvre", Type: "sightseeing", Rating: rating(9.5)},
			},
		}},
	}
}

func TestPlanningOpportunities_LouvreFastTrack(t *testing.T) {
	cands := PlanningOpportunities(louvreTrip(), RuleConfig{Random: alwaysPass, AvatarURL: "https://cdn/pip.png"})

	var fast *Candidate
	for i := range cands {
		if cands[i].Fingerprint == "fasttrack-T1-0-0" {
			fast = &cands[i]
		}
	}
	require.NotNil(t, fast, "got %v", fingerprints(cands))
	assert.Contains(t, fast.Opportunity.PipData.Message, "Louvre")
	assert.Contains(t, fast.Opportunity.PipData.Message, "9.5★")
	assert.Equal(t, "U1", fast.Opportunity.UserID)
	assert.Equal(t, "T1", fast.Opportunity.TripID)
	assert.Equal(t, "Book tickets", fast.Opportunity.PipData.ActionButtonText)
	assert.Equal(t, "https://cdn/pip.png", fast.Opportunity.PipData.AvatarURL)

	assert.Len(t, findByPrefix(cands, "timing-T1-0-0"), 1)
	assert.Len(t, findByPrefix(cands, "event-T1-Paris-0"), 1)
	assert.Len(t, findByPrefix(cands, "price-T1-0-"), 1)
	assert.Empty(t, findByPrefix(cands, "cluster-"), "one activity is not a cluster")
}

func TestPlanningOpportunities_EmptyTrip(t *testing.T) {
	assert.Empty(t, PlanningOpportunities(types.Trip{ID: "T0", UserID: "U1"}, RuleConfig{Random: alwaysPass}))
}

func TestPlanningOpportunities_GatesClosed(t *testing.T) {
	trip := types.Trip{
		ID:     "T2",
		UserID: "U1",
		Itinerary: types.Days{{
			City: "Rome",
			Activities: []types.Activity{
				{Title: "Colosseum", Type: "sightseeing", Rating: rating(9.8)},
				{Title: "Dinner at Roscioli", Type: "food"},
			},
		}},
	}

	cands := PlanningOpportunities(trip, RuleConfig{Random: neverPass})
	assert.Equal(t, []string{"cluster-T2-0"}, fingerprints(cands), "only the ungated cluster tip remains")
	assert.Contains(t, cands[0].Opportunity.PipData.Message, "Colosseum and Dinner at Roscioli")
}

func TestPlanningOpportunities_AllRules(t *testing.T) {
	trip := types.Trip{
		ID:     "T3",
		UserID: "U1",
		Result: &types.TripResult{Itinerary: types.Days{
			{City: "Lisbon", Activities: []types.Activity{
				{Title: "Pestana Palace", Type: "hotel", Rating: rating(9.2)},
				{Title: "Lunch at Time Out Market", Type: "food"},
			}},
			{City: "Lisbon", Activities: []types.Activity{
				{Title: "Belem Tower", Type: "sightseeing", Rating: rating(7)},
			}},
			{City: "Porto"},
		}},
		Itinerary: types.Days{{City: "Ignored"}},
	}

	cands := PlanningOpportunities(trip, RuleConfig{Random: fixedRandom{f: 0.99, n: 0}})
	fps := fingerprints(cands)

	assert.Contains(t, fps, "hotel-T3-0-0")
	assert.Contains(t, fps, "food-T3-0-1")
	assert.Contains(t, fps, "cluster-T3-0")
	assert.Contains(t, fps, "timing-T3-1-0")
	assert.NotContains(t, fps, "fasttrack-T3-1-0", "rating below 9")
	assert.Contains(t, fps, "event-T3-Lisbon-0")
	assert.Contains(t, fps, "event-T3-Porto-1")
	assert.NotContains(t, strings.Join(fps, ","), "Ignored", "result itinerary takes precedence")

	prices := findByPrefix(cands, "price-T3-")
	require.Len(t, prices, 2, "one per day with activities")
	assert.Equal(t, "price-T3-0-00000", prices[0].Fingerprint)
	assert.Contains(t, prices[0].Opportunity.PipData.Message, "Pestana Palace")
}

func TestPlanningOpportunities_PriceSuffixIsRandom(t *testing.T) {
	cfg := RuleConfig{Random: rand.New(rand.NewPCG(1, 2))}
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		for _, c := range findByPrefix(PlanningOpportunities(louvreTrip(), cfg), "price-") {
			seen[c.Fingerprint] = true
		}
	}
	assert.Greater(t, len(seen), 1)
}

func TestMonitoringOpportunities(t *testing.T) {
	trip := types.Trip{
		ID:      "T4",
		UserID:  "U1",
		EndCity: "Berlin",
		Events: []types.Event{
			{Title: "Museum Night", IsFree: true},
			{Title: "Paid Concert"},
			{Title: "Street Fair", IsFree: true},
		},
		Result: &types.TripResult{Events: map[string][]types.Event{
			"Munich": {{Title: "Oktoberfest"}},
			"Berlin": {{Title: "Jazzfest"}, {Title: "Marathon"}},
		}},
	}

	cands := MonitoringOpportunities(trip, RuleConfig{})
	assert.Equal(t, []string{
		"event-T4-0",
		"event-T4-2",
		"city-event-T4-Berlin-0",
		"city-event-T4-Berlin-1",
		"city-event-T4-Munich-0",
	}, fingerprints(cands))
	assert.Equal(t, `"Museum Night" just popped up near Berlin. Want to RSVP?`, cands[0].Opportunity.PipData.Message)
	assert.Equal(t, "News near Munich! 📰", cands[4].Opportunity.PipData.Title)
}

type stubAlerts struct {
	mu      sync.Mutex
	byCity  map[string][]types.WeatherAlert
	err     error
	queried []string
}

func (s *stubAlerts) AlertsForCity(_ context.Context, city string) ([]types.WeatherAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queried = append(s.queried, city)
	return s.byCity[city], s.err
}

func TestWeatherOpportunities(t *testing.T) {
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	trip := types.Trip{
		ID:        "T5",
		UserID:    "U1",
		StartDate: "2026-06-14",
		EndDate:   "2026-06-20",
		StartCity: "Vienna",
		EndCity:   "Prague",
		Itinerary: types.Days{{City: "Vienna"}, {City: "Salzburg"}},
	}
	provider := &stubAlerts{byCity: map[string][]types.WeatherAlert{
		"Vienna": {
			{Code: types.WeatherAlertHeat, Date: "2026-06-11", Title: "Heat", Message: "hot"},
			{Code: types.WeatherAlertStorm, Date: "2026-06-12", Title: "Storm incoming for Vienna ⚠️", Message: "storm"},
			{Code: types.WeatherAlertRain, Date: "2026-06-13", Title: "Rain ahead in Vienna ☔️", Message: "rain"},
		},
	}}
	cfg := RuleConfig{WeatherLookaheadDays: 7, Clock: fixedClock{now}}

	cands, err := WeatherOpportunities(context.Background(), trip, cfg, provider)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Vienna", "Salzburg", "Prague"}, provider.queried)
	assert.Equal(t, []string{
		"weather-T5-Vienna-2026-06-12-storm-0",
		"weather-T5-Vienna-2026-06-13-rain-1",
	}, fingerprints(cands))
	assert.Equal(t, "Plan rain backup", cands[0].Opportunity.PipData.ActionButtonText)
	assert.Equal(t, "Prep for rain", cands[1].Opportunity.PipData.ActionButtonText)
}

func TestWeatherOpportunities_Window(t *testing.T) {
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	cfg := RuleConfig{WeatherLookaheadDays: 7, Clock: fixedClock{now}}

	tests := []struct {
		name       string
		start, end string
		wantQuery  bool
	}{
		{"live", "2026-06-08", "2026-06-12", true},
		{"ends today", "2026-06-01", "2026-06-10", true},
		{"starts at window edge", "2026-06-17", "2026-06-20", true},
		{"too far ahead", "2026-06-18", "2026-06-25", false},
		{"ended", "2026-06-01", "2026-06-09", false},
		{"no dates", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &stubAlerts{}
			trip := types.Trip{ID: "T", UserID: "U", StartDate: tt.start, EndDate: tt.end, StartCity: "Oslo"}
			_, err := WeatherOpportunities(context.Background(), trip, cfg, provider)
			require.NoError(t, err)
			assert.Equal(t, tt.wantQuery, len(provider.queried) > 0)
		})
	}
}

func TestWeatherOpportunities_ProviderError(t *testing.T) {
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	trip := types.Trip{ID: "T", UserID: "U", StartDate: "2026-06-10", EndDate: "2026-06-11", StartCity: "Oslo"}
	provider := &stubAlerts{err: context.Canceled}

	_, err := WeatherOpportunities(context.Background(), trip, RuleConfig{WeatherLookaheadDays: 7, Clock: fixedClock{now}}, provider)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestLiveOpportunity(t *testing.T) {
	c := LiveOpportunity("U1", "", 48.85837, 2.294481, RuleConfig{AvatarURL: "a.png"})
	assert.Equal(t, "live-none-48858-2294", c.Fingerprint)
	assert.Equal(t, "Close-by discovery 👀", c.Opportunity.PipData.Title)
	assert.Equal(t, "Add coffee stop", c.Opportunity.PipData.ActionButtonText)
	assert.Empty(t, c.Opportunity.TripID)

	c = LiveOpportunity("U1", "T9", -33.8568, 151.2153, RuleConfig{})
	assert.Equal(t, "live-T9--33857-151215", c.Fingerprint)
	assert.Equal(t, "T9", c.Opportunity.TripID)
}
