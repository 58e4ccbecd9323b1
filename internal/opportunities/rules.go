// Package opportunities derives travel tips from saved trips and persists them
// idempotently per user.
//
// The rules in this file are pure functions of a trip, a RuleConfig and, for
// weather, an AlertProvider. Each candidate carries a fingerprint that is
// stable across runs over an unchanged itinerary, so repeated agent ticks do
// not re-emit the same tip. Price alerts are the exception: their fingerprint
// ends in a random suffix.
package opportunities

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"pipagent/internal/types"
)

// Inclusion gates. A rule fires when Float64() exceeds its threshold.
const (
	activityTipThreshold = 0.3
	priceAlertThreshold  = 0.5
	cityEventThreshold   = 0.4

	highRating = 9.0

	priceSuffixLen = 5
	base36         = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// RandomSource supplies the randomness used to gate tips. *rand.Rand from
// math/rand/v2 satisfies it.
type RandomSource interface {
	Float64() float64
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }
func (globalRand) IntN(n int) int   { return rand.IntN(n) }

// RuleConfig carries the settings the rules read.
type RuleConfig struct {
	AvatarURL            string
	WeatherLookaheadDays int
	Random               RandomSource
	Clock                types.Clock
}

func (c RuleConfig) random() RandomSource {
	if c.Random == nil {
		return globalRand{}
	}
	return c.Random
}

func (c RuleConfig) now() time.Time {
	if c.Clock == nil {
		return time.Now().UTC()
	}
	return c.Clock.Now()
}

// Candidate is an opportunity draft and its deduplication key.
type Candidate struct {
	Opportunity types.Opportunity
	Fingerprint string
}

// AlertProvider looks up weather alerts for a city.
type AlertProvider interface {
	AlertsForCity(ctx context.Context, city string) ([]types.WeatherAlert, error)
}

func newCandidate(trip types.Trip, cfg RuleConfig, title, message, button, fingerprint string) Candidate {
	return Candidate{
		Opportunity: types.Opportunity{
			UserID: trip.UserID,
			TripID: trip.ID,
			PipData: types.PipData{
				Title:            title,
				Message:          message,
				ActionButtonText: button,
				AvatarURL:        cfg.AvatarURL,
			},
		},
		Fingerprint: fingerprint,
	}
}

type activityRule struct {
	matches func(a types.Activity) bool
	build   func(trip types.Trip, a types.Activity, day, idx int) (title, message, button, fingerprint string)
}

var activityRules = []activityRule{
	{
		matches: func(a types.Activity) bool { return a.Type == "hotel" && a.RatingValue() >= highRating },
		build: func(trip types.Trip, a types.Activity, day, idx int) (string, string, string, string) {
			return "Upgrade unlocked! ✨",
				fmt.Sprintf("%s looks like a 5-star stay. Want Pip to lock in the suite before prices jump?", a.Title),
				"Secure booking",
				fmt.Sprintf("hotel-%s-%d-%d", trip.ID, day, idx)
		},
	},
	{
		matches: func(a types.Activity) bool { return a.Type == "sightseeing" && a.RatingValue() >= highRating },
		build: func(trip types.Trip, a types.Activity, day, idx int) (string, string, string, string) {
			return "Skip-the-line available! ⚡",
				fmt.Sprintf("%s has a %s★ rating! Pip can book fast-track tickets to skip the 2-hour queue.", a.Title, formatRating(a.RatingValue())),
				"Book tickets",
				fmt.Sprintf("fasttrack-%s-%d-%d", trip.ID, day, idx)
		},
	},
	{
		matches: func(a types.Activity) bool { return a.Type == "sightseeing" },
		build: func(trip types.Trip, a types.Activity, day, idx int) (string, string, string, string) {
			return "Local tip! 💡",
				fmt.Sprintf("Best time to visit %s is early morning to avoid crowds. Want Pip to adjust your schedule?", a.Title),
				"Optimize timing",
				fmt.Sprintf("timing-%s-%d-%d", trip.ID, day, idx)
		},
	},
	{
		matches: func(a types.Activity) bool {
			title := strings.ToLower(a.Title)
			return strings.Contains(title, "restaurant") || strings.Contains(title, "lunch") || strings.Contains(title, "dinner")
		},
		build: func(trip types.Trip, a types.Activity, day, idx int) (string, string, string, string) {
			return "Hidden gem alert! 💎",
				fmt.Sprintf("Locals recommend trying the signature dish at %s. Pip found a 20%% off coupon!", a.Title),
				"Get coupon",
				fmt.Sprintf("food-%s-%d-%d", trip.ID, day, idx)
		},
	},
}

func formatRating(r float64) string {
	return fmt.Sprintf("%g", r)
}

// PlanningOpportunities scans every activity of every day. Each matching
// activity rule fires with 70% probability. Per day it adds an activity
// cluster tip for two or more titled activities and, half the time, a price
// alert on a random activity. Each distinct city gets a local event tip with
// 60% probability.
func PlanningOpportunities(trip types.Trip, cfg RuleConfig) []Candidate {
	rnd := cfg.random()
	days := trip.Days()
	var out []Candidate

	for d, day := range days {
		for a, activity := range day.Activities {
			for _, rule := range activityRules {
				if rule.matches(activity) && rnd.Float64() > activityTipThreshold {
					title, msg, button, fp := rule.build(trip, activity, d, a)
					out = append(out, newCandidate(trip, cfg, title, msg, button, fp))
				}
			}
		}

		if len(day.Activities) >= 2 {
			first, second := day.Activities[0], day.Activities[1]
			if first.Title != "" && second.Title != "" {
				out = append(out, newCandidate(trip, cfg,
					"Activity cluster detected! 📍",
					fmt.Sprintf("%s and %s are close by. Pip can bundle these visits to save you travel time!", first.Title, second.Title),
					"Optimize route",
					fmt.Sprintf("cluster-%s-%d", trip.ID, d)))
			}
		}

		if len(day.Activities) > 0 && rnd.Float64() > priceAlertThreshold {
			pick := day.Activities[rnd.IntN(len(day.Activities))]
			if pick.Title != "" {
				out = append(out, newCandidate(trip, cfg,
					"Price alert! 💰",
					fmt.Sprintf("%s tickets are 25%% cheaper if booked 48 hours in advance. Want Pip to secure your spot now?", pick.Title),
					"Book early",
					fmt.Sprintf("price-%s-%d-%s", trip.ID, d, randomSuffix(rnd))))
			}
		}
	}

	for i, city := range distinctCities(days) {
		if rnd.Float64() > cityEventThreshold {
			out = append(out, newCandidate(trip, cfg,
				"Local event discovered! 🎭",
				fmt.Sprintf("There's a cultural festival happening in %s during your visit. Free entry with live music and food stalls!", city),
				"Add to itinerary",
				fmt.Sprintf("event-%s-%s-%d", trip.ID, city, i)))
		}
	}
	return out
}

func randomSuffix(rnd RandomSource) string {
	var b strings.Builder
	for range priceSuffixLen {
		b.WriteByte(base36[rnd.IntN(len(base36))])
	}
	return b.String()
}

func distinctCities(days []types.Day) []string {
	seen := make(map[string]struct{}, len(days))
	var cities []string
	for _, day := range days {
		if day.City == "" {
			continue
		}
		if _, ok := seen[day.City]; ok {
			continue
		}
		seen[day.City] = struct{}{}
		cities = append(cities, day.City)
	}
	return cities
}

// MonitoringOpportunities surfaces free events attached to the trip and every
// event discovered per city under the trip's generated plan.
func MonitoringOpportunities(trip types.Trip, cfg RuleConfig) []Candidate {
	var out []Candidate

	near := trip.EndCity
	if near == "" {
		near = "your destination"
	}
	for i, ev := range trip.Events {
		if !ev.IsFree {
			continue
		}
		out = append(out, newCandidate(trip, cfg,
			"Free event alert! 🎉",
			fmt.Sprintf("\"%s\" just popped up near %s. Want to RSVP?", ev.Title, near),
			"View event",
			fmt.Sprintf("event-%s-%d", trip.ID, i)))
	}

	if trip.Result == nil || len(trip.Result.Events) == 0 {
		return out
	}
	cities := make([]string, 0, len(trip.Result.Events))
	for city := range trip.Result.Events {
		cities = append(cities, city)
	}
	sort.Strings(cities)
	for _, city := range cities {
		for i, ev := range trip.Result.Events[city] {
			out = append(out, newCandidate(trip, cfg,
				fmt.Sprintf("News near %s! 📰", city),
				fmt.Sprintf("Pip heard chatter about %s. Looks like a crowd favorite.", ev.Title),
				"Add to plan",
				fmt.Sprintf("city-event-%s-%s-%d", trip.ID, city, i)))
		}
	}
	return out
}

// LiveOrStartingSoon reports whether the trip has not ended and starts within
// lookaheadDays of now.
func LiveOrStartingSoon(trip types.Trip, now time.Time, lookaheadDays int) bool {
	start, end, ok := trip.DateRange()
	if !ok || end.Before(now) {
		return false
	}
	boundary := now.Add(time.Duration(lookaheadDays) * 24 * time.Hour)
	return !start.After(boundary)
}

// WeatherOpportunities turns rain and storm alerts for the trip's cities into
// tips. It only runs for trips that are live or start within the lookahead
// window. Cities are queried concurrently; an error is returned only when ctx
// is cancelled.
func WeatherOpportunities(ctx context.Context, trip types.Trip, cfg RuleConfig, provider AlertProvider) ([]Candidate, error) {
	if provider == nil || !LiveOrStartingSoon(trip, cfg.now(), cfg.WeatherLookaheadDays) {
		return nil, nil
	}

	cities := weatherCities(trip)
	if len(cities) == 0 {
		return nil, nil
	}

	alertsByCity := make([][]types.WeatherAlert, len(cities))
	g, gctx := errgroup.WithContext(ctx)
	for i, city := range cities {
		g.Go(func() error {
			alerts, err := provider.AlertsForCity(gctx, city)
			if err != nil {
				return err
			}
			alertsByCity[i] = alerts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []Candidate
	for i, city := range cities {
		n := 0
		for _, alert := range alertsByCity[i] {
			if alert.Code != types.WeatherAlertRain && alert.Code != types.WeatherAlertStorm {
				continue
			}
			button := "Prep for rain"
			if alert.Code == types.WeatherAlertStorm {
				button = "Plan rain backup"
			}
			out = append(out, newCandidate(trip, cfg, alert.Title, alert.Message, button,
				fmt.Sprintf("weather-%s-%s-%s-%s-%d", trip.ID, city, alert.Date, alert.Code, n)))
			n++
		}
	}
	return out, nil
}

func weatherCities(trip types.Trip) []string {
	cities := distinctCities(trip.Days())
	for _, c := range []string{trip.StartCity, trip.EndCity} {
		if c == "" {
			continue
		}
		dup := false
		for _, existing := range cities {
			if existing == c {
				dup = true
				break
			}
		}
		if !dup {
			cities = append(cities, c)
		}
	}
	return cities
}

// LiveOpportunity builds the close-by discovery tip for a user's current
// position. tripID may be empty.
func LiveOpportunity(userID, tripID string, lat, lng float64, cfg RuleConfig) Candidate {
	tripKey := tripID
	if tripKey == "" {
		tripKey = "none"
	}
	trip := types.Trip{ID: tripID, UserID: userID}
	return newCandidate(trip, cfg,
		"Close-by discovery 👀",
		"There's a hidden espresso bar just 3 minutes from your location. Fancy a quick break?",
		"Add coffee stop",
		fmt.Sprintf("live-%s-%d-%d", tripKey, int64(math.Round(lat*1000)), int64(math.Round(lng*1000))))
}
