package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrip_UnmarshalFlexibleFields(t *testing.T) {
	raw := `{
		"id": "T1",
		"start_date": "2026-05-01",
		"end_date": "2026-05-04",
		"startCity": "Paris",
		"budget": {"amount": 1200, "currency": "EUR"},
		"itinerary": {
			"10": {"city": "Nice"},
			"2": {"city": "Lyon", "activities": [{"title": "Bouchon", "rating": "9.1"}]},
			"0": {"city": "Paris", "activities": [{"title": "Louvre", "type": "sightseeing", "rating": 9.5}]}
		}
	}`

	var trip Trip
	require.NoError(t, json.Unmarshal([]byte(raw), &trip))

	assert.Equal(t, "T1", trip.ID)
	assert.Equal(t, "2026-05-01", trip.StartDate)
	assert.Equal(t, "2026-05-04", trip.EndDate)
	require.Len(t, trip.Itinerary, 3)
	assert.Equal(t, []string{"Paris", "Lyon", "Nice"},
		[]string{trip.Itinerary[0].City, trip.Itinerary[1].City, trip.Itinerary[2].City})
	assert.InDelta(t, 9.5, trip.Itinerary[0].Activities[0].RatingValue(), 0.001)
	assert.InDelta(t, 9.1, trip.Itinerary[1].Activities[0].RatingValue(), 0.001)
	assert.Contains(t, trip.Extra, "budget")
	assert.Contains(t, trip.Extra, "start_date")
}

func TestTrip_MarshalPreservesExtra(t *testing.T) {
	var trip Trip
	require.NoError(t, json.Unmarshal([]byte(`{"id":"T2","notes":"bring adapter","itinerary":[]}`), &trip))

	out, err := json.Marshal(trip)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "T2", decoded["id"])
	assert.Equal(t, "bring adapter", decoded["notes"])
}

// generatedTrip is the shape the itinerary generator and the booking flow
// write: string locations plus per-day and per-activity bookkeeping keys.
const generatedTrip = `{
	"id": "T9",
	"itinerary": [{
		"city": "Paris",
		"id": "day-1",
		"date": "2026-05-01",
		"activities": [{
			"title": "Louvre",
			"description": "museum",
			"location": "Paris City Center",
			"itemId": "d1::1",
			"status": "confirmed",
			"confirmedAt": "2026-04-20T10:00:00Z",
			"bookingDetails": {"ref": "AB12"},
			"price": 22,
			"time": "10:00"
		}]
	}]
}`

func TestTrip_DecodesGeneratedItinerary(t *testing.T) {
	var trip Trip
	require.NoError(t, json.Unmarshal([]byte(generatedTrip), &trip))

	require.Len(t, trip.Itinerary, 1)
	day := trip.Itinerary[0]
	assert.Equal(t, "Paris", day.City)
	assert.JSONEq(t, `"day-1"`, string(day.Extra["id"]))

	require.Len(t, day.Activities, 1)
	act := day.Activities[0]
	assert.Equal(t, "Louvre", act.Title)
	require.NotNil(t, act.Location)
	assert.Equal(t, "Paris City Center", act.Location.Label)
	assert.False(t, act.Location.HasCoordinates())
	assert.JSONEq(t, `"confirmed"`, string(act.Extra["status"]))
}

func TestTrip_RoundTripKeepsNestedFields(t *testing.T) {
	var trip Trip
	require.NoError(t, json.Unmarshal([]byte(generatedTrip), &trip))

	out, err := json.Marshal(trip)
	require.NoError(t, err)
	assert.JSONEq(t, generatedTrip, string(out))
}

func TestLocation_Shapes(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantLat   float64
		wantLng   float64
		wantLabel string
		wantJSON  string
	}{
		{"coordinates", `{"lat":48.85,"lng":2.35}`, 48.85, 2.35, "", `{"lat":48.85,"lng":2.35}`},
		{"string coordinates", `{"lat":"48.85","lng":"2.35"}`, 48.85, 2.35, "", `{"lat":48.85,"lng":2.35}`},
		{"place name", `"Lisbon Central Market"`, 0, 0, "Lisbon Central Market", `"Lisbon Central Market"`},
		{"named coordinates", `{"lat":1,"lng":2,"name":"Pier"}`, 1, 2, "Pier", `{"lat":1,"lng":2,"name":"Pier"}`},
		{"unexpected shape", `[1,2]`, 0, 0, "", `{"lat":0,"lng":0}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var loc Location
			require.NoError(t, json.Unmarshal([]byte(tc.raw), &loc))
			assert.InDelta(t, tc.wantLat, loc.Lat, 1e-9)
			assert.InDelta(t, tc.wantLng, loc.Lng, 1e-9)
			assert.Equal(t, tc.wantLabel, loc.Label)

			out, err := json.Marshal(loc)
			require.NoError(t, err)
			assert.JSONEq(t, tc.wantJSON, string(out))
		})
	}
}

func TestRating_NonNumeric(t *testing.T) {
	var a Activity
	require.NoError(t, json.Unmarshal([]byte(`{"title":"Museum","rating":"excellent"}`), &a))
	assert.Equal(t, 0.0, a.RatingValue())

	var missing Activity
	require.NoError(t, json.Unmarshal([]byte(`{"title":"Museum"}`), &missing))
	assert.Nil(t, missing.Rating)
}

func TestTrip_Days_PrefersResult(t *testing.T) {
	trip := Trip{
		Itinerary: Days{{City: "Rome"}},
		Result:    &TripResult{Itinerary: Days{{City: "Milan"}, {City: "Venice"}}},
	}
	days := trip.Days()
	require.Len(t, days, 2)
	assert.Equal(t, "Milan", days[0].City)

	trip.Result = &TripResult{}
	assert.Equal(t, "Rome", trip.Days()[0].City)
}

func TestTrip_DateRange(t *testing.T) {
	trip := Trip{StartDate: "2026-05-01", EndDate: "2026-05-03"}
	start, end, ok := trip.DateRange()
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, 2026, end.Year())
	assert.Equal(t, 3, end.Day())
	assert.Equal(t, 23, end.Hour())

	fromResult := Trip{Result: &TripResult{StartDate: "2026-06-01T10:00:00Z", EndDate: "2026-06-02"}}
	_, _, ok = fromResult.DateRange()
	assert.True(t, ok)

	_, _, ok = Trip{StartDate: "soon"}.DateRange()
	assert.False(t, ok)
}
