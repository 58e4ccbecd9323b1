package types

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Trip is a saved itinerary owned by a single user. Trips are written by the
// client through the trips API and are read-only to the agent.
//
// Fields the service does not model are kept in Extra so a trip survives a
// read-modify-write cycle without losing client data.
type Trip struct {
	ID        string      `json:"id"`
	UserID    string      `json:"userId,omitempty"`
	StartDate string      `json:"startDate,omitempty"`
	EndDate   string      `json:"endDate,omitempty"`
	StartCity string      `json:"startCity,omitempty"`
	EndCity   string      `json:"endCity,omitempty"`
	Itinerary Days        `json:"itinerary,omitempty"`
	Result    *TripResult `json:"result,omitempty"`
	Events    []Event     `json:"events,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// TripResult is the generated plan attached to a trip.
type TripResult struct {
	StartDate string             `json:"startDate,omitempty"`
	EndDate   string             `json:"endDate,omitempty"`
	Itinerary Days               `json:"itinerary,omitempty"`
	Events    map[string][]Event `json:"events,omitempty"`
}

// Day is one itinerary stop. Position in the itinerary is significant.
// Keys other than city and activities (day ids, dates, notes) ride along in
// Extra.
type Day struct {
	City       string     `json:"city,omitempty"`
	Activities []Activity `json:"activities,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Activity is a single planned item within a Day. Booking state written by
// the client (itemId, status, bookingDetails, confirmedAt and the like) is
// kept in Extra.
type Activity struct {
	Title    string    `json:"title,omitempty"`
	Type     string    `json:"type,omitempty"`
	Rating   *Rating   `json:"rating,omitempty"`
	Location *Location `json:"location,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// RatingValue returns the numeric rating, or 0 when absent.
func (a Activity) RatingValue() float64 {
	if a.Rating == nil {
		return 0
	}
	return float64(*a.Rating)
}

// Location is where an activity takes place. Generated itineraries store a
// free-text place name ("Lisbon Central Market"), clients store a WGS84
// coordinate object. Both decode; a name-only location encodes back to a
// string.
type Location struct {
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
	Label string  `json:"-"`
}

// HasCoordinates reports whether the location carries a coordinate.
func (l Location) HasCoordinates() bool {
	return l.Lat != 0 || l.Lng != 0
}

// UnmarshalJSON implements json.Unmarshaler. Shapes other than a string or
// an object decode as an empty location.
func (l *Location) UnmarshalJSON(b []byte) error {
	*l = Location{}

	var label string
	if err := json.Unmarshal(b, &label); err == nil {
		l.Label = strings.TrimSpace(label)
		return nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return nil
	}
	l.Lat = float64(rawNumber(obj["lat"]))
	l.Lng = float64(rawNumber(obj["lng"]))
	for _, key := range []string{"name", "label", "address"} {
		if v := rawString(obj[key]); v != "" {
			l.Label = v
			break
		}
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (l Location) MarshalJSON() ([]byte, error) {
	if !l.HasCoordinates() && l.Label != "" {
		return json.Marshal(l.Label)
	}
	type coords struct {
		Lat  float64 `json:"lat"`
		Lng  float64 `json:"lng"`
		Name string  `json:"name,omitempty"`
	}
	return json.Marshal(coords{Lat: l.Lat, Lng: l.Lng, Name: l.Label})
}

// Event is an event attached to a trip, either by the client or by discovery.
type Event struct {
	Title  string `json:"title"`
	Type   string `json:"type,omitempty"`
	IsFree bool   `json:"isFree,omitempty"`
	Date   string `json:"date,omitempty"`
	URL    string `json:"url,omitempty"`
}

// UserTrips is one row of the cross-user trip snapshot.
type UserTrips struct {
	UID   string `json:"uid"`
	Trips []Trip `json:"trips"`
}

// Rating accepts either a JSON number or a numeric string. Anything else
// decodes as zero, which never satisfies a rating threshold.
type Rating float64

// UnmarshalJSON implements json.Unmarshaler.
func (r *Rating) UnmarshalJSON(b []byte) error {
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		*r = Rating(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			*r = Rating(f)
			return nil
		}
	}
	*r = 0
	return nil
}

func rawNumber(v json.RawMessage) Rating {
	var r Rating
	if len(v) > 0 {
		_ = r.UnmarshalJSON(v)
	}
	return r
}

// Days is an itinerary. Clients have stored itineraries both as arrays and
// as objects keyed by day index; both decode into order-preserving slices.
type Days []Day

// UnmarshalJSON implements json.Unmarshaler.
func (d *Days) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "null" {
		*d = nil
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var days []Day
		if err := json.Unmarshal(b, &days); err != nil {
			return err
		}
		*d = days
		return nil
	}

	var keyed map[string]Day
	if err := json.Unmarshal(b, &keyed); err != nil {
		return err
	}
	keys := make([]string, 0, len(keyed))
	for k := range keyed {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ni, errI := strconv.Atoi(keys[i])
		nj, errJ := strconv.Atoi(keys[j])
		switch {
		case errI == nil && errJ == nil:
			return ni < nj
		case errI == nil:
			return true
		case errJ == nil:
			return false
		default:
			return keys[i] < keys[j]
		}
	})
	days := make([]Day, 0, len(keys))
	for _, k := range keys {
		days = append(days, keyed[k])
	}
	*d = days
	return nil
}

// Known JSON keys per type. Everything else is carried in Extra.
var (
	tripFields = map[string]struct{}{
		"id": {}, "userId": {}, "startDate": {}, "endDate": {}, "startCity": {},
		"endCity": {}, "itinerary": {}, "result": {}, "events": {},
	}
	dayFields      = map[string]struct{}{"city": {}, "activities": {}}
	activityFields = map[string]struct{}{"title": {}, "type": {}, "rating": {}, "location": {}}
)

type (
	tripAlias     Trip
	dayAlias      Day
	activityAlias Activity
)

// UnmarshalJSON decodes a trip, accepting snake_case date keys and keeping
// unknown keys in Extra.
func (t *Trip) UnmarshalJSON(b []byte) error {
	var alias tripAlias
	if err := json.Unmarshal(b, &alias); err != nil {
		return err
	}
	raw, err := extraFields(b, tripFields)
	if err != nil {
		return err
	}
	alias.Extra = raw

	if alias.StartDate == "" {
		alias.StartDate = rawString(raw["start_date"])
	}
	if alias.EndDate == "" {
		alias.EndDate = rawString(raw["end_date"])
	}
	*t = Trip(alias)
	return nil
}

// MarshalJSON encodes the typed fields and merges Extra back in.
func (t Trip) MarshalJSON() ([]byte, error) {
	return mergeExtra(tripAlias(t), t.Extra, tripFields)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Day) UnmarshalJSON(b []byte) error {
	var alias dayAlias
	if err := json.Unmarshal(b, &alias); err != nil {
		return err
	}
	extra, err := extraFields(b, dayFields)
	if err != nil {
		return err
	}
	alias.Extra = extra
	*d = Day(alias)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Day) MarshalJSON() ([]byte, error) {
	return mergeExtra(dayAlias(d), d.Extra, dayFields)
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Activity) UnmarshalJSON(b []byte) error {
	var alias activityAlias
	if err := json.Unmarshal(b, &alias); err != nil {
		return err
	}
	extra, err := extraFields(b, activityFields)
	if err != nil {
		return err
	}
	alias.Extra = extra
	*a = Activity(alias)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (a Activity) MarshalJSON() ([]byte, error) {
	return mergeExtra(activityAlias(a), a.Extra, activityFields)
}

// extraFields returns the keys of the JSON object b that are not in known,
// or nil when there are none.
func extraFields(b []byte, known map[string]struct{}) (map[string]json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	var extra map[string]json.RawMessage
	for k, v := range raw {
		if _, ok := known[k]; ok {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[k] = v
	}
	return extra, nil
}

// mergeExtra encodes typed and adds the extra keys that do not collide with
// a typed field.
func mergeExtra(typed any, extra map[string]json.RawMessage, known map[string]struct{}) ([]byte, error) {
	base, err := json.Marshal(typed)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, ok := known[k]; ok {
			continue
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}

func rawString(v json.RawMessage) string {
	if len(v) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return s
}

// Days returns the itinerary the agent should scan: the generated plan when
// present, otherwise the trip's own itinerary.
func (t Trip) Days() []Day {
	if t.Result != nil && len(t.Result.Itinerary) > 0 {
		return t.Result.Itinerary
	}
	return t.Itinerary
}

// DateRange returns the trip's span from the start of its first day to the
// end of its last day, in UTC. ok is false when either date is missing or
// unparseable.
func (t Trip) DateRange() (start, end time.Time, ok bool) {
	startRaw, endRaw := t.StartDate, t.EndDate
	if t.Result != nil {
		if startRaw == "" {
			startRaw = t.Result.StartDate
		}
		if endRaw == "" {
			endRaw = t.Result.EndDate
		}
	}
	s, okStart := ParseTripDate(startRaw)
	e, okEnd := ParseTripDate(endRaw)
	if !okStart || !okEnd {
		return time.Time{}, time.Time{}, false
	}
	start = time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, time.UTC)
	end = time.Date(e.Year(), e.Month(), e.Day(), 23, 59, 59, int(999*time.Millisecond), time.UTC)
	return start, end, true
}

// ParseTripDate parses a YYYY-MM-DD or RFC 3339 date.
func ParseTripDate(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.DateOnly, value); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}
