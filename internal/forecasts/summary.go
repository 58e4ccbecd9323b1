package forecasts

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"pipagent/internal/external"
	"pipagent/internal/types"
)

// Thresholds for alert derivation. Wind and precipitation are in the units
// OpenWeather returns with units=metric (m/s and mm per 3h).
const (
	stormWindMS       = 15.0
	stormRainMM       = 15.0
	snowMM            = 2.0
	rainMM            = 5.0
	heatMaxC          = 32
	coldMinC          = 5
	windGustKPH       = 45
	msToKPH           = 3.6
	alertHorizonDays  = 6
	maxAlertsPerCity  = 3
	dateLayout        = time.DateOnly
	readableDayLayout = "Mon, 2 Jan"
)

// DailySummary aggregates the 3-hour entries of one calendar date.
type DailySummary struct {
	Date       string
	MinTemp    *float64
	MaxTemp    *float64
	WindMax    *float64
	TotalRain  float64
	TotalSnow  float64
	Conditions map[string]struct{}
}

func (d *DailySummary) hasCondition(keyword string) bool {
	for c := range d.Conditions {
		if strings.Contains(c, keyword) {
			return true
		}
	}
	return false
}

// SummarizeDaily groups forecast entries by calendar date, ascending.
// Entries without a timestamp are skipped.
func SummarizeDaily(entries []external.ForecastEntry) []DailySummary {
	byDate := make(map[string]*DailySummary)
	for _, e := range entries {
		date := entryDate(e)
		if date == "" {
			continue
		}
		day, ok := byDate[date]
		if !ok {
			day = &DailySummary{Date: date, Conditions: make(map[string]struct{})}
			byDate[date] = day
		}

		if e.Main.Temp != nil {
			t := *e.Main.Temp
			day.MinTemp = minPtr(day.MinTemp, t)
			day.MaxTemp = maxPtr(day.MaxTemp, t)
		}
		if len(e.Weather) > 0 && e.Weather[0].Main != "" {
			day.Conditions[strings.ToLower(e.Weather[0].Main)] = struct{}{}
		}
		if e.Wind.Speed != nil {
			day.WindMax = maxPtr(day.WindMax, *e.Wind.Speed)
		}
		if e.Rain != nil {
			day.TotalRain += e.Rain.ThreeHour
		}
		if e.Snow != nil {
			day.TotalSnow += e.Snow.ThreeHour
		}
	}

	out := make([]DailySummary, 0, len(byDate))
	for _, d := range byDate {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

func entryDate(e external.ForecastEntry) string {
	if e.DtTxt != "" {
		date, _, _ := strings.Cut(e.DtTxt, " ")
		return date
	}
	if e.Dt > 0 {
		return time.Unix(e.Dt, 0).UTC().Format(dateLayout)
	}
	return ""
}

func minPtr(cur *float64, v float64) *float64 {
	if cur == nil || v < *cur {
		return &v
	}
	return cur
}

func maxPtr(cur *float64, v float64) *float64 {
	if cur == nil || v > *cur {
		return &v
	}
	return cur
}

// DeriveAlerts turns daily summaries into at most three alerts for city.
// Only days 0 to 6 after today are eligible.
func DeriveAlerts(city string, days []DailySummary, today time.Time) []types.WeatherAlert {
	alerts := make([]types.WeatherAlert, 0, maxAlertsPerCity)
	for i := range days {
		if alert, ok := alertForDay(city, &days[i], today); ok {
			alerts = append(alerts, alert)
		}
		if len(alerts) >= maxAlertsPerCity {
			break
		}
	}
	return alerts
}

func alertForDay(city string, day *DailySummary, today time.Time) (types.WeatherAlert, bool) {
	phrase, ok := dayPhrase(day.Date, today)
	if !ok {
		return types.WeatherAlert{}, false
	}

	alert := func(code types.WeatherAlertCode, sev types.AlertSeverity, title, message string) (types.WeatherAlert, bool) {
		return types.WeatherAlert{Code: code, Severity: sev, Date: day.Date, Title: title, Message: message}, true
	}

	switch {
	case day.hasCondition("thunderstorm") || (day.WindMax != nil && *day.WindMax >= stormWindMS) || day.TotalRain >= stormRainMM:
		return alert(types.WeatherAlertStorm, types.SeverityHigh,
			fmt.Sprintf("Storm incoming for %s ⚠️", city),
			fmt.Sprintf("Thunderstorms expected %s in %s. Consider shifting activities indoors and have rain gear ready.", phrase, city))

	case day.hasCondition("snow") || day.TotalSnow >= snowMM:
		return alert(types.WeatherAlertSnow, types.SeverityHigh,
			fmt.Sprintf("Snow likely in %s ❄️", city),
			fmt.Sprintf("Snow is in the forecast %s in %s. Pack warm layers and plan for slower travel.", phrase, city))

	case day.hasCondition("rain") || day.TotalRain >= rainMM:
		return alert(types.WeatherAlertRain, types.SeverityMedium,
			fmt.Sprintf("Rain ahead in %s ☔️", city),
			fmt.Sprintf("Expect showers %s in %s. Bring a waterproof layer and backup indoor plans.", phrase, city))

	case day.MaxTemp != nil && math.Round(*day.MaxTemp) >= heatMaxC:
		high := int(math.Round(*day.MaxTemp))
		return alert(types.WeatherAlertHeat, types.SeverityMedium,
			fmt.Sprintf("Heat wave alert for %s 🔥", city),
			fmt.Sprintf("Highs near %d°C are expected %s in %s. Schedule breaks and stay hydrated.", high, phrase, city))

	case day.MinTemp != nil && math.Round(*day.MinTemp) <= coldMinC:
		low := int(math.Round(*day.MinTemp))
		return alert(types.WeatherAlertCold, types.SeverityMedium,
			fmt.Sprintf("Cold snap in %s 🧣", city),
			fmt.Sprintf("Temperatures may drop to %d°C %s in %s. Pack extra warm layers.", low, phrase, city))

	case day.WindMax != nil && math.Round(*day.WindMax*msToKPH) >= windGustKPH:
		kph := int(math.Round(*day.WindMax * msToKPH))
		return alert(types.WeatherAlertWind, types.SeverityMedium,
			fmt.Sprintf("Windy conditions in %s 💨", city),
			fmt.Sprintf("Gusts up to %d km/h expected %s in %s. Secure outdoor plans and gear.", kph, phrase, city))
	}
	return types.WeatherAlert{}, false
}

// dayPhrase renders "today", "tomorrow" or "on Mon, 2 Jan". It reports false
// for unparseable dates and dates outside the horizon.
func dayPhrase(date string, today time.Time) (string, bool) {
	d, err := time.Parse(dateLayout, date)
	if err != nil {
		return "", false
	}
	y, m, dd := today.UTC().Date()
	start := time.Date(y, m, dd, 0, 0, 0, 0, time.UTC)
	diff := int(math.Round(d.Sub(start).Hours() / 24))

	switch {
	case diff < 0 || diff > alertHorizonDays:
		return "", false
	case diff == 0:
		return "today", true
	case diff == 1:
		return "tomorrow", true
	default:
		return "on " + d.Format(readableDayLayout), true
	}
}
