package types

import (
	"time"
)

// OpportunityStatus is the acknowledgment state of an opportunity.
type OpportunityStatus string

const (
	OpportunityStatusNew  OpportunityStatus = "new"
	OpportunityStatusSeen OpportunityStatus = "seen"
)

// Opportunity is a travel tip surfaced to a user by the agent.
//
// Status moves from new to seen only through an explicit acknowledgment and
// never reverts. Fingerprint is the per-user deduplication key.
type Opportunity struct {
	OpportunityID string            `json:"opportunityId" firestore:"opportunityId"`
	UserID        string            `json:"userId" firestore:"userId"`
	TripID        string            `json:"tripId,omitempty" firestore:"tripId"`
	Status        OpportunityStatus `json:"status" firestore:"status"`
	PipData       PipData           `json:"pipData" firestore:"pipData"`
	Fingerprint   string            `json:"fingerprint,omitempty" firestore:"fingerprint"`
	CreatedAt     time.Time         `json:"createdAt" firestore:"createdAt"`
}

// PipData is the display payload rendered by the client's assistant avatar.
type PipData struct {
	Title            string `json:"title" firestore:"title"`
	Message          string `json:"message" firestore:"message"`
	ActionButtonText string `json:"actionButtonText,omitempty" firestore:"actionButtonText,omitempty"`
	AvatarURL        string `json:"avatarUrl,omitempty" firestore:"avatarUrl,omitempty"`
}

// WeatherAlertCode classifies a derived weather alert.
type WeatherAlertCode string

const (
	WeatherAlertStorm WeatherAlertCode = "storm"
	WeatherAlertSnow  WeatherAlertCode = "snow"
	WeatherAlertRain  WeatherAlertCode = "rain"
	WeatherAlertHeat  WeatherAlertCode = "heat"
	WeatherAlertCold  WeatherAlertCode = "cold"
	WeatherAlertWind  WeatherAlertCode = "wind"
)

// AlertSeverity ranks weather alerts.
type AlertSeverity string

const (
	SeverityHigh   AlertSeverity = "high"
	SeverityMedium AlertSeverity = "medium"
	SeverityLow    AlertSeverity = "low"
)

// WeatherAlert is derived from a cached forecast on every call and never
// persisted. Date is YYYY-MM-DD.
type WeatherAlert struct {
	Code     WeatherAlertCode `json:"code"`
	Severity AlertSeverity    `json:"severity"`
	Date     string           `json:"date"`
	Title    string           `json:"title"`
	Message  string           `json:"message"`
}
