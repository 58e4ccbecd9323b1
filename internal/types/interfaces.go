package types

import (
	"context"
	"time"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// TripSource is the read-only, cross-user trip listing the agent scans.
type TripSource interface {
	ListAllTrips(ctx context.Context) ([]UserTrips, error)
}

// TripWriter replaces a single user's saved trips.
type TripWriter interface {
	GetUserTrips(ctx context.Context, uid string) ([]Trip, error)
	SaveUserTrips(ctx context.Context, uid string, trips []Trip) error
}

// HealthChecker is implemented by storage backends that can be probed.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
