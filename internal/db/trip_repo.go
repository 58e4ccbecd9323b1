package db

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"pipagent/internal/types"
)

// TripRepository stores each user's trips as one JSONB document in
// user_trips. It implements types.TripSource and types.TripWriter.
type TripRepository struct {
	db     DBTX
	clock  types.Clock
	logger *slog.Logger
}

// NewTripRepository creates a TripRepository. A nil clock uses the wall
// clock and a nil logger uses slog.Default().
func NewTripRepository(db DBTX, clock types.Clock, logger *slog.Logger) *TripRepository {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TripRepository{db: db, clock: clock, logger: logger}
}

// ListAllTrips returns every user's trips ordered by uid. Rows whose payload
// cannot be decoded are logged and returned with no trips.
func (r *TripRepository) ListAllTrips(ctx context.Context) ([]types.UserTrips, error) {
	query, args, err := psql.Select("uid", "trips").
		From("user_trips").
		OrderBy("uid").
		ToSql()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to build trips query", err)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query trips", err)
	}
	defer rows.Close()

	var out []types.UserTrips
	for rows.Next() {
		var (
			uid string
			raw []byte
		)
		if err := rows.Scan(&uid, &raw); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan trips row", err)
		}
		out = append(out, types.UserTrips{UID: uid, Trips: r.decodeTrips(ctx, uid, raw)})
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating trips rows", err)
	}
	return out, nil
}

// GetUserTrips returns the user's trips, or an empty slice when none are saved.
func (r *TripRepository) GetUserTrips(ctx context.Context, uid string) ([]types.Trip, error) {
	query, args, err := psql.Select("trips").
		From("user_trips").
		Where(squirrel.Eq{"uid": uid}).
		ToSql()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to build trips query", err)
	}

	var raw []byte
	if err := r.db.QueryRow(ctx, query, args...).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return []types.Trip{}, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load trips", err)
	}
	return r.decodeTrips(ctx, uid, raw), nil
}

// SaveUserTrips upserts the user's trips document.
func (r *TripRepository) SaveUserTrips(ctx context.Context, uid string, trips []types.Trip) error {
	if trips == nil {
		trips = []types.Trip{}
	}
	payload, err := json.Marshal(trips)
	if err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidTrip, "trips could not be encoded", err)
	}

	query, args, err := psql.Insert("user_trips").
		Columns("uid", "trips", "updated_at").
		Values(uid, payload, r.clock.Now()).
		Suffix("ON CONFLICT (uid) DO UPDATE SET trips = EXCLUDED.trips, updated_at = EXCLUDED.updated_at").
		ToSql()
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to build trips upsert", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save trips", err)
	}
	return nil
}

func (r *TripRepository) decodeTrips(ctx context.Context, uid string, raw []byte) []types.Trip {
	trips := []types.Trip{}
	if len(raw) == 0 {
		return trips
	}
	if err := json.Unmarshal(raw, &trips); err != nil {
		r.logger.WarnContext(ctx, "skipping undecodable trips", "uid", uid, "error", err)
		return []types.Trip{}
	}
	return trips
}
