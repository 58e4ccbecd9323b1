package filestore

import (
	"context"
	"sort"

	"pipagent/internal/types"
)

// tripFile maps user id to that user's saved trips.
type tripFile map[string][]types.Trip

func (s *Store) loadTrips() (tripFile, error) {
	data := tripFile{}
	if err := s.readJSON(tripsFile, &data); err != nil {
		return nil, err
	}
	if data == nil {
		data = tripFile{}
	}
	return data, nil
}

// ListAllTrips returns every user's trips, ordered by user id.
func (s *Store) ListAllTrips(_ context.Context) ([]types.UserTrips, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadTrips()
	if err != nil {
		return nil, err
	}
	uids := make([]string, 0, len(data))
	for uid := range data {
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	out := make([]types.UserTrips, 0, len(uids))
	for _, uid := range uids {
		out = append(out, types.UserTrips{UID: uid, Trips: data[uid]})
	}
	return out, nil
}

// GetUserTrips returns the user's trips, or an empty slice.
func (s *Store) GetUserTrips(_ context.Context, uid string) ([]types.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadTrips()
	if err != nil {
		return nil, err
	}
	if trips := data[uid]; trips != nil {
		return trips, nil
	}
	return []types.Trip{}, nil
}

// SaveUserTrips replaces the user's trips.
func (s *Store) SaveUserTrips(_ context.Context, uid string, trips []types.Trip) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadTrips()
	if err != nil {
		return err
	}
	if trips == nil {
		trips = []types.Trip{}
	}
	data[uid] = trips
	return s.writeJSON(tripsFile, data)
}
