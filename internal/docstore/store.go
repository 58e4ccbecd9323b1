// Package docstore is the Firestore backend for opportunities and saved trips.
//
// Opportunities live in one collection keyed by opportunity id. Because the
// id is derived from (user, fingerprint), DocumentRef.Create doubles as the
// deduplication check. Trips live in a second collection with one document per
// user holding a "trips" array, the layout the mobile client already writes.
package docstore

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"pipagent/internal/types"
)

// Config names the collections.
type Config struct {
	OpportunitiesCollection string
	TripsCollection         string
	Clock                   types.Clock
	Logger                  *slog.Logger
}

// Store implements opportunities.Backend, types.TripSource, types.TripWriter
// and types.HealthChecker on Firestore.
type Store struct {
	client *firestore.Client
	opps   string
	trips  string
	clock  types.Clock
	logger *slog.Logger
}

// Open creates a Firestore client for projectID and wraps it.
func Open(ctx context.Context, projectID string, cfg Config) (*Store, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStorage, "failed to create firestore client", err)
	}
	return New(client, cfg), nil
}

// New wraps an existing client.
func New(client *firestore.Client, cfg Config) *Store {
	if cfg.OpportunitiesCollection == "" {
		cfg.OpportunitiesCollection = "opportunities"
	}
	if cfg.TripsCollection == "" {
		cfg.TripsCollection = "userTrips"
	}
	if cfg.Clock == nil {
		cfg.Clock = types.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		client: client,
		opps:   cfg.OpportunitiesCollection,
		trips:  cfg.TripsCollection,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping reads at most one document.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.client.Collection(s.opps).Limit(1).Documents(ctx).GetAll(); err != nil {
		return storageError("firestore ping failed", err)
	}
	return nil
}

// Insert creates the document named by opp.OpportunityID. An existing
// document means the user already has this fingerprint.
func (s *Store) Insert(ctx context.Context, opp types.Opportunity) (bool, error) {
	_, err := s.client.Collection(s.opps).Doc(opp.OpportunityID).Create(ctx, opp)
	if err == nil {
		return true, nil
	}
	if isCode(err, codes.AlreadyExists) {
		return false, nil
	}
	return false, storageError("failed to create opportunity", err)
}

// ListNew returns the user's new opportunities, newest first. The query needs
// a composite index on (userId, status, createdAt desc).
func (s *Store) ListNew(ctx context.Context, userID string, limit int) ([]types.Opportunity, error) {
	q := s.client.Collection(s.opps).
		Where("userId", "==", userID).
		Where("status", "==", string(types.OpportunityStatusNew)).
		OrderBy("createdAt", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, storageError("failed to query opportunities", err)
	}

	out := make([]types.Opportunity, 0, len(docs))
	for _, doc := range docs {
		var opp types.Opportunity
		if err := doc.DataTo(&opp); err != nil {
			s.logger.WarnContext(ctx, "skipping undecodable opportunity", "doc_id", doc.Ref.ID, "error", err)
			continue
		}
		if opp.OpportunityID == "" {
			opp.OpportunityID = doc.Ref.ID
		}
		opp.CreatedAt = opp.CreatedAt.UTC()
		out = append(out, opp)
	}
	return out, nil
}

// MarkSeen flips one of the user's opportunities to seen.
func (s *Store) MarkSeen(ctx context.Context, userID, opportunityID string) error {
	ref := s.client.Collection(s.opps).Doc(opportunityID)
	snap, err := ref.Get(ctx)
	if err != nil {
		if isCode(err, codes.NotFound) {
			return notFound()
		}
		return storageError("failed to load opportunity", err)
	}
	var opp types.Opportunity
	if err := snap.DataTo(&opp); err != nil {
		return storageError("failed to decode opportunity", err)
	}
	if opp.UserID != userID {
		return notFound()
	}

	if _, err := ref.Update(ctx, []firestore.Update{
		{Path: "status", Value: string(types.OpportunityStatusSeen)},
	}); err != nil {
		if isCode(err, codes.NotFound) {
			return notFound()
		}
		return storageError("failed to mark opportunity seen", err)
	}
	return nil
}

// DeleteForUser removes every opportunity of the user with a BulkWriter.
func (s *Store) DeleteForUser(ctx context.Context, userID string) (int, error) {
	docs, err := s.client.Collection(s.opps).Where("userId", "==", userID).Documents(ctx).GetAll()
	if err != nil {
		return 0, storageError("failed to query opportunities", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}

	bw := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(docs))
	for _, doc := range docs {
		job, err := bw.Delete(doc.Ref)
		if err != nil {
			bw.End()
			return 0, storageError("failed to enqueue delete", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	deleted := 0
	var firstErr error
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		deleted++
	}
	if firstErr != nil {
		s.logger.WarnContext(ctx, "partial opportunity delete", "user_id", userID, "deleted", deleted, "total", len(docs), "error", firstErr)
		return deleted, storageError("failed to delete some opportunities", firstErr)
	}
	return deleted, nil
}

// ListAllTrips reads every user document in the trips collection.
func (s *Store) ListAllTrips(ctx context.Context) ([]types.UserTrips, error) {
	docs, err := s.client.Collection(s.trips).Documents(ctx).GetAll()
	if err != nil {
		return nil, storageError("failed to list trips", err)
	}
	out := make([]types.UserTrips, 0, len(docs))
	for _, doc := range docs {
		trips, err := decodeTrips(doc.Data()["trips"])
		if err != nil {
			s.logger.WarnContext(ctx, "skipping undecodable trips", "uid", doc.Ref.ID, "error", err)
			trips = []types.Trip{}
		}
		out = append(out, types.UserTrips{UID: doc.Ref.ID, Trips: trips})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

// GetUserTrips returns the user's trips, or an empty slice.
func (s *Store) GetUserTrips(ctx context.Context, uid string) ([]types.Trip, error) {
	snap, err := s.client.Collection(s.trips).Doc(uid).Get(ctx)
	if err != nil {
		if isCode(err, codes.NotFound) {
			return []types.Trip{}, nil
		}
		return nil, storageError("failed to load trips", err)
	}
	trips, err := decodeTrips(snap.Data()["trips"])
	if err != nil {
		return nil, storageError("stored trips are malformed", err)
	}
	return trips, nil
}

// SaveUserTrips replaces the "trips" field of the user's document, keeping
// any other fields the client stored there.
func (s *Store) SaveUserTrips(ctx context.Context, uid string, trips []types.Trip) error {
	encoded, err := encodeTrips(trips)
	if err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidTrip, "trips could not be encoded", err)
	}
	_, err = s.client.Collection(s.trips).Doc(uid).Set(ctx, map[string]any{
		"trips":     encoded,
		"updatedAt": s.clock.Now(),
	}, firestore.MergeAll)
	if err != nil {
		return storageError("failed to save trips", err)
	}
	return nil
}

func isCode(err error, code codes.Code) bool {
	return status.Code(err) == code
}

func notFound() error {
	return types.NewAppError(types.ErrCodeNotFoundOpportunity, "opportunity not found", nil)
}

func storageError(msg string, err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return types.NewAppError(types.ErrCodeInternalStorage, msg, err)
}
