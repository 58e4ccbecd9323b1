package opportunities

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"pipagent/internal/types"
)

// Defaults applied by Store.
const (
	DefaultCacheTTL   = 60 * time.Second
	DefaultMaxPerUser = 50

	defaultTitle   = "Pip has a tip! 🎪"
	defaultMessage = "Check out this travel insight."
)

// opportunityNamespace seeds the UUIDv5 ids derived from (user, fingerprint).
var opportunityNamespace = uuid.MustParse("3b0f8f4e-5c1d-4a8e-9f27-6d2b7c4e1a90")

// Backend persists opportunities. Implementations enforce that at most one
// record exists per (UserID, Fingerprint).
type Backend interface {
	// Insert stores opp unless a record with the same user and fingerprint
	// exists, in which case it returns false and writes nothing.
	Insert(ctx context.Context, opp types.Opportunity) (bool, error)
	// ListNew returns the user's status=new records, newest first, at most limit.
	ListNew(ctx context.Context, userID string, limit int) ([]types.Opportunity, error)
	// MarkSeen flips one record to seen. A record that is missing or owned
	// by another user is an ErrCodeNotFoundOpportunity AppError.
	MarkSeen(ctx context.Context, userID, opportunityID string) error
	// DeleteForUser removes all of the user's records and returns the count.
	DeleteForUser(ctx context.Context, userID string) (int, error)
}

// StoreMetrics receives store outcomes. Optional.
type StoreMetrics interface {
	RecordInsert(outcome string)
	RecordCacheLookup(hit bool)
}

// StoreConfig configures NewStore.
type StoreConfig struct {
	CacheTTL   time.Duration
	MaxPerUser int
	AvatarURL  string
	Clock      types.Clock
	Logger     *slog.Logger
	Metrics    StoreMetrics
}

// Store is the opportunity store used by the agent and the HTTP handlers: a
// Backend fronted by a per-user read cache.
//
// Creating a record does not invalidate the cache, so a user may see a new
// tip up to CacheTTL late. Acknowledging and clearing do invalidate it.
type Store struct {
	backend    Backend
	cache      *cache.Cache
	maxPerUser int
	avatarURL  string
	clock      types.Clock
	logger     *slog.Logger
	metrics    StoreMetrics
}

// NewStore wraps backend with a read cache.
func NewStore(backend Backend, cfg StoreConfig) *Store {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	maxPerUser := cfg.MaxPerUser
	if maxPerUser <= 0 {
		maxPerUser = DefaultMaxPerUser
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend:    backend,
		cache:      cache.New(ttl, 2*ttl),
		maxPerUser: maxPerUser,
		avatarURL:  cfg.AvatarURL,
		clock:      clock,
		logger:     logger,
		metrics:    cfg.Metrics,
	}
}

// OpportunityID returns the deterministic id for a user's fingerprint.
func OpportunityID(userID, fingerprint string) string {
	return uuid.NewSHA1(opportunityNamespace, []byte(userID+"\x00"+fingerprint)).String()
}

// CreateIfNotExists persists opp unless the user already has a record with
// the same fingerprint, in which case it returns nil and writes nothing. An
// empty fingerprint falls back to the message text.
func (s *Store) CreateIfNotExists(ctx context.Context, opp types.Opportunity, fingerprint string) (*types.Opportunity, error) {
	if opp.UserID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "opportunity requires a user id", nil)
	}

	s.normalize(&opp)
	if fingerprint == "" {
		fingerprint = opp.PipData.Message
	}
	opp.Fingerprint = fingerprint
	if opp.OpportunityID == "" {
		opp.OpportunityID = OpportunityID(opp.UserID, fingerprint)
	}

	created, err := s.backend.Insert(ctx, opp)
	if err != nil {
		s.recordInsert("error")
		return nil, err
	}
	if !created {
		s.recordInsert("duplicate")
		return nil, nil
	}

	s.recordInsert("created")
	s.logger.DebugContext(ctx, "opportunity created",
		"user_id", opp.UserID,
		"trip_id", opp.TripID,
		"opportunity_id", opp.OpportunityID,
		"fingerprint", fingerprint,
	)
	return &opp, nil
}

func (s *Store) normalize(opp *types.Opportunity) {
	if opp.Status == "" {
		opp.Status = types.OpportunityStatusNew
	}
	if opp.CreatedAt.IsZero() {
		opp.CreatedAt = s.clock.Now()
	}
	opp.CreatedAt = opp.CreatedAt.UTC()
	if opp.PipData.Title == "" {
		opp.PipData.Title = defaultTitle
	}
	if opp.PipData.Message == "" {
		opp.PipData.Message = defaultMessage
	}
	if opp.PipData.AvatarURL == "" {
		opp.PipData.AvatarURL = s.avatarURL
	}
}

// NewForUser returns the user's unacknowledged opportunities, newest first.
// Results are served from the cache for up to the configured TTL.
func (s *Store) NewForUser(ctx context.Context, userID string) ([]types.Opportunity, error) {
	if userID == "" {
		return []types.Opportunity{}, nil
	}

	key := cacheKey(userID)
	if cached, ok := s.cache.Get(key); ok {
		s.recordCache(true)
		return slices.Clone(cached.([]types.Opportunity)), nil
	}
	s.recordCache(false)

	list, err := s.backend.ListNew(ctx, userID, s.maxPerUser)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []types.Opportunity{}
	}
	s.cache.SetDefault(key, list)
	return slices.Clone(list), nil
}

// MarkSeen acknowledges one opportunity and invalidates the user's cache.
func (s *Store) MarkSeen(ctx context.Context, userID, opportunityID string) error {
	if userID == "" || opportunityID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "user id and opportunity id are required", nil)
	}
	if err := s.backend.MarkSeen(ctx, userID, opportunityID); err != nil {
		return err
	}
	s.Invalidate(userID)
	return nil
}

// DeleteForUser removes every opportunity of the user.
func (s *Store) DeleteForUser(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, nil
	}
	n, err := s.backend.DeleteForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.Invalidate(userID)
	return n, nil
}

// Invalidate drops the user's cached list.
func (s *Store) Invalidate(userID string) {
	s.cache.Delete(cacheKey(userID))
}

func cacheKey(userID string) string {
	return userID + ":new"
}

func (s *Store) recordInsert(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordInsert(outcome)
	}
}

func (s *Store) recordCache(hit bool) {
	if s.metrics != nil {
		s.metrics.RecordCacheLookup(hit)
	}
}
