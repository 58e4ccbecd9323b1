package db

import (
	"context"

	"github.com/Masterminds/squirrel"

	"pipagent/internal/types"
)

// OpportunityRepository provides data access for the opportunities table. It
// implements opportunities.Backend. Deduplication relies on the
// (user_id, fingerprint) unique constraint.
type OpportunityRepository struct {
	db DBTX
}

// NewOpportunityRepository creates a repository backed by the given
// connection (pool or transaction).
func NewOpportunityRepository(db DBTX) *OpportunityRepository {
	return &OpportunityRepository{db: db}
}

var opportunityColumns = []string{
	"opportunity_id", "user_id", "trip_id", "status", "title", "message",
	"action_button_text", "avatar_url", "fingerprint", "created_at",
}

// Insert stores opp. A conflict on the id or the (user_id, fingerprint) pair
// writes nothing and reports false.
func (r *OpportunityRepository) Insert(ctx context.Context, opp types.Opportunity) (bool, error) {
	query, args, err := psql.Insert("opportunities").
		Columns(opportunityColumns...).
		Values(
			opp.OpportunityID, opp.UserID, opp.TripID, string(opp.Status),
			opp.PipData.Title, opp.PipData.Message, opp.PipData.ActionButtonText, opp.PipData.AvatarURL,
			opp.Fingerprint, opp.CreatedAt,
		).
		Suffix("ON CONFLICT DO NOTHING").
		ToSql()
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to build opportunity insert", err)
	}

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to insert opportunity", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListNew returns the user's new opportunities, newest first.
func (r *OpportunityRepository) ListNew(ctx context.Context, userID string, limit int) ([]types.Opportunity, error) {
	builder := psql.Select(opportunityColumns...).
		From("opportunities").
		Where(squirrel.Eq{"user_id": userID, "status": string(types.OpportunityStatusNew)}).
		OrderBy("created_at DESC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to build opportunity query", err)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query opportunities", err)
	}
	defer rows.Close()

	results := []types.Opportunity{}
	for rows.Next() {
		var (
			opp    types.Opportunity
			status string
		)
		if err := rows.Scan(
			&opp.OpportunityID, &opp.UserID, &opp.TripID, &status,
			&opp.PipData.Title, &opp.PipData.Message, &opp.PipData.ActionButtonText, &opp.PipData.AvatarURL,
			&opp.Fingerprint, &opp.CreatedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan opportunity row", err)
		}
		opp.Status = types.OpportunityStatus(status)
		opp.CreatedAt = opp.CreatedAt.UTC()
		results = append(results, opp)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating opportunity rows", err)
	}
	return results, nil
}

// MarkSeen flips one of the user's opportunities to seen.
func (r *OpportunityRepository) MarkSeen(ctx context.Context, userID, opportunityID string) error {
	query, args, err := psql.Update("opportunities").
		Set("status", string(types.OpportunityStatusSeen)).
		Where(squirrel.Eq{"opportunity_id": opportunityID, "user_id": userID}).
		ToSql()
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to build opportunity update", err)
	}

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark opportunity seen", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundOpportunity, "opportunity not found", nil)
	}
	return nil
}

// DeleteForUser removes all of the user's opportunities.
func (r *OpportunityRepository) DeleteForUser(ctx context.Context, userID string) (int, error) {
	query, args, err := psql.Delete("opportunities").
		Where(squirrel.Eq{"user_id": userID}).
		ToSql()
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to build opportunity delete", err)
	}

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete opportunities", err)
	}
	return int(tag.RowsAffected()), nil
}
