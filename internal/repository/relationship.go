package repository

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"mapin/internal/models"
	"mapin/internal/observability"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PairCounts holds the projected follower/following counts for one user.
type PairCounts struct {
	Followers int64
	Following int64
}

// RelationshipRepository owns the Follow and FollowRequest records. Every
// state transition runs in a single transaction that re-reads pair state, so
// no interleaving can leave both an edge and a pending request for the same
// ordered pair. Nothing outside this repository mutates either table.
type RelationshipRepository interface {
	// ApplyFollow performs the follow transition for (followerID -> followingID).
	// Exactly one of edge/request is non-nil on success; created reports
	// whether this call produced the record or found it already settled.
	ApplyFollow(ctx context.Context, followerID, followingID uint, targetPrivate bool) (edge *models.Follow, request *models.FollowRequest, created bool, err error)

	// DeleteFollow removes the (followerID -> followingID) edge and reports
	// whether an edge existed.
	DeleteFollow(ctx context.Context, followerID, followingID uint) (bool, error)

	// DeletePendingRequest removes the sender's PENDING request toward the
	// receiver, returning the deleted record when one existed.
	DeletePendingRequest(ctx context.Context, senderID, receiverID uint) (*models.FollowRequest, bool, error)

	// AcceptRequest marks the request ACCEPTED and creates the follow edge in
	// one transaction. Accepting an already-accepted request is idempotent;
	// applied reports whether this call performed the transition.
	AcceptRequest(ctx context.Context, requestID, receiverID uint) (*models.FollowRequest, *models.Follow, bool, error)

	// RejectRequest marks the request REJECTED. The record is retained for
	// audit and does not block future requests from the same sender.
	RejectRequest(ctx context.Context, requestID, receiverID uint) (*models.FollowRequest, error)

	GetPairState(ctx context.Context, viewerID, targetID uint) (*models.PairState, error)
	GetPairStates(ctx context.Context, viewerID uint, targetIDs []uint) (map[uint]models.PairState, error)

	FollowersCount(ctx context.Context, userID uint) (int64, error)
	FollowingCount(ctx context.Context, userID uint) (int64, error)
	CountsForUsers(ctx context.Context, userIDs []uint) (map[uint]PairCounts, error)

	Followers(ctx context.Context, userID uint, limit, offset int) ([]models.User, int64, error)
	Following(ctx context.Context, userID uint, limit, offset int) ([]models.User, int64, error)
	PendingRequests(ctx context.Context, receiverID uint, limit, offset int) ([]models.FollowRequest, int64, error)
	SentRequests(ctx context.Context, senderID uint, limit, offset int) ([]models.FollowRequest, int64, error)
}

// relationshipRepository implements RelationshipRepository
type relationshipRepository struct {
	db *gorm.DB
}

// NewRelationshipRepository creates a new relationship repository
func NewRelationshipRepository(db *gorm.DB) RelationshipRepository {
	return &relationshipRepository{db: db}
}

// forUpdate applies row locking on dialects that support it. SQLite (used in
// tests) serializes writers on its own and rejects FOR UPDATE syntax.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// lockPair serializes transitions on one ordered pair for the length of the
// transaction. Row locks and unique indexes only guard writes within one
// table; a follow racing an accept writes the request and the edge tables
// respectively, and without the pair lock could commit both a Follow edge
// and a fresh PENDING request. Transitions must take this lock before any
// row lock. SQLite has a single writer and needs no equivalent.
func lockPair(tx *gorm.DB, followerID, followingID uint) error {
	if tx.Dialector.Name() != "postgres" {
		return nil
	}
	return tx.Exec("SELECT pg_advisory_xact_lock(?)", pairLockKey(followerID, followingID)).Error
}

// pairLockKey hashes the ordered pair into the advisory-lock keyspace.
func pairLockKey(followerID, followingID uint) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d:%d", followerID, followingID)
	return int64(h.Sum64())
}

// isDuplicateKeyError reports a unique-index violation from any supported
// dialect. The composite indexes backstop transitions that race past the
// transactional read.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (r *relationshipRepository) ApplyFollow(ctx context.Context, followerID, followingID uint, targetPrivate bool) (*models.Follow, *models.FollowRequest, bool, error) {
	for attempt := 0; ; attempt++ {
		edge, request, created, err := r.applyFollowOnce(ctx, followerID, followingID, targetPrivate)
		if err == nil {
			return edge, request, created, nil
		}
		if !isDuplicateKeyError(err) {
			return nil, nil, false, models.NewInternalError(err)
		}

		// A concurrent call won the insert; return its settled record.
		edge, request, _, stateErr := r.settledPair(ctx, followerID, followingID)
		if stateErr != nil {
			return nil, nil, false, stateErr
		}
		if edge != nil || request != nil {
			return edge, request, false, nil
		}

		// The winner's record is already gone again (unfollow or cancel
		// landed in between), so the pair is back to NONE and the
		// transition applies after all.
		if attempt == 2 {
			return nil, nil, false, models.NewInternalError(err)
		}
	}
}

func (r *relationshipRepository) applyFollowOnce(ctx context.Context, followerID, followingID uint, targetPrivate bool) (*models.Follow, *models.FollowRequest, bool, error) {
	var (
		edge    *models.Follow
		request *models.FollowRequest
		created bool
	)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockPair(tx, followerID, followingID); err != nil {
			return err
		}

		var existing models.Follow
		findErr := forUpdate(tx).
			Where("follower_id = ? AND following_id = ?", followerID, followingID).
			First(&existing).Error
		switch {
		case findErr == nil:
			edge = &existing
			return nil
		case !errors.Is(findErr, gorm.ErrRecordNotFound):
			return findErr
		}

		var pending models.FollowRequest
		findErr = forUpdate(tx).
			Where("sender_id = ? AND receiver_id = ? AND status = ?",
				followerID, followingID, models.RequestStatusPending).
			First(&pending).Error
		switch {
		case findErr == nil:
			request = &pending
			return nil
		case !errors.Is(findErr, gorm.ErrRecordNotFound):
			return findErr
		}

		if targetPrivate {
			req := models.FollowRequest{
				SenderID:   followerID,
				ReceiverID: followingID,
				Status:     models.RequestStatusPending,
			}
			if err := tx.Create(&req).Error; err != nil {
				return err
			}
			request = &req
			created = true
			return nil
		}

		f := models.Follow{FollowerID: followerID, FollowingID: followingID}
		if err := tx.Create(&f).Error; err != nil {
			return err
		}
		edge = &f
		created = true
		return nil
	})
	if err != nil {
		return nil, nil, false, err
	}
	return edge, request, created, nil
}

// settledPair re-reads the pair after a lost insert race.
func (r *relationshipRepository) settledPair(ctx context.Context, followerID, followingID uint) (*models.Follow, *models.FollowRequest, bool, error) {
	state, err := r.GetPairState(ctx, followerID, followingID)
	if err != nil {
		return nil, nil, false, err
	}
	return state.Edge, state.Pending, false, nil
}

func (r *relationshipRepository) DeleteFollow(ctx context.Context, followerID, followingID uint) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("follower_id = ? AND following_id = ?", followerID, followingID).
		Delete(&models.Follow{})
	if res.Error != nil {
		return false, models.NewInternalError(res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *relationshipRepository) DeletePendingRequest(ctx context.Context, senderID, receiverID uint) (*models.FollowRequest, bool, error) {
	var deleted *models.FollowRequest

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pending models.FollowRequest
		findErr := forUpdate(tx).
			Where("sender_id = ? AND receiver_id = ? AND status = ?",
				senderID, receiverID, models.RequestStatusPending).
			First(&pending).Error
		if errors.Is(findErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if findErr != nil {
			return findErr
		}

		if err := tx.Delete(&models.FollowRequest{}, pending.ID).Error; err != nil {
			return err
		}
		deleted = &pending
		return nil
	})
	if err != nil {
		return nil, false, models.NewInternalError(err)
	}
	return deleted, deleted != nil, nil
}

func (r *relationshipRepository) AcceptRequest(ctx context.Context, requestID, receiverID uint) (*models.FollowRequest, *models.Follow, bool, error) {
	var (
		request *models.FollowRequest
		edge    *models.Follow
		applied bool
	)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Resolve the pair first: the pair lock must be taken before any
		// row lock, in the same order as ApplyFollow.
		var peek models.FollowRequest
		if err := tx.Select("sender_id", "receiver_id").First(&peek, requestID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.NewNotFoundError("Follow request", requestID)
			}
			return err
		}
		if err := lockPair(tx, peek.SenderID, peek.ReceiverID); err != nil {
			return err
		}

		var req models.FollowRequest
		if err := forUpdate(tx).First(&req, requestID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.NewNotFoundError("Follow request", requestID)
			}
			return err
		}
		if req.ReceiverID != receiverID {
			return models.NewForbiddenError("Only the receiver can accept a follow request")
		}

		switch req.Status {
		case models.RequestStatusAccepted:
			// Idempotent re-accept: the edge already exists.
			request = &req
			var existing models.Follow
			if err := tx.Where("follower_id = ? AND following_id = ?", req.SenderID, req.ReceiverID).
				First(&existing).Error; err == nil {
				edge = &existing
			}
			return nil
		case models.RequestStatusRejected:
			return models.NewInvalidStateError("Follow request already resolved")
		}

		if err := tx.Model(&models.FollowRequest{}).
			Where("id = ?", req.ID).
			Update("status", models.RequestStatusAccepted).Error; err != nil {
			return err
		}
		req.Status = models.RequestStatusAccepted

		f := models.Follow{FollowerID: req.SenderID, FollowingID: req.ReceiverID}
		if err := tx.Create(&f).Error; err != nil {
			if !isDuplicateKeyError(err) {
				return err
			}
			if err := tx.Where("follower_id = ? AND following_id = ?", req.SenderID, req.ReceiverID).
				First(&f).Error; err != nil {
				return err
			}
		}

		request = &req
		edge = &f
		applied = true
		return nil
	})
	if err != nil {
		var appErr *models.AppError
		if errors.As(err, &appErr) {
			return nil, nil, false, appErr
		}
		return nil, nil, false, models.NewInternalError(err)
	}
	return request, edge, applied, nil
}

func (r *relationshipRepository) RejectRequest(ctx context.Context, requestID, receiverID uint) (*models.FollowRequest, error) {
	var request *models.FollowRequest

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var req models.FollowRequest
		if err := forUpdate(tx).First(&req, requestID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.NewNotFoundError("Follow request", requestID)
			}
			return err
		}
		if req.ReceiverID != receiverID {
			return models.NewForbiddenError("Only the receiver can reject a follow request")
		}

		switch req.Status {
		case models.RequestStatusRejected:
			request = &req
			return nil
		case models.RequestStatusAccepted:
			return models.NewInvalidStateError("Follow request already resolved")
		}

		if err := tx.Model(&models.FollowRequest{}).
			Where("id = ?", req.ID).
			Update("status", models.RequestStatusRejected).Error; err != nil {
			return err
		}
		req.Status = models.RequestStatusRejected
		request = &req
		return nil
	})
	if err != nil {
		var appErr *models.AppError
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, models.NewInternalError(err)
	}
	return request, nil
}

func (r *relationshipRepository) GetPairState(ctx context.Context, viewerID, targetID uint) (*models.PairState, error) {
	state := &models.PairState{}

	var edge models.Follow
	err := r.db.WithContext(ctx).
		Where("follower_id = ? AND following_id = ?", viewerID, targetID).
		First(&edge).Error
	switch {
	case err == nil:
		state.Edge = &edge
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, models.NewInternalError(err)
	}

	var pending models.FollowRequest
	err = r.db.WithContext(ctx).
		Where("sender_id = ? AND receiver_id = ? AND status = ?",
			viewerID, targetID, models.RequestStatusPending).
		First(&pending).Error
	switch {
	case err == nil:
		state.Pending = &pending
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, models.NewInternalError(err)
	}

	return state, nil
}

func (r *relationshipRepository) GetPairStates(ctx context.Context, viewerID uint, targetIDs []uint) (map[uint]models.PairState, error) {
	out := make(map[uint]models.PairState, len(targetIDs))
	if len(targetIDs) == 0 {
		return out, nil
	}

	var edges []models.Follow
	if err := r.db.WithContext(ctx).
		Where("follower_id = ? AND following_id IN ?", viewerID, targetIDs).
		Find(&edges).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	for i := range edges {
		state := out[edges[i].FollowingID]
		state.Edge = &edges[i]
		out[edges[i].FollowingID] = state
	}

	var pendings []models.FollowRequest
	if err := r.db.WithContext(ctx).
		Where("sender_id = ? AND receiver_id IN ? AND status = ?",
			viewerID, targetIDs, models.RequestStatusPending).
		Find(&pendings).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	for i := range pendings {
		state := out[pendings[i].ReceiverID]
		state.Pending = &pendings[i]
		out[pendings[i].ReceiverID] = state
	}

	return out, nil
}

func (r *relationshipRepository) FollowersCount(ctx context.Context, userID uint) (int64, error) {
	defer observability.ObserveQuery("count", "follows", time.Now())

	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Follow{}).
		Where("following_id = ?", userID).
		Count(&count).Error; err != nil {
		return 0, models.NewInternalError(err)
	}
	return count, nil
}

func (r *relationshipRepository) FollowingCount(ctx context.Context, userID uint) (int64, error) {
	defer observability.ObserveQuery("count", "follows", time.Now())

	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Follow{}).
		Where("follower_id = ?", userID).
		Count(&count).Error; err != nil {
		return 0, models.NewInternalError(err)
	}
	return count, nil
}

type userCountRow struct {
	UserID uint
	Total  int64
}

func (r *relationshipRepository) CountsForUsers(ctx context.Context, userIDs []uint) (map[uint]PairCounts, error) {
	out := make(map[uint]PairCounts, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	var followerRows []userCountRow
	if err := r.db.WithContext(ctx).Model(&models.Follow{}).
		Select("following_id AS user_id, COUNT(*) AS total").
		Where("following_id IN ?", userIDs).
		Group("following_id").
		Scan(&followerRows).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	for _, row := range followerRows {
		c := out[row.UserID]
		c.Followers = row.Total
		out[row.UserID] = c
	}

	var followingRows []userCountRow
	if err := r.db.WithContext(ctx).Model(&models.Follow{}).
		Select("follower_id AS user_id, COUNT(*) AS total").
		Where("follower_id IN ?", userIDs).
		Group("follower_id").
		Scan(&followingRows).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	for _, row := range followingRows {
		c := out[row.UserID]
		c.Following = row.Total
		out[row.UserID] = c
	}

	return out, nil
}

func (r *relationshipRepository) Followers(ctx context.Context, userID uint, limit, offset int) ([]models.User, int64, error) {
	var users []models.User
	var total int64

	sub := r.db.Model(&models.Follow{}).Select("follower_id").Where("following_id = ?", userID)
	base := r.db.WithContext(ctx).Model(&models.User{}).Where("id IN (?)", sub)

	if err := base.Count(&total).Error; err != nil {
		return nil, 0, models.NewInternalError(err)
	}
	if err := base.Order("username").Limit(limit).Offset(offset).Find(&users).Error; err != nil {
		return nil, 0, models.NewInternalError(err)
	}
	return users, total, nil
}

func (r *relationshipRepository) Following(ctx context.Context, userID uint, limit, offset int) ([]models.User, int64, error) {
	var users []models.User
	var total int64

	sub := r.db.Model(&models.Follow{}).Select("following_id").Where("follower_id = ?", userID)
	base := r.db.WithContext(ctx).Model(&models.User{}).Where("id IN (?)", sub)

	if err := base.Count(&total).Error; err != nil {
		return nil, 0, models.NewInternalError(err)
	}
	if err := base.Order("username").Limit(limit).Offset(offset).Find(&users).Error; err != nil {
		return nil, 0, models.NewInternalError(err)
	}
	return users, total, nil
}

func (r *relationshipRepository) PendingRequests(ctx context.Context, receiverID uint, limit, offset int) ([]models.FollowRequest, int64, error) {
	var requests []models.FollowRequest
	var total int64

	base := r.db.WithContext(ctx).Model(&models.FollowRequest{}).
		Where("receiver_id = ? AND status = ?", receiverID, models.RequestStatusPending)

	if err := base.Count(&total).Error; err != nil {
		return nil, 0, models.NewInternalError(err)
	}
	if err := base.Preload("Sender").
		Order("created_at DESC").Limit(limit).Offset(offset).
		Find(&requests).Error; err != nil {
		return nil, 0, models.NewInternalError(err)
	}
	return requests, total, nil
}

func (r *relationshipRepository) SentRequests(ctx context.Context, senderID uint, limit, offset int) ([]models.FollowRequest, int64, error) {
	var requests []models.FollowRequest
	var total int64

	base := r.db.WithContext(ctx).Model(&models.FollowRequest{}).
		Where("sender_id = ? AND status = ?", senderID, models.RequestStatusPending)

	if err := base.Count(&total).Error; err != nil {
		return nil, 0, models.NewInternalError(err)
	}
	if err := base.Preload("Receiver").
		Order("created_at DESC").Limit(limit).Offset(offset).
		Find(&requests).Error; err != nil {
		return nil, 0, models.NewInternalError(err)
	}
	return requests, total, nil
}
