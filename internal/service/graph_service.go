package service

import (
	"context"

	"mapin/internal/cache"
	"mapin/internal/events"
	"mapin/internal/featureflags"
	"mapin/internal/models"
	"mapin/internal/observability"
	"mapin/internal/repository"
)

// Follow outcomes reported to clients. The "already_*" outcomes mean the
// caller's intent was settled before this call; they are informational, not
// errors.
const (
	FollowStatusFollowing        = "following"
	FollowStatusRequested        = "requested"
	FollowStatusAlreadyFollowing = "already_following"
	FollowStatusAlreadyRequested = "already_requested"
)

// FollowResult describes the state the pair settled into after a follow
// attempt. Exactly one of Edge or Request is set.
type FollowResult struct {
	Status  string
	Edge    *models.Follow
	Request *models.FollowRequest
}

// Relationship is the viewer's resolved state toward a target user.
type Relationship struct {
	Following        bool
	RequestStatus    *models.RequestStatus
	PendingRequestID uint
	TargetIsPrivate  bool
}

// GraphService provides the follow/request state machine and visibility
// rules over the relationship store.
type GraphService struct {
	relRepo  repository.RelationshipRepository
	userRepo repository.UserRepository
	flags    *featureflags.Manager
	events   *events.Publisher
}

// NewGraphService returns a new GraphService.
func NewGraphService(
	relRepo repository.RelationshipRepository,
	userRepo repository.UserRepository,
	flags *featureflags.Manager,
	publisher *events.Publisher,
) *GraphService {
	return &GraphService{
		relRepo:  relRepo,
		userRepo: userRepo,
		flags:    flags,
		events:   publisher,
	}
}

// Follow runs the follow transition for followerID toward targetID. Public
// targets get an edge, private targets get a pending request, and settled
// pairs are reported as-is.
func (s *GraphService) Follow(ctx context.Context, followerID, targetID uint) (*FollowResult, error) {
	if followerID == targetID {
		return nil, models.NewValidationError("Cannot follow yourself")
	}

	target, err := s.userRepo.GetByID(ctx, targetID)
	if err != nil {
		return nil, err
	}

	edge, request, created, err := s.relRepo.ApplyFollow(ctx, followerID, targetID, target.IsPrivate)
	if err != nil {
		observability.RecordTransition("follow", "error")
		return nil, err
	}

	res := &FollowResult{Edge: edge, Request: request}
	switch {
	case edge != nil && created:
		res.Status = FollowStatusFollowing
		observability.RecordTransition("follow", "applied")
		s.invalidateCounts(ctx, followerID, targetID)
		s.publish(ctx, events.TypeFollow, followerID, targetID, 0)
	case edge != nil:
		res.Status = FollowStatusAlreadyFollowing
		observability.RecordTransition("follow", "noop")
	case request != nil && created:
		res.Status = FollowStatusRequested
		observability.RecordTransition("follow", "applied")
		s.publish(ctx, events.TypeFollowRequested, followerID, targetID, request.ID)
	default:
		res.Status = FollowStatusAlreadyRequested
		observability.RecordTransition("follow", "noop")
	}
	return res, nil
}

// Unfollow removes the follow edge toward targetID.
func (s *GraphService) Unfollow(ctx context.Context, followerID, targetID uint) error {
	if followerID == targetID {
		return models.NewValidationError("Cannot unfollow yourself")
	}
	if _, err := s.userRepo.GetByID(ctx, targetID); err != nil {
		return err
	}

	removed, err := s.relRepo.DeleteFollow(ctx, followerID, targetID)
	if err != nil {
		observability.RecordTransition("unfollow", "error")
		return err
	}
	if !removed {
		observability.RecordTransition("unfollow", "rejected")
		return models.NewInvalidStateError("You are not following this user")
	}

	observability.RecordTransition("unfollow", "applied")
	s.invalidateCounts(ctx, followerID, targetID)
	s.publish(ctx, events.TypeUnfollow, followerID, targetID, 0)
	return nil
}

// CancelRequest withdraws the caller's pending request toward targetID.
func (s *GraphService) CancelRequest(ctx context.Context, senderID, targetID uint) (*models.FollowRequest, error) {
	if _, err := s.userRepo.GetByID(ctx, targetID); err != nil {
		return nil, err
	}

	req, removed, err := s.relRepo.DeletePendingRequest(ctx, senderID, targetID)
	if err != nil {
		observability.RecordTransition("cancel_request", "error")
		return nil, err
	}
	if !removed {
		observability.RecordTransition("cancel_request", "rejected")
		return nil, models.NewInvalidStateError("No pending follow request to cancel")
	}

	observability.RecordTransition("cancel_request", "applied")
	s.publish(ctx, events.TypeRequestCanceled, senderID, targetID, req.ID)
	return req, nil
}

// AcceptRequest accepts a pending request addressed to receiverID, creating
// the follow edge. Re-accepting an accepted request is a no-op.
func (s *GraphService) AcceptRequest(ctx context.Context, receiverID, requestID uint) (*models.FollowRequest, *models.Follow, error) {
	req, edge, applied, err := s.relRepo.AcceptRequest(ctx, requestID, receiverID)
	if err != nil {
		observability.RecordTransition("accept_request", "error")
		return nil, nil, err
	}
	if !applied {
		observability.RecordTransition("accept_request", "noop")
		return req, edge, nil
	}
	observability.RecordTransition("accept_request", "applied")
	s.invalidateCounts(ctx, req.SenderID, req.ReceiverID)
	s.publish(ctx, events.TypeRequestAccepted, receiverID, req.SenderID, req.ID)
	return req, edge, nil
}

// RejectRequest rejects a pending request addressed to receiverID. The
// sender may request again later; rejection does not block the pair.
func (s *GraphService) RejectRequest(ctx context.Context, receiverID, requestID uint) (*models.FollowRequest, error) {
	req, err := s.relRepo.RejectRequest(ctx, requestID, receiverID)
	if err != nil {
		observability.RecordTransition("reject_request", "error")
		return nil, err
	}
	observability.RecordTransition("reject_request", "applied")
	s.publish(ctx, events.TypeRequestRejected, receiverID, req.SenderID, req.ID)
	return req, nil
}

// RemoveFollower deletes the edge from followerID toward userID, forcing the
// follower back through the request flow on a private account.
func (s *GraphService) RemoveFollower(ctx context.Context, userID, followerID uint) error {
	if userID == followerID {
		return models.NewValidationError("Cannot remove yourself")
	}
	if _, err := s.userRepo.GetByID(ctx, followerID); err != nil {
		return err
	}

	removed, err := s.relRepo.DeleteFollow(ctx, followerID, userID)
	if err != nil {
		observability.RecordTransition("remove_follower", "error")
		return err
	}
	if !removed {
		observability.RecordTransition("remove_follower", "rejected")
		return models.NewNotFoundError("Follower", followerID)
	}

	observability.RecordTransition("remove_follower", "applied")
	s.invalidateCounts(ctx, followerID, userID)
	s.publish(ctx, events.TypeFollowerRemoved, userID, followerID, 0)
	return nil
}

// ResolveRelationship reports the viewer's state toward a target user.
func (s *GraphService) ResolveRelationship(ctx context.Context, viewerID, targetID uint) (*Relationship, error) {
	target, err := s.userRepo.GetByID(ctx, targetID)
	if err != nil {
		return nil, err
	}

	state, err := s.relRepo.GetPairState(ctx, viewerID, targetID)
	if err != nil {
		return nil, err
	}

	rel := &Relationship{
		Following:       state.Edge != nil,
		TargetIsPrivate: target.IsPrivate,
	}
	if state.Pending != nil {
		status := state.Pending.Status
		rel.RequestStatus = &status
		rel.PendingRequestID = state.Pending.ID
	}
	return rel, nil
}

// GetUserView returns the target's profile annotated with counts and the
// viewer's relationship.
func (s *GraphService) GetUserView(ctx context.Context, viewerID, targetID uint) (*models.UserView, error) {
	user, err := s.userRepo.GetByID(ctx, targetID)
	if err != nil {
		return nil, err
	}
	return s.buildView(ctx, viewerID, user)
}

// GetUserViewByUsername resolves a profile by username.
func (s *GraphService) GetUserViewByUsername(ctx context.Context, viewerID uint, username string) (*models.UserView, error) {
	user, err := s.userRepo.GetByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	return s.buildView(ctx, viewerID, user)
}

func (s *GraphService) buildView(ctx context.Context, viewerID uint, user *models.User) (*models.UserView, error) {
	followers, err := s.FollowersCount(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	following, err := s.FollowingCount(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	view := &models.UserView{
		User:           *user,
		FollowersCount: followers,
		FollowingCount: following,
	}

	if viewerID != 0 && viewerID != user.ID {
		state, err := s.relRepo.GetPairState(ctx, viewerID, user.ID)
		if err != nil {
			return nil, err
		}
		view.IsFollowing = state.Edge != nil
		if state.Pending != nil {
			status := state.Pending.Status
			view.FollowRequestStatus = &status
		}
	}
	return view, nil
}

// FollowersCount returns the number of users following userID. Counts are
// always derived from the edge set; the cache is a write-through projection
// of the same aggregate.
func (s *GraphService) FollowersCount(ctx context.Context, userID uint) (int64, error) {
	key := cache.FollowersCountKey(userID)
	if s.countCacheEnabled(userID) {
		if n, ok := cache.GetCount(ctx, key); ok {
			return n, nil
		}
	}
	n, err := s.relRepo.FollowersCount(ctx, userID)
	if err != nil {
		return 0, err
	}
	if s.countCacheEnabled(userID) {
		cache.SetCount(ctx, key, n)
	}
	return n, nil
}

// FollowingCount returns the number of users userID follows.
func (s *GraphService) FollowingCount(ctx context.Context, userID uint) (int64, error) {
	key := cache.FollowingCountKey(userID)
	if s.countCacheEnabled(userID) {
		if n, ok := cache.GetCount(ctx, key); ok {
			return n, nil
		}
	}
	n, err := s.relRepo.FollowingCount(ctx, userID)
	if err != nil {
		return 0, err
	}
	if s.countCacheEnabled(userID) {
		cache.SetCount(ctx, key, n)
	}
	return n, nil
}

// GetFollowers lists a user's followers, annotated with the viewer's own
// relationship to each one. Private accounts expose their list only to the
// owner and to accepted followers.
func (s *GraphService) GetFollowers(ctx context.Context, viewerID, userID uint, limit, offset int) ([]models.UserView, int64, error) {
	if err := s.authorizeListAccess(ctx, viewerID, userID); err != nil {
		return nil, 0, err
	}

	users, total, err := s.relRepo.Followers(ctx, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	views, err := s.annotate(ctx, viewerID, users)
	if err != nil {
		return nil, 0, err
	}
	return views, total, nil
}

// GetFollowing lists the users a user follows, same visibility rules as
// GetFollowers.
func (s *GraphService) GetFollowing(ctx context.Context, viewerID, userID uint, limit, offset int) ([]models.UserView, int64, error) {
	if err := s.authorizeListAccess(ctx, viewerID, userID); err != nil {
		return nil, 0, err
	}

	users, total, err := s.relRepo.Following(ctx, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	views, err := s.annotate(ctx, viewerID, users)
	if err != nil {
		return nil, 0, err
	}
	return views, total, nil
}

// GetPendingRequests lists incoming pending requests for the user.
func (s *GraphService) GetPendingRequests(ctx context.Context, userID uint, limit, offset int) ([]models.FollowRequest, int64, error) {
	return s.relRepo.PendingRequests(ctx, userID, limit, offset)
}

// GetSentRequests lists the user's outgoing pending requests.
func (s *GraphService) GetSentRequests(ctx context.Context, userID uint, limit, offset int) ([]models.FollowRequest, int64, error) {
	return s.relRepo.SentRequests(ctx, userID, limit, offset)
}

// SearchUsers finds users by username or full name, annotated for the viewer.
func (s *GraphService) SearchUsers(ctx context.Context, viewerID uint, query string, limit, offset int) ([]models.UserView, int64, error) {
	if query == "" {
		return nil, 0, models.NewValidationError("Search query is required")
	}

	users, total, err := s.userRepo.Search(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	views, err := s.annotate(ctx, viewerID, users)
	if err != nil {
		return nil, 0, err
	}
	return views, total, nil
}

// authorizeListAccess enforces the private-account rule for follower and
// following lists. Counts remain visible to everyone.
func (s *GraphService) authorizeListAccess(ctx context.Context, viewerID, userID uint) error {
	if viewerID == userID {
		return nil
	}

	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if !user.IsPrivate {
		return nil
	}

	state, err := s.relRepo.GetPairState(ctx, viewerID, userID)
	if err != nil {
		return err
	}
	if state.Edge == nil {
		return models.NewForbiddenError("This account is private")
	}
	return nil
}

// annotate attaches counts and the viewer's pair state to a page of users.
func (s *GraphService) annotate(ctx context.Context, viewerID uint, users []models.User) ([]models.UserView, error) {
	ids := make([]uint, len(users))
	for i := range users {
		ids[i] = users[i].ID
	}

	counts, err := s.relRepo.CountsForUsers(ctx, ids)
	if err != nil {
		return nil, err
	}
	states, err := s.relRepo.GetPairStates(ctx, viewerID, ids)
	if err != nil {
		return nil, err
	}

	views := make([]models.UserView, len(users))
	for i := range users {
		c := counts[users[i].ID]
		view := models.UserView{
			User:           users[i],
			FollowersCount: c.Followers,
			FollowingCount: c.Following,
		}
		if state, ok := states[users[i].ID]; ok && users[i].ID != viewerID {
			view.IsFollowing = state.Edge != nil
			if state.Pending != nil {
				status := state.Pending.Status
				view.FollowRequestStatus = &status
			}
		}
		views[i] = view
	}
	return views, nil
}

func (s *GraphService) countCacheEnabled(userID uint) bool {
	return s.flags.Enabled("count_cache", userID)
}

func (s *GraphService) publish(ctx context.Context, eventType string, actorID, subjectID, requestID uint) {
	if !s.flags.Enabled("graph_events", subjectID) {
		return
	}
	s.events.Publish(ctx, eventType, actorID, subjectID, requestID)
}

func (s *GraphService) invalidateCounts(ctx context.Context, followerID, followingID uint) {
	cache.InvalidatePairCounts(ctx, followerID, followingID)
}
