package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapin/internal/events"
	"mapin/internal/featureflags"
	"mapin/internal/models"
	"mapin/internal/repository"
)

type relRepoStub struct {
	applyFollowFn          func(context.Context, uint, uint, bool) (*models.Follow, *models.FollowRequest, bool, error)
	deleteFollowFn         func(context.Context, uint, uint) (bool, error)
	deletePendingRequestFn func(context.Context, uint, uint) (*models.FollowRequest, bool, error)
	acceptRequestFn        func(context.Context, uint, uint) (*models.FollowRequest, *models.Follow, bool, error)
	rejectRequestFn        func(context.Context, uint, uint) (*models.FollowRequest, error)
	getPairStateFn         func(context.Context, uint, uint) (*models.PairState, error)
	getPairStatesFn        func(context.Context, uint, []uint) (map[uint]models.PairState, error)
	followersCountFn       func(context.Context, uint) (int64, error)
	followingCountFn       func(context.Context, uint) (int64, error)
	countsForUsersFn       func(context.Context, []uint) (map[uint]repository.PairCounts, error)
	followersFn            func(context.Context, uint, int, int) ([]models.User, int64, error)
	followingFn            func(context.Context, uint, int, int) ([]models.User, int64, error)
	pendingRequestsFn      func(context.Context, uint, int, int) ([]models.FollowRequest, int64, error)
	sentRequestsFn         func(context.Context, uint, int, int) ([]models.FollowRequest, int64, error)
}

func (s *relRepoStub) ApplyFollow(ctx context.Context, followerID, followingID uint, targetPrivate bool) (*models.Follow, *models.FollowRequest, bool, error) {
	return s.applyFollowFn(ctx, followerID, followingID, targetPrivate)
}
func (s *relRepoStub) DeleteFollow(ctx context.Context, followerID, followingID uint) (bool, error) {
	return s.deleteFollowFn(ctx, followerID, followingID)
}
func (s *relRepoStub) DeletePendingRequest(ctx context.Context, senderID, receiverID uint) (*models.FollowRequest, bool, error) {
	return s.deletePendingRequestFn(ctx, senderID, receiverID)
}
func (s *relRepoStub) AcceptRequest(ctx context.Context, requestID, receiverID uint) (*models.FollowRequest, *models.Follow, bool, error) {
	return s.acceptRequestFn(ctx, requestID, receiverID)
}
func (s *relRepoStub) RejectRequest(ctx context.Context, requestID, receiverID uint) (*models.FollowRequest, error) {
	return s.rejectRequestFn(ctx, requestID, receiverID)
}
func (s *relRepoStub) GetPairState(ctx context.Context, viewerID, targetID uint) (*models.PairState, error) {
	return s.getPairStateFn(ctx, viewerID, targetID)
}
func (s *relRepoStub) GetPairStates(ctx context.Context, viewerID uint, targetIDs []uint) (map[uint]models.PairState, error) {
	return s.getPairStatesFn(ctx, viewerID, targetIDs)
}
func (s *relRepoStub) FollowersCount(ctx context.Context, userID uint) (int64, error) {
	return s.followersCountFn(ctx, userID)
}
func (s *relRepoStub) FollowingCount(ctx context.Context, userID uint) (int64, error) {
	return s.followingCountFn(ctx, userID)
}
func (s *relRepoStub) CountsForUsers(ctx context.Context, userIDs []uint) (map[uint]repository.PairCounts, error) {
	return s.countsForUsersFn(ctx, userIDs)
}
func (s *relRepoStub) Followers(ctx context.Context, userID uint, limit, offset int) ([]models.User, int64, error) {
	return s.followersFn(ctx, userID, limit, offset)
}
func (s *relRepoStub) Following(ctx context.Context, userID uint, limit, offset int) ([]models.User, int64, error) {
	return s.followingFn(ctx, userID, limit, offset)
}
func (s *relRepoStub) PendingRequests(ctx context.Context, receiverID uint, limit, offset int) ([]models.FollowRequest, int64, error) {
	return s.pendingRequestsFn(ctx, receiverID, limit, offset)
}
func (s *relRepoStub) SentRequests(ctx context.Context, senderID uint, limit, offset int) ([]models.FollowRequest, int64, error) {
	return s.sentRequestsFn(ctx, senderID, limit, offset)
}

type userRepoStub struct {
	getByIDFn       func(context.Context, uint) (*models.User, error)
	getByUsernameFn func(context.Context, string) (*models.User, error)
	searchFn        func(context.Context, string, int, int) ([]models.User, int64, error)
}

func (s *userRepoStub) GetByID(ctx context.Context, id uint) (*models.User, error) {
	return s.getByIDFn(ctx, id)
}
func (s *userRepoStub) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.getByUsernameFn(ctx, username)
}
func (s *userRepoStub) Search(ctx context.Context, q string, limit, offset int) ([]models.User, int64, error) {
	return s.searchFn(ctx, q, limit, offset)
}

func noopUserRepo() *userRepoStub {
	return &userRepoStub{
		getByIDFn:       func(_ context.Context, id uint) (*models.User, error) { return &models.User{ID: id}, nil },
		getByUsernameFn: func(context.Context, string) (*models.User, error) { return &models.User{}, nil },
		searchFn:        func(context.Context, string, int, int) ([]models.User, int64, error) { return nil, 0, nil },
	}
}

func noopRelRepo() *relRepoStub {
	return &relRepoStub{
		applyFollowFn: func(context.Context, uint, uint, bool) (*models.Follow, *models.FollowRequest, bool, error) {
			return &models.Follow{}, nil, true, nil
		},
		deleteFollowFn: func(context.Context, uint, uint) (bool, error) { return false, nil },
		deletePendingRequestFn: func(context.Context, uint, uint) (*models.FollowRequest, bool, error) {
			return nil, false, nil
		},
		acceptRequestFn: func(context.Context, uint, uint) (*models.FollowRequest, *models.Follow, bool, error) {
			return &models.FollowRequest{}, &models.Follow{}, true, nil
		},
		rejectRequestFn: func(context.Context, uint, uint) (*models.FollowRequest, error) {
			return &models.FollowRequest{}, nil
		},
		getPairStateFn: func(context.Context, uint, uint) (*models.PairState, error) {
			return &models.PairState{}, nil
		},
		getPairStatesFn: func(context.Context, uint, []uint) (map[uint]models.PairState, error) {
			return map[uint]models.PairState{}, nil
		},
		followersCountFn: func(context.Context, uint) (int64, error) { return 0, nil },
		followingCountFn: func(context.Context, uint) (int64, error) { return 0, nil },
		countsForUsersFn: func(context.Context, []uint) (map[uint]repository.PairCounts, error) {
			return map[uint]repository.PairCounts{}, nil
		},
		followersFn:       func(context.Context, uint, int, int) ([]models.User, int64, error) { return nil, 0, nil },
		followingFn:       func(context.Context, uint, int, int) ([]models.User, int64, error) { return nil, 0, nil },
		pendingRequestsFn: func(context.Context, uint, int, int) ([]models.FollowRequest, int64, error) { return nil, 0, nil },
		sentRequestsFn:    func(context.Context, uint, int, int) ([]models.FollowRequest, int64, error) { return nil, 0, nil },
	}
}

func newTestService(relRepo repository.RelationshipRepository, userRepo repository.UserRepository) *GraphService {
	flags := featureflags.NewManager("count_cache=off,graph_events=off")
	return NewGraphService(relRepo, userRepo, flags, events.NewPublisher(nil))
}

func TestGraphServiceFollowSelf(t *testing.T) {
	svc := newTestService(noopRelRepo(), noopUserRepo())
	_, err := svc.Follow(context.Background(), 3, 3)
	if err == nil {
		t.Fatal("expected validation error")
	}
	var appErr *models.AppError
	if !errors.As(err, &appErr) || appErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected validation app error, got %#v", err)
	}
}

func TestGraphServiceFollowPublicTarget(t *testing.T) {
	repo := noopRelRepo()
	repo.applyFollowFn = func(_ context.Context, followerID, followingID uint, targetPrivate bool) (*models.Follow, *models.FollowRequest, bool, error) {
		if targetPrivate {
			t.Fatal("public target must not be treated as private")
		}
		return &models.Follow{ID: 1, FollowerID: followerID, FollowingID: followingID}, nil, true, nil
	}

	svc := newTestService(repo, noopUserRepo())
	res, err := svc.Follow(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != FollowStatusFollowing {
		t.Fatalf("expected %q, got %q", FollowStatusFollowing, res.Status)
	}
	if res.Edge == nil || res.Request != nil {
		t.Fatalf("expected an edge and no request, got %#v", res)
	}
}

func TestGraphServiceFollowPrivateTargetRequests(t *testing.T) {
	users := noopUserRepo()
	users.getByIDFn = func(_ context.Context, id uint) (*models.User, error) {
		return &models.User{ID: id, IsPrivate: true}, nil
	}
	repo := noopRelRepo()
	repo.applyFollowFn = func(_ context.Context, followerID, followingID uint, targetPrivate bool) (*models.Follow, *models.FollowRequest, bool, error) {
		if !targetPrivate {
			t.Fatal("private target must create a request")
		}
		return nil, &models.FollowRequest{ID: 4, SenderID: followerID, ReceiverID: followingID, Status: models.RequestStatusPending}, true, nil
	}

	svc := newTestService(repo, users)
	res, err := svc.Follow(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != FollowStatusRequested {
		t.Fatalf("expected %q, got %q", FollowStatusRequested, res.Status)
	}
	if res.Request == nil || res.Edge != nil {
		t.Fatalf("expected a request and no edge, got %#v", res)
	}
}

func TestGraphServiceFollowSettledStates(t *testing.T) {
	tests := []struct {
		name    string
		edge    *models.Follow
		request *models.FollowRequest
		want    string
	}{
		{"already following", &models.Follow{ID: 1}, nil, FollowStatusAlreadyFollowing},
		{"already requested", nil, &models.FollowRequest{ID: 2, Status: models.RequestStatusPending}, FollowStatusAlreadyRequested},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := noopRelRepo()
			repo.applyFollowFn = func(context.Context, uint, uint, bool) (*models.Follow, *models.FollowRequest, bool, error) {
				return tt.edge, tt.request, false, nil
			}

			svc := newTestService(repo, noopUserRepo())
			res, err := svc.Follow(context.Background(), 1, 2)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Status != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, res.Status)
			}
		})
	}
}

func TestGraphServiceFollowUnknownTarget(t *testing.T) {
	users := noopUserRepo()
	users.getByIDFn = func(_ context.Context, id uint) (*models.User, error) {
		return nil, models.NewNotFoundError("User", id)
	}

	svc := newTestService(noopRelRepo(), users)
	_, err := svc.Follow(context.Background(), 1, 99)
	var appErr *models.AppError
	if !errors.As(err, &appErr) || appErr.Code != "NOT_FOUND" {
		t.Fatalf("expected not-found app error, got %#v", err)
	}
}

func TestGraphServiceUnfollowNoEdge(t *testing.T) {
	svc := newTestService(noopRelRepo(), noopUserRepo())
	err := svc.Unfollow(context.Background(), 1, 2)
	var appErr *models.AppError
	if !errors.As(err, &appErr) || appErr.Code != "INVALID_STATE" {
		t.Fatalf("expected invalid-state app error, got %#v", err)
	}
}

func TestGraphServiceCancelRequestNonePending(t *testing.T) {
	svc := newTestService(noopRelRepo(), noopUserRepo())
	_, err := svc.CancelRequest(context.Background(), 1, 2)
	var appErr *models.AppError
	if !errors.As(err, &appErr) || appErr.Code != "INVALID_STATE" {
		t.Fatalf("expected invalid-state app error, got %#v", err)
	}
}

func TestGraphServiceRemoveFollowerDirection(t *testing.T) {
	repo := noopRelRepo()
	var gotFollower, gotFollowing uint
	repo.deleteFollowFn = func(_ context.Context, followerID, followingID uint) (bool, error) {
		gotFollower, gotFollowing = followerID, followingID
		return true, nil
	}

	svc := newTestService(repo, noopUserRepo())
	if err := svc.RemoveFollower(context.Background(), 10, 20); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Removing a follower deletes the edge pointing at the caller.
	if gotFollower != 20 || gotFollowing != 10 {
		t.Fatalf("expected deletion of 20->10, got %d->%d", gotFollower, gotFollowing)
	}
}

func TestGraphServiceResolveRelationship(t *testing.T) {
	repo := noopRelRepo()
	repo.getPairStateFn = func(context.Context, uint, uint) (*models.PairState, error) {
		return &models.PairState{
			Pending: &models.FollowRequest{ID: 8, Status: models.RequestStatusPending},
		}, nil
	}

	svc := newTestService(repo, noopUserRepo())
	rel, err := svc.ResolveRelationship(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rel.Following {
		t.Fatal("expected not following")
	}
	if rel.RequestStatus == nil || *rel.RequestStatus != models.RequestStatusPending {
		t.Fatalf("expected pending request status, got %#v", rel.RequestStatus)
	}
	if rel.PendingRequestID != 8 {
		t.Fatalf("expected pending request ID 8, got %d", rel.PendingRequestID)
	}
}

func TestGraphServicePrivateListForbidden(t *testing.T) {
	users := noopUserRepo()
	users.getByIDFn = func(_ context.Context, id uint) (*models.User, error) {
		return &models.User{ID: id, IsPrivate: true}, nil
	}

	svc := newTestService(noopRelRepo(), users)
	_, _, err := svc.GetFollowers(context.Background(), 1, 2, 20, 0)
	var appErr *models.AppError
	if !errors.As(err, &appErr) || appErr.Code != "FORBIDDEN" {
		t.Fatalf("expected forbidden app error, got %#v", err)
	}
}

func TestGraphServicePrivateListVisibleToFollower(t *testing.T) {
	users := noopUserRepo()
	users.getByIDFn = func(_ context.Context, id uint) (*models.User, error) {
		return &models.User{ID: id, IsPrivate: true}, nil
	}
	repo := noopRelRepo()
	repo.getPairStateFn = func(context.Context, uint, uint) (*models.PairState, error) {
		return &models.PairState{Edge: &models.Follow{ID: 1}}, nil
	}
	repo.followersFn = func(context.Context, uint, int, int) ([]models.User, int64, error) {
		return []models.User{{ID: 3, Username: "carol"}}, 1, nil
	}

	svc := newTestService(repo, users)
	views, total, err := svc.GetFollowers(context.Background(), 1, 2, 20, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || len(views) != 1 || views[0].Username != "carol" {
		t.Fatalf("unexpected listing: total=%d views=%#v", total, views)
	}
}

func TestGraphServicePrivateListVisibleToOwner(t *testing.T) {
	users := noopUserRepo()
	users.getByIDFn = func(_ context.Context, id uint) (*models.User, error) {
		t.Fatal("owner access must not re-read the user")
		return nil, nil
	}

	svc := newTestService(noopRelRepo(), users)
	if _, _, err := svc.GetFollowers(context.Background(), 2, 2, 20, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGraphServiceSearchRequiresQuery(t *testing.T) {
	svc := newTestService(noopRelRepo(), noopUserRepo())
	_, _, err := svc.SearchUsers(context.Background(), 1, "", 20, 0)
	var appErr *models.AppError
	if !errors.As(err, &appErr) || appErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected validation app error, got %#v", err)
	}
}

func TestGraphServiceAnnotateViews(t *testing.T) {
	repo := noopRelRepo()
	repo.followersFn = func(context.Context, uint, int, int) ([]models.User, int64, error) {
		return []models.User{{ID: 5, Username: "dave"}, {ID: 6, Username: "erin"}}, 2, nil
	}
	repo.countsForUsersFn = func(context.Context, []uint) (map[uint]repository.PairCounts, error) {
		return map[uint]repository.PairCounts{
			5: {Followers: 10, Following: 3},
		}, nil
	}
	repo.getPairStatesFn = func(context.Context, uint, []uint) (map[uint]models.PairState, error) {
		return map[uint]models.PairState{
			5: {Edge: &models.Follow{ID: 9}},
			6: {Pending: &models.FollowRequest{ID: 11, Status: models.RequestStatusPending}},
		}, nil
	}

	svc := newTestService(repo, noopUserRepo())
	views, _, err := svc.GetFollowers(context.Background(), 1, 1, 20, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 views, got %d", len(views))
	}
	if !views[0].IsFollowing || views[0].FollowersCount != 10 {
		t.Fatalf("unexpected first view: %#v", views[0])
	}
	if views[1].IsFollowing {
		t.Fatal("second view must not be marked following")
	}
	if views[1].FollowRequestStatus == nil || *views[1].FollowRequestStatus != models.RequestStatusPending {
		t.Fatalf("expected pending status on second view, got %#v", views[1].FollowRequestStatus)
	}
}

func TestGraphServiceAcceptPropagatesError(t *testing.T) {
	repo := noopRelRepo()
	repo.acceptRequestFn = func(context.Context, uint, uint) (*models.FollowRequest, *models.Follow, bool, error) {
		return nil, nil, false, models.NewInvalidStateError("Follow request already resolved")
	}

	svc := newTestService(repo, noopUserRepo())
	_, _, err := svc.AcceptRequest(context.Background(), 1, 2)
	var appErr *models.AppError
	if !errors.As(err, &appErr) || appErr.Code != "INVALID_STATE" {
		t.Fatalf("expected invalid-state app error, got %#v", err)
	}
}

func TestGraphServiceAcceptIdempotentSkipsEvent(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	pub := events.NewPublisher(rdb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var published int32
	require.NoError(t, pub.StartSubscriber(ctx, func(string, events.Event) {
		atomic.AddInt32(&published, 1)
	}))

	req := &models.FollowRequest{ID: 9, SenderID: 1, ReceiverID: 2, Status: models.RequestStatusAccepted}
	edge := &models.Follow{ID: 4, FollowerID: 1, FollowingID: 2}
	var applied atomic.Bool
	applied.Store(true)
	repo := noopRelRepo()
	repo.acceptRequestFn = func(context.Context, uint, uint) (*models.FollowRequest, *models.Follow, bool, error) {
		return req, edge, applied.Load(), nil
	}

	flags := featureflags.NewManager("count_cache=off,graph_events=on")
	svc := NewGraphService(repo, noopUserRepo(), flags, pub)

	// First accept performs the transition and notifies the sender.
	_, _, err = svc.AcceptRequest(context.Background(), 2, 9)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&published) == 1
	}, time.Second, 10*time.Millisecond)

	// Re-accepting the settled request returns the same records but must
	// not notify again.
	applied.Store(false)
	gotReq, gotEdge, err := svc.AcceptRequest(context.Background(), 2, 9)
	require.NoError(t, err)
	assert.Equal(t, req.ID, gotReq.ID)
	assert.NotNil(t, gotEdge)
	assert.Never(t, func() bool {
		return atomic.LoadInt32(&published) > 1
	}, 200*time.Millisecond, 10*time.Millisecond)
}
