package server

import (
	"mapin/internal/models"
	"mapin/internal/service"

	"github.com/gofiber/fiber/v2"
)

// FollowUser handles POST /api/users/:id/follow
//
// Public targets get a follow edge, private targets get a pending request.
// Re-following a settled pair returns 200 with the existing record; only a
// fresh transition returns 201.
func (s *Server) FollowUser(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := currentUserID(c)
	targetID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	res, followErr := s.graphService.Follow(ctx, userID, targetID)
	if followErr != nil {
		return models.RespondWithAppError(c, followErr)
	}

	status := fiber.StatusOK
	var message string
	switch res.Status {
	case service.FollowStatusFollowing:
		status = fiber.StatusCreated
		message = "You are now following this user"
	case service.FollowStatusRequested:
		status = fiber.StatusCreated
		message = "Follow request sent"
	case service.FollowStatusAlreadyFollowing:
		message = "You already follow this user"
	case service.FollowStatusAlreadyRequested:
		message = "Follow request already pending"
	}

	body := fiber.Map{
		"message": message,
		"status":  res.Status,
	}
	if res.Edge != nil {
		body["follow"] = res.Edge
	}
	if res.Request != nil {
		body["request"] = res.Request
	}
	return c.Status(status).JSON(body)
}

// UnfollowUser handles DELETE /api/users/:id/follow
func (s *Server) UnfollowUser(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := currentUserID(c)
	targetID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	if unfollowErr := s.graphService.Unfollow(ctx, userID, targetID); unfollowErr != nil {
		return models.RespondWithAppError(c, unfollowErr)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// RemoveFollower handles DELETE /api/users/:id/follower
//
// The authenticated user removes :id from their own followers.
func (s *Server) RemoveFollower(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := currentUserID(c)
	followerID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	if removeErr := s.graphService.RemoveFollower(ctx, userID, followerID); removeErr != nil {
		return models.RespondWithAppError(c, removeErr)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// CancelFollowRequest handles DELETE /api/users/:id/follow-request
func (s *Server) CancelFollowRequest(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := currentUserID(c)
	targetID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	if _, cancelErr := s.graphService.CancelRequest(ctx, userID, targetID); cancelErr != nil {
		return models.RespondWithAppError(c, cancelErr)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// AcceptFollowRequest handles POST /api/users/follow-requests/:requestId/accept
func (s *Server) AcceptFollowRequest(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := currentUserID(c)
	requestID, err := s.parseID(c, "requestId")
	if err != nil {
		return nil
	}

	request, follow, acceptErr := s.graphService.AcceptRequest(ctx, userID, requestID)
	if acceptErr != nil {
		return models.RespondWithAppError(c, acceptErr)
	}

	body := fiber.Map{
		"message": "Follow request accepted",
		"request": request,
	}
	if follow != nil {
		body["follow"] = follow
	}
	return c.JSON(body)
}

// RejectFollowRequest handles POST /api/users/follow-requests/:requestId/reject
func (s *Server) RejectFollowRequest(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := currentUserID(c)
	requestID, err := s.parseID(c, "requestId")
	if err != nil {
		return nil
	}

	request, rejectErr := s.graphService.RejectRequest(ctx, userID, requestID)
	if rejectErr != nil {
		return models.RespondWithAppError(c, rejectErr)
	}

	return c.JSON(fiber.Map{
		"message": "Follow request rejected",
		"request": request,
	})
}

// GetFollowers handles GET /api/users/:id/followers
func (s *Server) GetFollowers(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := currentUserID(c)
	targetID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	page := parsePagination(c, 20)

	followers, total, listErr := s.graphService.GetFollowers(ctx, userID, targetID, page.Limit, page.Offset)
	if listErr != nil {
		return models.RespondWithAppError(c, listErr)
	}

	return c.JSON(fiber.Map{
		"followers": followers,
		"total":     total,
	})
}

// GetFollowing handles GET /api/users/:id/following
func (s *Server) GetFollowing(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := currentUserID(c)
	targetID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	page := parsePagination(c, 20)

	following, total, listErr := s.graphService.GetFollowing(ctx, userID, targetID, page.Limit, page.Offset)
	if listErr != nil {
		return models.RespondWithAppError(c, listErr)
	}

	return c.JSON(fiber.Map{
		"following": following,
		"total":     total,
	})
}

// GetPendingRequests handles GET /api/users/follow-requests/pending
func (s *Server) GetPendingRequests(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := currentUserID(c)
	page := parsePagination(c, 20)

	requests, total, err := s.graphService.GetPendingRequests(ctx, userID, page.Limit, page.Offset)
	if err != nil {
		return models.RespondWithAppError(c, err)
	}

	return c.JSON(fiber.Map{
		"requests": requests,
		"total":    total,
	})
}

// GetSentRequests handles GET /api/users/follow-requests/sent
func (s *Server) GetSentRequests(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := currentUserID(c)
	page := parsePagination(c, 20)

	requests, total, err := s.graphService.GetSentRequests(ctx, userID, page.Limit, page.Offset)
	if err != nil {
		return models.RespondWithAppError(c, err)
	}

	return c.JSON(fiber.Map{
		"requests": requests,
		"total":    total,
	})
}

// GetRelationship handles GET /api/users/:id/relationship
func (s *Server) GetRelationship(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := currentUserID(c)
	targetID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	rel, resolveErr := s.graphService.ResolveRelationship(ctx, userID, targetID)
	if resolveErr != nil {
		return models.RespondWithAppError(c, resolveErr)
	}

	return c.JSON(fiber.Map{
		"isFollowing":         rel.Following,
		"followRequestStatus": rel.RequestStatus,
		"pendingRequestId":    rel.PendingRequestID,
		"isPrivate":           rel.TargetIsPrivate,
	})
}
