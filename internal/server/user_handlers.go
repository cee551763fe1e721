package server

import (
	"mapin/internal/models"

	"github.com/gofiber/fiber/v2"
)

// GetMyProfile handles GET /api/users/me
func (s *Server) GetMyProfile(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := currentUserID(c)

	view, err := s.graphService.GetUserView(ctx, userID, userID)
	if err != nil {
		return models.RespondWithAppError(c, err)
	}

	return c.JSON(fiber.Map{"user": view})
}

// GetUserProfile handles GET /api/users/:username
func (s *Server) GetUserProfile(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := currentUserID(c)
	username := c.Params("username")

	view, err := s.graphService.GetUserViewByUsername(ctx, userID, username)
	if err != nil {
		return models.RespondWithAppError(c, err)
	}

	return c.JSON(fiber.Map{"user": view})
}

// SearchUsers handles GET /api/users/search?q=
func (s *Server) SearchUsers(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := currentUserID(c)
	query := c.Query("q")
	page := parsePagination(c, 20)

	users, total, err := s.graphService.SearchUsers(ctx, userID, query, page.Limit, page.Offset)
	if err != nil {
		return models.RespondWithAppError(c, err)
	}

	return c.JSON(fiber.Map{
		"users": users,
		"total": total,
	})
}
