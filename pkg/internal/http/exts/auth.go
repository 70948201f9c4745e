package exts

import (
	"strings"

	"git.solsynth.dev/hypernet/calling/pkg/internal/calling"
	"git.solsynth.dev/hypernet/calling/pkg/internal/services"
	"github.com/gofiber/fiber/v2"
)

// AuthMiddleware reads the identity token from the Authorization header, or
// from the tk query parameter for clients such as EventSource that cannot
// set headers.
func AuthMiddleware(c *fiber.Ctx) error {
	token := strings.TrimSpace(strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer"))
	if token == "" {
		token = c.Query("tk")
	}
	if token == "" {
		return c.Next()
	}

	id, err := services.ParseIdentityToken(token)
	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, err.Error())
	}
	c.Locals("user", id)
	return c.Next()
}

func EnsureAuthenticated(c *fiber.Ctx) (string, error) {
	id, ok := c.Locals("user").(string)
	if !ok || id == "" {
		return "", fiber.NewError(fiber.StatusUnauthorized, calling.Message(calling.ErrUnauthenticated))
	}
	return id, nil
}
