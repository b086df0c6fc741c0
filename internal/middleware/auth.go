package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/sheetarchiver/api/internal/auth"
	"github.com/sheetarchiver/api/pkg/response"
)

// AuthMiddleware handles bearer token authentication
type AuthMiddleware struct {
	verifier auth.TokenVerifier
}

// NewAuthMiddleware accepts tokens signed with the shared API secret
func NewAuthMiddleware(jwtSecret string) *AuthMiddleware {
	if jwtSecret == "" {
		return &AuthMiddleware{}
	}
	return &AuthMiddleware{verifier: auth.NewHMACVerifier(jwtSecret)}
}

// NewVerifierAuthMiddleware accepts whatever tokens v accepts
func NewVerifierAuthMiddleware(v auth.TokenVerifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: v}
}

// Authenticate validates the JWT from the Authorization header
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return response.Unauthorized(c, "Missing authorization header")
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return response.Unauthorized(c, "Invalid authorization header format")
		}

		if m.verifier == nil {
			return response.Unauthorized(c, "Authentication not configured")
		}

		claims, err := m.verifier.Validate(parts[1])
		if err != nil {
			return response.Unauthorized(c, "Invalid or expired token")
		}

		c.Locals("userId", claims.UserID)
		c.Locals("email", claims.Email)
		c.Locals("claims", claims)

		return c.Next()
	}
}

// GatewayAuthMiddleware reads the caller identity from X-User-* headers set
// by an authenticating reverse proxy
func GatewayAuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get("X-User-Id")
		if userID == "" {
			return response.Unauthorized(c, "Missing user identity headers")
		}

		c.Locals("userId", userID)
		c.Locals("email", c.Get("X-User-Email"))

		return c.Next()
	}
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals("userId").(string); ok {
		return userID
	}
	return ""
}
