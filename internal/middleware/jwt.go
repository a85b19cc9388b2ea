package middleware

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/ridepay/internal/auth"
)

// AccountIDLocal is the fiber.Ctx local holding the authenticated account id.
const AccountIDLocal = "account_id"

// JWTAuth returns a middleware that validates bearer access tokens and stores
// the subject as the request's account id.
func JWTAuth(tokens *auth.Tokens) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authz := c.Get(fiber.HeaderAuthorization)
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
		}
		tokenStr := strings.TrimSpace(authz[len("Bearer "):])
		claims, err := tokens.Parse(tokenStr)
		if err != nil {
			return fiber.NewError(http.StatusUnauthorized, "invalid token")
		}

		c.Locals(AccountIDLocal, claims.AccountID)
		c.Locals("role", claims.Role)
		return c.Next()
	}
}
