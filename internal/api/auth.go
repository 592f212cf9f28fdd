package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// Role defines the access level for an API key.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleReadOnly Role = "readonly"
)

var roleLevel = map[Role]int{
	RoleReadOnly: 1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := roleLevel[r]; !ok {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Mode   string          // "api-key" or "none"
	APIKey string          // grants admin
	Keys   map[string]Role // additional keys with their role
}

type credential struct {
	key  []byte
	role Role
	id   string // key fingerprint safe to log
}

func isProbe(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics"
}

func fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:4])
}

// NewAuthMiddleware returns a Fiber middleware that authenticates Bearer API keys
// and stores the caller's role and key fingerprint in the request locals.
func NewAuthMiddleware(cfg AuthConfig, logger zerolog.Logger) fiber.Handler {
	var creds []credential
	if cfg.APIKey != "" {
		creds = append(creds, credential{key: []byte(cfg.APIKey), role: RoleAdmin, id: fingerprint(cfg.APIKey)})
	}
	for k, role := range cfg.Keys {
		creds = append(creds, credential{key: []byte(k), role: role, id: fingerprint(k)})
	}

	return func(c *fiber.Ctx) error {
		if cfg.Mode == "none" {
			c.Locals("role", RoleAdmin)
			return c.Next()
		}
		if isProbe(c.Path()) {
			return c.Next()
		}

		header := c.Get(fiber.HeaderAuthorization)
		if header == "" {
			return problemResponse(c, fiber.StatusUnauthorized,
				"missing_auth", "Unauthorized",
				"Authorization header is required")
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return problemResponse(c, fiber.StatusUnauthorized,
				"invalid_auth_scheme", "Unauthorized",
				"Authorization header must use Bearer scheme")
		}

		for _, cred := range creds {
			if subtle.ConstantTimeCompare([]byte(token), cred.key) == 1 {
				c.Locals("role", cred.role)
				c.Locals("caller", cred.id)
				return c.Next()
			}
		}

		logger.Warn().
			Str("path", c.Path()).
			Str("method", c.Method()).
			Str("caller", fingerprint(token)).
			Msg("rejected request with unknown API key")

		return problemResponse(c, fiber.StatusUnauthorized,
			"invalid_api_key", "Unauthorized",
			"Invalid API key")
	}
}

// requireRole rejects callers below minRole.
func requireRole(minRole Role) fiber.Handler {
	return func(c *fiber.Ctx) error {
		role, _ := c.Locals("role").(Role)
		if roleLevel[role] < roleLevel[minRole] {
			return problemResponse(c, fiber.StatusForbidden,
				"insufficient_role", "Forbidden",
				fmt.Sprintf("%s role required", minRole))
		}
		return c.Next()
	}
}
