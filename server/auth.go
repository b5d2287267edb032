package server

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/xhad/formulary/internal/models"
)

const (
	identityKey = "identity"
	devKey      = "dev_identity"
)

// Claims are the bearer token claims issued by the hospital backend.
type Claims struct {
	jwt.RegisteredClaims
	Role       string `json:"role"`
	HospitalID string `json:"hospital_id"`
}

type AuthConfig struct {
	Secret []byte
	Issuer string
	// Dev lets requests without a token through as a development user that
	// passes every role check. A token, when present, is still verified.
	Dev bool
}

// devIdentity is used for unauthenticated requests in development.
var devIdentity = models.Identity{Subject: "dev-user", Role: models.RoleSuperAdmin}

// Authenticate verifies the HS256 bearer token and stores the caller
// identity on the context. WebSocket clients may pass the token in the
// "token" query parameter instead of the Authorization header.
func Authenticate(cfg AuthConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tokenStr, err := bearerToken(c)
			if err != nil {
				return err
			}
			if tokenStr == "" {
				if cfg.Dev {
					c.Set(identityKey, devIdentity)
					c.Set(devKey, true)
					return next(c)
				}
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
				return cfg.Secret, nil
			}, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if claims.Subject == "" || claims.Role == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token has no subject or role")
			}

			c.Set(identityKey, models.Identity{
				Subject:    claims.Subject,
				Role:       models.Role(claims.Role),
				HospitalID: claims.HospitalID,
			})
			return next(c)
		}
	}
}

func bearerToken(c echo.Context) (string, error) {
	header := c.Request().Header.Get("Authorization")
	if header == "" {
		return c.QueryParam("token"), nil
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}
	return strings.TrimSpace(parts[1]), nil
}

// RequireRole admits callers whose role is exactly one of roles.
func RequireRole(roles ...models.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if dev, _ := c.Get(devKey).(bool); dev {
				return next(c)
			}
			id, ok := identityFrom(c)
			if ok {
				for _, r := range roles {
					if id.Role == r {
						return next(c)
					}
				}
			}
			names := make([]string, len(roles))
			for i, r := range roles {
				names[i] = string(r)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				"insufficient permissions, required role: "+strings.Join(names, " or "))
		}
	}
}

func identityFrom(c echo.Context) (models.Identity, bool) {
	id, ok := c.Get(identityKey).(models.Identity)
	return id, ok
}
