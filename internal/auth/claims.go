package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const RoleAdmin = "admin"

// Claims matches the JWT structure
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Principal is a verified caller identity. The zero value is unauthenticated.
type Principal struct {
	UserID string
	Role   string
}

func (p Principal) Authenticated() bool { return p.UserID != "" }

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

func (c *Claims) Principal() Principal {
	return Principal{UserID: c.UserID, Role: c.Role}
}

func GetClaims(ctx echo.Context) (*Claims, error) {
	token, ok := ctx.Get("user").(*jwt.Token)
	if !ok {
		return nil, fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid claims")
	}
	return claims, nil
}

// PrincipalFrom extracts the caller from the request. Requests without valid
// claims yield the zero Principal.
func PrincipalFrom(ctx echo.Context) Principal {
	claims, err := GetClaims(ctx)
	if err != nil {
		return Principal{}
	}
	return claims.Principal()
}
