package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrincipalFrom(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	p := PrincipalFrom(c)
	assert.False(t, p.Authenticated())

	c.Set("user", jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{UserID: "alice", Role: RoleAdmin}))
	p = PrincipalFrom(c)
	assert.True(t, p.Authenticated())
	assert.True(t, p.IsAdmin())
	assert.Equal(t, "alice", p.UserID)

	claims, err := GetClaims(c)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
}

func TestGetClaims_WrongClaimsType(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.Set("user", jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": "alice"}))

	_, err := GetClaims(c)
	assert.Error(t, err)
	assert.False(t, PrincipalFrom(c).Authenticated())
}
