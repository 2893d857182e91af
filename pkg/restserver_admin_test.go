package pkg

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/28Pollux28/kiln/pkg/api"
	"github.com/28Pollux28/kiln/pkg/models"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminRoutes_RequireAdmin(t *testing.T) {
	srv := newTestServer(t, newMockIndexer(httpChallenge()))

	handlers := map[string]func(c echo.Context) error{
		"config-check": srv.ConfigCheck,
		"challenges":   srv.ListChallenges,
		"reload":       srv.ReloadChallenges,
		"instances": func(c echo.Context) error {
			return srv.ListAdminInstances(c, api.ListAdminInstancesParams{})
		},
		"terminate": func(c echo.Context) error {
			return srv.TerminateAdminInstance(c, "x")
		},
	}
	for name, h := range handlers {
		ctx, rec := echoCtxWithClaimsAndBody(http.MethodGet, "/admin", nil, "")
		require.NoError(t, h(ctx))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, name)

		ctx, rec = echoCtxWithClaimsAndBody(http.MethodGet, "/admin", userClaims("alice"), "")
		require.NoError(t, h(ctx))
		assert.Equal(t, http.StatusForbidden, rec.Code, name)
	}
	assert.Zero(t, srv.indexer.builds)
}

func TestConfigCheck_Admin(t *testing.T) {
	srv := newTestServer(t, newMockIndexer())

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodGet, "/admin/config-check", adminClaims(), "")
	require.NoError(t, srv.ConfigCheck(ctx))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListChallenges_OnlyContainerized(t *testing.T) {
	srv := newTestServer(t, newMockIndexer(httpChallenge(), staticChallenge()))

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodGet, "/admin/challenges", adminClaims(), "")
	require.NoError(t, srv.ListChallenges(ctx))
	assert.Equal(t, http.StatusOK, rec.Code)

	var challs []api.Challenge
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &challs))
	require.Len(t, challs, 1)
	assert.Equal(t, "web/http", challs[0].ID)
	assert.Equal(t, "nginx:latest", challs[0].Image)
}

func TestListAdminInstances_FilterByStatus(t *testing.T) {
	srv := newTestServer(t, newMockIndexer(httpChallenge()))
	_, alice := provision(t, srv, "alice", "web/http")
	provision(t, srv, "bob", "web/http")

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodDelete, "/admin/instances/"+alice.Instance.ID, adminClaims(), "")
	require.NoError(t, srv.TerminateAdminInstance(ctx, alice.Instance.ID))
	require.Equal(t, http.StatusOK, rec.Code)

	list := func(status string) []api.Instance {
		ctx, rec := echoCtxWithClaimsAndBody(http.MethodGet, "/admin/instances", adminClaims(), "")
		require.NoError(t, srv.ListAdminInstances(ctx, api.ListAdminInstancesParams{Status: status}))
		require.Equal(t, http.StatusOK, rec.Code)
		var body api.InstanceList
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return body.Instances
	}

	assert.Len(t, list(""), 2)
	running := list(models.StatusRunning)
	require.Len(t, running, 1)
	assert.Equal(t, "bob", running[0].UserID)
	stopped := list(models.StatusStopped)
	require.Len(t, stopped, 1)
	assert.Equal(t, alice.Instance.ID, stopped[0].ID)
}

func TestListAdminInstances_UnknownStatus(t *testing.T) {
	srv := newTestServer(t, newMockIndexer())

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodGet, "/admin/instances", adminClaims(), "")
	require.NoError(t, srv.ListAdminInstances(ctx, api.ListAdminInstancesParams{Status: "exploded"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTerminateAdminInstance(t *testing.T) {
	srv := newTestServer(t, newMockIndexer(httpChallenge()))
	_, created := provision(t, srv, "alice", "web/http")

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodDelete, "/admin/instances/"+created.Instance.ID, adminClaims(), "")
	require.NoError(t, srv.TerminateAdminInstance(ctx, created.Instance.ID))
	assert.Equal(t, http.StatusOK, rec.Code)
	res := decodeResult(t, rec)
	assert.Equal(t, models.StatusStopped, res.Instance.Status)

	// Terminating again is a no-op success.
	ctx, rec = echoCtxWithClaimsAndBody(http.MethodDelete, "/admin/instances/"+created.Instance.ID, adminClaims(), "")
	require.NoError(t, srv.TerminateAdminInstance(ctx, created.Instance.ID))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Instance already stopped", decodeResult(t, rec).Message)

	ctx, rec = echoCtxWithClaimsAndBody(http.MethodDelete, "/admin/instances/missing", adminClaims(), "")
	require.NoError(t, srv.TerminateAdminInstance(ctx, "missing"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReloadChallenges(t *testing.T) {
	srv := newTestServer(t, newMockIndexer(httpChallenge(), staticChallenge()))

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/admin/challenges/reload", adminClaims(), "")
	require.NoError(t, srv.ReloadChallenges(ctx))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, srv.indexer.builds)

	var body api.ReloadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.ChallengesCount)

	srv.indexer.buildErr = errors.New("broken challenge.yml")
	ctx, rec = echoCtxWithClaimsAndBody(http.MethodPost, "/admin/challenges/reload", adminClaims(), "")
	require.NoError(t, srv.ReloadChallenges(ctx))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
