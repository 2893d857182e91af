package pkg

import (
	"fmt"

	"github.com/28Pollux28/kiln/internal/auth"
	"github.com/28Pollux28/kiln/pkg/api"
	"github.com/28Pollux28/kiln/pkg/models"
	"github.com/28Pollux28/kiln/pkg/utils"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// requireAdmin writes the 401/403 response and returns false when the caller
// is not an admin.
func requireAdmin(ctx echo.Context) (auth.Principal, bool, error) {
	p := auth.PrincipalFrom(ctx)
	if !p.Authenticated() {
		return p, false, ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}
	if !p.IsAdmin() {
		zap.S().Warnf("Forbidden admin request to %s from user %s", ctx.Path(), p.UserID)
		forbiddenAdminRequests.WithLabelValues(p.UserID).Inc()
		return p, false, ctx.JSON(403, api.Error{Message: utils.Ptr("Forbidden - Admin access required")})
	}
	return p, true, nil
}

func (s *Server) ConfigCheck(ctx echo.Context) error {
	if _, ok, err := requireAdmin(ctx); !ok {
		return err
	}
	return ctx.NoContent(200)
}

func (s *Server) ListChallenges(ctx echo.Context) error {
	if _, ok, err := requireAdmin(ctx); !ok {
		return err
	}
	zap.S().Debugf("Admin request for challenge list")

	challenges := s.challIdx.GetAllContainerized()
	resp := make([]api.Challenge, 0, len(challenges))
	for _, chall := range challenges {
		resp = append(resp, api.Challenge{
			ID:       chall.ID(),
			Category: chall.Category,
			Name:     chall.Name,
			Image:    chall.Instance.Image,
			Playbook: chall.Instance.Playbook,
		})
	}
	return ctx.JSON(200, resp)
}

func (s *Server) ListAdminInstances(ctx echo.Context, params api.ListAdminInstancesParams) error {
	if _, ok, err := requireAdmin(ctx); !ok {
		return err
	}
	switch params.Status {
	case "", models.StatusProvisioning, models.StatusRunning, models.StatusStopping, models.StatusStopped, models.StatusFailed:
	default:
		invalidRequests.WithLabelValues("admin_list").Inc()
		return ctx.JSON(400, api.Error{Message: utils.Ptr(fmt.Sprintf("Unknown status %q", params.Status))})
	}
	return s.writeList(ctx, s.svc.ListAll(ctx.Request().Context(), params.Status))
}

func (s *Server) TerminateAdminInstance(ctx echo.Context, id string) error {
	p, ok, err := requireAdmin(ctx)
	if !ok {
		return err
	}
	zap.S().Infof("Admin %s terminating instance %s", p.UserID, id)
	return s.writeResult(ctx, s.svc.TerminateAny(workflowContext(ctx), id))
}

func (s *Server) ReloadChallenges(ctx echo.Context) error {
	p, ok, err := requireAdmin(ctx)
	if !ok {
		return err
	}
	dir := s.confProv.GetConfig().Instancer.ChallengeDir
	zap.S().Infof("Admin %s reloading challenges from %s", p.UserID, dir)

	if err := s.challIdx.BuildIndex(dir); err != nil {
		zap.S().Errorf("Failed to reload challenges: %v", err)
		return ctx.JSON(500, api.Error{Message: utils.Ptr(utils.HTTP500Debug(fmt.Sprintf("Failed to reload challenges: %v", err)))})
	}
	n := len(s.challIdx.GetAll())
	return ctx.JSON(200, api.ReloadResponse{
		Message:         fmt.Sprintf("Indexed %d challenges", n),
		ChallengesCount: n,
	})
}
