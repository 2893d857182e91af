package pkg

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/28Pollux28/kiln/internal/auth"
	"github.com/28Pollux28/kiln/internal/challenge"
	"github.com/28Pollux28/kiln/pkg/api"
	"github.com/28Pollux28/kiln/pkg/config"
	"github.com/28Pollux28/kiln/pkg/instance"
	"github.com/28Pollux28/kiln/pkg/models"
	"github.com/28Pollux28/kiln/pkg/utils"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// Server implements api.ServerInterface on top of the instance service.
type Server struct {
	svc      *instance.Service
	challIdx challenge.ChallengeIndexer
	confProv config.Provider
	wg       sync.WaitGroup
}

// ServerOpts holds the dependencies needed to construct a Server. All are mandatory.
type ServerOpts struct {
	Service          *instance.Service
	ChallengeIndexer challenge.ChallengeIndexer
	ConfigProvider   config.Provider
}

var _ api.ServerInterface = (*Server)(nil)

func NewServerWithOpts(opts ServerOpts) *Server {
	return &Server{
		svc:      opts.Service,
		challIdx: opts.ChallengeIndexer,
		confProv: opts.ConfigProvider,
	}
}

// StartBackground runs fn in a goroutine tracked by Wait. The caller cancels
// ctx when shutdown begins.
func (s *Server) StartBackground(ctx context.Context, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(ctx)
	}()
}

// Wait blocks until all background goroutines have completed.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func httpStatus(code instance.Code) int {
	switch code {
	case instance.CodeOK:
		return http.StatusOK
	case instance.CodeSyncFailed:
		return http.StatusAccepted
	case instance.CodeUnauthorized:
		return http.StatusUnauthorized
	case instance.CodeNotApplicable:
		return http.StatusUnprocessableEntity
	case instance.CodeNotFound:
		return http.StatusNotFound
	case instance.CodeRateLimited:
		return http.StatusTooManyRequests
	case instance.CodeExtensionRejected:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) toAPIInstance(inst *models.Instance) *api.Instance {
	if inst == nil {
		return nil
	}
	out := &api.Instance{
		ID:             inst.ID,
		UserID:         inst.UserID,
		ChallengeID:    inst.ChallengeID,
		Status:         inst.Status,
		ExpiresAt:      inst.ExpiresAt,
		ExtensionsLeft: inst.TimeExtensionLeft,
		CreatedAt:      inst.CreatedAt,
	}
	if ci := inst.Connection(); ci != nil {
		out.ConnectionInfo = &api.ConnectionInfo{SSHCommand: ci.SSHCommand, Password: ci.Password, HTTPURL: ci.HTTPURL}
	}
	if inst.Status == models.StatusRunning {
		out.ExtensionTime = utils.Ptr(utils.FormatDuration(s.confProv.GetConfig().Instancer.InstanceTTLExtension))
	}
	if inst.LastError != "" {
		out.LastError = utils.Ptr(utils.HTTP500Debug(inst.LastError))
	}
	return out
}

func (s *Server) writeResult(ctx echo.Context, res instance.Result) error {
	if res.Code == instance.CodeRateLimited {
		retry := int(math.Ceil(res.RetryAfter.Seconds()))
		if retry < 1 {
			retry = 1
		}
		ctx.Response().Header().Set("Retry-After", strconv.Itoa(retry))
	}
	return ctx.JSON(httpStatus(res.Code), api.InstanceResult{
		Success:  res.Success,
		Code:     string(res.Code),
		Message:  res.Message,
		Instance: s.toAPIInstance(res.Instance),
	})
}

func (s *Server) writeList(ctx echo.Context, res instance.ListResult) error {
	body := api.InstanceList{
		Success:   res.Success,
		Code:      string(res.Code),
		Message:   res.Message,
		Instances: make([]api.Instance, 0, len(res.Instances)),
	}
	for i := range res.Instances {
		body.Instances = append(body.Instances, *s.toAPIInstance(&res.Instances[i]))
	}
	return ctx.JSON(httpStatus(res.Code), body)
}

// workflowContext keeps state transitions running when the client goes away.
func workflowContext(ctx echo.Context) context.Context {
	return context.WithoutCancel(ctx.Request().Context())
}

func (s *Server) GetHealth(ctx echo.Context) error {
	return ctx.JSON(200, map[string]string{"status": "ok"})
}

func (s *Server) ProvisionInstance(ctx echo.Context) error {
	p := auth.PrincipalFrom(ctx)
	if !p.Authenticated() {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}

	var req api.ProvisionRequest
	if err := ctx.Bind(&req); err != nil || strings.TrimSpace(req.ChallengeID) == "" {
		invalidRequests.WithLabelValues("provision").Inc()
		return ctx.JSON(400, api.Error{Message: utils.Ptr("Invalid request")})
	}
	zap.S().Infof("Provision request received for challenge %s from user %s", req.ChallengeID, p.UserID)

	return s.writeResult(ctx, s.svc.Provision(workflowContext(ctx), p, req.ChallengeID))
}

func (s *Server) ListInstances(ctx echo.Context, params api.ListInstancesParams) error {
	p := auth.PrincipalFrom(ctx)
	return s.writeList(ctx, s.svc.List(ctx.Request().Context(), p, !params.All))
}

func (s *Server) GetInstance(ctx echo.Context, id string) error {
	p := auth.PrincipalFrom(ctx)
	zap.S().Debugf("Status request received for instance %s from user %s", id, p.UserID)
	return s.writeResult(ctx, s.svc.Get(ctx.Request().Context(), p, id))
}

func (s *Server) ExtendInstance(ctx echo.Context, id string) error {
	p := auth.PrincipalFrom(ctx)
	zap.S().Debugf("Extend request received for instance %s from user %s", id, p.UserID)
	return s.writeResult(ctx, s.svc.Extend(workflowContext(ctx), p, id))
}

func (s *Server) TerminateInstance(ctx echo.Context, id string) error {
	p := auth.PrincipalFrom(ctx)
	zap.S().Debugf("Terminate request received for instance %s from user %s", id, p.UserID)
	return s.writeResult(ctx, s.svc.Terminate(workflowContext(ctx), p, id))
}
