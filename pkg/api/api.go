// Package api holds the HTTP wire types and route table of the kiln server.
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Error is the body of every non-result error response.
type Error struct {
	Message *string `json:"message,omitempty"`
}

// ProvisionRequest is the body of POST /instances.
type ProvisionRequest struct {
	ChallengeID string `json:"challenge_id"`
}

// ConnectionInfo tells a user how to reach a running instance.
type ConnectionInfo struct {
	SSHCommand string `json:"sshCommand"`
	Password   string `json:"password"`
	HTTPURL    string `json:"httpUrl"`
}

// Instance is the public view of an instance record.
type Instance struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	ChallengeID    string          `json:"challenge_id"`
	Status         string          `json:"status"`
	ConnectionInfo *ConnectionInfo `json:"connection_info,omitempty"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	ExtensionsLeft int             `json:"extensions_left"`
	ExtensionTime  *string         `json:"extension_time,omitempty"`
	LastError      *string         `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// InstanceResult is the body returned by every instance workflow route.
type InstanceResult struct {
	Success  bool      `json:"success"`
	Code     string    `json:"code"`
	Message  string    `json:"message,omitempty"`
	Instance *Instance `json:"instance,omitempty"`
}

// InstanceList is the body of instance listing routes.
type InstanceList struct {
	Success   bool       `json:"success"`
	Code      string     `json:"code"`
	Message   string     `json:"message,omitempty"`
	Instances []Instance `json:"instances"`
}

// Challenge is a containerized catalog entry as shown to admins.
type Challenge struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	Name     string `json:"name"`
	Image    string `json:"image,omitempty"`
	Playbook string `json:"playbook,omitempty"`
}

// ReloadResponse is the body of POST /admin/challenges/reload.
type ReloadResponse struct {
	Message         string `json:"message"`
	ChallengesCount int    `json:"challenges_count"`
}

// ListInstancesParams are the query parameters of GET /instances.
type ListInstancesParams struct {
	// All includes stopped and failed instances.
	All bool `query:"all"`
}

// ListAdminInstancesParams are the query parameters of GET /admin/instances.
type ListAdminInstancesParams struct {
	Status string `query:"status"`
}

// ServerInterface is implemented by the kiln HTTP server.
type ServerInterface interface {
	GetHealth(ctx echo.Context) error
	ProvisionInstance(ctx echo.Context) error
	ListInstances(ctx echo.Context, params ListInstancesParams) error
	GetInstance(ctx echo.Context, id string) error
	ExtendInstance(ctx echo.Context, id string) error
	TerminateInstance(ctx echo.Context, id string) error

	ConfigCheck(ctx echo.Context) error
	ListChallenges(ctx echo.Context) error
	ListAdminInstances(ctx echo.Context, params ListAdminInstancesParams) error
	TerminateAdminInstance(ctx echo.Context, id string) error
	ReloadChallenges(ctx echo.Context) error
}

// EchoRouter is satisfied by *echo.Echo and *echo.Group.
type EchoRouter interface {
	GET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	POST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	DELETE(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
}

// ServerInterfaceWrapper decodes path and query parameters before calling the handler.
type ServerInterfaceWrapper struct {
	Handler ServerInterface
}

func (w *ServerInterfaceWrapper) ListInstances(ctx echo.Context) error {
	var params ListInstancesParams
	if err := (&echo.DefaultBinder{}).BindQueryParams(ctx, &params); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid format for parameter all")
	}
	return w.Handler.ListInstances(ctx, params)
}

func (w *ServerInterfaceWrapper) ListAdminInstances(ctx echo.Context) error {
	var params ListAdminInstancesParams
	if err := (&echo.DefaultBinder{}).BindQueryParams(ctx, &params); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid format for parameter status")
	}
	return w.Handler.ListAdminInstances(ctx, params)
}

func (w *ServerInterfaceWrapper) withID(h func(echo.Context, string) error) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		id := ctx.Param("id")
		if id == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "Missing parameter id")
		}
		return h(ctx, id)
	}
}

// RegisterHandlers adds every kiln route to router.
func RegisterHandlers(router EchoRouter, si ServerInterface) {
	RegisterHandlersWithBaseURL(router, si, "")
}

func RegisterHandlersWithBaseURL(router EchoRouter, si ServerInterface, baseURL string) {
	w := ServerInterfaceWrapper{Handler: si}

	router.GET(baseURL+"/health", si.GetHealth)
	router.POST(baseURL+"/instances", si.ProvisionInstance)
	router.GET(baseURL+"/instances", w.ListInstances)
	router.GET(baseURL+"/instances/:id", w.withID(si.GetInstance))
	router.POST(baseURL+"/instances/:id/extend", w.withID(si.ExtendInstance))
	router.DELETE(baseURL+"/instances/:id", w.withID(si.TerminateInstance))

	router.GET(baseURL+"/admin/config-check", si.ConfigCheck)
	router.GET(baseURL+"/admin/challenges", si.ListChallenges)
	router.POST(baseURL+"/admin/challenges/reload", si.ReloadChallenges)
	router.GET(baseURL+"/admin/instances", w.ListAdminInstances)
	router.DELETE(baseURL+"/admin/instances/:id", w.withID(si.TerminateAdminInstance))
}
