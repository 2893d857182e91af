package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/28Pollux28/kiln/internal/auth"
	server "github.com/28Pollux28/kiln/pkg"
	"github.com/28Pollux28/kiln/pkg/api"
	"github.com/28Pollux28/kiln/pkg/config"
	"github.com/28Pollux28/kiln/pkg/logger"
	"github.com/28Pollux28/kiln/pkg/metrics"
	"github.com/28Pollux28/kiln/pkg/ratelimit"
	"github.com/28Pollux28/kiln/pkg/scheduler"
	"github.com/28Pollux28/kiln/pkg/worker"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo-contrib/echoprometheus"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve [port]",
	Short: "Start the kiln server",
	Long:  "Starts the kiln HTTP API together with the expiry scheduler, the reconciler and, when Redis is configured, the job workers.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		portStr := args[0]
		if !validatePort(portStr) {
			fmt.Fprintf(os.Stderr, "Invalid port: %s\n", portStr)
			os.Exit(1)
		}

		cfg := config.Get()
		a, err := newApp(cfg)
		if err != nil {
			zap.S().Fatalf("Failed to initialise: %v", err)
		}
		defer a.Close()

		e := echo.New()
		e.HideBanner = true
		e.HidePort = true

		skipper := func(c echo.Context) bool {
			return c.Request().URL.Path == "/health"
		}
		e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			LogStatus:   true,
			LogMethod:   true,
			LogRemoteIP: true,
			LogURI:      true,
			Skipper:     skipper,
			LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
				zap.S().Infof("| %v | %v | %v | %v", v.RemoteIP, v.Method, v.URI, v.Status)
				return nil
			},
		}))
		e.Use(middleware.CORS())

		e.Use(echoprometheus.NewMiddleware("kiln"))
		e.GET("/metrics", echoprometheus.NewHandler())
		prometheus.MustRegister(metrics.NewInstanceCollector(a.db))
		if a.queue != nil {
			prometheus.MustRegister(metrics.NewQueueCollector(a.queue))
		}

		jwtConfig := echojwt.Config{
			NewClaimsFunc: func(c echo.Context) jwt.Claims {
				return new(auth.Claims)
			},
			SigningKey: []byte(cfg.Auth.JWTSecret),
			Skipper: func(c echo.Context) bool {
				return c.Path() == "/health" || c.Path() == "/metrics"
			},
			ErrorHandler: server.AuthErrorHandler(a.limiter),
		}
		e.Use(echojwt.WithConfig(jwtConfig))
		e.Use(ratelimit.Middleware(a.limiter, ratelimit.Relaxed, server.ReadRateLimitKey))

		srv := server.NewServerWithOpts(server.ServerOpts{
			Service:          a.svc,
			ChallengeIndexer: a.challIdx,
			ConfigProvider:   config.GlobalProvider{},
		})
		api.RegisterHandlers(e, srv)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		target := a.jobTarget()
		sched := scheduler.NewExpiryScheduler(a.db, target, 0, logger.Component("scheduler"))
		a.svc.SetExpiryNotifier(sched)
		srv.StartBackground(ctx, sched.Start)

		reconciler := scheduler.NewReconciler(a.db, target, config.GlobalProvider{}, logger.Component("reconciler"))
		srv.StartBackground(ctx, reconciler.Start)

		if a.queue != nil {
			pool := worker.NewPool(worker.PoolConfig{
				NumWorkers: cfg.Instancer.NumWorkers,
				Queue:      a.queue,
				Handler:    a.svc,
				Logger:     logger.Component("worker"),
			})
			srv.StartBackground(ctx, func(ctx context.Context) {
				pool.Start(ctx)
				<-ctx.Done()
				pool.Stop()
			})
		}

		go func() {
			zap.S().Infof("Starting server on port %s", portStr)
			if err := e.Start(":" + portStr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zap.S().Fatalf("shutting down the server: %v", err)
			}
		}()
		// Wait for interrupt signal to gracefully shut down the server
		<-ctx.Done()
		zap.S().Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			zap.S().Errorf("Failed to shutdown server: %v", err)
		}
		if err := srv.Wait(shutdownCtx); err != nil {
			zap.S().Errorf("Failed to wait for background work: %v", err)
		}
	},
}

func validatePort(port string) bool {
	if port == "" {
		return false
	}
	portInt, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	if portInt < 1 || portInt > 65535 {
		return false
	}
	return true
}
