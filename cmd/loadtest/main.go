package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/28Pollux28/kiln/internal/loadtest"
)

func main() {
	var cfg loadtest.Config

	flag.StringVar(&cfg.BaseURL, "base-url", "http://localhost:8080", "kiln base URL")
	flag.StringVar(&cfg.JWTSecret, "jwt-secret", os.Getenv("JWT_SECRET"), "JWT secret (defaults to JWT_SECRET env var)")
	flag.StringVar(&cfg.ChallengeID, "challenge", "web/http", "Challenge id (category/name)")
	flag.StringVar(&cfg.Role, "role", "user", "JWT role claim")
	flag.IntVar(&cfg.Users, "users", 500, "Number of users to simulate")
	flag.IntVar(&cfg.Concurrency, "concurrency", 100, "Number of concurrent workers")
	flag.StringVar(&cfg.UserPrefix, "user-prefix", "user-", "User ID prefix")
	flag.IntVar(&cfg.UserStart, "user-start", 1, "First user number")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", 20*time.Second, "HTTP request timeout")
	flag.DurationVar(&cfg.PhasePause, "pause", 10*time.Second, "Pause between phases")
	flag.BoolVar(&cfg.InsecureTLS, "insecure", false, "Skip TLS verification")
	flag.StringVar(&cfg.PhasesCSV, "phases", "provision,status,terminate", "Comma-separated phases: provision,status,terminate")

	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := loadtest.Run(ctx, cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "loadtest error: %v\n", err)
		os.Exit(1)
	}
}
