package main

import (
	"os"

	"github.com/28Pollux28/kiln/cmd"
	"github.com/28Pollux28/kiln/pkg/logger"
	"github.com/28Pollux28/kiln/pkg/utils"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// A .env next to the binary may carry JWT_SECRET, ANSIBLE_PATH and DEVELOPMENT.
	_ = godotenv.Load()

	dev := os.Getenv("DEVELOPMENT")
	utils.IsDevelopment = dev == "true"
	if dev == "true" {
		logger.Init(true)
	} else {
		logger.Init(false)
	}
	defer zap.L().Sync()
	cmd.Execute()
}
