package cmd

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/28Pollux28/kiln/pkg/config"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "kiln container instancer",
	Long:  "kiln provisions one container per user and challenge on demand, expires it after its lifetime and keeps the records in sync with the orchestrator.",
}

var cfgFile string

var (
	lastReload time.Time
	reloadMu   sync.Mutex
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "An error occurred: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	if cfgFile == "" {
		zap.S().Error("No config file specified")
		os.Exit(1)
		return
	}

	viper.SetConfigFile(cfgFile)
	viper.SetConfigType("yaml")
	config.SetDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		zap.S().Fatalf("Error reading config file: %v", err)
	}

	if err := config.Load(); err != nil {
		zap.S().Fatalf("Error loading config: %v", err)
	}

	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		handleConfigChange(e.Name)
	})
}

func handleConfigChange(filename string) {
	reloadMu.Lock()
	defer reloadMu.Unlock()

	if time.Since(lastReload) < 500*time.Millisecond {
		return // ignore duplicate events
	}
	lastReload = time.Now()
	zap.S().Infof("Config file %s changed", filename)

	if err := config.Reload(); err != nil {
		zap.S().Errorf("Error reloading config: %v", err)
		return
	}
	cfg := config.Get()
	if err := applyEnv(cfg); err != nil {
		zap.S().Errorf("Reloaded config is invalid: %v", err)
	}
	rebuildActiveIndex(cfg.Instancer.ChallengeDir)
	zap.S().Info("Config reloaded successfully")
}
