package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"sudooom.im.sync/internal/config"
	"sudooom.im.sync/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "syncd",
	Short:         "Real-time message transport and multi-device sync node",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "Path to the YAML config file (empty = defaults + SYNC_* env)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig 读取配置并创建日志器
func loadConfig() (*config.Config, *slog.Logger, func() error, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, flush := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Name:   cfg.App.Name,
	})
	slog.SetDefault(logger)
	return cfg, logger, flush, nil
}
