package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/mantonx/imgvault/internal/config"
	"github.com/mantonx/imgvault/internal/logger"
	"github.com/mantonx/imgvault/internal/modules/host"
)

const defaultConfigPath = "./imgvault.yaml"

type globalFlags struct {
	configPath string
	logLevel   string
	modulesDir string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "imgvault",
		Short:         "Image upload server with a pluggable processing pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (default ./imgvault.yaml, or IMGVAULT_CONFIG_PATH)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override the configured log level")
	root.PersistentFlags().StringVar(&flags.modulesDir, "modules-dir", "", "override the configured modules directory")

	root.AddCommand(
		newServeCmd(flags),
		newModulesCmd(flags),
		newProcessCmd(flags),
	)
	return root
}

// loadConfig resolves the config path the same way for every command:
// flag, then environment, then the default file when it exists.
func (f *globalFlags) loadConfig() (*config.Config, error) {
	path := f.configPath
	if path == "" {
		path = os.Getenv("IMGVAULT_CONFIG_PATH")
	}
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		}
	}

	cm := config.NewConfigManager()
	if err := cm.LoadConfig(path); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg := cm.GetConfig()
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.modulesDir != "" {
		cfg.Modules.Dir = f.modulesDir
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (hclog.Logger, error) {
	log, err := logger.New(logger.Options{
		Name:   "imgvault",
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		File:   cfg.Logging.FilePath,
		Color:  cfg.Logging.EnableColors,
	})
	if err != nil {
		return nil, err
	}
	logger.SetDefault(log)
	return log, nil
}

// withRuntime runs fn against a runtime without the watcher and closes it
// afterwards.
func (f *globalFlags) withRuntime(ctx context.Context, fn func(*host.Runtime) error) error {
	cfg, err := f.loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	rt, err := host.NewRuntime(ctx, cfg, log, host.RuntimeOptions{Persistence: true})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			log.Warn("runtime shutdown error", "error", err)
		}
	}()
	return fn(rt)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
