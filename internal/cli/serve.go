package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/taskdeck/taskdeck/internal/agent"
	"github.com/taskdeck/taskdeck/internal/config"
	"github.com/taskdeck/taskdeck/internal/execlog"
	"github.com/taskdeck/taskdeck/internal/orchestrator"
	"github.com/taskdeck/taskdeck/internal/server"
	"github.com/taskdeck/taskdeck/internal/task"
	"github.com/taskdeck/taskdeck/internal/worktree"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the board server and execution engine",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, cfgPath, err := resolveConfig(configPath, bootLogger)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	logger.Info("loaded configuration", "path", cfgPath)

	// Paths in the config resolve relative to the config file location.
	dbPath := resolvePath(cfgPath, cfg.DatabasePath)
	baseRepo := ""
	if cfg.BaseRepo != "" {
		baseRepo = resolvePath(cfgPath, cfg.BaseRepo)
	}

	tasks, err := task.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open task database: %w", err)
	}
	defer tasks.Close()

	logStore, err := execlog.OpenDB(tasks.DB())
	if err != nil {
		return fmt.Errorf("failed to open execution log: %w", err)
	}

	worktrees := worktree.NewManager(logger)
	runner := agent.NewCLIRunner(cfg.Agent.Binary, cfg.Agent.ExtraArgs, logger)

	orch := orchestrator.New(tasks, logStore, worktrees, runner, orchestrator.Config{
		BaseRepo:         baseRepo,
		TextFlushBytes:   cfg.Stream.TextFlushBytes,
		ResultLimitBytes: cfg.Stream.ResultLimitBytes,
	}, logger)

	srv := server.New(tasks, logStore, orch, worktrees, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if baseRepo != "" {
		logger.Info("worktree isolation enabled", "base_repo", baseRepo)
	} else {
		logger.Warn("no base_repo configured; executions run without worktree isolation")
	}

	return srv.Run(ctx, cfg.ListenAddr)
}

const configFileName = "taskdeck.json"

// resolveConfig decides which taskdeck.json governs this run. An explicit
// --config path is loaded as-is and never falls back. Otherwise the
// nearest config on the walk from the working directory to the filesystem
// root wins; when the walk comes up empty, a default is written where the
// server was started so the next run finds it.
func resolveConfig(explicit string, logger *slog.Logger) (*config.Config, string, error) {
	if explicit != "" {
		cfg, err := config.LoadFromFile(explicit)
		if err != nil {
			return nil, "", fmt.Errorf("load config %s: %w", explicit, err)
		}
		return cfg, explicit, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, "", err
	}

	if found := nearestConfig(cwd); found != "" {
		cfg, err := config.LoadFromFile(found)
		if err != nil {
			return nil, "", fmt.Errorf("load config %s: %w", found, err)
		}
		return cfg, found, nil
	}

	path := filepath.Join(cwd, configFileName)
	logger.Info("no config found, writing default", "path", path)

	cfg := config.GenerateDefault()
	if err := cfg.SaveToFile(path); err != nil {
		return nil, "", fmt.Errorf("write default config: %w", err)
	}
	return cfg, path, nil
}

// nearestConfig returns the closest taskdeck.json at or above dir, or ""
// when the walk reaches the root without a hit.
func nearestConfig(dir string) string {
	for {
		candidate := filepath.Join(dir, configFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func resolvePath(cfgPath, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(filepath.Dir(cfgPath), path)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
