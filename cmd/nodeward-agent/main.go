// ABOUTME: Entry point for the nodeward endpoint agent.
// ABOUTME: Loads config, restores the agent identity and runs the connection loop.

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/nodeward/nodeward/internal/agent"
	"github.com/nodeward/nodeward/internal/autonomous"
	"github.com/nodeward/nodeward/internal/cipher"
	"github.com/nodeward/nodeward/internal/config"
)

var version = "dev"

// getConfigPath returns the path to the agent config file.
// Priority: NODEWARD_AGENT_CONFIG env var > /etc/nodeward/agent.yaml
func getConfigPath() string {
	if envPath := os.Getenv("NODEWARD_AGENT_CONFIG"); envPath != "" {
		return envPath
	}
	return "/etc/nodeward/agent.yaml"
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	configPath := getConfigPath()
	cfg, err := config.LoadAgent(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	agentID, err := loadOrCreateIdentity(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("restoring agent identity: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	username := "unknown"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}

	logger.Info("starting nodeward-agent",
		"version", version,
		"agent_id", agentID,
		"server", cfg.ServerURL,
		"config", configPath,
	)

	manager, err := autonomous.NewManager(cfg.StateDir,
		cfg.Connection.RetryBase, cfg.Connection.RetryCap, logger)
	if err != nil {
		return fmt.Errorf("creating autonomous manager: %w", err)
	}

	executor := agent.NewCommandExecutor(logger)

	conn, err := agent.NewConnectionManager(agent.Options{
		ServerURL:         cfg.ServerURL,
		AgentID:           agentID,
		Hostname:          hostname,
		Username:          username,
		Codec:             cipher.New(cfg.Crypto.SharedKey),
		Executor:          executor,
		Autonomous:        manager,
		Logger:            logger,
		HeartbeatInterval: cfg.Connection.HeartbeatInterval,
		ConnectTimeout:    cfg.Connection.ConnectTimeout,
		FailureStreak:     cfg.Autonomous.FailureStreak,
		CheckCooldown:     cfg.Autonomous.CheckCooldown,
		Thresholds: autonomous.Thresholds{
			CriticalScore: cfg.Autonomous.CriticalScore,
			DegradedScore: cfg.Autonomous.DegradedScore,
		},
	})
	if err != nil {
		return fmt.Errorf("creating connection manager: %w", err)
	}

	return conn.Run(ctx)
}

// loadOrCreateIdentity returns the persisted agent id, minting and
// storing one on first run. The id survives restarts so the server
// sees one stable identity per host.
func loadOrCreateIdentity(stateDir string) (string, error) {
	path := filepath.Join(stateDir, "agent_id")

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if strings.HasPrefix(id, "agent_") {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}

	raw := uuid.New()
	id := "agent_" + hex.EncodeToString(raw[:])[:12]
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", err
	}
	return id, nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
