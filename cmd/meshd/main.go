// Command meshd runs the LLM orchestration mesh: the guarded LLM-to-LLM
// mesh, the command queue, the chain/cycle engine, and the JSON-RPC 2.0
// front-end, wired together as one process. Grounded on
// None9527-NGOClaw's gateway/cmd/cli/main.go for its cobra root+subcommand
// shape and signal-driven graceful shutdown, and on gomind's
// examples/orchestration-example/main.go for gin server setup.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ailinux/llmesh/internal/audit"
	"github.com/ailinux/llmesh/internal/chain"
	"github.com/ailinux/llmesh/internal/circuit"
	"github.com/ailinux/llmesh/internal/config"
	"github.com/ailinux/llmesh/internal/cycledetect"
	"github.com/ailinux/llmesh/internal/memory"
	"github.com/ailinux/llmesh/internal/mesh"
	"github.com/ailinux/llmesh/internal/meshlog"
	"github.com/ailinux/llmesh/internal/queue"
	"github.com/ailinux/llmesh/internal/ratelimit"
	"github.com/ailinux/llmesh/internal/rbac"
	"github.com/ailinux/llmesh/internal/rpc"
	"github.com/ailinux/llmesh/internal/telemetry"
	"github.com/ailinux/llmesh/internal/tools"
	"github.com/gin-gonic/gin"
	"github.com/mitchellh/mapstructure"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const appName = "meshd"

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "LLM orchestration mesh daemon",
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config.yaml")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "start the mesh HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configFile)
		},
	}

	configCmd := &cobra.Command{Use: "config", Short: "configuration utilities"}
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "load and validate configuration, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			fmt.Printf("configuration OK: listening on %s:%d\n", cfg.Server.Address, cfg.Server.Port)
			return nil
		},
	})

	queueCmd := &cobra.Command{Use: "queue", Short: "command queue utilities"}
	queueCmd.AddCommand(&cobra.Command{
		Use:   "inspect",
		Short: "print command queue stats from its persisted snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueInspect(configFile)
		},
	})

	rootCmd.AddCommand(serveCmd, configCmd, queueCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves configuration the way NGOClaw's gateway config.Load
// does: viper locates and merges a config file (falling back to process
// defaults when none is found) and environment variables with an MESH_
// prefix, then the result is decoded into config.Config using its yaml
// tags before running env-var overrides and validation a second time so
// plain environment variables still win over a stale config file.
func loadConfig(explicitPath string) (*config.Config, error) {
	cfg := config.DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MESH")
	v.AutomaticEnv()

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		v.SetConfigName("config")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".llmesh"))
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("meshd: read config: %w", err)
		}
	} else if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) { dc.TagName = "yaml" }); err != nil {
		return nil, fmt.Errorf("meshd: decode config: %w", err)
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("meshd: env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("meshd: %w", err)
	}
	return cfg, nil
}

func runQueueInspect(configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	logger := meshlog.NoOp()
	q, err := queue.New(queue.Config{
		MaxQueueSize: cfg.Queue.MaxQueueSize,
		SnapshotPath: cfg.Queue.SnapshotPath,
		RedisURL:     cfg.Queue.RedisURL,
	}, logger)
	if err != nil {
		return fmt.Errorf("meshd: open queue snapshot: %w", err)
	}
	stats, err := json.MarshalIndent(q.Stats(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(stats))
	return nil
}

func runServe(configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	logger := meshlog.New()
	logger.Info("starting meshd", map[string]interface{}{"address": cfg.Server.Address, "port": cfg.Server.Port})

	auditLog, err := audit.New(audit.Config{
		Dir:            cfg.Audit.Dir,
		RingSize:       cfg.Audit.RingSize,
		FlushThreshold: cfg.Audit.FlushThreshold,
	}, logger)
	if err != nil {
		return fmt.Errorf("meshd: init audit log: %w", err)
	}
	defer auditLog.Close()

	memStore, err := memory.New(memory.Config{Dir: cfg.Memory.Dir, MaxEntries: cfg.Memory.MaxEntries}, logger)
	if err != nil {
		return fmt.Errorf("meshd: init memory store: %w", err)
	}

	rbacSvc := rbac.New(cfg.RoleMap(), auditLog, logger)

	circuits := circuit.New(circuit.Config{
		FailureThreshold: cfg.Mesh.CircuitBreaker.FailureThreshold,
		RecoveryTimeout:  cfg.Mesh.CircuitBreaker.RecoveryTimeout,
		HalfOpenMaxCalls: cfg.Mesh.CircuitBreaker.HalfOpenMaxCalls,
	}, logger)

	cycles := cycledetect.New(cycledetect.Config{MaxDepth: cfg.Mesh.CycleDetect.MaxDepth}, logger)

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPM: cfg.Mesh.RateLimit.DefaultRPM,
		Overrides:  cfg.Mesh.RateLimit.Overrides,
	}, logger)

	anthropicT := mesh.NewAnthropicTransport(cfg.Anthropic.APIKey, logger)
	httpT := mesh.NewHTTPTransport(cfg.Anthropic.BaseURL, cfg.Anthropic.APIKey, logger)
	transport := mesh.NewRoutingTransport(anthropicT, httpT)

	m := mesh.New(transport, rbacSvc, circuits, cycles, limiter, auditLog, logger)

	cmdQueue, err := queue.New(queue.Config{
		MaxQueueSize: cfg.Queue.MaxQueueSize,
		SnapshotPath: cfg.Queue.SnapshotPath,
		RedisURL:     cfg.Queue.RedisURL,
	}, logger)
	if err != nil {
		return fmt.Errorf("meshd: init command queue: %w", err)
	}

	cycleEngine := chain.NewCycleEngine(m, chain.CycleConfig{
		DefaultLead:      cfg.Chain.DefaultLead,
		DefaultTimeout:   cfg.Chain.CycleTimeout,
		MaxParallelTasks: cfg.Chain.MaxParallelTasks,
	}, logger)
	chainEngine := chain.New(cycleEngine, chain.EngineConfig{
		WorkspaceBase: cfg.Chain.WorkspaceBase,
		DefaultLead:   cfg.Chain.DefaultLead,
		MaxCycles:     cfg.Chain.MaxCycles,
	}, logger)

	dispatcher := tools.New(rbacSvc, auditLog, logger)
	tools.RegisterDefaults(dispatcher, memStore, m, auditLog)

	telemetryProvider, err := telemetry.New(appName)
	if err != nil {
		return fmt.Errorf("meshd: init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetryProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	stopRoles := make(chan struct{})
	if err := config.WatchRoles(cfg, rbacSvc, logger, stopRoles); err != nil {
		logger.Warn("roles file watch disabled", map[string]interface{}{"error": err.Error()})
	}
	defer close(stopRoles)

	c := cron.New()
	if _, err := c.AddFunc("@every 10m", func() {
		n := memStore.CleanupExpired()
		logger.Info("memory cleanup", map[string]interface{}{"expired_removed": n})
	}); err != nil {
		return fmt.Errorf("meshd: schedule memory cleanup: %w", err)
	}
	if _, err := c.AddFunc("@every 1m", func() {
		if err := auditLog.Flush(); err != nil {
			logger.Warn("audit flush failed", map[string]interface{}{"error": err.Error()})
		}
	}); err != nil {
		return fmt.Errorf("meshd: schedule audit flush: %w", err)
	}
	c.Start()
	defer c.Stop()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.GET("/health", func(gc *gin.Context) {
		gc.JSON(200, gin.H{"status": "healthy", "service": appName})
	})

	rpcServer := rpc.New(dispatcher, logger).
		WithTelemetry(telemetryProvider).
		WithQueue(cmdQueue).
		WithChainEngine(chainEngine)
	rpcServer.RegisterRoutes(router)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", map[string]interface{}{"error": err.Error()})
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", map[string]interface{}{"signal": sig.String()})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", map[string]interface{}{"error": err.Error()})
		return err
	}
	logger.Info("meshd stopped", nil)
	return nil
}
