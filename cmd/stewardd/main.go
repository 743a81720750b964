// Package main is the entry point for the Steward daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/steward-dao/steward/internal/api"
	"github.com/steward-dao/steward/internal/collab"
	"github.com/steward-dao/steward/internal/core/orchestrator"
	"github.com/steward-dao/steward/internal/core/registry"
	"github.com/steward-dao/steward/internal/core/task"
	"github.com/steward-dao/steward/internal/core/workflow"
	"github.com/steward-dao/steward/internal/crypto"
	"github.com/steward-dao/steward/internal/store"
	"github.com/steward-dao/steward/pkg/types"
)

var (
	configPath  = flag.String("config", "", "Path to config file")
	initMode    = flag.Bool("init", false, "Initialize a new Steward instance")
	projectPath = flag.String("path", ".", "Project path for initialization")
	showVersion = flag.Bool("version", false, "Show version")
)

const version = "0.1.0"

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("stewardd version %s\n", version)
		os.Exit(0)
	}

	if *initMode {
		if err := initializeSteward(*projectPath); err != nil {
			fmt.Fprintf(os.Stderr, "Initialization failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Steward initialized successfully!")
		os.Exit(0)
	}

	config, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := run(config); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*types.Config, error) {
	// Use default config if no path specified
	if path == "" {
		// Try common paths
		candidates := []string{
			"steward.yaml",
			"steward.yml",
			".steward/config.yaml",
		}
		for _, c := range candidates {
			if _, err := os.Stat(c); err == nil {
				path = c
				break
			}
		}
	}

	// Return default config if no file found
	if path == "" {
		return types.DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	config := types.DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return config, nil
}

func run(config *types.Config) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)
	log.Info("starting steward daemon", "version", version)

	// Initialize crypto
	keyManager := crypto.NewKeyManager(config.Crypto.IdentityPath)
	if err := keyManager.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize crypto: %w", err)
	}
	log.Info("crypto initialized", "public_key", keyManager.PublicKeyHint())

	payloadService := crypto.NewPayloadService(keyManager)

	// Initialize entity store
	entityStore := store.NewStore(config.Store.Path, log)
	if err := entityStore.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer entityStore.Close()
	log.Info("entity store initialized", "path", entityStore.Path())

	agentStore := store.NewAgentStore(entityStore)
	taskStore := store.NewTaskStore(entityStore)
	auditStore := store.NewAuditStore(entityStore)

	// Initialize core components
	agentRegistry := registry.NewRegistry(agentStore, taskStore, auditStore, config.Orchestrator, log)
	taskManager := task.NewManager(entityStore, agentStore, taskStore, auditStore, config.Orchestrator, log)
	orchEngine := orchestrator.NewEngine(entityStore, agentStore, taskStore, auditStore, taskManager, config.Orchestrator, log)

	// Collaborator credentials and clients. A workflow step whose
	// collaborator is not configured fails soft rather than panicking.
	credentials := collab.NewCredentials(&config.Collaborators, payloadService)
	if providers := credentials.Providers(); len(providers) > 0 {
		log.Info("collaborator providers configured", "providers", providers)
	}
	collaborators := collab.NewSet(&config.Collaborators, credentials, log)

	runner := workflow.NewRunner(collaborators, taskManager, auditStore, log)

	// Initialize API router
	router := api.NewRouter(agentRegistry, taskManager, orchEngine, runner, auditStore)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router.Handler(),
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	log.Info("steward operator ready",
		"api", fmt.Sprintf("http://%s/api/v1", addr),
		"websocket", fmt.Sprintf("ws://%s/ws", addr))

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	log.Info("shutting down server")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("server stopped")
	return nil
}

func initializeSteward(projectPath string) error {
	absPath, err := filepath.Abs(projectPath)
	if err != nil {
		return err
	}

	// Create .steward directory
	stewardDir := filepath.Join(absPath, ".steward")
	if err := os.MkdirAll(stewardDir, 0755); err != nil {
		return fmt.Errorf("failed to create .steward directory: %w", err)
	}

	// Create default config
	config := types.DefaultConfig()
	config.Store.Path = filepath.Join(absPath, "steward.db")
	config.Crypto.IdentityPath = filepath.Join(stewardDir, "steward.key")

	configData, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	configPath := filepath.Join(absPath, "steward.yaml")
	if err := os.WriteFile(configPath, configData, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Printf("Created config: %s\n", configPath)

	// Initialize crypto
	keyManager := crypto.NewKeyManager(config.Crypto.IdentityPath)
	if err := keyManager.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize crypto: %w", err)
	}
	fmt.Printf("Created identity: %s\n", config.Crypto.IdentityPath)
	fmt.Printf("Public key: %s\n", keyManager.PublicKey())

	// Initialize entity store
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	entityStore := store.NewStore(config.Store.Path, log)
	if err := entityStore.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	entityStore.Close()
	fmt.Printf("Created entity store: %s\n", config.Store.Path)

	fmt.Println("\nSteward initialization complete!")
	fmt.Println("Run 'stewardd' to start the server.")

	return nil
}
