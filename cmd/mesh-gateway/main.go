// ABOUTME: Entry point for the mesh-gateway server and its operator commands
// ABOUTME: Subcommands: serve, init, health, keygen, token, hosts

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/mesh-gateway/internal/config"
	"github.com/2389/mesh-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                     _                       _
 _ __ ___   ___  ___| |__         __ _  __ _| |_ _____      ____ _ _   _
| '_ ' _ \ / _ \/ __| '_ \ _____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| | | | | |  __/\__ \ | | |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|_| |_| |_|\___||___/_| |_|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                                 |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: MESH_CONFIG env var > XDG_CONFIG_HOME/mesh/gateway.yaml > ~/.config/mesh/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MESH_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "mesh", "gateway.yaml")
}

// getDataPath returns the path to the mesh data directory.
// Priority: XDG_DATA_HOME/mesh > ~/.local/share/mesh
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "mesh")
}

// loadConfig reads .env (if present) so ${VAR} references resolve, then the config file.
func loadConfig() (*config.Config, string, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, "", fmt.Errorf("loading .env: %w", err)
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func usage() {
	fmt.Println("Usage: mesh-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                  Start the gateway server")
	fmt.Println("  init                   Create a new config file interactively")
	fmt.Println("  health                 Check gateway health")
	fmt.Println("  keygen                 Print a random secret for keys.master_secret or mesh.shared_secret")
	fmt.Println("  token [--subject ID]   Print a mesh token signed with mesh.shared_secret")
	fmt.Println("  hosts                  List hosts known to the running gateway")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "keygen":
		err = runKeygen()
	case "token":
		err = runToken(os.Args[2:])
	case "hosts":
		err = runHosts(ctx)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Host:      %s (%s)\n", cfg.Host.URL, cfg.Host.Domain)
	green.Print("    ▶ ")
	fmt.Printf("Relay:     %s\n", cfg.Relay.Backend)

	if cfg.Mesh.SharedSecret == "" {
		yellow.Print("    ! ")
		fmt.Println("mesh.shared_secret not set, mesh routes are open")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting mesh-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"domain", cfg.Host.Domain,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}
