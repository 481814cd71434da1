// ABOUTME: Entry point for the harbor-gateway authentication gateway
// ABOUTME: Subcommands to serve, bootstrap config, manage credentials and check health

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/harbor-gateway/internal/config"
	"github.com/2389/harbor-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _                _                                _
 | |__   __ _ _ __| |__   ___  _ __ __ _  __ _| |_ _____      ____ _ _   _
 | '_ \ / _' | '__| '_ \ / _ \| '__/ _' |/ _' | __/ _ \ \ /\ / / _' | | | |
 | | | | (_| | |  | |_) | (_) | | | (_| | (_| | ||  __/\ V  V / (_| | |_| |
 |_| |_|\__,_|_|  |_.__/ \___/|_|  \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                                   |___/                             |___/
`

// getDataPath returns the path to the harbor data directory.
// Priority: XDG_DATA_HOME/harbor > ~/.local/share/harbor
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "harbor")
}

func printUsage() {
	fmt.Println("Usage: harbor-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                  Start the gateway server")
	fmt.Println("  init                   Create a new config file interactively")
	fmt.Println("  health                 Check gateway health")
	fmt.Println("  ready                  Check gateway readiness")
	fmt.Println("  credential add         Create a client credential")
	fmt.Println("  credential disable     Disable a client credential")
	fmt.Println("  credential enable      Re-enable a client credential")
	fmt.Println("  credential list        List client credentials")
	fmt.Println("  token --client-id ID   Issue a bearer token for a stored credential")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  HARBOR_CONFIG          Config file path")
	fmt.Println("  HARBOR_DB_PATH         Override database.path")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Stdin)
	case "health":
		err = runHealthCheck(ctx, "/health")
	case "ready":
		err = runHealthCheck(ctx, "/health/ready")
	case "credential", "credentials":
		err = runCredential(ctx, os.Args[2:])
	case "token":
		err = runToken(ctx, os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
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
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Sessions:  %s (ttl %s)\n", cfg.Session.Backend, cfg.Session.TTL)
	green.Print("    ▶ ")
	fmt.Printf("Upstream:  ")
	if cfg.Upstream.GRPCAddr == "" && cfg.Upstream.RESTURL == "" && cfg.Upstream.StreamURL == "" {
		yellow.Println("none configured")
	} else {
		fmt.Println(strings.Join(nonEmpty(cfg.Upstream.GRPCAddr, cfg.Upstream.RESTURL, cfg.Upstream.StreamURL), ", "))
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting harbor-gateway",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// runHealthCheck requests a health endpoint of a running gateway.
func runHealthCheck(ctx context.Context, path string) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	color.Green("healthy: %s", strings.TrimSpace(string(body)))
	return nil
}

// generateSecret returns a random base64 signing secret of 48 bytes.
func generateSecret() (string, error) {
	secretBytes := make([]byte, 48)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(secretBytes), nil
}

// renderConfig produces a YAML config file from the answers of runInit.
func renderConfig(grpcAddr, httpAddr, dbPath, secret, redisURL, restURL, streamURL, upstreamGRPC string) string {
	var cfg strings.Builder
	cfg.WriteString("# harbor-gateway configuration\n")
	cfg.WriteString("# Generated by harbor-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  grpc_addr: %q\n", grpcAddr))
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n", secret))
	cfg.WriteString("  token_ttl: \"1h\"\n")
	cfg.WriteString("  lookup_timeout: \"1s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("session:\n")
	if redisURL != "" {
		cfg.WriteString("  backend: redis\n")
		cfg.WriteString(fmt.Sprintf("  redis_url: %q\n", redisURL))
	} else {
		cfg.WriteString("  backend: memory\n")
	}
	cfg.WriteString("  ttl: \"60s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("upstream:\n")
	cfg.WriteString(fmt.Sprintf("  grpc_addr: %q\n", upstreamGRPC))
	cfg.WriteString(fmt.Sprintf("  rest_url: %q\n", restURL))
	cfg.WriteString(fmt.Sprintf("  stream_url: %q\n", streamURL))
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString("  level: \"info\"\n")
	cfg.WriteString("  format: \"text\"\n")
	return cfg.String()
}

func runInit(in io.Reader) error {
	reader := bufio.NewReader(in)

	fmt.Println("harbor-gateway configuration setup")
	fmt.Println("==================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", config.DefaultPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	grpcAddr := prompt(reader, "gRPC address", "localhost:50051")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", filepath.Join(getDataPath(), "gateway.db"))

	fmt.Println("\n--- Sessions ---")
	redisURL := prompt(reader, "Redis URL (leave empty for in-memory sessions)", "")

	fmt.Println("\n--- Upstream ---")
	upstreamGRPC := prompt(reader, "Upstream gRPC address", "localhost:9090")
	restURL := prompt(reader, "Upstream REST URL", "http://localhost:8081")
	streamURL := prompt(reader, "Upstream stream URL", "ws://localhost:8082")

	secret, err := generateSecret()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	content := renderConfig(grpcAddr, httpAddr, dbPath, secret, redisURL, restURL, streamURL, upstreamGRPC)
	if err := os.WriteFile(outputFile, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("\n  ✓ Config written to %s\n", outputFile)
	fmt.Printf("  Data directory: %s\n", dataDir)
	fmt.Println("\nNext steps:")
	fmt.Println("  harbor-gateway credential add --client-id ID --secret S --company N --scope fishery-activity")
	fmt.Println("  harbor-gateway serve")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
