// ABOUTME: Operator subcommands that talk to a running gateway or write local files
// ABOUTME: init, health, keygen, token and hosts

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/mesh-gateway/internal/auth"
	"github.com/2389/mesh-gateway/internal/config"
	"github.com/2389/mesh-gateway/internal/mesh"
)

const secretBytes = 32

// baseURL turns a listen address into a URL the CLI can dial.
func baseURL(httpAddr string) string {
	if strings.HasPrefix(httpAddr, ":") {
		httpAddr = "localhost" + httpAddr
	}
	return "http://" + httpAddr
}

func generateSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func runKeygen() error {
	secret, err := generateSecret()
	if err != nil {
		return err
	}
	fmt.Println(secret)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	var body map[string]any
	if err := getJSON(ctx, baseURL(cfg.Server.HTTPAddr)+"/health", "", &body); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	fmt.Printf("healthy (host %v)\n", body["host_id"])
	return nil
}

// parseSubject reads "--subject ID" or "--subject=ID".
func parseSubject(args []string) (string, error) {
	var subject string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--subject" || arg == "-s":
			if i+1 >= len(args) {
				return "", fmt.Errorf("--subject requires a value")
			}
			subject = args[i+1]
			i++
		case strings.HasPrefix(arg, "--subject="):
			subject = strings.TrimPrefix(arg, "--subject=")
		case strings.HasPrefix(arg, "-"):
			return "", fmt.Errorf("unknown flag: %s", arg)
		default:
			return "", fmt.Errorf("unexpected argument: %s", arg)
		}
	}
	return strings.TrimSpace(subject), nil
}

func runToken(args []string) error {
	subject, err := parseSubject(args)
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Mesh.SharedSecret == "" {
		return fmt.Errorf("mesh.shared_secret is not configured")
	}
	if subject == "" {
		subject = cfg.Host.ID
	}
	if subject == "" {
		return fmt.Errorf("--subject is required when host.id is not configured")
	}

	token, err := auth.NewMeshTokens([]byte(cfg.Mesh.SharedSecret), 0).Issue(subject)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func runHosts(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	base := baseURL(cfg.Server.HTTPAddr)

	var token string
	if cfg.Mesh.SharedSecret != "" {
		// The gateway reports its own id, which is the natural token subject.
		var health map[string]any
		if err := getJSON(ctx, base+"/health", "", &health); err != nil {
			return fmt.Errorf("reading host id: %w", err)
		}
		hostID, _ := health["host_id"].(string)
		token, err = auth.NewMeshTokens([]byte(cfg.Mesh.SharedSecret), 0).Issue(hostID)
		if err != nil {
			return fmt.Errorf("issuing token: %w", err)
		}
	}

	var hosts mesh.HostsResponse
	if err := getJSON(ctx, base+"/api/mesh/hosts", token, &hosts); err != nil {
		return fmt.Errorf("listing hosts: %w", err)
	}

	printHosts(os.Stdout, hosts)
	return nil
}

func printHosts(out io.Writer, hosts mesh.HostsResponse) {
	cyan := color.New(color.FgCyan)
	cyan.Fprintf(out, "self: %s %s\n\n", hosts.Self.ID, hosts.Self.URL)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tURL\tTYPE\tHEALTHY\tSOURCE")
	for _, h := range hosts.Hosts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n", h.ID, h.Name, h.URL, h.Type, h.Healthy, h.SyncSource)
	}
	_ = w.Flush()
}

func getJSON(ctx context.Context, url, bearer string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// initAnswers collects what runInit asks for.
type initAnswers struct {
	HTTPAddr     string
	DBPath       string
	HostName     string
	HostURL      string
	Domain       string
	MasterSecret string
	HashPepper   string
	SharedSecret string
	Peers        []string
	Tailscale    bool
	TSHostname   string
	TSAuthKey    string
	TSEphemeral  bool
	TSFunnel     bool
	LogLevel     string
	LogFormat    string
}

func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# mesh-gateway configuration\n")
	cfg.WriteString("# Generated by mesh-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", a.HTTPAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", a.DBPath))
	cfg.WriteString("\n")

	cfg.WriteString("host:\n")
	cfg.WriteString(fmt.Sprintf("  name: %q\n", a.HostName))
	cfg.WriteString(fmt.Sprintf("  url: %q\n", a.HostURL))
	cfg.WriteString(fmt.Sprintf("  domain: %q\n", a.Domain))
	cfg.WriteString("\n")

	cfg.WriteString("keys:\n")
	cfg.WriteString(fmt.Sprintf("  master_secret: %q\n", a.MasterSecret))
	cfg.WriteString(fmt.Sprintf("  hash_pepper: %q\n", a.HashPepper))
	cfg.WriteString("\n")

	cfg.WriteString("relay:\n")
	cfg.WriteString("  backend: \"sqlite\"\n")
	cfg.WriteString("  max_pending_per_agent: 1000\n")
	cfg.WriteString("  message_ttl: \"168h\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("mesh:\n")
	cfg.WriteString(fmt.Sprintf("  shared_secret: %q\n", a.SharedSecret))
	if len(a.Peers) > 0 {
		cfg.WriteString("  peers:\n")
		for _, p := range a.Peers {
			cfg.WriteString(fmt.Sprintf("    - %q\n", p))
		}
	}
	cfg.WriteString("  sync_interval: \"5m\"\n")
	cfg.WriteString("  health_interval: \"1m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", a.Tailscale))
	if a.Tailscale {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", a.TSHostname))
		if a.TSAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: %q\n", a.TSAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", a.TSEphemeral))
		cfg.WriteString(fmt.Sprintf("  funnel: %t\n", a.TSFunnel))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", a.LogLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", a.LogFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	return cfg.String()
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("mesh-gateway configuration setup")
	fmt.Println("================================")
	fmt.Println()

	defaultDBPath := filepath.Join(getDataPath(), "gateway.db")

	outputFile := prompt(reader, "Config file path", getConfigPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !isYes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	var a initAnswers

	fmt.Println("\n--- Server Configuration ---")
	a.HTTPAddr = prompt(reader, "HTTP address", "localhost:8080")
	a.DBPath = prompt(reader, "SQLite database path", defaultDBPath)

	fmt.Println("\n--- Host Identity ---")
	a.HostName = prompt(reader, "Host name", "mesh-gateway")
	a.HostURL = prompt(reader, "Public URL of this host", "http://"+a.HTTPAddr)
	a.Domain = prompt(reader, "Address domain (agent@domain)", "localhost")

	fmt.Println("\n--- Secrets ---")
	var err error
	if a.MasterSecret, err = generateSecret(); err != nil {
		return err
	}
	if a.HashPepper, err = generateSecret(); err != nil {
		return err
	}
	if isYes(prompt(reader, "Protect mesh routes with a shared secret?", "yes")) {
		if a.SharedSecret, err = generateSecret(); err != nil {
			return err
		}
		fmt.Println("  Copy mesh.shared_secret to every peer gateway.")
	}

	fmt.Println("\n--- Mesh ---")
	if peers := prompt(reader, "Bootstrap peer URLs (comma separated)", ""); peers != "" {
		for _, p := range strings.Split(peers, ",") {
			if p = strings.TrimSpace(p); p != "" {
				a.Peers = append(a.Peers, p)
			}
		}
	}

	fmt.Println("\n--- Tailscale Configuration ---")
	a.Tailscale = isYes(prompt(reader, "Enable Tailscale?", "no"))
	if a.Tailscale {
		a.TSHostname = prompt(reader, "Tailscale hostname", "mesh-gateway")
		a.TSAuthKey = prompt(reader, "Tailscale auth key (leave empty for interactive)", "")
		a.TSEphemeral = isYes(prompt(reader, "Ephemeral node?", "no"))
		a.TSFunnel = isYes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	a.LogLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, "Log format (text/json)", "text")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// secrets live in this file
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(a.DBPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	// Catch typos before the first serve.
	if _, err := config.Load(outputFile); err != nil {
		return fmt.Errorf("generated config does not load: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  mesh-gateway serve\n")

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
