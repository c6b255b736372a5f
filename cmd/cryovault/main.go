// ABOUTME: Entry point for the cryovault console server
// ABOUTME: Serves the donor registry API with passkey step-up for sensitive operations

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/helixbio/cryovault/internal/api"
	"github.com/helixbio/cryovault/internal/auth"
	"github.com/helixbio/cryovault/internal/config"
	"github.com/helixbio/cryovault/internal/stepup"
	"github.com/helixbio/cryovault/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                         _ _
  ___ _ __ _   _  _____   ____ _ _   _| | |_
 / __| '__| | | |/ _ \ \ / / _' | | | | | __|
| (__| |  | |_| | (_) \ V / (_| | |_| | | |_
 \___|_|   \__, |\___/ \_/ \__,_|\__,_|_|\__|
           |___/
`

// getConfigPath returns the path to the config file.
// Priority: CRYOVAULT_CONFIG env var > XDG_CONFIG_HOME/cryovault/cryovault.yaml > ~/.config/cryovault/cryovault.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CRYOVAULT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "cryovault.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "cryovault", "cryovault.yaml")
}

// getDataPath returns the path to the data directory.
// Priority: XDG_DATA_HOME/cryovault > ~/.local/share/cryovault
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "cryovault")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: cryovault <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                      Start the console server")
		fmt.Println("  init                       Create a new config file interactively")
		fmt.Println("  bootstrap --username NAME  Create config and initial admin account")
		fmt.Println("  users                      List staff accounts")
		fmt.Println("  health                     Check server health")
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
	case "bootstrap":
		err = runBootstrap(ctx)
	case "users":
		err = runUsers(ctx)
	case "health":
		err = runHealth(ctx)
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
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("RP ID:    %s\n", cfg.WebAuthn.RPID)
	green.Print("    ▶ ")
	fmt.Printf("Origin:   %s\n", cfg.WebAuthn.Origin)
	fmt.Println()

	logger.Info("starting cryovault",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"rp_id", cfg.WebAuthn.RPID,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	sv, err := stepup.New(stepup.Config{
		RPID:         cfg.WebAuthn.RPID,
		RPName:       cfg.WebAuthn.RPName,
		Origin:       cfg.WebAuthn.Origin,
		ChallengeTTL: cfg.WebAuthn.ChallengeTTL,
	}, st)
	if err != nil {
		return fmt.Errorf("creating step-up service: %w", err)
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	server := api.New(st, sv, verifier, cfg.Auth.SessionTTL)

	httpServer := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      server.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	// Handler-level attrs first (from WithAttrs), then record attrs.
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// runBootstrap performs first-time setup:
// 1. Creates config file with a random JWT secret (if not exists)
// 2. Creates the database and initial admin account
// 3. Prints a generated password for the admin, shown exactly once
func runBootstrap(ctx context.Context) error {
	var username, displayName string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--username" || arg == "-u":
			if i+1 >= len(args) {
				return fmt.Errorf("--username requires a value")
			}
			username = args[i+1]
			i++
		case strings.HasPrefix(arg, "--username="):
			username = strings.TrimPrefix(arg, "--username=")
		case arg == "--name" || arg == "-n":
			if i+1 >= len(args) {
				return fmt.Errorf("--name requires a value")
			}
			displayName = args[i+1]
			i++
		case strings.HasPrefix(arg, "--name="):
			displayName = strings.TrimPrefix(arg, "--name=")
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("--username flag is required")
	}
	if len(username) > 100 {
		return fmt.Errorf("username exceeds maximum length of 100 characters")
	}
	if displayName == "" {
		displayName = username
	}

	configPath := getConfigPath()
	dataPath := getDataPath()
	dbPath := filepath.Join(dataPath, "cryovault.db")

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	var cfg *config.Config

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

		if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
		if err := os.MkdirAll(dataPath, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}

		configContent := fmt.Sprintf(`# cryovault configuration
# Generated by cryovault bootstrap

server:
  http_addr: "localhost:8443"

database:
  path: "%s"

auth:
  jwt_secret: "%s"
  session_ttl: "12h"

webauthn:
  rp_id: "localhost"
  rp_name: "CryoVault"
  origin: "http://localhost:8443"
  challenge_ttl: "5m"

logging:
  level: "info"
  format: "text"
`, dbPath, jwtSecret)

		if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}

		green.Printf("  ✓ Created config: %s\n", configPath)

		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	} else {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cyan.Printf("  Using existing config: %s\n", configPath)
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	green.Printf("  ✓ Database: %s\n", cfg.Database.Path)

	count, err := st.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("counting users: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("already bootstrapped: %d account(s) exist", count)
	}

	passwordBytes := make([]byte, 16)
	if _, err := rand.Read(passwordBytes); err != nil {
		return fmt.Errorf("generating password: %w", err)
	}
	password := base64.RawURLEncoding.EncodeToString(passwordBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	user := &store.User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: string(hash),
		DisplayName:  displayName,
		Role:         store.RoleAdmin,
	}
	if err := st.CreateUser(ctx, user); err != nil {
		return fmt.Errorf("creating admin account: %w", err)
	}

	green.Printf("  ✓ Created admin account: %s\n", username)
	fmt.Println()
	yellow.Println("  Initial password (shown once, change it after first login):")
	fmt.Printf("    %s\n\n", password)
	fmt.Println("  Next: cryovault serve, then log in and register a passkey.")

	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("cryovault configuration setup")
	fmt.Println("=============================")
	fmt.Println()

	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	prompt := func(label, fallback string) (string, error) {
		fmt.Printf("%s [%s]: ", label, fallback)
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			return fallback, nil
		}
		return line, nil
	}

	httpAddr, err := prompt("HTTP listen address", "localhost:8443")
	if err != nil {
		return err
	}
	dbPath, err := prompt("Database path", filepath.Join(getDataPath(), "cryovault.db"))
	if err != nil {
		return err
	}
	rpID, err := prompt("WebAuthn relying party ID", "localhost")
	if err != nil {
		return err
	}
	origin, err := prompt("Browser origin", "http://"+httpAddr)
	if err != nil {
		return err
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configContent := fmt.Sprintf(`# cryovault configuration

server:
  http_addr: "%s"

database:
  path: "%s"

auth:
  jwt_secret: "%s"
  session_ttl: "12h"

webauthn:
  rp_id: "%s"
  rp_name: "CryoVault"
  origin: "%s"
  challenge_ttl: "5m"

logging:
  level: "info"
  format: "text"
`, httpAddr, dbPath, jwtSecret, rpID, origin)

	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Created config: %s\n", configPath)
	fmt.Println("Next: cryovault bootstrap --username <admin>")

	return nil
}

func runUsers(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	users, err := st.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("listing users: %w", err)
	}

	if len(users) == 0 {
		fmt.Println("No accounts. Run: cryovault bootstrap --username <admin>")
		return nil
	}

	cyan := color.New(color.FgCyan)
	for _, u := range users {
		creds, err := st.ListPasskeyCredentials(ctx, u.ID)
		if err != nil {
			return fmt.Errorf("listing credentials: %w", err)
		}
		cyan.Printf("%-20s", u.Username)
		fmt.Printf(" %-8s passkeys=%d  %s\n", u.Role, len(creds), u.DisplayName)
	}

	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/healthz", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}
