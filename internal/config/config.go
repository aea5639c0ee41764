package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds the coordinator process settings.
type Config struct {
	// CDP connection settings
	CDPAddress    string
	CDPPort       int
	EvalTimeoutMS int
	WatchTabs     bool

	// HTTP surface
	BindAddr         string
	PortCandidates   []int
	PortAutoFallback bool
	PublicURL        string

	// Logging
	LogLevel string
	LogFile  string

	// Persistence
	StorePath        string
	DefaultsFile     string
	JournalDir       string
	JournalBuffer    int
	JournalMaxSizeMB int

	// Dev browser
	LaunchBrowser     bool
	BrowserProfileDir string
}

// Load reads coordinator configuration from environment variables and an
// optional .env file.
func Load() (*Config, error) {
	loadDotEnv()

	ports, err := parsePorts(getEnvOrDefault("COORDINATOR_PORT_CANDIDATES", "8788,8789,8790"))
	if err != nil {
		return nil, fmt.Errorf("COORDINATOR_PORT_CANDIDATES: %w", err)
	}

	cfg := &Config{
		CDPAddress:        getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:           getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9220),
		EvalTimeoutMS:     getEnvIntOrDefault("COORDINATOR_EVAL_TIMEOUT_MS", 5000),
		WatchTabs:         getEnvBoolOrDefault("COORDINATOR_WATCH_TABS", true),
		BindAddr:          getEnvOrDefault("COORDINATOR_BIND_ADDR", "127.0.0.1:8787"),
		PortCandidates:    ports,
		PortAutoFallback:  getEnvBoolOrDefault("COORDINATOR_PORT_AUTO_FALLBACK", true),
		PublicURL:         strings.TrimRight(os.Getenv("COORDINATOR_PUBLIC_URL"), "/"),
		LogLevel:          strings.ToLower(getEnvOrDefault("COORDINATOR_LOG_LEVEL", "info")),
		LogFile:           getEnvOrDefault("COORDINATOR_LOG_FILE", "logs/coordinator.log"),
		StorePath:         getEnvOrDefault("COORDINATOR_STORE_PATH", "./data/storage.json"),
		DefaultsFile:      getEnvOrDefault("COORDINATOR_DEFAULTS_FILE", "./config/defaults.yaml"),
		JournalDir:        os.Getenv("COORDINATOR_JOURNAL_DIR"),
		JournalBuffer:     getEnvIntOrDefault("COORDINATOR_JOURNAL_BUFFER", 1024),
		JournalMaxSizeMB:  getEnvIntOrDefault("COORDINATOR_JOURNAL_MAX_SIZE_MB", 50),
		LaunchBrowser:     getEnvBoolOrDefault("COORDINATOR_LAUNCH_BROWSER", false),
		BrowserProfileDir: getEnvOrDefault("COORDINATOR_BROWSER_PROFILE_DIR", "./browser_profile"),
	}
	if cfg.EvalTimeoutMS < 1000 {
		cfg.EvalTimeoutMS = 1000
	}
	return cfg, nil
}

// CDPURL returns the CDP HTTP endpoint.
func (c *Config) CDPURL() string {
	return "http://" + net.JoinHostPort(c.CDPAddress, strconv.Itoa(c.CDPPort))
}

// BindCandidates expands PortCandidates on the host of BindAddr.
func (c *Config) BindCandidates() []string {
	host, _, err := net.SplitHostPort(c.BindAddr)
	if err != nil {
		host = "127.0.0.1"
	}
	out := make([]string, 0, len(c.PortCandidates))
	for _, p := range c.PortCandidates {
		out = append(out, net.JoinHostPort(host, strconv.Itoa(p)))
	}
	return out
}

// ResolvePublicURL returns the configured public URL, or one derived from the
// address the server actually bound.
func (c *Config) ResolvePublicURL(boundAddr string) string {
	if c.PublicURL != "" {
		return c.PublicURL
	}
	host, port, err := net.SplitHostPort(boundAddr)
	if err != nil {
		return "http://" + boundAddr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}
}

func parsePorts(raw string) ([]int, error) {
	var out []int
	for _, field := range strings.Split(raw, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		p, err := strconv.Atoi(field)
		if err != nil || p < 1 || p > 65535 {
			return nil, fmt.Errorf("invalid port %q", field)
		}
		out = append(out, p)
	}
	return out, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
