package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/statusdesk/draftsync/internal/draftstore"
	"github.com/statusdesk/draftsync/internal/httpapi"
)

// fileConfig is the optional YAML config file. Environment variables override
// anything set here, and flags override both.
type fileConfig struct {
	Addr            string `yaml:"addr"`
	BackendDSN      string `yaml:"backend_dsn"`
	DataDir         string `yaml:"data_dir"`
	JWTSecret       string `yaml:"jwt_secret"`
	RateLimitMax    int    `yaml:"rate_limit_max"`
	RateLimitWindow string `yaml:"rate_limit_window"`
	MaxBodyBytes    int64  `yaml:"max_body_bytes"`
}

func main() {
	configPath := flag.String("config", strings.TrimSpace(os.Getenv("DRAFTSYNC_CONFIG")), "path to YAML config file")
	addrFlag := flag.String("addr", "", "listen address (overrides config and DRAFTSYNC_ADDR)")
	dsnFlag := flag.String("backend-dsn", "", "draft store DSN (overrides config and DRAFTSYNC_BACKEND_DSN)")
	flag.Parse()

	cfg, err := loadFileConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config file: %v", err)
	}

	addr := firstNonEmpty(*addrFlag, strings.TrimSpace(os.Getenv("DRAFTSYNC_ADDR")), cfg.Addr, ":8080")
	dataDir := firstNonEmpty(strings.TrimSpace(os.Getenv("DRAFTSYNC_DATA_DIR")), cfg.DataDir, ".draftsync")
	backendDSN := firstNonEmpty(*dsnFlag, strings.TrimSpace(os.Getenv("DRAFTSYNC_BACKEND_DSN")), cfg.BackendDSN,
		"file://"+filepath.Join(dataDir, "drafts.json"))

	backend, err := draftstore.Open(backendDSN)
	if err != nil {
		log.Fatalf("failed to open draft store: %v", err)
	}
	defer backend.Close()

	server := httpapi.NewServerWithConfig(backend, httpapi.ServerConfig{
		JWTSecret:       firstNonEmpty(os.Getenv("DRAFTSYNC_JWT_SECRET"), cfg.JWTSecret),
		RateLimitMax:    intEnv("DRAFTSYNC_RATE_LIMIT_MAX", cfg.RateLimitMax),
		RateLimitWindow: durationEnv("DRAFTSYNC_RATE_LIMIT_WINDOW", parseConfigDuration(cfg.RateLimitWindow, time.Minute)),
		MaxBodyBytes:    int64Env("DRAFTSYNC_MAX_BODY_BYTES", cfg.MaxBodyBytes),
	})

	log.Printf("draftsyncd listening on %s (store %s)", addr, backendDSN)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func parseConfigDuration(raw string, fallback time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid duration %q in config file, using fallback %s", raw, fallback.String())
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
