// Package config provides configuration loading and management for the tezmeta service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// In development, it loads .env and .env.local files if they exist.
// In production, it relies solely on system environment variables.
// The loading order ensures that system environment variables take precedence over .env files.
func init() {
	// godotenv.Load() does not override already-set environment variables,
	// preserving OS env > .env precedence

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Node identifies a configured chain-node endpoint.
type Node struct {
	Name string // Display name (e.g. "mainnet-teztools")
	URL  string // URL prefix of the node RPC (no trailing slash)
}

// Config captures environment-driven settings for the tezmeta service.
type Config struct {
	Env  string // Deployment environment (dev, staging, prod)
	Port string // HTTP server port

	Nodes []Node // Chain nodes probed by the pool, in display order

	DatabaseDSN string // Resolution audit store DSN (PostgreSQL); empty selects memory
	NATSURL     string // NATS server URL for event publishing

	// Optional S3-compatible archive of resolved documents
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string

	// Optional bearer auth on the /v1 API; enabled when JWTIssuer is set
	JWTIssuer   string // Expected issuer for JWT validation
	JWTAudience string // Expected audience for JWT validation

	// CORS configuration
	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// Default configuration values used when environment variables are not set
const (
	defaultPort     = "8080"
	defaultS3Region = "us-east-1"
	defaultEnv      = "dev"

	// Default node set, probed in this order
	defaultNodes = "tezos-foundation=https://rpc.tzbeta.net,ecad=https://mainnet.ecadinfra.com,smartpy=https://mainnet.smartpy.io"
)

// Load reads environment variables and produces a Config suitable for wiring the service.
// Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{}

	cfg.Env = getEnv("TZM_ENV", defaultEnv)
	cfg.Port = getEnv("TZM_PORT", defaultPort)

	nodes, err := parseNodes(getEnv("TZM_NODES", defaultNodes))
	if err != nil {
		return cfg, err
	}
	cfg.Nodes = nodes

	cfg.DatabaseDSN = os.Getenv("TZM_DB_DSN")
	cfg.NATSURL = os.Getenv("TZM_NATS_URL")

	cfg.S3Endpoint = os.Getenv("TZM_S3_ENDPOINT")
	cfg.S3Region = getEnv("TZM_S3_REGION", defaultS3Region)
	cfg.S3Bucket = os.Getenv("TZM_S3_BUCKET")
	cfg.S3AccessKey = os.Getenv("TZM_S3_ACCESS_KEY")
	cfg.S3SecretKey = os.Getenv("TZM_S3_SECRET_KEY")

	cfg.JWTIssuer = os.Getenv("TZM_JWT_ISSUER")
	cfg.JWTAudience = os.Getenv("TZM_JWT_AUDIENCE")
	if cfg.JWTIssuer != "" && cfg.JWTAudience == "" {
		return cfg, fmt.Errorf("TZM_JWT_AUDIENCE is required when TZM_JWT_ISSUER is set")
	}

	if corsOrigins, exists := os.LookupEnv("TZM_CORS_ALLOWED_ORIGINS"); exists {
		cfg.CORSAllowedOrigins = strings.Split(corsOrigins, ",")
		for i, origin := range cfg.CORSAllowedOrigins {
			cfg.CORSAllowedOrigins[i] = strings.TrimSpace(origin)
		}
	}

	return cfg, nil
}

// parseNodes parses the TZM_NODES value: a comma-separated list of
// name=url pairs, e.g. "ecad=https://mainnet.ecadinfra.com,local=http://127.0.0.1:8732".
func parseNodes(value string) ([]Node, error) {
	parts := strings.Split(value, ",")
	nodes := make([]Node, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, url, ok := strings.Cut(part, "=")
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("TZM_NODES entry %q is not of the form name=url", part)
		}
		nodes = append(nodes, Node{Name: name, URL: strings.TrimSuffix(url, "/")})
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("TZM_NODES lists no nodes")
	}
	return nodes, nil
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}
