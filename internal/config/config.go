package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr  string
	DatabaseURL string
	JWTSecret   string
	RedisURL    string

	// WebhookSecrets is the rotating shared-secret list, oldest first, so a
	// rotation never drops deliveries signed with the previous secret.
	WebhookSecrets []string

	// Environment scopes every cloud resource and periodic job to the
	// current deployment.
	Environment   string
	CloudProvider string
	AWSRegion     string
	MediaLiveRole string
	HarvestBucket string
	HarvestRole   string

	JitsiDomain string

	IdleRetention       time.Duration
	PairingExpiration   time.Duration
	HarvestProbeTimeout time.Duration
	WaitInterval        time.Duration
	WaitAttempts        int
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:     envOrDefault("LIVE_LISTEN_ADDR", ":8080"),
		DatabaseURL:    os.Getenv("LIVE_DATABASE_URL"),
		JWTSecret:      os.Getenv("LIVE_JWT_SECRET"),
		RedisURL:       os.Getenv("LIVE_REDIS_URL"),
		WebhookSecrets: splitCSV(os.Getenv("LIVE_WEBHOOK_SECRETS")),
		Environment:    envOrDefault("LIVE_ENVIRONMENT", "development"),
		CloudProvider:  envOrDefault("LIVE_CLOUD_PROVIDER", "fake"),
		AWSRegion:      envOrDefault("LIVE_AWS_REGION", "eu-west-1"),
		MediaLiveRole:  os.Getenv("LIVE_MEDIALIVE_ROLE_ARN"),
		HarvestBucket:  os.Getenv("LIVE_HARVEST_BUCKET"),
		HarvestRole:    os.Getenv("LIVE_HARVEST_ROLE_ARN"),
		JitsiDomain:    envOrDefault("LIVE_JITSI_DOMAIN", "meet.jit.si"),

		IdleRetention:       time.Duration(parsePositiveIntEnv("LIVE_IDLE_RETENTION_DAYS", 7)) * 24 * time.Hour,
		PairingExpiration:   time.Duration(parsePositiveIntEnv("LIVE_PAIRING_EXPIRATION_SECONDS", 60)) * time.Second,
		HarvestProbeTimeout: time.Duration(parsePositiveIntEnv("LIVE_HARVEST_PROBE_TIMEOUT_SECONDS", 5)) * time.Second,
		WaitInterval:        time.Duration(parsePositiveIntEnv("LIVE_WAIT_INTERVAL_SECONDS", 5)) * time.Second,
		WaitAttempts:        parsePositiveIntEnv("LIVE_WAIT_ATTEMPTS", 60),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("LIVE_DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("LIVE_JWT_SECRET is required")
	}
	if len(cfg.WebhookSecrets) == 0 {
		return Config{}, fmt.Errorf("LIVE_WEBHOOK_SECRETS is required")
	}
	switch cfg.CloudProvider {
	case "fake":
	case "aws":
		if cfg.MediaLiveRole == "" {
			return Config{}, fmt.Errorf("LIVE_MEDIALIVE_ROLE_ARN is required for aws cloud provider")
		}
		if cfg.HarvestBucket == "" || cfg.HarvestRole == "" {
			return Config{}, fmt.Errorf("LIVE_HARVEST_BUCKET and LIVE_HARVEST_ROLE_ARN are required for aws cloud provider")
		}
	default:
		return Config{}, fmt.Errorf("LIVE_CLOUD_PROVIDER must be one of fake|aws")
	}
	return cfg, nil
}

func envOrDefault(k, v string) string {
	if raw := os.Getenv(k); raw != "" {
		return raw
	}
	return v
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parsePositiveIntEnv(k string, d int) int {
	raw := os.Getenv(k)
	if raw == "" {
		return d
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return d
	}
	return n
}
