package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is read once at startup and validated before anything else is
// constructed; the signer never has to check key material per call.
type Config struct {
	DatabaseURL string
	HTTPAddr    string

	SigningSecret []byte
	TokenIssuer   string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	MFATokenTTL     time.Duration

	ResendAPIKey string
	AlertFrom    string

	CookieDomain  string
	SecureCookies bool
}

const minSigningSecretLength = 32

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %s", err)
	}

	secret := []byte(os.Getenv("JWT_SECRET"))
	if len(secret) == 0 {
		return nil, errors.New("JWT_SECRET is required")
	}
	if len(secret) < minSigningSecretLength {
		return nil, fmt.Errorf("JWT_SECRET must be at least %d bytes, got %d", minSigningSecretLength, len(secret))
	}

	cfg := &Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		HTTPAddr:        envDefault("HTTP_ADDR", ":8080"),
		SigningSecret:   secret,
		TokenIssuer:     envDefault("JWT_ISSUER", "authcore"),
		AccessTokenTTL:  envDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL: envDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour),
		MFATokenTTL:     envDuration("MFA_TOKEN_TTL", 5*time.Minute),
		ResendAPIKey:    os.Getenv("RESEND_API_KEY"),
		AlertFrom:       os.Getenv("ALERT_FROM_EMAIL"),
		CookieDomain:    os.Getenv("COOKIE_DOMAIN"),
		SecureCookies:   os.Getenv("COOKIE_SECURE") != "false",
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	return cfg, nil
}

func envDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	return fallback
}
