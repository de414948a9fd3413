// config/auth.go
package config

import (
	"log/slog"
	"os"
)

var JwtKey []byte

// WebhookSecret signs incoming gateway callbacks (HMAC-SHA256). Empty means
// callbacks carrying a signature field are rejected.
var WebhookSecret string

func LoadAuth() {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		slog.Error("environment variable JWT_SECRET is not set")
		os.Exit(1)
	}
	JwtKey = []byte(secret)

	WebhookSecret = os.Getenv("WEBHOOK_SECRET")
	if WebhookSecret == "" {
		slog.Warn("WEBHOOK_SECRET is not set, signed callbacks will be rejected")
	}
}
