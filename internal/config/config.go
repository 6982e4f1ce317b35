package config

import (
	"os"
	"strings"
)

type Config struct {
	HTTPAddr  string
	PublicURL string

	DBDriver string
	DBDSN    string

	// Base64-encoded 32-byte master key for the client-secret vault.
	// Empty is allowed; the legacy shared-secret token path is then disabled.
	VaultMasterKey string

	CORSOrigins []string

	// Tag stamped on line items requested for deep-linked content.
	LineItemTag string

	// ContentFile is a JSON catalog of books to serve. Empty starts
	// the tool with an empty catalog.
	ContentFile string
}

func FromEnv() Config {
	pub := strings.TrimSuffix(os.Getenv("PUBLIC_URL"), "/")
	return Config{
		HTTPAddr:       envOr("HTTP_ADDR", ":8080"),
		PublicURL:      pub,
		DBDriver:       envOr("DB_DRIVER", "sqlite"),
		DBDSN:          envOr("DB_DSN", ""),
		VaultMasterKey: os.Getenv("VAULT_MASTER_KEY"),
		CORSOrigins:    csvOr("CORS_ORIGINS", "http://localhost:3000"),
		LineItemTag:    envOr("LINEITEM_TAG", "booktool"),
		ContentFile:    os.Getenv("CONTENT_FILE"),
	}
}

// LaunchURL is the redirect_uri registered with platforms.
func (c Config) LaunchURL() string {
	return c.PublicURL + "/lti/launch"
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
