// Package config loads the server's process configuration from an env
// file plus environment variables, mirroring original_source's
// dotenvy-then-envy load order.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the application's process-wide configuration, loaded once at
// startup; main passes each service constructor the fields it needs.
type Config struct {
	Host          string `env:"HOST" envDefault:"0.0.0.0"`
	Port          uint16 `env:"PORT" envDefault:"3000"`
	WebSocketPort uint16 `env:"WEBSOCKET_PORT" envDefault:"9001"`
	Environment   string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	CloudPod              string `env:"CLOUD_POD"`
	CloudServiceName      string `env:"CLOUD_SERVICE_NAME" envDefault:"colabri-doc"`
	CloudServiceDomain    string `env:"CLOUD_SERVICE_DOMAIN" envDefault:"doc.colabri.cloud"`
	CloudAppServiceDomain string `env:"CLOUD_APP_SERVICE_DOMAIN" envDefault:"app.colabri.cloud"`
	CloudRootDomain       string `env:"CLOUD_ROOT_DOMAIN" envDefault:"colabri.cloud"`
	CloudCORSOrigins      string `env:"CLOUD_CORS_ORIGINS" envDefault:"http://localhost:*,http://*.colabri-local.cloud,http://colabri-local.cloud,https://*.colabri.cloud,https://colabri.cloud"`
	CloudAuthJWTSecret    string `env:"CLOUD_AUTH_JWT_SECRET"`
	GCPProjectID          string `env:"GCP_PROJECT_ID"`
	DBURL                 string `env:"DB_URL"`
}

// Load reads app.env (falling back to .env) if present, then binds
// environment variables onto a Config with the defaults above.
func Load() (*Config, error) {
	if _, err := os.Stat("app.env"); err == nil {
		_ = godotenv.Load("app.env")
	} else {
		_ = godotenv.Load()
	}

	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: failed to load environment: %w", err)
	}
	return &cfg, nil
}

// ServerAddress returns the "host:port" the admin/export HTTP API binds.
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AppServiceURL returns the base URL of the app service the identity
// client calls, using a local loopback address in development.
func (c *Config) AppServiceURL() string {
	if c.Environment == "development" {
		return "http://localhost:8080"
	}
	return "http://" + c.CloudAppServiceDomain
}
