// Package config loads OrbitMesh's runtime configuration from the
// environment, adapted from the donor's envconfig.Process/godotenv
// pairing.
package config

import "time"

// Config holds every option recognized by the orbitmeshd binary,
// whether it is running as the server (engine + session hub + REST
// surface) or as an agent enrolling against a remote ServerUrl.
type Config struct {
	// Agent-mode fields: how this process enrolls with a remote server.
	ServerUrl            string   `env:"SERVER_URL,default=ws://localhost:8080/v1/agents/ws"`
	AgentName            string   `env:"AGENT_NAME,default=orbitmesh-agent"`
	AccessToken          string   `env:"ACCESS_TOKEN"`
	BootstrapToken       string   `env:"BOOTSTRAP_TOKEN"`
	Tags                 []string `env:"TAGS"`
	EnableShellExecution bool     `env:"ENABLE_SHELL_EXECUTION,default=false"`

	// Server-mode fields.
	Port             string `env:"PORT,default=8080"`
	JWTSecret        string `env:"JWT_SECRET,required"`
	HighAvailability bool   `env:"HIGH_AVAILABILITY,default=false"`
	Workers          int    `env:"ENGINE_WORKERS,default=16"`

	// Store connection.
	StoreDSN string `env:"STORE_DSN,default=memory"`
	// EnableWalMode and BusyTimeout are loaded but read by no store
	// backend: both memstore and the gorm/postgres sqlstore ignore them.
	EnableWalMode bool          `env:"ENABLE_WAL_MODE,default=true"`
	AutoMigrate   bool          `env:"AUTO_MIGRATE,default=true"`
	BusyTimeout   time.Duration `env:"BUSY_TIMEOUT,default=5s"`

	// Optional distributed outbox backing (falls back to an in-process
	// dispatcher when empty).
	RedisAddr string `env:"REDIS_ADDR"`

	SMTPHost string `env:"SMTP_HOST"`
	SMTPPort string `env:"SMTP_PORT"`
	SMTPUser string `env:"SMTP_USER"`
	SMTPPass string `env:"SMTP_PASS"`
}
