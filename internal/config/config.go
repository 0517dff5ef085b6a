package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Port        int    `env:"PORT" envDefault:"8091"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseURL string `env:"DATABASE_URL"` // empty disables the turn audit

	NATSStoreDir string `env:"NATS_STORE_DIR" envDefault:"./data/nats"`
	NATSPort     int    `env:"NATS_PORT" envDefault:"0"` // 0 keeps the bus in-process only

	SidecarCommand   string        `env:"SIDECAR_COMMAND" envDefault:"node"`
	SidecarEntry     string        `env:"SIDECAR_ENTRY" envDefault:"sidecar/dist/index.js"` // script passed to the command; empty when the command is the sidecar
	SidecarArgs      []string      `env:"SIDECAR_ARGS" envSeparator:" "`
	SidecarDir       string        `env:"SIDECAR_DIR"`
	SidecarStopGrace time.Duration `env:"SIDECAR_STOP_GRACE" envDefault:"500ms"`

	MaxInFlight    int64         `env:"MAX_IN_FLIGHT" envDefault:"16"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"0s"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"tauri://localhost,http://localhost:1420"`

	WriterBufferSize int `env:"WRITER_BUFFER_SIZE" envDefault:"10000"`
	WriterBatchSize  int `env:"WRITER_BATCH_SIZE" envDefault:"100"`
	WriterFlushMs    int `env:"WRITER_FLUSH_MS" envDefault:"100"`
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
