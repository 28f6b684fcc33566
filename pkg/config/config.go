// Package config loads the typed configuration surface named in §6, shared
// by every cmd/* binary, via caarlos0/env — the same struct-tag-driven
// approach the rest of the pack uses in place of the teacher's scattered
// os.Getenv calls.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full configuration surface enumerated in §6.
type Config struct {
	QueueType                       uint8         `env:"QUEUE_TYPE" envDefault:"1"`
	MaxInFlight                     int           `env:"MAX_IN_FLIGHT" envDefault:"50"`
	CheckFrequencySec               int           `env:"CHECK_FREQUENCY_SEC" envDefault:"5"`
	HeartbeatTimeoutSec             int           `env:"HEARTBEAT_TIMEOUT_SEC" envDefault:"30"`
	LowBound                        int64         `env:"LOW_BOUND" envDefault:"20000"`
	HighBound                       int64         `env:"HIGH_BOUND" envDefault:"40000"`
	NumberOfPatientsPerProcessingJob int          `env:"PATIENTS_PER_PROCESSING_JOB" envDefault:"100"`
	InitialOrchestrationIntervalSec int           `env:"INITIAL_ORCHESTRATION_INTERVAL_SEC" envDefault:"300"`
	IncrementalOrchestrationIntervalSec int       `env:"INCREMENTAL_ORCHESTRATION_INTERVAL_SEC" envDefault:"30"`
	WindowLag                       time.Duration `env:"WINDOW_LAG" envDefault:"5m"`
	MaxWindow                       time.Duration `env:"MAX_WINDOW" envDefault:"24h"`

	PostgresDSN     string `env:"POSTGRES_DSN,notEmpty"`
	RabbitMQURL     string `env:"RABBITMQ_URL,notEmpty"`
	RedisAddr       string `env:"REDIS_ADDR" envDefault:""`
	UpstreamBaseURL string `env:"UPSTREAM_BASE_URL,notEmpty"`

	WorkerSlots     int    `env:"WORKER_SLOTS" envDefault:"10"`
	MetricsAddr     string `env:"METRICS_ADDR" envDefault:":9091"`
	APIAddr         string `env:"API_ADDR" envDefault:":8080"`
	InstanceID      string `env:"INSTANCE_ID" envDefault:""`
}

// Load parses Config from the process environment, applying envDefault
// values for anything unset.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return c, nil
}
