package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv        string `env:"APP_ENV,notEmpty"`
	APIAddr       string `env:"API_ADDR,notEmpty"`
	SchedAddr     string `env:"SCHED_ADDR" envDefault:":8081"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	JWTSigningKey string `env:"JWT_SIGNING_KEY,notEmpty"`
	DefaultVT     int    `env:"DEFAULT_VISIBILITY_TIMEOUT_SEC" envDefault:"60"`

	JobRecordTTL    time.Duration `env:"JOB_RECORD_TTL" envDefault:"24h"`
	PromoteInterval time.Duration `env:"QUEUE_PROMOTE_INTERVAL" envDefault:"1s"`
	IdleSleep       time.Duration `env:"QUEUE_IDLE_SLEEP" envDefault:"1s"`
	ErrorBackoff    time.Duration `env:"QUEUE_ERROR_BACKOFF" envDefault:"5s"`
	AutoStartQueues bool          `env:"AUTO_START_QUEUES" envDefault:"true"`
	// QueueNames lists the queues the standalone scheduler maintains.
	QueueNames []string `env:"QUEUE_NAMES" envSeparator:"," envDefault:"email,sms,notification,data-processing,scheduled"`

	PermissionCacheTTL time.Duration `env:"PERMISSION_CACHE_TTL" envDefault:"5m"`
	SeedPolicies       bool          `env:"SEED_POLICIES" envDefault:"false"`
	DefaultLanguage    string        `env:"DEFAULT_LANGUAGE" envDefault:"en"`
	// RequireAuth rejects anonymous calls to the queue routes.
	RequireAuth bool `env:"API_REQUIRE_AUTH" envDefault:"true"`
}

// Production reports whether responses must omit debug detail.
func (c Config) Production() bool { return c.AppEnv == "production" || c.AppEnv == "prod" }

// LeaseTTL is the visibility timeout applied to claimed jobs.
func (c Config) LeaseTTL() time.Duration { return time.Duration(c.DefaultVT) * time.Second }

func Parse() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}

func Load() Config {
	c, err := Parse()
	if err != nil {
		log.Fatal(err)
	}
	return c
}
