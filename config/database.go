package config

import "time"

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"     envDefault:"localhost"`
	Port     int    `env:"PORT"     envDefault:"5432"`
	User     string `env:"USER"     envDefault:"postcron"`
	Password string `env:"PASSWORD" envDefault:"postcron"`
	Name     string `env:"NAME"     envDefault:"postcron"`
	SSLMode  string `env:"SSL_MODE" envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	// RunMigrationsOnStart controls whether the application automatically applies migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`

	// Pool sizing for the process-wide connection pool.
	MaxOpenConns    int           `env:"MAX_OPEN_CONNS"     envDefault:"25"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS"     envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME"  envDefault:"5m"`
}

// Sanitize applies guardrails to pool sizing.
func (d *DBConfig) Sanitize() {
	if d.MaxOpenConns < 1 {
		d.MaxOpenConns = 1
	}
	if d.MaxIdleConns < 0 {
		d.MaxIdleConns = 0
	}
	if d.MaxIdleConns > d.MaxOpenConns {
		d.MaxIdleConns = d.MaxOpenConns
	}
	if d.ConnMaxLifetime <= 0 {
		d.ConnMaxLifetime = 5 * time.Minute
	}
}

// RedisConfig contains Redis configuration.
// Redis is optional; when Enabled is false alert de-duplication and the
// recovery run lock fall back to in-process behavior.
type RedisConfig struct {
	Enabled            bool     `env:"ENABLED"              envDefault:"false"`
	URI                string   `env:"URI"                  envDefault:"localhost:6379"`
	Password           string   `env:"PASSWORD"             envDefault:""`
	DB                 int      `env:"DB"                   envDefault:"0"`
	SentinelNodes      []string `env:"SENTINEL_NODES"       envDefault:"localhost:26379"`
	SentinelMasterName string   `env:"SENTINEL_MASTER_NAME" envDefault:"mymaster"`
	SentinelPassword   string   `env:"SENTINEL_PASSWORD"    envDefault:""`
	UseSentinel        bool     `env:"USE_SENTINEL"         envDefault:"false"`
	ClusterNodes       []string `env:"CLUSTER_NODES"        envDefault:""`
	UseCluster         bool     `env:"USE_CLUSTER"          envDefault:"false"`
	KeyPrefix          string   `env:"KEY_PREFIX"           envDefault:"postcron:"`
}
