package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App     AppConfig
	Service ServiceConfig
	DB      DBConfig
	Redis   RedisConfig
	AMQP    AMQPConfig
	GCP     GCPConfig
	PubSub  PubSubConfig
	Alerts  AlertsConfig
	Worker  WorkerConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"STOCKLINE_APP_ENV" required:"true"`
	LogLevel     string `envconfig:"STOCKLINE_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"STOCKLINE_LOG_WARN_STACK" default:"false"`
	MetricsPort  string `envconfig:"STOCKLINE_METRICS_PORT" default:"9090"`
	AutoMigrate  bool   `envconfig:"STOCKLINE_AUTO_MIGRATE" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"STOCKLINE_SERVICE_KIND" default:"worker"`
}

type DBConfig struct {
	DSN    string `envconfig:"STOCKLINE_DB_DSN"`
	Driver string `envconfig:"STOCKLINE_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"STOCKLINE_DB_HOST"`
	LegacyPort     int    `envconfig:"STOCKLINE_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"STOCKLINE_DB_USER"`
	LegacyPassword string `envconfig:"STOCKLINE_DB_PASSWORD"`
	LegacyName     string `envconfig:"STOCKLINE_DB_NAME"`
	LegacySSLMode  string `envconfig:"STOCKLINE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"STOCKLINE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"STOCKLINE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"STOCKLINE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"STOCKLINE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"STOCKLINE_REDIS_URL" required:"true"`
	Address      string        `envconfig:"STOCKLINE_REDIS_ADDR"`
	Password     string        `envconfig:"STOCKLINE_REDIS_PASSWORD"`
	DB           int           `envconfig:"STOCKLINE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"STOCKLINE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"STOCKLINE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"STOCKLINE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"STOCKLINE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"STOCKLINE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type AMQPConfig struct {
	URL                string        `envconfig:"STOCKLINE_AMQP_URL" required:"true"`
	ImmediateQueue     string        `envconfig:"STOCKLINE_AMQP_IMMEDIATE_QUEUE" default:"stock.settlement.immediate"`
	DeferredQueue      string        `envconfig:"STOCKLINE_AMQP_DEFERRED_QUEUE" default:"stock.settlement.deferred"`
	ConnectMaxAttempts uint64        `envconfig:"STOCKLINE_AMQP_CONNECT_MAX_ATTEMPTS" default:"5"`
	ConnectBackoff     time.Duration `envconfig:"STOCKLINE_AMQP_CONNECT_BACKOFF" default:"500ms"`
	ExtractTimeout     time.Duration `envconfig:"STOCKLINE_AMQP_EXTRACT_TIMEOUT" default:"3s"`
	Prefetch           int           `envconfig:"STOCKLINE_AMQP_PREFETCH" default:"8"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"STOCKLINE_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"STOCKLINE_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"STOCKLINE_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	EventsTopic string `envconfig:"STOCKLINE_PUBSUB_EVENTS_TOPIC" default:"sl-stock-events"`
}

type AlertsConfig struct {
	LowStockMinThreshold int           `envconfig:"STOCKLINE_ALERTS_LOW_STOCK_MIN_THRESHOLD" default:"5"`
	DebounceWindow       time.Duration `envconfig:"STOCKLINE_ALERTS_DEBOUNCE_WINDOW" default:"24h"`
	RetentionDays        int           `envconfig:"STOCKLINE_ALERTS_RETENTION_DAYS" default:"30"`
}

type WorkerConfig struct {
	MonitorInterval   time.Duration `envconfig:"STOCKLINE_WORKER_MONITOR_INTERVAL" default:"1m"`
	HeartbeatInterval time.Duration `envconfig:"STOCKLINE_WORKER_HEARTBEAT_INTERVAL" default:"5s"`
	CronInterval      time.Duration `envconfig:"STOCKLINE_WORKER_CRON_INTERVAL" default:"24h"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
