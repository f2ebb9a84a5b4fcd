package config

// EnvPrefix is passed to envconfig; individual fields carry explicit names so
// the prefix is informational only.
const EnvPrefix = "STOCKLINE"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv   = "STOCKLINE_APP_ENV"
	EnvRedisURL = "STOCKLINE_REDIS_URL"
	EnvAMQPURL  = "STOCKLINE_AMQP_URL"

	EnvDBDSN      = "STOCKLINE_DB_DSN"
	EnvDBHost     = "STOCKLINE_DB_HOST"
	EnvDBUser     = "STOCKLINE_DB_USER"
	EnvDBName     = "STOCKLINE_DB_NAME"
	EnvDBPassword = "STOCKLINE_DB_PASSWORD"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
