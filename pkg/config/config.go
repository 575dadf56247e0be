package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix = "opswatch"

	AppEnvDev  = "development"
	AppEnvProd = "production"

	EnvAppEnv = "OPSWATCH_APP_ENV"
	EnvDBDSN  = "OPSWATCH_DB_DSN"
	EnvDBHost = "OPSWATCH_DB_HOST"
	EnvDBUser = "OPSWATCH_DB_USER"
	EnvDBName = "OPSWATCH_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
	Eventing     EventingConfig
	Jenkins      JenkinsConfig
	Security     SecurityConfig
	Executor     ExecutorConfig
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
	Env          string `envconfig:"OPSWATCH_APP_ENV" required:"true"`
	Port         string `envconfig:"OPSWATCH_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"OPSWATCH_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"OPSWATCH_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"OPSWATCH_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"OPSWATCH_DB_DSN"`
	Driver string `envconfig:"OPSWATCH_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"OPSWATCH_DB_HOST"`
	LegacyPort     int    `envconfig:"OPSWATCH_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"OPSWATCH_DB_USER"`
	LegacyPassword string `envconfig:"OPSWATCH_DB_PASSWORD"`
	LegacyName     string `envconfig:"OPSWATCH_DB_NAME"`
	LegacySSLMode  string `envconfig:"OPSWATCH_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"OPSWATCH_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"OPSWATCH_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"OPSWATCH_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"OPSWATCH_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"OPSWATCH_REDIS_URL" required:"true"`
	Address      string        `envconfig:"OPSWATCH_REDIS_ADDR"`
	Password     string        `envconfig:"OPSWATCH_REDIS_PASSWORD"`
	DB           int           `envconfig:"OPSWATCH_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"OPSWATCH_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"OPSWATCH_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"OPSWATCH_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"OPSWATCH_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"OPSWATCH_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"OPSWATCH_AUTO_MIGRATE" default:"false"`
	ConsoleSink bool `envconfig:"OPSWATCH_CONSOLE_SINK" default:"false"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"OPSWATCH_GCP_PROJECT_ID" required:"true"`
}

type PubSubConfig struct {
	LogsTopic           string `envconfig:"OPSWATCH_PUBSUB_LOGS_TOPIC" default:"ow-log-events"`
	IncidentsTopic      string `envconfig:"OPSWATCH_PUBSUB_INCIDENTS_TOPIC" default:"ow-incident-events"`
	ActionsTopic        string `envconfig:"OPSWATCH_PUBSUB_ACTIONS_TOPIC" default:"ow-action-events"`
	ActionsSubscription string `envconfig:"OPSWATCH_PUBSUB_ACTIONS_SUBSCRIPTION" default:"ow-action-runner"`
}

type OutboxConfig struct {
	BatchSize       int           `envconfig:"OPSWATCH_OUTBOX_BATCH_SIZE" default:"50"`
	PollInterval    time.Duration `envconfig:"OPSWATCH_OUTBOX_POLL_INTERVAL" default:"2s"`
	RetryBackoff    time.Duration `envconfig:"OPSWATCH_OUTBOX_RETRY_BACKOFF" default:"5s"`
	DefaultRetries  int           `envconfig:"OPSWATCH_OUTBOX_DEFAULT_RETRIES" default:"3"`
	CriticalRetries int           `envconfig:"OPSWATCH_OUTBOX_CRITICAL_RETRIES" default:"5"`
	ClaimTimeout    time.Duration `envconfig:"OPSWATCH_OUTBOX_CLAIM_TIMEOUT" default:"5m"`
	RetentionDays   int           `envconfig:"OPSWATCH_OUTBOX_RETENTION_DAYS" default:"7"`
}

type EventingConfig struct {
	IdempotencyTTL time.Duration `envconfig:"OPSWATCH_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
	PublishTimeout time.Duration `envconfig:"OPSWATCH_EVENTING_PUBLISH_TIMEOUT" default:"15s"`
}

type JenkinsConfig struct {
	BaseURL     string        `envconfig:"OPSWATCH_JENKINS_URL" required:"true"`
	Username    string        `envconfig:"OPSWATCH_JENKINS_USER" required:"true"`
	APIToken    string        `envconfig:"OPSWATCH_JENKINS_API_TOKEN" required:"true"`
	CallTimeout time.Duration `envconfig:"OPSWATCH_JENKINS_CALL_TIMEOUT" default:"30s"`
}

type SecurityConfig struct {
	AllowedJobs        []string `envconfig:"OPSWATCH_ALLOWED_JOBS"`
	BusinessHoursOnly  bool     `envconfig:"OPSWATCH_BUSINESS_HOURS_ONLY" default:"false"`
	BusinessHoursStart int      `envconfig:"OPSWATCH_BUSINESS_HOURS_START" default:"8"`
	BusinessHoursEnd   int      `envconfig:"OPSWATCH_BUSINESS_HOURS_END" default:"18"`
	RollbackMaxAge     int      `envconfig:"OPSWATCH_ROLLBACK_MAX_AGE_DAYS" default:"7"`
	DryRun             bool     `envconfig:"OPSWATCH_DRY_RUN" default:"false"`

	ActionRateLimit  int           `envconfig:"OPSWATCH_ACTION_RATE_LIMIT" default:"10"`
	ActionRateWindow time.Duration `envconfig:"OPSWATCH_ACTION_RATE_WINDOW" default:"1h"`
}

type ExecutorConfig struct {
	MaxConcurrentActions int           `envconfig:"OPSWATCH_MAX_CONCURRENT_ACTIONS" default:"3"`
	PendingBatchSize     int           `envconfig:"OPSWATCH_EXECUTOR_PENDING_BATCH" default:"10"`
	DryRunDelay          time.Duration `envconfig:"OPSWATCH_EXECUTOR_DRY_RUN_DELAY" default:"2s"`
	RunningTimeout       time.Duration `envconfig:"OPSWATCH_EXECUTOR_RUNNING_TIMEOUT" default:"15m"`
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
