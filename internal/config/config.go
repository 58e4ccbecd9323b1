// Package config defines the process configuration for the Pip agent service.
// Configuration is loaded once at startup and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or an invalid format fails startup.
package config

import (
	"time"

	"pipagent/internal/types"
)

// SecretString is an alias for types.SecretString.
type SecretString = types.SecretString

// Storage backends selectable through STORAGE_BACKEND.
const (
	BackendFirestore = "firestore"
	BackendPostgres  = "postgres"
	BackendFile      = "file"
)

// Config is the top-level configuration struct. Sub-components receive only
// the subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"pip-agent"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Storage       StorageConfig
	Database      DatabaseConfig
	Firestore     FirestoreConfig
	AWS           AWSConfig
	Agent         AgentConfig
	Opportunities OpportunitiesConfig
	Weather       WeatherConfig
	Auth          AuthConfig
	Security      SecurityConfig

	// Injected via ldflags, not Env.
	Build BuildInfo
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// StorageConfig selects the persistence backend. An empty Backend is inferred
// by ResolveBackend.
type StorageConfig struct {
	Backend string `envconfig:"STORAGE_BACKEND" validate:"omitempty,oneof=firestore postgres file"`
	DataDir string `envconfig:"DATA_DIR" default:"data"`
}

// DatabaseConfig holds Postgres connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"omitempty,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10" validate:"min=1"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"1"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
	AutoMigrate       bool          `envconfig:"DB_AUTO_MIGRATE" default:"true"`
}

// FirestoreConfig holds the document store project and collection names.
type FirestoreConfig struct {
	ProjectID               string `envconfig:"FIRESTORE_PROJECT_ID"`
	OpportunitiesCollection string `envconfig:"FIRESTORE_OPPORTUNITIES_COLLECTION" default:"opportunities"`
	TripsCollection         string `envconfig:"FIRESTORE_TRIPS_COLLECTION" default:"userTrips"`
}

// AWSConfig is only used to resolve _SSM_PARAM secrets.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`
}

// AgentConfig controls the scheduled opportunity agent.
type AgentConfig struct {
	Enabled              bool          `envconfig:"PIP_AGENT_ENABLED" default:"false"`
	Cron                 string        `envconfig:"PIP_AGENT_CRON" default:"0 */3 * * *" validate:"required"`
	MaxTripsPerRun       int           `envconfig:"PIP_AGENT_MAX_TRIPS_PER_RUN" default:"3" validate:"min=1"`
	DelayBetweenTrips    time.Duration `envconfig:"PIP_AGENT_DELAY_BETWEEN_TRIPS" default:"20s"`
	WeatherLookaheadDays int           `envconfig:"PIP_WEATHER_ALERT_WINDOW_DAYS" default:"7" validate:"min=0"`
	AvatarURL            string        `envconfig:"PIP_AVATAR_URL" validate:"omitempty,url"`
	ActiveUserTimeout    time.Duration `envconfig:"ACTIVE_USER_TIMEOUT" default:"5m"`
}

// OpportunitiesConfig controls the opportunity store's read path.
type OpportunitiesConfig struct {
	CacheTTL   time.Duration `envconfig:"OPPORTUNITIES_CACHE_TTL" default:"60s"`
	MaxPerUser int           `envconfig:"MAX_OPPORTUNITIES_PER_USER" default:"50" validate:"min=1"`
}

// WeatherConfig holds the forecast provider settings.
type WeatherConfig struct {
	APIKey   SecretString  `envconfig:"OPENWEATHER_API_KEY"`
	BaseURL  string        `envconfig:"OPENWEATHER_BASE_URL" default:"https://api.openweathermap.org" validate:"url"`
	CacheTTL time.Duration `envconfig:"WEATHER_FORECAST_CACHE_TTL" default:"15m"`
	Timeout  time.Duration `envconfig:"OPENWEATHER_TIMEOUT" default:"10s"`
}

// AuthConfig holds bearer token verification settings.
type AuthConfig struct {
	JWTSecret        SecretString `envconfig:"AUTH_JWT_SECRET"`
	JWTIssuer        string       `envconfig:"AUTH_JWT_ISSUER"`
	AllowUIDFallback bool         `envconfig:"AUTH_ALLOW_UID_FALLBACK" default:"true"`
}

// SecurityConfig holds rate limiting and CORS settings.
type SecurityConfig struct {
	RateLimitRPS       float64  `envconfig:"RATE_LIMIT_RPS" default:"10"`
	RateLimitBurst     int      `envconfig:"RATE_LIMIT_BURST" default:"20"`
	CorsAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ResolveBackend returns the storage backend to use. An explicit
// STORAGE_BACKEND wins; otherwise Firestore is preferred when a project is
// configured, then Postgres, then the JSON file fallback.
func (c *Config) ResolveBackend() string {
	if c.Storage.Backend != "" {
		return c.Storage.Backend
	}
	if c.Firestore.ProjectID != "" {
		return BackendFirestore
	}
	if c.Database.URL.IsSet() {
		return BackendPostgres
	}
	return BackendFile
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	ErrMissingEnv    ConfigErrorType = "MISSING_ENV"
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	ErrValidation    ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing       ConfigErrorType = "PARSING_FAILED"
)
