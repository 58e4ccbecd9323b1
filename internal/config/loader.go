package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError wraps a configuration failure with its category.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ssmParamSuffix marks pointer variables: OPENWEATHER_API_KEY_SSM_PARAM holds
// the SSM path that resolves OPENWEATHER_API_KEY.
const ssmParamSuffix = "_SSM_PARAM"

// localEnv is the APP_ENV value that bypasses SSM resolution.
const localEnv = "local"

// loaderDeps holds the environment accessors so tests avoid global state.
type loaderDeps struct {
	lookupEnv  func(key string) (string, bool)
	setEnv     func(key, value string) error
	environ    func() []string
	loadDotenv func() error
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv:  os.LookupEnv,
		setEnv:     os.Setenv,
		environ:    os.Environ,
		loadDotenv: func() error { return godotenv.Load() },
	}
}

// LoadConfig loads and validates the process configuration.
//
// The sequence is: force UTC, load .env (missing file is fine), resolve
// _SSM_PARAM pointers unless APP_ENV=local, process envconfig tags, attach
// build info, then validate. provider may be nil in local mode.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	if deps.loadDotenv != nil {
		_ = deps.loadDotenv()
	}

	appEnv, _ := deps.lookupEnv("APP_ENV")
	if appEnv != localEnv {
		if err := resolveSSMParams(provider, deps); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	if err := applyLegacyMillis(&cfg, deps); err != nil {
		return nil, err
	}

	cfg.Build = NewBuildInfo()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	if err := validateBackend(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// legacyMillis maps the integer-millisecond variables older deployments set
// to the duration variables that replaced them.
var legacyMillis = []struct {
	legacy, current string
	field           func(*Config) *time.Duration
}{
	{"PIP_AGENT_DELAY_BETWEEN_TRIPS_MS", "PIP_AGENT_DELAY_BETWEEN_TRIPS", func(c *Config) *time.Duration { return &c.Agent.DelayBetweenTrips }},
	{"OPPORTUNITIES_CACHE_TTL_MS", "OPPORTUNITIES_CACHE_TTL", func(c *Config) *time.Duration { return &c.Opportunities.CacheTTL }},
	{"WEATHER_FORECAST_CACHE_TTL_MS", "WEATHER_FORECAST_CACHE_TTL", func(c *Config) *time.Duration { return &c.Weather.CacheTTL }},
}

// applyLegacyMillis honors a legacy _MS variable when its duration
// replacement is unset.
func applyLegacyMillis(cfg *Config, deps loaderDeps) error {
	for _, m := range legacyMillis {
		if _, ok := deps.lookupEnv(m.current); ok {
			continue
		}
		raw, ok := deps.lookupEnv(m.legacy)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil || ms < 0 {
			return &ConfigError{
				Type:    ErrParsing,
				Message: fmt.Sprintf("%s must be a non-negative number of milliseconds", m.legacy),
				Err:     err,
			}
		}
		*m.field(cfg) = time.Duration(ms) * time.Millisecond
	}
	return nil
}

// validateBackend checks that an explicitly chosen backend has what it needs.
func validateBackend(cfg *Config) error {
	switch cfg.ResolveBackend() {
	case BackendPostgres:
		if !cfg.Database.URL.IsSet() {
			return &ConfigError{
				Type:    ErrMissingEnv,
				Message: "DATABASE_URL is required when STORAGE_BACKEND=postgres",
			}
		}
	case BackendFirestore:
		if cfg.Firestore.ProjectID == "" {
			return &ConfigError{
				Type:    ErrMissingEnv,
				Message: "FIRESTORE_PROJECT_ID is required when STORAGE_BACKEND=firestore",
			}
		}
	case BackendFile:
		if strings.TrimSpace(cfg.Storage.DataDir) == "" {
			return &ConfigError{
				Type:    ErrMissingEnv,
				Message: "DATA_DIR is required when STORAGE_BACKEND=file",
			}
		}
	}
	return nil
}

// ResolveSecrets runs only the SSM step. Tools that read a handful of
// variables directly call it before os.Getenv.
func ResolveSecrets(provider SecretProvider) error {
	appEnv, _ := os.LookupEnv("APP_ENV")
	if appEnv == localEnv {
		return nil
	}
	return resolveSSMParams(provider, defaultDeps())
}

// resolveSSMParams fetches every *_SSM_PARAM pointer whose target variable is
// not already set and writes the resolved values back into the environment.
func resolveSSMParams(provider SecretProvider, deps loaderDeps) error {
	pathToTarget := make(map[string]string)
	var paths []string

	for _, entry := range deps.environ() {
		key, value, found := strings.Cut(entry, "=")
		if !found || !strings.HasSuffix(key, ssmParamSuffix) || value == "" {
			continue
		}
		target := strings.TrimSuffix(key, ssmParamSuffix)
		if _, exists := deps.lookupEnv(target); exists {
			continue
		}
		if _, dup := pathToTarget[value]; !dup {
			paths = append(paths, value)
		}
		pathToTarget[value] = target
	}

	if len(paths) == 0 {
		return nil
	}

	if provider == nil {
		targets := make([]string, 0, len(paths))
		for _, p := range paths {
			targets = append(targets, pathToTarget[p])
		}
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SecretProvider is required for non-local environments (need to resolve: %s)", strings.Join(targets, ", ")),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("failed to resolve %d SSM parameters", len(paths)),
			Err:     err,
		}
	}

	var missing []string
	for _, p := range paths {
		value, ok := resolved[p]
		if !ok {
			missing = append(missing, pathToTarget[p])
			continue
		}
		if err := deps.setEnv(pathToTarget[p], value); err != nil {
			return &ConfigError{
				Type:    ErrSSMResolution,
				Message: fmt.Sprintf("failed to set resolved value for %s", pathToTarget[p]),
				Err:     err,
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SSM parameters not found for: %s", strings.Join(missing, ", ")),
		}
	}

	return nil
}
