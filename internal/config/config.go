// Package config loads application settings from the environment (and an
// optional .env-style file) using viper, the way the teacher wires its own
// Config through validated functional construction in config.go.
package config

import (
	"errors"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/gowthamrao/eurostat-ingest/internal/eserrors"
)

const envPrefix = "PY_LOAD_EUROSTAT"

// DBType selects the target loader engine.
type DBType string

const (
	DBTypePostgres DBType = "postgres"
	DBTypeSQLite   DBType = "sqlite"
)

// DatabaseSettings configures the target database connection.
type DatabaseSettings struct {
	Host              string `mapstructure:"host" validate:"required"`
	Port              int    `mapstructure:"port" validate:"required"`
	User              string `mapstructure:"user" validate:"required"`
	Password          string `mapstructure:"password"`
	Name              string `mapstructure:"name" validate:"required"`
	UseUnloggedTables bool   `mapstructure:"use_unlogged_tables"`
}

// CacheSettings configures the filesystem download cache.
type CacheSettings struct {
	Path    string `mapstructure:"path" validate:"required"`
	Enabled bool   `mapstructure:"enabled"`
}

// LoggingSettings configures the structured logger verbosity.
type LoggingSettings struct {
	Level string `mapstructure:"level"`
}

// EurostatSettings configures the upstream SDMX dissemination API.
type EurostatSettings struct {
	BaseURL        string `mapstructure:"base_url" validate:"required,url"`
	SDMXAPIVersion string `mapstructure:"sdmx_api_version" validate:"required"`
	SDMXAgencyID   string `mapstructure:"sdmx_agency_id" validate:"required"`
}

// AppSettings is the fully assembled application configuration.
type AppSettings struct {
	DBType              DBType           `mapstructure:"db_type"`
	ManagedDatasetsPath string           `mapstructure:"managed_datasets_path"`
	DB                  DatabaseSettings `mapstructure:"db"`
	Cache               CacheSettings    `mapstructure:"cache"`
	Log                 LoggingSettings  `mapstructure:"log"`
	Eurostat            EurostatSettings `mapstructure:"eurostat"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("db_type", string(DBTypePostgres))
	v.SetDefault("managed_datasets_path", "managed_datasets.yml")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "postgres")
	// No real default; registering the key is what lets Unmarshal pick up
	// PY_LOAD_EUROSTAT_DB__PASSWORD from the environment.
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "eurostat")
	v.SetDefault("db.use_unlogged_tables", true)
	v.SetDefault("cache.enabled", true)
	v.SetDefault("log.level", "INFO")
	v.SetDefault("eurostat.base_url", "https://ec.europa.eu/eurostat/api/dissemination")
	v.SetDefault("eurostat.sdmx_api_version", "2.1")
	v.SetDefault("eurostat.sdmx_agency_id", "ESTAT")

	home, err := os.UserHomeDir()
	if err == nil {
		v.SetDefault("cache.path", home+"/.cache/py-load-eurostat")
	} else {
		v.SetDefault("cache.path", ".cache/py-load-eurostat")
	}
}

// Load reads AppSettings from environment variables prefixed
// PY_LOAD_EUROSTAT_, with nested fields addressed via a "__" delimiter
// (e.g. PY_LOAD_EUROSTAT_DB__HOST), falling back to the hard-coded
// defaults from spec.md §6. A Postgres db_type with no password fails as
// a ConfigError, matching the original's construction-time validation.
func Load() (*AppSettings, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()
	defaults(v)

	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional; absence is not an error

	var settings AppSettings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, &eserrors.ConfigError{Field: "AppSettings", Err: err}
	}

	if err := validate(&settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

func validate(s *AppSettings) error {
	val := validator.New()
	if err := val.Struct(s); err != nil {
		return &eserrors.ConfigError{Field: "AppSettings", Err: err}
	}
	if s.DBType == DBTypePostgres && s.DB.Password == "" {
		return &eserrors.ConfigError{Field: "db.password", Err: errRequiredForPostgres}
	}
	return nil
}

var errRequiredForPostgres = errors.New("a password is required for the postgres engine")
