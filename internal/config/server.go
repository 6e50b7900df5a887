package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Dialect names accepted by Server.Dialect.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// Server is the full set of knobs chiselcored needs to boot: the SQL
// dialect and DSN the MetaStore and QueryEngine connect through, the
// table-name prefix the LayoutMapper uses, the HTTP listen address, and
// the worker pool size each Version is given.
type Server struct {
	Dialect          string
	DSN              string
	TablePrefix      string
	ListenAddr       string
	WorkersPerVer    int
	JobQueueDepth    int
	ShutdownTimeout  time.Duration
	RateLimitPerSec  float64
	AdminSecret      string
	SecretsRefresh   time.Duration
	LogLevel         string
	LogJSON          bool
}

// FromEnv builds a Server from CHISELCORE_-prefixed environment variables.
func FromEnv() *Server {
	ec := NewEnvConfig("CHISELCORE")
	return &Server{
		Dialect:         ec.GetString("DIALECT", DialectSQLite),
		DSN:             ec.GetString("DSN", "file:chiselcore.db?cache=shared"),
		TablePrefix:     ec.GetString("TABLE_PREFIX", "chisel_"),
		ListenAddr:      ec.GetString("LISTEN_ADDR", ":8080"),
		WorkersPerVer:   ec.GetInt("WORKERS_PER_VERSION", 4),
		JobQueueDepth:   ec.GetInt("JOB_QUEUE_DEPTH", 32),
		ShutdownTimeout: ec.GetDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		RateLimitPerSec: 0,
		AdminSecret:     ec.GetString("ADMIN_SECRET", ""),
		SecretsRefresh:  ec.GetDuration("SECRETS_REFRESH", 30*time.Second),
		LogLevel:        ec.GetString("LOG_LEVEL", "info"),
		LogJSON:         ec.GetBool("LOG_JSON", false),
	}
}

// LoadFile layers a YAML/JSON/TOML config file (read via viper) over base:
// a key present in the file replaces base's value, a key absent keeps it.
// viper also reads CHISELCORE_-prefixed environment variables, so a key
// whose variable is set keeps the environment's value over the file's.
// Used by "chiselcored --config <path>".
func LoadFile(path string, base *Server) (*Server, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("CHISELCORE")
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	out := *base
	if v.IsSet("dialect") {
		out.Dialect = v.GetString("dialect")
	}
	if v.IsSet("dsn") {
		out.DSN = v.GetString("dsn")
	}
	if v.IsSet("table_prefix") {
		out.TablePrefix = v.GetString("table_prefix")
	}
	if v.IsSet("listen_addr") {
		out.ListenAddr = v.GetString("listen_addr")
	}
	if v.IsSet("workers_per_version") {
		out.WorkersPerVer = v.GetInt("workers_per_version")
	}
	if v.IsSet("job_queue_depth") {
		out.JobQueueDepth = v.GetInt("job_queue_depth")
	}
	if v.IsSet("shutdown_timeout") {
		out.ShutdownTimeout = v.GetDuration("shutdown_timeout")
	}
	if v.IsSet("rate_limit_per_sec") {
		out.RateLimitPerSec = v.GetFloat64("rate_limit_per_sec")
	}
	if v.IsSet("admin_secret") {
		out.AdminSecret = v.GetString("admin_secret")
	}
	if v.IsSet("secrets_refresh") {
		out.SecretsRefresh = v.GetDuration("secrets_refresh")
	}
	if v.IsSet("log_level") {
		out.LogLevel = v.GetString("log_level")
	}
	if v.IsSet("log_json") {
		out.LogJSON = v.GetBool("log_json")
	}
	return &out, nil
}
