// Command chiselcored boots the ChiselCore server process: it connects the
// MetaStore, migrates its reserved tables forward, rebuilds every Version
// the metastore already remembers from a prior run, and serves the HTTP
// surface until asked to stop: a cobra root command whose flags are
// bound into viper, an init-time cobra.OnInitialize config loader, and
// a runServer that starts the Echo server in a goroutine and waits on
// SIGINT/SIGTERM for a graceful shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"chiselcore.dev/chiselcore/internal/applyflow"
	"chiselcore.dev/chiselcore/internal/auth"
	"chiselcore.dev/chiselcore/internal/config"
	"chiselcore.dev/chiselcore/internal/httpapi"
	"chiselcore.dev/chiselcore/internal/metastore"
	"chiselcore.dev/chiselcore/internal/obslog"
	"chiselcore.dev/chiselcore/internal/policy"
	"chiselcore.dev/chiselcore/internal/queryengine"
	"chiselcore.dev/chiselcore/internal/secrets"
	"chiselcore.dev/chiselcore/internal/sqlrender"
	"chiselcore.dev/chiselcore/internal/trunk"
	"chiselcore.dev/chiselcore/internal/typesys"
)

// sessionTTL is the legacy JWT session lifetime. The sessions table
// carries no explicit expiry policy, so this picks a conservative
// default of one day.
const sessionTTL = 24 * time.Hour

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "chiselcored",
	Short: "ChiselCore data-centric backend server",
	Long: `chiselcored serves the CRUD, apply, and login endpoints over a
TypeSystem applied at runtime, persisting its reserved metadata tables and
every user entity table in the configured SQL database.`,
	RunE: runServer,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml/json/toml)")
	rootCmd.PersistentFlags().String("dialect", "", "sql dialect: postgres|sqlite")
	rootCmd.PersistentFlags().String("dsn", "", "database connection string")
	rootCmd.PersistentFlags().String("table-prefix", "", "table name prefix for user entities")
	rootCmd.PersistentFlags().String("listen-addr", "", "http listen address")
	rootCmd.PersistentFlags().Int("workers-per-version", 0, "worker pool size per applied version")
	rootCmd.PersistentFlags().String("admin-secret", "", "shared secret required on the ChiselAuth header for apply/login")
	rootCmd.PersistentFlags().String("log-level", "", "debug|info|warn|error")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit structured JSON logs")

	_ = viper.BindPFlag("dialect", rootCmd.PersistentFlags().Lookup("dialect"))
	_ = viper.BindPFlag("dsn", rootCmd.PersistentFlags().Lookup("dsn"))
	_ = viper.BindPFlag("table_prefix", rootCmd.PersistentFlags().Lookup("table-prefix"))
	_ = viper.BindPFlag("listen_addr", rootCmd.PersistentFlags().Lookup("listen-addr"))
	_ = viper.BindPFlag("workers_per_version", rootCmd.PersistentFlags().Lookup("workers-per-version"))
	_ = viper.BindPFlag("admin_secret", rootCmd.PersistentFlags().Lookup("admin-secret"))
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log_json", rootCmd.PersistentFlags().Lookup("log-json"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	viper.SetEnvPrefix("CHISELCORE")
	viper.AutomaticEnv()
	if cfgFile != "" {
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "chiselcored: reading config file %s: %v\n", cfgFile, err)
			os.Exit(1)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	base := config.FromEnv()
	cfg := base
	if cfgFile != "" {
		loaded, err := config.LoadFile(cfgFile, base)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	applyFlagOverrides(cfg)

	log := obslog.New(obslog.Config{Level: cfg.LogLevel, JSON: cfg.LogJSON, Component: "chiselcored"})

	if cfg.AdminSecret == "" {
		generated, err := auth.RandomSecret()
		if err != nil {
			return fmt.Errorf("chiselcored: generating admin secret: %w", err)
		}
		cfg.AdminSecret = generated
		log.Warn("no admin secret configured, generated a random one for this process lifetime")
	}

	engine, err := queryengine.Open(cfg)
	if err != nil {
		return fmt.Errorf("chiselcored: opening database: %w", err)
	}
	defer engine.Close()

	dialect := engine.Dialect()
	ctx := context.Background()

	bootTxn, err := engine.BeginTransaction(ctx)
	if err != nil {
		return fmt.Errorf("chiselcored: opening bootstrap transaction: %w", err)
	}
	if err := metastore.Migrate(ctx, bootTxn, bootTxn, dialect); err != nil {
		_ = bootTxn.Rollback()
		return fmt.Errorf("chiselcored: migrating reserved schema: %w", err)
	}
	if err := bootTxn.Commit(); err != nil {
		return fmt.Errorf("chiselcored: committing bootstrap transaction: %w", err)
	}

	secretStore := secrets.New("CHISELCORE")
	secretsCtx, cancelSecrets := context.WithCancel(context.Background())
	defer cancelSecrets()
	go secretStore.Run(secretsCtx, cfg.SecretsRefresh)

	tr := trunk.New()
	workerCfg := trunk.Config{Workers: cfg.WorkersPerVer, QueueDepth: cfg.JobQueueDepth}

	deps := applyflow.Deps{
		Engine:  engine,
		Trunk:   tr,
		Prefix:  cfg.TablePrefix,
		Secrets: secretStore,
		NewHandler: func(ts *typesys.TypeSystem, pol *policy.Engine, modules map[string]string) trunk.Handler {
			return httpapi.NewVersionHandler(engine, cfg.TablePrefix, ts, pol, modules)
		},
		WorkerConfig: workerCfg,
	}

	if err := rebuildTrunk(ctx, engine, dialect, secretStore, deps, log); err != nil {
		return fmt.Errorf("chiselcored: rebuilding versions from metastore: %w", err)
	}

	tokens := auth.NewTokenService(cfg.AdminSecret, sessionTTL, dialect)

	srv := httpapi.NewServer(httpapi.ServerConfigFromServer(cfg), tr, deps, tokens, log)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("chiselcored: server exited: %w", err)
		}
	case <-quit:
		log.Info("received shutdown signal")
	}

	return srv.Shutdown(context.Background())
}

// applyFlagOverrides layers any cobra flags the operator actually set on
// top of the env/file-derived config, keeping the precedence order
// flags > env > file > defaults.
func applyFlagOverrides(cfg *config.Server) {
	if v := viper.GetString("dialect"); v != "" {
		cfg.Dialect = v
	}
	if v := viper.GetString("dsn"); v != "" {
		cfg.DSN = v
	}
	if v := viper.GetString("table_prefix"); v != "" {
		cfg.TablePrefix = v
	}
	if v := viper.GetString("listen_addr"); v != "" {
		cfg.ListenAddr = v
	}
	if v := viper.GetInt("workers_per_version"); v != 0 {
		cfg.WorkersPerVer = v
	}
	if v := viper.GetString("admin_secret"); v != "" {
		cfg.AdminSecret = v
	}
	if v := viper.GetString("log_level"); v != "" {
		cfg.LogLevel = v
	}
	if viper.GetBool("log_json") {
		cfg.LogJSON = true
	}
}

// rebuildTrunk restores every Version a prior process already applied
// successfully, so a restart serves the same data without re-running
// apply: metastore.ListVersions names every version-id with a
// persisted api_info row, and for each one this replays LoadTypeSystem,
// LoadPolicies, and LoadModules to reconstruct the same TypeSystem and
// policy.Engine apply would have built, then starts a worker pool for it
// via trunk.NewVersion/Trunk.Swap exactly as applyflow.Apply does on a
// fresh apply.
func rebuildTrunk(ctx context.Context, engine *queryengine.Engine, dialect sqlrender.Dialect, secretStore *secrets.Store, deps applyflow.Deps, log *logrus.Entry) error {
	txn, err := engine.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	defer txn.Rollback()

	versionIDs, err := metastore.ListVersions(ctx, txn)
	if err != nil {
		return err
	}

	for _, versionID := range versionIDs {
		ts, _, err := metastore.LoadTypeSystem(ctx, txn, dialect, versionID)
		if err != nil {
			return fmt.Errorf("loading type system for version %s: %w", versionID, err)
		}
		sources, err := metastore.LoadPolicies(ctx, txn, dialect, versionID)
		if err != nil {
			return fmt.Errorf("loading policies for version %s: %w", versionID, err)
		}
		modules, err := metastore.LoadModules(ctx, txn, dialect, versionID)
		if err != nil {
			return fmt.Errorf("loading modules for version %s: %w", versionID, err)
		}

		pol := policy.New(ts, secretStore)
		for _, s := range sources {
			switch s.Kind {
			case "code":
				pol.SetCodePolicy(s.EntityName, s.Config)
			case "label":
				if err := pol.LoadLabelPolicy([]byte(s.Config)); err != nil {
					return fmt.Errorf("recompiling label policy %s for version %s: %w", s.Path, versionID, err)
				}
			case "pathauth":
				if err := pol.LoadPathAuthPolicy([]byte(s.Config)); err != nil {
					return fmt.Errorf("recompiling path-auth policy %s for version %s: %w", s.Path, versionID, err)
				}
			case "secretauth":
				if err := pol.LoadSecretAuthPolicy([]byte(s.Config)); err != nil {
					return fmt.Errorf("recompiling secret-auth policy %s for version %s: %w", s.Path, versionID, err)
				}
			}
		}

		handler := deps.NewHandler(ts, pol, modules)
		version := trunk.NewVersion(versionID, ts, pol, modules, handler, deps.WorkerConfig)
		deps.Trunk.Swap(version)
		log.WithField("version_id", versionID).Info("restored version from metastore")
	}
	return nil
}
