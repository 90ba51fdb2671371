package main

import (
	"time"

	"github.com/agentuity/go-cachelib/cache"
	"github.com/agentuity/go-cachelib/config"
	"github.com/agentuity/go-cachelib/env"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/xhit/go-str2duration/v2"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "cachectl",
		Short:         "Inspect and edit a cache",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if path := env.FlagOrEnv(cmd, "env-file", "CACHELIB_ENV_FILE", ""); path != "" {
				return env.LoadEnvFile(path)
			}
			return nil
		},
	}
	flags := root.PersistentFlags()
	flags.String("config", "", "YAML cache config (env CACHELIB_CONFIG)")
	flags.String("backend", "", "backend when no config is given (env CACHELIB_BACKEND, default filesystem)")
	flags.String("dir", "", "filesystem backend directory (env CACHELIB_DIR)")
	flags.String("sqlite-path", "", "sqlite database path (env CACHELIB_SQLITE_PATH)")
	flags.String("redis-url", "", "redis url (env CACHELIB_REDIS_URL)")
	flags.String("prefix", "", "key prefix (env CACHELIB_PREFIX)")
	flags.String("log-level", "", "log level (env CACHELIB_LOG_LEVEL)")
	flags.String("env-file", "", "dotenv file loaded before anything else")

	root.AddCommand(
		newGetCommand(),
		newSetCommand("set", "Store a value, replacing any existing one"),
		newSetCommand("add", "Store a value only if the key is absent"),
		newDeleteCommand(),
		newHasCommand(),
		newCounterCommand("inc", "Increment an integer value"),
		newCounterCommand("dec", "Decrement an integer value"),
		newClearCommand(),
		newStatsCommand(),
	)
	return root
}

// loadConfig reads --config, or describes a single backend from flags and environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if path := env.FlagOrEnv(cmd, "config", "CACHELIB_CONFIG", ""); path != "" {
		return config.Load(path)
	}
	cfg := &config.Config{
		Backend: env.FlagOrEnv(cmd, "backend", "CACHELIB_BACKEND", config.BackendFileSystem),
		Prefix:  env.FlagOrEnv(cmd, "prefix", "CACHELIB_PREFIX", ""),
	}
	cfg.FileSystem.Dir = env.FlagOrEnv(cmd, "dir", "CACHELIB_DIR", "")
	cfg.SQLite.Path = env.FlagOrEnv(cmd, "sqlite-path", "CACHELIB_SQLITE_PATH", "")
	cfg.Redis.URL = env.FlagOrEnv(cmd, "redis-url", "CACHELIB_REDIS_URL", "")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openCache(cmd *cobra.Command) (cache.Cache, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	log := env.NewLogger(cmd).WithPrefix("[cachectl]")
	c, err := config.Open(cmd.Context(), cfg, log)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open %s cache", cfg.Backend)
	}
	return c, cfg, nil
}

// withCache opens the cache for the duration of fn.
func withCache(fn func(cmd *cobra.Command, c cache.Cache, cfg *config.Config, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, cfg, err := openCache(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		return fn(cmd, c, cfg, args)
	}
}

// timeoutArgs turns the --timeout flag into the variadic timeout of a cache call.
func timeoutArgs(cmd *cobra.Command) ([]time.Duration, error) {
	val, _ := cmd.Flags().GetString("timeout")
	switch val {
	case "":
		return nil, nil
	case "0", "never":
		return []time.Duration{0}, nil
	}
	if d, err := time.ParseDuration(val); err == nil {
		return []time.Duration{d}, nil
	}
	d, err := str2duration.ParseDuration(val)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid --timeout %q", val)
	}
	return []time.Duration{d}, nil
}
