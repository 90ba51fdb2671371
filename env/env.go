// Package env resolves CLI settings from flags, the environment and dotenv files.
package env

import (
	"bufio"
	"bytes"
	"log"
	"os"
	"strings"

	"github.com/agentuity/go-cachelib/logger"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

type EnvLine struct {
	Key string `json:"key"`
	Val string `json:"val"`
}

func dequote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// ParseEnvBuffer parses KEY=value lines. Blank lines and # comments are skipped, an optional
// "export " prefix is ignored and values may reference earlier keys or the process
// environment as ${NAME} or ${NAME:-default}.
func ParseEnvBuffer(buf []byte) ([]EnvLine, error) {
	envs := make([]EnvLine, 0)
	seen := make(map[string]string)
	lookup := func(ref string) string {
		name, def, _ := strings.Cut(ref, ":-")
		if v, ok := seen[name]; ok && v != "" {
			return v
		}
		if v := os.Getenv(name); v != "" {
			return v
		}
		return def
	}
	scanner := bufio.NewScanner(bytes.NewReader(buf))
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, errors.Newf("line %d: expected KEY=value", lineno)
		}
		val = os.Expand(dequote(strings.TrimSpace(val)), lookup)
		seen[key] = val
		envs = append(envs, EnvLine{Key: key, Val: val})
	}
	return envs, scanner.Err()
}

// ParseEnvFile parses filename. A missing file yields no lines.
func ParseEnvFile(filename string) ([]EnvLine, error) {
	buf, err := os.ReadFile(filename)
	if errors.Is(err, os.ErrNotExist) {
		return []EnvLine{}, nil
	}
	if err != nil {
		return nil, err
	}
	envs, err := ParseEnvBuffer(buf)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", filename)
	}
	return envs, nil
}

// LoadEnvFile exports the lines of filename that are not already set in the environment.
func LoadEnvFile(filename string) error {
	envs, err := ParseEnvFile(filename)
	if err != nil {
		return err
	}
	for _, el := range envs {
		if _, ok := os.LookupEnv(el.Key); ok {
			continue
		}
		if err := os.Setenv(el.Key, el.Val); err != nil {
			return err
		}
	}
	return nil
}

// FlagOrEnv will try and get a flag from the cobra.Command and if not found, look it up in the environment
// and fallback to defaultValue if non found
func FlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue string) string {
	flagValue, _ := cmd.Flags().GetString(flagName)
	if flagValue != "" {
		return flagValue
	}
	if val, ok := os.LookupEnv(envName); ok {
		return val
	}
	return defaultValue
}

func LogLevel(cmd *cobra.Command) logger.LogLevel {
	return logger.ParseLevel(FlagOrEnv(cmd, "log-level", logger.LevelEnv, "warn"), logger.LevelWarn)
}

// NewLogger returns a console logger by first checking the cobra.Command log-level flag, then use the
// CACHELIB_LOG_LEVEL environment value and falling back to the warn logger level
func NewLogger(cmd *cobra.Command) logger.Logger {
	log.SetFlags(0)
	return logger.NewConsoleLogger(LogLevel(cmd))
}
