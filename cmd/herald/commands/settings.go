package commands

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dyluth/herald/internal/app"
	"github.com/dyluth/herald/internal/config"
	"github.com/dyluth/herald/internal/logging"
	"github.com/dyluth/herald/internal/printer"
)

// envFiles are loaded in order; variables already set are never overridden.
var envFiles = []string{".env", ".env.local"}

// loadEnvFiles loads environment variables from .env files.
func loadEnvFiles() {
	for _, envFile := range envFiles {
		_ = godotenv.Load(envFile)
	}
}

// newViper layers HERALD_* environment variables under the command's flags.
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	loadEnvFiles()

	v := viper.New()
	v.SetEnvPrefix("HERALD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, name := range []string{"config", "relay", "log-level", "verbose"} {
		if flag := cmd.Flags().Lookup(name); flag != nil {
			if err := v.BindPFlag(name, flag); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}
	return v, nil
}

// loadConfig resolves the configuration for cmd. A missing config file is
// allowed when relays are given by flag or environment.
func loadConfig(cmd *cobra.Command) (*config.HeraldConfig, error) {
	v, err := newViper(cmd)
	if err != nil {
		return nil, err
	}
	return resolveConfig(v)
}

func resolveConfig(v *viper.Viper) (*config.HeraldConfig, error) {
	path := v.GetString("config")
	relays := splitList(v.GetStringSlice("relay"))

	var cfg *config.HeraldConfig
	if _, err := os.Stat(path); err == nil {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, printer.ErrorWithContext(
				"invalid configuration",
				err.Error(),
				map[string]string{"File": path},
				[]string{"Fix the reported field in " + path},
			)
		}
	} else if errors.Is(err, fs.ErrNotExist) && len(relays) > 0 {
		cfg = config.Default()
	} else if errors.Is(err, fs.ErrNotExist) {
		return nil, printer.Error(
			"no configuration found",
			fmt.Sprintf("%s does not exist and no relays were given.", path),
			[]string{
				"Create " + path + " with a relays list",
				"Pass relays directly: herald --relay wss://relay.example.com ...",
			},
		)
	} else {
		return nil, fmt.Errorf("failed to stat config: %w", err)
	}

	if len(relays) > 0 {
		cfg.Relays = relays
	}
	if level := v.GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if v.GetBool("verbose") {
		cfg.Log.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, printer.Error("invalid configuration", err.Error(), nil)
	}
	return cfg, nil
}

// splitList accepts both repeated values and comma separated lists.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// newClient loads configuration and logging and builds a client. The
// returned closer releases both.
func newClient(cmd *cobra.Command) (*app.Client, zerolog.Logger, io.Closer, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}

	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		return nil, zerolog.Nop(), nil, printer.Error("invalid log configuration", err.Error(), nil)
	}

	client, err := app.New(cfg, app.Options{Logger: logger})
	if err != nil {
		logCloser.Close()
		return nil, logger, nil, fmt.Errorf("failed to create client: %w", err)
	}

	return client, logger, closerFunc(func() error {
		err := client.Close()
		logCloser.Close()
		return err
	}), nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
