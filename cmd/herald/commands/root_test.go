package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/herald/internal/printer"
	"github.com/dyluth/herald/pkg/event"
	"github.com/dyluth/herald/pkg/relay/relaytest"
	"github.com/dyluth/herald/pkg/signer"
)

// TestRootCommand_ShowsHelpWhenNoSubcommand tests that the root command
// shows help instead of silently succeeding when invoked without a subcommand
func TestRootCommand_ShowsHelpWhenNoSubcommand(t *testing.T) {
	testRoot := &cobra.Command{
		Use:   "herald",
		Short: "Test root command",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	buf := new(bytes.Buffer)
	testRoot.SetOut(buf)
	testRoot.SetErr(buf)

	err := testRoot.Execute()

	assert.NoError(t, err)
	output := buf.String()
	assert.Contains(t, output, "Usage:", "Help should be displayed")
	assert.Contains(t, output, "herald", "Help should show command name")
}

// TestRootCommand_RejectsUnknownFlags tests that unknown flags
// passed to the root command cause an error instead of being silently ignored
func TestRootCommand_RejectsUnknownFlags(t *testing.T) {
	testRoot := &cobra.Command{
		Use:   "herald",
		Short: "Test root command",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		FParseErrWhitelist: cobra.FParseErrWhitelist{},
	}
	testRoot.SetArgs([]string{"--unknown-flag", "value"})

	buf := new(bytes.Buffer)
	testRoot.SetOut(buf)
	testRoot.SetErr(buf)

	err := testRoot.Execute()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown flag")
}

func TestRootCommand_RegistersSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"status", "publish", "fetch", "watch", "cache", "serve", "keygen"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestParsePlaceholders(t *testing.T) {
	placeholders, err := parsePlaceholders([]string{"name=there", "${eventId}=abc123", "empty="})
	require.NoError(t, err)
	assert.Equal(t, event.Placeholders{
		"${name}":    "there",
		"${eventId}": "abc123",
		"${empty}":   "",
	}, placeholders)

	_, err = parsePlaceholders([]string{"novalue"})
	assert.Error(t, err)

	_, err = parsePlaceholders([]string{"=value"})
	assert.Error(t, err)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t,
		[]string{"wss://a.example", "wss://b.example", "wss://c.example"},
		splitList([]string{"wss://a.example, wss://b.example", "wss://c.example", ""}))
	assert.Nil(t, splitList(nil))
}

func quietPrinter(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	origOut, origErr := printer.Stdout, printer.Stderr
	printer.Stdout, printer.Stderr = &buf, &buf
	t.Cleanup(func() { printer.Stdout, printer.Stderr = origOut, origErr })
	return &buf
}

func TestResolveConfig(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.yml")

	t.Run("missing file without relays", func(t *testing.T) {
		out := quietPrinter(t)
		v := viper.New()
		v.Set("config", missing)

		_, err := resolveConfig(v)
		require.Error(t, err)
		assert.Equal(t, "no configuration found", err.Error())
		assert.Contains(t, out.String(), "--relay")
	})

	t.Run("missing file with relays", func(t *testing.T) {
		v := viper.New()
		v.Set("config", missing)
		v.Set("relay", []string{"wss://a.example,wss://b.example"})
		v.Set("verbose", true)

		cfg, err := resolveConfig(v)
		require.NoError(t, err)
		assert.Equal(t, []string{"wss://a.example", "wss://b.example"}, cfg.Relays)
		assert.Equal(t, "debug", cfg.Log.Level)
	})

	t.Run("file with overrides", func(t *testing.T) {
		path := filepath.Join(dir, "herald.yml")
		require.NoError(t, os.WriteFile(path, []byte(`version: "1.0"
relays:
  - wss://file.example
`), 0644))

		v := viper.New()
		v.Set("config", path)
		v.Set("log-level", "warn")

		cfg, err := resolveConfig(v)
		require.NoError(t, err)
		assert.Equal(t, []string{"wss://file.example"}, cfg.Relays)
		assert.Equal(t, "warn", cfg.Log.Level)
	})

	t.Run("invalid relay override", func(t *testing.T) {
		quietPrinter(t)
		v := viper.New()
		v.Set("config", missing)
		v.Set("relay", []string{"https://not-a-relay.example"})

		_, err := resolveConfig(v)
		require.Error(t, err)
		assert.Equal(t, "invalid configuration", err.Error())
	})

	t.Run("relays from environment", func(t *testing.T) {
		t.Setenv("HERALD_RELAY", "wss://env.example")
		cmd := &cobra.Command{Use: "test"}
		cmd.Flags().String("config", missing, "")

		cfg, err := loadConfig(cmd)
		require.NoError(t, err)
		assert.Equal(t, []string{"wss://env.example"}, cfg.Relays)
	})
}

func TestKeygenCommand(t *testing.T) {
	quietPrinter(t)
	path := filepath.Join(t.TempDir(), "keys", "herald.key")

	rootCmd.SetArgs([]string{"keygen", "--path", path})
	require.NoError(t, rootCmd.Execute())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	first := strings.TrimSpace(string(data))
	assert.True(t, strings.HasPrefix(first, "nsec1"))
	_, err = signer.NewKeySigner(first)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	rootCmd.SetArgs([]string{"keygen", "--path", path})
	err = rootCmd.Execute()
	require.Error(t, err)
	assert.Equal(t, "key file already exists", err.Error())

	rootCmd.SetArgs([]string{"keygen", "--path", path, "--force"})
	require.NoError(t, rootCmd.Execute())

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEqual(t, first, strings.TrimSpace(string(data)))
}

// resetRelayFlag clears --relay, which persists across rootCmd executions.
func resetRelayFlag() {
	flag := rootCmd.PersistentFlags().Lookup("relay")
	_ = flag.Value.(interface{ Replace([]string) error }).Replace(nil)
	flag.Changed = false
}

func TestStatusCommand(t *testing.T) {
	quietPrinter(t)
	srv := relaytest.NewServer()
	defer srv.Close()

	t.Cleanup(resetRelayFlag)

	rootCmd.SetArgs([]string{
		"status",
		"--config", filepath.Join(t.TempDir(), "none.yml"),
		"--relay", srv.URL(),
		"--log-level", "error",
	})
	require.NoError(t, rootCmd.Execute())
}

func TestStatusCommandUnreachableRelay(t *testing.T) {
	out := quietPrinter(t)
	path := filepath.Join(t.TempDir(), "herald.yml")
	require.NoError(t, os.WriteFile(path, []byte(`version: "1.0"
relays:
  - ws://127.0.0.1:1
connection:
  connect_timeout: 1s
  retry:
    max_attempts: 0
`), 0644))

	rootCmd.SetArgs([]string{"status", "--config", path, "--log-level", "error"})
	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, out.String(), "Connection: disconnected")
}
