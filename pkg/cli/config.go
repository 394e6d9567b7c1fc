package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/adamrehn/websocket-server-demo/pkg/cli/internal/output"
	"github.com/adamrehn/websocket-server-demo/pkg/config"
	"github.com/adamrehn/websocket-server-demo/pkg/logging"
)

// lookupEnv is swapped out in tests.
var lookupEnv = os.LookupEnv

// resolveConfig loads the config file and environment, applies the flags the
// user set explicitly and validates the result.
func resolveConfig(cmd *cobra.Command, apply func(cfg *config.Config, changed func(string) bool)) (*config.Config, error) {
	cfg, err := config.Load(configFile, lookupEnv)
	if err != nil {
		return nil, err
	}

	changed := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}

	if changed("log-level") {
		cfg.Log.Level = logLevel
		cfg.SetSource("log.level", config.SourceFlag)
	}
	if changed("log-format") {
		cfg.Log.Format = logFormat
		cfg.SetSource("log.format", config.SourceFlag)
	}
	if apply != nil {
		apply(cfg, changed)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. The returned closer releases the
// --log-file handle.
func newLogger(cfg *config.Config, stderr io.Writer) (*slog.Logger, func() error, error) {
	lc := logging.Config{
		Level:  logging.ParseLevel(cfg.Log.Level),
		Format: logging.ParseFormat(cfg.Log.Format),
		Output: stderr,
	}

	closer := func() error { return nil }
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		lc.Tee = f
		closer = f.Close
	}

	return logging.New(lc), closer, nil
}

// cliLogger is the logger for client commands, which have no config file.
func cliLogger(stderr io.Writer) *slog.Logger {
	lc := logging.DefaultConfig()
	lc.Output = stderr
	lc.Level = logging.LevelWarn
	if logLevel != "" {
		lc.Level = logging.ParseLevel(logLevel)
	}
	lc.Format = logging.ParseFormat(logFormat)
	return logging.New(lc)
}

// configOutput is the --print-config document.
type configOutput struct {
	Config  *config.Config    `yaml:"config" json:"config"`
	Sources map[string]string `yaml:"sources" json:"sources"`
}

func printConfig(w io.Writer, cfg *config.Config) error {
	out := configOutput{Config: cfg, Sources: cfg.Sources}
	if jsonOutput {
		return output.JSON(w, out)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(out.Config); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}

	keys := make([]string, 0, len(cfg.Sources))
	for k := range cfg.Sources {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintln(w, "# sources:")
	for _, k := range keys {
		fmt.Fprintf(w, "#   %s: %s\n", k, cfg.Sources[k])
	}
	return nil
}
