package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/vk/servicesd/internal/app"
	"github.com/vk/servicesd/internal/config"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

type flags struct {
	configs         []string
	healthcheckPort int
	logFormat       string
	logLevel        string
	watch           bool
	version         bool
}

// Parse processes command-line arguments. It returns a populated app
// config, a boolean indicating if the program should exit cleanly, or an
// ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	var (
		f      flags
		result *app.Config
	)

	cmd := &cobra.Command{
		Use:   "servicesd [flags] [CONFIG_PATH...]",
		Short: "IRC network services daemon with hot-swappable modules",
		Long: `servicesd links to an IRC server as a services server and hosts feature
modules that operators load, unload and reload at runtime.

CONFIG_PATH is a .hcl or .yaml file, or a directory holding them. Several
paths are merged in order.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, positional []string) error {
			if f.version {
				fmt.Fprintf(output, "servicesd %s\n", config.CoreVersion)
				return nil
			}
			paths := append(append([]string(nil), f.configs...), positional...)
			if len(paths) == 0 {
				slog.Debug("No configuration path provided, printing usage and exiting.")
				return cmd.Usage()
			}
			cfg, err := validate(f, paths)
			if err != nil {
				return err
			}
			result = cfg
			return nil
		},
	}
	if args == nil {
		// cobra falls back to os.Args for a nil slice.
		args = []string{}
	}
	cmd.SetArgs(args)
	cmd.SetOut(output)
	cmd.SetErr(output)

	fs := cmd.Flags()
	fs.StringSliceVarP(&f.configs, "config", "c", nil, "Configuration file or directory. Repeat to merge several.")
	fs.IntVar(&f.healthcheckPort, "healthcheck-port", 0, "Port for the health check and metrics server. 0 is disabled.")
	fs.StringVar(&f.logFormat, "log-format", "json", "Log output format. Options: 'text' or 'json'.")
	fs.StringVar(&f.logLevel, "log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	fs.BoolVar(&f.watch, "watch", false, "Rehash automatically when a configuration file changes.")
	fs.BoolVar(&f.version, "version", false, "Print the version and exit.")

	if err := cmd.Execute(); err != nil {
		if exitErr, ok := err.(*ExitError); ok {
			return nil, false, exitErr
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	if result == nil {
		return nil, true, nil
	}
	slog.Debug("CLI parser finished successfully.", "config", result)
	return result, false, nil
}

func validate(f flags, paths []string) (*app.Config, error) {
	logFormat := strings.ToLower(f.logFormat)
	if logFormat != "text" && logFormat != "json" {
		return nil, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(f.logLevel)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	cfg, err := app.NewConfig(app.Config{
		ConfigPaths:     paths,
		HealthcheckPort: f.healthcheckPort,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		WatchConfig:     f.watch,
	})
	if err != nil {
		return nil, &ExitError{Code: 2, Message: err.Error()}
	}
	return cfg, nil
}
