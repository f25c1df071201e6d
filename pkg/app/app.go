package app

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// RunFunc is the application's main entry, called after flags and the config
// file have been merged into the options.
type RunFunc func() error

// CliOptions is implemented by a command's aggregated options struct.
type CliOptions interface {
	// AddFlags registers all flags of the application.
	AddFlags(fs *pflag.FlagSet)

	// Validate checks the merged options; a non-empty slice aborts startup.
	Validate() []error
}

// App builds a cobra command with the project's standard config handling:
// flags, an optional YAML config file, and FLEETFW_* environment overrides,
// in increasing order of precedence for flags.
type App struct {
	name        string
	short       string
	description string
	options     CliOptions
	run         RunFunc
	cmd         *cobra.Command
}

// Option configures an App during creation.
type Option func(*App)

// WithOptions attaches the command's options struct.
func WithOptions(opts CliOptions) Option {
	return func(a *App) { a.options = opts }
}

// WithRunFunc sets the application's run callback.
func WithRunFunc(run RunFunc) Option {
	return func(a *App) { a.run = run }
}

// WithDescription sets the long description shown in help output.
func WithDescription(desc string) Option {
	return func(a *App) { a.description = desc }
}

// NewApp creates an application with the given name and options.
func NewApp(name, short string, opts ...Option) *App {
	a := &App{
		name:  name,
		short: short,
	}
	for _, o := range opts {
		o(a)
	}
	a.buildCommand()
	return a
}

func (a *App) buildCommand() {
	var configFile string

	cmd := &cobra.Command{
		Use:           a.name,
		Short:         a.short,
		Long:          a.description,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.loadConfig(cmd.Flags(), configFile); err != nil {
				return err
			}
			if a.options != nil {
				if errs := a.options.Validate(); len(errs) > 0 {
					return aggregate(errs)
				}
			}
			if a.run != nil {
				return a.run()
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to the configuration file.")
	if a.options != nil {
		a.options.AddFlags(cmd.Flags())
	}

	a.cmd = cmd
}

// loadConfig merges the config file and environment into unset flags.
func (a *App) loadConfig(fs *pflag.FlagSet, configFile string) error {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(a.name)
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/fleetfw")
	}

	v.SetEnvPrefix("FLEETFW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case configFile != "":
			return fmt.Errorf("failed to read config file %s: %w", configFile, err)
		case errors.As(err, &notFound):
			// No config file is fine; flags and defaults apply.
		default:
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	// Apply config/env values to any flag the user did not set explicitly.
	var applyErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if applyErr != nil || f.Changed || !v.IsSet(f.Name) {
			return
		}
		if err := fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name))); err != nil {
			applyErr = fmt.Errorf("invalid config value for %s: %w", f.Name, err)
		}
	})
	return applyErr
}

// Command exposes the underlying cobra command, e.g. for adding subcommands.
func (a *App) Command() *cobra.Command {
	return a.cmd
}

// Run executes the application and exits the process on error.
func (a *App) Run() {
	if err := a.cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", a.name, err)
		os.Exit(1)
	}
}

func aggregate(errs []error) error {
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}
