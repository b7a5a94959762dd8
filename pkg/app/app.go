// Package app builds cobra commands from an options aggregate. Flags,
// environment and an optional YAML file are merged by viper into the
// options before they are completed, validated and handed to the run
// function.
package app

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	cliflag "k8s.io/component-base/cli/flag"
	"k8s.io/component-base/cli/globalflag"
	"k8s.io/component-base/term"

	"github.com/autopeer-io/v2x/pkg/log"
)

// RunFunc is the body of the root command.
type RunFunc func() error

// App is a command line application.
type App struct {
	name        string
	shortDesc   string
	description string
	envPrefix   string
	options     NamedFlagSetOptions
	runFunc     RunFunc
	args        cobra.PositionalArgs
	noConfig    bool
	onChange    func()
	commands    []*cobra.Command

	viper *viper.Viper
	cmd   *cobra.Command
}

// Option configures an App.
type Option func(*App)

func WithOptions(opts NamedFlagSetOptions) Option {
	return func(a *App) { a.options = opts }
}

func WithRunFunc(run RunFunc) Option {
	return func(a *App) { a.runFunc = run }
}

func WithDescription(desc string) Option {
	return func(a *App) { a.description = desc }
}

// WithDefaultValidArgs rejects positional arguments.
func WithDefaultValidArgs() Option {
	return func(a *App) {
		a.args = func(cmd *cobra.Command, args []string) error {
			for _, arg := range args {
				if len(arg) > 0 {
					return fmt.Errorf("%q does not take any arguments, got %q", cmd.CommandPath(), args)
				}
			}
			return nil
		}
	}
}

// WithNoConfig disables the config file and environment overrides.
func WithNoConfig() Option {
	return func(a *App) { a.noConfig = true }
}

// WithEnvPrefix replaces DefaultEnvPrefix.
func WithEnvPrefix(prefix string) Option {
	return func(a *App) { a.envPrefix = prefix }
}

// WithWatchConfig calls onChange after the options were reloaded from a
// modified config file.
func WithWatchConfig(onChange func()) Option {
	return func(a *App) { a.onChange = onChange }
}

// WithCommands adds subcommands. They see the same loaded options.
func WithCommands(cmds ...*cobra.Command) Option {
	return func(a *App) { a.commands = append(a.commands, cmds...) }
}

// NewApp builds the root command of name.
func NewApp(name, shortDesc string, opts ...Option) *App {
	a := &App{
		name:      name,
		shortDesc: shortDesc,
		envPrefix: DefaultEnvPrefix,
		viper:     viper.New(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.buildCommand()
	return a
}

// Command returns the root command.
func (a *App) Command() *cobra.Command {
	return a.cmd
}

// Viper returns the configuration source of the options.
func (a *App) Viper() *viper.Viper {
	return a.viper
}

// Run executes the command and exits the process on failure.
func (a *App) Run() {
	if err := a.cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func (a *App) buildCommand() {
	cmd := &cobra.Command{
		Use:           a.name,
		Short:         a.shortDesc,
		Long:          a.description,
		SilenceUsage:  true,
		SilenceErrors: false,
		Args:          a.args,
	}
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)
	cmd.Flags().SortFlags = true

	var namedFlagSets cliflag.NamedFlagSets
	if a.options != nil {
		namedFlagSets = a.options.Flags()
	}
	globalflag.AddGlobalFlags(namedFlagSets.FlagSet("global"), cmd.Name())

	var cfgFile *string
	if !a.noConfig {
		cfgFile = addConfigFlag(namedFlagSets.FlagSet("global"), a.name)
	}
	for _, f := range namedFlagSets.FlagSets {
		cmd.PersistentFlags().AddFlagSet(f)
	}

	cols, _, _ := term.TerminalSize(cmd.OutOrStdout())
	cliflag.SetUsageAndHelpFunc(cmd, namedFlagSets, cols)

	cmd.PersistentPreRunE = func(c *cobra.Command, _ []string) error {
		path := ""
		if cfgFile != nil {
			path = *cfgFile
		}
		return a.prepare(c, path)
	}
	if a.runFunc != nil {
		cmd.RunE = func(*cobra.Command, []string) error {
			defer func() { _ = log.Sync() }()

			if a.onChange != nil && !a.noConfig {
				watchConfig(a.viper, a.options, a.onChange)
			}
			return a.runFunc()
		}
	}
	cmd.AddCommand(a.commands...)

	a.cmd = cmd
}

// prepare loads, completes and validates the options and initialises the
// logger.
func (a *App) prepare(cmd *cobra.Command, cfgFile string) error {
	if a.options == nil {
		return nil
	}

	if !a.noConfig {
		if err := loadConfig(a.viper, cmd.Flags(), a.name, cfgFile, a.envPrefix); err != nil {
			return fmt.Errorf("failed to read configuration: %w", err)
		}
		if err := a.viper.Unmarshal(a.options); err != nil {
			return fmt.Errorf("failed to decode configuration: %w", err)
		}
	}

	if err := a.options.Complete(); err != nil {
		return err
	}
	if err := a.options.Validate(); err != nil {
		return err
	}

	if lo, ok := a.options.(LoggerOptions); ok {
		log.Init(lo.LogOptions())
	}
	if used := a.viper.ConfigFileUsed(); used != "" {
		log.Info("Using config file", "file", used)
	}
	return nil
}
